// Package connection implements the Cobra connection lifecycle on top of a
// Transport: state tracking driven by transport events, gated publish and
// subscribe calls, and blocking waits that never spin.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/tracker"
)

var (
	ErrNotAuthenticated  = errors.New("connection is not authenticated")
	ErrHandshake         = errors.New("handshake failed")
	ErrAuthentication    = errors.New("authentication failed")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrNotDelivered      = errors.New("publish was not delivered")
	ErrClosed            = errors.New("connection closed")
	ErrEmptyChannel      = errors.New("channel is required")
	ErrEmptySubscription = errors.New("subscription channel is required")
)

// State is the lifecycle state of a Connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAuthenticated
	StateSubscribed
	StateClosed
	StateError
	StateHandshakeError
	StateAuthenticationError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	case StateHandshakeError:
		return "handshake_error"
	case StateAuthenticationError:
		return "authentication_error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsAuthenticated reports whether publish and subscribe are allowed
func (s State) IsAuthenticated() bool {
	return s == StateAuthenticated || s == StateSubscribed
}

// IsFailed reports whether the current attempt was aborted by the server
func (s State) IsFailed() bool {
	return s == StateHandshakeError || s == StateAuthenticationError
}

// Connection owns the authenticate/publish/subscribe lifecycle of one
// transport.
type Connection struct {
	transport Transport
	tracker   *tracker.PublishTracker
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	lastErr       error
	gaveUp        bool
	changed       chan struct{}
	closed        bool
	subscriptions map[string]struct{}
	handlers      []EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Connection
type Option func(*Connection)

// WithTracker records publishes and acknowledgments in t
func WithTracker(t *tracker.PublishTracker) Option {
	return func(c *Connection) { c.tracker = t }
}

// WithLogger sets the connection logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithEventHandler registers an observer at construction time
func WithEventHandler(h EventHandler) Option {
	return func(c *Connection) { c.handlers = append(c.handlers, h) }
}

// New wires a Connection to transport t and installs its event callback
func New(t Transport, opts ...Option) *Connection {
	c := &Connection{
		transport:     t,
		tracker:       tracker.New(),
		logger:        slog.Default(),
		state:         StateDisconnected,
		changed:       make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	t.SetEventCallback(c.handleEvent)
	return c
}

// OnEvent registers an observer invoked after every state update. Observers
// run without any lock held and may call Publish or Subscribe.
func (c *Connection) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Tracker returns the publish tracker of the connection
func (c *Connection) Tracker() *tracker.PublishTracker {
	return c.tracker
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the last error reported by the transport, if any
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// setStateLocked must be called with c.mu held
func (c *Connection) setStateLocked(s State) {
	if c.state != s {
		connectionTransitionsTotal.WithLabelValues(c.state.String(), s.String()).Inc()
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// Connect asks the transport to open the connection. It does not block;
// progress is reported through events.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastErr = nil
	c.gaveUp = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.transport.Connect(); err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		c.mu.Lock()
		c.lastErr = err
		c.gaveUp = true
		c.setStateLocked(StateError)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Publish sends payload on channel. It returns the message id immediately;
// the acknowledgment arrives later as a Published event.
func (c *Connection) Publish(channel string, payload json.RawMessage) (uint64, error) {
	if channel == "" {
		return 0, ErrEmptyChannel
	}
	if err := c.requireAuthenticated(); err != nil {
		return 0, err
	}

	msgID, err := c.transport.Publish([]string{channel}, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	c.tracker.OnSent(msgID)
	return msgID, nil
}

// Subscribe requests a subscription. The connection moves to
// StateSubscribed when the server confirms it.
func (c *Connection) Subscribe(sub models.Subscription, handler BatchHandler) (string, error) {
	if sub.Channel == "" {
		return "", ErrEmptySubscription
	}
	if sub.ID == "" {
		sub.ID = sub.Channel
	}
	if err := c.requireAuthenticated(); err != nil {
		return "", err
	}

	id, err := c.transport.Subscribe(sub, handler)
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to %s: %w", sub.Channel, err)
	}
	return id, nil
}

// Unsubscribe cancels a subscription
func (c *Connection) Unsubscribe(subscriptionID string) error {
	if err := c.requireAuthenticated(); err != nil {
		return err
	}
	if err := c.transport.Unsubscribe(subscriptionID); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", subscriptionID, err)
	}
	return nil
}

func (c *Connection) requireAuthenticated() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.state.IsAuthenticated() {
		return fmt.Errorf("%w (state %s)", ErrNotAuthenticated, c.state)
	}
	return nil
}

// Suspend closes the socket without closing the connection
func (c *Connection) Suspend() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	return c.transport.Suspend()
}

// Resume reopens a suspended connection
func (c *Connection) Resume() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastErr = nil
	c.gaveUp = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.transport.Resume()
}

// Reconnect drops the socket and opens a new one
func (c *Connection) Reconnect() error {
	if err := c.Suspend(); err != nil {
		return err
	}
	return c.Resume()
}

// WaitAuthenticated blocks until the connection is authenticated, the
// attempt fails, the connection is closed or ctx is done. A transport that
// stops retrying ends the wait with ErrConnectionFailed.
func (c *Connection) WaitAuthenticated(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return ErrClosed
		case c.state.IsAuthenticated():
			c.mu.Unlock()
			return nil
		case c.state.IsFailed(), c.gaveUp:
			err := c.lastErr
			c.mu.Unlock()
			return err
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitPublished blocks until msgID is acknowledged
func (c *Connection) WaitPublished(ctx context.Context, msgID uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := c.tracker.Wait(ctx, msgID)
	if err != nil && c.isClosed() {
		return ErrClosed
	}
	return err
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. Closing an already closed connection is a
// no-op.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.setStateLocked(StateClosed)
		close(c.done)
		c.mu.Unlock()

		err = c.transport.Close()
	})
	return err
}

// handleEvent is the transport callback and the only driver of remote state
// transitions.
func (c *Connection) handleEvent(ev models.Event) {
	connectionEventsTotal.WithLabelValues(ev.Kind.String()).Inc()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case models.EventOpen:
		c.setStateLocked(StateOpen)
	case models.EventAuthenticated:
		c.subscriptions = make(map[string]struct{})
		c.setStateLocked(StateAuthenticated)
	case models.EventSubscribed:
		c.subscriptions[ev.SubscriptionID] = struct{}{}
		c.setStateLocked(StateSubscribed)
	case models.EventUnSubscribed:
		delete(c.subscriptions, ev.SubscriptionID)
		if len(c.subscriptions) == 0 && c.state == StateSubscribed {
			c.setStateLocked(StateAuthenticated)
		}
	case models.EventError:
		switch {
		case ev.MsgID != 0:
			// a single publish was dropped; the tracker fails it below
		case ev.Final:
			c.lastErr = fmt.Errorf("%w: %s", ErrConnectionFailed, ev.ErrMsg)
			c.gaveUp = true
			c.setStateLocked(StateError)
		default:
			c.lastErr = errors.New(ev.ErrMsg)
			if c.state == StateConnecting {
				c.setStateLocked(StateError)
			}
		}
	case models.EventHandshakeError:
		c.lastErr = fmt.Errorf("%w: %s", ErrHandshake, ev.ErrMsg)
		c.setStateLocked(StateHandshakeError)
	case models.EventAuthenticationError:
		c.lastErr = fmt.Errorf("%w: %s", ErrAuthentication, ev.ErrMsg)
		c.setStateLocked(StateAuthenticationError)
	case models.EventClosed:
		c.subscriptions = make(map[string]struct{})
		// A failed handshake or authentication stays visible after the
		// socket goes away.
		if ev.Final {
			c.gaveUp = true
		}
		if !c.state.IsFailed() {
			if ev.Final {
				c.lastErr = fmt.Errorf("%w: %s", ErrConnectionFailed, ev.ErrMsg)
			}
			c.setStateLocked(StateClosed)
		}
	}

	handlers := c.handlers
	c.mu.Unlock()

	switch {
	case ev.Kind == models.EventPublished:
		c.tracker.OnAcked(ev.MsgID)
	case ev.Kind == models.EventError && ev.MsgID != 0:
		c.tracker.OnFailed(ev.MsgID, fmt.Errorf("%w: %s", ErrNotDelivered, ev.ErrMsg))
	}
	c.logEvent(ev)

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Connection) logEvent(ev models.Event) {
	switch ev.Kind {
	case models.EventOpen:
		attrs := []any{slog.String("event", ev.Kind.String())}
		for k, v := range ev.Headers {
			attrs = append(attrs, slog.String("header."+k, v))
		}
		c.logger.Info("connected", attrs...)
	case models.EventAuthenticated:
		c.logger.Info("authenticated")
	case models.EventSubscribed:
		c.logger.Info("subscribed", slog.String("subscription_id", ev.SubscriptionID))
	case models.EventUnSubscribed:
		c.logger.Info("unsubscribed", slog.String("subscription_id", ev.SubscriptionID))
	case models.EventPublished:
		c.logger.Debug("publish acked", slog.Uint64("msg_id", ev.MsgID))
	case models.EventPong:
		c.logger.Debug("received websocket pong")
	case models.EventClosed:
		c.logger.Info("connection closed", slog.String("reason", ev.ErrMsg))
	case models.EventError:
		c.logger.Error("connection error", slog.String("error", ev.ErrMsg))
	case models.EventHandshakeError:
		c.logger.Error("handshake error", slog.String("error", ev.ErrMsg))
	case models.EventAuthenticationError:
		c.logger.Error("authentication error", slog.String("error", ev.ErrMsg))
	}
}
