// Package transport implements connection.Transport over a websocket
// speaking the Cobra v2 JSON protocol.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/cobra-client-platform/internal/auth"
	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Send pings to peer with this period
	defaultPingInterval = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 16 * 1024 * 1024

	handshakeTimeout = 10 * time.Second

	sendBufferSize = 256
)

var (
	ErrNotConnected  = errors.New("transport is not connected")
	ErrClosed        = errors.New("transport closed")
	ErrSessionClosed = errors.New("websocket session closed")
)

type subscriptionEntry struct {
	channel string
	handler connection.BatchHandler
}

// WebSocket is a Cobra client transport. A single run loop goroutine dials,
// reads and emits every event, so events of a session always precede the
// Open of the next one.
type WebSocket struct {
	cfg          models.ConnectionConfig
	logger       *slog.Logger
	dialer       *websocket.Dialer
	reconnect    bool
	pingInterval time.Duration
	backoff      backoff.BackOff

	cbMu sync.RWMutex
	cb   connection.EventHandler

	mu            sync.Mutex
	session       *session
	subscriptions map[string]subscriptionEntry
	started       bool
	paused        bool
	kicked        bool
	closed        bool

	nextID atomic.Uint64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures the transport
type Option func(*WebSocket)

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *WebSocket) { w.logger = logger }
}

// WithReconnect enables or disables automatic reconnection
func WithReconnect(enabled bool) Option {
	return func(w *WebSocket) { w.reconnect = enabled }
}

// WithPingInterval sets the websocket ping period
func WithPingInterval(d time.Duration) Option {
	return func(w *WebSocket) {
		if d > 0 {
			w.pingInterval = d
		}
	}
}

// WithBackOff replaces the reconnection backoff policy
func WithBackOff(b backoff.BackOff) Option {
	return func(w *WebSocket) { w.backoff = b }
}

// New creates a transport for cfg. Nothing is dialed until Connect.
func New(cfg models.ConnectionConfig, opts ...Option) (*WebSocket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConfig, err := newTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to configure tls: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 30 * time.Second

	w := &WebSocket{
		cfg:    cfg,
		logger: slog.Default(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
		reconnect:     true,
		pingInterval:  defaultPingInterval,
		backoff:       eb,
		subscriptions: make(map[string]subscriptionEntry),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "transport"))
	return w, nil
}

func (w *WebSocket) SetEventCallback(cb connection.EventHandler) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.cb = cb
}

func (w *WebSocket) emit(ev models.Event) {
	w.cbMu.RLock()
	cb := w.cb
	w.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (w *WebSocket) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Connect starts the run loop, or restarts a paused one
func (w *WebSocket) Connect() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.started {
		w.paused = false
		w.kicked = true
		w.mu.Unlock()
		w.signal()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
	return nil
}

// Suspend closes the current socket once the PDUs already queued are
// written and keeps the transport idle until Resume. It does not wait for
// the Closed event.
func (w *WebSocket) Suspend() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.paused = true
	w.kicked = false
	s := w.session
	w.mu.Unlock()

	if s != nil {
		s.stop()
	}
	w.signal()
	return nil
}

// Resume reconnects immediately after a Suspend
func (w *WebSocket) Resume() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.paused = false
	w.kicked = true
	started := w.started
	w.started = true
	w.mu.Unlock()

	if !started {
		go w.run()
		return nil
	}
	w.signal()
	return nil
}

// Close stops the run loop and closes the socket
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		s := w.session
		w.mu.Unlock()

		close(w.done)
		if s != nil {
			s.stop()
		}
	})
	return nil
}

func (w *WebSocket) currentSession() (*session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.session == nil {
		return nil, ErrNotConnected
	}
	return w.session, nil
}

// Publish enqueues an rtm/publish PDU. The returned id is echoed by the
// server acknowledgment.
func (w *WebSocket) Publish(channels []string, payload json.RawMessage) (uint64, error) {
	s, err := w.currentSession()
	if err != nil {
		return 0, err
	}
	id := w.nextID.Add(1)
	if err := s.send(request{
		Action: actionPublish,
		ID:     id,
		Body:   publishBody{Channels: channels, Message: payload},
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// Subscribe sends rtm/subscribe and routes subscription data to handler
func (w *WebSocket) Subscribe(sub models.Subscription, handler connection.BatchHandler) (string, error) {
	s, err := w.currentSession()
	if err != nil {
		return "", err
	}
	if sub.ID == "" {
		sub.ID = sub.Channel
	}

	w.mu.Lock()
	w.subscriptions[sub.ID] = subscriptionEntry{channel: sub.Channel, handler: handler}
	w.mu.Unlock()

	body := subscribeBody{
		SubscriptionID: sub.ID,
		Filter:         sub.Filter,
		Position:       sub.Position,
		BatchSize:      sub.BatchSize,
		FastForward:    true,
	}
	if sub.Filter == "" {
		body.Channel = sub.Channel
	}
	if err := s.send(request{Action: actionSubscribe, ID: w.nextID.Add(1), Body: body}); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (w *WebSocket) Unsubscribe(subscriptionID string) error {
	s, err := w.currentSession()
	if err != nil {
		return err
	}
	return s.send(request{
		Action: actionUnsubscribe,
		ID:     w.nextID.Add(1),
		Body:   subscriptionBody{SubscriptionID: subscriptionID},
	})
}

// run is the only goroutine that emits events
func (w *WebSocket) run() {
	attempts := 0
	for {
		w.mu.Lock()
		closed, paused, kicked := w.closed, w.paused, w.kicked
		w.kicked = false
		w.mu.Unlock()

		if closed {
			return
		}
		if paused {
			select {
			case <-w.wake:
			case <-w.done:
				return
			}
			continue
		}

		if attempts > 0 && !kicked {
			delay := w.backoff.NextBackOff()
			if delay == backoff.Stop {
				w.logger.Warn("reconnect backoff exhausted, waiting for resume")
				w.emit(models.Event{Kind: models.EventError, ErrMsg: "reconnect backoff exhausted", Final: true})
				w.pause()
				continue
			}
			w.logger.Info("reconnecting", slog.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-w.wake:
				timer.Stop()
				continue
			case <-w.done:
				timer.Stop()
				return
			}
		}

		attempts++
		opened, terminal, reason := w.runSession()

		// A session ended by Suspend, Resume or Close is not a failure
		w.mu.Lock()
		requested := w.closed || w.paused || w.kicked
		w.mu.Unlock()
		if !opened && requested {
			continue
		}
		final := !requested && (terminal || !w.reconnect)

		kind := models.EventClosed
		if !opened {
			kind = models.EventError
		}
		w.emit(models.Event{Kind: kind, ErrMsg: reason, Final: final})

		if terminal || !w.reconnect {
			w.pause()
		}
	}
}

// pause idles the loop unless a Resume already arrived
func (w *WebSocket) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.kicked {
		w.paused = true
	}
}

// runSession dials, authenticates and reads until the socket fails. It
// reports whether a socket was opened, whether the session ended with a
// handshake or authentication error, and why it ended. The caller emits the
// Closed event, or an Error when the dial failed.
func (w *WebSocket) runSession() (opened, terminal bool, reason string) {
	conn, resp, err := w.dialer.Dial(w.cfg.URL(), nil)
	if err != nil {
		connectAttemptsTotal.WithLabelValues("error").Inc()
		return false, false, fmt.Sprintf("failed to connect to %s: %v", w.cfg.Endpoint, err)
	}
	connectAttemptsTotal.WithLabelValues("ok").Inc()

	s := newSession(conn, w.logger)

	w.mu.Lock()
	if w.closed || w.paused {
		w.mu.Unlock()
		conn.Close()
		return false, false, "connection abandoned"
	}
	w.session = s
	w.mu.Unlock()

	headers := make(map[string]string)
	if resp != nil {
		for k, v := range resp.Header {
			headers[k] = strings.Join(v, ",")
		}
	}
	w.emit(models.Event{Kind: models.EventOpen, Headers: headers})

	go s.writePump(w.pingInterval)

	reason = "connection closed"
	if err := s.send(request{
		Action: actionHandshake,
		ID:     w.nextID.Add(1),
		Body: handshakeBody{
			Method: authMethod,
			Data:   handshakeData{Role: w.cfg.RoleName},
		},
	}); err == nil {
		terminal, reason = w.readPump(s)
	}

	lost := s.undelivered()
	conn.Close()

	w.mu.Lock()
	w.session = nil
	w.mu.Unlock()

	for _, id := range lost {
		w.emit(models.Event{
			Kind:   models.EventError,
			MsgID:  id,
			ErrMsg: fmt.Sprintf("publish %d was not sent: %s", id, reason),
		})
	}
	return true, terminal, reason
}

// readPump reads PDUs until the socket fails or the server rejects the
// handshake or authentication
func (w *WebSocket) readPump(s *session) (terminal bool, reason string) {
	pongWait := 2 * w.pingInterval

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		w.emit(models.Event{Kind: models.EventPong})
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return false, err.Error()
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var pdu response
		if err := json.Unmarshal(data, &pdu); err != nil {
			w.logger.Error("failed to parse pdu", slog.String("error", err.Error()))
			w.emit(models.Event{Kind: models.EventError, ErrMsg: fmt.Sprintf("malformed pdu: %v", err)})
			continue
		}
		pdusTotal.WithLabelValues("in", pdu.Action).Inc()

		if stop, msg := w.handle(s, pdu); stop {
			return true, msg
		}
	}
}

// handle processes one inbound PDU. It returns true when the session must
// end without reconnecting.
func (w *WebSocket) handle(s *session, pdu response) (bool, string) {
	switch pdu.Action {
	case actionHandshakeOK:
		var body handshakeOKBody
		if err := json.Unmarshal(pdu.Body, &body); err != nil || body.Data.Nonce == "" {
			msg := "handshake reply carries no nonce"
			w.emit(models.Event{Kind: models.EventHandshakeError, ErrMsg: msg})
			return true, msg
		}
		w.logger.Debug("handshake ok",
			slog.String("connection_id", body.Data.ConnectionID),
			slog.String("node", body.Data.Node),
			slog.String("version", body.Data.Version))

		err := s.send(request{
			Action: actionAuthenticate,
			ID:     w.nextID.Add(1),
			Body: authenticateBody{
				Method:      authMethod,
				Credentials: credentials{Hash: auth.Sign(body.Data.Nonce, w.cfg.RoleSecret)},
			},
		})
		if err != nil {
			w.emit(models.Event{Kind: models.EventError, ErrMsg: err.Error()})
		}

	case actionHandshakeError:
		msg := errorMessage(pdu.Action, pdu.Body)
		w.emit(models.Event{Kind: models.EventHandshakeError, ErrMsg: msg})
		return true, msg

	case actionAuthenticateOK:
		w.backoff.Reset()
		w.emit(models.Event{Kind: models.EventAuthenticated})

	case actionAuthenticateError:
		msg := errorMessage(pdu.Action, pdu.Body)
		w.emit(models.Event{Kind: models.EventAuthenticationError, ErrMsg: msg})
		return true, msg

	case actionPublishOK:
		w.emit(models.Event{Kind: models.EventPublished, MsgID: pdu.ID})

	case actionSubscribeOK:
		var body subscriptionBody
		if err := json.Unmarshal(pdu.Body, &body); err != nil {
			w.emit(models.Event{Kind: models.EventError, ErrMsg: fmt.Sprintf("malformed subscribe reply: %v", err)})
			return false, ""
		}
		w.emit(models.Event{Kind: models.EventSubscribed, SubscriptionID: body.SubscriptionID})

	case actionUnsubscribeOK:
		var body subscriptionBody
		if err := json.Unmarshal(pdu.Body, &body); err != nil {
			w.emit(models.Event{Kind: models.EventError, ErrMsg: fmt.Sprintf("malformed unsubscribe reply: %v", err)})
			return false, ""
		}
		w.mu.Lock()
		delete(w.subscriptions, body.SubscriptionID)
		w.mu.Unlock()
		w.emit(models.Event{Kind: models.EventUnSubscribed, SubscriptionID: body.SubscriptionID})

	case actionSubscriptionData:
		w.deliver(pdu.Body)

	case actionSubscriptionInfo:
		w.logger.Info("subscription info", slog.String("body", string(pdu.Body)))

	case actionPublishError, actionSubscribeError, actionUnsubscribeError,
		actionSubscriptionError, actionGenericError:
		w.emit(models.Event{Kind: models.EventError, ErrMsg: errorMessage(pdu.Action, pdu.Body)})

	default:
		w.logger.Debug("ignoring pdu", slog.String("action", pdu.Action))
	}
	return false, ""
}

// deliver hands one rtm/subscription/data body to its handler. Only the
// last message of the batch carries the position.
func (w *WebSocket) deliver(raw json.RawMessage) {
	var body subscriptionDataBody
	if err := json.Unmarshal(raw, &body); err != nil {
		w.emit(models.Event{Kind: models.EventError, ErrMsg: fmt.Sprintf("malformed subscription data: %v", err)})
		return
	}

	w.mu.Lock()
	entry, ok := w.subscriptions[body.SubscriptionID]
	w.mu.Unlock()
	if !ok || entry.handler == nil {
		w.logger.Warn("data for unknown subscription", slog.String("subscription_id", body.SubscriptionID))
		return
	}

	now := time.Now()
	msgs := make([]models.Message, len(body.Messages))
	for i, payload := range body.Messages {
		msgs[i] = models.Message{
			Payload:        payload,
			SubscriptionID: body.SubscriptionID,
			Channel:        entry.channel,
			ReceivedAt:     now,
		}
	}
	if len(msgs) > 0 {
		msgs[len(msgs)-1].Position = body.Position
	}

	entry.handler(models.Batch{
		SubscriptionID: body.SubscriptionID,
		Position:       body.Position,
		Messages:       msgs,
	})
}
