// Package connectiontest provides an in-memory Transport for tests of code
// built on connection.Connection.
package connectiontest

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/models"
)

// ErrTransportClosed is returned by calls made after Close
var ErrTransportClosed = errors.New("fake transport closed")

// Published is one publish captured by the fake
type Published struct {
	MsgID    uint64
	Channels []string
	Payload  json.RawMessage
}

// Transport is a scripted connection.Transport. Events are delivered on a
// single goroutine in emission order, like the websocket transport does.
type Transport struct {
	autoAck      bool
	handshakeErr string
	authErr      string
	unreachable  string
	connectErr   error

	mu            sync.Mutex
	cb            connection.EventHandler
	queue         []func()
	handlers      map[string]connection.BatchHandler
	published     []Published
	subscriptions []models.Subscription

	nextID   atomic.Uint64
	connects atomic.Int32
	suspends atomic.Int32
	resumes  atomic.Int32

	signal    chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures the fake
type Option func(*Transport)

// WithoutAutoAck stops the fake from acknowledging publishes; use Ack
func WithoutAutoAck() Option {
	return func(t *Transport) { t.autoAck = false }
}

// FailHandshake makes every open attempt end in a handshake error
func FailHandshake(reason string) Option {
	return func(t *Transport) { t.handshakeErr = reason }
}

// FailAuthentication makes every open attempt end in an authentication error
func FailAuthentication(reason string) Option {
	return func(t *Transport) { t.authErr = reason }
}

// Unreachable makes every open attempt fail before a socket opens, the way
// a transport that does not retry reports it
func Unreachable(reason string) Option {
	return func(t *Transport) { t.unreachable = reason }
}

// FailConnect makes Connect return err
func FailConnect(err error) Option {
	return func(t *Transport) { t.connectErr = err }
}

// New starts a fake transport. Call Close to stop its event goroutine.
func New(opts ...Option) *Transport {
	t := &Transport{
		autoAck:  true,
		handlers: make(map[string]connection.BatchHandler),
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

func (t *Transport) run() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.signal:
		}
		for fn := t.next(); fn != nil; fn = t.next() {
			fn()
		}
	}
}

func (t *Transport) next() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	fn := t.queue[0]
	t.queue = t.queue[1:]
	return fn
}

func (t *Transport) enqueue(fn func()) {
	t.mu.Lock()
	t.queue = append(t.queue, fn)
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Emit delivers ev to the installed callback
func (t *Transport) Emit(ev models.Event) {
	t.enqueue(func() {
		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	})
}

// Ack emits the Published event for msgID
func (t *Transport) Ack(msgID uint64) {
	t.Emit(models.Event{Kind: models.EventPublished, MsgID: msgID})
}

// Deliver pushes msgs to the handler of subscriptionID as one batch. The
// batch position is the last position found in msgs.
func (t *Transport) Deliver(subscriptionID string, msgs []models.Message) {
	batch := models.Batch{
		SubscriptionID: subscriptionID,
		Position:       models.LastPosition(msgs),
		Messages:       msgs,
	}
	t.enqueue(func() {
		t.mu.Lock()
		h := t.handlers[subscriptionID]
		t.mu.Unlock()
		if h != nil {
			h(batch)
		}
	})
}

// Sync blocks until every event queued before the call has been delivered
func (t *Transport) Sync() {
	done := make(chan struct{})
	t.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-t.stop:
	}
}

func (t *Transport) openSequence() {
	if t.unreachable != "" {
		t.Emit(models.Event{Kind: models.EventError, ErrMsg: t.unreachable, Final: true})
		return
	}
	t.Emit(models.Event{
		Kind:    models.EventOpen,
		Headers: map[string]string{"Server": "cobra-fake"},
	})
	switch {
	case t.handshakeErr != "":
		t.Emit(models.Event{Kind: models.EventHandshakeError, ErrMsg: t.handshakeErr})
		t.Emit(models.Event{Kind: models.EventClosed, ErrMsg: "handshake failed"})
	case t.authErr != "":
		t.Emit(models.Event{Kind: models.EventAuthenticationError, ErrMsg: t.authErr})
		t.Emit(models.Event{Kind: models.EventClosed, ErrMsg: "authentication failed"})
	default:
		t.Emit(models.Event{Kind: models.EventAuthenticated})
	}
}

func (t *Transport) SetEventCallback(cb connection.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *Transport) Connect() error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	t.connects.Add(1)
	if t.connectErr != nil {
		return t.connectErr
	}
	t.openSequence()
	return nil
}

func (t *Transport) Publish(channels []string, payload json.RawMessage) (uint64, error) {
	if t.isClosed() {
		return 0, ErrTransportClosed
	}
	id := t.nextID.Add(1)

	t.mu.Lock()
	t.published = append(t.published, Published{MsgID: id, Channels: channels, Payload: payload})
	t.mu.Unlock()

	if t.autoAck {
		t.Ack(id)
	}
	return id, nil
}

func (t *Transport) Subscribe(sub models.Subscription, handler connection.BatchHandler) (string, error) {
	if t.isClosed() {
		return "", ErrTransportClosed
	}
	t.mu.Lock()
	t.handlers[sub.ID] = handler
	t.subscriptions = append(t.subscriptions, sub)
	t.mu.Unlock()

	t.Emit(models.Event{Kind: models.EventSubscribed, SubscriptionID: sub.ID})
	return sub.ID, nil
}

func (t *Transport) Unsubscribe(subscriptionID string) error {
	t.mu.Lock()
	delete(t.handlers, subscriptionID)
	t.mu.Unlock()

	t.Emit(models.Event{Kind: models.EventUnSubscribed, SubscriptionID: subscriptionID})
	return nil
}

func (t *Transport) Suspend() error {
	t.suspends.Add(1)
	t.Emit(models.Event{Kind: models.EventClosed, ErrMsg: "suspended"})
	return nil
}

func (t *Transport) Resume() error {
	t.resumes.Add(1)
	t.openSequence()
	return nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Published returns a copy of every captured publish
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// Subscriptions returns every subscribe request in order
func (t *Transport) Subscriptions() []models.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Subscription(nil), t.subscriptions...)
}

func (t *Transport) Connects() int { return int(t.connects.Load()) }
func (t *Transport) Suspends() int { return int(t.suspends.Load()) }
func (t *Transport) Resumes() int  { return int(t.resumes.Load()) }
