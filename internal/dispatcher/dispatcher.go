// Package dispatcher runs a bot: it keeps one subscription alive and
// forwards the received messages to a sink.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/position"
	"github.com/cobra-client-platform/internal/ratelimit"
	"github.com/cobra-client-platform/internal/sink"
)

var ErrAlreadyRunning = errors.New("dispatcher is already running")

const inboundBuffer = 64

// Conn is the part of connection.Connection driven by the dispatcher
type Conn interface {
	Connect() error
	Subscribe(sub models.Subscription, handler connection.BatchHandler) (string, error)
	Reconnect() error
	OnEvent(h connection.EventHandler)
	Close() error
}

// Stats is a point in time view of a dispatcher
type Stats struct {
	Channel   string `json:"channel"`
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`
	Rounds    uint64 `json:"rounds"`
	Stalls    uint64 `json:"stalls"`
	Position  string `json:"position,omitempty"`
	Stalled   bool   `json:"stalled"`
	Pinned    bool   `json:"pinned"`
}

// inbound carries either an event or a batch, in transport order
type inbound struct {
	event *models.Event
	batch *models.Batch
}

// Dispatcher subscribes on every authentication and hands the received
// batches to a sink, round by round.
type Dispatcher struct {
	cfg      models.BotConfig
	conn     Conn
	sink     sink.Sink
	limiter  *ratelimit.Limiter
	store    position.Store
	storeKey string
	logger   *slog.Logger
	tracer   trace.Tracer
	subID    string

	inbound chan inbound
	done    chan struct{}
	running atomic.Bool

	received  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
	rounds    atomic.Uint64
	stalls    atomic.Uint64

	mu      sync.Mutex
	cursor  string
	stalled bool
	// pinned is set by a failed round and cleared by the next Subscribed,
	// which resumes from the cursor
	pinned bool
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLimiter replaces the limiter built from the bot config
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithStore persists the cursor under key on every advance and loads it
// when the bot config carries no position.
func WithStore(store position.Store, key string) Option {
	return func(d *Dispatcher) {
		d.store = store
		d.storeKey = key
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTracer sets the tracer of the per round spans
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// New creates a dispatcher forwarding cfg.Channel to s through conn
func New(cfg models.BotConfig, conn Conn, s sink.Sink, opts ...Option) *Dispatcher {
	cfg = cfg.WithDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		conn:    conn,
		sink:    s,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/cobra-client-platform/internal/dispatcher"),
		subID:   uuid.NewString(),
		inbound: make(chan inbound, inboundBuffer),
		done:    make(chan struct{}),
		cursor:  cfg.Position,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter == nil {
		d.limiter = ratelimit.New(cfg.LimitReceivedEvents, cfg.MaxEventsPerMinute, ratelimit.WithLogger(d.logger))
	}
	d.logger = d.logger.With(slog.String("channel", cfg.Channel))
	return d
}

// Stats returns the current counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	cursor, stalled, pinned := d.cursor, d.stalled, d.pinned
	d.mu.Unlock()

	return Stats{
		Channel:   d.cfg.Channel,
		Received:  d.received.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Discarded: d.discarded.Load(),
		Rounds:    d.rounds.Load(),
		Stalls:    d.stalls.Load(),
		Position:  cursor,
		Stalled:   stalled,
		Pinned:    pinned,
	}
}

// Position returns the last advanced cursor
func (d *Dispatcher) Position() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// Run connects, subscribes and forwards messages until ctx is done, the
// runtime limit elapses or the connection fails to authenticate. It returns
// the number of messages delivered to the sink. The connection is closed on
// return; the sink is left to the caller.
func (d *Dispatcher) Run(ctx context.Context) (uint64, error) {
	if !d.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	// done is closed first so a transport goroutine blocked in push is
	// released before the connection is closed.
	defer d.conn.Close()
	defer close(d.done)

	if d.cfg.Runtime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Runtime)
		defer cancel()
	}

	if err := d.loadCursor(ctx); err != nil {
		return 0, err
	}

	d.conn.OnEvent(d.onEvent)
	if err := d.conn.Connect(); err != nil {
		return 0, fmt.Errorf("failed to connect bot: %w", err)
	}
	d.logger.Info("bot started", slog.Int("batch_size", d.cfg.BatchSize), slog.String("position", d.Position()))

	var heartbeat <-chan time.Time
	var timer *time.Timer
	if d.cfg.EnableHeartbeat {
		timer = time.NewTimer(d.cfg.HeartbeatTimeout)
		defer timer.Stop()
		heartbeat = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("bot stopped", slog.Uint64("delivered", d.delivered.Load()))
			return d.delivered.Load(), nil

		case <-heartbeat:
			d.stall()

		case in := <-d.inbound:
			// Pongs only prove the socket is up, not that data flows
			if timer != nil && (in.event == nil || in.event.Kind != models.EventPong) {
				timer.Reset(d.cfg.HeartbeatTimeout)
			}
			if in.batch != nil {
				d.dispatch(ctx, *in.batch)
				continue
			}
			if err := d.handleEvent(*in.event); err != nil {
				return d.delivered.Load(), err
			}
		}
	}
}

func (d *Dispatcher) loadCursor(ctx context.Context) error {
	if d.store == nil || d.Position() != "" {
		return nil
	}
	pos, err := d.store.Load(ctx, d.storeKey)
	if err != nil {
		return fmt.Errorf("failed to load position of %s: %w", d.storeKey, err)
	}
	d.mu.Lock()
	d.cursor = pos
	d.mu.Unlock()
	return nil
}

// onEvent and onBatch run on the transport goroutine
func (d *Dispatcher) onEvent(ev models.Event) {
	d.push(inbound{event: &ev})
}

func (d *Dispatcher) onBatch(b models.Batch) {
	d.push(inbound{batch: &b})
}

func (d *Dispatcher) push(in inbound) {
	select {
	case d.inbound <- in:
	case <-d.done:
	}
}

func (d *Dispatcher) handleEvent(ev models.Event) error {
	switch ev.Kind {
	case models.EventAuthenticated:
		d.subscribe()
	case models.EventSubscribed:
		d.mu.Lock()
		recovered := d.stalled || d.pinned
		d.stalled = false
		d.pinned = false
		d.mu.Unlock()
		if recovered {
			d.logger.Info("subscription recovered", slog.String("position", d.Position()))
		}
	case models.EventClosed, models.EventError:
		if ev.Final && ev.MsgID == 0 {
			return fmt.Errorf("%w: %s", connection.ErrConnectionFailed, ev.ErrMsg)
		}
	case models.EventHandshakeError:
		return fmt.Errorf("%w: %s", connection.ErrHandshake, ev.ErrMsg)
	case models.EventAuthenticationError:
		return fmt.Errorf("%w: %s", connection.ErrAuthentication, ev.ErrMsg)
	}
	return nil
}

func (d *Dispatcher) subscribe() {
	sub := models.Subscription{
		ID:        d.subID,
		Channel:   d.cfg.Channel,
		Filter:    d.cfg.Filter,
		Position:  d.Position(),
		BatchSize: d.cfg.BatchSize,
	}
	if _, err := d.conn.Subscribe(sub, d.onBatch); err != nil {
		// The next Authenticated event retries.
		d.logger.Warn("subscribe failed", slog.String("error", err.Error()))
		return
	}
	d.logger.Debug("subscribe requested", slog.String("subscription_id", sub.ID), slog.String("position", sub.Position))
}

// stall starts a stall episode. Only the first expiry of an episode asks
// for a reconnect.
func (d *Dispatcher) stall() {
	d.mu.Lock()
	if d.stalled {
		d.mu.Unlock()
		return
	}
	d.stalled = true
	d.mu.Unlock()

	d.stalls.Add(1)
	dispatcherStallsTotal.WithLabelValues(d.cfg.Channel).Inc()
	d.logger.Warn("no event within heartbeat timeout, reconnecting", slog.Duration("timeout", d.cfg.HeartbeatTimeout))

	if err := d.conn.Reconnect(); err != nil {
		d.logger.Error("reconnect failed", slog.String("error", err.Error()))
	}
}

// holding reports whether incoming batches are discarded until the
// subscription is re-established
func (d *Dispatcher) holding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalled || d.pinned
}

func (d *Dispatcher) discard(n int) {
	d.discarded.Add(uint64(n))
	dispatcherMessagesTotal.WithLabelValues(d.cfg.Channel, "discarded").Add(float64(n))
}

// dispatch splits b into rounds of at most BatchSize messages. A failed
// round pins the cursor: the rest of b and every later batch are discarded
// and the subscription restarts from the cursor, so the failed messages are
// offered again.
func (d *Dispatcher) dispatch(ctx context.Context, b models.Batch) {
	d.received.Add(uint64(len(b.Messages)))

	if d.holding() {
		d.discard(len(b.Messages))
		return
	}

	for start := 0; start < len(b.Messages); start += d.cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := min(start+d.cfg.BatchSize, len(b.Messages))
		round := b.Messages[start:end]

		if !d.deliverRound(ctx, round) {
			d.discard(len(b.Messages) - end)
			d.pin()
			return
		}
		if pos := models.LastPosition(round); pos != "" {
			d.advance(ctx, pos)
		}
	}
}

// pin holds the cursor and resubscribes from it through a reconnect
func (d *Dispatcher) pin() {
	d.mu.Lock()
	d.pinned = true
	cursor := d.cursor
	d.mu.Unlock()

	dispatcherPinsTotal.WithLabelValues(d.cfg.Channel).Inc()
	d.logger.Warn("round not fully delivered, resubscribing from position", slog.String("position", cursor))
	if err := d.conn.Reconnect(); err != nil {
		d.logger.Error("reconnect failed", slog.String("error", err.Error()))
	}
}

// deliverRound rate limits round and hands the survivors to the sink. It
// reports whether every survivor was delivered.
func (d *Dispatcher) deliverRound(ctx context.Context, round []models.Message) bool {
	survivors := make([]models.Message, 0, len(round))
	for _, msg := range round {
		if d.limiter.Allow() {
			survivors = append(survivors, msg)
			continue
		}
		d.dropped.Add(1)
		dispatcherMessagesTotal.WithLabelValues(d.cfg.Channel, "dropped").Inc()
	}
	if len(survivors) == 0 {
		return true
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.deliver", trace.WithAttributes(
		attribute.String("cobra.channel", d.cfg.Channel),
		attribute.Int("cobra.round.size", len(survivors)),
	))
	defer span.End()

	started := time.Now()
	outcomes := d.sink.Deliver(ctx, survivors)
	dispatcherRoundDuration.WithLabelValues(d.cfg.Channel).Observe(time.Since(started).Seconds())
	d.rounds.Add(1)
	dispatcherRoundsTotal.WithLabelValues(d.cfg.Channel).Inc()

	var delivered, failed uint64
	for i := range survivors {
		if i < len(outcomes) && outcomes[i] == models.Delivered {
			delivered++
		} else {
			failed++
		}
	}
	d.delivered.Add(delivered)
	d.failed.Add(failed)
	dispatcherMessagesTotal.WithLabelValues(d.cfg.Channel, "delivered").Add(float64(delivered))
	dispatcherMessagesTotal.WithLabelValues(d.cfg.Channel, "failed").Add(float64(failed))

	ok := models.AllDelivered(outcomes, len(survivors))
	if !ok {
		span.SetStatus(codes.Error, "round not fully delivered")
		span.SetAttributes(attribute.Int64("cobra.round.failed", int64(failed)))
	}
	return ok
}

func (d *Dispatcher) advance(ctx context.Context, pos string) {
	d.mu.Lock()
	d.cursor = pos
	d.mu.Unlock()

	if d.store == nil {
		return
	}
	if err := d.store.Save(ctx, d.storeKey, pos); err != nil {
		d.logger.Error("failed to save position", slog.String("position", pos), slog.String("error", err.Error()))
	}
}
