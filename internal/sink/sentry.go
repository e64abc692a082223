package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/tidwall/gjson"

	"github.com/cobra-client-platform/internal/models"
)

var ErrMissingDSN = errors.New("sentry dsn is required")

const sentryFlushTimeout = 5 * time.Second

// SentryConfig configures the error tracker sink
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string

	// MessageField is the gjson path of the event message
	MessageField string
}

func (c SentryConfig) Validate() error {
	if c.DSN == "" {
		return ErrMissingDSN
	}
	return nil
}

// eventCapturer is the part of *sentry.Client used by the sink
type eventCapturer interface {
	CaptureEvent(event *sentry.Event, hint *sentry.EventHint, scope sentry.EventModifier) *sentry.EventID
	Flush(timeout time.Duration) bool
}

// Sentry forwards every message as an error event
type Sentry struct {
	cfg    SentryConfig
	client eventCapturer
	logger *slog.Logger
}

func NewSentry(cfg SentryConfig, logger *slog.Logger) (*Sentry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	return newSentryWithClient(cfg, client, logger), nil
}

func newSentryWithClient(cfg SentryConfig, client eventCapturer, logger *slog.Logger) *Sentry {
	if cfg.MessageField == "" {
		cfg.MessageField = "message"
	}
	return &Sentry{cfg: cfg, client: client, logger: logger}
}

func (s *Sentry) event(msg models.Message) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Timestamp = msg.ReceivedAt

	if res := gjson.GetBytes(msg.Payload, s.cfg.MessageField); res.Exists() {
		event.Message = res.String()
	} else {
		event.Message = string(msg.Payload)
	}

	event.Tags["channel"] = msg.Channel
	if msg.Position != "" {
		event.Extra["position"] = msg.Position
	}

	var data map[string]any
	if err := json.Unmarshal(msg.Payload, &data); err == nil {
		event.Extra["payload"] = data
	} else {
		event.Extra["payload"] = string(msg.Payload)
	}
	return event
}

func (s *Sentry) Deliver(ctx context.Context, msgs []models.Message) []models.Outcome {
	outcomes := models.Outcomes(len(msgs), models.Delivered)

	for i, msg := range msgs {
		if ctx.Err() != nil {
			failRemaining(outcomes, i)
			break
		}
		// A nil id means the event was dropped before reaching the queue.
		if id := s.client.CaptureEvent(s.event(msg), nil, nil); id == nil {
			s.logger.Warn("sentry dropped event", slog.String("channel", msg.Channel))
			outcomes[i] = models.Failed
			countOutcome(TargetSentry, "failed")
			continue
		}
		countOutcome(TargetSentry, "delivered")
	}
	return outcomes
}

func (s *Sentry) Close() error {
	if !s.client.Flush(sentryFlushTimeout) {
		s.logger.Warn("sentry flush timed out")
	}
	return nil
}
