package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobra-client-platform/internal/auth"
	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/transport"
)

var (
	ErrMissingRepublishChannel = errors.New("republish channel is required")
	ErrBadSignature            = errors.New("envelope signature mismatch")
)

const defaultAckTimeout = 5 * time.Second

// RepublishConfig configures the bus-to-bus sink
type RepublishConfig struct {
	// Connection authenticates with the publisher role
	Connection models.ConnectionConfig
	Channel    string

	// SigningKey wraps each message in a signed envelope when set
	SigningKey string

	// WaitAck blocks each delivery until the server acknowledged it
	WaitAck    bool
	AckTimeout time.Duration
}

func (c RepublishConfig) Validate() error {
	if c.Channel == "" {
		return ErrMissingRepublishChannel
	}
	return c.Connection.Validate()
}

// Envelope is the signed wrapper of a republished message
type Envelope struct {
	Message  json.RawMessage `json:"message"`
	Position string          `json:"position,omitempty"`
	HMAC     string          `json:"hmac"`
}

// Seal signs payload with key
func Seal(payload json.RawMessage, position, key string) ([]byte, error) {
	return json.Marshal(Envelope{
		Message:  payload,
		Position: position,
		HMAC:     auth.Sign(string(payload), key),
	})
}

// Open verifies an envelope and returns the wrapped message
func Open(data []byte, key string) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if !auth.Verify(string(env.Message), key, env.HMAC) {
		return nil, ErrBadSignature
	}
	return env.Message, nil
}

// Publisher is the part of connection.Connection used to republish
type Publisher interface {
	Publish(channel string, payload json.RawMessage) (uint64, error)
	WaitPublished(ctx context.Context, msgID uint64) error
	Close() error
}

// Republish publishes every message on another channel
type Republish struct {
	cfg    RepublishConfig
	pub    Publisher
	logger *slog.Logger
}

// NewRepublish opens and authenticates the publisher connection
func NewRepublish(ctx context.Context, cfg RepublishConfig, logger *slog.Logger) (*Republish, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ws, err := transport.New(cfg.Connection, transport.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	conn := connection.New(ws, connection.WithLogger(logger.With(slog.String("connection", "publisher"))))
	if err := conn.Connect(); err != nil {
		conn.Close()
		return nil, err
	}

	authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := conn.WaitAuthenticated(authCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("publisher connection: %w", err)
	}

	return newRepublishWithPublisher(cfg, conn, logger), nil
}

func newRepublishWithPublisher(cfg RepublishConfig, pub Publisher, logger *slog.Logger) *Republish {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return &Republish{cfg: cfg, pub: pub, logger: logger}
}

func (r *Republish) Deliver(ctx context.Context, msgs []models.Message) []models.Outcome {
	outcomes := models.Outcomes(len(msgs), models.Delivered)

	for i, msg := range msgs {
		if err := r.publish(ctx, msg); err != nil {
			r.logger.Error("republish failed", slog.String("channel", r.cfg.Channel), slog.String("error", err.Error()))
			outcomes[i] = models.Failed
			countOutcome(TargetCobra, "failed")
			continue
		}
		countOutcome(TargetCobra, "delivered")
	}
	return outcomes
}

func (r *Republish) publish(ctx context.Context, msg models.Message) error {
	payload := msg.Payload
	if r.cfg.SigningKey != "" {
		sealed, err := Seal(msg.Payload, msg.Position, r.cfg.SigningKey)
		if err != nil {
			return err
		}
		payload = sealed
	}

	id, err := r.pub.Publish(r.cfg.Channel, payload)
	if err != nil {
		return err
	}
	if !r.cfg.WaitAck {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()
	if err := r.pub.WaitPublished(ctx, id); err != nil {
		return fmt.Errorf("publish %d not acknowledged: %w", id, err)
	}
	return nil
}

func (r *Republish) Close() error {
	return r.pub.Close()
}
