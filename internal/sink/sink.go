// Package sink implements the destinations a bot forwards subscribed
// messages to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cobra-client-platform/internal/models"
)

// Sink receives one round of messages at a time. Deliver returns one
// outcome per message, in order.
type Sink interface {
	Deliver(ctx context.Context, msgs []models.Message) []models.Outcome
	Close() error
}

// Target selects the sink of a bot
type Target string

const (
	TargetStdout Target = "stdout"
	TargetStatsd Target = "statsd"
	TargetSentry Target = "sentry"
	TargetPython Target = "python"
	TargetCobra  Target = "cobra"
	TargetKV     Target = "kv"
)

var ErrUnknownTarget = errors.New("unknown sink target")

// Targets lists every supported target
func Targets() []Target {
	return []Target{TargetStdout, TargetStatsd, TargetSentry, TargetPython, TargetCobra, TargetKV}
}

// Config carries the settings of every target; only the section matching
// Target is read.
type Config struct {
	Target Target
	Logger *slog.Logger

	Stdout StdoutConfig
	Statsd StatsdConfig
	Sentry SentryConfig
	Python InterpreterConfig
	Cobra  RepublishConfig
	KV     KVConfig
}

// Validate checks the section of the selected target without touching the
// network
func (c Config) Validate() error {
	switch c.Target {
	case TargetStdout:
		return nil
	case TargetStatsd:
		return c.Statsd.Validate()
	case TargetSentry:
		return c.Sentry.Validate()
	case TargetPython:
		return c.Python.Validate()
	case TargetCobra:
		return c.Cobra.Validate()
	case TargetKV:
		return c.KV.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTarget, c.Target)
	}
}

// New validates cfg and builds the sink of the selected target
func New(ctx context.Context, cfg Config) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("sink", string(cfg.Target)))

	switch cfg.Target {
	case TargetStdout:
		return NewStdout(cfg.Stdout), nil
	case TargetStatsd:
		return NewStatsd(cfg.Statsd, logger)
	case TargetSentry:
		return NewSentry(cfg.Sentry, logger)
	case TargetPython:
		return NewInterpreter(cfg.Python, logger)
	case TargetCobra:
		return NewRepublish(ctx, cfg.Cobra, logger)
	case TargetKV:
		return NewKV(ctx, cfg.KV, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, cfg.Target)
}

// failRemaining marks every message from index i on as Failed
func failRemaining(outcomes []models.Outcome, i int) {
	for ; i < len(outcomes); i++ {
		outcomes[i] = models.Failed
	}
}
