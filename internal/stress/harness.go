// Package stress drives a connection through repeated publish bursts and
// suspend/resume cycles.
package stress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cobra-client-platform/internal/tracker"
)

const (
	DefaultCount       = 1000
	DefaultAuthTimeout = 30 * time.Second
)

var ErrEmptyChannel = errors.New("stress channel is required")

// Conn is the part of connection.Connection exercised by the harness
type Conn interface {
	Publish(channel string, payload json.RawMessage) (uint64, error)
	Suspend() error
	Resume() error
	WaitAuthenticated(ctx context.Context) error
	Tracker() *tracker.PublishTracker
}

// Harness publishes Count messages per iteration without waiting for their
// acknowledgments, then suspends and resumes the connection.
type Harness struct {
	Channel string
	Payload json.RawMessage

	// Count is the number of publishes per iteration
	Count int

	// Iterations bounds the number of cycles; 0 runs until ctx is done
	Iterations int

	// PublishRate paces publishes in messages per second; 0 disables pacing
	PublishRate float64

	// AuthTimeout bounds each wait for re-authentication
	AuthTimeout time.Duration

	Logger *slog.Logger
}

// Report summarizes a run
type Report struct {
	RunID      string        `json:"run_id"`
	Iterations int           `json:"iterations"`
	Published  uint64        `json:"published"`
	Sent       uint64        `json:"sent"`
	Acked      uint64        `json:"acked"`
	Failed     uint64        `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
}

func (h Harness) withDefaults() Harness {
	if h.Count <= 0 {
		h.Count = DefaultCount
	}
	if h.AuthTimeout <= 0 {
		h.AuthTimeout = DefaultAuthTimeout
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return h
}

// Run cycles conn until the iterations are done or ctx is cancelled. A
// cancelled ctx ends the run without error.
func (h Harness) Run(ctx context.Context, conn Conn) (Report, error) {
	if h.Channel == "" {
		return Report{}, ErrEmptyChannel
	}
	h = h.withDefaults()

	report := Report{RunID: uuid.NewString()}
	logger := h.Logger.With(slog.String("run_id", report.RunID), slog.String("channel", h.Channel))
	started := time.Now()

	var limiter *rate.Limiter
	if h.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.PublishRate), 1)
	}

	finish := func(err error) (Report, error) {
		report.Sent, report.Acked = conn.Tracker().Snapshot()
		report.Failed = conn.Tracker().Failed()
		report.Elapsed = time.Since(started)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				err = nil
			}
		}
		return report, err
	}

	if err := h.waitAuthenticated(ctx, conn); err != nil {
		return finish(err)
	}

	for h.Iterations == 0 || report.Iterations < h.Iterations {
		for i := 0; i < h.Count; i++ {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return finish(err)
				}
			}
			if ctx.Err() != nil {
				return finish(ctx.Err())
			}
			if _, err := conn.Publish(h.Channel, h.Payload); err != nil {
				return finish(fmt.Errorf("iteration %d: %w", report.Iterations+1, err))
			}
			report.Published++
		}

		if err := conn.Suspend(); err != nil {
			return finish(fmt.Errorf("failed to suspend: %w", err))
		}
		if err := conn.Resume(); err != nil {
			return finish(fmt.Errorf("failed to resume: %w", err))
		}
		if err := h.waitAuthenticated(ctx, conn); err != nil {
			return finish(err)
		}
		report.Iterations++

		sent, acked := conn.Tracker().Snapshot()
		logger.Debug("stress iteration done",
			slog.Int("iteration", report.Iterations),
			slog.Uint64("sent", sent),
			slog.Uint64("acked", acked))
	}

	return finish(nil)
}

func (h Harness) waitAuthenticated(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithTimeout(ctx, h.AuthTimeout)
	defer cancel()
	if err := conn.WaitAuthenticated(ctx); err != nil {
		return fmt.Errorf("waiting for authentication: %w", err)
	}
	return nil
}
