package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/cobra-client-platform/internal/models"
)

const defaultReportInterval = time.Second

// StdoutConfig configures the console sink
type StdoutConfig struct {
	// Writer defaults to os.Stdout
	Writer io.Writer

	// Fluentd wraps every message in a fluentd forward record
	Fluentd bool

	// Quiet prints a periodic message count instead of the messages
	Quiet          bool
	ReportInterval time.Duration

	NoColor bool
}

// Stdout prints one JSON document per line
type Stdout struct {
	cfg   StdoutConfig
	label *color.Color

	mu         sync.Mutex
	count      uint64
	lastReport time.Time
	lastCount  uint64
	now        func() time.Time
}

func NewStdout(cfg StdoutConfig) *Stdout {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	label := color.New(color.FgGreen, color.Bold)
	if cfg.NoColor {
		label.DisableColor()
	}
	s := &Stdout{cfg: cfg, label: label, now: time.Now}
	s.lastReport = s.now()
	return s
}

type fluentdRecord struct {
	Tag    string          `json:"tag"`
	Time   int64           `json:"time"`
	Record json.RawMessage `json:"record"`
}

func (s *Stdout) Deliver(_ context.Context, msgs []models.Message) []models.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := models.Outcomes(len(msgs), models.Delivered)
	if s.cfg.Quiet {
		s.count += uint64(len(msgs))
		s.report()
		return outcomes
	}

	var buf bytes.Buffer
	for i, msg := range msgs {
		buf.Reset()
		if err := s.format(&buf, msg); err != nil {
			outcomes[i] = models.Failed
			countOutcome(TargetStdout, "failed")
			continue
		}
		if _, err := s.cfg.Writer.Write(buf.Bytes()); err != nil {
			failRemaining(outcomes, i)
			countOutcome(TargetStdout, "failed")
			break
		}
		s.count++
		countOutcome(TargetStdout, "delivered")
	}
	return outcomes
}

func (s *Stdout) format(buf *bytes.Buffer, msg models.Message) error {
	payload := msg.Payload
	if s.cfg.Fluentd {
		data, err := json.Marshal(fluentdRecord{
			Tag:    "cobra." + msg.Channel,
			Time:   msg.ReceivedAt.Unix(),
			Record: msg.Payload,
		})
		if err != nil {
			return err
		}
		payload = data
	}
	if err := json.Compact(buf, payload); err != nil {
		return err
	}
	buf.WriteByte('\n')
	return nil
}

// report prints the message rate once per interval
func (s *Stdout) report() {
	now := s.now()
	elapsed := now.Sub(s.lastReport)
	if elapsed < s.cfg.ReportInterval {
		return
	}
	rate := float64(s.count-s.lastCount) / elapsed.Seconds()
	fmt.Fprintf(s.cfg.Writer, "%s %d total, %.1f msg/s\n", s.label.Sprint("#messages"), s.count, rate)
	s.lastReport = now
	s.lastCount = s.count
}

// Count returns the number of messages printed or counted
func (s *Stdout) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Stdout) Close() error {
	return nil
}
