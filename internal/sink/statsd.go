package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/cobra-client-platform/internal/models"
)

var (
	ErrGaugeTimerExclusive = errors.New("gauge and timer are mutually exclusive")
	ErrMissingFields       = errors.New("at least one field is required to build the metric name")
)

// StatsdConfig configures the metrics collector sink
type StatsdConfig struct {
	Host   string
	Port   int
	Prefix string

	// Fields are gjson paths whose values, joined with ".", name the metric
	Fields []string

	// Gauge or Timer name a numeric field sent as gauge or timing. A counter
	// is incremented when both are empty.
	Gauge string
	Timer string
}

func (c StatsdConfig) withDefaults() StatsdConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8125
	}
	return c
}

// Validate rejects the configuration before any socket is opened
func (c StatsdConfig) Validate() error {
	if c.Gauge != "" && c.Timer != "" {
		return ErrGaugeTimerExclusive
	}
	if len(c.Fields) == 0 {
		return ErrMissingFields
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid statsd port %d", c.Port)
	}
	return nil
}

// StatsdClient sends metrics through a statsd Statter. Sends are not
// sampled.
type StatsdClient struct {
	statter statsd.Statter
}

// DialStatsd opens the UDP socket. No packet is sent until a metric is.
func DialStatsd(host string, port int, prefix string) (*StatsdClient, error) {
	statter, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		Prefix:  prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial statsd: %w", err)
	}
	return &StatsdClient{statter: statter}, nil
}

func (c *StatsdClient) Count(name string, n int64) error {
	if err := c.statter.Inc(name, n, 1); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

// Gauge sends v as is when the statter supports float gauges, truncated
// otherwise
func (c *StatsdClient) Gauge(name string, v float64) error {
	var err error
	if ext, ok := c.statter.(statsd.ExtendedStatSender); ok {
		err = ext.GaugeFloat(name, v, 1)
	} else {
		err = c.statter.Gauge(name, int64(v), 1)
	}
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

func (c *StatsdClient) Timing(name string, ms float64) error {
	if err := c.statter.TimingDuration(name, time.Duration(ms*float64(time.Millisecond)), 1); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

func (c *StatsdClient) Close() error {
	return c.statter.Close()
}

// Statsd turns every message into one metric
type Statsd struct {
	cfg    StatsdConfig
	client *StatsdClient
	logger *slog.Logger
}

func NewStatsd(cfg StatsdConfig, logger *slog.Logger) (*Statsd, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	client, err := DialStatsd(cfg.Host, cfg.Port, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	return &Statsd{cfg: cfg, client: client, logger: logger}, nil
}

func (s *Statsd) Deliver(_ context.Context, msgs []models.Message) []models.Outcome {
	outcomes := models.Outcomes(len(msgs), models.Delivered)

	for i, msg := range msgs {
		name, ok := extractName(msg.Payload, s.cfg.Fields)
		if !ok {
			s.logger.Debug("message lacks metric fields", slog.Any("fields", s.cfg.Fields))
			countOutcome(TargetStatsd, "skipped")
			continue
		}

		var err error
		switch {
		case s.cfg.Gauge != "":
			v, found := extractNumber(msg.Payload, s.cfg.Gauge)
			if !found {
				countOutcome(TargetStatsd, "skipped")
				continue
			}
			err = s.client.Gauge(name, v)
		case s.cfg.Timer != "":
			v, found := extractNumber(msg.Payload, s.cfg.Timer)
			if !found {
				countOutcome(TargetStatsd, "skipped")
				continue
			}
			err = s.client.Timing(name, v)
		default:
			err = s.client.Count(name, 1)
		}

		if err != nil {
			s.logger.Error("statsd write failed", slog.String("error", err.Error()))
			outcomes[i] = models.Failed
			countOutcome(TargetStatsd, "failed")
			continue
		}
		countOutcome(TargetStatsd, "delivered")
	}
	return outcomes
}

func (s *Statsd) Close() error {
	return s.client.Close()
}
