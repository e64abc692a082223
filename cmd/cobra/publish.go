package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/fatih/color"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/stress"
)

var (
	errInvalidPayload = errors.New("invalid JSON payload")
	errNoPayload      = errors.New("either --data or --path is required")
)

func runPublish(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	channel := fs.String("channel", "", "Channel to publish on")
	data := fs.String("data", "", "JSON message to publish")
	path := fs.String("path", "", "File of JSON messages, one per line (- reads stdin)")
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for authentication and acknowledgments")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *channel == "" {
		return models.ErrMissingChannel
	}

	payloads, err := readPayloads(*data, *path)
	if err != nil {
		return err
	}

	a, err := newApp(common, stdout, stderr)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	conn, err := a.dial(a.cfg.Connection(), "publisher")
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := connect(ctx, conn); err != nil {
		return err
	}

	ids := make([]uint64, 0, len(payloads))
	for _, p := range payloads {
		id, err := conn.Publish(*channel, p)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := conn.WaitPublished(ctx, id); err != nil {
			return fmt.Errorf("failed to confirm message %d: %w", id, err)
		}
	}

	a.logger.Info("published", slog.String("channel", *channel), slog.Int("messages", len(ids)))
	fmt.Fprintf(stdout, "%s %d message(s) on %s\n", color.GreenString("published"), len(ids), *channel)
	return nil
}

// readPayloads returns the messages to publish, rejecting any that is not
// valid JSON before a connection is attempted
func readPayloads(data, path string) ([]json.RawMessage, error) {
	switch {
	case data != "" && path != "":
		return nil, errors.New("--data and --path are mutually exclusive")
	case data != "":
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("%w: %s", errInvalidPayload, data)
		}
		return []json.RawMessage{json.RawMessage(data)}, nil
	case path == "":
		return nil, errNoPayload
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var payloads []json.RawMessage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			return nil, fmt.Errorf("%w at line %d: %s", errInvalidPayload, line, text)
		}
		payloads = append(payloads, json.RawMessage(append([]byte(nil), text...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(payloads) == 0 {
		return nil, errNoPayload
	}
	return payloads, nil
}

func connect(ctx context.Context, conn *connection.Connection) error {
	if err := conn.Connect(); err != nil {
		return err
	}
	if err := conn.WaitAuthenticated(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

// processMetrics is the event published by metrics_publish
type processMetrics struct {
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Version    string    `json:"version"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heap_alloc"`
	NumGC      uint32    `json:"num_gc"`
	Timestamp  time.Time `json:"timestamp"`
}

func collectProcessMetrics() processMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()
	return processMetrics{
		Hostname:   host,
		PID:        os.Getpid(),
		Version:    version,
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		NumGC:      mem.NumGC,
		Timestamp:  time.Now().UTC(),
	}
}

func runMetricsPublish(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("metrics_publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	channel := fs.String("channel", "cobra_metrics", "Channel to publish on")
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for authentication and acknowledgment")
	stressMode := fs.Bool("stress", false, "Publish bursts and suspend/resume the connection")
	count := fs.Int("count", stress.DefaultCount, "Messages per stress iteration")
	iterations := fs.Int("iterations", 1, "Stress iterations, 0 runs until interrupted")
	rateLimit := fs.Float64("rate", 0, "Stress publish rate in messages per second, 0 is unpaced")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *channel == "" {
		return models.ErrMissingChannel
	}

	a, err := newApp(common, stdout, stderr)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	conn, err := a.dial(a.cfg.Connection(), "metrics")
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(collectProcessMetrics())
	if err != nil {
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := connect(authCtx, conn); err != nil {
		return err
	}

	if !*stressMode {
		id, err := conn.Publish(*channel, payload)
		if err != nil {
			return err
		}
		if err := conn.WaitPublished(authCtx, id); err != nil {
			return fmt.Errorf("failed to confirm metrics: %w", err)
		}
		fmt.Fprintf(stdout, "%s metrics on %s\n", color.GreenString("published"), *channel)
		return nil
	}

	h := stress.Harness{
		Channel:     *channel,
		Payload:     payload,
		Count:       *count,
		Iterations:  *iterations,
		PublishRate: *rateLimit,
		AuthTimeout: *timeout,
		Logger:      a.logger,
	}
	report, err := h.Run(ctx, conn)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
