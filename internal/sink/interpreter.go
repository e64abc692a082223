package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/cobra-client-platform/internal/models"
)

var (
	ErrMissingScript     = errors.New("interpreter script is required")
	ErrMissingEntryPoint = errors.New("script does not define a callable run(message, position)")
)

const (
	entryPoint = "run"

	// DefaultMaxSteps bounds the Starlark steps of one run call
	DefaultMaxSteps = 10_000_000
)

// InterpreterConfig configures the embedded module sink
type InterpreterConfig struct {
	// ScriptPath is the module defining run(message, position)
	ScriptPath string

	// Source overrides the file content when set
	Source []byte

	// Statsd receives the metric directives returned by run, when set
	Statsd *StatsdConfig

	// MaxSteps bounds each call; 0 means DefaultMaxSteps
	MaxSteps uint64
}

func (c InterpreterConfig) Validate() error {
	if c.ScriptPath == "" && len(c.Source) == 0 {
		return ErrMissingScript
	}
	return nil
}

// metricSender is the part of StatsdClient used for forwarded directives
type metricSender interface {
	Count(name string, n int64) error
	Gauge(name string, v float64) error
	Timing(name string, ms float64) error
	Close() error
}

// Interpreter calls a Starlark run(message, position) function once per
// message. The module state persists across calls, so a single thread runs
// all of them.
type Interpreter struct {
	mu      sync.Mutex
	thread  *starlark.Thread
	run     starlark.Callable
	decode  starlark.Callable
	metrics metricSender
	logger  *slog.Logger

	maxSteps uint64
}

func NewInterpreter(cfg InterpreterConfig, logger *slog.Logger) (*Interpreter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var metrics metricSender
	if cfg.Statsd != nil {
		sc := cfg.Statsd.withDefaults()
		client, err := DialStatsd(sc.Host, sc.Port, sc.Prefix)
		if err != nil {
			return nil, err
		}
		metrics = client
	}

	in, err := newInterpreter(cfg, metrics, logger)
	if err != nil && metrics != nil {
		metrics.Close()
	}
	return in, err
}

func newInterpreter(cfg InterpreterConfig, metrics metricSender, logger *slog.Logger) (*Interpreter, error) {
	thread := &starlark.Thread{
		Name: "cobra-bot",
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info(msg, slog.String("source", "script"))
		},
	}

	var src any
	if len(cfg.Source) > 0 {
		src = cfg.Source
	}
	name := cfg.ScriptPath
	if name == "" {
		name = "bot.star"
	}

	predeclared := starlark.StringDict{"json": starlarkjson.Module}
	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}

	run, ok := globals[entryPoint].(starlark.Callable)
	if !ok {
		return nil, ErrMissingEntryPoint
	}
	decode, ok := starlarkjson.Module.Members["decode"].(starlark.Callable)
	if !ok {
		return nil, errors.New("json.decode is unavailable")
	}

	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Interpreter{
		thread:   thread,
		run:      run,
		decode:   decode,
		metrics:  metrics,
		logger:   logger,
		maxSteps: maxSteps,
	}, nil
}

func (in *Interpreter) Deliver(ctx context.Context, msgs []models.Message) []models.Outcome {
	in.mu.Lock()
	defer in.mu.Unlock()

	outcomes := models.Outcomes(len(msgs), models.Delivered)
	for i, msg := range msgs {
		if ctx.Err() != nil {
			failRemaining(outcomes, i)
			break
		}
		if err := in.call(ctx, msg); err != nil {
			in.logger.Error("script failed", slog.String("error", err.Error()))
			outcomes[i] = models.Failed
			countOutcome(TargetPython, "failed")
			continue
		}
		countOutcome(TargetPython, "delivered")
	}
	return outcomes
}

// call runs one message with a fresh step budget. A done ctx cancels the
// script mid-computation.
func (in *Interpreter) call(ctx context.Context, msg models.Message) error {
	in.thread.Uncancel()
	in.thread.SetMaxExecutionSteps(in.thread.ExecutionSteps() + in.maxSteps)
	cancelled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(cancelled)
		in.thread.Cancel(ctx.Err().Error())
	})
	defer func() {
		if !stop() {
			<-cancelled
		}
	}()

	value, err := starlark.Call(in.thread, in.decode, starlark.Tuple{starlark.String(msg.Payload)}, nil)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	res, err := starlark.Call(in.thread, in.run, starlark.Tuple{value, starlark.String(msg.Position)}, nil)
	if err != nil {
		return err
	}

	directive, ok := res.(*starlark.Dict)
	if !ok {
		return nil
	}
	return in.forward(directive)
}

// forward sends a {"kind", "name", "value"} directive to statsd
func (in *Interpreter) forward(d *starlark.Dict) error {
	kind, err := dictString(d, "kind")
	if err != nil {
		return err
	}
	name, err := dictString(d, "name")
	if err != nil {
		return err
	}

	value := 1.0
	if v, found, _ := d.Get(starlark.String("value")); found {
		f, ok := starlark.AsFloat(v)
		if !ok {
			return fmt.Errorf("metric value must be a number, got %s", v.Type())
		}
		value = f
	}

	if in.metrics == nil {
		in.logger.Debug("metric directive without statsd", slog.String("kind", kind), slog.String("name", name))
		return nil
	}

	switch kind {
	case "counter", "count":
		return in.metrics.Count(name, int64(value))
	case "gauge":
		return in.metrics.Gauge(name, value)
	case "timer", "timing":
		return in.metrics.Timing(name, value)
	default:
		return fmt.Errorf("unknown metric kind %q", kind)
	}
}

func dictString(d *starlark.Dict, key string) (string, error) {
	v, found, err := d.Get(starlark.String(key))
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("metric directive lacks %q", key)
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("metric directive %q must be a string", key)
	}
	return s, nil
}

func (in *Interpreter) Close() error {
	if in.metrics != nil {
		return in.metrics.Close()
	}
	return nil
}
