package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cobra-client-platform/config"
	"github.com/cobra-client-platform/internal/admin"
	"github.com/cobra-client-platform/internal/database"
	"github.com/cobra-client-platform/internal/dispatcher"
	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/position"
	"github.com/cobra-client-platform/internal/ratelimit"
	"github.com/cobra-client-platform/internal/sink"
)

// botFlags are shared by subscribe and every to_* command
type botFlags struct {
	channel          string
	filter           string
	position         string
	runtime          time.Duration
	heartbeat        bool
	heartbeatTimeout time.Duration
	limit            bool
	maxEvents        int
	batchSize        int
}

func (b *botFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.channel, "channel", "", "Channel to subscribe to")
	fs.StringVar(&b.filter, "stream_sql", "", "Server side filter, e.g. select * from `channel`")
	fs.StringVar(&b.position, "position", "", "Position to resume from")
	fs.DurationVar(&b.runtime, "runtime", 0, "Stop after this duration")
	fs.BoolVar(&b.heartbeat, "heartbeat", false, "Reconnect when no data arrives within the heartbeat timeout")
	fs.DurationVar(&b.heartbeatTimeout, "heartbeat-timeout", 0, "Heartbeat timeout")
	fs.BoolVar(&b.limit, "limit", false, "Drop messages above the per minute rate limit")
	fs.IntVar(&b.maxEvents, "max-events-per-minute", 0, "Rate limit when --limit is set")
	fs.IntVar(&b.batchSize, "batch-size", 0, "Maximum messages handed to the target at once")
}

func (b *botFlags) config(cfg *config.Config) models.BotConfig {
	bot := models.BotConfig{
		Connection:          cfg.Connection(),
		Channel:             b.channel,
		Filter:              b.filter,
		Position:            b.position,
		Runtime:             b.runtime,
		EnableHeartbeat:     b.heartbeat,
		HeartbeatTimeout:    cfg.Bot.HeartbeatTimeout,
		LimitReceivedEvents: b.limit,
		MaxEventsPerMinute:  cfg.Bot.MaxEventsPerMinute,
		BatchSize:           cfg.Bot.BatchSize,
	}
	if b.heartbeatTimeout > 0 {
		bot.HeartbeatTimeout = b.heartbeatTimeout
	}
	if b.maxEvents > 0 {
		bot.MaxEventsPerMinute = b.maxEvents
	}
	if b.batchSize > 0 {
		bot.BatchSize = b.batchSize
	}
	return bot
}

// targetFlags hold the settings of the sink selected by the command
type targetFlags struct {
	// stdout
	fluentd    bool
	countOnly  bool
	noColor    bool
	reportEach time.Duration

	// statsd, kv
	fields     string
	gauge      string
	timer      string
	statsdHost string
	statsdPort int
	prefix     string

	// sentry
	dsn          string
	messageField string

	// python
	script        string
	forwardStatsd bool
	maxSteps      uint64

	// cobra
	republishChannel string
	signKey          string
	waitAck          bool

	// kv
	natsURL string
	bucket  string
}

func (t *targetFlags) register(fs *flag.FlagSet, target sink.Target) {
	switch target {
	case sink.TargetStdout:
		fs.BoolVar(&t.fluentd, "fluentd", false, "Wrap messages in fluentd records")
		fs.BoolVar(&t.countOnly, "count-only", false, "Print periodic message counts instead of messages")
		fs.BoolVar(&t.noColor, "no-color", false, "Disable colored output")
		fs.DurationVar(&t.reportEach, "report-interval", 0, "Count report interval with --count-only")

	case sink.TargetStatsd:
		fs.StringVar(&t.fields, "fields", "", "Comma separated fields naming the metric")
		fs.StringVar(&t.gauge, "gauge", "", "Field sent as a gauge")
		fs.StringVar(&t.timer, "timer", "", "Field sent as a timer")
		t.registerStatsd(fs)

	case sink.TargetSentry:
		fs.StringVar(&t.dsn, "dsn", "", "Sentry DSN")
		fs.StringVar(&t.messageField, "message-field", "", "Field used as the event message")

	case sink.TargetPython:
		fs.StringVar(&t.script, "script", "", "Script defining run(message, position)")
		fs.BoolVar(&t.forwardStatsd, "statsd", false, "Forward the metrics returned by the script to statsd")
		fs.Uint64Var(&t.maxSteps, "max-steps", sink.DefaultMaxSteps, "Computation steps allowed per script call")
		t.registerStatsd(fs)

	case sink.TargetCobra:
		fs.StringVar(&t.republishChannel, "republish-channel", "", "Channel to republish on")
		fs.StringVar(&t.signKey, "sign-key", "", "Sign republished messages with this key")
		fs.BoolVar(&t.waitAck, "wait-ack", false, "Wait for each republish to be acknowledged")

	case sink.TargetKV:
		fs.StringVar(&t.fields, "fields", "", "Comma separated fields forming the counter key")
		fs.StringVar(&t.natsURL, "nats-url", "", "NATS server URL")
		fs.StringVar(&t.bucket, "bucket", "", "Key-value bucket")
	}
}

func (t *targetFlags) registerStatsd(fs *flag.FlagSet) {
	fs.StringVar(&t.statsdHost, "statsd-host", "", "Statsd host")
	fs.IntVar(&t.statsdPort, "statsd-port", 0, "Statsd port")
	fs.StringVar(&t.prefix, "prefix", "", "Metric name prefix")
}

func (t *targetFlags) statsd(cfg *config.Config) sink.StatsdConfig {
	s := sink.StatsdConfig{
		Host:   cfg.Statsd.Host,
		Port:   cfg.Statsd.Port,
		Prefix: cfg.Statsd.Prefix,
		Fields: splitList(t.fields),
		Gauge:  t.gauge,
		Timer:  t.timer,
	}
	if t.statsdHost != "" {
		s.Host = t.statsdHost
	}
	if t.statsdPort != 0 {
		s.Port = t.statsdPort
	}
	if t.prefix != "" {
		s.Prefix = t.prefix
	}
	return s
}

func (t *targetFlags) config(target sink.Target, cfg *config.Config, stdout io.Writer) sink.Config {
	sc := sink.Config{Target: target}

	switch target {
	case sink.TargetStdout:
		sc.Stdout = sink.StdoutConfig{
			Writer:         stdout,
			Fluentd:        t.fluentd,
			Quiet:          t.countOnly,
			ReportInterval: t.reportEach,
			NoColor:        t.noColor,
		}

	case sink.TargetStatsd:
		sc.Statsd = t.statsd(cfg)

	case sink.TargetSentry:
		sc.Sentry = sink.SentryConfig{
			DSN:          cfg.Sentry.DSN,
			Environment:  cfg.Sentry.Environment,
			Release:      version,
			MessageField: t.messageField,
		}
		if t.dsn != "" {
			sc.Sentry.DSN = t.dsn
		}

	case sink.TargetPython:
		sc.Python = sink.InterpreterConfig{ScriptPath: t.script, MaxSteps: t.maxSteps}
		if t.forwardStatsd {
			s := t.statsd(cfg)
			sc.Python.Statsd = &s
		}

	case sink.TargetCobra:
		sc.Cobra = sink.RepublishConfig{
			Connection: cfg.PublisherConnection(),
			Channel:    t.republishChannel,
			SigningKey: t.signKey,
			WaitAck:    t.waitAck,
		}

	case sink.TargetKV:
		sc.KV = sink.KVConfig{
			URL:    cfg.NATS.URL,
			Bucket: cfg.NATS.Bucket,
			Fields: splitList(t.fields),
		}
		if t.natsURL != "" {
			sc.KV.URL = t.natsURL
		}
		if t.bucket != "" {
			sc.KV.Bucket = t.bucket
		}
	}
	return sc
}

// botCommand returns the command forwarding a subscription to target
func botCommand(target sink.Target) func(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return func(ctx context.Context, args []string, stdout, stderr io.Writer) error {
		name := "subscribe"
		if target != sink.TargetStdout {
			name = "to_" + string(target)
		}
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		var (
			common commonFlags
			bot    botFlags
			tgt    targetFlags
		)
		common.register(fs)
		bot.register(fs)
		tgt.register(fs, target)
		if err := fs.Parse(args); err != nil {
			return err
		}

		a, err := newApp(common, stdout, stderr)
		if err != nil {
			return err
		}
		botCfg := bot.config(a.cfg)
		sinkCfg := tgt.config(target, a.cfg, stdout)

		// Reject bad settings before any connection is opened
		if err := sinkCfg.Validate(); err != nil {
			return fmt.Errorf("invalid %s settings: %w", target, err)
		}
		if err := botCfg.Validate(); err != nil {
			return err
		}

		if err := a.start(ctx); err != nil {
			a.close()
			return err
		}
		defer a.close()
		return runBot(ctx, a, botCfg, sinkCfg)
	}
}

func runBot(ctx context.Context, a *app, botCfg models.BotConfig, sinkCfg sink.Config) error {
	logger := a.logger.With(slog.String("target", string(sinkCfg.Target)))
	sinkCfg.Logger = logger

	store, closeStore, err := openStore(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	snk, err := sink.New(ctx, sinkCfg)
	if err != nil {
		return fmt.Errorf("failed to create %s sink: %w", sinkCfg.Target, err)
	}
	defer func() {
		if err := snk.Close(); err != nil {
			logger.Warn("failed to close sink", slog.Any("error", err))
		}
	}()

	conn, err := a.dial(botCfg.Connection, "bot")
	if err != nil {
		return err
	}

	limiter := ratelimit.New(botCfg.LimitReceivedEvents, botCfg.MaxEventsPerMinute, ratelimit.WithLogger(logger))
	d := dispatcher.New(botCfg, conn, snk,
		dispatcher.WithLimiter(limiter),
		dispatcher.WithStore(store, position.Key(botCfg.Connection.AppKey, botCfg.Channel)),
		dispatcher.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var delivered uint64
	g.Go(func() error {
		// the admin server stops with the bot
		defer cancel()
		n, err := d.Run(gctx)
		delivered = n
		return err
	})

	if a.cfg.Admin.Addr != "" {
		svc := admin.NewService(a.cfg.Admin, conn,
			admin.WithBot(d),
			admin.WithLimiter(limiter),
			admin.WithVersion(version),
			admin.WithLogger(logger),
		)
		g.Go(func() error { return svc.Serve(gctx) })
	}

	err = g.Wait()
	stats := d.Stats()
	logger.Info("bot finished",
		slog.Uint64("delivered", delivered),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("dropped", stats.Dropped),
		slog.String("position", stats.Position))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore returns the Postgres position store when a database is
// configured, and a process local one otherwise
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (position.Store, func(), error) {
	if !cfg.Database.Enabled {
		return position.NewMemoryStore(), func() {}, nil
	}

	db, err := database.NewConnection(ctx, cfg.DatabaseConnection())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to position store: %w", err)
	}
	return position.NewPostgresStore(db), func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close position store", slog.Any("error", err))
		}
	}, nil
}
