package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cobra-client-platform/config"
	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/observability"
	"github.com/cobra-client-platform/internal/tracing"
	"github.com/cobra-client-platform/internal/transport"
)

// commonFlags override the configuration of every command
type commonFlags struct {
	configFile string
	endpoint   string
	appKey     string
	roleName   string
	roleSecret string

	tlsCert    string
	tlsKey     string
	tlsCA      string
	tlsCiphers string

	pidfile     string
	logfile     string
	quiet       bool
	noReconnect bool
	adminAddr   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", os.Getenv(config.FileEnv), "YAML configuration file")
	fs.StringVar(&c.endpoint, "endpoint", "", "Cobra endpoint (ws:// or wss://)")
	fs.StringVar(&c.appKey, "appkey", "", "Application key")
	fs.StringVar(&c.roleName, "rolename", "", "Role name")
	fs.StringVar(&c.roleSecret, "rolesecret", "", "Role secret")
	fs.StringVar(&c.tlsCert, "certfile", "", "PEM client certificate")
	fs.StringVar(&c.tlsKey, "keyfile", "", "PEM client key")
	fs.StringVar(&c.tlsCA, "cafile", "", "PEM CA bundle, or NONE to skip verification")
	fs.StringVar(&c.tlsCiphers, "ciphers", "", "Allowed TLS cipher suites")
	fs.StringVar(&c.pidfile, "pidfile", "", "Write the process id to this file")
	fs.StringVar(&c.logfile, "logfile", "", "Append logs to this file instead of stderr")
	fs.BoolVar(&c.quiet, "q", false, "Log at info level instead of debug")
	fs.BoolVar(&c.noReconnect, "no-reconnect", false, "Do not reconnect after the connection drops")
	fs.StringVar(&c.adminAddr, "admin-addr", "", "Serve /health, /stats and /metrics on this address")
}

// apply overlays the flags that were set on cfg
func (c *commonFlags) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Endpoint, c.endpoint)
	set(&cfg.AppKey, c.appKey)
	set(&cfg.RoleName, c.roleName)
	set(&cfg.RoleSecret, c.roleSecret)
	set(&cfg.TLS.CertFile, c.tlsCert)
	set(&cfg.TLS.KeyFile, c.tlsKey)
	set(&cfg.TLS.CAFile, c.tlsCA)
	set(&cfg.TLS.Ciphers, c.tlsCiphers)
	set(&cfg.Log.File, c.logfile)
	set(&cfg.Admin.Addr, c.adminAddr)
	if c.quiet {
		cfg.Log.Level = "info"
	}
}

// app holds the process wide state of a command
type app struct {
	cfg    *config.Config
	flags  commonFlags
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	closers []func() error
}

// newApp loads the configuration and applies the flags. Nothing is opened
// until start.
func newApp(flags commonFlags, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.LoadFile(flags.configFile)
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	cfg.Tracing.ServiceVersion = version

	return &app{
		cfg:    cfg,
		flags:  flags,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// start builds the logger, the tracer provider and the pid file
func (a *app) start(ctx context.Context) error {
	logger, closeLog, err := a.openLogger()
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	shutdown, err := tracing.Init(ctx, a.cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if a.flags.pidfile != "" {
		if err := os.WriteFile(a.flags.pidfile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		pidfile := a.flags.pidfile
		a.closers = append(a.closers, func() error { return os.Remove(pidfile) })
	}
	return nil
}

func (a *app) openLogger() (*slog.Logger, func() error, error) {
	if a.cfg.Log.File != "" {
		return observability.Setup(a.cfg.Log)
	}
	logger, err := observability.NewLogger(a.stderr, a.cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() error { return nil }, nil
}

// dial builds an unconnected connection for cfg
func (a *app) dial(cfg models.ConnectionConfig, name string) (*connection.Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := a.logger.With(slog.String("connection", name))
	ws, err := transport.New(cfg,
		transport.WithLogger(logger),
		transport.WithReconnect(!a.flags.noReconnect),
	)
	if err != nil {
		return nil, err
	}
	return connection.New(ws, connection.WithLogger(logger)), nil
}

// close releases everything start opened, in reverse order
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// splitList parses a comma separated flag value
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
