package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultHeartbeatTimeout is used when heartbeats are enabled without a timeout
	DefaultHeartbeatTimeout = 60 * time.Second

	// DefaultMaxEventsPerMinute is the rate limit applied when none is configured
	DefaultMaxEventsPerMinute = 1000

	// DefaultBatchSize matches the server default for rtm/subscribe
	DefaultBatchSize = 1
)

var (
	ErrMissingEndpoint   = errors.New("endpoint is required")
	ErrMissingAppKey     = errors.New("appkey is required")
	ErrMissingRoleName   = errors.New("role name is required")
	ErrMissingRoleSecret = errors.New("role secret is required")
	ErrMissingChannel    = errors.New("channel is required")
)

// TLSOptions configures the TLS layer of the websocket transport.
type TLSOptions struct {
	// CertFile and KeyFile hold a PEM client certificate pair
	CertFile string `yaml:"cert_file" json:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" json:"key_file" env:"KEY_FILE"`

	// CAFile is a PEM bundle of trusted roots. The special value "NONE"
	// disables peer verification.
	CAFile string `yaml:"ca_file" json:"ca_file" env:"CA_FILE"`

	// Ciphers is a comma, space or colon separated list of cipher suite names
	Ciphers string `yaml:"ciphers" json:"ciphers" env:"CIPHERS"`

	// MinVersion is the minimum TLS version ("1.2", "1.3")
	MinVersion string `yaml:"min_version" json:"min_version" env:"MIN_VERSION"`
}

// IsUsingSystemDefaults reports whether no TLS option was customized
func (o TLSOptions) IsUsingSystemDefaults() bool {
	return o.CertFile == "" && o.KeyFile == "" && o.CAFile == "" && o.Ciphers == ""
}

// ConnectionConfig holds everything needed to connect and authenticate
// against a Cobra endpoint. It must not be mutated once a connection
// attempt has started.
type ConnectionConfig struct {
	Endpoint   string     `yaml:"endpoint" json:"endpoint"`
	AppKey     string     `yaml:"appkey" json:"appkey"`
	RoleName   string     `yaml:"rolename" json:"rolename"`
	RoleSecret string     `yaml:"rolesecret" json:"-"`
	TLS        TLSOptions `yaml:"tls" json:"tls"`
}

// Validate checks that the credentials are complete
func (c ConnectionConfig) Validate() error {
	switch {
	case c.Endpoint == "":
		return ErrMissingEndpoint
	case c.AppKey == "":
		return ErrMissingAppKey
	case c.RoleName == "":
		return ErrMissingRoleName
	case c.RoleSecret == "":
		return ErrMissingRoleSecret
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", c.Endpoint)
	}
	return nil
}

// URL returns the websocket url used to reach the application
func (c ConnectionConfig) URL() string {
	return fmt.Sprintf("%s/v2?appkey=%s", strings.TrimRight(c.Endpoint, "/"), url.QueryEscape(c.AppKey))
}

// WithRole returns a copy of the config authenticating with another role
func (c ConnectionConfig) WithRole(roleName, roleSecret string) ConnectionConfig {
	c.RoleName = roleName
	c.RoleSecret = roleSecret
	return c
}

// BotConfig describes one subscription forwarded to a sink. It is fixed at
// startup.
type BotConfig struct {
	Connection ConnectionConfig `yaml:"connection" json:"connection"`

	// Channel is the subscribed channel (required)
	Channel string `yaml:"channel" json:"channel"`

	// Filter is an optional server side stream SQL expression
	Filter string `yaml:"filter" json:"filter,omitempty"`

	// Position is an optional cursor to resume from
	Position string `yaml:"position" json:"position,omitempty"`

	// Runtime stops the bot after the given duration when positive
	Runtime time.Duration `yaml:"runtime" json:"runtime,omitempty"`

	EnableHeartbeat  bool          `yaml:"heartbeat" json:"heartbeat"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	LimitReceivedEvents bool `yaml:"limit_received_events" json:"limit_received_events"`
	MaxEventsPerMinute  int  `yaml:"max_events_per_minute" json:"max_events_per_minute"`

	// BatchSize is the maximum number of messages handed to the sink per round
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// WithDefaults fills unset optional fields
func (c BotConfig) WithDefaults() BotConfig {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.MaxEventsPerMinute <= 0 {
		c.MaxEventsPerMinute = DefaultMaxEventsPerMinute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Validate checks the bot configuration, including its connection
func (c BotConfig) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if c.Channel == "" {
		return ErrMissingChannel
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("invalid batch size %d", c.BatchSize)
	}
	if c.LimitReceivedEvents && c.MaxEventsPerMinute < 0 {
		return fmt.Errorf("invalid max events per minute %d", c.MaxEventsPerMinute)
	}
	if c.Runtime < 0 {
		return fmt.Errorf("invalid runtime %s", c.Runtime)
	}
	return nil
}

// Subscription is the request handed to the transport
type Subscription struct {
	ID        string
	Channel   string
	Filter    string
	Position  string
	BatchSize int
}
