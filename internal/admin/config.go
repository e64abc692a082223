package admin

import "time"

// Config holds admin server configuration
type Config struct {
	// Addr is the listen address; the server is disabled when empty
	Addr string `yaml:"addr" env:"ADDR"`

	// AllowedOrigins lists the dashboards allowed to query the API
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"10s"`
}
