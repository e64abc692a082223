package admin

import (
	"time"

	"github.com/cobra-client-platform/internal/dispatcher"
)

// HealthResponse is served on /health
type HealthResponse struct {
	Status    string    `json:"status"` // healthy, unhealthy
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishStats reports the publish tracker counters
type PublishStats struct {
	Sent    uint64 `json:"sent"`
	Acked   uint64 `json:"acked"`
	Pending uint64 `json:"pending"`
}

// RateLimitStats reports the limiter counters
type RateLimitStats struct {
	Enabled  bool   `json:"enabled"`
	Admitted uint64 `json:"admitted"`
	Dropped  uint64 `json:"dropped"`
}

// StatsResponse is served on /stats
type StatsResponse struct {
	Version   string            `json:"version"`
	State     string            `json:"state"`
	Publish   PublishStats      `json:"publish"`
	RateLimit *RateLimitStats   `json:"rate_limit,omitempty"`
	Bot       *dispatcher.Stats `json:"bot,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
