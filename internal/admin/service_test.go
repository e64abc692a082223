package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/dispatcher"
	"github.com/cobra-client-platform/internal/ratelimit"
	"github.com/cobra-client-platform/internal/tracker"
)

type fakeConn struct {
	state   connection.State
	err     error
	tracker *tracker.PublishTracker
}

func (f *fakeConn) State() connection.State          { return f.state }
func (f *fakeConn) LastError() error                 { return f.err }
func (f *fakeConn) Tracker() *tracker.PublishTracker { return f.tracker }

type fakeBot struct{ stats dispatcher.Stats }

func (f fakeBot) Stats() dispatcher.Stats { return f.stats }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      connection.State
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "authenticated", state: connection.StateAuthenticated, wantStatus: http.StatusOK, wantBody: "healthy"},
		{name: "subscribed", state: connection.StateSubscribed, wantStatus: http.StatusOK, wantBody: "healthy"},
		{name: "connecting", state: connection.StateConnecting, wantStatus: http.StatusServiceUnavailable, wantBody: "unhealthy"},
		{
			name:       "auth failed",
			state:      connection.StateAuthenticationError,
			err:        connection.ErrAuthentication,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(Config{}, &fakeConn{state: tt.state, err: tt.err, tracker: tracker.New()})

			rec := httptest.NewRecorder()
			svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var health HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
			assert.Equal(t, tt.wantBody, health.Status)
			assert.Equal(t, tt.state.String(), health.State)
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), health.Error)
			}
		})
	}
}

func TestStats(t *testing.T) {
	tr := tracker.New()
	tr.OnSent(1)
	tr.OnSent(2)
	tr.OnAcked(1)

	limiter := ratelimit.New(true, 1)
	limiter.Allow()
	limiter.Allow()

	svc := NewService(Config{}, &fakeConn{state: connection.StateSubscribed, tracker: tr},
		WithLimiter(limiter),
		WithBot(fakeBot{dispatcher.Stats{Channel: "test", Delivered: 9, Position: "1:9"}}),
		WithVersion("1.2.3"),
	)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "1.2.3", stats.Version)
	assert.Equal(t, PublishStats{Sent: 2, Acked: 1, Pending: 1}, stats.Publish)
	require.NotNil(t, stats.RateLimit)
	assert.Equal(t, uint64(1), stats.RateLimit.Admitted)
	assert.Equal(t, uint64(1), stats.RateLimit.Dropped)
	require.NotNil(t, stats.Bot)
	assert.Equal(t, "1:9", stats.Bot.Position)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := NewService(Config{}, &fakeConn{tracker: tracker.New()})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	svc := NewService(Config{AllowedOrigins: []string{"http://localhost:5173"}}, &fakeConn{tracker: tracker.New()})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	svc := NewService(Config{Addr: addr}, &fakeConn{state: connection.StateAuthenticated, tracker: tracker.New()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
