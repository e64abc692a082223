package stress_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/connection/connectiontest"
	"github.com/cobra-client-platform/internal/stress"
)

func newConn(t *testing.T, opts ...connectiontest.Option) (*connection.Connection, *connectiontest.Transport) {
	t.Helper()
	fake := connectiontest.New(opts...)
	conn := connection.New(fake)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.Connect())
	return conn, fake
}

func TestHarnessBoundedIterations(t *testing.T) {
	conn, fake := newConn(t)
	h := stress.Harness{
		Channel:     "stress",
		Payload:     json.RawMessage(`{"a":1}`),
		Count:       100,
		Iterations:  3,
		AuthTimeout: 2 * time.Second,
	}

	report, err := h.Run(context.Background(), conn)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, uint64(300), report.Published)
	assert.Equal(t, uint64(300), report.Sent)
	assert.GreaterOrEqual(t, report.Sent, report.Acked)
	assert.Equal(t, 3, fake.Suspends())
	assert.Equal(t, 3, fake.Resumes())

	fake.Sync()
	sent, acked := conn.Tracker().Snapshot()
	assert.Equal(t, uint64(300), sent)
	assert.Equal(t, uint64(300), acked)
}

func TestHarnessSentNeverBelowAcked(t *testing.T) {
	conn, _ := newConn(t)
	h := stress.Harness{Channel: "stress", Payload: json.RawMessage(`1`), Count: 50, Iterations: 0}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			sent, acked := conn.Tracker().Snapshot()
			if sent < acked {
				t.Errorf("sent %d < acked %d", sent, acked)
				return
			}
		}
	}()

	time.AfterFunc(200*time.Millisecond, cancel)
	report, err := h.Run(ctx, conn)
	<-done

	require.NoError(t, err, "a cancelled unbounded run ends cleanly")
	assert.Positive(t, report.Iterations)
	assert.GreaterOrEqual(t, report.Sent, report.Acked)
}

func TestHarnessPacing(t *testing.T) {
	conn, _ := newConn(t)
	h := stress.Harness{Channel: "stress", Payload: json.RawMessage(`1`), Count: 10, Iterations: 1, PublishRate: 100}

	started := time.Now()
	report, err := h.Run(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), report.Published)
	assert.GreaterOrEqual(t, time.Since(started), 80*time.Millisecond)
}

func TestHarnessAuthenticationFailure(t *testing.T) {
	conn, fake := newConn(t, connectiontest.FailAuthentication("unknown role"))
	h := stress.Harness{Channel: "stress", Payload: json.RawMessage(`1`), Count: 10, Iterations: 1, AuthTimeout: time.Second}

	report, err := h.Run(context.Background(), conn)
	require.ErrorIs(t, err, connection.ErrAuthentication)
	assert.Zero(t, report.Published)
	assert.Empty(t, fake.Published())
}

func TestHarnessRequiresChannel(t *testing.T) {
	conn, _ := newConn(t)
	_, err := stress.Harness{}.Run(context.Background(), conn)
	assert.ErrorIs(t, err, stress.ErrEmptyChannel)
}
