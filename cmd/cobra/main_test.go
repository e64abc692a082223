package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/sink"
	"github.com/cobra-client-platform/internal/transport/transporttest"
)

const testSecret = "A1b2C3d4"

func credentials(endpoint string) []string {
	return []string{
		"--endpoint", endpoint,
		"--appkey", "test",
		"--rolename", "bot",
		"--rolesecret", testSecret,
		"--config", "",
	}
}

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	err := run(ctx, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "cobra dev\n", stdout)
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, err := runCommand(t, "teleport")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, `unknown command "teleport"`)
	assert.Contains(t, stderr, "to_statsd")

	_, _, err = runCommand(t)
	assert.ErrorIs(t, err, errUsage)
}

func TestPublishRejectsInvalidPayloadBeforeConnecting(t *testing.T) {
	srv := transporttest.NewServer(t, testSecret)

	args := append([]string{"publish"}, credentials(srv.Endpoint())...)
	args = append(args, "--channel", "test", "--data", `{"a":`)
	_, _, err := runCommand(t, args...)

	assert.ErrorIs(t, err, errInvalidPayload)
	assert.Equal(t, int32(0), srv.Accepted())
}

func TestReadPayloads(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jsonl")
	require.NoError(t, os.WriteFile(good, []byte("{\"n\":1}\n\n[1,2]\n\"text\"\n"), 0o644))
	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{\"n\":1}\n{oops}\n"), 0o644))
	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o644))

	tests := []struct {
		name    string
		data    string
		path    string
		want    int
		wantErr error
		errText string
	}{
		{name: "inline", data: `{"a":1}`, want: 1},
		{name: "inline invalid", data: `{"a"}`, wantErr: errInvalidPayload},
		{name: "file skips blank lines", path: good, want: 3},
		{name: "file invalid line", path: bad, wantErr: errInvalidPayload, errText: "line 2"},
		{name: "empty file", path: empty, wantErr: errNoPayload},
		{name: "nothing", wantErr: errNoPayload},
		{name: "both", data: `{}`, path: good, errText: "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payloads, err := readPayloads(tt.data, tt.path)
			if tt.wantErr == nil && tt.errText == "" {
				require.NoError(t, err)
				assert.Len(t, payloads, tt.want)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	srv := transporttest.NewServer(t, testSecret)
	pidfile := filepath.Join(t.TempDir(), "cobra.pid")

	args := append([]string{"publish"}, credentials(srv.Endpoint())...)
	args = append(args, "--channel", "test", "--data", `{"a":1}`, "--pidfile", pidfile, "-q")
	stdout, _, err := runCommand(t, args...)
	require.NoError(t, err)

	assert.Contains(t, stdout, "1 message(s) on test")
	published := srv.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "test", published[0].Channel)
	assert.JSONEq(t, `{"a":1}`, string(published[0].Message))

	_, err = os.Stat(pidfile)
	assert.True(t, os.IsNotExist(err), "pid file must be removed on exit")
}

func TestPublishWrongSecret(t *testing.T) {
	srv := transporttest.NewServer(t, "other-secret")

	args := append([]string{"publish"}, credentials(srv.Endpoint())...)
	args = append(args, "--channel", "test", "--data", `{}`, "--no-reconnect")
	_, _, err := runCommand(t, args...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to authenticate")
	assert.Empty(t, srv.Published())
}

func TestPublishUnreachableWithoutReconnect(t *testing.T) {
	args := append([]string{"publish"}, credentials("ws://127.0.0.1:1")...)
	args = append(args, "--channel", "test", "--data", `{}`, "--no-reconnect", "--timeout", "5s")

	start := time.Now()
	_, _, err := runCommand(t, args...)
	assert.ErrorIs(t, err, connection.ErrConnectionFailed)
	assert.Less(t, time.Since(start), 4*time.Second, "the command must not wait for --timeout")
}

func TestMetricsPublish(t *testing.T) {
	srv := transporttest.NewServer(t, testSecret)

	args := append([]string{"metrics_publish"}, credentials(srv.Endpoint())...)
	_, _, err := runCommand(t, args...)
	require.NoError(t, err)

	published := srv.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "cobra_metrics", published[0].Channel)

	var m processMetrics
	require.NoError(t, json.Unmarshal(published[0].Message, &m))
	assert.Equal(t, os.Getpid(), m.PID)
	assert.Equal(t, "dev", m.Version)
	assert.Positive(t, m.Goroutines)
}

func TestMetricsPublishStress(t *testing.T) {
	srv := transporttest.NewServer(t, testSecret)

	args := append([]string{"metrics_publish"}, credentials(srv.Endpoint())...)
	args = append(args, "--stress", "--count", "20", "--iterations", "2")
	stdout, _, err := runCommand(t, args...)
	require.NoError(t, err)

	var report struct {
		Iterations int    `json:"iterations"`
		Sent       uint64 `json:"sent"`
		Failed     uint64 `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 2, report.Iterations)
	assert.Equal(t, uint64(40), report.Sent)
	assert.Zero(t, report.Failed)
	assert.Len(t, srv.Published(), 40, "suspend flushes every queued publish")
	assert.Equal(t, int32(3), srv.Accepted(), "each resume opens a new socket")
}

func TestBotRejectsSettingsBeforeConnecting(t *testing.T) {
	srv := transporttest.NewServer(t, testSecret)

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{
			name:    "gauge and timer",
			args:    []string{"to_statsd", "--channel", "metrics", "--fields", "device", "--gauge", "latency", "--timer", "latency"},
			wantErr: sink.ErrGaugeTimerExclusive,
		},
		{
			name:    "statsd without fields",
			args:    []string{"to_statsd", "--channel", "metrics"},
			wantErr: sink.ErrMissingFields,
		},
		{
			name:    "sentry without dsn",
			args:    []string{"to_sentry", "--channel", "crashes"},
			wantErr: sink.ErrMissingDSN,
		},
		{
			name:    "python without script",
			args:    []string{"to_python", "--channel", "events"},
			wantErr: sink.ErrMissingScript,
		},
		{
			name:    "cobra without channel",
			args:    []string{"to_cobra", "--channel", "events"},
			wantErr: sink.ErrMissingRepublishChannel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, credentials(srv.Endpoint())...)
			_, _, err := runCommand(t, args...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, int32(0), srv.Accepted())
}

func TestSubscribe(t *testing.T) {
	srv := transporttest.NewServer(t, testSecret, transporttest.WithBatch(`{"n":1}`, `{"n": 2}`, `{"n":3}`))

	args := append([]string{"subscribe"}, credentials(srv.Endpoint())...)
	args = append(args, "--channel", "sms", "--runtime", "500ms", "--batch-size", "2", "--no-color")
	stdout, stderr, err := runCommand(t, args...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, lines)
	assert.Contains(t, stderr, "bot finished")
	assert.Contains(t, stderr, "position=1:3")
}
