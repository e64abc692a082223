package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConnection() ConnectionConfig {
	return ConnectionConfig{
		Endpoint:   "ws://127.0.0.1:8765",
		AppKey:     "_health",
		RoleName:   "health",
		RoleSecret: "A1b2C3d4",
	}
}

func TestConnectionConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectionConfig)
		wantErr error
		errMsg  string
	}{
		{name: "valid config", mutate: func(*ConnectionConfig) {}},
		{name: "missing endpoint", mutate: func(c *ConnectionConfig) { c.Endpoint = "" }, wantErr: ErrMissingEndpoint},
		{name: "missing appkey", mutate: func(c *ConnectionConfig) { c.AppKey = "" }, wantErr: ErrMissingAppKey},
		{name: "missing role name", mutate: func(c *ConnectionConfig) { c.RoleName = "" }, wantErr: ErrMissingRoleName},
		{name: "missing role secret", mutate: func(c *ConnectionConfig) { c.RoleSecret = "" }, wantErr: ErrMissingRoleSecret},
		{name: "http scheme", mutate: func(c *ConnectionConfig) { c.Endpoint = "http://localhost" }, errMsg: "scheme must be ws or wss"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConnection()
			tt.mutate(&cfg)
			err := cfg.Validate()

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectionConfigURL(t *testing.T) {
	cfg := validConnection()
	cfg.Endpoint = "wss://bus.example.com/"
	cfg.AppKey = "my app"

	assert.Equal(t, "wss://bus.example.com/v2?appkey=my+app", cfg.URL())

	other := cfg.WithRole("publisher", "s3cr3t")
	assert.Equal(t, "publisher", other.RoleName)
	assert.Equal(t, "health", cfg.RoleName, "WithRole must not mutate the receiver")
}

func TestBotConfigDefaultsAndValidation(t *testing.T) {
	cfg := BotConfig{Connection: validConnection()}
	assert.ErrorIs(t, cfg.Validate(), ErrMissingChannel)

	cfg.Channel = "sms_republished_v1_production"
	require.NoError(t, cfg.Validate())

	cfg = cfg.WithDefaults()
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.HeartbeatTimeout)
	assert.Equal(t, DefaultMaxEventsPerMinute, cfg.MaxEventsPerMinute)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)

	cfg.Runtime = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestEventKindNames(t *testing.T) {
	for kind := EventOpen; kind <= EventAuthenticationError; kind++ {
		assert.True(t, kind.Valid(), kind)
		assert.NotContains(t, kind.String(), "unknown")
	}
	assert.False(t, EventKind(99).Valid())
	assert.Equal(t, "unknown(99)", EventKind(99).String())

	assert.Equal(t, "published(msg_id=7)", Event{Kind: EventPublished, MsgID: 7}.String())
	assert.True(t, Event{Kind: EventHandshakeError}.IsFailure())
	assert.False(t, Event{Kind: EventClosed}.IsFailure())
}

func TestAllDelivered(t *testing.T) {
	assert.True(t, AllDelivered(Outcomes(3, Delivered), 3))
	assert.False(t, AllDelivered([]Outcome{Delivered, Failed}, 2))
	assert.False(t, AllDelivered(Outcomes(2, Delivered), 3), "short outcome slices count as failures")
	assert.True(t, AllDelivered(nil, 0))
}

func TestLastPosition(t *testing.T) {
	msgs := []Message{{Position: ""}, {Position: "1-2"}, {Position: ""}}
	assert.Equal(t, "1-2", LastPosition(msgs))
	assert.Equal(t, "", LastPosition(msgs[:1]))
}
