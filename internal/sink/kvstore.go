package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cobra-client-platform/internal/models"
)

var (
	ErrMissingBucket        = errors.New("kv bucket is required")
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
	errKVKeyNotFound        = errors.New("kv: key not found")
)

const (
	defaultKVMaxRetries = 10
	defaultKVRetryDelay = 10 * time.Millisecond
)

// KVConfig configures the key-value counter sink
type KVConfig struct {
	URL    string
	Bucket string

	// Fields are gjson paths whose values, joined with ".", form the key
	Fields []string

	MaxRetries    int
	ReconnectWait time.Duration
	MaxReconnects int
}

func (c KVConfig) Validate() error {
	if c.Bucket == "" {
		return ErrMissingBucket
	}
	if len(c.Fields) == 0 {
		return ErrMissingFields
	}
	return nil
}

func (c KVConfig) withDefaults() KVConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultKVMaxRetries
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return c
}

// counterBucket is the compare-and-set surface of a KV bucket
type counterBucket interface {
	// get returns errKVKeyNotFound for a missing key
	get(ctx context.Context, key string) (value []byte, revision uint64, err error)

	// update stores value if the key is still at revision; revision 0
	// expects the key to be absent
	update(ctx context.Context, key string, value []byte, revision uint64) error
}

type jetstreamBucket struct {
	kv jetstream.KeyValue
}

func (b jetstreamBucket) get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if isKVNotFoundError(err) {
			return nil, 0, errKVKeyNotFound
		}
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (b jetstreamBucket) update(ctx context.Context, key string, value []byte, revision uint64) error {
	_, err := b.kv.Update(ctx, key, value, revision)
	return err
}

// isKVNotFoundError checks if error indicates key not found
func isKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, errKVKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isKVConflictError checks if error indicates a concurrent update
func isKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}

// KV increments one counter per message, keyed by the extracted fields
type KV struct {
	cfg    KVConfig
	bucket counterBucket
	nc     *nats.Conn
	logger *slog.Logger
}

// NewKV connects to NATS and opens, or creates, the bucket
func NewKV(ctx context.Context, cfg KVConfig, logger *slog.Logger) (*KV, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "cobra message counters",
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open bucket %s: %w", cfg.Bucket, err)
	}

	return &KV{cfg: cfg, bucket: jetstreamBucket{kv: kv}, nc: nc, logger: logger}, nil
}

func newKVWithBucket(cfg KVConfig, bucket counterBucket, logger *slog.Logger) *KV {
	return &KV{cfg: cfg.withDefaults(), bucket: bucket, logger: logger}
}

func (k *KV) Deliver(ctx context.Context, msgs []models.Message) []models.Outcome {
	outcomes := models.Outcomes(len(msgs), models.Delivered)

	for i, msg := range msgs {
		key, ok := extractName(msg.Payload, k.cfg.Fields)
		if !ok {
			countOutcome(TargetKV, "skipped")
			continue
		}
		if _, err := k.Increment(ctx, key); err != nil {
			k.logger.Error("kv increment failed", slog.String("key", key), slog.String("error", err.Error()))
			outcomes[i] = models.Failed
			countOutcome(TargetKV, "failed")
			continue
		}
		countOutcome(TargetKV, "delivered")
	}
	return outcomes
}

// Increment adds one to the counter stored at key and returns the new value
func (k *KV) Increment(ctx context.Context, key string) (int64, error) {
	delay := defaultKVRetryDelay

	for attempt := 0; attempt < k.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, time.Second)
		}

		var current int64
		value, revision, err := k.bucket.get(ctx, key)
		switch {
		case errors.Is(err, errKVKeyNotFound):
			revision = 0
		case err != nil:
			return 0, err
		default:
			current, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("kv value of %s is not a counter: %w", key, err)
			}
		}

		next := current + 1
		err = k.bucket.update(ctx, key, []byte(strconv.FormatInt(next, 10)), revision)
		if err == nil {
			return next, nil
		}
		if !isKVConflictError(err) {
			return 0, fmt.Errorf("kv update %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrKVMaxRetriesExceeded, key)
}

func (k *KV) Close() error {
	if k.nc != nil {
		return k.nc.Drain()
	}
	return nil
}
