package connection

import (
	"encoding/json"

	"github.com/cobra-client-platform/internal/models"
)

// EventHandler receives transport events. It may run on a goroutine the
// caller does not control.
type EventHandler func(models.Event)

// BatchHandler receives subscription data for one subscription
type BatchHandler func(models.Batch)

// Transport is the wire level collaborator driven by a Connection. Its
// framing, reconnection backoff and TLS handshake are opaque to this
// package: it reports progress exclusively through the event callback.
type Transport interface {
	// SetEventCallback installs the callback invoked once per event, in the
	// order events were received.
	SetEventCallback(cb EventHandler)

	// Connect starts opening the connection without blocking
	Connect() error

	// Publish enqueues payload for channels and returns the message id that
	// a later Published event will carry.
	Publish(channels []string, payload json.RawMessage) (uint64, error)

	// Subscribe requests a subscription; data batches are passed to handler
	Subscribe(sub models.Subscription, handler BatchHandler) (string, error)

	Unsubscribe(subscriptionID string) error

	// Suspend closes the socket and stops reconnecting until Resume
	Suspend() error
	Resume() error

	// Close releases the transport. It must be idempotent.
	Close() error
}
