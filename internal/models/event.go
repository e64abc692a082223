package models

import "fmt"

// EventKind identifies the kind of notification emitted by a transport.
// The set is closed: transports never emit anything outside of it.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClosed
	EventAuthenticated
	EventSubscribed
	EventUnSubscribed
	EventPublished
	EventPong
	EventError
	EventHandshakeError
	EventAuthenticationError
)

var eventKindNames = map[EventKind]string{
	EventOpen:                "open",
	EventClosed:              "closed",
	EventAuthenticated:       "authenticated",
	EventSubscribed:          "subscribed",
	EventUnSubscribed:        "unsubscribed",
	EventPublished:           "published",
	EventPong:                "pong",
	EventError:               "error",
	EventHandshakeError:      "handshake_error",
	EventAuthenticationError: "authentication_error",
}

// String returns the lower snake case name of the kind
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Valid reports whether k belongs to the closed set of event kinds
func (k EventKind) Valid() bool {
	_, ok := eventKindNames[k]
	return ok
}

// Event is a single notification delivered by the transport collaborator.
// Each occurrence is delivered to the connection exactly once.
type Event struct {
	// Kind selects which of the remaining fields are meaningful
	Kind EventKind

	// Headers holds the HTTP upgrade response headers (Open only)
	Headers map[string]string

	// ErrMsg carries the failure description (Closed, Error, HandshakeError,
	// AuthenticationError)
	ErrMsg string

	// MsgID is the id of the acknowledged publish (Published), or of a
	// publish dropped before it reached the server (Error)
	MsgID uint64

	// Final is set on Closed and Error when the transport will not
	// reconnect on its own
	Final bool

	// SubscriptionID names the subscription (Subscribed, UnSubscribed)
	SubscriptionID string
}

// IsFailure reports whether the event aborts the current connection attempt
func (e Event) IsFailure() bool {
	return e.Kind == EventHandshakeError || e.Kind == EventAuthenticationError
}

// String renders the event for logs
func (e Event) String() string {
	switch e.Kind {
	case EventPublished:
		return fmt.Sprintf("%s(msg_id=%d)", e.Kind, e.MsgID)
	case EventSubscribed, EventUnSubscribed:
		return fmt.Sprintf("%s(subscription_id=%s)", e.Kind, e.SubscriptionID)
	case EventClosed, EventError, EventHandshakeError, EventAuthenticationError:
		if e.ErrMsg != "" {
			return fmt.Sprintf("%s(%s)", e.Kind, e.ErrMsg)
		}
	}
	return e.Kind.String()
}

// PublishRecord tracks one publish issued on a connection. Records are
// diagnostic only and are kept for the lifetime of the connection.
type PublishRecord struct {
	MsgID  uint64 `json:"msg_id"`
	Sent   bool   `json:"sent"`
	Acked  bool   `json:"acked"`
	Failed bool   `json:"failed"`
}
