package models

import (
	"encoding/json"
	"time"
)

// Message is a single bus message received through a subscription.
type Message struct {
	// Payload is the opaque message body
	Payload json.RawMessage `json:"payload"`

	// Position is the cursor just past this message. Only the last message
	// of a server batch carries one; it is empty for the others.
	Position string `json:"position,omitempty"`

	SubscriptionID string    `json:"subscription_id"`
	Channel        string    `json:"channel"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Batch is one rtm/subscription/data delivery
type Batch struct {
	SubscriptionID string
	Position       string
	Messages       []Message
}

// Outcome is the per message result reported by a sink
type Outcome int

const (
	Delivered Outcome = iota
	Failed
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "failed"
}

// AllDelivered reports whether every outcome is Delivered. An outcome slice
// shorter than the batch it reports on counts as a failure.
func AllDelivered(outcomes []Outcome, batchLen int) bool {
	if len(outcomes) != batchLen {
		return false
	}
	for _, o := range outcomes {
		if o != Delivered {
			return false
		}
	}
	return true
}

// Outcomes returns a slice of n copies of o
func Outcomes(n int, o Outcome) []Outcome {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = o
	}
	return out
}

// LastPosition returns the last non empty position in msgs
func LastPosition(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Position != "" {
			return msgs[i].Position
		}
	}
	return ""
}
