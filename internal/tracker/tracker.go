// Package tracker counts publishes sent on a connection and the
// acknowledgments received for them.
package tracker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cobra-client-platform/internal/models"
)

type record struct {
	models.PublishRecord
	err error

	// settled is closed on the ack or on the failure
	settled chan struct{}
}

// PublishTracker records sent and acknowledged publishes. It is safe for
// concurrent use by the goroutine issuing publishes and the goroutine
// delivering transport events.
type PublishTracker struct {
	sent   atomic.Uint64
	acked  atomic.Uint64
	failed atomic.Uint64

	mu      sync.Mutex
	records map[uint64]*record
}

// New creates an empty tracker
func New() *PublishTracker {
	return &PublishTracker{records: make(map[uint64]*record)}
}

func (t *PublishTracker) get(msgID uint64) *record {
	r, ok := t.records[msgID]
	if !ok {
		r = &record{
			PublishRecord: models.PublishRecord{MsgID: msgID},
			settled:       make(chan struct{}),
		}
		t.records[msgID] = r
	}
	return r
}

// OnSent records that msgID was handed to the transport
func (t *PublishTracker) OnSent(msgID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(msgID)
	if r.Sent {
		return
	}
	r.Sent = true
	t.sent.Add(1)
	publishSentTotal.Inc()

	// The ack overtook the send; count it now that the send is recorded.
	if r.Acked {
		t.ack(r)
	}
}

// OnAcked records the Published event for msgID. Duplicate acks are ignored.
func (t *PublishTracker) OnAcked(msgID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(msgID)
	if r.Acked || r.Failed {
		return
	}
	r.Acked = true
	if r.Sent {
		t.ack(r)
	}
}

func (t *PublishTracker) ack(r *record) {
	t.acked.Add(1)
	publishAckedTotal.Inc()
	close(r.settled)
}

// OnFailed records that msgID will never be acknowledged. Waiters get err.
func (t *PublishTracker) OnFailed(msgID uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(msgID)
	if r.Acked || r.Failed {
		return
	}
	r.Failed = true
	r.err = err
	t.failed.Add(1)
	publishFailedTotal.Inc()
	close(r.settled)
}

// Snapshot returns the sent and acked counts. Acked is read first so that
// sent >= acked holds even while counters move.
func (t *PublishTracker) Snapshot() (sent, acked uint64) {
	acked = t.acked.Load()
	sent = t.sent.Load()
	return sent, acked
}

// Failed returns the number of publishes that will never be acknowledged
func (t *PublishTracker) Failed() uint64 {
	return t.failed.Load()
}

// Pending returns the number of sent publishes not acknowledged yet
func (t *PublishTracker) Pending() uint64 {
	sent, acked := t.Snapshot()
	return sent - acked
}

// Wait blocks until msgID is acknowledged or failed, or ctx is done
func (t *PublishTracker) Wait(ctx context.Context, msgID uint64) error {
	t.mu.Lock()
	r := t.get(msgID)
	t.mu.Unlock()

	select {
	case <-r.settled:
		t.mu.Lock()
		defer t.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Records returns a copy of every record ordered by message id
func (t *PublishTracker) Records() []models.PublishRecord {
	t.mu.Lock()
	out := make([]models.PublishRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.PublishRecord)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MsgID < out[j].MsgID })
	return out
}
