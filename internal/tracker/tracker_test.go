package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerCountsSentAndAcked(t *testing.T) {
	tr := New()
	before := testutil.ToFloat64(publishAckedTotal)

	tr.OnSent(1)
	tr.OnSent(2)
	tr.OnAcked(1)

	sent, acked := tr.Snapshot()
	assert.Equal(t, uint64(2), sent)
	assert.Equal(t, uint64(1), acked)
	assert.Equal(t, uint64(1), tr.Pending())
	assert.Equal(t, before+1, testutil.ToFloat64(publishAckedTotal))

	records := tr.Records()
	require.Len(t, records, 2)
	assert.True(t, records[0].Acked)
	assert.False(t, records[1].Acked)
}

func TestTrackerIgnoresDuplicates(t *testing.T) {
	tr := New()
	tr.OnSent(5)
	tr.OnSent(5)
	tr.OnAcked(5)
	tr.OnAcked(5)

	sent, acked := tr.Snapshot()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), acked)
}

func TestTrackerAckBeforeSent(t *testing.T) {
	tr := New()
	tr.OnAcked(9)

	sent, acked := tr.Snapshot()
	assert.Equal(t, uint64(0), sent)
	assert.Equal(t, uint64(0), acked, "an ack overtaking its send is parked")

	tr.OnSent(9)
	sent, acked = tr.Snapshot()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), acked)
}

func TestTrackerWait(t *testing.T) {
	tr := New()
	tr.OnSent(3)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.OnAcked(3)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx, 3))

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, tr.Wait(short, 4), context.DeadlineExceeded)
}

func TestTrackerConcurrentSentNeverBelowAcked(t *testing.T) {
	tr := New()
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			tr.OnSent(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			tr.OnAcked(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			sent, acked := tr.Snapshot()
			if sent < acked {
				t.Errorf("sent %d < acked %d", sent, acked)
				return
			}
		}
	}()
	wg.Wait()

	sent, acked := tr.Snapshot()
	assert.Equal(t, uint64(n), sent)
	assert.Equal(t, uint64(n), acked)
}

func TestTrackerFailedReleasesWaiters(t *testing.T) {
	tr := New()
	lost := errors.New("socket went away")
	tr.OnSent(6)

	done := make(chan error, 1)
	go func() { done <- tr.Wait(context.Background(), 6) }()

	tr.OnFailed(6, lost)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, lost)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	// a late ack does not turn a failure into a success
	tr.OnAcked(6)
	_, acked := tr.Snapshot()
	assert.Equal(t, uint64(0), acked)

	assert.Equal(t, uint64(1), tr.Failed())
	records := tr.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Failed)
	assert.False(t, records[0].Acked)
}
