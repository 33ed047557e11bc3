package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiorosalind/triage/core"
)

func collect(t *testing.T, sub *Subscription, n int) []core.StreamEvent {
	t.Helper()
	out := make([]core.StreamEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestHub_SequenceContiguousFromOne(t *testing.T) {
	h := New()
	defer h.Shutdown()

	for i := 1; i <= 5; i++ {
		ev, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.SequenceNo)
	}

	snap := h.Snapshot("iss-1")
	require.Len(t, snap, 5)
	for i, ev := range snap {
		assert.Equal(t, int64(i+1), ev.SequenceNo)
	}
	assert.Equal(t, int64(5), h.Sequence("iss-1"))
}

func TestHub_PerIssueSequencesIndependent(t *testing.T) {
	h := New()
	defer h.Shutdown()

	a, err := h.Publish(core.NewMessageEvent("iss-a", core.RoleAssistant, "first"))
	require.NoError(t, err)
	b, err := h.Publish(core.NewMessageEvent("iss-b", core.RoleAssistant, "first"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.SequenceNo)
	assert.Equal(t, int64(1), b.SequenceNo)
}

func TestHub_ReplayThenLiveWithoutGaps(t *testing.T) {
	h := New()
	defer h.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, fmt.Sprintf("early %d", i)))
		require.NoError(t, err)
	}

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 2; i++ {
		_, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, fmt.Sprintf("late %d", i)))
		require.NoError(t, err)
	}

	got := collect(t, sub, 5)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.SequenceNo, "event %d out of order", i)
		assert.Equal(t, "iss-1", ev.IssueID)
	}
}

func TestHub_SubscribeBeforeFirstEvent(t *testing.T) {
	h := New()
	defer h.Shutdown()

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.Publish(core.NewStatusEvent("iss-1", core.StatusAnalyzing))
	require.NoError(t, err)

	got := collect(t, sub, 1)
	assert.Equal(t, core.KindStatus, got[0].Kind)
	assert.Equal(t, int64(1), got[0].SequenceNo)
}

func TestHub_ReplayBufferBounded(t *testing.T) {
	h := New(func(o *Options) {
		o.ReplayLimit = 4
	})
	defer h.Shutdown()

	for i := 0; i < 10; i++ {
		_, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}

	snap := h.Snapshot("iss-1")
	require.Len(t, snap, 4)
	assert.Equal(t, int64(7), snap[0].SequenceNo)
	assert.Equal(t, int64(10), snap[3].SequenceNo)

	// Late subscriber sees only what the buffer retained.
	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)
	defer sub.Close()
	got := collect(t, sub, 4)
	assert.Equal(t, int64(7), got[0].SequenceNo)
}

func TestHub_SlowSubscriberDisconnected(t *testing.T) {
	h := New(func(o *Options) {
		o.ReplayLimit = 1
		o.SubscriberBuffer = 1
	})
	defer h.Shutdown()

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)

	// Queue capacity is 2; the third publish overflows it.
	for i := 0; i < 3; i++ {
		_, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.ErrorIs(t, sub.Err(), ErrSlowSubscriber)
	assert.Equal(t, 0, h.SubscriberCount("iss-1"))

	// The queued events before the overflow are still drainable.
	var drained int
	for range sub.Events() {
		drained++
	}
	assert.Equal(t, 2, drained)

	// Publishing continues unaffected.
	ev, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, "after"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.SequenceNo)
}

func TestHub_CleanCloseLeavesNilErr(t *testing.T) {
	h := New()
	defer h.Shutdown()

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	<-sub.Done()
	assert.NoError(t, sub.Err())
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestHub_RetiresAfterTerminalGrace(t *testing.T) {
	h := New(func(o *Options) {
		o.RetireGrace = 20 * time.Millisecond
	})
	defer h.Shutdown()

	_, err := h.Publish(core.NewStatusEvent("iss-1", core.StatusResolved))
	require.NoError(t, err)
	h.MarkTerminal("iss-1")

	require.Eventually(t, func() bool { return h.Retired("iss-1") }, 2*time.Second, 5*time.Millisecond)

	_, err = h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, "too late"))
	assert.ErrorIs(t, err, ErrChannelRetired)
	_, err = h.Subscribe("iss-1")
	assert.ErrorIs(t, err, ErrChannelRetired)
	assert.Nil(t, h.Snapshot("iss-1"))
}

func TestHub_SubscriberPausesRetirement(t *testing.T) {
	h := New(func(o *Options) {
		o.RetireGrace = 50 * time.Millisecond
	})
	defer h.Shutdown()

	_, err := h.Publish(core.NewStatusEvent("iss-1", core.StatusFailed))
	require.NoError(t, err)

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)

	h.MarkTerminal("iss-1")

	time.Sleep(200 * time.Millisecond)
	assert.False(t, h.Retired("iss-1"), "channel retired while a subscriber was attached")

	// Grace re-arms once the last subscriber leaves.
	sub.Close()
	require.Eventually(t, func() bool { return h.Retired("iss-1") }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_SubscriberDuringGracePausesClock(t *testing.T) {
	h := New(func(o *Options) {
		o.RetireGrace = 150 * time.Millisecond
	})
	defer h.Shutdown()

	_, err := h.Publish(core.NewStatusEvent("iss-1", core.StatusResolved))
	require.NoError(t, err)
	h.MarkTerminal("iss-1")

	// Attach inside the grace window.
	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	assert.False(t, h.Retired("iss-1"))

	sub.Close()
	require.Eventually(t, func() bool { return h.Retired("iss-1") }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ShutdownDisconnectsSubscribers(t *testing.T) {
	h := New()

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)

	h.Shutdown()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not released on shutdown")
	}
	assert.NoError(t, sub.Err())

	_, err = h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, "nope"))
	assert.ErrorIs(t, err, ErrHubClosed)
	_, err = h.Subscribe("iss-1")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_ConcurrentPublishOrdered(t *testing.T) {
	h := New()
	defer h.Shutdown()

	sub, err := h.Subscribe("iss-1")
	require.NoError(t, err)
	defer sub.Close()

	const (
		writers = 4
		perW    = 50
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				if _, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, fmt.Sprintf("w%d-%d", w, i))); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}(w)
	}

	got := collect(t, sub, writers*perW)
	wg.Wait()

	for i, ev := range got {
		require.Equal(t, int64(i+1), ev.SequenceNo, "gap or reorder at position %d", i)
	}
	assert.Equal(t, int64(writers*perW), h.Sequence("iss-1"))
}

func TestHub_SnapshotIsACopy(t *testing.T) {
	h := New()
	defer h.Shutdown()

	_, err := h.Publish(core.NewMessageEvent("iss-1", core.RoleAssistant, "original"))
	require.NoError(t, err)

	snap := h.Snapshot("iss-1")
	require.Len(t, snap, 1)
	snap[0].IssueID = "mutated"

	again := h.Snapshot("iss-1")
	assert.Equal(t, "iss-1", again[0].IssueID)
}
