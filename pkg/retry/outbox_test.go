package retry

import (
	"testing"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func critical(seq uint64) *protobufs.AgentToServer {
	return &protobufs.AgentToServer{SequenceNum: seq}
}

func TestPopEmpty(t *testing.T) {
	o := NewOutbox(nil, 4)
	_, ok := o.Pop()
	assert.False(t, ok)
}

func TestDeltaCoalesces(t *testing.T) {
	o := NewOutbox(nil, 4)

	o.Update(func(d *Delta) {
		d.Health = &protobufs.ComponentHealth{Healthy: false}
	})
	o.Update(func(d *Delta) {
		d.Health = &protobufs.ComponentHealth{Healthy: true}
		d.Poll = true
	})

	item, ok := o.Pop()
	require.True(t, ok)
	require.NotNil(t, item.Delta.Health)
	assert.True(t, item.Delta.Health.Healthy, "later write overwrites the pending field")
	assert.True(t, item.Delta.Poll)

	_, ok = o.Pop()
	assert.False(t, ok, "pop clears the delta")
}

func TestCriticalKeepsOrder(t *testing.T) {
	o := NewOutbox(nil, 4)
	o.PushCritical(critical(1))
	o.PushCritical(critical(2))

	item, ok := o.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), item.Critical.SequenceNum)

	item, ok = o.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), item.Critical.SequenceNum)
}

func TestCriticalPopLeavesDeltaPending(t *testing.T) {
	o := NewOutbox(nil, 4)
	o.Update(func(d *Delta) {
		d.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
			LastRemoteConfigHash: []byte("rev-1"),
		}
	})
	o.PushCritical(critical(1))

	item, ok := o.Pop()
	require.True(t, ok)
	require.NotNil(t, item.Critical, "the critical message goes first")
	assert.True(t, item.Delta.empty(), "a critical pop carries no delta")

	item, ok = o.Pop()
	require.True(t, ok, "the status report is still queued behind the critical")
	assert.Nil(t, item.Critical)
	require.NotNil(t, item.Delta.RemoteConfigStatus)
	assert.Equal(t, []byte("rev-1"), item.Delta.RemoteConfigStatus.GetLastRemoteConfigHash())

	_, ok = o.Pop()
	assert.False(t, ok)
}

func TestCriticalOverflowDropsOldest(t *testing.T) {
	o := NewOutbox(nil, 2)
	require.Nil(t, o.PushCritical(critical(1)))
	require.Nil(t, o.PushCritical(critical(2)))

	evicted := o.PushCritical(critical(3))
	require.NotNil(t, evicted)
	assert.Equal(t, uint64(1), evicted.SequenceNum, "the oldest message makes room")

	item, _ := o.Pop()
	assert.Equal(t, uint64(2), item.Critical.SequenceNum)
}

func TestRestoreMergesUnderNewerDelta(t *testing.T) {
	o := NewOutbox(nil, 4)
	o.Update(func(d *Delta) {
		d.Health = &protobufs.ComponentHealth{Healthy: false}
		d.RequestInstanceUid = true
	})
	item, ok := o.Pop()
	require.True(t, ok)

	// A newer health lands while the send is in flight and failing.
	o.Update(func(d *Delta) {
		d.Health = &protobufs.ComponentHealth{Healthy: true}
	})
	o.Restore(item)

	merged, ok := o.Pop()
	require.True(t, ok)
	assert.True(t, merged.Delta.Health.Healthy, "newer field survives the restore")
	assert.True(t, merged.Delta.RequestInstanceUid, "restored flag is kept")
}

func TestRestorePutsCriticalInFront(t *testing.T) {
	o := NewOutbox(nil, 4)
	o.PushCritical(critical(1))
	item, ok := o.Pop()
	require.True(t, ok)

	o.PushCritical(critical(2))
	o.Restore(item)

	next, ok := o.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), next.Critical.SequenceNum, "the failed message retries first")
}

func TestRestoreOverflowDropsRestored(t *testing.T) {
	o := NewOutbox(nil, 1)
	o.PushCritical(critical(1))
	item, ok := o.Pop()
	require.True(t, ok)

	o.PushCritical(critical(2))
	dropped := o.Restore(item)

	require.NotNil(t, dropped)
	assert.Equal(t, uint64(1), dropped.SequenceNum,
		"the restored message is the oldest and loses to fresher work")
}

func TestNotifyCarriesOneToken(t *testing.T) {
	o := NewOutbox(nil, 4)
	o.Update(func(d *Delta) { d.Poll = true })
	o.Update(func(d *Delta) { d.Poll = true })

	select {
	case <-o.Notify():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-o.Notify():
		t.Fatal("notification channel must hold at most one token")
	default:
	}
}

func TestPopReSignalsWhenCriticalRemains(t *testing.T) {
	o := NewOutbox(nil, 4)
	o.PushCritical(critical(1))
	o.PushCritical(critical(2))
	<-o.Notify()

	_, ok := o.Pop()
	require.True(t, ok)

	select {
	case <-o.Notify():
	default:
		t.Fatal("a nonempty critical queue must re-arm the notification")
	}
}
