package optimistic

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/internal/wire"
)

func newTestManager() (*Manager, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	m := NewManager("thread-1")
	m.timeNow = func() time.Time { return now }
	return m, &now
}

func TestAddUserMessage(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()

	first := m.AddUserMessage("Hello")
	second := m.AddUserMessage("World")

	require.NotEmpty(t, first.LocalID)
	require.NotEqual(t, first.LocalID, second.LocalID)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, "user", first.Role)
	require.Equal(t, "thread-1", first.ThreadID)
	require.Equal(t, int64(1), first.SequenceNumber)
	require.Equal(t, int64(2), second.SequenceNumber)
	require.Equal(t, ContentHash("Hello"), first.ContentHash)
}

func TestSequenceNumbersPerThread(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	m.AddUserMessage("a")
	m.SetActiveThread("thread-2")
	other := m.AddUserMessage("b")
	require.Equal(t, int64(1), other.SequenceNumber)

	m.SetActiveThread("thread-1")
	back := m.AddUserMessage("c")
	require.Equal(t, int64(2), back.SequenceNumber)
}

func TestReconcile_ConfirmsByContentHash(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	msg := m.AddUserMessage("Hello")

	res := m.Reconcile([]wire.BackendMessage{
		{ID: "srv-1", ThreadID: "thread-1", Role: "user", Content: "Hello"},
	})

	require.Len(t, res.Confirmed, 1)
	require.Empty(t, res.Failed)
	require.Empty(t, res.Pending)
	require.Equal(t, msg.LocalID, res.Confirmed[0].LocalID)
	require.Equal(t, "srv-1", res.Confirmed[0].ServerID)
}

func TestReconcile_ConfirmsByLocalIDEcho(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	msg := m.AddUserMessage("Hello")

	// Backend normalized the content, so the hash no longer matches; the
	// echoed localId still reconciles and the backend version wins.
	res := m.Reconcile([]wire.BackendMessage{
		{ID: "srv-9", LocalID: msg.LocalID, Role: "user", Content: "hello"},
	})

	require.Len(t, res.Confirmed, 1)
	require.Equal(t, "hello", res.Confirmed[0].Content)
	require.Equal(t, ContentHash("hello"), res.Confirmed[0].ContentHash)
}

func TestReconcile_Idempotent(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	m.AddUserMessage("confirmed one")
	stale := m.AddUserMessage("never confirmed")
	_ = stale

	// Age the records past the pending timeout so the sweep fires.
	*nowp = nowp.Add(defaultPendingTimeout + time.Second)

	snapshot := []wire.BackendMessage{
		{ID: "srv-1", ThreadID: "thread-1", Role: "user", Content: "confirmed one"},
	}

	first := m.Reconcile(snapshot)
	second := m.Reconcile(snapshot)

	require.Equal(t, first.Confirmed, second.Confirmed)
	require.Equal(t, first.Failed, second.Failed)
	require.Equal(t, first.Pending, second.Pending)
	require.Len(t, second.Confirmed, 1)
	require.Len(t, second.Failed, 1)
	require.Equal(t, StatusTimeout, second.Failed[0].Status)
}

func TestReconcile_TimeoutRequiresThreshold(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	m.AddUserMessage("just sent")

	*nowp = nowp.Add(defaultPendingTimeout / 2)
	res := m.Reconcile(nil)
	require.Len(t, res.Pending, 1, "message younger than the threshold stays pending")

	*nowp = nowp.Add(defaultPendingTimeout)
	res = m.Reconcile(nil)
	require.Empty(t, res.Pending)
	require.Len(t, res.Failed, 1)
}

func TestReconcile_ChangedHoldsOnlyDelta(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	confirmed := m.AddUserMessage("confirmed one")
	m.AddUserMessage("never confirmed")

	*nowp = nowp.Add(defaultPendingTimeout + time.Second)

	snapshot := []wire.BackendMessage{
		{ID: "srv-1", ThreadID: "thread-1", Role: "user", Content: "confirmed one"},
	}

	first := m.Reconcile(snapshot)
	require.Len(t, first.Changed, 2, "one confirmation plus one timeout")
	require.Equal(t, confirmed.LocalID, first.Changed[0].LocalID)
	require.Equal(t, StatusConfirmed, first.Changed[0].Status)
	require.Equal(t, StatusTimeout, first.Changed[1].Status)

	// Same snapshot again: the partition is identical and nothing changed.
	second := m.Reconcile(snapshot)
	require.Empty(t, second.Changed)
	require.Equal(t, first.Confirmed, second.Confirmed)
	require.Equal(t, first.Failed, second.Failed)
}

func TestSetPendingTimeout(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	m.SetPendingTimeout(2 * time.Second)
	m.AddUserMessage("short fuse")

	*nowp = nowp.Add(3 * time.Second)
	timedOut := m.SweepTimeouts()
	require.Len(t, timedOut, 1, "sweep honors the configured timeout, not the default")
	require.Equal(t, StatusTimeout, timedOut[0].Status)
}

func TestSweepTimeouts_ReturnsTransitionedOnce(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	msg := m.AddUserMessage("Hello")

	*nowp = nowp.Add(defaultPendingTimeout + time.Second)
	timedOut := m.SweepTimeouts()
	require.Len(t, timedOut, 1)
	require.Equal(t, msg.LocalID, timedOut[0].LocalID)
	require.Equal(t, "no confirmation before timeout", timedOut[0].FailureReason)

	// The record already transitioned; a second sweep reports nothing new.
	require.Empty(t, m.SweepTimeouts())
}

func TestReconcile_ConfirmedDestroyedAfterGrace(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	m.AddUserMessage("Hello")

	m.Reconcile([]wire.BackendMessage{{ID: "srv-1", Role: "user", Content: "Hello"}})
	require.Len(t, m.Messages(), 1)

	*nowp = nowp.Add(confirmGrace + time.Second)
	m.SweepTimeouts()
	require.Empty(t, m.Messages())
}

func TestReconcile_ThreadScoping(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	m.AddUserMessage("Hello")

	res := m.Reconcile([]wire.BackendMessage{
		{ID: "srv-1", ThreadID: "other-thread", Role: "user", Content: "Hello"},
	})
	require.Empty(t, res.Confirmed, "echo from another thread must not match")
	require.Len(t, res.Pending, 1)
}

func TestRetry_IncrementsBeforeDispatchAndBounds(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	var sends []int
	m.SetSendFunc(func(msg Message) error {
		sends = append(sends, msg.RetryCount)
		return errors.New("transport down")
	})

	msg := m.AddUserMessage("Hello")

	for want := 1; want <= defaultMaxRetries; want++ {
		got, err := m.Retry(msg.LocalID)
		require.Error(t, err, "send path fails")
		require.Equal(t, want, got.RetryCount, "count incremented before dispatch")
	}
	require.Equal(t, []int{1, 2, 3}, sends)

	// Fourth attempt: rejected with the sentinel, no send issued.
	_, err := m.Retry(msg.LocalID)
	require.Error(t, err)
	require.Equal(t, "Max retries exceeded", apperrors.GetMessage(err))
	require.Equal(t, apperrors.CodeMessageRetryExhausted, apperrors.GetCode(err))
	require.Len(t, sends, defaultMaxRetries)
}

func TestRetry_UnknownLocalID(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	_, err := m.Retry("ghost")
	require.Equal(t, apperrors.CodeMessageNotFound, apperrors.GetCode(err))
}

func TestUpdateMessage_LastWriteWins(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	msg := m.AddUserMessage("Hello")

	failed := StatusFailed
	require.NoError(t, m.UpdateMessage(msg.LocalID, Update{Status: &failed}))
	pending := StatusPending
	require.NoError(t, m.UpdateMessage(msg.LocalID, Update{Status: &pending}))

	all := m.Messages()
	require.Len(t, all, 1)
	require.Equal(t, StatusPending, all[0].Status)

	require.Error(t, m.UpdateMessage("ghost", Update{Status: &failed}))
}

func TestSnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	m.AddUserMessage("Hello")

	snap := m.Messages()
	snap[0].Content = "mutated"
	snap[0].Status = StatusFailed

	again := m.Messages()
	require.Equal(t, "Hello", again[0].Content)
	require.Equal(t, StatusPending, again[0].Status)
}

func TestFailedMessagesOrdering(t *testing.T) {
	t.Parallel()

	m, nowp := newTestManager()
	m.AddUserMessage("first")
	m.AddUserMessage("second")

	*nowp = nowp.Add(defaultPendingTimeout + time.Second)
	m.SweepTimeouts()

	failed := m.FailedMessages()
	require.Len(t, failed, 2)
	require.Equal(t, int64(1), failed[0].SequenceNumber)
	require.Equal(t, int64(2), failed[1].SequenceNumber)
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	m.ClearAll() // nothing pending: must not panic

	m.AddUserMessage("Hello")
	m.ClearAll()
	require.Empty(t, m.Messages())
}
