// Package optimistic manages locally-created message records and reconciles
// them against the backend's authoritative records.
//
// A record is shown to the user the moment it is sent and converges to the
// backend's version once a confirmation arrives; optimistic content is
// cosmetic only, never authoritative.
package optimistic

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/internal/wire"
	"github.com/cortexchat/realtime/pkg/logger"
)

const (
	// defaultMaxRetries bounds manual retries per message.
	defaultMaxRetries = 3

	// defaultPendingTimeout is how long a record may stay pending before the
	// sweep fails it.
	defaultPendingTimeout = 30 * time.Second

	// confirmGrace is how long confirmed records are retained so late
	// duplicate echoes still match instead of creating new records.
	confirmGrace = 30 * time.Second
)

// maxRetriesSentinel is the exact rejection message for an exhausted retry
// budget; UI layers match on it.
const maxRetriesSentinel = "Max retries exceeded"

// Status is the lifecycle state of an optimistic message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Message is one client-authored message awaiting (or past) confirmation.
// Values handed out by the manager are copies; mutating them has no effect on
// manager state.
type Message struct {
	// LocalID is client-generated and unique for the process lifetime.
	LocalID string
	// ServerID is the backend-assigned id, adopted on confirmation.
	ServerID string
	// ThreadID scopes the message to a conversation thread.
	ThreadID string
	Content  string
	// Role is "user" or "assistant".
	Role   string
	Status Status
	// RetryCount never exceeds the configured maximum.
	RetryCount int
	// ContentHash matches backend echoes when server ids are unknown.
	ContentHash string
	// SequenceNumber is monotonic per thread; ordering and tie-breaking key.
	SequenceNumber int64
	CreatedAt      time.Time
	ConfirmedAt    time.Time
	// FailureReason explains failed/timeout states for display.
	FailureReason string
}

// Result partitions the table after reconciliation.
type Result struct {
	Confirmed []Message
	Failed    []Message
	Pending   []Message
	// Changed holds only the records this reconciliation transitioned or
	// rewrote, so observers can notify without re-announcing settled state.
	// Reconciling an unchanged snapshot yields an empty Changed.
	Changed []Message
}

// SendFunc is the original send path, re-invoked on retry.
type SendFunc func(msg Message) error

// Manager owns the optimistic message table. All access goes through its
// methods; snapshots are copy-on-read.
type Manager struct {
	mu           sync.Mutex
	messages     map[string]*Message
	threadSeq    map[string]int64
	activeThread string

	maxRetries     int
	pendingTimeout time.Duration

	reconciling bool

	send    SendFunc
	timeNow func() time.Time
}

// NewManager creates an empty manager for the given thread.
func NewManager(threadID string) *Manager {
	return &Manager{
		messages:       make(map[string]*Message),
		threadSeq:      make(map[string]int64),
		activeThread:   threadID,
		maxRetries:     defaultMaxRetries,
		pendingTimeout: defaultPendingTimeout,
		timeNow:        time.Now,
	}
}

// SetSendFunc registers the send path used by Retry.
func (m *Manager) SetSendFunc(fn SendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send = fn
}

// SetActiveThread switches the thread new messages are sequenced under.
func (m *Manager) SetActiveThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeThread = threadID
}

// SetPendingTimeout overrides how long a record may stay pending before the
// sweep fails it. Non-positive values are ignored.
func (m *Manager) SetPendingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingTimeout = d
}

// ContentHash returns the hash used to match local content against backend
// echoes.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// AddUserMessage creates and registers a pending record for user content.
// It is synchronous and never fails for valid string content.
func (m *Manager) AddUserMessage(content string) Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.threadSeq[m.activeThread]++
	msg := &Message{
		LocalID:        uuid.NewString(),
		ThreadID:       m.activeThread,
		Content:        content,
		Role:           "user",
		Status:         StatusPending,
		ContentHash:    ContentHash(content),
		SequenceNumber: m.threadSeq[m.activeThread],
		CreatedAt:      m.timeNow(),
	}
	m.messages[msg.LocalID] = msg
	return *msg
}

// Update is a partial, last-write-wins update to one record. Nil fields are
// left untouched; concurrent updates to the same field apply in call order.
type Update struct {
	Status   *Status
	ServerID *string
	Content  *string
	Reason   *string
}

// UpdateMessage applies a partial update to the record with the given localId.
func (m *Manager) UpdateMessage(localID string, up Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[localID]
	if !ok {
		return apperrors.New(apperrors.CodeMessageNotFound, "no message with localId "+localID)
	}
	if up.Status != nil {
		msg.Status = *up.Status
	}
	if up.ServerID != nil {
		msg.ServerID = *up.ServerID
	}
	if up.Content != nil {
		msg.Content = *up.Content
		msg.ContentHash = ContentHash(*up.Content)
	}
	if up.Reason != nil {
		msg.FailureReason = *up.Reason
	}
	return nil
}

// Reconcile matches local records against an authoritative backend snapshot.
//
// Matching order per record: known server id, then the echoed localId, then
// content hash within the same thread. Matched records become confirmed and
// adopt the backend id and content (the backend version wins on divergence).
// Unmatched records pending longer than the timeout threshold fail. The
// operation is idempotent: reconciling an unchanged snapshot twice yields an
// identical partition. Calls are serialized; a reentrant call observes the
// current partition without re-running.
func (m *Manager) Reconcile(serverMessages []wire.BackendMessage) Result {
	m.mu.Lock()
	if m.reconciling {
		res := m.partitionLocked()
		m.mu.Unlock()
		return res
	}
	m.reconciling = true
	defer func() {
		m.reconciling = false
		m.mu.Unlock()
	}()

	now := m.timeNow()

	changed := make(map[string]bool)
	for i := range serverMessages {
		sm := &serverMessages[i]
		if msg := m.matchLocked(sm); msg != nil {
			if m.confirmLocked(msg, sm, now) {
				changed[msg.LocalID] = true
			}
		}
	}
	for _, msg := range m.sweepLocked(now) {
		changed[msg.LocalID] = true
	}

	res := m.partitionLocked()
	for _, msg := range m.messages {
		if changed[msg.LocalID] {
			res.Changed = append(res.Changed, *msg)
		}
	}
	sortBySequence(res.Changed)
	return res
}

// matchLocked finds the local record a backend message confirms, if any.
// Caller holds the lock.
func (m *Manager) matchLocked(sm *wire.BackendMessage) *Message {
	// Server id already adopted: idempotent re-confirmation.
	if sm.ID != "" {
		for _, msg := range m.messages {
			if msg.ServerID == sm.ID {
				return msg
			}
		}
	}
	// Echoed idempotency key.
	if sm.LocalID != "" {
		if msg, ok := m.messages[sm.LocalID]; ok {
			return msg
		}
	}
	// Content hash within the same thread; oldest unconfirmed record wins the
	// tie so replays confirm in sequence order.
	hash := ContentHash(sm.Content)
	var best *Message
	for _, msg := range m.messages {
		if msg.Status == StatusConfirmed {
			continue
		}
		if msg.Role != sm.Role || msg.ContentHash != hash {
			continue
		}
		if sm.ThreadID != "" && msg.ThreadID != sm.ThreadID {
			continue
		}
		if best == nil || msg.SequenceNumber < best.SequenceNumber {
			best = msg
		}
	}
	return best
}

// confirmLocked transitions a record to confirmed and reports whether the
// record actually changed. Caller holds the lock.
func (m *Manager) confirmLocked(msg *Message, sm *wire.BackendMessage, now time.Time) bool {
	changed := false
	if msg.Status != StatusConfirmed {
		msg.ConfirmedAt = now
		msg.Status = StatusConfirmed
		msg.FailureReason = ""
		changed = true
	}
	if sm.ID != "" && msg.ServerID != sm.ID {
		msg.ServerID = sm.ID
		changed = true
	}
	// Server-side normalization wins; optimistic content is cosmetic only.
	if sm.Content != "" && sm.Content != msg.Content {
		msg.Content = sm.Content
		msg.ContentHash = ContentHash(sm.Content)
		changed = true
	}
	return changed
}

// sweepLocked fails timed-out pending records and destroys confirmed records
// past the grace period. It returns snapshots of the records it transitioned
// to timeout. Caller holds the lock.
func (m *Manager) sweepLocked(now time.Time) []Message {
	var timedOut []Message
	for id, msg := range m.messages {
		switch msg.Status {
		case StatusPending:
			if now.Sub(msg.CreatedAt) >= m.pendingTimeout {
				msg.Status = StatusTimeout
				msg.FailureReason = "no confirmation before timeout"
				logger.Warnf("optimistic: message %s timed out after %s", msg.LocalID, m.pendingTimeout)
				timedOut = append(timedOut, *msg)
			}
		case StatusConfirmed:
			if !msg.ConfirmedAt.IsZero() && now.Sub(msg.ConfirmedAt) >= confirmGrace {
				delete(m.messages, id)
			}
		}
	}
	sortBySequence(timedOut)
	return timedOut
}

// SweepTimeouts runs the timeout sweep outside reconciliation (timer-driven)
// and returns the records it transitioned, so callers can surface them.
func (m *Manager) SweepTimeouts() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.timeNow())
}

// partitionLocked snapshots the table into a Result. Caller holds the lock.
func (m *Manager) partitionLocked() Result {
	var res Result
	for _, msg := range m.messages {
		switch msg.Status {
		case StatusConfirmed:
			res.Confirmed = append(res.Confirmed, *msg)
		case StatusFailed, StatusTimeout:
			res.Failed = append(res.Failed, *msg)
		default:
			res.Pending = append(res.Pending, *msg)
		}
	}
	sortBySequence(res.Confirmed)
	sortBySequence(res.Failed)
	sortBySequence(res.Pending)
	return res
}

// Retry re-invokes the original send path for a failed message.
//
// The retry count is incremented before dispatch so a crash mid-retry cannot
// under-count attempts. Past the budget the call rejects with the
// "Max retries exceeded" sentinel and no send is issued.
func (m *Manager) Retry(localID string) (Message, error) {
	m.mu.Lock()
	msg, ok := m.messages[localID]
	if !ok {
		m.mu.Unlock()
		return Message{}, apperrors.New(apperrors.CodeMessageNotFound, "no message with localId "+localID)
	}
	if msg.RetryCount >= m.maxRetries {
		m.mu.Unlock()
		return Message{}, apperrors.New(apperrors.CodeMessageRetryExhausted, maxRetriesSentinel)
	}
	msg.RetryCount++
	msg.Status = StatusPending
	msg.FailureReason = ""
	msg.CreatedAt = m.timeNow()
	snapshot := *msg
	send := m.send
	m.mu.Unlock()

	if send == nil {
		return snapshot, nil
	}
	if err := send(snapshot); err != nil {
		failed := StatusFailed
		reason := err.Error()
		_ = m.UpdateMessage(localID, Update{Status: &failed, Reason: &reason})
		return snapshot, err
	}
	return snapshot, nil
}

// Messages returns a copy of all records ordered by sequence number.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, *msg)
	}
	sortBySequence(out)
	return out
}

// FailedMessages returns a copy of the records eligible for manual retry.
func (m *Manager) FailedMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Status == StatusFailed || msg.Status == StatusTimeout {
			out = append(out, *msg)
		}
	}
	sortBySequence(out)
	return out
}

// ClearAll drops every record. Used on thread switch and teardown; safe to
// call when nothing is pending.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make(map[string]*Message)
}

func sortBySequence(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ThreadID != msgs[j].ThreadID {
			return msgs[i].ThreadID < msgs[j].ThreadID
		}
		return msgs[i].SequenceNumber < msgs[j].SequenceNumber
	})
}
