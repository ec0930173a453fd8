package sdk

import (
	"context"

	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/internal/optimistic"
	"github.com/cortexchat/realtime/internal/wire"
)

// ThreadInfo describes one persisted conversation thread.
type ThreadInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updated_at"`
}

// ThreadService is the host application's thread persistence collaborator.
// The client never talks to a thread store directly; history fetched through
// this interface is fed into optimistic reconciliation.
type ThreadService interface {
	// CreateThread persists a new thread and returns its info.
	CreateThread(ctx context.Context, title string) (ThreadInfo, error)
	// GetThreads lists the caller's threads.
	GetThreads(ctx context.Context) ([]ThreadInfo, error)
	// GetThread returns the persisted messages of one thread.
	GetThread(ctx context.Context, threadID string) ([]wire.BackendMessage, error)
}

// SetThreadService registers the thread persistence collaborator. Optional;
// without it SyncThread fails with a service.unavailable coded error.
func (c *Client) SetThreadService(ts ThreadService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = ts
}

// SyncThread fetches a thread's persisted history and reconciles it against
// the optimistic table, emitting OnMessageUpdate for records that transition.
func (c *Client) SyncThread(ctx context.Context, threadID string) (optimistic.Result, error) {
	c.mu.Lock()
	ts := c.threads
	c.mu.Unlock()
	if ts == nil {
		return optimistic.Result{}, apperrors.New(apperrors.CodeServiceUnavailable, "no thread service configured")
	}

	history, err := ts.GetThread(ctx, threadID)
	if err != nil {
		return optimistic.Result{}, apperrors.Wrap(apperrors.CodeServiceUnavailable, "fetch thread history", err)
	}

	value, err := c.dispatch.call(func() (interface{}, error) {
		res := c.msgs.Reconcile(history)
		for _, m := range res.Changed {
			msg := m
			c.emit(func(l Listener) { l.OnMessageUpdate(msg) })
		}
		return res, nil
	})
	if err != nil {
		return optimistic.Result{}, err
	}
	res, _ := value.(optimistic.Result)
	return res, nil
}
