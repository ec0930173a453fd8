// Package sdk is the embeddable client facade. It owns one session's
// connection, optimistic message table, agent run tracker, and token refresh
// scheduler, and surfaces their activity through a single Listener.
package sdk

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cortexchat/realtime/internal/agentrun"
	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/internal/config"
	"github.com/cortexchat/realtime/internal/connection"
	"github.com/cortexchat/realtime/internal/optimistic"
	"github.com/cortexchat/realtime/internal/token"
	"github.com/cortexchat/realtime/internal/wire"
	"github.com/cortexchat/realtime/pkg/logger"
)

// defaultThread is the conversation thread used until SwitchThread is called.
const defaultThread = "default"

// Listener receives client events. Methods must be safe to call from any
// goroutine; they are invoked in order from a dedicated callback loop.
type Listener interface {
	// OnConnectionState reports every channel state transition.
	OnConnectionState(state string, reason string)
	// OnRunUpdate reports agent run progress; the Run value is a snapshot.
	OnRunUpdate(run agentrun.Run)
	// OnMessageUpdate reports optimistic message transitions (confirmed,
	// failed, timed out).
	OnMessageUpdate(msg optimistic.Message)
	// OnSessionExpired fires when the refresh budget is exhausted and the
	// client has been forcibly logged out.
	OnSessionExpired(message string)
	// OnError reports typed errors ({domain}.{error} codes).
	OnError(code string, message string)
}

// Client ties one session's managers together.
type Client struct {
	cfg  *config.Config
	auth token.AuthService

	conn   *connection.Manager
	msgs   *optimistic.Manager
	runs   *agentrun.Tracker
	tokens *token.Scheduler

	dispatch  *dispatcher
	callbacks *dispatcher

	mu       sync.Mutex
	listener Listener
	threads  ThreadService
	cancel   context.CancelFunc
	started  bool
}

// New creates a client for the given configuration and auth collaborator.
func New(cfg *config.Config, auth token.AuthService) *Client {
	return newClient(cfg, auth, nil)
}

func newClient(cfg *config.Config, auth token.AuthService, dialer connection.Dialer) *Client {
	c := &Client{
		cfg:       cfg,
		auth:      auth,
		dispatch:  newDispatcher(256),
		callbacks: newDispatcher(256),
	}

	c.conn = connection.NewManager(connection.Config{
		URL:         channelURL(cfg.ServerURL),
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
	}, dialer)

	c.msgs = optimistic.NewManager(defaultThread)
	c.msgs.SetSendFunc(c.sendOptimistic)
	c.msgs.SetPendingTimeout(cfg.PendingTimeout)

	c.runs = agentrun.NewTracker()
	c.runs.SetOnUpdate(func(run agentrun.Run) {
		c.emit(func(l Listener) { l.OnRunUpdate(run) })
	})
	c.runs.SetOnServiceError(func(runID, message string) {
		c.emit(func(l Listener) { l.OnError(apperrors.CodeServiceAgentError, message) })
	})

	c.tokens = token.NewScheduler(auth)
	c.tokens.SetCheckInterval(cfg.RefreshCheckInterval)
	c.tokens.SetOnRotate(c.conn.UpdateToken)
	c.tokens.SetOnSessionExpired(func(err error) {
		// Forced logout must never be silent: tear the channel down and tell
		// the application loudly.
		c.conn.Disconnect()
		c.emit(func(l Listener) { l.OnSessionExpired(apperrors.GetMessage(err)) })
	})

	c.conn.SetOnStateChange(func(state connection.State, reason string) {
		c.emit(func(l Listener) { l.OnConnectionState(string(state), reason) })
	})
	c.conn.SetOnError(func(err *apperrors.CodedError) {
		c.emit(func(l Listener) { l.OnError(err.Code, err.Message) })
	})
	c.conn.SetOnAuthRejected(func() {
		// The server refused the token at the handshake or closed with an
		// auth code; force a rotation so the scheduled reconnect dials with
		// a fresh credential.
		go c.tokens.RefreshNow(context.Background())
	})
	c.conn.SetOnEvent(func(env wire.Envelope) {
		_ = c.dispatch.do(func() { c.routeEvent(env) })
	})

	return c
}

func channelURL(serverURL string) string {
	return strings.TrimSuffix(serverURL, "/") + "/v1/channel"
}

// SetListener registers the listener for client events.
func (c *Client) SetListener(listener Listener) {
	_, _ = c.dispatch.call(func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listener = listener
		return nil, nil
	})
}

// Start opens the channel and begins the token refresh and timeout sweep
// loops. It is a no-op when already started.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	tok, err := c.auth.GetToken()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAuthConfigUnavailable, "no session token", err)
	}
	c.conn.Connect(tok)
	go c.tokens.Run(ctx)
	go c.sweepLoop(ctx)
	return nil
}

// Close shuts the client down: pending reconnects are cancelled and the
// channel is closed cleanly.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.started = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.conn.Disconnect()
	c.dispatch.close()
	c.callbacks.close()
}

// sweepLoop periodically expires optimistic messages that never got
// confirmed.
func (c *Client) sweepLoop(ctx context.Context) {
	interval := c.cfg.PendingTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.dispatch.do(func() {
				for _, m := range c.msgs.SweepTimeouts() {
					msg := m
					c.emit(func(l Listener) { l.OnMessageUpdate(msg) })
				}
			})
		}
	}
}

// routeEvent runs on the dispatch loop, strictly in channel arrival order.
func (c *Client) routeEvent(env wire.Envelope) {
	switch env.Type {
	case wire.MessageTypeMessageSync:
		var payload wire.MessageSyncPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			logger.Warnf("sdk: dropping malformed message_sync: %v", err)
			c.emit(func(l Listener) {
				l.OnError(apperrors.CodeProtocolMalformed, "malformed message_sync payload")
			})
			return
		}
		res := c.msgs.Reconcile(payload.Messages)
		// Only records this snapshot actually transitioned; a replayed
		// snapshot produces no callbacks.
		for _, m := range res.Changed {
			msg := m
			c.emit(func(l Listener) { l.OnMessageUpdate(msg) })
		}
	default:
		c.runs.Dispatch(env)
	}
}

// SendMessage optimistically registers a user message and sends it. The
// returned message is pending; confirmation arrives through OnMessageUpdate.
// When the channel is down the request is queued and flushed on reconnect.
func (c *Client) SendMessage(content string) (optimistic.Message, error) {
	value, err := c.dispatch.call(func() (interface{}, error) {
		msg := c.msgs.AddUserMessage(content)
		if err := c.sendOptimistic(msg); err != nil {
			return msg, err
		}
		return msg, nil
	})
	if err != nil {
		return optimistic.Message{}, err
	}
	msg, _ := value.(optimistic.Message)
	return msg, nil
}

// sendOptimistic is the send path shared by SendMessage and Retry.
func (c *Client) sendOptimistic(msg optimistic.Message) error {
	env, err := wire.NewEnvelope(wire.MessageTypeAgentRequest, wire.AgentRequestPayload{
		Agent:   c.runs.AgentType(),
		Message: msg.Content,
		LocalID: msg.LocalID,
		Context: map[string]any{"thread_id": msg.ThreadID},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProtocolMalformed, "encode agent request", err)
	}
	c.conn.Send(env)
	return nil
}

// RetryMessage re-sends a failed message through the original send path.
// After the retry budget is spent it returns the "Max retries exceeded"
// sentinel error.
func (c *Client) RetryMessage(localID string) (optimistic.Message, error) {
	value, err := c.dispatch.call(func() (interface{}, error) {
		return c.msgs.Retry(localID)
	})
	if err != nil {
		return optimistic.Message{}, err
	}
	msg, _ := value.(optimistic.Message)
	return msg, nil
}

// Reconcile feeds an out-of-band backend snapshot (e.g. a thread history
// fetch) into optimistic reconciliation.
func (c *Client) Reconcile(serverMessages []wire.BackendMessage) optimistic.Result {
	value, _ := c.dispatch.call(func() (interface{}, error) {
		return c.msgs.Reconcile(serverMessages), nil
	})
	res, _ := value.(optimistic.Result)
	return res
}

// StopAgent asks the backend to cancel a run.
func (c *Client) StopAgent(runID, reason string) error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		env, err := wire.NewEnvelope(wire.MessageTypeStopAgent, wire.StopAgentPayload{
			RunID:  runID,
			Reason: reason,
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProtocolMalformed, "encode stop request", err)
		}
		c.conn.Send(env)
		return nil, nil
	})
	return err
}

// SwitchAgent changes the agent type and resets run tracking state.
func (c *Client) SwitchAgent(agentType string) {
	_ = c.dispatch.do(func() { c.runs.SwitchAgent(agentType) })
}

// SwitchThread changes the conversation thread new messages are sequenced
// under.
func (c *Client) SwitchThread(threadID string) {
	_ = c.dispatch.do(func() { c.msgs.SetActiveThread(threadID) })
}

// ConnectionState returns the current channel state.
func (c *Client) ConnectionState() string {
	return string(c.conn.State())
}

// Messages returns a snapshot of all optimistic messages, ordered by thread
// and sequence number.
func (c *Client) Messages() []optimistic.Message {
	return c.msgs.Messages()
}

// FailedMessages returns messages eligible for retry.
func (c *Client) FailedMessages() []optimistic.Message {
	return c.msgs.FailedMessages()
}

// ActiveRun returns the most recently started agent run, if any.
func (c *Client) ActiveRun() (agentrun.Run, bool) {
	return c.runs.ActiveRun()
}

// emit schedules a listener callback on the callback loop, preserving order.
func (c *Client) emit(fn func(l Listener)) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return
	}
	_ = c.callbacks.do(func() { fn(l) })
}
