package agentrun

import (
	"fmt"
	"sync"
	"time"

	"github.com/cortexchat/realtime/internal/wire"
	"github.com/cortexchat/realtime/pkg/logger"
)

// maxRunLogs bounds the per-run log ring; older lines are dropped first.
const maxRunLogs = 200

// Status is the lifecycle state of an agent run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// terminal reports whether no further event may mutate the run status.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ToolStatus is the lifecycle state of one tool execution within a run.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
)

// ToolExecution is one tool invocation observed within a run. Entries keep
// their first-seen order.
type ToolExecution struct {
	Name       string
	Status     ToolStatus
	Input      string
	Summary    string
	DurationMs int64
}

// Metrics are the run counters frozen on completion.
type Metrics struct {
	TokensUsed      int64
	ExecutionTimeMs int64
	ToolsExecuted   int
}

// Run is a read-only snapshot of one agent run. Slices are copies; mutating a
// snapshot never affects tracker state.
type Run struct {
	RunID         string
	AgentType     string
	Status        Status
	CurrentAction string
	SubAgent      string
	Result        string
	ErrorMessage  string
	Tools         []ToolExecution
	Metrics       Metrics
	Logs          []string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// runState is the mutable tracker-owned record behind a Run snapshot.
type runState struct {
	run       Run
	toolIndex map[string]int
}

// Tracker classifies inbound channel events into per-run state machines.
//
// Runs are keyed by run id, created on agent_started and terminal on
// agent_completed or agent_error. Events arriving after a terminal state are
// logged and dropped; they never reopen the run.
type Tracker struct {
	mu        sync.Mutex
	runs      map[string]*runState
	activeRun string
	agentType string

	onUpdate       func(Run)
	onServiceError func(runID, message string)

	timeNow func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		runs:    make(map[string]*runState),
		timeNow: time.Now,
	}
}

// SetOnUpdate registers the callback invoked with a snapshot after every
// applied event.
func (t *Tracker) SetOnUpdate(fn func(Run)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// SetOnServiceError registers the callback invoked with user-facing run
// failures (agent_error events).
func (t *Tracker) SetOnServiceError(fn func(runID, message string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onServiceError = fn
}

// Dispatch parses and applies a channel envelope.
//
// Unknown event types and malformed payloads are logged and dropped without
// touching unrelated state; Dispatch never panics on bad input.
func (t *Tracker) Dispatch(env wire.Envelope) {
	ev, err := ParseEvent(env)
	if err != nil {
		logger.Warnf("agentrun: dropping event: %v", err)
		return
	}
	if u, ok := ev.(UnknownEvent); ok {
		logger.Warnf("agentrun: dropping unknown event type %q", u.Type)
		return
	}
	t.Handle(ev)
}

// Handle applies a typed event to its run.
func (t *Tracker) Handle(ev Event) {
	var (
		snapshot Run
		applied  bool
		failure  *AgentErrorEvent
	)

	t.mu.Lock()
	now := t.timeNow()

	if started, ok := ev.(AgentStartedEvent); ok {
		rs := &runState{
			run: Run{
				RunID:     started.RunID,
				AgentType: started.Agent,
				Status:    StatusRunning,
				StartedAt: now,
				UpdatedAt: now,
			},
			toolIndex: make(map[string]int),
		}
		rs.appendLog(fmt.Sprintf("run started (agent=%s)", started.Agent))
		t.runs[started.RunID] = rs
		t.activeRun = started.RunID
		if started.Agent != "" {
			t.agentType = started.Agent
		}
		snapshot, applied = rs.snapshot(), true
	} else {
		rs, ok := t.runs[ev.Run()]
		switch {
		case !ok:
			logger.Warnf("agentrun: dropping %T for unknown run %q", ev, ev.Run())
		case rs.run.Status.terminal():
			// Late events after a terminal state are observed but never applied.
			logger.Warnf("agentrun: dropping late %T for %s run %q", ev, rs.run.Status, ev.Run())
		default:
			rs.apply(ev, now)
			snapshot, applied = rs.snapshot(), true
			if errEv, isErr := ev.(AgentErrorEvent); isErr {
				failure = &errEv
			}
		}
	}

	onUpdate := t.onUpdate
	onServiceError := t.onServiceError
	t.mu.Unlock()

	if applied && onUpdate != nil {
		onUpdate(snapshot)
	}
	if failure != nil && onServiceError != nil {
		onServiceError(failure.RunID, failure.Message)
	}
}

// apply mutates a non-terminal run. Caller holds the tracker lock.
func (rs *runState) apply(ev Event, now time.Time) {
	rs.run.UpdatedAt = now

	switch e := ev.(type) {
	case AgentThinkingEvent:
		rs.run.CurrentAction = e.Thought
		rs.appendLog("thinking: " + e.Thought)

	case ToolExecutingEvent:
		idx, ok := rs.toolIndex[e.Tool]
		if !ok {
			idx = len(rs.run.Tools)
			rs.run.Tools = append(rs.run.Tools, ToolExecution{Name: e.Tool})
			rs.toolIndex[e.Tool] = idx
		}
		rs.run.Tools[idx].Status = ToolRunning
		rs.run.Tools[idx].Input = e.Input
		rs.run.CurrentAction = "running " + e.Tool
		rs.appendLog("tool executing: " + e.Tool)

	case ToolCompletedEvent:
		idx, ok := rs.toolIndex[e.Tool]
		if !ok {
			// Completion without a preceding executing event still counts.
			idx = len(rs.run.Tools)
			rs.run.Tools = append(rs.run.Tools, ToolExecution{Name: e.Tool})
			rs.toolIndex[e.Tool] = idx
		}
		rs.run.Tools[idx].Status = ToolCompleted
		rs.run.Tools[idx].DurationMs = e.DurationMs
		rs.run.Tools[idx].Summary = e.Summary
		rs.run.Metrics.ToolsExecuted++
		rs.appendLog(fmt.Sprintf("tool completed: %s (%dms)", e.Tool, e.DurationMs))

	case SubAgentUpdateEvent:
		rs.run.SubAgent = e.SubAgent
		rs.appendLog(fmt.Sprintf("sub-agent %s: %s", e.SubAgent, e.Status))

	case AgentCompletedEvent:
		rs.run.Status = StatusCompleted
		rs.run.Result = e.Message
		rs.run.CurrentAction = ""
		rs.run.Metrics.TokensUsed = e.TokensUsed
		rs.run.Metrics.ExecutionTimeMs = e.ExecutionTimeMs
		rs.appendLog("run completed")

	case AgentErrorEvent:
		rs.run.Status = StatusError
		rs.run.ErrorMessage = e.Message
		rs.run.CurrentAction = ""
		rs.appendLog("run failed: " + e.Message)
	}
}

func (rs *runState) appendLog(line string) {
	rs.run.Logs = append(rs.run.Logs, line)
	if len(rs.run.Logs) > maxRunLogs {
		rs.run.Logs = rs.run.Logs[len(rs.run.Logs)-maxRunLogs:]
	}
}

func (rs *runState) snapshot() Run {
	out := rs.run
	out.Tools = append([]ToolExecution(nil), rs.run.Tools...)
	out.Logs = append([]string(nil), rs.run.Logs...)
	return out
}

// Run returns a snapshot of the given run.
func (t *Tracker) Run(runID string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		return Run{}, false
	}
	return rs.snapshot(), true
}

// ActiveRun returns a snapshot of the most recently started run.
func (t *Tracker) ActiveRun() (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[t.activeRun]
	if !ok {
		return Run{}, false
	}
	return rs.snapshot(), true
}

// AgentType returns the agent type selected for new runs.
func (t *Tracker) AgentType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agentType
}

// SwitchAgent resets tracking for a new agent type. This is the one sanctioned
// non-monotonic transition: all run state is discarded.
func (t *Tracker) SwitchAgent(agentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = make(map[string]*runState)
	t.activeRun = ""
	t.agentType = agentType
	logger.Debugf("agentrun: switched agent to %q", agentType)
}
