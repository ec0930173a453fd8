// Package agentrun translates inbound channel payloads into per-run state
// machines observed by the client.
package agentrun

import (
	"encoding/json"

	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/internal/wire"
)

// Event is a typed inbound channel event.
//
// The set of implementations is closed over the known server event types plus
// UnknownEvent, so dispatch switches stay exhaustive.
type Event interface {
	isEvent()

	// Run returns the run id the event is keyed by; empty for unknown events.
	Run() string
}

// AgentStartedEvent creates (or resets) a run.
type AgentStartedEvent struct {
	RunID string
	Agent string
}

// AgentThinkingEvent updates the run's current action.
type AgentThinkingEvent struct {
	RunID   string
	Thought string
}

// ToolExecutingEvent upserts a running tool entry.
type ToolExecutingEvent struct {
	RunID string
	Tool  string
	Input string
}

// ToolCompletedEvent marks a tool entry completed.
type ToolCompletedEvent struct {
	RunID      string
	Tool       string
	DurationMs int64
	Summary    string
}

// SubAgentUpdateEvent updates the run's delegated sub-agent pointer.
type SubAgentUpdateEvent struct {
	RunID    string
	SubAgent string
	Status   string
}

// AgentCompletedEvent terminates a run successfully and freezes its metrics.
type AgentCompletedEvent struct {
	RunID           string
	Message         string
	TokensUsed      int64
	ExecutionTimeMs int64
}

// AgentErrorEvent terminates a run with a user-facing error.
type AgentErrorEvent struct {
	RunID   string
	Message string
	Code    string
}

// UnknownEvent is the fallback for unrecognized event types. It is logged and
// dropped by the tracker, never applied.
type UnknownEvent struct {
	Type wire.MessageType
}

func (AgentStartedEvent) isEvent()   {}
func (AgentThinkingEvent) isEvent()  {}
func (ToolExecutingEvent) isEvent()  {}
func (ToolCompletedEvent) isEvent()  {}
func (SubAgentUpdateEvent) isEvent() {}
func (AgentCompletedEvent) isEvent() {}
func (AgentErrorEvent) isEvent()     {}
func (UnknownEvent) isEvent()        {}

func (e AgentStartedEvent) Run() string   { return e.RunID }
func (e AgentThinkingEvent) Run() string  { return e.RunID }
func (e ToolExecutingEvent) Run() string  { return e.RunID }
func (e ToolCompletedEvent) Run() string  { return e.RunID }
func (e SubAgentUpdateEvent) Run() string { return e.RunID }
func (e AgentCompletedEvent) Run() string { return e.RunID }
func (e AgentErrorEvent) Run() string     { return e.RunID }
func (UnknownEvent) Run() string          { return "" }

// ParseEvent decodes a channel envelope into a typed event.
//
// Unrecognized types parse into UnknownEvent without error. Malformed or
// incomplete payloads return a protocol.* coded error; callers drop the event
// and log, they never crash.
func ParseEvent(env wire.Envelope) (Event, error) {
	decode := func(v any) error {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return apperrors.Wrap(apperrors.CodeProtocolMalformed,
				"unparsable "+string(env.Type)+" payload", err)
		}
		return nil
	}
	missing := func(field string) error {
		return apperrors.New(apperrors.CodeProtocolMissingField,
			string(env.Type)+" missing "+field)
	}

	switch env.Type {
	case wire.MessageTypeAgentStarted:
		var p wire.AgentStartedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		return AgentStartedEvent{RunID: p.RunID, Agent: p.Agent}, nil

	case wire.MessageTypeAgentThinking:
		var p wire.AgentThinkingPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		return AgentThinkingEvent{RunID: p.RunID, Thought: p.Thought}, nil

	case wire.MessageTypeToolExecuting:
		var p wire.ToolExecutingPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		if p.Tool == "" {
			return nil, missing("tool")
		}
		return ToolExecutingEvent{RunID: p.RunID, Tool: p.Tool, Input: p.Input}, nil

	case wire.MessageTypeToolCompleted:
		var p wire.ToolCompletedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		if p.Tool == "" {
			return nil, missing("tool")
		}
		return ToolCompletedEvent{RunID: p.RunID, Tool: p.Tool, DurationMs: p.DurationMs, Summary: p.Summary}, nil

	case wire.MessageTypeSubAgentUpdate:
		var p wire.SubAgentUpdatePayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		return SubAgentUpdateEvent{RunID: p.RunID, SubAgent: p.SubAgent, Status: p.Status}, nil

	case wire.MessageTypeAgentCompleted:
		var p wire.AgentCompletedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		return AgentCompletedEvent{
			RunID:           p.RunID,
			Message:         p.Message,
			TokensUsed:      p.TokensUsed,
			ExecutionTimeMs: p.ExecutionTimeMs,
		}, nil

	case wire.MessageTypeAgentError:
		var p wire.AgentErrorPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, missing("run_id")
		}
		if p.Message == "" {
			return nil, missing("message")
		}
		return AgentErrorEvent{RunID: p.RunID, Message: p.Message, Code: p.Code}, nil

	default:
		return UnknownEvent{Type: env.Type}, nil
	}
}
