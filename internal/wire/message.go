// Package wire defines the JSON messages exchanged over the realtime channel.
// Every frame is an envelope of the form {"type": ..., "payload": ...}; the
// payload shape is determined by the type.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of message being sent over the channel.
// Each type has a specific payload structure defined below.
type MessageType string

// Client -> server control messages.
const (
	// MessageTypeAgentRequest asks the backend to start an agent run.
	// Payload: AgentRequestPayload
	MessageTypeAgentRequest MessageType = "agent_request"

	// MessageTypeStopAgent asks the backend to stop a running agent.
	// Payload: StopAgentPayload
	MessageTypeStopAgent MessageType = "stop_agent"

	// MessageTypeAuth pushes a rotated credential to the server without
	// tearing down the socket.
	// Payload: AuthPayload
	MessageTypeAuth MessageType = "auth"
)

// Server -> client events.
const (
	// MessageTypeAgentStarted signals a new agent run.
	// Payload: AgentStartedPayload
	MessageTypeAgentStarted MessageType = "agent_started"

	// MessageTypeAgentThinking carries incremental reasoning status.
	// Payload: AgentThinkingPayload
	MessageTypeAgentThinking MessageType = "agent_thinking"

	// MessageTypeToolExecuting signals a tool invocation has begun.
	// Payload: ToolExecutingPayload
	MessageTypeToolExecuting MessageType = "tool_executing"

	// MessageTypeToolCompleted signals a tool invocation has finished.
	// Payload: ToolCompletedPayload
	MessageTypeToolCompleted MessageType = "tool_completed"

	// MessageTypeSubAgentUpdate carries progress from a delegated sub-agent.
	// Payload: SubAgentUpdatePayload
	MessageTypeSubAgentUpdate MessageType = "sub_agent_update"

	// MessageTypeAgentCompleted signals a run finished successfully.
	// Payload: AgentCompletedPayload
	MessageTypeAgentCompleted MessageType = "agent_completed"

	// MessageTypeAgentError signals a run failed server-side.
	// Payload: AgentErrorPayload
	MessageTypeAgentError MessageType = "agent_error"

	// MessageTypeMessageSync delivers the backend's authoritative message
	// records so the client can reconcile optimistic state against them.
	// Payload: MessageSyncPayload
	MessageTypeMessageSync MessageType = "message_sync"
)

// Envelope is the wire format for all channel messages.
type Envelope struct {
	// Type identifies the payload shape.
	Type MessageType `json:"type"`
	// Payload is the typed body; it is decoded lazily by consumers.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope around a typed payload.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Encode serializes an envelope to its wire bytes.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes an inbound frame into an envelope.
//
// It is permissive about payload contents; only the outer shape is checked
// here. A frame without a type is rejected so the dispatcher never routes on
// an empty string.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// AgentRequestPayload is the client request that starts an agent run.
type AgentRequestPayload struct {
	// Agent selects the agent type to run.
	Agent string `json:"agent"`
	// Message is the user-authored prompt text.
	Message string `json:"message"`
	// Context carries opaque thread context for the backend.
	Context map[string]any `json:"context,omitempty"`
	// LocalID is the client-generated idempotency key used for optimistic
	// reconciliation when the backend echoes the message.
	LocalID string `json:"localId,omitempty"`
}

// StopAgentPayload asks the backend to cancel a run.
type StopAgentPayload struct {
	// RunID identifies the run to stop.
	RunID string `json:"run_id"`
	// Reason is a human-readable cancellation reason.
	Reason string `json:"reason,omitempty"`
}

// AuthPayload re-authenticates an open socket after token rotation.
type AuthPayload struct {
	// Token is the rotated bearer credential.
	Token string `json:"token"`
}

// AgentStartedPayload announces a new run.
type AgentStartedPayload struct {
	// RunID identifies the run; all subsequent events are keyed by it.
	RunID string `json:"run_id"`
	// Agent is the agent type executing the run.
	Agent string `json:"agent"`
}

// AgentThinkingPayload carries incremental reasoning status for a run.
type AgentThinkingPayload struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// Thought is a short status line describing the current action.
	Thought string `json:"thought"`
}

// ToolExecutingPayload signals a tool invocation has begun.
type ToolExecutingPayload struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// Tool is the tool name; one entry per name is tracked per run.
	Tool string `json:"tool"`
	// Input is an optional summary of the tool input.
	Input string `json:"input,omitempty"`
}

// ToolCompletedPayload signals a tool invocation has finished.
type ToolCompletedPayload struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// Tool is the tool name.
	Tool string `json:"tool"`
	// DurationMs is the tool execution time in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`
	// Summary is an optional result summary.
	Summary string `json:"summary,omitempty"`
}

// SubAgentUpdatePayload carries progress from a delegated sub-agent.
type SubAgentUpdatePayload struct {
	// RunID identifies the parent run.
	RunID string `json:"run_id"`
	// SubAgent names the delegated agent.
	SubAgent string `json:"sub_agent"`
	// Status is a free-form progress line.
	Status string `json:"status,omitempty"`
}

// AgentCompletedPayload announces a successful run and its final output.
type AgentCompletedPayload struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// Message is the assistant's final response text.
	Message string `json:"message,omitempty"`
	// TokensUsed is the total token count for the run.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// ExecutionTimeMs is the run duration in milliseconds.
	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`
}

// AgentErrorPayload announces a failed run.
type AgentErrorPayload struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// Message is a human-readable error for display alongside the run.
	Message string `json:"message"`
	// Code is an optional stable backend error code.
	Code string `json:"code,omitempty"`
}

// MessageSyncPayload is a snapshot of backend message records, pushed after
// the backend persists client messages or when the client reconnects.
type MessageSyncPayload struct {
	// ThreadID scopes the snapshot when the backend sends per-thread syncs.
	ThreadID string `json:"thread_id,omitempty"`
	// Messages are the authoritative records.
	Messages []BackendMessage `json:"messages"`
}

// BackendMessage is the authoritative message record as the backend reports
// it, used by optimistic reconciliation. The shape is permissive: different
// backend paths report ids and timestamps inconsistently.
type BackendMessage struct {
	// ID is the server-assigned message id.
	ID string `json:"id"`
	// ThreadID scopes the message to a conversation thread.
	ThreadID string `json:"thread_id,omitempty"`
	// LocalID echoes the client idempotency key when the backend preserved it.
	LocalID string `json:"localId,omitempty"`
	// Role identifies the sender ("user", "assistant").
	Role string `json:"role"`
	// Content is the authoritative message body.
	Content string `json:"content"`
	// Seq is the backend ordering sequence, when provided.
	Seq int64 `json:"seq,omitempty"`
}
