package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event type discriminators as they appear in msg.type.
const (
	EventSessionConfigured             = "session_configured"
	EventTaskStarted                   = "task_started"
	EventTaskComplete                  = "task_complete"
	EventAgentMessage                  = "agent_message"
	EventAgentMessageDelta             = "agent_message_delta"
	EventAgentReasoning                = "agent_reasoning"
	EventAgentReasoningDelta           = "agent_reasoning_delta"
	EventAgentReasoningRawContent      = "agent_reasoning_raw_content"
	EventAgentReasoningRawContentDelta = "agent_reasoning_raw_content_delta"
	EventAgentReasoningSectionBreak    = "agent_reasoning_section_break"
	EventMcpToolCallBegin              = "mcp_tool_call_begin"
	EventMcpToolCallEnd                = "mcp_tool_call_end"
	EventWebSearchBegin                = "web_search_begin"
	EventWebSearchEnd                  = "web_search_end"
	EventExecCommandBegin              = "exec_command_begin"
	EventExecCommandOutputDelta        = "exec_command_output_delta"
	EventExecCommandEnd                = "exec_command_end"
	EventExecApprovalRequest           = "exec_approval_request"
	EventApplyPatchApprovalRequest     = "apply_patch_approval_request"
	EventPatchApplyBegin               = "patch_apply_begin"
	EventPatchApplyEnd                 = "patch_apply_end"
	EventTokenCount                    = "token_count"
	EventPlanUpdate                    = "plan_update"
	EventError                         = "error"
	EventStreamError                   = "stream_error"
	EventTurnAborted                   = "turn_aborted"
	EventShutdownComplete              = "shutdown_complete"
)

// Event is one line of engine output. ID is the id of the submission the
// event belongs to.
type Event struct {
	ID  string
	Msg EventMsg
	// Raw is the undecoded msg object.
	Raw json.RawMessage
}

// EventMsg is the closed set of engine event payloads. Types the bridge does
// not know decode to *UnknownEvent.
type EventMsg interface {
	EventType() string
}

// UnmarshalJSON decodes {"id": ..., "msg": {"type": ..., ...}}.
func (e *Event) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	msg, err := DecodeEventMsg(envelope.Msg)
	if err != nil {
		return err
	}
	e.ID = envelope.ID
	e.Msg = msg
	e.Raw = envelope.Msg
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (e Event) MarshalJSON() ([]byte, error) {
	msg := e.Raw
	if msg == nil {
		body, err := json.Marshal(e.Msg)
		if err != nil {
			return nil, err
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		typ, _ := json.Marshal(e.Msg.EventType())
		fields["type"] = typ
		if msg, err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}
	return json.Marshal(struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}{ID: e.ID, Msg: msg})
}

var eventFactories = map[string]func() EventMsg{
	EventSessionConfigured:             func() EventMsg { return &SessionConfigured{} },
	EventTaskStarted:                   func() EventMsg { return &TaskStarted{} },
	EventTaskComplete:                  func() EventMsg { return &TaskComplete{} },
	EventAgentMessage:                  func() EventMsg { return &AgentMessage{} },
	EventAgentMessageDelta:             func() EventMsg { return &AgentMessageDelta{} },
	EventAgentReasoning:                func() EventMsg { return &AgentReasoning{} },
	EventAgentReasoningDelta:           func() EventMsg { return &AgentReasoningDelta{} },
	EventAgentReasoningRawContent:      func() EventMsg { return &AgentReasoningRawContent{} },
	EventAgentReasoningRawContentDelta: func() EventMsg { return &AgentReasoningRawContentDelta{} },
	EventAgentReasoningSectionBreak:    func() EventMsg { return &AgentReasoningSectionBreak{} },
	EventMcpToolCallBegin:              func() EventMsg { return &McpToolCallBegin{} },
	EventMcpToolCallEnd:                func() EventMsg { return &McpToolCallEnd{} },
	EventWebSearchBegin:                func() EventMsg { return &WebSearchBegin{} },
	EventWebSearchEnd:                  func() EventMsg { return &WebSearchEnd{} },
	EventExecCommandBegin:              func() EventMsg { return &ExecCommandBegin{} },
	EventExecCommandOutputDelta:        func() EventMsg { return &ExecCommandOutputDelta{} },
	EventExecCommandEnd:                func() EventMsg { return &ExecCommandEnd{} },
	EventExecApprovalRequest:           func() EventMsg { return &ExecApprovalRequest{} },
	EventApplyPatchApprovalRequest:     func() EventMsg { return &ApplyPatchApprovalRequest{} },
	EventPatchApplyBegin:               func() EventMsg { return &PatchApplyBegin{} },
	EventPatchApplyEnd:                 func() EventMsg { return &PatchApplyEnd{} },
	EventTokenCount:                    func() EventMsg { return &TokenCount{} },
	EventPlanUpdate:                    func() EventMsg { return &PlanUpdate{} },
	EventError:                         func() EventMsg { return &ErrorEvent{} },
	EventStreamError:                   func() EventMsg { return &StreamError{} },
	EventTurnAborted:                   func() EventMsg { return &TurnAborted{} },
	EventShutdownComplete:              func() EventMsg { return &ShutdownComplete{} },
}

// DecodeEventMsg decodes a msg object into its concrete type.
func DecodeEventMsg(raw json.RawMessage) (EventMsg, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode event msg: %w", err)
	}
	factory, ok := eventFactories[head.Type]
	if !ok {
		return &UnknownEvent{Type: head.Type}, nil
	}
	msg := factory()
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
	}
	return msg, nil
}

// SessionConfigured is the first event of every conversation.
type SessionConfigured struct {
	SessionID       string          `json:"session_id"`
	Model           string          `json:"model"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	RolloutPath     string          `json:"rollout_path,omitempty"`
}

type TaskStarted struct {
	ModelContextWindow *int64 `json:"model_context_window,omitempty"`
}

type TaskComplete struct {
	LastAgentMessage *string `json:"last_agent_message,omitempty"`
}

type AgentMessage struct {
	Message string `json:"message"`
}

type AgentMessageDelta struct {
	Delta string `json:"delta"`
}

type AgentReasoning struct {
	Text string `json:"text"`
}

type AgentReasoningDelta struct {
	Delta string `json:"delta"`
}

type AgentReasoningRawContent struct {
	Text string `json:"text"`
}

type AgentReasoningRawContentDelta struct {
	Delta string `json:"delta"`
}

type AgentReasoningSectionBreak struct{}

// McpInvocation identifies a tool call on an MCP server.
type McpInvocation struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type McpToolCallBegin struct {
	CallID     string        `json:"call_id"`
	Invocation McpInvocation `json:"invocation"`
}

type McpToolCallEnd struct {
	CallID     string        `json:"call_id"`
	Invocation McpInvocation `json:"invocation"`
	Duration   Duration      `json:"duration"`
	Result     McpResult     `json:"result"`
}

// McpResult is the engine's Result<CallToolResult, String>, encoded as
// {"Ok": {...}} or {"Err": "..."}.
type McpResult struct {
	Ok  json.RawMessage `json:"Ok,omitempty"`
	Err *string         `json:"Err,omitempty"`
}

// Succeeded reports an Ok result whose is_error flag is not set.
func (r McpResult) Succeeded() bool {
	if r.Err != nil || r.Ok == nil {
		return false
	}
	var body struct {
		IsError *bool `json:"is_error"`
	}
	if err := json.Unmarshal(r.Ok, &body); err != nil {
		return true
	}
	return body.IsError == nil || !*body.IsError
}

// Value returns the decoded Ok payload or the Err string.
func (r McpResult) Value() any {
	if r.Err != nil {
		return *r.Err
	}
	if r.Ok == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.Ok, &v); err != nil {
		return string(r.Ok)
	}
	return v
}

type WebSearchBegin struct {
	CallID string `json:"call_id"`
}

type WebSearchEnd struct {
	CallID string `json:"call_id"`
	Query  string `json:"query"`
}

type ExecCommandBegin struct {
	CallID    string          `json:"call_id"`
	Command   []string        `json:"command"`
	Cwd       string          `json:"cwd"`
	ParsedCmd []ParsedCommand `json:"parsed_cmd,omitempty"`
}

type ExecCommandOutputDelta struct {
	CallID string          `json:"call_id"`
	Stream string          `json:"stream"`
	Chunk  json.RawMessage `json:"chunk"`
}

type ExecCommandEnd struct {
	CallID           string   `json:"call_id"`
	Stdout           string   `json:"stdout"`
	Stderr           string   `json:"stderr"`
	AggregatedOutput string   `json:"aggregated_output,omitempty"`
	ExitCode         int      `json:"exit_code"`
	Duration         Duration `json:"duration"`
	FormattedOutput  string   `json:"formatted_output,omitempty"`
}

type ExecApprovalRequest struct {
	CallID    string          `json:"call_id"`
	Command   []string        `json:"command"`
	Cwd       string          `json:"cwd"`
	Reason    *string         `json:"reason,omitempty"`
	ParsedCmd []ParsedCommand `json:"parsed_cmd,omitempty"`
}

type ApplyPatchApprovalRequest struct {
	CallID    string                `json:"call_id"`
	Changes   map[string]FileChange `json:"changes"`
	Reason    *string               `json:"reason,omitempty"`
	GrantRoot *string               `json:"grant_root,omitempty"`
}

type PatchApplyBegin struct {
	CallID       string                `json:"call_id"`
	AutoApproved bool                  `json:"auto_approved"`
	Changes      map[string]FileChange `json:"changes"`
}

type PatchApplyEnd struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

type TokenCount struct {
	Info *TokenUsageInfo `json:"info,omitempty"`
}

// TokenUsageInfo is the engine's accounting snapshot.
type TokenUsageInfo struct {
	TotalTokenUsage    TokenUsage `json:"total_token_usage"`
	LastTokenUsage     TokenUsage `json:"last_token_usage"`
	ModelContextWindow *int64     `json:"model_context_window,omitempty"`
}

type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens" yaml:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens" yaml:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens" yaml:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens" yaml:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens" yaml:"total_tokens"`
}

type PlanUpdate struct {
	Explanation *string    `json:"explanation,omitempty"`
	Plan        []PlanItem `json:"plan"`
}

// StepStatus is a plan step's progress.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

type PlanItem struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type StreamError struct {
	Message string `json:"message"`
}

type TurnAborted struct {
	Reason string `json:"reason"`
}

type ShutdownComplete struct{}

// UnknownEvent stands in for event types this package does not model.
type UnknownEvent struct {
	Type string `json:"-"`
}

func (*SessionConfigured) EventType() string             { return EventSessionConfigured }
func (*TaskStarted) EventType() string                   { return EventTaskStarted }
func (*TaskComplete) EventType() string                  { return EventTaskComplete }
func (*AgentMessage) EventType() string                  { return EventAgentMessage }
func (*AgentMessageDelta) EventType() string             { return EventAgentMessageDelta }
func (*AgentReasoning) EventType() string                { return EventAgentReasoning }
func (*AgentReasoningDelta) EventType() string           { return EventAgentReasoningDelta }
func (*AgentReasoningRawContent) EventType() string      { return EventAgentReasoningRawContent }
func (*AgentReasoningRawContentDelta) EventType() string { return EventAgentReasoningRawContentDelta }
func (*AgentReasoningSectionBreak) EventType() string    { return EventAgentReasoningSectionBreak }
func (*McpToolCallBegin) EventType() string              { return EventMcpToolCallBegin }
func (*McpToolCallEnd) EventType() string                { return EventMcpToolCallEnd }
func (*WebSearchBegin) EventType() string                { return EventWebSearchBegin }
func (*WebSearchEnd) EventType() string                  { return EventWebSearchEnd }
func (*ExecCommandBegin) EventType() string              { return EventExecCommandBegin }
func (*ExecCommandOutputDelta) EventType() string        { return EventExecCommandOutputDelta }
func (*ExecCommandEnd) EventType() string                { return EventExecCommandEnd }
func (*ExecApprovalRequest) EventType() string           { return EventExecApprovalRequest }
func (*ApplyPatchApprovalRequest) EventType() string     { return EventApplyPatchApprovalRequest }
func (*PatchApplyBegin) EventType() string               { return EventPatchApplyBegin }
func (*PatchApplyEnd) EventType() string                 { return EventPatchApplyEnd }
func (*TokenCount) EventType() string                    { return EventTokenCount }
func (*PlanUpdate) EventType() string                    { return EventPlanUpdate }
func (*ErrorEvent) EventType() string                    { return EventError }
func (*StreamError) EventType() string                   { return EventStreamError }
func (*TurnAborted) EventType() string                   { return EventTurnAborted }
func (*ShutdownComplete) EventType() string              { return EventShutdownComplete }
func (u *UnknownEvent) EventType() string                { return u.Type }

// ParsedCommandType classifies a parsed shell command.
type ParsedCommandType string

const (
	ParsedRead      ParsedCommandType = "read"
	ParsedListFiles ParsedCommandType = "list_files"
	ParsedSearch    ParsedCommandType = "search"
	ParsedUnknown   ParsedCommandType = "unknown"
)

// ParsedCommand is the engine's structured reading of one shell command.
type ParsedCommand struct {
	Type  ParsedCommandType `json:"type"`
	Cmd   string            `json:"cmd"`
	Name  string            `json:"name,omitempty"`
	Path  *string           `json:"path,omitempty"`
	Query *string           `json:"query,omitempty"`
}

// FileChangeKind discriminates FileChange.
type FileChangeKind string

const (
	FileAdd    FileChangeKind = "add"
	FileDelete FileChangeKind = "delete"
	FileUpdate FileChangeKind = "update"
)

// FileChange is one entry of a patch. Content is set for add and delete,
// UnifiedDiff for update.
type FileChange struct {
	Kind        FileChangeKind
	Content     string
	UnifiedDiff string
	MovePath    *string
}

type fileChangeBody struct {
	Type        string  `json:"type,omitempty"`
	Content     string  `json:"content,omitempty"`
	UnifiedDiff string  `json:"unified_diff,omitempty"`
	MovePath    *string `json:"move_path,omitempty"`
}

// UnmarshalJSON accepts both {"type": "add", ...} and {"add": {...}}.
func (f *FileChange) UnmarshalJSON(data []byte) error {
	var tagged fileChangeBody
	if err := json.Unmarshal(data, &tagged); err == nil && tagged.Type != "" {
		f.set(FileChangeKind(tagged.Type), tagged)
		return nil
	}
	var external map[string]fileChangeBody
	if err := json.Unmarshal(data, &external); err != nil {
		return fmt.Errorf("decode file change: %w", err)
	}
	for kind, body := range external {
		f.set(FileChangeKind(kind), body)
		return nil
	}
	return fmt.Errorf("decode file change: empty object")
}

func (f *FileChange) set(kind FileChangeKind, body fileChangeBody) {
	f.Kind = kind
	f.Content = body.Content
	f.UnifiedDiff = body.UnifiedDiff
	f.MovePath = body.MovePath
}

// MarshalJSON writes the internally tagged form.
func (f FileChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(fileChangeBody{
		Type:        string(f.Kind),
		Content:     f.Content,
		UnifiedDiff: f.UnifiedDiff,
		MovePath:    f.MovePath,
	})
}

// Duration decodes the engine's durations: {"secs": s, "nanos": n},
// a number of milliseconds, or a Go duration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		d.Duration = 0
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var parts struct {
			Secs  int64 `json:"secs"`
			Nanos int64 `json:"nanos"`
		}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		d.Duration = time.Duration(parts.Secs)*time.Second + time.Duration(parts.Nanos)
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		var ms float64
		if err := json.Unmarshal(data, &ms); err != nil {
			return err
		}
		d.Duration = time.Duration(ms * float64(time.Millisecond))
		return nil
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	secs := int64(d.Duration / time.Second)
	nanos := int64(d.Duration % time.Second)
	return json.Marshal(struct {
		Secs  int64 `json:"secs"`
		Nanos int64 `json:"nanos"`
	}{secs, nanos})
}
