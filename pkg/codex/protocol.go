// Package codex provides the wire types and a JSON-lines client for the
// Codex conversation engine's submission/event protocol.
//
// The client writes one Submission per line to the engine's stdin and reads
// one Event per line from its stdout. Every event carries the id of the
// submission it belongs to.
package codex

import (
	"encoding/json"
	"fmt"
)

// Submission is a single operation sent to the engine.
type Submission struct {
	ID string
	Op Op
}

// MarshalJSON writes {"id": ..., "op": {"type": ..., ...}}.
func (s Submission) MarshalJSON() ([]byte, error) {
	op, err := marshalOp(s.Op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID string          `json:"id"`
		Op json.RawMessage `json:"op"`
	}{ID: s.ID, Op: op})
}

// Op is an operation the engine accepts. The set of implementations is
// closed; OpType is the wire discriminator.
type Op interface {
	OpType() string
}

func marshalOp(op Op) (json.RawMessage, error) {
	if op == nil {
		return nil, fmt.Errorf("nil op")
	}
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s op: %w", op.OpType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s op: %w", op.OpType(), err)
	}
	typ, _ := json.Marshal(op.OpType())
	fields["type"] = typ
	return json.Marshal(fields)
}

// UserInput submits user content and starts a turn.
type UserInput struct {
	Items []InputItem `json:"items"`
}

// OverrideTurnContext updates persistent turn settings. Nil fields are left
// unchanged by the engine.
type OverrideTurnContext struct {
	Cwd            *string           `json:"cwd,omitempty"`
	ApprovalPolicy *AskForApproval   `json:"approval_policy,omitempty"`
	SandboxPolicy  *SandboxPolicy    `json:"sandbox_policy,omitempty"`
	Model          *string           `json:"model,omitempty"`
	Effort         *ReasoningEffort  `json:"effort,omitempty"`
	Summary        *ReasoningSummary `json:"summary,omitempty"`
}

// ExecApproval answers an exec_approval_request. ID is the event id.
type ExecApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// PatchApproval answers an apply_patch_approval_request. ID is the event id.
type PatchApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// Interrupt aborts the running turn.
type Interrupt struct{}

// Compact asks the engine to summarize the conversation history.
type Compact struct{}

// Review starts a code review turn.
type Review struct {
	Request ReviewRequest `json:"review_request"`
}

// ReviewRequest describes what to review.
type ReviewRequest struct {
	Prompt         string `json:"prompt"`
	UserFacingHint string `json:"user_facing_hint"`
}

// Shutdown stops the conversation; the engine answers with shutdown_complete.
type Shutdown struct{}

func (UserInput) OpType() string           { return "user_input" }
func (OverrideTurnContext) OpType() string { return "override_turn_context" }
func (ExecApproval) OpType() string        { return "exec_approval" }
func (PatchApproval) OpType() string       { return "patch_approval" }
func (Interrupt) OpType() string           { return "interrupt" }
func (Compact) OpType() string             { return "compact" }
func (Review) OpType() string              { return "review" }
func (Shutdown) OpType() string            { return "shutdown" }

// InputItem is one piece of user input.
type InputItem struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// TextInput builds a text input item.
func TextInput(text string) InputItem {
	return InputItem{Type: "text", Text: text}
}

// ImageInput builds an image input item from a URL or data URL.
func ImageInput(url string) InputItem {
	return InputItem{Type: "image", ImageURL: url}
}

// ReviewDecision is the user's answer to an approval request.
type ReviewDecision string

const (
	DecisionApproved           ReviewDecision = "approved"
	DecisionApprovedForSession ReviewDecision = "approved_for_session"
	DecisionDenied             ReviewDecision = "denied"
	DecisionAbort              ReviewDecision = "abort"
)

// AskForApproval controls when the engine asks before acting.
type AskForApproval string

const (
	ApprovalUntrusted AskForApproval = "untrusted"
	ApprovalOnFailure AskForApproval = "on-failure"
	ApprovalOnRequest AskForApproval = "on-request"
	ApprovalNever     AskForApproval = "never"
)

// SandboxMode is the sandbox policy discriminator.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// SandboxPolicy restricts what commands run by the engine may touch.
type SandboxPolicy struct {
	Mode          SandboxMode `json:"mode"`
	WritableRoots []string    `json:"writable_roots,omitempty"`
	NetworkAccess bool        `json:"network_access,omitempty"`
}

// NewSandboxPolicy returns the default policy for mode.
func NewSandboxPolicy(mode SandboxMode) SandboxPolicy {
	return SandboxPolicy{Mode: mode}
}

// ReasoningEffort is the model's reasoning effort. Empty means unset.
type ReasoningEffort string

const (
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
)

// ReasoningSummary controls reasoning summaries.
type ReasoningSummary string
