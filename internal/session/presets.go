package session

import "github.com/cola-io/codex-acp/pkg/codex"

// Preset is a named (approval policy, sandbox policy) pair exposed to
// clients as a session mode.
type Preset struct {
	ID          string
	Label       string
	Description string
	Approval    codex.AskForApproval
	Sandbox     codex.SandboxPolicy
}

// Mode ids.
const (
	ModeReadOnly   = "read-only"
	ModeAuto       = "auto"
	ModeFullAccess = "full-access"
)

var presets = []Preset{
	{
		ID:          ModeReadOnly,
		Label:       "Read Only",
		Description: "Codex can read files and answer questions. Codex requires approval to make edits, run commands, or access network",
		Approval:    codex.ApprovalOnRequest,
		Sandbox:     codex.NewSandboxPolicy(codex.SandboxReadOnly),
	},
	{
		ID:          ModeAuto,
		Label:       "Auto",
		Description: "Codex can read files, make edits, and run commands in the workspace. Codex requires approval to work outside the workspace or access network",
		Approval:    codex.ApprovalOnRequest,
		Sandbox:     codex.NewSandboxPolicy(codex.SandboxWorkspaceWrite),
	},
	{
		ID:          ModeFullAccess,
		Label:       "Full Access",
		Description: "Codex can read files, make edits, and run commands with network access, without approval. Exercise caution",
		Approval:    codex.ApprovalNever,
		Sandbox:     codex.NewSandboxPolicy(codex.SandboxDangerFullAccess),
	},
}

// Presets returns the preset table in display order.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// FindPreset looks up a preset by mode id.
func FindPreset(id string) (Preset, bool) {
	for _, p := range presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// MatchPreset returns the preset whose approval policy and sandbox mode
// equal the given pair.
func MatchPreset(approval codex.AskForApproval, sandbox codex.SandboxMode) (Preset, bool) {
	for _, p := range presets {
		if p.Approval == approval && p.Sandbox.Mode == sandbox {
			return p, true
		}
	}
	return Preset{}, false
}

// DefaultPreset is applied when configured policies match no preset.
func DefaultPreset() Preset {
	p, _ := FindPreset(ModeAuto)
	return p
}
