package bridge

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/cola-io/codex-acp/pkg/codex"
)

// Filesystem bridge MCP server and the tools whose arguments carry a path.
const (
	FSServerName     = "acp_fs"
	FSToolReadFile   = "read_text_file"
	FSToolWriteFile  = "write_text_file"
	FSToolEditFile   = "edit_text_file"
	permissionAlways = "approved-for-session"
	permissionOnce   = "approved"
	permissionReject = "abort"
)

// Translator maps engine events onto ACP updates. It performs no I/O.
type Translator struct {
	cwd            string
	clientTerminal bool
}

// NewTranslator creates a translator for a session rooted at cwd.
// clientTerminal reports whether the client can render terminal content.
func NewTranslator(cwd string, clientTerminal bool) *Translator {
	return &Translator{cwd: cwd, clientTerminal: clientTerminal}
}

// PermissionOptions is the fixed option set offered for every approval.
func PermissionOptions() []acp.PermissionOption {
	return []acp.PermissionOption{
		{OptionId: permissionAlways, Name: "Approved Always", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: permissionOnce, Name: "Approved", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: permissionReject, Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
	}
}

// McpToolCallBegin starts a tool call for an MCP invocation.
func (t *Translator) McpToolCallBegin(ev *codex.McpToolCallBegin) acp.SessionUpdate {
	title, locations := describeMcpTool(ev.Invocation, t.cwd)
	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(acp.ToolKindFetch),
		acp.WithStartStatus(acp.ToolCallStatusInProgress),
	}
	if len(locations) > 0 {
		opts = append(opts, acp.WithStartLocations(locations))
	}
	if args := rawValue(ev.Invocation.Arguments); args != nil {
		opts = append(opts, acp.WithStartRawInput(args))
	}
	return acp.StartToolCall(acp.ToolCallId(ev.CallID), title, opts...)
}

// McpToolCallEnd completes the tool call started by McpToolCallBegin.
func (t *Translator) McpToolCallEnd(ev *codex.McpToolCallEnd) acp.SessionUpdate {
	status := acp.ToolCallStatusCompleted
	if !ev.Result.Succeeded() {
		status = acp.ToolCallStatusFailed
	}
	title, locations := describeMcpTool(ev.Invocation, t.cwd)
	opts := []acp.ToolCallUpdateOpt{
		acp.WithUpdateStatus(status),
		acp.WithUpdateTitle(title),
		acp.WithUpdateRawOutput(ev.Result.Value()),
	}
	if len(locations) > 0 {
		opts = append(opts, acp.WithUpdateLocations(locations))
	}
	return acp.UpdateToolCall(acp.ToolCallId(ev.CallID), opts...)
}

// ExecCommandBegin starts a tool call for a shell command. Unclassified
// commands get a terminal reference when the client can show one.
func (t *Translator) ExecCommandBegin(ev *codex.ExecCommandBegin) acp.SessionUpdate {
	parsed := ev.ParsedCmd
	if len(parsed) == 0 {
		parsed = ClassifyCommand(ev.Command)
	}
	call := formatCommandCall(ev.Cwd, parsed)

	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(call.Kind),
		acp.WithStartStatus(acp.ToolCallStatusInProgress),
		acp.WithStartRawInput(map[string]any{
			"command":        ev.Command,
			"command_string": strings.Join(ev.Command, " "),
			"cwd":            ev.Cwd,
		}),
	}
	if len(call.Locations) > 0 {
		opts = append(opts, acp.WithStartLocations(call.Locations))
	}
	if t.clientTerminal && call.TerminalOutput {
		opts = append(opts,
			acp.WithStartContent([]acp.ToolCallContent{{
				Terminal: &acp.ToolCallContentTerminal{TerminalId: ev.CallID, Type: "terminal"},
			}}),
			func(tc *acp.SessionUpdateToolCall) {
				tc.Meta = map[string]any{
					"terminal_info": map[string]any{
						"terminal_id": ev.CallID,
						"cwd":         ev.Cwd,
					},
				}
			},
		)
	}
	return acp.StartToolCall(acp.ToolCallId(ev.CallID), call.Title, opts...)
}

// ExecCommandEnd completes a shell command tool call. Exit code zero is
// success. Aggregated output wins over stdout and stderr.
func (t *Translator) ExecCommandEnd(ev *codex.ExecCommandEnd) acp.SessionUpdate {
	status := acp.ToolCallStatusCompleted
	if ev.ExitCode != 0 {
		status = acp.ToolCallStatusFailed
	}

	output := ev.AggregatedOutput
	if output == "" {
		output = ev.Stdout
		if ev.Stderr != "" {
			output = ev.Stdout + "\n" + ev.Stderr
		}
	}

	opts := []acp.ToolCallUpdateOpt{
		acp.WithUpdateStatus(status),
		acp.WithUpdateRawOutput(map[string]any{
			"exit_code":        ev.ExitCode,
			"duration_ms":      ev.Duration.Milliseconds(),
			"formatted_output": ev.FormattedOutput,
		}),
	}
	if output != "" {
		opts = append(opts, acp.WithUpdateContent([]acp.ToolCallContent{textContent(output)}))
	}
	return acp.UpdateToolCall(acp.ToolCallId(ev.CallID), opts...)
}

// ExecApprovalRequest builds the permission request for a command.
func (t *Translator) ExecApprovalRequest(sessionID string, ev *codex.ExecApprovalRequest) acp.RequestPermissionRequest {
	parsed := ev.ParsedCmd
	if len(parsed) == 0 {
		parsed = ClassifyCommand(ev.Command)
	}
	call := formatCommandCall(ev.Cwd, parsed)

	rawInput := map[string]any{
		"command": ev.Command,
		"cwd":     ev.Cwd,
	}
	if ev.Reason != nil {
		rawInput["reason"] = *ev.Reason
	}

	status := acp.ToolCallStatusPending
	return acp.RequestPermissionRequest{
		SessionId: acp.SessionId(sessionID),
		ToolCall: acp.RequestPermissionToolCall{
			ToolCallId: acp.ToolCallId(ev.CallID),
			Title:      &call.Title,
			Kind:       &call.Kind,
			Status:     &status,
			Locations:  call.Locations,
			RawInput:   rawInput,
		},
		Options: PermissionOptions(),
	}
}

// PatchApprovalRequest builds the permission request for a patch, one diff
// per changed path.
func (t *Translator) PatchApprovalRequest(sessionID string, ev *codex.ApplyPatchApprovalRequest) acp.RequestPermissionRequest {
	title := patchTitle(len(ev.Changes))
	kind := acp.ToolKindEdit
	status := acp.ToolCallStatusPending

	var rawInput map[string]any
	if ev.Reason != nil || ev.GrantRoot != nil {
		rawInput = map[string]any{}
		if ev.Reason != nil {
			rawInput["reason"] = *ev.Reason
		}
		if ev.GrantRoot != nil {
			rawInput["grant_root"] = *ev.GrantRoot
		}
	}

	req := acp.RequestPermissionRequest{
		SessionId: acp.SessionId(sessionID),
		ToolCall: acp.RequestPermissionToolCall{
			ToolCallId: acp.ToolCallId(ev.CallID),
			Title:      &title,
			Kind:       &kind,
			Status:     &status,
			Content:    diffContents(ev.Changes),
		},
		Options: PermissionOptions(),
	}
	if rawInput != nil {
		req.ToolCall.RawInput = rawInput
	}
	return req
}

// PatchApplyBegin starts the edit tool call for a patch being applied.
func (t *Translator) PatchApplyBegin(ev *codex.PatchApplyBegin) acp.SessionUpdate {
	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(acp.ToolKindEdit),
		acp.WithStartStatus(acp.ToolCallStatusInProgress),
	}
	if contents := diffContents(ev.Changes); len(contents) > 0 {
		opts = append(opts, acp.WithStartContent(contents))
	}
	if locations := changeLocations(ev.Changes); len(locations) > 0 {
		opts = append(opts, acp.WithStartLocations(locations))
	}
	return acp.StartToolCall(acp.ToolCallId(ev.CallID), patchTitle(len(ev.Changes)), opts...)
}

// PatchApplyEnd completes a patch tool call. raw is passed through verbatim
// as the tool output.
func (t *Translator) PatchApplyEnd(ev *codex.PatchApplyEnd, raw json.RawMessage) acp.SessionUpdate {
	status := acp.ToolCallStatusCompleted
	if !ev.Success {
		status = acp.ToolCallStatusFailed
	}
	opts := []acp.ToolCallUpdateOpt{acp.WithUpdateStatus(status)}
	if out := rawValue(raw); out != nil {
		opts = append(opts, acp.WithUpdateRawOutput(out))
	}
	return acp.UpdateToolCall(acp.ToolCallId(ev.CallID), opts...)
}

// Plan maps a plan update. Every entry has medium priority.
func (t *Translator) Plan(ev *codex.PlanUpdate) acp.SessionUpdate {
	entries := make([]acp.PlanEntry, 0, len(ev.Plan))
	for _, item := range ev.Plan {
		entries = append(entries, acp.PlanEntry{
			Content:  item.Step,
			Priority: acp.PlanEntryPriorityMedium,
			Status:   planStatus(item.Status),
		})
	}
	return acp.UpdatePlan(entries...)
}

// WebSearchBegin starts a pending fetch tool call.
func (t *Translator) WebSearchBegin(ev *codex.WebSearchBegin) acp.SessionUpdate {
	return acp.StartToolCall(acp.ToolCallId(ev.CallID), "Searching the web",
		acp.WithStartKind(acp.ToolKindFetch),
		acp.WithStartStatus(acp.ToolCallStatusPending),
	)
}

// WebSearchEnd completes the web search tool call with the query used.
func (t *Translator) WebSearchEnd(ev *codex.WebSearchEnd) acp.SessionUpdate {
	return acp.UpdateToolCall(acp.ToolCallId(ev.CallID),
		acp.WithUpdateStatus(acp.ToolCallStatusCompleted),
		acp.WithUpdateTitle("Searching for: "+ev.Query),
		acp.WithUpdateRawInput(map[string]any{"query": ev.Query}),
	)
}

func planStatus(s codex.StepStatus) acp.PlanEntryStatus {
	switch s {
	case codex.StepInProgress:
		return acp.PlanEntryStatusInProgress
	case codex.StepCompleted:
		return acp.PlanEntryStatusCompleted
	default:
		return acp.PlanEntryStatusPending
	}
}

func patchTitle(n int) string {
	if n == 1 {
		return "Apply changes"
	}
	return fmt.Sprintf("Edit %d files", n)
}

func sortedPaths(changes map[string]codex.FileChange) []string {
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// diffContents renders changes as diffs. Adds have no old text and deletes
// no new text. Updates carry the unified diff on both sides.
func diffContents(changes map[string]codex.FileChange) []acp.ToolCallContent {
	contents := make([]acp.ToolCallContent, 0, len(changes))
	for _, path := range sortedPaths(changes) {
		change := changes[path]
		diff := &acp.ToolCallContentDiff{Path: path, Type: "diff"}
		switch change.Kind {
		case codex.FileAdd:
			diff.NewText = change.Content
		case codex.FileDelete:
			old := change.Content
			diff.OldText = &old
		default:
			old := change.UnifiedDiff
			diff.OldText = &old
			diff.NewText = change.UnifiedDiff
		}
		contents = append(contents, acp.ToolCallContent{Diff: diff})
	}
	return contents
}

func changeLocations(changes map[string]codex.FileChange) []acp.ToolCallLocation {
	locations := make([]acp.ToolCallLocation, 0, len(changes))
	for _, path := range sortedPaths(changes) {
		locations = append(locations, acp.ToolCallLocation{Path: path})
	}
	return locations
}

func textContent(text string) acp.ToolCallContent {
	return acp.ToolCallContent{
		Content: &acp.ToolCallContentContent{Content: acp.TextBlock(text), Type: "content"},
	}
}

func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// commandCall summarizes a list of parsed commands for display.
type commandCall struct {
	Title string
	Kind  acp.ToolKind
	// TerminalOutput is set when any command could not be classified.
	TerminalOutput bool
	Locations      []acp.ToolCallLocation
}

func formatCommandCall(cwd string, parsed []codex.ParsedCommand) commandCall {
	call := commandCall{Kind: acp.ToolKindExecute}
	titles := make([]string, 0, len(parsed))

	for _, cmd := range parsed {
		var path string
		switch cmd.Type {
		case codex.ParsedRead:
			titles = append(titles, "Read "+cmd.Name)
			path = deref(cmd.Path)
			call.Kind = acp.ToolKindRead
		case codex.ParsedListFiles:
			dir := cwd
			if p := deref(cmd.Path); p != "" {
				dir = joinCwd(cwd, p)
				path = p
			}
			titles = append(titles, "List "+dir)
			call.Kind = acp.ToolKindSearch
		case codex.ParsedSearch:
			query, p := deref(cmd.Query), deref(cmd.Path)
			switch {
			case query != "" && p != "":
				titles = append(titles, fmt.Sprintf("Search %s in %s", query, p))
			case query != "":
				titles = append(titles, "Search "+query)
			default:
				titles = append(titles, "Search "+cmd.Cmd)
			}
			path = p
			call.Kind = acp.ToolKindSearch
		default:
			titles = append(titles, "Run "+cmd.Cmd)
			call.TerminalOutput = true
		}

		if path != "" {
			call.Locations = append(call.Locations, acp.ToolCallLocation{Path: joinCwd(cwd, path)})
		}
	}

	call.Title = strings.Join(titles, ", ")
	return call
}

func joinCwd(cwd, path string) string {
	if filepath.IsAbs(path) || cwd == "" {
		return path
	}
	return filepath.Join(cwd, path)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// fsToolMetadata extracts the display path and optional line of a
// filesystem bridge tool call.
type fsToolMetadata struct {
	DisplayPath string
	Path        string
	Line        *int
}

func fsToolMetadataFor(inv codex.McpInvocation, cwd string) (fsToolMetadata, bool) {
	if inv.Server != FSServerName {
		return fsToolMetadata{}, false
	}
	switch inv.Tool {
	case FSToolReadFile, FSToolWriteFile, FSToolEditFile:
	default:
		return fsToolMetadata{}, false
	}

	var args map[string]any
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return fsToolMetadata{}, false
	}
	path, ok := args["path"].(string)
	if !ok {
		return fsToolMetadata{}, false
	}

	meta := fsToolMetadata{DisplayPath: DisplayPath(cwd, path), Path: path}
	if line, ok := args["line"].(float64); ok && line >= 0 && line == float64(int(line)) {
		n := int(line)
		meta.Line = &n
	}
	return meta, true
}

func describeMcpTool(inv codex.McpInvocation, cwd string) (string, []acp.ToolCallLocation) {
	name := inv.Server + "." + inv.Tool
	meta, ok := fsToolMetadataFor(inv, cwd)
	if !ok {
		return name, nil
	}
	return fmt.Sprintf("%s (%s)", name, meta.DisplayPath),
		[]acp.ToolCallLocation{{Path: meta.Path, Line: meta.Line}}
}

// DisplayPath shortens raw for display: relative to cwd when inside it,
// else the base name, else raw unchanged.
func DisplayPath(cwd, raw string) string {
	if cwd != "" && filepath.IsAbs(raw) {
		if rel, err := filepath.Rel(cwd, raw); err == nil && rel != "." &&
			rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return rel
		}
	}
	base := filepath.Base(raw)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return raw
	}
	return base
}
