package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"
	"gopkg.in/yaml.v3"

	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/pkg/codex"
)

const initPrompt = `Generate a file named AGENTS.md that serves as a contributor guide for this repository.
Your goal is to produce a clear, concise, and well-structured document with descriptive headings and actionable explanations for each section.
Cover the project structure, build and test commands, coding style and naming conventions, testing guidelines, and commit and pull request guidelines.
Keep it short (200-400 words), use examples from the repository where they help, and write it in Markdown.
If an AGENTS.md already exists, improve it instead of starting over.`

const defaultReviewPrompt = "Review the current code changes (staged, unstaged, and untracked files) and provide prioritized findings."

// commandFunc runs a slash command. A nil op means the command was handled
// without the engine.
type commandFunc func(ctx context.Context, a *Agent, sess session.Session, args string) (codex.Op, error)

type slashCommand struct {
	name        string
	description string
	// hint, when set, advertises that the command takes free-form input.
	hint string
	run  commandFunc
}

func builtinCommands() []slashCommand {
	return []slashCommand{
		{name: "help", description: "show available slash commands", run: runHelp},
		{name: "status", description: "show current session configuration and token usage", run: runStatus},
		{name: "init", description: "create an AGENTS.md file with instructions for Codex", run: runInit},
		{name: "compact", description: "summarize conversation to prevent hitting the context limit", run: runCompact},
		{name: "review", description: "review my current changes and find issues", hint: "optional focus for the review", run: runReview},
	}
}

var commandIndex = indexCommands(builtinCommands())

func indexCommands(cmds []slashCommand) map[string]slashCommand {
	out := make(map[string]slashCommand, len(cmds))
	for _, c := range cmds {
		out[c.name] = c
	}
	return out
}

// AvailableCommands is the slash command list advertised to clients.
func AvailableCommands() []acp.AvailableCommand {
	cmds := builtinCommands()
	out := make([]acp.AvailableCommand, 0, len(cmds))
	for _, c := range cmds {
		cmd := acp.AvailableCommand{Name: c.name, Description: c.description}
		if c.hint != "" {
			cmd.Input = &acp.AvailableCommandInput{
				UnstructuredCommandInput: &acp.AvailableCommandUnstructuredCommandInput{Hint: c.hint},
			}
		}
		out = append(out, cmd)
	}
	return out
}

// parseSlashCommand recognizes a prompt whose first block is text starting
// with "/". The name is lowercased; args is the rest of the first line.
func parseSlashCommand(blocks []acp.ContentBlock) (name, args string, ok bool) {
	if len(blocks) == 0 || blocks[0].Text == nil {
		return "", "", false
	}
	text := strings.TrimSpace(blocks[0].Text.Text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimPrefix(line, "/")
	head, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(strings.TrimSpace(head)), strings.TrimSpace(rest), true
}

// runSlashCommand executes name. Unknown names are reported to the user and
// produce no op.
func (a *Agent) runSlashCommand(ctx context.Context, sess session.Session, name, args string) (codex.Op, error) {
	cmd, ok := commandIndex[name]
	if !ok {
		return nil, a.notifier.SendMessage(ctx, sess.PrimaryID, fmt.Sprintf("Unknown command: /%s", name))
	}
	return cmd.run(ctx, a, sess, args)
}

func runHelp(ctx context.Context, a *Agent, sess session.Session, _ string) (codex.Op, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n\n")
	for _, c := range builtinCommands() {
		fmt.Fprintf(&b, "- `/%s` %s\n", c.name, c.description)
	}
	return nil, a.notifier.SendMessage(ctx, sess.PrimaryID, b.String())
}

type statusReport struct {
	Session         string            `yaml:"session"`
	Workspace       string            `yaml:"workspace"`
	Mode            string            `yaml:"mode"`
	Model           string            `yaml:"model"`
	ReasoningEffort string            `yaml:"reasoning_effort,omitempty"`
	ApprovalPolicy  string            `yaml:"approval_policy"`
	Sandbox         string            `yaml:"sandbox"`
	TokenUsage      *codex.TokenUsage `yaml:"token_usage,omitempty"`
}

func runStatus(ctx context.Context, a *Agent, sess session.Session, _ string) (codex.Op, error) {
	// The prompt snapshot predates this turn; read the latest usage.
	if latest, ok := a.store.Get(sess.PrimaryID); ok {
		sess = latest
	}
	out, err := yaml.Marshal(statusReport{
		Session:         sess.PrimaryID,
		Workspace:       sess.Cwd,
		Mode:            sess.ModeID,
		Model:           sess.ModelID,
		ReasoningEffort: string(sess.ReasoningEffort),
		ApprovalPolicy:  string(sess.ApprovalPolicy),
		Sandbox:         string(sess.SandboxPolicy.Mode),
		TokenUsage:      sess.TokenUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("render status: %w", err)
	}
	return nil, a.notifier.SendMessage(ctx, sess.PrimaryID, "```yaml\n"+string(out)+"```\n")
}

func runInit(context.Context, *Agent, session.Session, string) (codex.Op, error) {
	return codex.UserInput{Items: []codex.InputItem{codex.TextInput(initPrompt)}}, nil
}

func runCompact(context.Context, *Agent, session.Session, string) (codex.Op, error) {
	return codex.Compact{}, nil
}

func runReview(_ context.Context, _ *Agent, _ session.Session, args string) (codex.Op, error) {
	req := codex.ReviewRequest{Prompt: defaultReviewPrompt, UserFacingHint: "current changes"}
	if args != "" {
		req = codex.ReviewRequest{
			Prompt:         "Review the current code changes with a focus on: " + args,
			UserFacingHint: args,
		}
	}
	return codex.Review{Request: req}, nil
}
