// Package engine defines the conversation engine collaborator and a
// subprocess-backed implementation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/cola-io/codex-acp/pkg/codex"
)

// ErrConversationNotFound is returned by GetConversation for ids this
// process has no live conversation for.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is one engine conversation. Events for every submission
// arrive on a single ordered stream; callers filter by Event.ID.
type Conversation interface {
	// Submit sends op and returns its submission id.
	Submit(ctx context.Context, op codex.Op) (string, error)
	// NextEvent blocks until the next event is available.
	NextEvent(ctx context.Context) (codex.Event, error)
}

// Engine creates and looks up conversations.
type Engine interface {
	NewConversation(ctx context.Context, opts ConversationOptions) (*Started, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
}

// Started describes a freshly configured conversation.
type Started struct {
	ID              string
	Conversation    Conversation
	Model           string
	ReasoningEffort codex.ReasoningEffort
}

// ConversationOptions configure a new conversation.
type ConversationOptions struct {
	Cwd             string
	Model           string
	ModelProvider   string
	ApprovalPolicy  codex.AskForApproval
	SandboxMode     codex.SandboxMode
	ReasoningEffort codex.ReasoningEffort
	McpServers      []McpServer
}

// McpServer is an MCP server the engine should connect to. Either Command
// or URL is set.
type McpServer struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// ConfigOverrides renders opts as the engine's `-c key=value` arguments.
// Values are TOML literals.
func ConfigOverrides(opts ConversationOptions) []string {
	var args []string
	set := func(key, value string) {
		args = append(args, "-c", key+"="+value)
	}

	if opts.Model != "" {
		set("model", tomlString(opts.Model))
	}
	if opts.ModelProvider != "" {
		set("model_provider", tomlString(opts.ModelProvider))
	}
	if opts.ApprovalPolicy != "" {
		set("approval_policy", tomlString(string(opts.ApprovalPolicy)))
	}
	if opts.SandboxMode != "" {
		set("sandbox_mode", tomlString(string(opts.SandboxMode)))
	}
	if opts.ReasoningEffort != "" {
		set("model_reasoning_effort", tomlString(string(opts.ReasoningEffort)))
	}

	for _, srv := range opts.McpServers {
		prefix := "mcp_servers." + tomlKey(srv.Name)
		if srv.URL != "" {
			set(prefix+".url", tomlString(srv.URL))
			if len(srv.Headers) > 0 {
				set(prefix+".http_headers", tomlTable(srv.Headers))
			}
			continue
		}
		set(prefix+".command", tomlString(srv.Command))
		if len(srv.Args) > 0 {
			set(prefix+".args", tomlArray(srv.Args))
		}
		if len(srv.Env) > 0 {
			set(prefix+".env", tomlTable(srv.Env))
		}
	}
	return args
}

// tomlString renders s as a TOML string literal.
func tomlString(s string) string {
	out, _ := toml.Marshal(map[string]string{"v": s})
	_, value, _ := strings.Cut(string(out), "=")
	return strings.TrimSpace(value)
}

func tomlKey(s string) string {
	for _, r := range s {
		if !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return tomlString(s)
		}
	}
	return s
}

func tomlArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = tomlString(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func tomlTable(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s = %s", tomlKey(k), tomlString(values[k]))
	}
	return "{ " + strings.Join(pairs, ", ") + " }"
}
