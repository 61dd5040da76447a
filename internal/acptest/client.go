// Package acptest provides an in-memory ACP client for end-to-end tests of
// the agent side.
package acptest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// PermissionHandler answers a permission request.
type PermissionHandler func(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)

// Client implements acp.Client. It records every session update and
// permission request, and serves text files from memory.
type Client struct {
	logger *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	updates     []acp.SessionNotification
	permissions []acp.RequestPermissionRequest
	files       map[string]string
	onPermit    PermissionHandler
	updateErr   error
}

var _ acp.Client = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithPermissionHandler overrides the default answer to permission
// requests, which selects the first allow option.
func WithPermissionHandler(h PermissionHandler) ClientOption {
	return func(c *Client) {
		c.onPermit = h
	}
}

// WithFile seeds the in-memory filesystem.
func WithFile(path, content string) ClientOption {
	return func(c *Client) {
		c.files[path] = content
	}
}

// NewClient creates a recording client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger: zap.NewNop(),
		files:  map[string]string{},
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FailUpdates makes every subsequent SessionUpdate fail with err.
func (c *Client) FailUpdates(err error) {
	c.mu.Lock()
	c.updateErr = err
	c.mu.Unlock()
}

// RequestPermission records the request and answers it.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	c.mu.Lock()
	c.permissions = append(c.permissions, p)
	handler := c.onPermit
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Debug("permission request",
		zap.String("session_id", string(p.SessionId)),
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)))

	if handler != nil {
		return handler(ctx, p)
	}
	return SelectFirstAllow(p), nil
}

// SelectFirstAllow picks the first allow option, or cancels when there is
// none.
func SelectFirstAllow(p acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	for _, opt := range p.Options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return Select(string(opt.OptionId))
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// Select answers with optionID.
func Select(optionID string) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(optionID)},
		},
	}
}

// SessionUpdate records n.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updates = append(c.updates, n)
	c.cond.Broadcast()
	return nil
}

// Updates returns the updates received so far for sessionID, in order.
func (c *Client) Updates(sessionID string) []acp.SessionUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []acp.SessionUpdate
	for _, n := range c.updates {
		if string(n.SessionId) == sessionID {
			out = append(out, n.Update)
		}
	}
	return out
}

// Permissions returns the permission requests received so far.
func (c *Client) Permissions() []acp.RequestPermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]acp.RequestPermissionRequest(nil), c.permissions...)
}

// WaitForUpdate blocks until an update for sessionID satisfies match or
// timeout passes.
func (c *Client) WaitForUpdate(sessionID string, timeout time.Duration, match func(acp.SessionUpdate) bool) (acp.SessionUpdate, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for _, n := range c.updates {
			if string(n.SessionId) == sessionID && match(n.Update) {
				return n.Update, true
			}
		}
		if time.Now().After(deadline) {
			return acp.SessionUpdate{}, false
		}
		c.cond.Wait()
	}
}

// MessageText concatenates the agent message chunks of updates.
func MessageText(updates []acp.SessionUpdate) string {
	var b strings.Builder
	for _, u := range updates {
		if u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil {
			b.WriteString(u.AgentMessageChunk.Content.Text.Text)
		}
	}
	return b.String()
}

// ThoughtText returns the text of each agent thought chunk of updates.
func ThoughtText(updates []acp.SessionUpdate) []string {
	var out []string
	for _, u := range updates {
		if u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil {
			out = append(out, u.AgentThoughtChunk.Content.Text.Text)
		}
	}
	return out
}

// File returns the in-memory content of path.
func (c *Client) File(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.files[path]
	return content, ok
}

// ReadTextFile serves a file from memory, honoring line and limit.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	content, ok := c.File(p.Path)
	if !ok {
		return acp.ReadTextFileResponse{}, fmt.Errorf("file not found: %s", p.Path)
	}

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile stores a file in memory.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.mu.Lock()
	c.files[p.Path] = p.Content
	c.mu.Unlock()
	return acp.WriteTextFileResponse{}, nil
}

func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

// Pair is an agent and a client connected over in-memory pipes.
type Pair struct {
	Agent  *acp.AgentSideConnection
	Client *acp.ClientSideConnection
	pipes  []io.Closer
}

// Connect wires agent to client. Close the pair when done.
func Connect(agent acp.Agent, client acp.Client) *Pair {
	toAgentR, toAgentW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	return &Pair{
		Agent:  acp.NewAgentSideConnection(agent, toClientW, toAgentR),
		Client: acp.NewClientSideConnection(client, toAgentW, toClientR),
		pipes:  []io.Closer{toAgentR, toAgentW, toClientR, toClientW},
	}
}

// Close tears down both directions.
func (p *Pair) Close() {
	for _, c := range p.pipes {
		_ = c.Close()
	}
}
