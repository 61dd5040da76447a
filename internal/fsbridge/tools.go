package fsbridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// Tool names.
const (
	ToolReadTextFile  = "read_text_file"
	ToolWriteTextFile = "write_text_file"
	ToolEditTextFile  = "edit_text_file"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(ToolReadTextFile,
			mcp.WithDescription("Read a text file, including unsaved changes open in the user's editor."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path, or a path relative to the session's working directory")),
			mcp.WithNumber("line", mcp.Description("1-based line to start reading from")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of lines to read")),
		),
		s.wrapHandler(ToolReadTextFile, s.readTextFile),
	)
	s.mcpServer.AddTool(
		mcp.NewTool(ToolWriteTextFile,
			mcp.WithDescription("Write a text file, replacing its content."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path, or a path relative to the session's working directory")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The full new content")),
		),
		s.wrapHandler(ToolWriteTextFile, s.writeTextFile),
	)
	s.mcpServer.AddTool(
		mcp.NewTool(ToolEditTextFile,
			mcp.WithDescription("Replace one exact occurrence of old_string with new_string and return the resulting patch."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path, or a path relative to the session's working directory")),
			mcp.WithString("old_string", mcp.Required(), mcp.Description("Text to replace. Must occur exactly once")),
			mcp.WithString("new_string", mcp.Required(), mcp.Description("Replacement text")),
		),
		s.wrapHandler(ToolEditTextFile, s.editTextFile),
	)
}

func (s *Server) wrapHandler(name string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		log := s.logger.WithFields(zap.String("tool", name), zap.String("session", sessionIDFrom(ctx)))

		result, err := handler(ctx, req)
		switch {
		case err != nil:
			log.Warn("tool failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		case result != nil && result.IsError:
			log.Debug("tool returned error", zap.Duration("duration", time.Since(start)), zap.Any("result", result.Content))
		default:
			log.Debug("tool succeeded", zap.Duration("duration", time.Since(start)))
		}
		return result, err
	}
}

// target resolves the calling session and the absolute path a tool acts on.
func (s *Server) target(ctx context.Context, req mcp.CallToolRequest) (session.Session, string, *mcp.CallToolResult) {
	id := sessionIDFrom(ctx)
	sess, ok := s.sessions.GetBySecondaryID(id)
	if !ok {
		return session.Session{}, "", mcp.NewToolResultError(fmt.Sprintf("unknown session %q", id))
	}
	path, err := req.RequireString("path")
	if err != nil || strings.TrimSpace(path) == "" {
		return session.Session{}, "", mcp.NewToolResultError("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(sess.Cwd, path)
	}
	return sess, filepath.Clean(path), nil
}

func (s *Server) readTextFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, failed := s.target(ctx, req)
	if failed != nil {
		return failed, nil
	}
	line := optionalInt(req, "line")
	limit := optionalInt(req, "limit")

	content, err := s.read(ctx, sess, path, line, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) writeTextFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, failed := s.target(ctx, req)
	if failed != nil {
		return failed, nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required"), nil
	}
	if err := s.write(ctx, sess, path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}

func (s *Server) editTextFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, failed := s.target(ctx, req)
	if failed != nil {
		return failed, nil
	}
	oldString, err := req.RequireString("old_string")
	if err != nil || oldString == "" {
		return mcp.NewToolResultError("old_string is required"), nil
	}
	newString, err := req.RequireString("new_string")
	if err != nil {
		return mcp.NewToolResultError("new_string is required"), nil
	}
	if err := s.checkWritable(sess, path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	before, err := s.read(ctx, sess, path, nil, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	switch n := strings.Count(before, oldString); {
	case n == 0:
		return mcp.NewToolResultError(fmt.Sprintf("old_string not found in %s", path)), nil
	case n > 1:
		return mcp.NewToolResultError(fmt.Sprintf("old_string occurs %d times in %s; include more context", n, path)), nil
	}
	after := strings.Replace(before, oldString, newString, 1)

	if err := s.write(ctx, sess, path, after); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(unifiedPatch(relativePath(path, sess.Cwd), before, after)), nil
}

func (s *Server) read(ctx context.Context, sess session.Session, path string, line, limit *int) (string, error) {
	if fs := s.client(); fs != nil {
		content, ok, err := fs.ReadClientFile(ctx, sess.PrimaryID, path, line, limit)
		if ok {
			return content, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return sliceLines(string(data), line, limit), nil
}

func (s *Server) write(ctx context.Context, sess session.Session, path, content string) error {
	if err := s.checkWritable(sess, path); err != nil {
		return err
	}
	if fs := s.client(); fs != nil {
		ok, err := fs.WriteClientFile(ctx, sess.PrimaryID, path, content)
		if ok {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// checkWritable refuses writes in read-only sessions, outside the
// session's writable roots unless it has full access, and to denied paths.
func (s *Server) checkWritable(sess session.Session, path string) error {
	switch sess.SandboxPolicy.Mode {
	case codex.SandboxReadOnly:
		return fmt.Errorf("session %s is read-only; switch modes to allow edits", sess.PrimaryID)
	case codex.SandboxDangerFullAccess:
	default:
		if !withinRoots(path, writableRoots(sess)) {
			return fmt.Errorf("writing %s is outside the session's writable roots", path)
		}
	}
	slashed := filepath.ToSlash(path)
	for _, pattern := range s.denyWrite {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return fmt.Errorf("writing %s is not allowed (matches %q)", path, pattern)
		}
		if ok, _ := doublestar.Match(pattern, strings.TrimPrefix(slashed, "/")); ok {
			return fmt.Errorf("writing %s is not allowed (matches %q)", path, pattern)
		}
	}
	return nil
}

func writableRoots(sess session.Session) []string {
	roots := make([]string, 0, len(sess.SandboxPolicy.WritableRoots)+1)
	if sess.Cwd != "" {
		roots = append(roots, sess.Cwd)
	}
	return append(roots, sess.SandboxPolicy.WritableRoots...)
}

// withinRoots reports whether the cleaned absolute path lies under one of roots.
func withinRoots(path string, roots []string) bool {
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			continue
		}
		rel, err := filepath.Rel(filepath.Clean(root), path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func optionalInt(req mcp.CallToolRequest, key string) *int {
	if _, ok := req.GetArguments()[key]; !ok {
		return nil
	}
	v := req.GetInt(key, 0)
	return &v
}

// sliceLines returns limit lines starting at the 1-based line.
func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

func unifiedPatch(name, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)
	patch := dmp.PatchToText(dmp.PatchMake(before, diffs))

	var out strings.Builder
	fmt.Fprintf(&out, "--- %s\n+++ %s\n", name, name)
	out.WriteString(patch)
	return out.String()
}

func relativePath(path, cwd string) string {
	if cwd == "" {
		return path
	}
	if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
