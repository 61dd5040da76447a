package bridge

import (
	"context"

	"github.com/coder/acp-go-sdk"

	apperrors "github.com/cola-io/codex-acp/internal/common/errors"
)

func (a *Agent) fsClient() (ClientConn, acp.FileSystemCapability) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client, a.clientCaps.Fs
}

// ReadClientFile reads path through the client's editor buffers. ok is
// false when the client did not advertise fs reads; the caller then reads
// the disk itself.
func (a *Agent) ReadClientFile(ctx context.Context, sessionID, path string, line, limit *int) (content string, ok bool, err error) {
	client, caps := a.fsClient()
	if client == nil || !caps.ReadTextFile {
		return "", false, nil
	}
	primary, found := a.store.ResolvePrimaryID(sessionID)
	if !found {
		return "", true, apperrors.SessionNotFound(sessionID)
	}
	resp, err := client.ReadTextFile(ctx, acp.ReadTextFileRequest{
		SessionId: acp.SessionId(primary),
		Path:      path,
		Line:      line,
		Limit:     limit,
	})
	if err != nil {
		return "", true, err
	}
	return resp.Content, true, nil
}

// WriteClientFile writes path through the client. ok is false when the
// client did not advertise fs writes.
func (a *Agent) WriteClientFile(ctx context.Context, sessionID, path, content string) (ok bool, err error) {
	client, caps := a.fsClient()
	if client == nil || !caps.WriteTextFile {
		return false, nil
	}
	primary, found := a.store.ResolvePrimaryID(sessionID)
	if !found {
		return true, apperrors.SessionNotFound(sessionID)
	}
	_, err = client.WriteTextFile(ctx, acp.WriteTextFileRequest{
		SessionId: acp.SessionId(primary),
		Path:      path,
		Content:   content,
	})
	return true, err
}
