package bridge

import (
	"context"
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/pkg/codex"
)

func TestParseSlashCommand(t *testing.T) {
	tests := []struct {
		name     string
		blocks   []acp.ContentBlock
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"plain", []acp.ContentBlock{acp.TextBlock("/help")}, "help", "", true},
		{"case and space", []acp.ContentBlock{acp.TextBlock("  /Review  security of auth\nmore")}, "review", "security of auth", true},
		{"bare slash", []acp.ContentBlock{acp.TextBlock("/")}, "", "", true},
		{"not a command", []acp.ContentBlock{acp.TextBlock("please /help")}, "", "", false},
		{"first block not text", []acp.ContentBlock{acp.ImageBlock("aGk=", "image/png"), acp.TextBlock("/help")}, "", "", false},
		{"empty", nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := parseSlashCommand(tt.blocks)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestAvailableCommands(t *testing.T) {
	cmds := AvailableCommands()
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
		if c.Name == "review" {
			require.NotNil(t, c.Input)
			require.NotNil(t, c.Input.UnstructuredCommandInput)
			assert.NotEmpty(t, c.Input.UnstructuredCommandInput.Hint)
		} else {
			assert.Nil(t, c.Input, c.Name)
		}
	}
	assert.Equal(t, []string{"help", "status", "init", "compact", "review"}, names)
}

func TestEngineCommands(t *testing.T) {
	ctx := context.Background()
	sess := session.Session{PrimaryID: "s"}

	op, err := runCompact(ctx, nil, sess, "")
	require.NoError(t, err)
	assert.Equal(t, codex.Compact{}, op)

	op, err = runInit(ctx, nil, sess, "")
	require.NoError(t, err)
	input, ok := op.(codex.UserInput)
	require.True(t, ok)
	require.Len(t, input.Items, 1)
	assert.Contains(t, input.Items[0].Text, "AGENTS.md")

	op, err = runReview(ctx, nil, sess, "")
	require.NoError(t, err)
	assert.Equal(t, defaultReviewPrompt, op.(codex.Review).Request.Prompt)

	op, err = runReview(ctx, nil, sess, "error handling")
	require.NoError(t, err)
	review := op.(codex.Review)
	assert.Contains(t, review.Request.Prompt, "error handling")
	assert.Equal(t, "error handling", review.Request.UserFacingHint)
}
