package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cola-io/codex-acp/internal/common/logger"
)

func TestClient_SubmitAndReceive(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, 4, logger.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	// Fake engine: echo an agent message for every submission.
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var sub struct {
				ID string `json:"id"`
				Op struct {
					Type string `json:"type"`
				} `json:"op"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &sub); err != nil {
				continue
			}
			line, _ := json.Marshal(Event{ID: sub.ID, Msg: &AgentMessage{Message: sub.Op.Type}})
			_, _ = stdoutW.Write(append(line, '\n'))
		}
	}()

	first, err := client.Submit(ctx, UserInput{Items: []InputItem{TextInput("hi")}})
	require.NoError(t, err)
	second, err := client.Submit(ctx, Interrupt{})
	require.NoError(t, err)
	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)

	ev := <-client.Events()
	assert.Equal(t, first, ev.ID)
	assert.Equal(t, "user_input", ev.Msg.(*AgentMessage).Message)

	ev = <-client.Events()
	assert.Equal(t, second, ev.ID)
	assert.Equal(t, "interrupt", ev.Msg.(*AgentMessage).Message)

	require.NoError(t, stdoutW.Close())
	require.NoError(t, <-runErr)

	_, open := <-client.Events()
	assert.False(t, open)

	_, err = client.Submit(ctx, Interrupt{})
	assert.ErrorIs(t, err, ErrClientClosed)
	_ = stdinW.Close()
}

func TestClient_SkipsGarbageLines(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	client := NewClient(io.Discard, stdoutR, 4, logger.Nop())

	go func() {
		_, _ = stdoutW.Write([]byte("not json\n\n"))
		_, _ = stdoutW.Write([]byte(`{"id":"1","msg":{"type":"task_complete"}}` + "\n"))
		_ = stdoutW.Close()
	}()

	require.NoError(t, client.Run(context.Background()))

	var got []Event
	for ev := range client.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.IsType(t, &TaskComplete{}, got[0].Msg)
}
