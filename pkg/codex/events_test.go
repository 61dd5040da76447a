package codex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvent(t *testing.T, line string) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	return ev
}

func TestEvent_DecodeKnownTypes(t *testing.T) {
	ev := decodeEvent(t, `{"id":"3","msg":{"type":"exec_command_begin","call_id":"c1","command":["ls","-la"],"cwd":"/w","parsed_cmd":[{"type":"list_files","cmd":"ls -la","path":"src"}]}}`)
	assert.Equal(t, "3", ev.ID)
	begin, ok := ev.Msg.(*ExecCommandBegin)
	require.True(t, ok)
	assert.Equal(t, []string{"ls", "-la"}, begin.Command)
	require.Len(t, begin.ParsedCmd, 1)
	assert.Equal(t, ParsedListFiles, begin.ParsedCmd[0].Type)
	require.NotNil(t, begin.ParsedCmd[0].Path)
	assert.Equal(t, "src", *begin.ParsedCmd[0].Path)
	assert.Contains(t, string(ev.Raw), `"call_id":"c1"`)

	ev = decodeEvent(t, `{"id":"3","msg":{"type":"agent_reasoning_section_break"}}`)
	assert.IsType(t, &AgentReasoningSectionBreak{}, ev.Msg)

	ev = decodeEvent(t, `{"id":"3","msg":{"type":"token_count","info":{"total_token_usage":{"input_tokens":10,"cached_input_tokens":2,"output_tokens":5,"reasoning_output_tokens":1,"total_tokens":15},"last_token_usage":{"total_tokens":15}}}}`)
	tc, ok := ev.Msg.(*TokenCount)
	require.True(t, ok)
	require.NotNil(t, tc.Info)
	assert.Equal(t, int64(15), tc.Info.TotalTokenUsage.TotalTokens)
	assert.Equal(t, int64(2), tc.Info.TotalTokenUsage.CachedInputTokens)
}

func TestEvent_UnknownType(t *testing.T) {
	ev := decodeEvent(t, `{"id":"9","msg":{"type":"turn_diff","unified_diff":"..."}}`)
	unknown, ok := ev.Msg.(*UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "turn_diff", unknown.EventType())
}

func TestEvent_MalformedPayload(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"id":"1","msg":{"type":"agent_message","message":42}}`), &ev)
	assert.Error(t, err)
}

func TestEvent_MarshalRoundTripKeepsType(t *testing.T) {
	ev := Event{ID: "4", Msg: &AgentMessageDelta{Delta: "hel"}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"4","msg":{"type":"agent_message_delta","delta":"hel"}}`, string(data))
}

func TestFileChange_BothEncodings(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantKind  FileChangeKind
		wantBody  string
		wantDiffs string
	}{
		{name: "tagged add", input: `{"type":"add","content":"x"}`, wantKind: FileAdd, wantBody: "x"},
		{name: "external delete", input: `{"delete":{"content":"y"}}`, wantKind: FileDelete, wantBody: "y"},
		{name: "external update", input: `{"update":{"unified_diff":"@@ -1 +1 @@","move_path":null}}`, wantKind: FileUpdate, wantDiffs: "@@ -1 +1 @@"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fc FileChange
			require.NoError(t, json.Unmarshal([]byte(tt.input), &fc))
			assert.Equal(t, tt.wantKind, fc.Kind)
			assert.Equal(t, tt.wantBody, fc.Content)
			assert.Equal(t, tt.wantDiffs, fc.UnifiedDiff)
		})
	}
}

func TestDuration_Decode(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{input: `{"secs":1,"nanos":500000000}`, want: 1500 * time.Millisecond},
		{input: `250`, want: 250 * time.Millisecond},
		{input: `"2s"`, want: 2 * time.Second},
		{input: `null`, want: 0},
	}
	for _, tt := range tests {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(tt.input), &d), tt.input)
		assert.Equal(t, tt.want, d.Duration, tt.input)
	}
}

func TestMcpResult(t *testing.T) {
	var ok McpResult
	require.NoError(t, json.Unmarshal([]byte(`{"Ok":{"content":[{"type":"text","text":"hi"}],"is_error":false}}`), &ok))
	assert.True(t, ok.Succeeded())
	assert.IsType(t, map[string]any{}, ok.Value())

	var toolErr McpResult
	require.NoError(t, json.Unmarshal([]byte(`{"Ok":{"content":[],"is_error":true}}`), &toolErr))
	assert.False(t, toolErr.Succeeded())

	var failed McpResult
	require.NoError(t, json.Unmarshal([]byte(`{"Err":"tool not found"}`), &failed))
	assert.False(t, failed.Succeeded())
	assert.Equal(t, "tool not found", failed.Value())
}
