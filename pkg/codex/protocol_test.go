package codex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmission_MarshalJSON(t *testing.T) {
	effort := EffortHigh
	model := "gpt-5"
	approval := ApprovalNever
	sandbox := NewSandboxPolicy(SandboxDangerFullAccess)

	tests := []struct {
		name string
		sub  Submission
		want string
	}{
		{
			name: "user input",
			sub:  Submission{ID: "1", Op: UserInput{Items: []InputItem{TextInput("hi"), ImageInput("data:image/png;base64,AAA")}}},
			want: `{"id":"1","op":{"type":"user_input","items":[{"type":"text","text":"hi"},{"type":"image","image_url":"data:image/png;base64,AAA"}]}}`,
		},
		{
			name: "interrupt has only a type",
			sub:  Submission{ID: "2", Op: Interrupt{}},
			want: `{"id":"2","op":{"type":"interrupt"}}`,
		},
		{
			name: "exec approval",
			sub:  Submission{ID: "3", Op: ExecApproval{ID: "7", Decision: DecisionApprovedForSession}},
			want: `{"id":"3","op":{"type":"exec_approval","id":"7","decision":"approved_for_session"}}`,
		},
		{
			name: "override omits unset fields",
			sub: Submission{ID: "4", Op: OverrideTurnContext{
				ApprovalPolicy: &approval,
				SandboxPolicy:  &sandbox,
				Model:          &model,
				Effort:         &effort,
			}},
			want: `{"id":"4","op":{"type":"override_turn_context","approval_policy":"never","sandbox_policy":{"mode":"danger-full-access"},"model":"gpt-5","effort":"high"}}`,
		},
		{
			name: "review",
			sub:  Submission{ID: "5", Op: Review{Request: ReviewRequest{Prompt: "p", UserFacingHint: "h"}}},
			want: `{"id":"5","op":{"type":"review","review_request":{"prompt":"p","user_facing_hint":"h"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.sub)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestSubmission_NilOp(t *testing.T) {
	_, err := json.Marshal(Submission{ID: "1"})
	assert.Error(t, err)
}
