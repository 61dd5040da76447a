package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/cola-io/codex-acp/internal/common/errors"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/internal/tracing"
	"github.com/cola-io/codex-acp/pkg/codex"
)

const decisionSubmitTimeout = 5 * time.Second

// Prompt runs one turn: it submits the prompt and streams the engine's
// events for that submission until a terminal event arrives.
func (a *Agent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	ctx = logger.ContextWithSessionID(ctx, string(req.SessionId))
	ctx, span := tracing.StartRequest(ctx, "prompt", string(req.SessionId))
	stop, err := a.prompt(ctx, span, req)
	if err == nil {
		span.SetAttributes(attribute.String("stop_reason", string(stop)))
	}
	tracing.EndWithError(span, err)
	if err != nil {
		log := a.logger.WithContext(ctx).WithError(err)
		if apperrors.IsCode(err, apperrors.ErrCodeSessionNotFound) {
			log.Warn("prompt for unknown session")
		} else {
			log.Error("prompt failed")
		}
		return acp.PromptResponse{}, apperrors.ToRequestError(err)
	}
	return acp.PromptResponse{StopReason: stop}, nil
}

func (a *Agent) prompt(ctx context.Context, span trace.Span, req acp.PromptRequest) (acp.StopReason, error) {
	sess, ok := a.store.Resolve(string(req.SessionId))
	if !ok {
		return "", apperrors.SessionNotFound(string(req.SessionId))
	}
	conv, err := a.store.GetOrLoadEngineHandle(ctx, sess.PrimaryID)
	if err != nil {
		return "", err
	}

	var op codex.Op
	if name, args, isCommand := parseSlashCommand(req.Prompt); isCommand {
		a.logger.WithSessionID(sess.PrimaryID).Info("slash command", zap.String("command", name))
		if op, err = a.runSlashCommand(ctx, sess, name, args); err != nil {
			return "", err
		}
		if op == nil {
			return acp.StopReasonEndTurn, nil
		}
	} else {
		op = codex.UserInput{Items: inputItems(req.Prompt)}
	}

	submitID, err := a.submit(ctx, sess.PrimaryID, conv, op)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("submission_id", submitID))

	permissions, err := a.correlator()
	if err != nil {
		return "", err
	}
	t := &turn{
		agent:       a,
		sessionID:   sess.PrimaryID,
		submitID:    submitID,
		conv:        conv,
		translator:  NewTranslator(sess.Cwd, a.capabilities().Terminal),
		permissions: permissions,
		logger:      a.logger.WithSessionID(sess.PrimaryID).WithSubmissionID(submitID),
	}
	return t.run(ctx)
}

// inputItems converts prompt blocks into engine input. Audio and blob
// resources have no engine form and are skipped.
func inputItems(blocks []acp.ContentBlock) []codex.InputItem {
	items := make([]codex.InputItem, 0, len(blocks))
	for _, b := range blocks {
		switch {
		case b.Text != nil:
			items = append(items, codex.TextInput(b.Text.Text))
		case b.Image != nil:
			items = append(items, codex.ImageInput(fmt.Sprintf("data:%s;base64,%s", b.Image.MimeType, b.Image.Data)))
		case b.Resource != nil:
			if text := b.Resource.Resource.TextResourceContents; text != nil {
				items = append(items, codex.TextInput(text.Text))
			}
		case b.ResourceLink != nil:
			items = append(items, codex.TextInput("Resource: "+b.ResourceLink.Uri))
		}
	}
	return items
}

// turn is the state of one prompt. Its events are handled strictly in
// order; nothing in it is shared with other turns.
type turn struct {
	agent       *Agent
	sessionID   string
	submitID    string
	conv        engine.Conversation
	translator  *Translator
	permissions *Correlator
	reasoning   ReasoningAggregator
	sawDelta    bool
	logger      *logger.Logger
}

func (t *turn) run(ctx context.Context) (acp.StopReason, error) {
	for {
		ev, err := t.conv.NextEvent(ctx)
		if err != nil {
			return "", apperrors.EngineFailure("read engine event", err)
		}
		if ev.ID != t.submitID {
			continue
		}
		if ev.Msg == nil {
			continue
		}
		tracing.AddEngineEvent(ctx, ev.Msg.EventType(), ev.Raw)

		stop, done, err := t.handle(ctx, ev)
		if err != nil {
			return "", err
		}
		if done {
			if err := t.flushReasoning(ctx); err != nil {
				return "", err
			}
			t.logger.Info("turn finished", zap.String("stop_reason", string(stop)))
			return stop, nil
		}
	}
}

func (t *turn) send(ctx context.Context, update acp.SessionUpdate) error {
	return t.agent.notifier.Send(ctx, t.sessionID, update)
}

func (t *turn) message(ctx context.Context, text string) error {
	return t.agent.notifier.SendMessage(ctx, t.sessionID, text)
}

// handle processes one event of this turn. done reports a terminal event.
func (t *turn) handle(ctx context.Context, ev codex.Event) (stop acp.StopReason, done bool, err error) {
	switch msg := ev.Msg.(type) {
	case *codex.AgentMessageDelta:
		t.sawDelta = true
		return "", false, t.message(ctx, msg.Delta)
	case *codex.AgentMessage:
		// Streamed deltas already carried this text.
		if t.sawDelta {
			return "", false, nil
		}
		return "", false, t.message(ctx, msg.Message)

	case *codex.AgentReasoningDelta:
		t.reasoning.AppendDelta(msg.Delta)
	case *codex.AgentReasoningRawContentDelta:
		t.reasoning.AppendDelta(msg.Delta)
	case *codex.AgentReasoning:
		t.reasoning.SectionBreak()
		if text, ok := t.reasoning.ChooseFinalText(&msg.Text); ok {
			return "", false, t.agent.notifier.SendThought(ctx, t.sessionID, text)
		}
	case *codex.AgentReasoningRawContent:
		t.reasoning.SectionBreak()
		if strings.TrimSpace(msg.Text) != "" {
			t.reasoning.AppendDelta(msg.Text)
		}
	case *codex.AgentReasoningSectionBreak:
		t.reasoning.SectionBreak()

	case *codex.McpToolCallBegin:
		return "", false, t.send(ctx, t.translator.McpToolCallBegin(msg))
	case *codex.McpToolCallEnd:
		return "", false, t.send(ctx, t.translator.McpToolCallEnd(msg))
	case *codex.WebSearchBegin:
		return "", false, t.send(ctx, t.translator.WebSearchBegin(msg))
	case *codex.WebSearchEnd:
		return "", false, t.send(ctx, t.translator.WebSearchEnd(msg))
	case *codex.ExecCommandBegin:
		return "", false, t.send(ctx, t.translator.ExecCommandBegin(msg))
	case *codex.ExecCommandEnd:
		return "", false, t.send(ctx, t.translator.ExecCommandEnd(msg))
	case *codex.PatchApplyBegin:
		return "", false, t.send(ctx, t.translator.PatchApplyBegin(msg))
	case *codex.PatchApplyEnd:
		return "", false, t.send(ctx, t.translator.PatchApplyEnd(msg, ev.Raw))

	case *codex.ExecApprovalRequest:
		decision := t.approve(ctx, ev.ID, t.translator.ExecApprovalRequest(t.sessionID, msg))
		return "", false, t.submitDecision(ctx, codex.ExecApproval{ID: ev.ID, Decision: decision})
	case *codex.ApplyPatchApprovalRequest:
		decision := t.approve(ctx, ev.ID, t.translator.PatchApprovalRequest(t.sessionID, msg))
		return "", false, t.submitDecision(ctx, codex.PatchApproval{ID: ev.ID, Decision: decision})

	case *codex.TokenCount:
		if msg.Info != nil {
			usage := msg.Info.TotalTokenUsage
			t.agent.store.Mutate(t.sessionID, func(s *session.Session) {
				s.TokenUsage = &usage
			})
		}
	case *codex.PlanUpdate:
		if msg.Explanation != nil && strings.TrimSpace(*msg.Explanation) != "" {
			if err := t.message(ctx, *msg.Explanation); err != nil {
				return "", false, err
			}
		}
		return "", false, t.send(ctx, t.translator.Plan(msg))
	case *codex.ErrorEvent:
		return "", false, t.message(ctx, msg.Message+"\n\n")
	case *codex.StreamError:
		return "", false, t.message(ctx, msg.Message+"\n\n")

	case *codex.TaskComplete:
		return acp.StopReasonEndTurn, true, nil
	case *codex.TurnAborted:
		t.logger.Info("turn aborted", zap.String("reason", msg.Reason))
		return acp.StopReasonCancelled, true, nil
	case *codex.ShutdownComplete:
		return acp.StopReasonCancelled, true, nil

	default:
		// session_configured, task_started, exec output deltas and event
		// types this bridge does not model.
	}
	return "", false, nil
}

// approve asks the client about an action and waits for the decision.
func (t *turn) approve(ctx context.Context, eventID string, req acp.RequestPermissionRequest) codex.ReviewDecision {
	ticket := t.permissions.Request(ctx, eventID, req)
	decision := ticket.Await(ctx)
	t.logger.Info("approval decided",
		zap.String("tool_call_id", string(req.ToolCall.ToolCallId)),
		zap.String("decision", string(decision)))
	return decision
}

// submitDecision hands an approval decision to the engine. The engine's
// turn blocks until it gets one, so it is sent even after ctx is done.
func (t *turn) submitDecision(ctx context.Context, op codex.Op) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), decisionSubmitTimeout)
	defer cancel()
	_, err := t.agent.submit(ctx, t.sessionID, t.conv, op)
	return err
}

// flushReasoning sends reasoning that never saw a final event.
func (t *turn) flushReasoning(ctx context.Context) error {
	text, ok := t.reasoning.TakeText()
	if !ok {
		return nil
	}
	return t.agent.notifier.SendThought(ctx, t.sessionID, text)
}
