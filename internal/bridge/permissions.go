package bridge

import (
	"context"
	"sync"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/tracing"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// PermissionRequester asks the client to choose a permission option.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
}

// DecisionFromResponse maps a client's answer onto an engine decision.
// Anything other than the two approve options is an abort.
func DecisionFromResponse(resp acp.RequestPermissionResponse) codex.ReviewDecision {
	if resp.Outcome.Selected == nil {
		return codex.DecisionAbort
	}
	switch string(resp.Outcome.Selected.OptionId) {
	case permissionAlways:
		return codex.DecisionApprovedForSession
	case permissionOnce:
		return codex.DecisionApproved
	default:
		return codex.DecisionAbort
	}
}

// Ticket is one outstanding permission request. It resolves exactly once.
type Ticket struct {
	ID string
	// EventID is the id of the engine event that asked for approval. The
	// decision is submitted against it.
	EventID   string
	SessionID string
	Request   acp.RequestPermissionRequest

	owner    *Correlator
	once     sync.Once
	decision chan codex.ReviewDecision
}

// Await blocks until the ticket resolves. A cancelled context counts as a
// dropped ticket and yields abort.
func (t *Ticket) Await(ctx context.Context) codex.ReviewDecision {
	select {
	case d := <-t.decision:
		return d
	case <-ctx.Done():
		t.owner.Resolve(t.ID, codex.DecisionAbort)
		return <-t.decision
	}
}

func (t *Ticket) resolve(d codex.ReviewDecision) bool {
	resolved := false
	t.once.Do(func() {
		t.decision <- d
		resolved = true
	})
	return resolved
}

// Correlator pairs permission requests sent to the client with their
// decisions.
type Correlator struct {
	client PermissionRequester
	logger *logger.Logger

	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewCorrelator creates a correlator that asks client for decisions.
func NewCorrelator(client PermissionRequester, log *logger.Logger) *Correlator {
	return &Correlator{
		client:  client,
		logger:  log.WithFields(zap.String("component", "permissions")),
		tickets: make(map[string]*Ticket),
	}
}

// Request registers a ticket for req and sends req to the client in the
// background. The ticket resolves with the mapped client answer, or abort
// when the client call fails.
func (c *Correlator) Request(ctx context.Context, eventID string, req acp.RequestPermissionRequest) *Ticket {
	t := &Ticket{
		ID:        uuid.New().String(),
		EventID:   eventID,
		SessionID: string(req.SessionId),
		Request:   req,
		owner:     c,
		decision:  make(chan codex.ReviewDecision, 1),
	}

	c.mu.Lock()
	c.tickets[t.ID] = t
	c.mu.Unlock()

	go c.dispatch(ctx, t)
	return t
}

func (c *Correlator) dispatch(ctx context.Context, t *Ticket) {
	ctx, span := tracing.StartRequest(ctx, "permission", t.SessionID)
	span.SetAttributes(
		attribute.String("tool_call_id", string(t.Request.ToolCall.ToolCallId)),
		attribute.String("event_id", t.EventID),
	)

	log := c.logger.WithSessionID(t.SessionID).WithFields(
		zap.String("ticket_id", t.ID),
		zap.String("tool_call_id", string(t.Request.ToolCall.ToolCallId)))

	resp, err := c.client.RequestPermission(ctx, t.Request)
	decision := codex.DecisionAbort
	if err != nil {
		log.Warn("permission request failed, aborting", zap.Error(err))
	} else {
		decision = DecisionFromResponse(resp)
	}
	span.SetAttributes(attribute.String("decision", string(decision)))
	tracing.EndWithError(span, err)

	if !c.Resolve(t.ID, decision) {
		log.Debug("ticket already resolved", zap.String("decision", string(decision)))
		return
	}
	log.Info("permission resolved", zap.String("decision", string(decision)))
}

// Resolve fulfils the ticket with id. It reports false for unknown or
// already resolved tickets.
func (c *Correlator) Resolve(id string, d codex.ReviewDecision) bool {
	c.mu.Lock()
	t, ok := c.tickets[id]
	delete(c.tickets, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return t.resolve(d)
}

// DropSession aborts every outstanding ticket of a session.
func (c *Correlator) DropSession(sessionID string) int {
	c.mu.Lock()
	var dropped []*Ticket
	for id, t := range c.tickets {
		if t.SessionID == sessionID {
			dropped = append(dropped, t)
			delete(c.tickets, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, t := range dropped {
		if t.resolve(codex.DecisionAbort) {
			n++
		}
	}
	return n
}

// Pending returns the number of unresolved tickets.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}
