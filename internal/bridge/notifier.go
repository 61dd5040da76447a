package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	apperrors "github.com/cola-io/codex-acp/internal/common/errors"
	"github.com/cola-io/codex-acp/internal/common/logger"
)

// ErrNotifierStopped is returned by Send once the pump has exited.
var ErrNotifierStopped = errors.New("notifier stopped")

// SessionUpdater delivers a session notification to the client.
type SessionUpdater interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
}

// IDResolver normalizes a primary or secondary session id.
type IDResolver interface {
	ResolvePrimaryID(id string) (string, bool)
}

type delivery struct {
	ctx          context.Context
	notification acp.SessionNotification
	ack          chan error
}

// Notifier is the single path by which updates reach the client. Send
// blocks until the pump has handed the notification to the client, so a
// turn never runs ahead of its deliveries.
type Notifier struct {
	ids    IDResolver
	logger *logger.Logger

	queue    chan delivery
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewNotifier creates a notifier with the given queue depth.
func NewNotifier(ids IDResolver, buffer int, log *logger.Logger) *Notifier {
	if buffer < 0 {
		buffer = 0
	}
	return &Notifier{
		ids:     ids,
		logger:  log.WithFields(zap.String("component", "notifier")),
		queue:   make(chan delivery, buffer),
		stopped: make(chan struct{}),
	}
}

// Run pumps queued notifications to client until ctx is done.
func (n *Notifier) Run(ctx context.Context, client SessionUpdater) error {
	defer n.stopOnce.Do(func() { close(n.stopped) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-n.queue:
			d.ack <- n.deliver(d, client)
		}
	}
}

func (n *Notifier) deliver(d delivery, client SessionUpdater) error {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	notification := d.notification
	if primary, ok := n.ids.ResolvePrimaryID(string(notification.SessionId)); ok {
		notification.SessionId = acp.SessionId(primary)
	}
	if err := client.SessionUpdate(d.ctx, notification); err != nil {
		n.logger.WithSessionID(string(notification.SessionId)).Warn("session update failed", zap.Error(err))
		return err
	}
	return nil
}

// Send queues an update for sessionID and waits for its acknowledgement.
func (n *Notifier) Send(ctx context.Context, sessionID string, update acp.SessionUpdate) error {
	d := delivery{
		ctx:          ctx,
		notification: acp.SessionNotification{SessionId: acp.SessionId(sessionID), Update: update},
		ack:          make(chan error, 1),
	}

	select {
	case n.queue <- d:
	case <-n.stopped:
		return apperrors.DeliveryFailure("queue session update", ErrNotifierStopped)
	case <-ctx.Done():
		return apperrors.DeliveryFailure("queue session update", ctx.Err())
	}

	select {
	case err := <-d.ack:
		if err != nil {
			return apperrors.DeliveryFailure("deliver session update", err)
		}
		return nil
	case <-n.stopped:
		return apperrors.DeliveryFailure("deliver session update", ErrNotifierStopped)
	case <-ctx.Done():
		return apperrors.DeliveryFailure("deliver session update", ctx.Err())
	}
}

// SendMessage streams text as an agent message chunk.
func (n *Notifier) SendMessage(ctx context.Context, sessionID, text string) error {
	return n.Send(ctx, sessionID, acp.UpdateAgentMessageText(text))
}

// SendThought streams text as an agent thought chunk.
func (n *Notifier) SendThought(ctx context.Context, sessionID, text string) error {
	return n.Send(ctx, sessionID, acp.UpdateAgentThoughtText(text))
}
