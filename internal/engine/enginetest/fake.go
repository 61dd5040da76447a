// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// Responder reacts to a submission, typically by calling c.Emit.
type Responder func(c *Conversation, subID string, op codex.Op)

// Engine is an engine.Engine whose conversations answer through a
// Responder.
type Engine struct {
	Respond Responder
	// NewErr, when set, fails NewConversation.
	NewErr error
	Model  string

	mu      sync.Mutex
	nextID  int
	convs   map[string]*Conversation
	Created []engine.ConversationOptions
}

var _ engine.Engine = (*Engine)(nil)

// New returns a fake engine.
func New(respond Responder) *Engine {
	return &Engine{Respond: respond, Model: "gpt-5-codex", convs: map[string]*Conversation{}}
}

func (e *Engine) NewConversation(_ context.Context, opts engine.ConversationOptions) (*engine.Started, error) {
	if e.NewErr != nil {
		return nil, e.NewErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("conv-%d", e.nextID)
	conv := NewConversation(id, e.Respond)
	e.convs[id] = conv
	e.Created = append(e.Created, opts)

	model := opts.Model
	if model == "" {
		model = e.Model
	}
	return &engine.Started{ID: id, Conversation: conv, Model: model, ReasoningEffort: opts.ReasoningEffort}, nil
}

func (e *Engine) GetConversation(_ context.Context, id string) (engine.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrConversationNotFound, id)
	}
	return conv, nil
}

// Add registers a conversation under id so GetConversation can find it.
func (e *Engine) Add(conv *Conversation) {
	e.mu.Lock()
	e.convs[conv.ID] = conv
	e.mu.Unlock()
}

// Conversation returns a conversation created by this engine.
func (e *Engine) Conversation(id string) *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convs[id]
}

// Conversation is an engine.Conversation backed by an in-memory queue.
type Conversation struct {
	ID      string
	respond Responder

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []codex.Event
	closedErr error
	seq       int
	submitted []codex.Submission
	// SubmitErr, when set, fails every Submit.
	SubmitErr error
}

var _ engine.Conversation = (*Conversation)(nil)

// ErrClosed is returned by NextEvent after Close.
var ErrClosed = errors.New("conversation closed")

// NewConversation returns a standalone fake conversation.
func NewConversation(id string, respond Responder) *Conversation {
	c := &Conversation{ID: id, respond: respond}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Submit records op. Like the subprocess client it refuses a done context.
func (c *Conversation) Submit(ctx context.Context, op codex.Op) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.SubmitErr != nil {
		err := c.SubmitErr
		c.mu.Unlock()
		return "", err
	}
	c.seq++
	id := strconv.Itoa(c.seq)
	c.submitted = append(c.submitted, codex.Submission{ID: id, Op: op})
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		respond(c, id, op)
	}
	return id, nil
}

func (c *Conversation) NextEvent(ctx context.Context) (codex.Event, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		if c.closedErr != nil {
			return codex.Event{}, c.closedErr
		}
		if err := ctx.Err(); err != nil {
			return codex.Event{}, err
		}
		c.cond.Wait()
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, nil
}

// Emit queues events tagged with id.
func (c *Conversation) Emit(id string, msgs ...codex.EventMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range msgs {
		c.queue = append(c.queue, codex.Event{ID: id, Msg: msg})
	}
	c.cond.Broadcast()
}

// Close makes NextEvent fail with err (ErrClosed when nil) once the queue
// is drained.
func (c *Conversation) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	c.closedErr = err
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Submitted returns every submission so far.
func (c *Conversation) Submitted() []codex.Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]codex.Submission(nil), c.submitted...)
}

// SubmittedOps returns the ops of type T submitted so far.
func SubmittedOps[T codex.Op](c *Conversation) []T {
	var out []T
	for _, sub := range c.Submitted() {
		if op, ok := sub.Op.(T); ok {
			out = append(out, op)
		}
	}
	return out
}
