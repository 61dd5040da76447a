package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/common/logger"
)

// ErrClientClosed is returned by Submit after Stop or after the engine's
// stdout is exhausted.
var ErrClientClosed = errors.New("codex client closed")

const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 16 * 1024 * 1024
)

// Client speaks the submission/event protocol over an engine's stdio.
// Events are delivered on a single channel in the order they were read.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	submissionID atomic.Int64
	writeMu      sync.Mutex

	events chan Event

	logger   *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client. buffer is the capacity of the event channel.
func NewClient(stdin io.Writer, stdout io.Reader, buffer int, log *logger.Logger) *Client {
	if buffer < 0 {
		buffer = 0
	}
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		events: make(chan Event, buffer),
		logger: log.WithFields(zap.String("component", "codex-client")),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed once the client stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Stop stops the client. Pending Submit calls fail with ErrClientClosed.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Submit writes op with a fresh submission id and returns that id.
func (c *Client) Submit(ctx context.Context, op Op) (string, error) {
	select {
	case <-c.done:
		return "", ErrClientClosed
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	id := strconv.FormatInt(c.submissionID.Add(1), 10)
	if err := c.send(Submission{ID: id, Op: op}); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) send(sub Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write submission: %w", err)
	}
	c.logger.Debug("codex: sent submission",
		zap.String("submission_id", sub.ID),
		zap.String("op", sub.Op.OpType()))
	return nil
}

// Run reads events until stdout is exhausted, ctx is done or Stop is called.
// It closes the event channel and the done channel before returning.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Warn("failed to parse event", zap.Error(err), zap.ByteString("line", line))
			continue
		}
		c.logger.Debug("codex: received event",
			zap.String("submission_id", ev.ID),
			zap.String("type", ev.Msg.EventType()))

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}
