package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cola-io/codex-acp/internal/common/config"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// stderrBufferSize is the number of recent stderr lines kept for error context.
const stderrBufferSize = 50

// ProcessEngine runs one engine subprocess per conversation.
type ProcessEngine struct {
	cfg    config.EngineConfig
	logger *logger.Logger

	mu            sync.Mutex
	conversations map[string]*processConversation
}

var _ Engine = (*ProcessEngine)(nil)

// NewProcessEngine creates an engine that spawns cfg.Command.
func NewProcessEngine(cfg config.EngineConfig, log *logger.Logger) *ProcessEngine {
	return &ProcessEngine{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "engine")),
		conversations: make(map[string]*processConversation),
	}
}

// NewConversation spawns the engine and waits for session_configured.
func (e *ProcessEngine) NewConversation(ctx context.Context, opts ConversationOptions) (*Started, error) {
	args := append(append([]string{}, e.cfg.Args...), ConfigOverrides(opts)...)

	// exec.Command rather than CommandContext: the conversation outlives the
	// request that created it.
	cmd := exec.Command(e.cfg.Command, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	e.logger.Info("starting engine process",
		zap.String("command", e.cfg.Command),
		zap.Strings("args", args),
		zap.String("cwd", opts.Cwd))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	conv := &processConversation{
		cmd:         cmd,
		stdin:       stdin,
		client:      codex.NewClient(stdin, stdout, e.cfg.EventBuffer, e.logger),
		exited:      make(chan struct{}),
		stopTimeout: time.Duration(e.cfg.StopTimeoutSeconds) * time.Second,
		logger:      e.logger.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}
	conv.start(stderr)

	started, err := conv.awaitConfigured(ctx)
	if err != nil {
		_ = conv.Close(context.Background())
		return nil, err
	}
	conv.id = started.ID
	conv.logger = conv.logger.WithSessionID(started.ID)

	e.mu.Lock()
	e.conversations[started.ID] = conv
	e.mu.Unlock()

	conv.logger.Info("engine conversation configured", zap.String("model", started.Model))
	return started, nil
}

// GetConversation returns a live conversation started by this engine.
func (e *ProcessEngine) GetConversation(_ context.Context, id string) (Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv, nil
}

// Close shuts down every conversation.
func (e *ProcessEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	convs := make([]*processConversation, 0, len(e.conversations))
	for id, conv := range e.conversations {
		convs = append(convs, conv)
		delete(e.conversations, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, conv := range convs {
		if err := conv.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type processConversation struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *codex.Client
	logger *logger.Logger

	stderrMu  sync.RWMutex
	stderrBuf []string

	exited      chan struct{}
	exitErr     error
	stopTimeout time.Duration
	closeOnce   sync.Once
}

func (c *processConversation) start(stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error {
		return c.client.Run(context.Background())
	})
	g.Go(func() error {
		c.readStderr(stderr)
		return nil
	})

	// Wait must follow the pipe readers.
	go func() {
		readErr := g.Wait()
		err := c.cmd.Wait()
		if err == nil {
			err = readErr
		}
		c.exitErr = err
		if err != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			c.logger.Warn("engine process exited",
				zap.Error(err),
				zap.Int("exit_code", exitCode),
				zap.Strings("recent_stderr", c.recentStderr()))
		} else {
			c.logger.Info("engine process exited")
		}
		close(c.exited)
	}()
}

func (c *processConversation) awaitConfigured(ctx context.Context) (*Started, error) {
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for session_configured: %w", err)
		}
		if sc, ok := ev.Msg.(*codex.SessionConfigured); ok {
			return &Started{
				ID:              sc.SessionID,
				Conversation:    c,
				Model:           sc.Model,
				ReasoningEffort: sc.ReasoningEffort,
			}, nil
		}
		c.logger.Debug("skipping event before session_configured", zap.String("type", ev.Msg.EventType()))
	}
}

// Submit writes op to the engine.
func (c *processConversation) Submit(ctx context.Context, op codex.Op) (string, error) {
	return c.client.Submit(ctx, op)
}

// NextEvent returns the next event, or the reason the engine went away.
func (c *processConversation) NextEvent(ctx context.Context) (codex.Event, error) {
	select {
	case ev, ok := <-c.client.Events():
		if ok {
			return ev, nil
		}
		<-c.exited
		return codex.Event{}, c.exitReason()
	case <-ctx.Done():
		return codex.Event{}, ctx.Err()
	}
}

func (c *processConversation) exitReason() error {
	if parsed := codex.ParseStderrLines(c.recentStderr()); parsed != nil {
		return fmt.Errorf("engine exited: %w", parsed)
	}
	if c.exitErr != nil {
		return fmt.Errorf("engine exited: %w", c.exitErr)
	}
	return errors.New("engine exited")
}

// Close asks the engine to shut down, then closes stdin and waits. The
// process group is killed if it does not exit in time.
func (c *processConversation) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		submitCtx, cancel := context.WithTimeout(ctx, time.Second)
		if _, err := c.client.Submit(submitCtx, codex.Shutdown{}); err != nil {
			c.logger.Debug("failed to submit shutdown", zap.Error(err))
		}
		cancel()
		if err := c.stdin.Close(); err != nil {
			c.logger.Debug("failed to close stdin", zap.Error(err))
		}

		timer := time.NewTimer(c.stopTimeout)
		defer timer.Stop()
		select {
		case <-c.exited:
			return
		case <-timer.C:
		case <-ctx.Done():
		}

		c.logger.Warn("force killing engine process")
		if err := killProcessGroup(c.cmd.Process.Pid); err != nil {
			if err := c.cmd.Process.Kill(); err != nil {
				c.logger.Warn("failed to kill engine process", zap.Error(err))
			}
		}
		c.client.Stop()
		<-c.exited
	})
	return nil
}

func (c *processConversation) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("engine stderr", zap.String("line", line))
		c.appendStderr(line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("stderr reader error", zap.Error(err))
	}
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func (c *processConversation) appendStderr(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()

	if len(c.stderrBuf) >= stderrBufferSize {
		c.stderrBuf = c.stderrBuf[1:]
	}
	c.stderrBuf = append(c.stderrBuf, ansiEscapeRegex.ReplaceAllString(line, ""))
}

func (c *processConversation) recentStderr() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	out := make([]string, len(c.stderrBuf))
	copy(out, c.stderrBuf)
	return out
}
