// Package session holds per-session bridge state and the mode preset table.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/cola-io/codex-acp/internal/common/errors"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// Session is a snapshot of one session's state. Values returned by the
// Store are copies; change state through Mutate or Apply.
type Session struct {
	// PrimaryID is the engine's conversation id.
	PrimaryID string
	// SecondaryID is the bridge-assigned id used by the filesystem bridge.
	SecondaryID string
	Cwd         string
	// Engine is nil until the first use of a loaded session.
	Engine engine.Conversation

	ApprovalPolicy codex.AskForApproval
	SandboxPolicy  codex.SandboxPolicy
	ModeID         string

	// ModelID is "provider@model" for custom providers, the bare model otherwise.
	ModelID         string
	ReasoningEffort codex.ReasoningEffort

	// TokenUsage is replaced wholesale on every token_count event.
	TokenUsage *codex.TokenUsage
	CreatedAt  time.Time
}

// EngineLoader binds an engine handle to a session that has none.
type EngineLoader interface {
	GetConversation(ctx context.Context, id string) (engine.Conversation, error)
}

type entry struct {
	state Session
	// apply serializes read-modify-submit sequences on one session.
	apply sync.Mutex
	// load ensures one engine load per session at a time.
	load sync.Mutex
}

// Store maps session ids to session state.
type Store struct {
	loader EngineLoader
	logger *logger.Logger

	mu          sync.RWMutex
	entries     map[string]*entry
	bySecondary map[string]string
}

// NewStore creates an empty store.
func NewStore(loader EngineLoader, log *logger.Logger) *Store {
	return &Store{
		loader:      loader,
		logger:      log.WithFields(zap.String("component", "session-store")),
		entries:     make(map[string]*entry),
		bySecondary: make(map[string]string),
	}
}

// CheckMode reports whether s.ModeID names the preset matching its policies.
func CheckMode(s Session) error {
	p, ok := FindPreset(s.ModeID)
	if !ok {
		return fmt.Errorf("unknown mode %q", s.ModeID)
	}
	if p.Approval != s.ApprovalPolicy || p.Sandbox.Mode != s.SandboxPolicy.Mode {
		return fmt.Errorf("mode %q does not match approval %q and sandbox %q",
			s.ModeID, s.ApprovalPolicy, s.SandboxPolicy.Mode)
	}
	return nil
}

// Create inserts a new session.
func (s *Store) Create(sess Session) (Session, error) {
	if sess.PrimaryID == "" {
		return Session{}, fmt.Errorf("session primary id is required")
	}
	if err := CheckMode(sess); err != nil {
		return Session{}, err
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sess.PrimaryID]; exists {
		return Session{}, fmt.Errorf("session %s already exists", sess.PrimaryID)
	}
	s.entries[sess.PrimaryID] = &entry{state: sess}
	if sess.SecondaryID != "" {
		s.bySecondary[sess.SecondaryID] = sess.PrimaryID
	}

	s.logger.Debug("session created",
		zap.String("session_id", sess.PrimaryID),
		zap.String("secondary_id", sess.SecondaryID),
		zap.String("mode", sess.ModeID))
	return sess, nil
}

// Get looks a session up by primary id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.state, true
}

// Resolve looks a session up by primary id, then by secondary id.
func (s *Store) Resolve(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.resolveLocked(id)
	if e == nil {
		return Session{}, false
	}
	return e.state, true
}

// GetBySecondaryID looks a session up by secondary id only.
func (s *Store) GetBySecondaryID(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	primary, ok := s.bySecondary[id]
	if !ok {
		return Session{}, false
	}
	e, ok := s.entries[primary]
	if !ok {
		return Session{}, false
	}
	return e.state, true
}

// ResolvePrimaryID normalizes a primary or secondary id to the primary id.
func (s *Store) ResolvePrimaryID(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.resolveLocked(id)
	if e == nil {
		return "", false
	}
	return e.state.PrimaryID, true
}

func (s *Store) resolveLocked(id string) *entry {
	if e, ok := s.entries[id]; ok {
		return e
	}
	if primary, ok := s.bySecondary[id]; ok {
		return s.entries[primary]
	}
	return nil
}

// List returns every session ordered by creation time.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.state)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mutate applies fn to the session under the store lock. A change that
// breaks the mode invariant is discarded. It reports whether the session
// exists.
func (s *Store) Mutate(id string, fn func(*Session)) bool {
	_, ok := MutateWith(s, id, func(sess *Session) struct{} {
		fn(sess)
		return struct{}{}
	})
	return ok
}

// MutateWith is Mutate for functions that return a value.
func MutateWith[R any](s *Store, id string, fn func(*Session) R) (R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero R
	e, ok := s.entries[id]
	if !ok {
		return zero, false
	}
	next := e.state
	result := fn(&next)
	if err := s.commitLocked(e, next); err != nil {
		s.logger.Error("discarding session mutation", zap.String("session_id", id), zap.Error(err))
		return zero, true
	}
	return result, true
}

func (s *Store) commitLocked(e *entry, next Session) error {
	if next.PrimaryID != e.state.PrimaryID || next.SecondaryID != e.state.SecondaryID {
		return fmt.Errorf("session ids are immutable")
	}
	if err := CheckMode(next); err != nil {
		return err
	}
	e.state = next
	return nil
}

// Apply runs a read-modify-write sequence that may block, such as submitting
// a context override to the engine. Sequences on the same session run one at
// a time. fn receives the current snapshot and returns the mutation to
// commit; an error from fn leaves the session unchanged.
func (s *Store) Apply(ctx context.Context, id string, fn func(context.Context, Session) (func(*Session), error)) error {
	s.mu.RLock()
	e := s.resolveLocked(id)
	s.mu.RUnlock()
	if e == nil {
		return apperrors.SessionNotFound(id)
	}

	e.apply.Lock()
	defer e.apply.Unlock()

	s.mu.RLock()
	snapshot := e.state
	s.mu.RUnlock()

	mutate, err := fn(ctx, snapshot)
	if err != nil {
		return err
	}
	if mutate == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := e.state
	mutate(&next)
	return s.commitLocked(e, next)
}

// GetOrLoadEngineHandle returns the session's engine handle, asking the
// loader for it on first use.
func (s *Store) GetOrLoadEngineHandle(ctx context.Context, id string) (engine.Conversation, error) {
	s.mu.RLock()
	e := s.resolveLocked(id)
	s.mu.RUnlock()
	if e == nil {
		return nil, apperrors.SessionNotFound(id)
	}

	e.load.Lock()
	defer e.load.Unlock()

	s.mu.RLock()
	handle, primary := e.state.Engine, e.state.PrimaryID
	s.mu.RUnlock()
	if handle != nil {
		return handle, nil
	}
	if s.loader == nil {
		return nil, apperrors.EngineFailure("load conversation", fmt.Errorf("no engine loader"))
	}

	s.logger.Debug("loading engine conversation", zap.String("session_id", primary))
	handle, err := s.loader.GetConversation(ctx, primary)
	if err != nil {
		return nil, apperrors.EngineFailure("load conversation", err)
	}

	s.mu.Lock()
	e.state.Engine = handle
	s.mu.Unlock()
	return handle, nil
}
