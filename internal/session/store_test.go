package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cola-io/codex-acp/internal/common/errors"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/internal/engine/enginetest"
	"github.com/cola-io/codex-acp/pkg/codex"
)

func autoSession(primary, secondary string) Session {
	p := DefaultPreset()
	return Session{
		PrimaryID:      primary,
		SecondaryID:    secondary,
		Cwd:            "/work",
		ApprovalPolicy: p.Approval,
		SandboxPolicy:  p.Sandbox,
		ModeID:         p.ID,
		ModelID:        "gpt-5-codex",
	}
}

type countingLoader struct {
	calls atomic.Int32
	conv  engine.Conversation
	err   error
}

func (l *countingLoader) GetConversation(context.Context, string) (engine.Conversation, error) {
	l.calls.Add(1)
	return l.conv, l.err
}

func TestStore_CreateAndResolve(t *testing.T) {
	store := NewStore(nil, logger.Nop())

	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	byPrimary, ok := store.Resolve("conv-1")
	require.True(t, ok)
	bySecondary, ok := store.Resolve("fs-1")
	require.True(t, ok)
	assert.Equal(t, byPrimary, bySecondary)

	primary, ok := store.ResolvePrimaryID("fs-1")
	require.True(t, ok)
	assert.Equal(t, "conv-1", primary)

	_, ok = store.Get("fs-1")
	assert.False(t, ok, "Get only matches primary ids")

	sess, ok := store.GetBySecondaryID("fs-1")
	require.True(t, ok)
	assert.Equal(t, "conv-1", sess.PrimaryID)
	_, ok = store.GetBySecondaryID("conv-1")
	assert.False(t, ok, "GetBySecondaryID only matches secondary ids")

	_, ok = store.Resolve("missing")
	assert.False(t, ok)
}

func TestStore_CreateRejectsDuplicatesAndBadModes(t *testing.T) {
	store := NewStore(nil, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	_, err = store.Create(autoSession("conv-1", "fs-2"))
	assert.ErrorContains(t, err, "already exists")

	_, err = store.Create(Session{})
	assert.Error(t, err)

	bad := autoSession("conv-2", "fs-2")
	bad.ModeID = ModeFullAccess
	_, err = store.Create(bad)
	assert.ErrorContains(t, err, "does not match")
}

func TestStore_Mutate(t *testing.T) {
	store := NewStore(nil, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	usage := &codex.TokenUsage{TotalTokens: 42}
	assert.True(t, store.Mutate("conv-1", func(s *Session) { s.TokenUsage = usage }))
	got, _ := store.Get("conv-1")
	assert.Equal(t, int64(42), got.TokenUsage.TotalTokens)

	assert.False(t, store.Mutate("missing", func(*Session) {}))

	model, ok := MutateWith(store, "conv-1", func(s *Session) string { return s.ModelID })
	assert.True(t, ok)
	assert.Equal(t, "gpt-5-codex", model)
}

func TestStore_MutateDiscardsInvariantBreak(t *testing.T) {
	store := NewStore(nil, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	store.Mutate("conv-1", func(s *Session) {
		s.ApprovalPolicy = codex.ApprovalNever
	})

	got, _ := store.Get("conv-1")
	assert.Equal(t, codex.ApprovalOnRequest, got.ApprovalPolicy)
	assert.Equal(t, ModeAuto, got.ModeID)
}

func TestStore_ApplySetsWholeTriple(t *testing.T) {
	store := NewStore(nil, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	full, _ := FindPreset(ModeFullAccess)
	err = store.Apply(context.Background(), "fs-1", func(_ context.Context, snap Session) (func(*Session), error) {
		assert.Equal(t, ModeAuto, snap.ModeID)
		return func(s *Session) {
			s.ModeID = full.ID
			s.ApprovalPolicy = full.Approval
			s.SandboxPolicy = full.Sandbox
		}, nil
	})
	require.NoError(t, err)

	got, _ := store.Get("conv-1")
	assert.Equal(t, ModeFullAccess, got.ModeID)
	assert.Equal(t, codex.ApprovalNever, got.ApprovalPolicy)
	assert.Equal(t, "gpt-5-codex", got.ModelID)

	boom := errors.New("engine down")
	err = store.Apply(context.Background(), "conv-1", func(context.Context, Session) (func(*Session), error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.Apply(context.Background(), "missing", func(context.Context, Session) (func(*Session), error) {
		return nil, nil
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNotFound))
}

func TestStore_ApplySerializesPerSession(t *testing.T) {
	store := NewStore(nil, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Apply(context.Background(), "conv-1", func(context.Context, Session) (func(*Session), error) {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				inFlight.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestStore_GetOrLoadEngineHandle(t *testing.T) {
	conv := enginetest.NewConversation("conv-1", nil)
	loader := &countingLoader{conv: conv}
	store := NewStore(loader, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := store.GetOrLoadEngineHandle(context.Background(), "conv-1")
			assert.NoError(t, err)
			assert.Same(t, conv, handle)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loader.calls.Load())

	_, err = store.GetOrLoadEngineHandle(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNotFound))
}

func TestStore_GetOrLoadEngineHandleFailure(t *testing.T) {
	loader := &countingLoader{err: engine.ErrConversationNotFound}
	store := NewStore(loader, logger.Nop())
	_, err := store.Create(autoSession("conv-1", "fs-1"))
	require.NoError(t, err)

	_, err = store.GetOrLoadEngineHandle(context.Background(), "conv-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEngineFailure))
	assert.ErrorIs(t, err, engine.ErrConversationNotFound)
}

func TestPresets(t *testing.T) {
	for _, p := range Presets() {
		matched, ok := MatchPreset(p.Approval, p.Sandbox.Mode)
		require.True(t, ok, p.ID)
		assert.Equal(t, p.ID, matched.ID)
	}
	_, ok := MatchPreset(codex.ApprovalUntrusted, codex.SandboxReadOnly)
	assert.False(t, ok)
	_, ok = FindPreset("turbo")
	assert.False(t, ok)
}
