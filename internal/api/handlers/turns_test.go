package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/sessionstore"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessionStore is an in-memory sessionstore.Store double. WithLock runs
// fn directly — single-goroutine tests don't contend.
type fakeSessionStore struct {
	sessions map[string]*models.Session
}

func newFakeSessionStore(sessions ...*models.Session) *fakeSessionStore {
	s := &fakeSessionStore{sessions: make(map[string]*models.Session)}
	for _, sess := range sessions {
		cp := *sess
		s.sessions[sess.ID] = &cp
	}
	return s
}

func (s *fakeSessionStore) Create(_ context.Context, sess *models.Session) error {
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeSessionStore) Get(_ context.Context, id, owner string) (*models.Session, error) {
	sess, ok := s.sessions[id]
	if !ok || sess.OwnerAPIKey != owner {
		return nil, apierr.NotFound("session_not_found", "session not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeSessionStore) ListByOwner(_ context.Context, owner string, _ sessionstore.ListOptions) ([]models.Session, int, error) {
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.OwnerAPIKey == owner {
			out = append(out, *sess)
		}
	}
	return out, len(out), nil
}

func (s *fakeSessionStore) Update(_ context.Context, sess *models.Session) error {
	if _, ok := s.sessions[sess.ID]; !ok {
		return apierr.NotFound("session_not_found", "session not found")
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeSessionStore) Delete(_ context.Context, owner, id string) error {
	sess, ok := s.sessions[id]
	if !ok || sess.OwnerAPIKey != owner {
		return apierr.NotFound("session_not_found", "session not found")
	}
	delete(s.sessions, id)
	return nil
}

func (s *fakeSessionStore) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeTurnLog / fakeCheckpointLog are append-only in-memory doubles.
type fakeTurnLog struct {
	turns []models.Turn
}

func (l *fakeTurnLog) Append(_ context.Context, turn *models.Turn) error {
	l.turns = append(l.turns, *turn)
	return nil
}

func (l *fakeTurnLog) List(_ context.Context, sessionID string) ([]models.Turn, error) {
	var out []models.Turn
	for _, t := range l.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeCheckpointLog struct {
	checkpoints []models.Checkpoint
}

func (l *fakeCheckpointLog) Append(_ context.Context, cp *models.Checkpoint) error {
	l.checkpoints = append(l.checkpoints, *cp)
	return nil
}

func (l *fakeCheckpointLog) List(_ context.Context, sessionID string) ([]models.Checkpoint, error) {
	var out []models.Checkpoint
	for _, cp := range l.checkpoints {
		if cp.SessionID == sessionID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (l *fakeCheckpointLog) At(_ context.Context, sessionID string, index int) (*models.Checkpoint, error) {
	for _, cp := range l.checkpoints {
		if cp.SessionID == sessionID && cp.Index == index {
			out := cp
			return &out, nil
		}
	}
	return nil, apierr.NotFound("checkpoint_not_found", "checkpoint not found")
}

func (l *fakeCheckpointLog) Latest(_ context.Context, sessionID string) (*models.Checkpoint, error) {
	var latest *models.Checkpoint
	for i := range l.checkpoints {
		cp := &l.checkpoints[i]
		if cp.SessionID == sessionID && (latest == nil || cp.Index > latest.Index) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, apierr.NotFound("checkpoint_not_found", "checkpoint not found")
	}
	out := *latest
	return &out, nil
}

func testSession(id, owner string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID: id, Model: "claude-opus", Status: models.SessionActive,
		OwnerAPIKey: owner, CreatedAt: now, UpdatedAt: now,
	}
}

func TestTurnRecorder_CompletedTurnWritesCountersTurnAndCheckpoint(t *testing.T) {
	store := newFakeSessionStore(testSession("s1", "owner-a"))
	turns := &fakeTurnLog{}
	checkpoints := &fakeCheckpointLog{}
	rec := &turnRecorder{store: store, turns: turns, checkpoints: checkpoints, owner: "owner-a"}

	cost := 0.25
	err := rec.RecordTurn(context.Background(), agentrunner.TurnRecord{
		SessionID:   "s1",
		Prompt:      "say hi",
		Response:    "hi",
		Usage:       models.Usage{InputTokens: 3, OutputTokens: 1},
		Cost:        &cost,
		StopReason:  models.StopCompleted,
		Duration:    120 * time.Millisecond,
		ResumeToken: "tok-1",
	})
	require.NoError(t, err)

	sess, err := store.Get(context.Background(), "s1", "owner-a")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TotalTurns)
	assert.Equal(t, models.SessionCompleted, sess.Status)
	require.NotNil(t, sess.TotalCost)
	assert.InDelta(t, 0.25, *sess.TotalCost, 1e-9)

	require.Len(t, turns.turns, 1)
	assert.Equal(t, 0, turns.turns[0].Index)
	assert.Equal(t, "say hi", turns.turns[0].Prompt)
	assert.Equal(t, "hi", turns.turns[0].ResponseText)
	assert.Equal(t, int64(120), turns.turns[0].DurationMs)

	require.Len(t, checkpoints.checkpoints, 1)
	assert.Equal(t, 0, checkpoints.checkpoints[0].Index)
	assert.Equal(t, "tok-1", checkpoints.checkpoints[0].ResumeToken)
}

func TestTurnRecorder_InterruptedTurnGetsNoCheckpoint(t *testing.T) {
	store := newFakeSessionStore(testSession("s1", "owner-a"))
	turns := &fakeTurnLog{}
	checkpoints := &fakeCheckpointLog{}
	rec := &turnRecorder{store: store, turns: turns, checkpoints: checkpoints, owner: "owner-a"}

	err := rec.RecordTurn(context.Background(), agentrunner.TurnRecord{
		SessionID: "s1", Prompt: "p", StopReason: models.StopInterrupted,
	})
	require.NoError(t, err)

	// The turn itself is still recorded; only the resumable point is not.
	assert.Len(t, turns.turns, 1)
	assert.Empty(t, checkpoints.checkpoints)

	// An interrupted turn still ends the session cleanly.
	sess, err := store.Get(context.Background(), "s1", "owner-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, sess.Status)
}

func TestTurnRecorder_ErroredTurnMarksSessionError(t *testing.T) {
	store := newFakeSessionStore(testSession("s1", "owner-a"))
	rec := &turnRecorder{store: store, turns: &fakeTurnLog{}, checkpoints: &fakeCheckpointLog{}, owner: "owner-a"}

	err := rec.RecordTurn(context.Background(), agentrunner.TurnRecord{
		SessionID: "s1", Prompt: "p", StopReason: models.StopError,
	})
	require.NoError(t, err)

	sess, err := store.Get(context.Background(), "s1", "owner-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, sess.Status)
}

func TestTurnRecorder_CheckpointIndexContinuesPastForkSeed(t *testing.T) {
	store := newFakeSessionStore(testSession("s1", "owner-a"))
	turns := &fakeTurnLog{}
	checkpoints := &fakeCheckpointLog{}
	// A forked session arrives with a seed checkpoint at index 0.
	require.NoError(t, checkpoints.Append(context.Background(), &models.Checkpoint{SessionID: "s1", Index: 0, ResumeToken: "seed"}))

	rec := &turnRecorder{store: store, turns: turns, checkpoints: checkpoints, owner: "owner-a"}
	err := rec.RecordTurn(context.Background(), agentrunner.TurnRecord{
		SessionID: "s1", Prompt: "p", StopReason: models.StopCompleted, ResumeToken: "tok-2",
	})
	require.NoError(t, err)

	require.Len(t, checkpoints.checkpoints, 2)
	assert.Equal(t, 1, checkpoints.checkpoints[1].Index)
}

func TestTurnRecorder_AccumulatesCostAcrossTurns(t *testing.T) {
	store := newFakeSessionStore(testSession("s1", "owner-a"))
	rec := &turnRecorder{store: store, turns: &fakeTurnLog{}, checkpoints: &fakeCheckpointLog{}, owner: "owner-a"}

	c1, c2 := 0.10, 0.15
	require.NoError(t, rec.RecordTurn(context.Background(), agentrunner.TurnRecord{SessionID: "s1", StopReason: models.StopCompleted, Cost: &c1}))
	require.NoError(t, rec.RecordTurn(context.Background(), agentrunner.TurnRecord{SessionID: "s1", StopReason: models.StopCompleted, Cost: &c2}))

	sess, err := store.Get(context.Background(), "s1", "owner-a")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.TotalTurns)
	require.NotNil(t, sess.TotalCost)
	assert.InDelta(t, 0.25, *sess.TotalCost, 1e-9)
}
