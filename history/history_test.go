package history

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/foreman/agent"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(id string, featureID int) *Session {
	return &Session{
		ID:        id,
		FeatureID: featureID,
		Track:     "track-a",
		Branch:    fmt.Sprintf("feature/%d-test", featureID),
		Status:    SessionRunning,
		StartedAt: time.Now(),
		Prompt:    "implement the thing",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	store := openTestStore(t)

	session := newTestSession("sess-1", 1)
	session.Messages = []agent.Message{
		{Kind: agent.KindAssistant, Agent: agent.Claude, Content: "working on it"},
	}
	require.NoError(t, store.CreateSession(session))

	got, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FeatureID)
	assert.Equal(t, SessionRunning, got.Status)
	assert.Equal(t, "implement the thing", got.Prompt)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "working on it", got.Messages[0].Content)

	_, err = store.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateSession(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateSession(newTestSession("sess-1", 1)))

	status := SessionPassed
	finished := time.Now()
	duration := int64(1234)
	output := "all good"
	agentUsed := "codex"
	require.NoError(t, store.UpdateSession("sess-1", Update{
		Status:     &status,
		FinishedAt: &finished,
		DurationMS: &duration,
		Output:     &output,
		AgentUsed:  &agentUsed,
		Messages: []agent.Message{
			{Kind: agent.KindResult, Content: "done"},
		},
	}))

	got, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionPassed, got.Status)
	assert.Equal(t, int64(1234), got.DurationMS)
	assert.Equal(t, "all good", got.Output)
	assert.Equal(t, "codex", got.AgentUsed)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Messages, 1)

	t.Run("unknown id", func(t *testing.T) {
		err := store.UpdateSession("missing", Update{Status: &status})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		assert.NoError(t, store.UpdateSession("sess-1", Update{}))
	})
}

func TestGetLatestSessionForFeature(t *testing.T) {
	store := openTestStore(t)

	first := newTestSession("sess-1", 7)
	first.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateSession(first))

	second := newTestSession("sess-2", 7)
	require.NoError(t, store.CreateSession(second))

	got, err := store.GetLatestSessionForFeature(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-2", got.ID)

	got, err = store.GetLatestSessionForFeature(99)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetSessionsFilterAndPagination(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		s := newTestSession(fmt.Sprintf("sess-%d", i), i%2)
		s.StartedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			s.Track = TrackVerification
		}
		require.NoError(t, store.CreateSession(s))
	}

	t.Run("filter by feature", func(t *testing.T) {
		fid := 1
		sessions, err := store.GetSessions(Filter{FeatureID: &fid}, 0, 0)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})

	t.Run("filter by track", func(t *testing.T) {
		count, err := store.GetSessionCount(Filter{Track: TrackVerification})
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("newest first with pagination", func(t *testing.T) {
		sessions, err := store.GetSessions(Filter{}, 2, 0)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "sess-4", sessions[0].ID)
		assert.Equal(t, "sess-3", sessions[1].ID)

		next, err := store.GetSessions(Filter{}, 2, 2)
		require.NoError(t, err)
		require.Len(t, next, 2)
		assert.Equal(t, "sess-2", next[0].ID)
	})
}

func TestConcurrentWrites(t *testing.T) {
	store := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newTestSession(fmt.Sprintf("sess-%d", i), i)
			assert.NoError(t, store.CreateSession(s))

			status := SessionFailed
			assert.NoError(t, store.UpdateSession(s.ID, Update{Status: &status}))
		}(i)
	}
	wg.Wait()

	count, err := store.GetSessionCount(Filter{Status: SessionFailed})
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}
