package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/events"
	"github.com/ByteMirror/foreman/feature"
	"github.com/ByteMirror/foreman/history"
)

const e2eTimeout = 90 * time.Second

// setupProject creates a git repo with a committed feature file and returns
// a ready-to-start orchestrator wired to stub agents.
type testProject struct {
	root     string
	cfg      *config.ProjectConfig
	sessions *history.Store
	bus      *events.Bus
	orch     *Orchestrator
}

func setupProject(t *testing.T, features []feature.Feature, tracks []config.TrackDef) *testProject {
	t.Helper()

	root := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(root, 0755))
	gitRun(t, root, "init", "-b", "main")
	gitRun(t, root, "config", "user.email", "test@example.com")
	gitRun(t, root, "config", "user.name", "Test User")

	data, err := json.MarshalIndent(features, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "features.json"), append(data, '\n'), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# test\n"), 0644))
	gitRun(t, root, "add", ".")
	gitRun(t, root, "commit", "-m", "Initial commit")

	cfg := config.DefaultConfig()
	cfg.Tracks = tracks
	cfg.TracksConfigured = len(tracks) > 0
	cfg.Verification.DelayMs = 0
	cfg.Verification.MaxAttempts = 2
	cfg.Agent.RateLimitWaitMs = 200
	cfg.Agent.Fallbacks = nil

	sessions, err := history.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	bus := events.NewBus()
	return &testProject{
		root:     root,
		cfg:      cfg,
		sessions: sessions,
		bus:      bus,
		orch:     New(root, cfg, sessions, bus),
	}
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, output)
}

// stubAgent wires the claude agent to an inline shell script.
func (p *testProject) stubAgent(script string) {
	p.cfg.Agent.Commands = map[string]config.AgentCommand{
		"claude": {Command: "sh", Args: []string{"-c", script}},
	}
}

// implementingScript writes a unique file when running in a worktree and
// reports passing steps when running in the project root (verification).
func (p *testProject) implementingScript() string {
	return fmt.Sprintf(`if [ "$PWD" = "%s" ]; then
echo "STEP 1: PASS - looks good"
else
echo "change" > "change-$$.txt"
echo '{"type":"result","result":"implemented"}'
fi`, p.root)
}

func (p *testProject) shutdown(t *testing.T) {
	t.Helper()
	p.orch.Stop()
	done := make(chan struct{})
	go func() {
		p.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e2eTimeout):
		t.Fatal("orchestrator did not stop")
	}
}

func (p *testProject) waitForStatus(t *testing.T, featureID int, want feature.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		f, err := p.orch.Features().GetFeature(featureID)
		return err == nil && f.Status == want
	}, e2eTimeout, 200*time.Millisecond, "feature %d never reached %s", featureID, want)
}

func TestValidateTracks(t *testing.T) {
	valid := []config.TrackDef{
		{Name: "a", IsDefault: true},
		{Name: "b"},
	}
	assert.NoError(t, validateTracks(valid))

	cases := []struct {
		name   string
		tracks []config.TrackDef
	}{
		{"empty", nil},
		{"too many", make([]config.TrackDef, 6)},
		{"no default", []config.TrackDef{{Name: "a"}}},
		{"two defaults", []config.TrackDef{{Name: "a", IsDefault: true}, {Name: "b", IsDefault: true}}},
		{"duplicate names", []config.TrackDef{{Name: "a", IsDefault: true}, {Name: "a"}}},
		{"empty name", []config.TrackDef{{Name: "", IsDefault: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, validateTracks(tc.tracks))
		})
	}
}

func TestSetupHandshake(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "core", Name: "Thing", Status: feature.StatusOpen, Steps: []string{"works"}},
	}, nil)
	p.stubAgent(p.implementingScript())

	categoriesCh := p.bus.Subscribe(events.TopicNewCategories)
	defer categoriesCh.Unsubscribe()

	require.NoError(t, p.orch.Start())
	assert.Equal(t, StateSetup, p.orch.State())

	// Detected categories are published for the configuring collaborator.
	select {
	case event := <-categoriesCh.C:
		assert.Equal(t, []string{"core"}, event.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no category event published")
	}

	// Invalid configurations are rejected and the state stays setup.
	err := p.orch.ConfigureTracks([]config.TrackDef{{Name: "a"}, {Name: "b"}})
	assert.Error(t, err)
	assert.Equal(t, StateSetup, p.orch.State())

	require.NoError(t, p.orch.ConfigureTracks([]config.TrackDef{{Name: "solo", IsDefault: true}}))
	require.Eventually(t, func() bool {
		return p.orch.State() == StateRunning
	}, 10*time.Second, 50*time.Millisecond)

	// The accepted configuration was persisted.
	saved, err := config.Load(p.root)
	require.NoError(t, err)
	assert.True(t, saved.TracksConfigured)
	require.Len(t, saved.Tracks, 1)
	assert.Equal(t, "solo", saved.Tracks[0].Name)

	// Configuring again while running is rejected.
	assert.Error(t, p.orch.ConfigureTracks([]config.TrackDef{{Name: "solo", IsDefault: true}}))

	p.waitForStatus(t, 1, feature.StatusPassed)
	p.shutdown(t)
}

func TestHappyPathSingleTrack(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "core", Name: "Login page", Status: feature.StatusOpen, Steps: []string{"renders"}},
	}, []config.TrackDef{{Name: "solo", Categories: []string{"core"}, IsDefault: true}})
	p.stubAgent(p.implementingScript())

	require.NoError(t, p.orch.Start())
	p.waitForStatus(t, 1, feature.StatusPassed)
	p.shutdown(t)

	// Two sessions: implementation and verification.
	count, err := p.sessions.GetSessionCount(history.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	fid := 1
	implCount, err := p.sessions.GetSessionCount(history.Filter{FeatureID: &fid, Track: "solo"})
	require.NoError(t, err)
	assert.Equal(t, 1, implCount)

	verifyCount, err := p.sessions.GetSessionCount(history.Filter{Track: history.TrackVerification})
	require.NoError(t, err)
	assert.Equal(t, 1, verifyCount)

	status := p.orch.GetStatus()
	assert.Equal(t, 1, status.Tracks["solo"].Completed)
	assert.Equal(t, 0, status.Tracks["solo"].Failed)

	// The feature file survived every git operation along the way and
	// records the pass with no failure reason.
	f, err := p.orch.Features().GetFeature(1)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusPassed, f.Status)
	assert.Empty(t, f.FailureReason)
}

func TestVerificationFixLoop(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "core", Name: "Flaky thing", Status: feature.StatusOpen, Steps: []string{"works"}},
	}, []config.TrackDef{{Name: "solo", Categories: []string{"core"}, IsDefault: true}})

	// First verification fails, second passes; implementation and fix both
	// commit a change in the worktree.
	p.stubAgent(fmt.Sprintf(`if [ "$PWD" = "%s" ]; then
if [ ! -f "%s/.verified-once" ]; then
touch "%s/.verified-once"
echo "STEP 1: FAIL - broken"
else
echo "STEP 1: PASS - fixed"
fi
else
echo "change" > "change-$$.txt"
echo '{"type":"result","result":"done"}'
fi`, p.root, p.root, p.root))

	require.NoError(t, p.orch.Start())
	p.waitForStatus(t, 1, feature.StatusPassed)
	p.shutdown(t)

	// Four sessions: implementation, verify, fix, verify.
	count, err := p.sessions.GetSessionCount(history.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	fixCount, err := p.sessions.GetSessionCount(history.Filter{Track: history.TrackFix})
	require.NoError(t, err)
	assert.Equal(t, 1, fixCount)

	verifyCount, err := p.sessions.GetSessionCount(history.Filter{Track: history.TrackVerification})
	require.NoError(t, err)
	assert.Equal(t, 2, verifyCount)
}

func TestParallelTracks(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "a", Name: "Feature A", Status: feature.StatusOpen, Steps: []string{"works"}},
		{ID: 2, Category: "b", Name: "Feature B", Status: feature.StatusOpen, Steps: []string{"works"}},
	}, []config.TrackDef{
		{Name: "track-a", Categories: []string{"a"}},
		{Name: "track-b", Categories: []string{"b"}, IsDefault: true},
	})
	p.stubAgent(p.implementingScript())

	require.NoError(t, p.orch.Start())
	p.waitForStatus(t, 1, feature.StatusPassed)
	p.waitForStatus(t, 2, feature.StatusPassed)
	p.shutdown(t)

	status := p.orch.GetStatus()
	assert.Equal(t, 1, status.Tracks["track-a"].Completed)
	assert.Equal(t, 1, status.Tracks["track-b"].Completed)
}

func TestCriticalFailureCircuitBreaker(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "core", Name: "First", Status: feature.StatusOpen, Steps: []string{"works"}},
		{ID: 2, Category: "core", Name: "Second", Status: feature.StatusOpen, Steps: []string{"works"}},
	}, []config.TrackDef{{Name: "solo", Categories: []string{"core"}, IsDefault: true}})
	p.cfg.CriticalPatterns = []config.CriticalPattern{
		{Pattern: "ECONNREFUSED", Label: "app server unreachable"},
	}
	p.stubAgent(`echo "connect ECONNREFUSED 127.0.0.1:3000"; exit 1`)

	alerts := p.bus.Subscribe(events.TopicCriticalFailure)
	defer alerts.Unsubscribe()

	require.NoError(t, p.orch.Start())

	select {
	case event := <-alerts.C:
		cf := event.Payload.(CriticalFailure)
		assert.Equal(t, "solo", cf.Track)
		assert.Equal(t, "app server unreachable", cf.Label)
	case <-time.After(e2eTimeout):
		t.Fatal("no critical failure alert")
	}

	// Both features failed as environment problems.
	for _, id := range []int{1, 2} {
		f, err := p.orch.Features().GetFeature(id)
		require.NoError(t, err)
		assert.Equal(t, feature.StatusFailed, f.Status)
		assert.Equal(t, feature.FailureEnvironment, f.FailureKind)
	}

	p.shutdown(t)
}

func TestResumeFeature(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "core", Name: "Resumable", Status: feature.StatusFailed, Steps: []string{"works"}},
	}, []config.TrackDef{{Name: "solo", Categories: []string{"core"}, IsDefault: true}})
	p.stubAgent(p.implementingScript())

	require.NoError(t, p.orch.Start())
	require.Eventually(t, func() bool {
		return p.orch.State() == StateRunning
	}, 10*time.Second, 50*time.Millisecond)

	// Nothing is queued: the only feature starts out failed.
	require.NoError(t, p.orch.ResumeFeature(1, "please pick this up again"))
	assert.NotNil(t, p.orch.GetStatus().Resume)

	p.waitForStatus(t, 1, feature.StatusPassed)

	// The resume request clears once the feature completes.
	require.Eventually(t, func() bool {
		return p.orch.GetStatus().Resume == nil
	}, 10*time.Second, 100*time.Millisecond)

	p.shutdown(t)
}

func TestRetryRequiresRunning(t *testing.T) {
	p := setupProject(t, []feature.Feature{
		{ID: 1, Category: "core", Name: "Thing", Status: feature.StatusOpen},
	}, []config.TrackDef{{Name: "solo", IsDefault: true, Categories: []string{"core"}}})

	err := p.orch.RetryFeature(1, "")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStopDuringSetup(t *testing.T) {
	p := setupProject(t, nil, nil)

	require.NoError(t, p.orch.Start())
	assert.Equal(t, StateSetup, p.orch.State())

	p.orch.Stop()
	require.Eventually(t, func() bool {
		return p.orch.State() == StateStopped
	}, 10*time.Second, 50*time.Millisecond)
}
