// Package orchestrator drives features through the implementation, merge,
// verification and fix pipeline across parallel tracks.
package orchestrator

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ByteMirror/foreman/agent"
	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/events"
	"github.com/ByteMirror/foreman/feature"
	"github.com/ByteMirror/foreman/git"
	"github.com/ByteMirror/foreman/history"
	"github.com/ByteMirror/foreman/locking"
	"github.com/ByteMirror/foreman/log"
	"github.com/ByteMirror/foreman/queue"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateSetup    State = "setup"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrNotRunning is returned by operations that require a running scheduler.
var ErrNotRunning = errors.New("orchestrator is not running")

// TrackStatus is the published runtime status of one track.
type TrackStatus struct {
	Track            string `json:"track"`
	CurrentFeatureID int    `json:"current_feature_id,omitempty"`
	CurrentSessionID string `json:"current_session_id,omitempty"`
	Queued           int    `json:"queued"`
	Completed        int    `json:"completed"`
	Failed           int    `json:"failed"`
}

// ResumeRequest blocks every track except the target until the resumed
// feature completes.
type ResumeRequest struct {
	FeatureID   int       `json:"feature_id"`
	Track       string    `json:"track"`
	RequestedAt time.Time `json:"requested_at"`
}

// StatusSnapshot is the payload of orchestrator:status events.
type StatusSnapshot struct {
	State  State                  `json:"state"`
	Tracks map[string]TrackStatus `json:"tracks"`
	Resume *ResumeRequest         `json:"resume,omitempty"`
}

// AgentOutput is the payload of agent:output events.
type AgentOutput struct {
	SessionID string        `json:"session_id"`
	Message   agent.Message `json:"message"`
}

// CriticalFailure is the payload of track:critical_failure events.
type CriticalFailure struct {
	Track  string `json:"track"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

const (
	// dequeuePollInterval is the idle sleep when a track has no work.
	dequeuePollInterval = time.Second
	// resumePollInterval is the sleep while blocked behind a resume request.
	resumePollInterval = 500 * time.Millisecond
	// fastFailWindow and fastFailPause pace a track that is failing quickly.
	fastFailWindow = 10 * time.Second
	fastFailPause  = 5 * time.Second
	// criticalFailureThreshold pauses a track after this many consecutive
	// critical infrastructure failures.
	criticalFailureThreshold = 2
)

// Orchestrator owns the track loops and every subsystem they use.
type Orchestrator struct {
	projectRoot string
	cfg         *config.ProjectConfig

	features  *feature.Store
	sessions  *history.Store
	workspace *git.Workspace
	executor  *agent.Executor
	queues    *queue.Manager
	bus       *events.Bus

	// verifyMu is the global merge lock: at most one track may be inside
	// the merge-and-verify window at a time.
	verifyMu locking.FIFOMutex

	mu          sync.Mutex
	state       State
	tracks      []config.TrackDef
	trackStatus map[string]*TrackStatus
	resumeReq   *ResumeRequest
	configureCh chan []config.TrackDef
	wg          sync.WaitGroup
}

// New wires an orchestrator for a project. The session store is owned by the
// caller so collaborators can query history independently.
func New(projectRoot string, cfg *config.ProjectConfig, sessions *history.Store, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		projectRoot: projectRoot,
		cfg:         cfg,
		features:    feature.NewStore(filepath.Join(projectRoot, cfg.FeaturesPath)),
		sessions:    sessions,
		workspace:   git.NewWorkspace(projectRoot, cfg),
		executor:    agent.NewExecutor(projectRoot, cfg),
		bus:         bus,
		state:       StateStopped,
		trackStatus: make(map[string]*TrackStatus),
		configureCh: make(chan []config.TrackDef, 1),
	}
}

// Features exposes the feature store to collaborators.
func (o *Orchestrator) Features() *feature.Store { return o.features }

// Sessions exposes the session log to collaborators.
func (o *Orchestrator) Sessions() *history.Store { return o.sessions }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// stopRequested is the predicate polled by track loops and the executor.
func (o *Orchestrator) stopRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateStopping || o.state == StateStopped
}

// Start brings the orchestrator up. If tracks are not configured yet it
// enters the setup state and returns; a later ConfigureTracks call completes
// startup. Otherwise the track loops are launched immediately.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("cannot start orchestrator in state %s", o.state)
	}
	o.mu.Unlock()

	if err := o.workspace.Init(); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	features, err := o.features.LoadFeatures()
	if err != nil {
		return fmt.Errorf("failed to load features: %w", err)
	}
	categories := collectCategories(features)

	if !o.cfg.TracksConfigured {
		o.mu.Lock()
		o.state = StateSetup
		o.mu.Unlock()
		o.bus.Publish(events.TopicNewCategories, categories)
		o.publishStatus()

		go o.awaitConfiguration(features)
		return nil
	}

	if err := validateTracks(o.cfg.Tracks); err != nil {
		return fmt.Errorf("invalid track configuration: %w", err)
	}
	o.launch(o.cfg.Tracks, features, categories)
	return nil
}

// awaitConfiguration blocks the setup state until ConfigureTracks delivers a
// track list or Stop is called.
func (o *Orchestrator) awaitConfiguration(features []feature.Feature) {
	for {
		select {
		case tracks := <-o.configureCh:
			o.launch(tracks, features, collectCategories(features))
			return
		case <-time.After(resumePollInterval):
			if o.stopRequested() {
				o.mu.Lock()
				o.state = StateStopped
				o.mu.Unlock()
				o.publishStatus()
				return
			}
		}
	}
}

// launch transitions to running and starts one loop per track.
func (o *Orchestrator) launch(tracks []config.TrackDef, features []feature.Feature, categories []string) {
	uncovered := uncoveredCategories(tracks, categories)
	if len(uncovered) > 0 {
		log.InfoLog.Printf("categories with no track, routed to default: %v", uncovered)
		o.bus.Publish(events.TopicNewCategories, uncovered)
	}

	o.queues = queue.NewManager(tracks)
	o.queues.Initialize(features)

	o.mu.Lock()
	o.tracks = tracks
	o.trackStatus = make(map[string]*TrackStatus, len(tracks))
	for _, t := range tracks {
		o.trackStatus[t.Name] = &TrackStatus{Track: t.Name}
	}
	o.state = StateRunning
	o.mu.Unlock()

	o.publishStatus()

	for _, t := range tracks {
		o.wg.Add(1)
		go func(track string) {
			defer o.wg.Done()
			o.runTrackLoop(track)
		}(t.Name)
	}

	go func() {
		o.wg.Wait()
		o.mu.Lock()
		o.state = StateStopped
		o.mu.Unlock()
		o.publishStatus()
	}()
}

// ConfigureTracks completes the setup handshake. It is rejected outside the
// setup state. The accepted configuration is persisted.
func (o *Orchestrator) ConfigureTracks(tracks []config.TrackDef) error {
	o.mu.Lock()
	if o.state != StateSetup {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot configure tracks in state %s", state)
	}
	o.mu.Unlock()

	if err := validateTracks(tracks); err != nil {
		return err
	}

	o.cfg.Tracks = tracks
	o.cfg.TracksConfigured = true
	if err := config.Save(o.projectRoot, o.cfg); err != nil {
		return fmt.Errorf("failed to persist track configuration: %w", err)
	}

	o.configureCh <- tracks
	return nil
}

// validateTracks enforces the handshake contract: 1-5 tracks, unique
// non-empty names, exactly one default.
func validateTracks(tracks []config.TrackDef) error {
	if len(tracks) < 1 || len(tracks) > 5 {
		return fmt.Errorf("expected between 1 and 5 tracks, got %d", len(tracks))
	}
	seen := make(map[string]bool, len(tracks))
	defaults := 0
	for _, t := range tracks {
		if t.Name == "" {
			return errors.New("track names must be non-empty")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate track name %q", t.Name)
		}
		seen[t.Name] = true
		if t.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("exactly one track must be the default, got %d", defaults)
	}
	return nil
}

// Stop requests shutdown. Subprocesses are not killed here; each track loop
// observes the flag between features and between subsystem calls, and the
// executor's stop predicate aborts long sleeps and spawn waits.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == StateRunning || o.state == StateSetup {
		o.state = StateStopping
	}
	o.mu.Unlock()
	o.publishStatus()
}

// Wait blocks until every track loop has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// initiateStop tears the pipeline down from inside a track loop, used when
// continuing would corrupt the base branch or spin without progress.
func (o *Orchestrator) initiateStop(reason string) {
	log.ErrorLog.Printf("stopping orchestrator: %s", reason)
	o.Stop()
}

// GetStatus returns a snapshot of the orchestrator and every track.
func (o *Orchestrator) GetStatus() StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() StatusSnapshot {
	snapshot := StatusSnapshot{
		State:  o.state,
		Tracks: make(map[string]TrackStatus, len(o.trackStatus)),
	}
	for name, ts := range o.trackStatus {
		status := *ts
		if o.queues != nil {
			main, retry, resume := o.queues.Status(name)
			status.Queued = main + retry + resume
		}
		snapshot.Tracks[name] = status
	}
	if o.resumeReq != nil {
		r := *o.resumeReq
		snapshot.Resume = &r
	}
	return snapshot
}

// publishStatus pushes a status snapshot onto the bus.
func (o *Orchestrator) publishStatus() {
	o.mu.Lock()
	snapshot := o.snapshotLocked()
	o.mu.Unlock()
	o.bus.Publish(events.TopicStatus, snapshot)
}

// collectCategories returns the sorted distinct categories of the features.
func collectCategories(features []feature.Feature) []string {
	set := make(map[string]bool)
	for _, f := range features {
		if f.Category != "" {
			set[f.Category] = true
		}
	}
	categories := make([]string, 0, len(set))
	for c := range set {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// uncoveredCategories returns categories no track claims.
func uncoveredCategories(tracks []config.TrackDef, categories []string) []string {
	covered := make(map[string]bool)
	for _, t := range tracks {
		for _, c := range t.Categories {
			covered[c] = true
		}
	}
	var uncovered []string
	for _, c := range categories {
		if !covered[c] {
			uncovered = append(uncovered, c)
		}
	}
	return uncovered
}
