// Package queue holds the per-track work queues and category routing.
package queue

import (
	"sort"
	"sync"

	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/feature"
)

// Item is one queued unit of work for a track.
type Item struct {
	FeatureID int
	IsRetry   bool
	IsResume  bool
	// ExtraContext is operator-supplied context carried into the prompt.
	ExtraContext string
	// PreviousSessionID links a retry or resume to the session it follows.
	PreviousSessionID string
}

// trackQueues are the three priority tiers of one track. Dequeue order is
// resume, then retry, then main; FIFO within each.
type trackQueues struct {
	resume []Item
	retry  []Item
	main   []Item
}

// Manager routes features to tracks and hands out work in priority order.
type Manager struct {
	mu     sync.Mutex
	tracks []config.TrackDef
	queues map[string]*trackQueues
}

// NewManager creates a manager for the given track definitions.
func NewManager(tracks []config.TrackDef) *Manager {
	m := &Manager{
		tracks: tracks,
		queues: make(map[string]*trackQueues, len(tracks)),
	}
	for _, t := range tracks {
		m.queues[t.Name] = &trackQueues{}
	}
	return m
}

// TrackFor routes a feature: the first track whose category list contains
// the feature's category, else the default track, else the first track.
func (m *Manager) TrackFor(f *feature.Feature) string {
	for _, t := range m.tracks {
		for _, cat := range t.Categories {
			if cat == f.Category {
				return t.Name
			}
		}
	}
	for _, t := range m.tracks {
		if t.IsDefault {
			return t.Name
		}
	}
	return m.tracks[0].Name
}

// Initialize clears all queues and enqueues every open feature, ascending by
// id, onto the main queue of its routed track.
func (m *Manager) Initialize(features []feature.Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.queues {
		m.queues[name] = &trackQueues{}
	}

	open := make([]feature.Feature, 0, len(features))
	for _, f := range features {
		if f.Status == feature.StatusOpen {
			open = append(open, f)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	for i := range open {
		track := m.TrackFor(&open[i])
		q := m.queues[track]
		q.main = append(q.main, Item{FeatureID: open[i].ID})
	}
}

// Dequeue pops the next item for a track, or returns false when all three
// queues are empty.
func (m *Manager) Dequeue(track string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[track]
	if !ok {
		return Item{}, false
	}
	switch {
	case len(q.resume) > 0:
		item := q.resume[0]
		q.resume = q.resume[1:]
		return item, true
	case len(q.retry) > 0:
		item := q.retry[0]
		q.retry = q.retry[1:]
		return item, true
	case len(q.main) > 0:
		item := q.main[0]
		q.main = q.main[1:]
		return item, true
	}
	return Item{}, false
}

// EnqueueRetry pushes a feature onto a track's retry queue.
func (m *Manager) EnqueueRetry(featureID int, track, extraContext, previousSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[track]; ok {
		q.retry = append(q.retry, Item{
			FeatureID:         featureID,
			IsRetry:           true,
			ExtraContext:      extraContext,
			PreviousSessionID: previousSessionID,
		})
	}
}

// EnqueueResume pushes a feature onto a track's resume queue.
func (m *Manager) EnqueueResume(featureID int, track, extraContext, previousSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[track]; ok {
		q.resume = append(q.resume, Item{
			FeatureID:         featureID,
			IsResume:          true,
			ExtraContext:      extraContext,
			PreviousSessionID: previousSessionID,
		})
	}
}

// Status returns the queue depths for a track.
func (m *Manager) Status(track string) (main, retry, resume int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[track]; ok {
		return len(q.main), len(q.retry), len(q.resume)
	}
	return 0, 0, 0
}
