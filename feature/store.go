package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ByteMirror/foreman/locking"
)

// ErrFeatureNotFound is returned when an id is absent from the feature file.
var ErrFeatureNotFound = errors.New("feature not found")

// Store reads and writes the feature file. The file holds either a bare
// array of features or an object with a "features" array; whichever form was
// read is preserved on write. Every access runs under a cross-process file
// lock so external tooling can mutate the same file safely.
type Store struct {
	path string
	lock *locking.FileLock
}

// NewStore creates a store over the feature file at path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		lock: locking.NewFileLock(path),
	}
}

// Path returns the feature file path.
func (s *Store) Path() string {
	return s.path
}

// wrappedFile is the object form of the feature file.
type wrappedFile struct {
	Features []Feature `json:"features"`
}

// readLocked loads the file and reports whether it used the object form.
// Caller must hold the file lock.
func (s *Store) readLocked() ([]Feature, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read feature file: %w", err)
	}

	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "[") {
		var features []Feature
		if err := json.Unmarshal(data, &features); err != nil {
			return nil, false, fmt.Errorf("failed to parse feature file: %w", err)
		}
		return features, false, nil
	}

	var wrapped wrappedFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, false, fmt.Errorf("failed to parse feature file: %w", err)
	}
	return wrapped.Features, true, nil
}

// writeLocked persists features in the same form they were read in. Caller
// must hold the file lock.
func (s *Store) writeLocked(features []Feature, wrapped bool) error {
	var (
		data []byte
		err  error
	)
	if wrapped {
		data, err = json.MarshalIndent(wrappedFile{Features: features}, "", "  ")
	} else {
		data, err = json.MarshalIndent(features, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	return os.WriteFile(s.path, append(data, '\n'), 0644)
}

// LoadFeatures returns the complete feature list.
func (s *Store) LoadFeatures() ([]Feature, error) {
	var features []Feature
	err := s.lock.WithLock(func() error {
		var err error
		features, _, err = s.readLocked()
		return err
	})
	return features, err
}

// GetFeature returns a single feature by id.
func (s *Store) GetFeature(id int) (*Feature, error) {
	features, err := s.LoadFeatures()
	if err != nil {
		return nil, err
	}
	for i := range features {
		if features[i].ID == id {
			f := features[i]
			return &f, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
}

// StatusUpdate carries the optional fields of UpdateFeatureStatus.
type StatusUpdate struct {
	FailureReason string
	FailureKind   FailureKind
	// Progress overwrites the feature's progress summary when non-nil.
	Progress *string
}

// UpdateFeatureStatus sets a feature's status. Failure fields are set when
// the status becomes failed and cleared when it becomes passed or open.
func (s *Store) UpdateFeatureStatus(id int, status Status, update StatusUpdate) error {
	return s.lock.WithLock(func() error {
		features, wrapped, err := s.readLocked()
		if err != nil {
			return err
		}

		idx := -1
		for i := range features {
			if features[i].ID == id {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
		}

		f := &features[idx]
		f.Status = status
		switch status {
		case StatusFailed:
			f.FailureReason = update.FailureReason
			f.FailureKind = update.FailureKind
		case StatusPassed, StatusOpen:
			f.FailureReason = ""
			f.FailureKind = ""
		}
		if update.Progress != nil {
			f.Progress = *update.Progress
		}

		return s.writeLocked(features, wrapped)
	})
}
