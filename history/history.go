// Package history is the durable session log: one record per agent
// invocation, stored in a project-local SQLite database.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ByteMirror/foreman/agent"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionPassed  SessionStatus = "passed"
	SessionFailed  SessionStatus = "failed"
	SessionError   SessionStatus = "error"
)

// Synthetic track names for non-implementation sessions.
const (
	TrackVerification = "verification"
	TrackFix          = "fix"
)

// ErrSessionNotFound is returned when a session id is absent.
var ErrSessionNotFound = errors.New("session not found")

// Session is one agent invocation: prompt in, parsed messages and outcome
// out. Records are created at spawn and updated once at completion.
type Session struct {
	ID           string          `json:"id"`
	FeatureID    int             `json:"feature_id"`
	Track        string          `json:"track"`
	Branch       string          `json:"branch"`
	Status       SessionStatus   `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	Prompt       string          `json:"prompt"`
	ExtraContext string          `json:"extra_context,omitempty"`
	Output       string          `json:"output,omitempty"`
	Messages     []agent.Message `json:"messages,omitempty"`
	AgentUsed    string          `json:"agent_used,omitempty"`
	Error        string          `json:"error,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	feature_id INTEGER NOT NULL,
	track TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	prompt TEXT NOT NULL DEFAULT '',
	extra_context TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	messages TEXT NOT NULL DEFAULT '[]',
	agent_used TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_feature ON sessions(feature_id, started_at);
`

// Store persists sessions. A single mutex serializes writers; SQLite handles
// the rest.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession appends a new session record.
func (s *Store) CreateSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO sessions
		(id, feature_id, track, branch, status, started_at, duration_ms,
		 prompt, extra_context, output, messages, agent_used, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.FeatureID, session.Track, session.Branch,
		string(session.Status), session.StartedAt.UnixMilli(), session.DurationMS,
		session.Prompt, session.ExtraContext, session.Output, string(messages),
		session.AgentUsed, session.Error)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Update carries the fields an UpdateSession call may change. Nil fields are
// left untouched.
type Update struct {
	Status     *SessionStatus
	FinishedAt *time.Time
	DurationMS *int64
	Output     *string
	Messages   []agent.Message
	AgentUsed  *string
	Error      *string
}

// UpdateSession updates a session record in place.
func (s *Store) UpdateSession(id string, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := []string{}
	args := []any{}
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, update.FinishedAt.UnixMilli())
	}
	if update.DurationMS != nil {
		set = append(set, "duration_ms = ?")
		args = append(args, *update.DurationMS)
	}
	if update.Output != nil {
		set = append(set, "output = ?")
		args = append(args, *update.Output)
	}
	if update.Messages != nil {
		messages, err := json.Marshal(update.Messages)
		if err != nil {
			return fmt.Errorf("failed to marshal messages: %w", err)
		}
		set = append(set, "messages = ?")
		args = append(args, string(messages))
	}
	if update.AgentUsed != nil {
		set = append(set, "agent_used = ?")
		args = append(args, *update.AgentUsed)
	}
	if update.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *update.Error)
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE sessions SET "+joinSet(set)+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func joinSet(set []string) string {
	out := set[0]
	for _, s := range set[1:] {
		out += ", " + s
	}
	return out
}

// Filter narrows GetSessions / GetSessionCount.
type Filter struct {
	FeatureID *int
	Track     string
	Status    SessionStatus
}

func (f Filter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if f.FeatureID != nil {
		clause += " AND feature_id = ?"
		args = append(args, *f.FeatureID)
	}
	if f.Track != "" {
		clause += " AND track = ?"
		args = append(args, f.Track)
	}
	if f.Status != "" {
		clause += " AND status = ?"
		args = append(args, string(f.Status))
	}
	return clause, args
}

// GetSession returns one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(selectColumns+" FROM sessions WHERE id = ?", id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, err
}

// GetLatestSessionForFeature returns the most recently started session for a
// feature, or nil if there is none.
func (s *Store) GetLatestSessionForFeature(featureID int) (*Session, error) {
	row := s.db.QueryRow(selectColumns+` FROM sessions WHERE feature_id = ?
		ORDER BY started_at DESC LIMIT 1`, featureID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// GetSessions returns sessions matching the filter, newest first.
func (s *Store) GetSessions(filter Filter, limit, offset int) ([]*Session, error) {
	clause, args := filter.where()
	query := selectColumns + " FROM sessions" + clause + " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// GetSessionCount returns the number of sessions matching the filter.
func (s *Store) GetSessionCount(filter Filter) (int, error) {
	clause, args := filter.where()
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+clause, args...).Scan(&count)
	return count, err
}

const selectColumns = `SELECT id, feature_id, track, branch, status,
	started_at, finished_at, duration_ms, prompt, extra_context, output,
	messages, agent_used, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session    Session
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		messages   string
	)
	err := row.Scan(&session.ID, &session.FeatureID, &session.Track,
		&session.Branch, &status, &startedAt, &finishedAt, &session.DurationMS,
		&session.Prompt, &session.ExtraContext, &session.Output, &messages,
		&session.AgentUsed, &session.Error)
	if err != nil {
		return nil, err
	}

	session.Status = SessionStatus(status)
	session.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		session.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
		// A corrupt message blob should not hide the rest of the record.
		session.Messages = nil
	}
	return &session, nil
}
