package checkpoint

import (
	"path/filepath"
	"sort"
	"time"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Session status values as persisted. The session coordinator owns the
// lifecycle; the store only round-trips them.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// SessionState is the persisted form of a session. The coordinator keeps a
// richer runtime view; this is what survives restarts.
type SessionState struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	ProjectPath    string    `json:"project_path,omitempty"`
	CurrentWave    int       `json:"current_wave"`
	RetryFailed    bool      `json:"retry_failed,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.dir, sessionsSubdir)
}

func sessionName(id string) string {
	return "session-" + id
}

// SaveSession persists session state under sessions/session-<id>.json.
func (s *Store) SaveSession(state SessionState) error {
	if state.ID == "" {
		return faults.New(faults.CodeInvalidName, "session checkpoint requires an id")
	}
	if state.LastActivityAt.IsZero() {
		state.LastActivityAt = time.Now().UTC()
	}
	return s.saveIn(s.sessionsDir(), sessionName(state.ID), state)
}

// LoadSession reads one session state. Returns nil when it does not exist.
func (s *Store) LoadSession(id string) (*SessionState, error) {
	var state SessionState
	found, err := s.loadIn(s.sessionsDir(), sessionName(id), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// ListSessions returns all persisted sessions, optionally filtered by
// status (empty means all), ordered by last activity descending.
func (s *Store) ListSessions(status string) ([]SessionState, error) {
	names, err := s.listIn(s.sessionsDir())
	if err != nil {
		return nil, err
	}

	var sessions []SessionState
	for _, name := range names {
		var state SessionState
		found, err := s.loadIn(s.sessionsDir(), name, &state)
		if err != nil {
			logging.CheckpointWarn("skipping unreadable session %s: %v", name, err)
			continue
		}
		if !found {
			continue
		}
		if status != "" && state.Status != status {
			continue
		}
		sessions = append(sessions, state)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActivityAt.Equal(sessions[j].LastActivityAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}
