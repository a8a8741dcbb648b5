package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/outpostlabs/outpost/internal/workspace"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrSessionNotFound   = errors.New("session not found")
)

// SessionRecord is the persisted view of a session. It survives server
// restarts so clients can list and resume past conversations.
type SessionRecord struct {
	ID            string     `json:"id"`
	WorkspaceID   string     `json:"workspace_id"`
	Name          string     `json:"name,omitempty"`
	Model         string     `json:"model,omitempty"`
	ThinkingLevel string     `json:"thinking_level,omitempty"`
	ContextWindow int        `json:"context_window,omitempty"`
	PiSessionID   string     `json:"pi_session_id,omitempty"`
	SessionFile   string     `json:"session_file,omitempty"`
	SessionFiles  []string   `json:"session_files,omitempty"`
	LastMessageID string     `json:"last_message_id,omitempty"`
	Status        string     `json:"status"`
	InputTokens   int64      `json:"input_tokens"`
	OutputTokens  int64      `json:"output_tokens"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Store persists workspaces, session records, and per-model preferences
// in a single SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database under dataDir and
// applies the schema.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "outpost.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		host_mount TEXT NOT NULL,
		skills TEXT NOT NULL DEFAULT '[]',
		memory_enabled INTEGER NOT NULL DEFAULT 0,
		memory_namespace TEXT NOT NULL DEFAULT '',
		git_status_enabled INTEGER,
		last_used_model TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		thinking_level TEXT NOT NULL DEFAULT '',
		context_window INTEGER NOT NULL DEFAULT 0,
		pi_session_id TEXT NOT NULL DEFAULT '',
		session_file TEXT NOT NULL DEFAULT '',
		session_files TEXT NOT NULL DEFAULT '[]',
		last_message_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	CREATE TABLE IF NOT EXISTS model_preferences (
		model_id TEXT PRIMARY KEY,
		thinking_level TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveWorkspace inserts or replaces a workspace row.
func (s *Store) SaveWorkspace(w *workspace.Workspace) error {
	skills, err := json.Marshal(w.Skills)
	if err != nil {
		return fmt.Errorf("failed to encode skills: %w", err)
	}

	var gitStatus sql.NullInt64
	if w.GitStatusEnabled != nil {
		gitStatus.Valid = true
		if *w.GitStatusEnabled {
			gitStatus.Int64 = 1
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO workspaces
			(id, name, description, system_prompt, host_mount, skills, memory_enabled,
			 memory_namespace, git_status_enabled, last_used_model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			system_prompt = excluded.system_prompt,
			host_mount = excluded.host_mount,
			skills = excluded.skills,
			memory_enabled = excluded.memory_enabled,
			memory_namespace = excluded.memory_namespace,
			git_status_enabled = excluded.git_status_enabled,
			last_used_model = excluded.last_used_model,
			updated_at = excluded.updated_at`,
		w.ID, w.Name, w.Description, w.SystemPrompt, w.HostMount, string(skills),
		boolToInt(w.MemoryEnabled), w.MemoryNamespace, gitStatus, w.LastUsedModel,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns one workspace, or ErrWorkspaceNotFound.
func (s *Store) GetWorkspace(id string) (*workspace.Workspace, error) {
	row := s.db.QueryRow(
		`SELECT id, name, description, system_prompt, host_mount, skills, memory_enabled,
			memory_namespace, git_status_enabled, last_used_model, created_at, updated_at
		 FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	return w, nil
}

// ListWorkspaces returns all workspaces, most recently updated first.
func (s *Store) ListWorkspaces() ([]*workspace.Workspace, error) {
	rows, err := s.db.Query(
		`SELECT id, name, description, system_prompt, host_mount, skills, memory_enabled,
			memory_namespace, git_status_enabled, last_used_model, created_at, updated_at
		 FROM workspaces ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workspace.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace row. Session records are kept so
// history remains listable.
func (s *Store) DeleteWorkspace(id string) error {
	result, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}

func scanWorkspace(scan func(dest ...any) error) (*workspace.Workspace, error) {
	var (
		w         workspace.Workspace
		skills    string
		memory    int
		gitStatus sql.NullInt64
	)
	err := scan(&w.ID, &w.Name, &w.Description, &w.SystemPrompt, &w.HostMount, &skills,
		&memory, &w.MemoryNamespace, &gitStatus, &w.LastUsedModel, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skills), &w.Skills); err != nil {
		return nil, fmt.Errorf("failed to decode skills: %w", err)
	}
	w.MemoryEnabled = memory != 0
	if gitStatus.Valid {
		v := gitStatus.Int64 != 0
		w.GitStatusEnabled = &v
	}
	return &w, nil
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(rec *SessionRecord) error {
	var ended sql.NullTime
	if rec.EndedAt != nil {
		ended = sql.NullTime{Time: *rec.EndedAt, Valid: true}
	}
	files, err := json.Marshal(rec.SessionFiles)
	if err != nil {
		return fmt.Errorf("failed to encode session files: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions
			(id, workspace_id, name, model, thinking_level, context_window, pi_session_id,
			 session_file, session_files, last_message_id,
			 status, input_tokens, output_tokens, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			model = excluded.model,
			thinking_level = excluded.thinking_level,
			context_window = excluded.context_window,
			pi_session_id = excluded.pi_session_id,
			session_file = excluded.session_file,
			session_files = excluded.session_files,
			last_message_id = excluded.last_message_id,
			status = excluded.status,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			updated_at = excluded.updated_at,
			ended_at = excluded.ended_at`,
		rec.ID, rec.WorkspaceID, rec.Name, rec.Model, rec.ThinkingLevel, rec.ContextWindow,
		rec.PiSessionID, rec.SessionFile, string(files), rec.LastMessageID,
		rec.Status, rec.InputTokens, rec.OutputTokens,
		rec.CreatedAt, rec.UpdatedAt, ended,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns one session record, or ErrSessionNotFound.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, name, model, thinking_level, context_window, pi_session_id,
			session_file, session_files, last_message_id,
			status, input_tokens, output_tokens, created_at, updated_at, ended_at
		 FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return rec, nil
}

// ListSessions returns a workspace's session records, newest first.
func (s *Store) ListSessions(workspaceID string) ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, workspace_id, name, model, thinking_level, context_window, pi_session_id,
			session_file, session_files, last_message_id,
			status, input_tokens, output_tokens, created_at, updated_at, ended_at
		 FROM sessions WHERE workspace_id = ? ORDER BY updated_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAllSessions returns every session record in the store.
func (s *Store) ListAllSessions() ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, workspace_id, name, model, thinking_level, context_window, pi_session_id,
			session_file, session_files, last_message_id,
			status, input_tokens, output_tokens, created_at, updated_at, ended_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteEndedSessionsBefore removes session records that ended before
// the cutoff and reports how many were deleted.
func (s *Store) DeleteEndedSessionsBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ended sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanSession(scan func(dest ...any) error) (*SessionRecord, error) {
	var (
		rec   SessionRecord
		files string
		ended sql.NullTime
	)
	err := scan(&rec.ID, &rec.WorkspaceID, &rec.Name, &rec.Model, &rec.ThinkingLevel,
		&rec.ContextWindow, &rec.PiSessionID, &rec.SessionFile, &files, &rec.LastMessageID,
		&rec.Status, &rec.InputTokens, &rec.OutputTokens, &rec.CreatedAt, &rec.UpdatedAt, &ended)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &rec.SessionFiles); err != nil {
		return nil, fmt.Errorf("failed to decode session files: %w", err)
	}
	if ended.Valid {
		rec.EndedAt = &ended.Time
	}
	return &rec, nil
}

// SetModelThinkingPreference remembers the last thinking level chosen
// for a model so new sessions on that model start with it.
func (s *Store) SetModelThinkingPreference(modelID, level string) error {
	_, err := s.db.Exec(
		`INSERT INTO model_preferences (model_id, thinking_level, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
			thinking_level = excluded.thinking_level,
			updated_at = excluded.updated_at`,
		modelID, level, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save model preference: %w", err)
	}
	return nil
}

// GetModelThinkingPreference returns the remembered thinking level for
// a model, or "" when none is stored.
func (s *Store) GetModelThinkingPreference(modelID string) (string, error) {
	var level string
	err := s.db.QueryRow(
		`SELECT thinking_level FROM model_preferences WHERE model_id = ?`, modelID,
	).Scan(&level)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query model preference: %w", err)
	}
	return level, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
