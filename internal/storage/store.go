// Package storage provides SQLite-backed persistence for sessions,
// workspaces, and per-model thinking-level preferences, grounded on the
// teacher's internal/persistence/store.go (modernc.org/sqlite, WAL journal
// mode, busy_timeout, incrementing schema_version migrations).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"

	"github.com/workspace/pid-agentd/internal/session"
)

// Store provides persistent Session/Workspace/preference state backed by
// SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at dbPath and applies any pending
// migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	if info, err := os.Stat(dbPath); err == nil {
		slog.Info("storage: database ready", "path", dbPath, "size", humanize.IBytes(uint64(info.Size())))
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("storage: applying migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			workspace_id      TEXT NOT NULL DEFAULT '',
			name              TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			model             TEXT NOT NULL DEFAULT '',
			thinking_level    TEXT NOT NULL DEFAULT '',
			context_window    INTEGER NOT NULL DEFAULT 0,
			pi_session_file   TEXT NOT NULL DEFAULT '',
			pi_session_id     TEXT NOT NULL DEFAULT '',
			pi_session_files  TEXT NOT NULL DEFAULT '[]',
			last_activity     TEXT NOT NULL,
			files_changed     INTEGER NOT NULL DEFAULT 0,
			lines_added       INTEGER NOT NULL DEFAULT 0,
			lines_removed     INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);

		CREATE TABLE IF NOT EXISTS workspaces (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			description        TEXT NOT NULL DEFAULT '',
			system_prompt      TEXT NOT NULL DEFAULT '',
			host_mount         TEXT NOT NULL DEFAULT '',
			skills             TEXT NOT NULL DEFAULT '[]',
			memory_enabled     INTEGER NOT NULL DEFAULT 0,
			memory_namespace   TEXT NOT NULL DEFAULT '',
			git_status_enabled INTEGER,
			last_used_model    TEXT NOT NULL DEFAULT '',
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS model_thinking_level_preferences (
			model_id       TEXT PRIMARY KEY,
			thinking_level TEXT NOT NULL
		);
	`)
	return err
}

// GetSession returns the session by id, or (nil, nil) if not found.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, status, model, thinking_level, context_window,
		       pi_session_file, pi_session_id, pi_session_files, last_activity,
		       files_changed, lines_added, lines_removed
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every persisted session.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, status, model, thinking_level, context_window,
		       pi_session_file, pi_session_id, pi_session_files, last_activity,
		       files_changed, lines_added, lines_removed
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate sessions: %w", err)
	}
	return out, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanSession.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var status, filesJSON string
	var lastActivity string

	if err := row.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.Name, &status, &sess.Model, &sess.ThinkingLevel,
		&sess.ContextWindow, &sess.PiSessionFile, &sess.PiSessionID, &filesJSON, &lastActivity,
		&sess.ChangeStats.FilesChanged, &sess.ChangeStats.LinesAdded, &sess.ChangeStats.LinesRemoved,
	); err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	if t, err := time.Parse(time.RFC3339Nano, lastActivity); err == nil {
		sess.LastActivity = t
	}
	if filesJSON != "" {
		_ = json.Unmarshal([]byte(filesJSON), &sess.PiSessionFiles)
	}
	return &sess, nil
}

// SaveSession upserts s.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filesJSON, err := json.Marshal(sess.PiSessionFiles)
	if err != nil {
		return fmt.Errorf("storage: marshal session files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, name, status, model, thinking_level, context_window,
			pi_session_file, pi_session_id, pi_session_files, last_activity,
			files_changed, lines_added, lines_removed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			status = excluded.status,
			model = excluded.model,
			thinking_level = excluded.thinking_level,
			context_window = excluded.context_window,
			pi_session_file = excluded.pi_session_file,
			pi_session_id = excluded.pi_session_id,
			pi_session_files = excluded.pi_session_files,
			last_activity = excluded.last_activity,
			files_changed = excluded.files_changed,
			lines_added = excluded.lines_added,
			lines_removed = excluded.lines_removed
	`,
		sess.ID, sess.WorkspaceID, sess.Name, string(sess.Status), sess.Model, sess.ThinkingLevel,
		sess.ContextWindow, sess.PiSessionFile, sess.PiSessionID, string(filesJSON),
		sess.LastActivity.Format(time.RFC3339Nano),
		sess.ChangeStats.FilesChanged, sess.ChangeStats.LinesAdded, sess.ChangeStats.LinesRemoved,
	)
	if err != nil {
		return fmt.Errorf("storage: save session: %w", err)
	}
	return nil
}

// GetWorkspace returns the workspace by id, or (nil, nil) if not found.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*session.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, system_prompt, host_mount, skills,
		       memory_enabled, memory_namespace, git_status_enabled, last_used_model, updated_at
		FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get workspace: %w", err)
	}
	return ws, nil
}

func scanWorkspace(row rowScanner) (*session.Workspace, error) {
	var ws session.Workspace
	var skillsJSON, updatedAt string
	var memoryEnabled int
	var gitStatusEnabled sql.NullInt64

	if err := row.Scan(
		&ws.ID, &ws.Name, &ws.Description, &ws.SystemPrompt, &ws.HostMount, &skillsJSON,
		&memoryEnabled, &ws.MemoryNamespace, &gitStatusEnabled, &ws.LastUsedModel, &updatedAt,
	); err != nil {
		return nil, err
	}

	ws.MemoryEnabled = memoryEnabled != 0
	if skillsJSON != "" {
		_ = json.Unmarshal([]byte(skillsJSON), &ws.Skills)
	}
	if gitStatusEnabled.Valid {
		enabled := gitStatusEnabled.Int64 != 0
		ws.GitStatusEnabled = &enabled
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		ws.UpdatedAt = t
	}
	return &ws, nil
}

// SaveWorkspace upserts ws.
func (s *Store) SaveWorkspace(ctx context.Context, ws *session.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	skillsJSON, err := json.Marshal(ws.Skills)
	if err != nil {
		return fmt.Errorf("storage: marshal workspace skills: %w", err)
	}

	var gitStatusEnabled any
	if ws.GitStatusEnabled != nil {
		gitStatusEnabled = boolToInt(*ws.GitStatusEnabled)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (
			id, name, description, system_prompt, host_mount, skills,
			memory_enabled, memory_namespace, git_status_enabled, last_used_model, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
			updated_at = excluded.updated_at
	`,
		ws.ID, ws.Name, ws.Description, ws.SystemPrompt, ws.HostMount, string(skillsJSON),
		boolToInt(ws.MemoryEnabled), ws.MemoryNamespace, gitStatusEnabled, ws.LastUsedModel,
		ws.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: save workspace: %w", err)
	}
	return nil
}

// GetModelThinkingLevelPreference returns the remembered thinking level for
// modelID, keyed by canonical model id (spec.md §6).
func (s *Store) GetModelThinkingLevelPreference(ctx context.Context, modelID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var level string
	err := s.db.QueryRowContext(ctx,
		"SELECT thinking_level FROM model_thinking_level_preferences WHERE model_id = ?", modelID,
	).Scan(&level)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get thinking level preference: %w", err)
	}
	return level, true, nil
}

// SetModelThinkingLevelPreference persists level as the remembered thinking
// level for modelID.
func (s *Store) SetModelThinkingLevelPreference(ctx context.Context, modelID, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_thinking_level_preferences (model_id, thinking_level) VALUES (?, ?)
		ON CONFLICT(model_id) DO UPDATE SET thinking_level = excluded.thinking_level
	`, modelID, level)
	if err != nil {
		return fmt.Errorf("storage: set thinking level preference: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
