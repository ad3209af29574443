// Package session holds the durable data model shared across the session
// runtime: Session and Workspace records, plus the sentinel errors raised by
// admission and command handling.
package session

import "time"

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusEnded    Status = "ended"
)

// DefaultContextWindow is used whenever a model's context window cannot be
// resolved from the catalog.
const DefaultContextWindow = 200_000

// Session is the persistent record for one agent session.
type Session struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspaceId,omitempty"`
	Name          string    `json:"name,omitempty"`
	Status        Status    `json:"status"`
	Model         string    `json:"model,omitempty"`
	ThinkingLevel string    `json:"thinkingLevel,omitempty"`
	ContextWindow int       `json:"contextWindow"`
	PiSessionFile string    `json:"piSessionFile,omitempty"`
	PiSessionID   string    `json:"piSessionId,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`

	// PiSessionFiles is an insertion-ordered set. A slice is used for the
	// wire/storage shape; Add is append-if-absent.
	PiSessionFiles []string `json:"piSessionFiles,omitempty"`

	ChangeStats ChangeStats `json:"changeStats"`
}

// ChangeStats accumulates edit statistics reported by tool_execution_start
// events (C5).
type ChangeStats struct {
	FilesChanged int `json:"filesChanged"`
	LinesAdded   int `json:"linesAdded"`
	LinesRemoved int `json:"linesRemoved"`
}

// AddSessionFile appends path to PiSessionFiles if not already present,
// preserving insertion order.
func (s *Session) AddSessionFile(path string) {
	if path == "" {
		return
	}
	for _, existing := range s.PiSessionFiles {
		if existing == path {
			return
		}
	}
	s.PiSessionFiles = append(s.PiSessionFiles, path)
}

// NewSession builds a Session with spec defaults.
func NewSession(id, workspaceID string) *Session {
	return &Session{
		ID:            id,
		WorkspaceID:   workspaceID,
		Status:        StatusReady,
		ContextWindow: DefaultContextWindow,
		LastActivity:  time.Now(),
	}
}

// Workspace is the durable container for sessions sharing skills, host
// mount, and memory namespace.
type Workspace struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	SystemPrompt      string    `json:"systemPrompt,omitempty"`
	HostMount         string    `json:"hostMount,omitempty"`
	Skills            []string  `json:"skills,omitempty"`
	MemoryEnabled     bool      `json:"memoryEnabled"`
	MemoryNamespace   string    `json:"memoryNamespace,omitempty"`
	GitStatusEnabled  *bool     `json:"gitStatusEnabled,omitempty"`
	LastUsedModel     string    `json:"lastUsedModel,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// GitStatusOn reports whether git-status debouncing (C5) should run for this
// workspace: enabled unless explicitly disabled.
func (w *Workspace) GitStatusOn() bool {
	return w.GitStatusEnabled == nil || *w.GitStatusEnabled
}
