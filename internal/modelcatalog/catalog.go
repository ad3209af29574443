// Package modelcatalog implements C2: resolving a model identifier to a
// context-window size, with tolerant matching and healing of previously
// defaulted values.
package modelcatalog

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/workspace/pid-agentd/internal/session"
)

// Model is one catalog entry as reported by the backend model registry.
type Model struct {
	ID                   string
	Name                 string
	ContextWindow        int
	CredentialsAvailable bool
}

// Registry is the backend collaborator that lists registered models. It is
// out of core scope (spec.md §1) beyond this narrow interface.
type Registry interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// SessionStore is the narrow slice of the storage adapter (§6) the catalog
// needs to heal persisted sessions at startup.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]*session.Session, error)
	SaveSession(ctx context.Context, s *session.Session) error
}

// Catalog resolves model ids to context windows and tracks the last refresh.
type Catalog struct {
	registry Registry

	mu        sync.RWMutex
	models    []Model
	updatedAt time.Time
}

// New constructs a Catalog backed by registry.
func New(registry Registry) *Catalog {
	return &Catalog{registry: registry}
}

// Refresh pulls the current model list from the backend registry. Models
// whose credentials are available are preferred; if none have credentials,
// the full registered set is kept. Entries are deduplicated by canonical
// provider/id and any missing context window defaults to 200_000.
func (c *Catalog) Refresh(ctx context.Context) error {
	all, err := c.registry.ListModels(ctx)
	if err != nil {
		return err
	}

	withCreds := make([]Model, 0, len(all))
	for _, m := range all {
		if m.CredentialsAvailable {
			withCreds = append(withCreds, m)
		}
	}
	chosen := all
	if len(withCreds) > 0 {
		chosen = withCreds
	}

	seen := make(map[string]bool, len(chosen))
	deduped := make([]Model, 0, len(chosen))
	for _, m := range chosen {
		if m.ContextWindow <= 0 {
			m.ContextWindow = session.DefaultContextWindow
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		deduped = append(deduped, m)
	}

	c.mu.Lock()
	c.models = deduped
	c.updatedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// GetAll returns a snapshot of the current catalog.
func (c *Catalog) GetAll() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// GetUpdatedAt returns the time of the last successful Refresh.
func (c *Catalog) GetUpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

var trailingKSuffix = regexp.MustCompile(`(\d{2,4})k$`)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func normalize(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(s), "")
}

func tailAfterSlash(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// GetContextWindow resolves modelID to a token budget via tolerant
// matching. It never returns less than 1000.
func (c *Catalog) GetContextWindow(modelID string) int {
	if modelID == "" {
		return session.DefaultContextWindow
	}

	candidates := []string{modelID, tailAfterSlash(modelID)}
	normCandidates := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		normCandidates = append(normCandidates, normalize(cand))
	}

	c.mu.RLock()
	models := c.models
	c.mu.RUnlock()

	for _, m := range models {
		for _, cand := range candidates {
			if m.ID == cand || m.Name == cand {
				return positiveOrDefault(m.ContextWindow)
			}
			if strings.HasSuffix(m.ID, "/"+cand) {
				return positiveOrDefault(m.ContextWindow)
			}
		}
		normID := normalize(m.ID)
		normName := normalize(m.Name)
		normTail := normalize(tailAfterSlash(m.ID))
		for _, normCand := range normCandidates {
			if normCand == "" {
				continue
			}
			if normID == normCand || normName == normCand || normTail == normCand {
				return positiveOrDefault(m.ContextWindow)
			}
		}
	}

	if match := trailingKSuffix.FindStringSubmatch(normalize(modelID)); match != nil {
		if n, err := strconv.Atoi(match[1]); err == nil {
			return n * 1000
		}
	}

	return session.DefaultContextWindow
}

func positiveOrDefault(n int) int {
	if n <= 0 {
		return session.DefaultContextWindow
	}
	return n
}

// EnsureSessionContextWindow sets a session's context window if missing or
// nonpositive, or heals it when the current value is still the 200_000
// fallback but the resolved value differs. Returns whether it changed.
func (c *Catalog) EnsureSessionContextWindow(s *session.Session) bool {
	if s.ContextWindow <= 0 {
		s.ContextWindow = c.GetContextWindow(s.Model)
		return true
	}
	if s.ContextWindow == session.DefaultContextWindow {
		resolved := c.GetContextWindow(s.Model)
		if resolved != session.DefaultContextWindow {
			s.ContextWindow = resolved
			return true
		}
	}
	return false
}

// HealPersistedSessionContextWindows applies EnsureSessionContextWindow
// across every persisted session once at startup.
func (c *Catalog) HealPersistedSessionContextWindows(ctx context.Context, store SessionStore) error {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if c.EnsureSessionContextWindow(s) {
			if err := store.SaveSession(ctx, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// ComposeModelID returns id unchanged if it already begins with
// "<provider>/", else returns "<provider>/<id>" (C2/C6 support, §4.10).
// Idempotent: ComposeModelID(p, ComposeModelID(p, id)) == ComposeModelID(p, id).
func ComposeModelID(provider, id string) string {
	prefix := provider + "/"
	if strings.HasPrefix(id, prefix) {
		return id
	}
	return prefix + id
}
