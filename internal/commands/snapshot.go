package commands

import (
	"github.com/workspace/pid-agentd/internal/modelcatalog"
	"github.com/workspace/pid-agentd/internal/session"
)

// snapshot is the parsed shape of a backend state response, covering every
// field applyPiStateSnapshot merges (spec.md §4.10).
type snapshot struct {
	sessionFile  string
	sessionFiles []string
	sessionID    string
	sessionName  string
	model        string // already composed provider/id, or "" if absent
	thinkingLevel string
}

func parseSnapshot(resp map[string]any) snapshot {
	var s snapshot
	s.sessionFile = stringField(resp, "sessionFile")
	s.sessionFiles = stringSliceField(resp, "sessionFiles")
	s.sessionID = stringField(resp, "sessionId")
	s.sessionName = stringField(resp, "sessionName")
	s.thinkingLevel = stringField(resp, "thinkingLevel")
	s.model = parseModelField(resp, "model")
	return s
}

// applyPiStateSnapshot merges a parsed snapshot into session, guarding
// against model downgrades per spec.md §4.10: if the new candidate resolves
// to the default context window while the existing model resolves to
// something else, the existing model id is kept (defensive against the SDK
// reporting display labels as identity). Returns whether anything changed.
func applyPiStateSnapshot(s *session.Session, snap snapshot, catalog Catalog) bool {
	changed := false

	if snap.sessionFile != "" && snap.sessionFile != s.PiSessionFile {
		s.PiSessionFile = snap.sessionFile
		changed = true
	}
	for _, f := range snap.sessionFiles {
		before := len(s.PiSessionFiles)
		s.AddSessionFile(f)
		if len(s.PiSessionFiles) != before {
			changed = true
		}
	}
	if snap.sessionID != "" && snap.sessionID != s.PiSessionID {
		s.PiSessionID = snap.sessionID
		changed = true
	}
	if snap.sessionName != "" && snap.sessionName != s.Name {
		s.Name = snap.sessionName
		changed = true
	}

	if snap.model != "" && snap.model != s.Model {
		newWindow := catalog.GetContextWindow(snap.model)
		existingWindow := catalog.GetContextWindow(s.Model)
		guardTriggered := newWindow == session.DefaultContextWindow && existingWindow != session.DefaultContextWindow && s.Model != ""
		if !guardTriggered {
			s.Model = snap.model
			changed = true
			if newWindow != s.ContextWindow && (newWindow != session.DefaultContextWindow || s.ContextWindow <= 0) {
				s.ContextWindow = newWindow
				changed = true
			}
		}
	}

	// Snapshot application never persists thinking preference — it would
	// clobber the user's remembered preference with a factory default
	// (spec.md §4.10). thinkingLevel from a bare snapshot is informational
	// only and is not merged here; set_thinking_level/cycle_thinking_level
	// reconciliation handles that field explicitly.

	return changed
}

// composeModelID delegates to modelcatalog, kept as a local alias so
// callers in this package read naturally against spec.md §4.10 naming.
func composeModelID(provider, id string) string {
	return modelcatalog.ComposeModelID(provider, id)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// parseModelField extracts and composes a canonical model id from a
// {provider, id} object nested at key, or directly from a string field.
func parseModelField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if obj, ok := m[key].(map[string]any); ok {
		provider := stringField(obj, "provider")
		id := stringField(obj, "id")
		if provider == "" && id == "" {
			return ""
		}
		return composeModelID(provider, id)
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
