package modelcatalog

import (
	"context"
	"testing"

	"github.com/workspace/pid-agentd/internal/session"
)

type fakeRegistry struct {
	models []Model
}

func (f *fakeRegistry) ListModels(ctx context.Context) ([]Model, error) {
	return f.models, nil
}

func TestRefresh_PrefersCredentialedAndDedupes(t *testing.T) {
	reg := &fakeRegistry{models: []Model{
		{ID: "openai/gpt-5", ContextWindow: 400000, CredentialsAvailable: true},
		{ID: "openai/gpt-5", ContextWindow: 400000, CredentialsAvailable: true},
		{ID: "anthropic/claude-x", CredentialsAvailable: false},
	}}
	c := New(reg)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	all := c.GetAll()
	if len(all) != 1 {
		t.Fatalf("expected dedupe + credential preference, got %+v", all)
	}
	if all[0].ID != "openai/gpt-5" {
		t.Fatalf("unexpected model %+v", all[0])
	}
}

func TestRefresh_FallsBackWhenNoCredentials(t *testing.T) {
	reg := &fakeRegistry{models: []Model{
		{ID: "openai/gpt-5"},
		{ID: "anthropic/claude-x"},
	}}
	c := New(reg)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(c.GetAll()) != 2 {
		t.Fatalf("expected both models when none have credentials")
	}
	for _, m := range c.GetAll() {
		if m.ContextWindow != session.DefaultContextWindow {
			t.Fatalf("expected default context window, got %d", m.ContextWindow)
		}
	}
}

func TestGetContextWindow_TolerantMatching(t *testing.T) {
	reg := &fakeRegistry{models: []Model{
		{ID: "openai/gpt-5-272k", Name: "GPT-5 272k", ContextWindow: 272000},
		{ID: "provider-x/model-a", Name: "Provider X Model A", ContextWindow: 512000},
	}}
	c := New(reg)
	_ = c.Refresh(context.Background())

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"exact raw id", "openai/gpt-5-272k", 272000},
		{"tail after slash", "gpt-5-272k", 272000},
		{"normalized name match", "GPT 5 272K", 272000},
		{"ends with slash candidate", "anything/model-a", 512000},
		{"normalized tail match", "Model A", 512000},
		{"trailing k fallback", "some-unknown-model-128k", 128000},
		{"total miss", "totally-unknown", session.DefaultContextWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.GetContextWindow(tt.id); got != tt.want {
				t.Fatalf("GetContextWindow(%q) = %d, want %d", tt.id, got, tt.want)
			}
		})
	}
}

func TestGetContextWindow_NeverBelowFloor(t *testing.T) {
	c := New(&fakeRegistry{})
	ids := []string{"", "x", "provider/unknown-3k", "unknown-99k"}
	for _, id := range ids {
		if got := c.GetContextWindow(id); got < 1000 {
			t.Fatalf("GetContextWindow(%q) = %d, want >= 1000", id, got)
		}
	}
}

func TestComposeModelID_Idempotent(t *testing.T) {
	cases := []struct{ provider, id string }{
		{"openai", "gpt-5"},
		{"openai", "openai/gpt-5"},
		{"openrouter", "openrouter/z.ai/glm-5"},
	}
	for _, tc := range cases {
		once := ComposeModelID(tc.provider, tc.id)
		twice := ComposeModelID(tc.provider, once)
		if once != twice {
			t.Fatalf("not idempotent: ComposeModelID(%q,%q)=%q then %q", tc.provider, tc.id, once, twice)
		}
	}
}

func TestEnsureSessionContextWindow(t *testing.T) {
	reg := &fakeRegistry{models: []Model{
		{ID: "anthropic/claude-y", ContextWindow: 128000},
	}}
	c := New(reg)
	_ = c.Refresh(context.Background())

	s := &session.Session{Model: "anthropic/claude-y"} // ContextWindow zero-value
	if changed := c.EnsureSessionContextWindow(s); !changed || s.ContextWindow != 128000 {
		t.Fatalf("expected heal to 128000, got changed=%v window=%d", changed, s.ContextWindow)
	}

	s2 := &session.Session{Model: "anthropic/claude-y", ContextWindow: session.DefaultContextWindow}
	if changed := c.EnsureSessionContextWindow(s2); !changed || s2.ContextWindow != 128000 {
		t.Fatalf("expected default-value healing, got changed=%v window=%d", changed, s2.ContextWindow)
	}

	s3 := &session.Session{Model: "anthropic/claude-y", ContextWindow: 64000}
	if changed := c.EnsureSessionContextWindow(s3); changed {
		t.Fatalf("should not overwrite a deliberately different non-default window")
	}
}

func TestHealPersistedSessionContextWindows(t *testing.T) {
	reg := &fakeRegistry{models: []Model{{ID: "anthropic/claude-y", ContextWindow: 128000}}}
	c := New(reg)
	_ = c.Refresh(context.Background())

	store := &memStore{sessions: map[string]*session.Session{
		"s1": {ID: "s1", Model: "anthropic/claude-y", ContextWindow: session.DefaultContextWindow},
	}}
	if err := c.HealPersistedSessionContextWindows(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	if store.sessions["s1"].ContextWindow != 128000 {
		t.Fatalf("expected healed window 128000, got %d", store.sessions["s1"].ContextWindow)
	}
}

type memStore struct {
	sessions map[string]*session.Session
}

func (m *memStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) SaveSession(ctx context.Context, s *session.Session) error {
	m.sessions[s.ID] = s
	return nil
}
