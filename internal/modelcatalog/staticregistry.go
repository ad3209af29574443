package modelcatalog

import "context"

// StaticRegistry implements Registry with a fixed model list. The real
// backend model registry (spec.md §1: a named collaborator, not specified
// here) is out of scope; StaticRegistry stands in for it so the catalog has
// a concrete collaborator to refresh against at startup.
type StaticRegistry struct {
	Models []Model
}

// DefaultModels is a representative fixed catalog covering the model ids
// exercised by spec.md §8's scenarios.
func DefaultModels() []Model {
	return []Model{
		{ID: "anthropic/claude-x-128k", Name: "Claude X", ContextWindow: 128_000, CredentialsAvailable: true},
		{ID: "openai/gpt-5-272k", Name: "GPT-5", ContextWindow: 272_000, CredentialsAvailable: true},
	}
}

// ListModels implements Registry.
func (s StaticRegistry) ListModels(ctx context.Context) ([]Model, error) {
	return s.Models, nil
}
