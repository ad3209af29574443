package events

import (
	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/registry"
)

// TranslationContext carries the mutable streaming-text accumulators across
// a single translatePiEvent call. Callers must not retain a reference to it
// beyond the call (spec.md §9 "Shared mutable streaming state").
type TranslationContext struct {
	StreamedAssistantText string
	HasStreamedThinking   bool
}

// statusBroadcastSet names the event types that emit a "state" message in
// addition to their own translated messages (spec.md §4.5).
var statusBroadcastSet = map[string]bool{
	"agent_start":         true,
	"agent_end":           true,
	"message_end":         true,
	"tool_execution_start": true,
}

// notificationMethods are extension_ui_request methods that are relayed as
// fire-and-forget notifications rather than stored as pending dialogs.
var notificationMethods = map[string]bool{
	"notify":          true,
	"setStatus":       true,
	"setWidget":       true,
	"setTitle":        true,
	"set_editor_text": true,
}

// translatePiEvent is the pure core of event translation: given a backend
// event and the current streaming accumulators, it returns the client
// messages to emit and the updated accumulators. It has no side effects on
// session state, storage, or timers — those are applied by Processor after
// the call (spec.md §4.5, §9).
func translatePiEvent(ev backend.Event, ctx TranslationContext) ([]registry.ClientMessage, TranslationContext) {
	switch ev.Type {
	case "message_end":
		if ev.Role == "assistant" || ev.Role == "user" {
			return []registry.ClientMessage{{
				Type: "message_end",
				Payload: map[string]any{
					"role":    ev.Role,
					"content": ev.Content,
				},
			}}, ctx
		}
		return nil, ctx

	case "extension_ui_request":
		if notificationMethods[ev.Method] {
			return []registry.ClientMessage{{
				Type: "extension_ui_notification",
				Payload: map[string]any{
					"method": ev.Method,
					"args":   ev.Args,
				},
			}}, ctx
		}
		return []registry.ClientMessage{{
			Type: "extension_ui_request",
			Payload: map[string]any{
				"id":     ev.RequestID,
				"method": ev.Method,
				"args":   ev.Args,
			},
		}}, ctx

	default:
		return nil, ctx
	}
}
