// Package policy implements C4: structural deny heuristics over tool calls
// (secret-file exfiltration, data egress, secret-bearing URLs, pipe-to-shell).
// The heuristics are a fixed, enumerated set — this is not a policy
// language, and the parser never executes or resolves the commands it
// inspects (spec.md §9).
package policy

// Action is the decision an evaluated heuristic (or the overall gate)
// returns for a tool call.
type Action string

const (
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
	ActionAllow Action = "allow"
)

// Layer distinguishes the hard-coded secret-file heuristic, which always
// overrides configured layers, from the other rule-based heuristics.
type Layer string

const (
	LayerHardDeny Layer = "hard_deny"
	LayerRule     Layer = "rule"
)

// Setting configures one heuristic: Enabled=false means the heuristic is
// fully disabled (the spec's "false" setting); otherwise Action is the
// configured response when the heuristic fires.
type Setting struct {
	Enabled bool
	Action  Action
}

// Disabled is the zero-ish disabled Setting.
func Disabled() Setting { return Setting{Enabled: false} }

// Deny/Ask/Allow build an enabled Setting with the given response.
func Deny() Setting  { return Setting{Enabled: true, Action: ActionDeny} }
func Ask() Setting   { return Setting{Enabled: true, Action: ActionAsk} }
func Allow() Setting { return Setting{Enabled: true, Action: ActionAllow} }

// ResolvedHeuristics is the fixed set of heuristics this engine evaluates.
type ResolvedHeuristics struct {
	SecretFileAccess Setting
	PipeToShell      Setting
	DataEgress       Setting
	SecretEnvInURL   Setting
}

// DefaultHeuristics denies all four heuristics, matching a conservative
// out-of-the-box posture.
func DefaultHeuristics() ResolvedHeuristics {
	return ResolvedHeuristics{
		SecretFileAccess: Deny(),
		PipeToShell:      Deny(),
		DataEgress:       Deny(),
		SecretEnvInURL:   Deny(),
	}
}

// GateRequest is one tool call submitted for evaluation.
type GateRequest struct {
	Tool  string
	Input map[string]any
}

// Decision is the outcome of evaluating a GateRequest (PolicyDecision,
// spec.md §3).
type Decision struct {
	Action    Action
	Reason    string
	Layer     Layer
	RuleLabel string
}

func allowDecision() Decision {
	return Decision{Action: ActionAllow}
}

func stringInput(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
