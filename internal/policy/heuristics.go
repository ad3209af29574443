package policy

import (
	"regexp"
	"strings"
)

var pipeToShellRe = regexp.MustCompile(`\|\s*(ba)?sh\b`)

var readCommands = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true,
	"more": true, "grep": true, "rg": true, "awk": true, "sed": true,
}

var dataEgressFlags = map[string]bool{
	"-d": true, "--data": true, "--data-raw": true, "--data-binary": true,
	"--data-urlencode": true, "-F": true, "--form": true, "--form-string": true,
	"-T": true, "--upload-file": true, "--json": true,
}

var writeMethods = map[string]bool{"POST": true, "PUT": true, "DELETE": true, "PATCH": true}

var secretEnvNameRe = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)
var secretEnvKeywordRe = regexp.MustCompile(`KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL|AUTH`)

// Evaluate applies the fixed heuristic set to a tool call. hard_deny
// secret-file denials are returned unconditionally (when enabled); other
// heuristics are layered "rule". First match wins per chain segment;
// segments are evaluated in chain order.
func Evaluate(req GateRequest, cfg ResolvedHeuristics) Decision {
	switch strings.ToLower(req.Tool) {
	case "read":
		path := stringInput(req.Input, "path", "file_path", "filePath")
		if cfg.SecretFileAccess.Enabled && isSecretPath(path) {
			return secretDecision(cfg)
		}
		return allowDecision()
	case "bash":
		return evaluateBash(stringInput(req.Input, "command", "cmd"), cfg)
	default:
		return allowDecision()
	}
}

func secretDecision(cfg ResolvedHeuristics) Decision {
	return Decision{
		Action:    cfg.SecretFileAccess.Action,
		Reason:    "command reads a credential or secret-bearing path",
		Layer:     LayerHardDeny,
		RuleLabel: "secretFileAccess",
	}
}

func evaluateBash(command string, cfg ResolvedHeuristics) Decision {
	if strings.TrimSpace(command) == "" {
		return allowDecision()
	}

	for _, segment := range scanSegments(command, "&&", "||", ";") {
		if cfg.SecretFileAccess.Enabled && segmentHasSecretFileAccess(segment) {
			return secretDecision(cfg)
		}

		if cfg.PipeToShell.Enabled && pipeToShellRe.MatchString(segment) {
			return Decision{
				Action:    cfg.PipeToShell.Action,
				Reason:    "pipes command output into a shell interpreter",
				Layer:     LayerRule,
				RuleLabel: "pipeToShell",
			}
		}

		for _, stage := range scanSegments(segment, "|") {
			tokens := tokenize(stage)
			if len(tokens) == 0 {
				continue
			}

			if cfg.DataEgress.Enabled && isDataEgress(tokens) {
				return Decision{
					Action:    cfg.DataEgress.Action,
					Reason:    "command sends data to a remote endpoint",
					Layer:     LayerRule,
					RuleLabel: "dataEgress",
				}
			}

			if cfg.SecretEnvInURL.Enabled && hasSecretEnvInURL(tokens) {
				return Decision{
					Action:    cfg.SecretEnvInURL.Action,
					Reason:    "command embeds a secret-looking environment variable in a URL",
					Layer:     LayerRule,
					RuleLabel: "secretEnvInUrl",
				}
			}
		}
	}

	return allowDecision()
}

// segmentHasSecretFileAccess checks a chain segment's pipeline stages and
// any nested $()/backtick substitutions for secret-path reads.
func segmentHasSecretFileAccess(segment string) bool {
	for _, stage := range scanSegments(segment, "|") {
		if stageIsSecretRead(tokenize(stage)) {
			return true
		}
	}
	for _, sub := range extractSubstitutions(segment) {
		for _, subSegment := range scanSegments(sub, "&&", "||", ";") {
			if segmentHasSecretFileAccess(subSegment) {
				return true
			}
		}
	}
	return false
}

func stageIsSecretRead(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	if !readCommands[baseCommand(tokens[0])] {
		return false
	}
	for _, arg := range tokens[1:] {
		if isSecretPath(arg) {
			return true
		}
	}
	return false
}

func isDataEgress(tokens []string) bool {
	exe := baseCommand(tokens[0])
	switch exe {
	case "curl":
		return curlIsDataEgress(tokens[1:])
	case "wget":
		return wgetIsDataEgress(tokens[1:])
	}
	return false
}

func curlIsDataEgress(args []string) bool {
	for i, arg := range args {
		name := arg
		if idx := strings.Index(arg, "="); idx >= 0 {
			name = arg[:idx]
		}
		if dataEgressFlags[name] {
			return true
		}

		switch {
		case arg == "-X" || arg == "--request":
			if i+1 < len(args) && writeMethods[strings.ToUpper(args[i+1])] {
				return true
			}
		case strings.HasPrefix(arg, "-X") && len(arg) > 2 && !strings.HasPrefix(arg, "-X-"):
			if writeMethods[strings.ToUpper(arg[2:])] {
				return true
			}
		case strings.HasPrefix(arg, "--request="):
			if writeMethods[strings.ToUpper(strings.TrimPrefix(arg, "--request="))] {
				return true
			}
		}
	}
	return false
}

func wgetIsDataEgress(args []string) bool {
	for _, arg := range args {
		if strings.HasPrefix(arg, "--post-data") || strings.HasPrefix(arg, "--post-file") {
			return true
		}
	}
	return false
}

func hasSecretEnvInURL(tokens []string) bool {
	exe := baseCommand(tokens[0])
	if exe != "curl" && exe != "wget" {
		return false
	}
	for _, arg := range tokens[1:] {
		if !strings.Contains(arg, "http://") && !strings.Contains(arg, "https://") {
			continue
		}
		for _, match := range secretEnvNameRe.FindAllStringSubmatch(arg, -1) {
			name := strings.ToUpper(match[1])
			if secretEnvKeywordRe.MatchString(name) {
				return true
			}
		}
	}
	return false
}
