package httpapi

import "strings"

// isOriginAllowed reports whether origin matches one of allowed, supporting
// a literal "*" and wildcard subdomain patterns like
// "https://*.example.com" (grounded on the teacher's websocket.go origin
// check, since WebSocket upgrades bypass CORS and must be validated here).
func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
