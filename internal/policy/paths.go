package policy

import (
	"path/filepath"
	"regexp"
	"strings"
)

// secretDirRe covers the "home-relative or absolute" credential
// directories of heuristic 1(a).
var secretDirRe = regexp.MustCompile(`(^|/)\.(ssh|aws|gnupg|docker|kube|azure)(/|$)`)

// secretConfigSubdirRe covers heuristic 1(b): ~/.config/{gh,gcloud}/…
var secretConfigSubdirRe = regexp.MustCompile(`(^|/)\.config/(gh|gcloud)(/|$)`)

// secretDotfiles covers heuristic 1(c): bare credential dotfiles anywhere
// on the path.
var secretDotfiles = map[string]bool{
	".npmrc":  true,
	".netrc":  true,
	".pypirc": true,
}

// envFileRe covers heuristic 1(d): .env or .env.<suffix>.
var envFileRe = regexp.MustCompile(`(^|/)\.env(\.[^/]+)?$`)

// isSecretPath reports whether path matches any of the fixed secret-file
// patterns in spec.md §4.4 heuristic 1.
func isSecretPath(path string) bool {
	if path == "" {
		return false
	}
	normalized := strings.ReplaceAll(path, "\\", "/")
	if secretDirRe.MatchString(normalized) {
		return true
	}
	if secretConfigSubdirRe.MatchString(normalized) {
		return true
	}
	if secretDotfiles[filepath.Base(normalized)] {
		return true
	}
	if envFileRe.MatchString(normalized) {
		return true
	}
	return false
}
