package accept

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// auditScope checks the dispatch-reported change list against a step's
// allowed path globs. With no declared scope every change is allowed. A nil
// change list when scope is declared is an incomplete audit input, and any
// absolute or root-escaping change path invalidates the whole audit; both
// are distinct from an ordinary out-of-scope finding. Returns the sorted
// violating files and a non-empty audit reason code on rejected input.
func auditScope(allowedScope, changedFiles []string) (violations []string, auditReason string) {
	if len(allowedScope) == 0 {
		return nil, ""
	}
	if changedFiles == nil {
		return nil, ReasonScopeAuditIncomplete
	}

	var outOfScope []string
	for _, changed := range changedFiles {
		normalized := path.Clean(strings.ReplaceAll(strings.TrimSpace(changed), "\\", "/"))
		if normalized == "" || normalized == "." {
			continue
		}
		if path.IsAbs(normalized) || normalized == ".." || strings.HasPrefix(normalized, "../") {
			return nil, ReasonScopeAuditInvalid
		}
		if !matchesAnyScope(allowedScope, normalized) {
			outOfScope = append(outOfScope, normalized)
		}
	}
	return sortedUnique(outOfScope), ""
}

func matchesAnyScope(allowedScope []string, changed string) bool {
	for _, pattern := range allowedScope {
		pattern = strings.TrimSpace(strings.ReplaceAll(pattern, "\\", "/"))
		if pattern == "" {
			continue
		}
		if ok, err := doublestar.Match(pattern, changed); err == nil && ok {
			return true
		}
		// A directory pattern also covers everything beneath it.
		if ok, err := doublestar.Match(strings.TrimSuffix(pattern, "/")+"/**", changed); err == nil && ok {
			return true
		}
	}
	return false
}
