package oauth

import "strings"

// ParseScope splits a space-delimited scope string, dropping empty entries.
func ParseScope(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.Fields(s)
	return fields
}

// JoinScope renders a scope list back to its wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeSubset reports whether every element of requested is present in granted.
// An empty requested set is a subset of anything.
func ScopeSubset(requested, granted []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// HasScope reports whether scope contains name.
func HasScope(scopes []string, name string) bool {
	for _, s := range scopes {
		if s == name {
			return true
		}
	}
	return false
}
