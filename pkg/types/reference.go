package types

import "strings"

// undefinedMarkerPrefix is rendered for any reference path that cannot
// be resolved against a result tree, per spec property 8.
const undefinedMarkerPrefix = "<undefined:"

// Reference is the `@last[.path]` pointer language: a small typed
// accessor over a map[string]any result tree, rather than string
// interpolation, so a bad path is detectable without executing
// anything.
type Reference struct {
	// Path is the dotted accessor after "@last", e.g. "variables.x".
	// Empty means the whole result.
	Path string
}

// ParseReference recognizes the literal token "@last" or "@last.<path>".
// ok is false if raw is not a reference token at all.
func ParseReference(raw string) (Reference, bool) {
	if raw == "@last" {
		return Reference{}, true
	}
	if strings.HasPrefix(raw, "@last.") {
		return Reference{Path: strings.TrimPrefix(raw, "@last.")}, true
	}
	return Reference{}, false
}

// Resolve walks result (the previous action's structured output,
// typically a map[string]any) along r.Path, returning the value found
// or an "<undefined:path>" marker string if any segment is missing.
func (r Reference) Resolve(result any) any {
	if r.Path == "" {
		return result
	}
	segments := strings.Split(r.Path, ".")
	cur := result
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return undefinedMarkerPrefix + r.Path + ">"
		}
		v, present := m[seg]
		if !present {
			return undefinedMarkerPrefix + r.Path + ">"
		}
		cur = v
	}
	return cur
}

// IsUndefined reports whether a resolved value is an undefined marker.
func IsUndefined(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(s, undefinedMarkerPrefix) && strings.HasSuffix(s, ">")
}
