// Package interp resolves ${path.to.value} references in JSON-like
// templates against a context object. Resolution is pure and best-effort:
// missing paths never produce errors, they leave the token in place (or
// yield nil for whole-string matches).
package interp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// exactPattern matches strings that consist of exactly one ${...} token.
// Exact matches return the raw value at the path, preserving its type.
var exactPattern = regexp.MustCompile(`^\$\{([^}]*)\}$`)

// tokenPattern matches every ${...} occurrence inside a larger string.
var tokenPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Interpolate walks a template value and substitutes every ${expr} token
// against ctx. Maps and slices are recursed element-wise; scalars other
// than strings are returned unchanged.
//
// A string that is exactly one token returns the raw value at the path
// (any type), or nil when the path does not resolve. A string containing
// tokens among other text gets each token replaced with the stringified
// value; unresolved tokens stay as literal ${...} text.
func Interpolate(template any, ctx any) any {
	switch v := template.(type) {
	case string:
		return interpolateString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Interpolate(elem, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Interpolate(elem, ctx)
		}
		return out
	default:
		return template
	}
}

func interpolateString(s string, ctx any) any {
	if m := exactPattern.FindStringSubmatch(s); m != nil {
		expr := strings.TrimSpace(m[1])
		if expr == "" {
			return nil
		}
		val, ok := Resolve(ctx, expr)
		if !ok {
			return nil
		}
		return val
	}

	if !tokenPattern.MatchString(s) {
		return s
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		expr := strings.TrimSpace(token[2 : len(token)-1])
		if expr == "" {
			return ""
		}
		val, ok := Resolve(ctx, expr)
		if !ok {
			// Leave unresolved tokens visible so template mistakes
			// show up in the output instead of vanishing.
			return token
		}
		return stringify(val)
	})
}

// Resolve walks a dot-separated path through maps and slices. Segments are
// whitespace-trimmed; numeric segments index into slices. The second return
// reports whether the full path resolved.
func Resolve(ctx any, path string) (any, bool) {
	current := ctx
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for in-string substitution. Composite
// values are JSON-encoded so they stay machine-readable inside templates.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
