package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/procflow/procflow/pkg/schema"
)

// Null is the typed absent-value marker. Resolving a reference whose path
// does not exist yields Null, never an error and never the empty string, so
// downstream operators can distinguish "missing" from "empty".
type Null struct{}

func (Null) String() string { return "null" }

// IsNull reports whether a resolved value is the typed null (or a raw nil).
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Resolver evaluates {{...}} references against a Scope. A reference is a
// dotted path rooted at one of the fixed namespaces (trigger, steps, user,
// loop) or a call to one of the whitelisted functions. No other evaluation
// facility exists.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve evaluates a template string. When the template is exactly one
// {{...}} token the typed value is returned (maps, lists, numbers, Null).
// When references are embedded in surrounding text the result is a string
// with each token replaced by its rendering.
func (r *Resolver) Resolve(template string, scope *Scope) (any, error) {
	trimmed := strings.TrimSpace(template)
	if isSingleToken(trimmed) {
		expr := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		return r.resolveExpr(expr, scope)
	}
	return r.ResolveString(template, scope)
}

// ResolveString interpolates every {{...}} token into surrounding text.
func (r *Resolver) ResolveString(template string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"unclosed {{ reference")
		}
		end += start

		expr := strings.TrimSpace(template[start:end])
		if expr == "" {
			return "", schema.NewError(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"empty reference: {{ }}")
		}
		if strings.Contains(expr, "{{") {
			return "", schema.NewError(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"nested references are not allowed")
		}

		val, err := r.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(renderInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// ResolveMap resolves every string value of a map, recursively. Non-template
// strings and non-string values pass through unchanged. Used for tool params
// and subprocess input mappings.
func (r *Resolver) ResolveMap(params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return r.Resolve(val, scope)
	case map[string]any:
		return r.ResolveMap(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveExpr evaluates one reference: a function call or a namespaced path.
func (r *Resolver) resolveExpr(expr string, scope *Scope) (any, error) {
	if name, args, ok := splitCall(expr); ok {
		return r.callFunction(name, args, scope)
	}

	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch namespace {
	case "trigger":
		return lookupPath(scope.Trigger, rest), nil
	case "steps":
		return lookupPath(scope.Steps, rest), nil
	case "user":
		return lookupPath(scope.User, rest), nil
	case "loop":
		return resolveLoop(rest, scope), nil
	default:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
			"unknown namespace %q in {{%s}}; available: trigger, steps, user, loop", namespace, expr).
			WithDetails(map[string]any{"expression": expr})
	}
}

// resolveLoop handles loop.item, loop.index, loop.<item_var> and nested
// field access on the item. Outside a loop every loop reference is Null.
func resolveLoop(field string, scope *Scope) any {
	if scope.Loop == nil || field == "" {
		return Null{}
	}

	itemVar := scope.Loop.Var
	if itemVar == "" {
		itemVar = "item"
	}

	switch {
	case field == "index":
		return scope.Loop.Index
	case field == "item" || field == itemVar:
		return normalizeNil(scope.Loop.Item)
	case strings.HasPrefix(field, "item."):
		return traversePath(scope.Loop.Item, strings.TrimPrefix(field, "item."))
	case strings.HasPrefix(field, itemVar+"."):
		return traversePath(scope.Loop.Item, strings.TrimPrefix(field, itemVar+"."))
	default:
		return Null{}
	}
}

// lookupPath resolves a dotted path from a namespace map. Missing anything
// along the way yields Null.
func lookupPath(data map[string]any, path string) any {
	if data == nil || path == "" {
		return Null{}
	}

	// Direct key lookup first, for keys containing dots.
	if val, ok := data[path]; ok {
		return normalizeNil(val)
	}

	return traversePath(data, path)
}

// traversePath walks nested maps and list indices along a dotted path.
func traversePath(root any, path string) any {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return Null{}
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return Null{}
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return Null{}
			}
			current = v[idx]
		default:
			return Null{}
		}
	}
	return normalizeNil(current)
}

func normalizeNil(v any) any {
	if v == nil {
		return Null{}
	}
	return v
}

// isSingleToken reports whether s is exactly one {{...}} reference.
func isSingleToken(s string) bool {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return false
	}
	inner := s[2 : len(s)-2]
	return !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}")
}

// splitCall detects fn(arg, ...) syntax and splits the argument list at
// top-level commas (commas inside quotes or nested parens don't split).
func splitCall(expr string) (name string, args []string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}

	name = strings.TrimSpace(expr[:open])
	for _, r := range name {
		if !isIdentRune(r) {
			return "", nil, false
		}
	}

	inner := expr[open+1 : len(expr)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, true
	}

	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '\'', '"':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				args = append(args, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(inner[start:]))
	return name, args, true
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// resolveArg evaluates one function argument: a quoted string literal, a
// numeric literal, or a namespaced reference.
func (r *Resolver) resolveArg(arg string, scope *Scope) (any, error) {
	if len(arg) >= 2 {
		if (arg[0] == '\'' && arg[len(arg)-1] == '\'') || (arg[0] == '"' && arg[len(arg)-1] == '"') {
			return arg[1 : len(arg)-1], nil
		}
	}
	if n, err := strconv.ParseFloat(arg, 64); err == nil {
		return n, nil
	}
	if arg == "true" {
		return true, nil
	}
	if arg == "false" {
		return false, nil
	}
	return r.resolveExpr(arg, scope)
}

// renderInline converts a resolved value into its text rendering for
// embedding inside a larger string. Null renders as an empty segment so
// human-facing messages don't carry literal "null" text.
func renderInline(val any) string {
	switch v := val.(type) {
	case Null:
		return ""
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasTemplate checks whether a string contains any {{...}} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}
