package expressions

import (
	"strconv"
	"strings"

	"github.com/procflow/procflow/pkg/schema"
)

// Ref is one parsed {{...}} path reference.
type Ref struct {
	Namespace string // trigger, steps, user, loop
	Path      string // dotted remainder after the namespace, may be empty
}

// Key returns the first path segment, the part static checks resolve
// against declared names.
func (r Ref) Key() string {
	if i := strings.IndexByte(r.Path, '.'); i >= 0 {
		return r.Path[:i]
	}
	return r.Path
}

// ExtractRefs parses every {{...}} token in a template and returns the path
// references it contains, descending into function-call arguments. It
// rejects exactly what Resolve would reject at runtime: unclosed or empty
// tokens, nested tokens, unknown namespaces, and unknown functions. Literal
// arguments carry no references and are skipped.
func ExtractRefs(template string) ([]Ref, error) {
	var refs []Ref

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			break
		}
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"unclosed {{ reference")
		}
		end += start

		expr := strings.TrimSpace(template[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"empty reference: {{ }}")
		}
		if strings.Contains(expr, "{{") {
			return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"nested references are not allowed")
		}

		exprRefs, err := extractExprRefs(expr)
		if err != nil {
			return nil, err
		}
		refs = append(refs, exprRefs...)

		i = end + 2
	}

	return refs, nil
}

// extractExprRefs collects the references of one expression: a namespaced
// path, or a whitelisted function call whose arguments are walked
// recursively.
func extractExprRefs(expr string) ([]Ref, error) {
	if name, args, ok := splitCall(expr); ok {
		switch name {
		case fnConcat, fnSum, fnRound, fnDateDiff, fnLength:
		default:
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
				"unknown function %q; available: concat, sum, round, date_diff, length", name)
		}
		var refs []Ref
		for _, arg := range args {
			if isLiteralArg(arg) {
				continue
			}
			argRefs, err := extractExprRefs(arg)
			if err != nil {
				return nil, err
			}
			refs = append(refs, argRefs...)
		}
		return refs, nil
	}

	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch namespace {
	case "trigger", "steps", "user", "loop":
		return []Ref{{Namespace: namespace, Path: rest}}, nil
	default:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
			"unknown namespace %q in {{%s}}; available: trigger, steps, user, loop", namespace, expr).
			WithDetails(map[string]any{"expression": expr})
	}
}

// isLiteralArg matches the literal forms resolveArg accepts without
// touching the scope.
func isLiteralArg(arg string) bool {
	if len(arg) >= 2 {
		if (arg[0] == '\'' && arg[len(arg)-1] == '\'') || (arg[0] == '"' && arg[len(arg)-1] == '"') {
			return true
		}
	}
	if _, err := strconv.ParseFloat(arg, 64); err == nil {
		return true
	}
	return arg == "true" || arg == "false"
}
