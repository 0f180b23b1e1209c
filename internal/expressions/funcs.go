package expressions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/procflow/procflow/pkg/schema"
)

// The function whitelist. Templates may call exactly these; anything else is
// rejected at resolve time. Adding a function is a catalog change, mirrored
// in the calculate node's operation set.
const (
	fnConcat   = "concat"
	fnSum      = "sum"
	fnRound    = "round"
	fnDateDiff = "date_diff"
	fnLength   = "length"
)

func (r *Resolver) callFunction(name string, rawArgs []string, scope *Scope) (any, error) {
	args := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		val, err := r.resolveArg(raw, scope)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}

	switch name {
	case fnConcat:
		return Concat(args, ""), nil
	case fnSum:
		return Sum(args)
	case fnRound:
		return Round(args)
	case fnDateDiff:
		return DateDiff(args)
	case fnLength:
		if len(args) != 1 {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
				"length takes exactly one argument, got %d", len(args))
		}
		return Length(args[0]), nil
	default:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnresolvedRef,
			"unknown function %q; available: concat, sum, round, date_diff, length", name)
	}
}

// Concat joins the string renderings of all arguments. Null arguments render
// as empty segments.
func Concat(args []any, separator string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, renderInline(a))
	}
	return strings.Join(parts, separator)
}

// Sum adds all arguments numerically. Lists are flattened one level so
// sum over a collection reference works. Null contributes zero; anything
// non-coercible is a data error.
func Sum(args []any) (float64, error) {
	var total float64
	for _, a := range args {
		if list, ok := a.([]any); ok {
			sub, err := Sum(list)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		if IsNull(a) {
			continue
		}
		n, ok := AsNumber(a)
		if !ok {
			return 0, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
				"sum argument %v is not numeric", a)
		}
		total += n
	}
	return total, nil
}

// Round rounds the first argument to the precision given by the optional
// second argument (default 0 decimal places).
func Round(args []any) (float64, error) {
	if len(args) < 1 || len(args) > 2 {
		return 0, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"round takes one or two arguments, got %d", len(args))
	}
	n, ok := AsNumber(args[0])
	if !ok {
		return 0, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
			"round argument %v is not numeric", args[0])
	}
	precision := 0.0
	if len(args) == 2 {
		p, ok := AsNumber(args[1])
		if !ok || p < 0 {
			return 0, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
				"round precision %v is not a non-negative number", args[1])
		}
		precision = p
	}
	factor := math.Pow(10, precision)
	return math.Round(n*factor) / factor, nil
}

// DateDiff returns the difference between two timestamps in the unit given
// by the optional third argument: days (default), hours, or minutes. The
// result is signed: first minus second.
func DateDiff(args []any) (float64, error) {
	if len(args) < 2 || len(args) > 3 {
		return 0, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"date_diff takes two or three arguments, got %d", len(args))
	}

	a, err := AsTime(args[0])
	if err != nil {
		return 0, err
	}
	b, err := AsTime(args[1])
	if err != nil {
		return 0, err
	}

	unit := "days"
	if len(args) == 3 {
		s, ok := args[2].(string)
		if !ok {
			return 0, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
				"date_diff unit %v is not a string", args[2])
		}
		unit = s
	}

	d := a.Sub(b)
	switch unit {
	case "days":
		return d.Hours() / 24, nil
	case "hours":
		return d.Hours(), nil
	case "minutes":
		return d.Minutes(), nil
	default:
		return 0, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"date_diff unit %q not supported; use days, hours or minutes", unit)
	}
}

// Length returns the element count of a list, key count of a map, or rune
// count of a string. Null has length zero.
func Length(v any) int {
	switch val := v.(type) {
	case []any:
		return len(val)
	case map[string]any:
		return len(val)
	case string:
		return len([]rune(val))
	default:
		return 0
	}
}

// AsNumber coerces a resolved value to float64. Strings parse as decimal;
// booleans and Null do not coerce.
func AsNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsString renders a resolved value as text. Null renders empty.
func AsString(v any) string {
	return renderInline(v)
}

// AsBool coerces a resolved value to bool: booleans pass through, the
// strings "true"/"false" parse, everything else fails.
func AsBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	default:
		return false, false
	}
}

// AsList coerces a resolved value to a list. A Null yields an empty list so
// loops over a missing collection run zero iterations instead of failing.
func AsList(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case Null:
		return nil, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}

// AsTime parses a resolved value as a timestamp. RFC3339 and date-only forms
// are accepted; the literal "now" resolves to the current time.
func AsTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
			"value %v is not a timestamp string", v)
	}
	s = strings.TrimSpace(s)
	if s == "now" {
		return time.Now(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
		"cannot parse %q as a timestamp", s)
}
