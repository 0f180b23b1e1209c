package executors

import (
	"context"
	"strings"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// StartExecutor marks the entry node. It produces no output; the trigger
// input is already in scope when the walker reaches it.
type StartExecutor struct{}

func NewStartExecutor() *StartExecutor { return &StartExecutor{} }

func (e *StartExecutor) Type() schema.NodeType { return schema.NodeStart }

func (e *StartExecutor) Execute(_ context.Context, _ *ExecInput) (*ExecResult, error) {
	return succeeded(nil), nil
}

// EndExecutor resolves the declared output mapping into the final process
// output.
type EndExecutor struct{}

func NewEndExecutor() *EndExecutor { return &EndExecutor{} }

func (e *EndExecutor) Type() schema.NodeType { return schema.NodeEnd }

func (e *EndExecutor) Execute(_ context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, _ := input.Config.(*schema.EndConfig)
	if cfg == nil || len(cfg.Outputs) == 0 {
		return succeeded(map[string]any{}), nil
	}

	out := make(map[string]any, len(cfg.Outputs))
	for name, tmpl := range cfg.Outputs {
		val, err := input.Resolver.Resolve(tmpl, input.Scope)
		if err != nil {
			return nil, err
		}
		if expressions.IsNull(val) {
			out[name] = nil
			continue
		}
		out[name] = val
	}
	return succeeded(out), nil
}

// ConditionExecutor evaluates the fixed comparison and picks the yes or no
// branch. Undefined operands are handled per operator and never default to
// the yes branch.
type ConditionExecutor struct{}

func NewConditionExecutor() *ConditionExecutor { return &ConditionExecutor{} }

func (e *ConditionExecutor) Type() schema.NodeType { return schema.NodeCondition }

func (e *ConditionExecutor) Execute(_ context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.ConditionConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"condition node missing config").WithNode(input.Node.ID)
	}

	left, err := input.Resolver.Resolve(cfg.Left, input.Scope)
	if err != nil {
		return nil, err
	}

	var right any = expressions.Null{}
	if cfg.Operator != schema.OpIsEmpty {
		right, err = input.Resolver.Resolve(cfg.Right, input.Scope)
		if err != nil {
			return nil, err
		}
	}

	result, err := Compare(cfg.Operator, left, right)
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, err
	}

	branch := schema.EdgeTagNo
	if result {
		branch = schema.EdgeTagYes
	}
	return &ExecResult{
		Status: schema.NodeSucceeded,
		Output: map[string]any{"result": result},
		Branch: branch,
	}, nil
}

// Compare applies one comparison operator to two resolved operands.
// Null semantics: equals treats two Nulls as equal and a Null against any
// value as unequal; ordered comparisons and contains are false when either
// operand is Null; is_empty is true for Null.
func Compare(op schema.CompareOp, left, right any) (bool, error) {
	switch op {
	case schema.OpEquals:
		return valuesEqual(left, right), nil
	case schema.OpNotEquals:
		return !valuesEqual(left, right), nil
	case schema.OpGreaterThan, schema.OpLessThan:
		if expressions.IsNull(left) || expressions.IsNull(right) {
			return false, nil
		}
		ln, lok := expressions.AsNumber(left)
		rn, rok := expressions.AsNumber(right)
		if !lok || !rok {
			return false, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
				"operator %s requires numeric operands, got %T and %T", op, left, right)
		}
		if op == schema.OpGreaterThan {
			return ln > rn, nil
		}
		return ln < rn, nil
	case schema.OpContains:
		return contains(left, right), nil
	case schema.OpIsEmpty:
		return isEmpty(left), nil
	default:
		return false, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"unknown comparison operator %q", op)
	}
}

func valuesEqual(left, right any) bool {
	if expressions.IsNull(left) || expressions.IsNull(right) {
		return expressions.IsNull(left) && expressions.IsNull(right)
	}
	// Numeric comparison when both sides coerce, so "100" equals 100.
	if ln, ok := expressions.AsNumber(left); ok {
		if rn, ok := expressions.AsNumber(right); ok {
			return ln == rn
		}
	}
	return expressions.AsString(left) == expressions.AsString(right)
}

func contains(left, right any) bool {
	if expressions.IsNull(left) || expressions.IsNull(right) {
		return false
	}
	switch l := left.(type) {
	case string:
		return strings.Contains(l, expressions.AsString(right))
	case []any:
		for _, item := range l {
			if valuesEqual(item, right) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case expressions.Null:
		return true
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// ParallelExecutor validates the fan-out region; the walker drives branch
// scheduling and joining, driven by the node's decoded config.
type ParallelExecutor struct{}

func NewParallelExecutor() *ParallelExecutor { return &ParallelExecutor{} }

func (e *ParallelExecutor) Type() schema.NodeType { return schema.NodeParallel }

func (e *ParallelExecutor) Execute(_ context.Context, input *ExecInput) (*ExecResult, error) {
	if _, ok := input.Config.(*schema.ParallelConfig); !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"parallel node missing config").WithNode(input.Node.ID)
	}
	return succeeded(nil), nil
}

// LoopExecutor resolves the bound collection; the walker iterates the body.
type LoopExecutor struct{}

func NewLoopExecutor() *LoopExecutor { return &LoopExecutor{} }

func (e *LoopExecutor) Type() schema.NodeType { return schema.NodeLoop }

func (e *LoopExecutor) Execute(_ context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.LoopConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"loop node missing config").WithNode(input.Node.ID)
	}

	val, err := input.Resolver.Resolve(cfg.Collection, input.Scope)
	if err != nil {
		return nil, err
	}
	items, ok := expressions.AsList(val)
	if !ok {
		return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
			"loop collection %q resolved to %T, want a list", cfg.Collection, val).
			WithNode(input.Node.ID)
	}

	return succeeded(map[string]any{"items": items, "count": len(items)}), nil
}
