package executors

import (
	"context"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// CalculateExecutor derives a value from resolved inputs using the closed
// operation set. It shares the arithmetic with the template function
// whitelist so both surfaces behave identically.
type CalculateExecutor struct{}

func NewCalculateExecutor() *CalculateExecutor { return &CalculateExecutor{} }

func (e *CalculateExecutor) Type() schema.NodeType { return schema.NodeCalculate }

func (e *CalculateExecutor) Execute(_ context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.CalculateConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"calculate node missing config").WithNode(input.Node.ID)
	}

	args := make([]any, len(cfg.Inputs))
	for i, tmpl := range cfg.Inputs {
		val, err := input.Resolver.Resolve(tmpl, input.Scope)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}

	var (
		value any
		err   error
	)
	switch cfg.Operation {
	case schema.CalcSum:
		value, err = expressions.Sum(args)
	case schema.CalcRound:
		roundArgs := args
		if cfg.Precision > 0 && len(args) == 1 {
			roundArgs = append(roundArgs, float64(cfg.Precision))
		}
		value, err = expressions.Round(roundArgs)
	case schema.CalcConcat:
		value = expressions.Concat(args, cfg.Separator)
	case schema.CalcDateDiff:
		diffArgs := args
		if cfg.Unit != "" && len(args) == 2 {
			diffArgs = append(diffArgs, cfg.Unit)
		}
		value, err = expressions.DateDiff(diffArgs)
	case schema.CalcLength:
		if len(args) != 1 {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
				"length takes exactly one input, got %d", len(args)).WithNode(input.Node.ID)
		}
		value = expressions.Length(args[0])
	default:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"unknown calculate operation %q", cfg.Operation).WithNode(input.Node.ID)
	}
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, err
	}

	return succeeded(map[string]any{"value": value}), nil
}
