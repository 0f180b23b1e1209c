package executors

import (
	"context"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// SubprocessExecutor runs another definition with a fresh context. Only the
// declared input mapping crosses into the child and only the declared output
// mapping comes back; the child never sees the parent's scope.
type SubprocessExecutor struct {
	runner SubprocessRunner
}

func NewSubprocessExecutor(runner SubprocessRunner) *SubprocessExecutor {
	return &SubprocessExecutor{runner: runner}
}

func (e *SubprocessExecutor) Type() schema.NodeType { return schema.NodeSubprocess }

func (e *SubprocessExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.SubprocessConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"subprocess node missing config").WithNode(input.Node.ID)
	}
	if e.runner == nil {
		return nil, schema.NewError(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"no subprocess runner configured").WithNode(input.Node.ID)
	}

	childInputs := make(map[string]any, len(cfg.Inputs))
	for field, tmpl := range cfg.Inputs {
		val, err := input.Resolver.Resolve(tmpl, input.Scope)
		if err != nil {
			return nil, err
		}
		if expressions.IsNull(val) {
			childInputs[field] = nil
			continue
		}
		childInputs[field] = val
	}

	childOutput, err := e.runner.Run(ctx, cfg.DefinitionID, cfg.Version, childInputs, input.InitiatorID)
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"subprocess %q failed: %s", cfg.DefinitionID, err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	// No output mapping exposes the child's whole output.
	if len(cfg.Outputs) == 0 {
		return succeeded(childOutput), nil
	}

	out := make(map[string]any, len(cfg.Outputs))
	for localKey, childKey := range cfg.Outputs {
		val, present := childOutput[childKey]
		if !present {
			return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeUnresolvedRef,
				"subprocess %q produced no output %q", cfg.DefinitionID, childKey).
				WithNode(input.Node.ID)
		}
		out[localKey] = val
	}
	return succeeded(out), nil
}
