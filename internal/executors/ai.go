package executors

import (
	"context"

	"github.com/procflow/procflow/pkg/schema"
)

// AIStepExecutor delegates a step to the Reasoner port. The node declares
// every output field it produces; fields the provider returns but never
// declared are dropped, declared fields the provider omits are a data error.
// Nondeterminism stays inside the provider: given the same provider response
// the executor is pure.
type AIStepExecutor struct {
	reasoner Reasoner
}

func NewAIStepExecutor(reasoner Reasoner) *AIStepExecutor {
	return &AIStepExecutor{reasoner: reasoner}
}

func (e *AIStepExecutor) Type() schema.NodeType { return schema.NodeAIStep }

func (e *AIStepExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.AIStepConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"ai_step node missing config").WithNode(input.Node.ID)
	}
	if e.reasoner == nil {
		return nil, schema.NewError(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"no reasoning provider configured").WithNode(input.Node.ID)
	}

	prompt, err := input.Resolver.ResolveString(cfg.Prompt, input.Scope)
	if err != nil {
		return nil, err
	}

	raw, err := e.reasoner.Complete(ctx, prompt, cfg.Outputs)
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"reasoning provider failed: %s", err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	out := make(map[string]any, len(cfg.Outputs))
	for _, field := range cfg.Outputs {
		val, present := raw[field.Name]
		if !present {
			return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
				"provider response missing declared output %q", field.Name).
				WithNode(input.Node.ID)
		}
		out[field.Name] = val
	}

	return succeeded(out), nil
}
