package executors

import (
	"context"

	"github.com/procflow/procflow/pkg/schema"
)

// ToolExecutor invokes an external tool/connector through the ToolInvoker
// port. Params are template-resolved before the call; invocation failures
// surface as infrastructure errors so the retry policy applies.
type ToolExecutor struct {
	invoker ToolInvoker
}

func NewToolExecutor(invoker ToolInvoker) *ToolExecutor {
	return &ToolExecutor{invoker: invoker}
}

func (e *ToolExecutor) Type() schema.NodeType { return schema.NodeTool }

func (e *ToolExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.ToolConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"tool node missing config").WithNode(input.Node.ID)
	}
	if e.invoker == nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"no tool invoker configured for tool %q", cfg.Tool).WithNode(input.Node.ID)
	}

	params, err := input.Resolver.ResolveMap(cfg.Params, input.Scope)
	if err != nil {
		return nil, err
	}

	out, err := e.invoker.Invoke(ctx, cfg.Tool, params)
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"tool %q failed: %s", cfg.Tool, err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	return succeeded(out), nil
}
