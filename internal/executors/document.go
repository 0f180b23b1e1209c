package executors

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// DocExtractExecutor fetches a document through the DocumentSource port and
// extracts structured values with a jq program. The program is a closed
// query language: it reads the fetched document, nothing else.
type DocExtractExecutor struct {
	source DocumentSource
}

func NewDocExtractExecutor(source DocumentSource) *DocExtractExecutor {
	return &DocExtractExecutor{source: source}
}

func (e *DocExtractExecutor) Type() schema.NodeType { return schema.NodeDocExtract }

func (e *DocExtractExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.DocExtractConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"doc_extract node missing config").WithNode(input.Node.ID)
	}
	if e.source == nil {
		return nil, schema.NewError(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"no document source configured").WithNode(input.Node.ID)
	}

	refVal, err := input.Resolver.Resolve(cfg.Source, input.Scope)
	if err != nil {
		return nil, err
	}
	if expressions.IsNull(refVal) {
		return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeUnresolvedRef,
			"document source %q resolved to null", cfg.Source).WithNode(input.Node.ID)
	}
	ref := expressions.AsString(refVal)

	doc, err := e.source.Fetch(ctx, ref)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"document fetch failed for %q: %s", ref, err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	values, err := runQuery(ctx, cfg.Query, doc)
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, err
	}

	return succeeded(values), nil
}

// runQuery executes a jq program against the document and folds the emitted
// values: one value returns as-is, several return as a list.
func runQuery(ctx context.Context, query string, doc map[string]any) (any, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"invalid extraction query %q: %s", query, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"cannot compile extraction query %q: %s", query, err.Error()).WithCause(err)
	}

	var results []any
	iter := code.RunWithContext(ctx, map[string]any(doc))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
				"extraction query failed: %s", qerr.Error()).WithCause(qerr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// CompileQuery parses and compiles a jq program without running it, used by
// the validator at admission time.
func CompileQuery(query string) error {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if _, err := gojq.Compile(parsed); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	return nil
}

// DocGenerateExecutor renders a registered template into a document through
// the DocumentRenderer port and outputs the artifact reference.
type DocGenerateExecutor struct {
	renderer DocumentRenderer
}

func NewDocGenerateExecutor(renderer DocumentRenderer) *DocGenerateExecutor {
	return &DocGenerateExecutor{renderer: renderer}
}

func (e *DocGenerateExecutor) Type() schema.NodeType { return schema.NodeDocGenerate }

func (e *DocGenerateExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.DocGenerateConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"doc_generate node missing config").WithNode(input.Node.ID)
	}
	if e.renderer == nil {
		return nil, schema.NewError(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"no document renderer configured").WithNode(input.Node.ID)
	}

	data := make(map[string]any, len(cfg.Data))
	for field, tmpl := range cfg.Data {
		val, err := input.Resolver.Resolve(tmpl, input.Scope)
		if err != nil {
			return nil, err
		}
		if expressions.IsNull(val) {
			data[field] = nil
			continue
		}
		data[field] = val
	}

	ref, err := e.renderer.Render(ctx, cfg.Template, data, cfg.Format)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"document generation failed for template %q: %s", cfg.Template, err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	return succeeded(map[string]any{"document": ref, "format": cfg.Format}), nil
}
