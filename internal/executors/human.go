package executors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/procflow/procflow/internal/identity"
	"github.com/procflow/procflow/pkg/schema"
)

// Decision payload keys shared by the resume API and the executors.
const (
	DecisionOutcome   = "outcome"
	DecisionComment   = "comment"
	DecisionDecidedBy = "decided_by"
	DecisionFields    = "fields"

	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// ApprovalExecutor suspends the execution until an assignee decides. On the
// first pass it resolves the recipient set and deadline and returns a
// suspension; on resume the decision payload becomes the node's output.
type ApprovalExecutor struct {
	identities *identity.Resolver
}

func NewApprovalExecutor(identities *identity.Resolver) *ApprovalExecutor {
	return &ApprovalExecutor{identities: identities}
}

func (e *ApprovalExecutor) Type() schema.NodeType { return schema.NodeApproval }

func (e *ApprovalExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.ApprovalConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"approval node missing config").WithNode(input.Node.ID)
	}

	// Resume pass: the decision is the output.
	if input.Decision != nil {
		return e.applyDecision(cfg, input)
	}

	suspension, err := buildSuspension(ctx, e.identities, SuspendApproval, &cfg.Assignee,
		cfg.Title, cfg.Message, cfg.Deadline, cfg.TimeoutFallback, nil, input)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Status: schema.NodeSuspendedWait, Suspension: suspension}, nil
}

func (e *ApprovalExecutor) applyDecision(cfg *schema.ApprovalConfig, input *ExecInput) (*ExecResult, error) {
	outcome, _ := input.Decision[DecisionOutcome].(string)
	switch outcome {
	case OutcomeApproved, OutcomeRejected:
	default:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"approval decision outcome must be approved or rejected, got %q", outcome).
			WithNode(input.Node.ID)
	}

	output := map[string]any{
		"approved":   outcome == OutcomeApproved,
		"outcome":    outcome,
		"comment":    input.Decision[DecisionComment],
		"decided_by": input.Decision[DecisionDecidedBy],
	}

	result := &ExecResult{Status: schema.NodeSucceeded, Output: output}
	if outcome == OutcomeRejected && cfg.OnReject != "continue" {
		result.Terminal = schema.ExecutionRejected
	}
	return result, nil
}

// FormExecutor suspends until an assignee submits the declared fields. The
// submitted values become the node's output after required-field checks.
type FormExecutor struct {
	identities *identity.Resolver
}

func NewFormExecutor(identities *identity.Resolver) *FormExecutor {
	return &FormExecutor{identities: identities}
}

func (e *FormExecutor) Type() schema.NodeType { return schema.NodeForm }

func (e *FormExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.FormConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"form node missing config").WithNode(input.Node.ID)
	}

	if input.Decision != nil {
		return e.applySubmission(cfg, input)
	}

	suspension, err := buildSuspension(ctx, e.identities, SuspendForm, &cfg.Assignee,
		cfg.Title, "", cfg.Deadline, cfg.TimeoutFallback, cfg.Fields, input)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Status: schema.NodeSuspendedWait, Suspension: suspension}, nil
}

func (e *FormExecutor) applySubmission(cfg *schema.FormConfig, input *ExecInput) (*ExecResult, error) {
	fields, _ := input.Decision[DecisionFields].(map[string]any)
	if fields == nil {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"form submission carries no fields").WithNode(input.Node.ID)
	}

	for _, f := range cfg.Fields {
		val, present := fields[f.Name]
		if f.Required && (!present || val == nil || val == "") {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
				"required form field %q is missing", f.Name).
				WithNode(input.Node.ID).
				WithUserMessage("Please fill in all required fields.")
		}
	}

	output := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		output[k] = v
	}
	output["submitted_by"] = input.Decision[DecisionDecidedBy]
	return succeeded(output), nil
}

// DelayExecutor durably pauses the execution for a fixed duration. The
// deadline sweeper resumes it; the wait survives restarts.
type DelayExecutor struct{}

func NewDelayExecutor() *DelayExecutor { return &DelayExecutor{} }

func (e *DelayExecutor) Type() schema.NodeType { return schema.NodeDelay }

func (e *DelayExecutor) Execute(_ context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.DelayConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"delay node missing config").WithNode(input.Node.ID)
	}

	if input.Decision != nil {
		return succeeded(map[string]any{"elapsed": true}), nil
	}

	dur, err := ParseDuration(cfg.Duration)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"invalid delay duration %q: %s", cfg.Duration, err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	deadline := time.Now().Add(dur)
	return &ExecResult{
		Status: schema.NodeSuspendedWait,
		Suspension: &Suspension{
			Kind:     SuspendDelay,
			Deadline: &deadline,
		},
	}, nil
}

func buildSuspension(ctx context.Context, identities *identity.Resolver, kind SuspendKind,
	spec *schema.AssigneeSpec, title, message, deadline string,
	fallback schema.TimeoutFallback, fields []schema.TriggerField, input *ExecInput) (*Suspension, error) {

	if identities == nil {
		return nil, schema.NewError(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"no identity resolver configured").WithNode(input.Node.ID)
	}

	assignees, err := identities.Resolve(ctx, spec, input.InitiatorID, input.Scope)
	if err != nil {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, err
	}

	resolvedTitle, err := input.Resolver.ResolveString(title, input.Scope)
	if err != nil {
		return nil, err
	}
	resolvedMessage, err := input.Resolver.ResolveString(message, input.Scope)
	if err != nil {
		return nil, err
	}

	s := &Suspension{
		Kind:      kind,
		Fallback:  fallback,
		Title:     resolvedTitle,
		Message:   resolvedMessage,
		Fields:    fields,
		Assignees: assignees,
	}
	if s.Fallback == "" {
		s.Fallback = schema.FallbackReject
	}

	if deadline != "" {
		dur, err := ParseDuration(deadline)
		if err != nil {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
				"invalid deadline %q: %s", deadline, err.Error()).
				WithNode(input.Node.ID).WithCause(err)
		}
		t := time.Now().Add(dur)
		s.Deadline = &t
	}

	return s, nil
}

// ParseDuration parses go duration syntax plus a day suffix ("3d" = 72h),
// since approval deadlines are usually expressed in days.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err == nil {
			return time.Duration(days * 24 * float64(time.Hour)), nil
		}
	}
	return time.ParseDuration(s)
}
