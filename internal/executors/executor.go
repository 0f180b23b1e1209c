package executors

import (
	"context"
	"time"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/identity"
	"github.com/procflow/procflow/pkg/schema"
)

// NodeExecutor is the executable unit behind one node type. Executors are
// pure with respect to engine state: everything they need arrives in the
// ExecInput, every external effect goes through an injected port, and the
// returned ExecResult tells the walker what happened.
type NodeExecutor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, input *ExecInput) (*ExecResult, error)
}

// ExecInput is the data handed to an executor for one node run.
type ExecInput struct {
	Node   *schema.ProcessNode
	Config any // decoded per-type config from the catalog

	ExecutionID string
	InitiatorID string

	Scope    *expressions.Scope
	Resolver *expressions.Resolver

	// Decision carries the resume payload when a previously suspended node
	// re-executes; nil on first execution.
	Decision map[string]any
}

// ExecResult is what an executor reports back to the walker.
type ExecResult struct {
	Status schema.NodeStatus // succeeded or suspended
	Output any               // merged into the scope under the node's output_var

	// Branch is the edge tag chosen by a condition node ("yes"/"no").
	Branch string

	// Terminal, when set, ends the whole execution with that status instead
	// of walking on. Approval rejection with on_reject=stop uses this to end
	// the execution as rejected, which is a normal completion.
	Terminal schema.ExecutionStatus

	// Suspension is set when Status is suspended.
	Suspension *Suspension
}

// SuspendKind distinguishes what a parked execution is waiting for.
type SuspendKind string

const (
	SuspendApproval SuspendKind = "approval"
	SuspendForm     SuspendKind = "form"
	SuspendDelay    SuspendKind = "delay"
)

// Suspension describes a durable wait. Recipients and deadline are resolved
// eagerly before the executor returns, so the persisted request always names
// concrete principals and an absolute wake-up time.
type Suspension struct {
	Kind      SuspendKind
	Assignees []identity.Principal
	Deadline  *time.Time
	Fallback  schema.TimeoutFallback

	Title   string
	Message string
	Fields  []schema.TriggerField // form nodes: the declared input schema
}

func succeeded(output any) *ExecResult {
	return &ExecResult{Status: schema.NodeSucceeded, Output: output}
}

// ToolInvoker is the port for external tool/connector calls.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// Reasoner is the port for AI step providers.
type Reasoner interface {
	Complete(ctx context.Context, prompt string, outputs []schema.AIOutputField) (map[string]any, error)
}

// DocumentSource reads document content by reference.
type DocumentSource interface {
	Fetch(ctx context.Context, ref string) (map[string]any, error)
}

// DocumentRenderer renders a registered template into a document and
// returns a reference to the produced artifact.
type DocumentRenderer interface {
	Render(ctx context.Context, template string, data map[string]any, format string) (string, error)
}

// Notifier delivers messages to principals over a channel.
type Notifier interface {
	Send(ctx context.Context, recipients []identity.Principal, channel, subject, body string) error
}

// SubprocessRunner starts a child execution and waits for its result. The
// engine implements this; the indirection keeps the executor package free of
// an engine dependency.
type SubprocessRunner interface {
	Run(ctx context.Context, definitionID string, version int, inputs map[string]any, initiatorID string) (map[string]any, error)
}

// Ports bundles every injected collaborator the built-in executors need.
type Ports struct {
	Tools      ToolInvoker
	Reasoner   Reasoner
	Documents  DocumentSource
	Renderer   DocumentRenderer
	Notifier   Notifier
	Identities *identity.Resolver
	Subprocess SubprocessRunner
}
