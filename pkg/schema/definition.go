package schema

import "encoding/json"

// ProcessDefinition is the JSON-serializable process format: a directed graph
// of typed nodes driven by the engine. Definitions are validated once at
// admission and are immutable afterwards; edits produce a new version.
type ProcessDefinition struct {
	ID        string            `json:"id"`
	Version   int               `json:"version"`
	Name      string            `json:"name,omitempty"`
	Nodes     []ProcessNode     `json:"nodes"`
	Edges     []ProcessEdge     `json:"edges"`
	Trigger   ProcessTrigger    `json:"trigger"`
	Variables []ProcessVariable `json:"variables,omitempty"`
	Settings  ExecutionSettings `json:"settings,omitempty"`
}

// ProcessNode describes a single typed step in the graph.
type ProcessNode struct {
	ID        string          `json:"id"`
	Type      NodeType        `json:"type"`
	Name      string          `json:"name,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`     // type-specific, decoded per the catalog
	OutputVar string          `json:"output_var,omitempty"` // namespace key for this node's output
	Optional  bool            `json:"optional,omitempty"`   // failures recorded but not terminal
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Timeout   string          `json:"timeout,omitempty"` // per-node timeout (e.g. "30s")
}

// NodeType enumerates the fixed node catalog. The catalog is not extensible
// at runtime; adding a type requires a catalog update plus a registered executor.
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeEnd          NodeType = "end"
	NodeCondition    NodeType = "condition"
	NodeParallel     NodeType = "parallel"
	NodeLoop         NodeType = "loop"
	NodeAIStep       NodeType = "ai_step"
	NodeTool         NodeType = "tool"
	NodeDocExtract   NodeType = "doc_extract"
	NodeDocGenerate  NodeType = "doc_generate"
	NodeApproval     NodeType = "approval"
	NodeNotification NodeType = "notification"
	NodeForm         NodeType = "form"
	NodeCalculate    NodeType = "calculate"
	NodeSubprocess   NodeType = "subprocess"
	NodeDelay        NodeType = "delay"
)

// KnownNodeTypes is the admission-time catalog membership check.
var KnownNodeTypes = map[NodeType]bool{
	NodeStart: true, NodeEnd: true, NodeCondition: true, NodeParallel: true,
	NodeLoop: true, NodeAIStep: true, NodeTool: true, NodeDocExtract: true,
	NodeDocGenerate: true, NodeApproval: true, NodeNotification: true,
	NodeForm: true, NodeCalculate: true, NodeSubprocess: true, NodeDelay: true,
}

// Edge tags used for branch selection and loop wiring.
const (
	EdgeTagYes  = "yes"
	EdgeTagNo   = "no"
	EdgeTagBody = "body" // loop node -> first body node
)

// ProcessEdge connects two nodes. Tag selects the branch on condition nodes
// ("yes"/"no") and marks the loop body entry ("body"); an empty tag is the
// default edge. Loop marks the explicit back-edge closing a loop region;
// the edge set minus Loop edges must form a DAG.
type ProcessEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Tag  string `json:"tag,omitempty"`
	Loop bool   `json:"loop,omitempty"`
}

// TriggerMode enumerates how an execution is started.
type TriggerMode string

const (
	TriggerManual    TriggerMode = "manual"    // caller-submitted form
	TriggerScheduled TriggerMode = "scheduled" // cron-derived, no user fields
	TriggerEvent     TriggerMode = "event"     // inbound payload mapped as-is
)

// ProcessTrigger declares how executions start and, for manual triggers,
// the input field schema the caller must satisfy.
type ProcessTrigger struct {
	Mode   TriggerMode    `json:"mode"`
	Fields []TriggerField `json:"fields,omitempty"`
	Cron   string         `json:"cron,omitempty"` // scheduled mode only
}

// TriggerField is one declared input field of a manual trigger or form node.
type TriggerField struct {
	Name     string   `json:"name" validate:"required"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type" validate:"required,oneof=string number boolean date file select"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty" validate:"required_if=Type select"`
}

// ProcessVariable declares a named value available in the trigger namespace.
type ProcessVariable struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// ExecutionSettings bounds a running execution.
type ExecutionSettings struct {
	MaxSteps           int    `json:"max_steps,omitempty"`            // hard step budget (default 1000)
	MaxDuration        string `json:"max_duration,omitempty"`         // wall-clock budget (e.g. "720h")
	DefaultNodeTimeout string `json:"default_node_timeout,omitempty"` // applied when a node has none
}

// DefaultMaxSteps is the step budget applied when settings leave it unset.
const DefaultMaxSteps = 1000

// RetryPolicy configures retry behavior for a node. Only infrastructure and
// timeout errors are ever retried; data/validation/business errors are terminal.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s")
	MaxDelay string `json:"max_delay,omitempty"` // cap for computed delays
}
