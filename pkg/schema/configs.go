package schema

import (
	"bytes"
	"encoding/json"
)

// Per-type node configuration shapes. These structs are the catalog contract
// shared by definition authors, the validator, and the executors: a node's
// Config must decode into the struct for its type and pass the validate tags.
// Ad hoc fields are rejected at admission (DisallowUnknownFields).

// CompareOp enumerates the fixed comparison operators of condition nodes.
type CompareOp string

const (
	OpEquals      CompareOp = "equals"
	OpNotEquals   CompareOp = "not_equals"
	OpGreaterThan CompareOp = "greater_than"
	OpLessThan    CompareOp = "less_than"
	OpContains    CompareOp = "contains"
	OpIsEmpty     CompareOp = "is_empty"
)

// ConditionConfig configures a two-way branch. Left (and Right, except for
// is_empty) are templates or literals resolved against the execution scope.
type ConditionConfig struct {
	Left     string    `json:"left" validate:"required"`
	Operator CompareOp `json:"operator" validate:"required,oneof=equals not_equals greater_than less_than contains is_empty"`
	Right    string    `json:"right,omitempty"`
}

// JoinStrategy controls how a parallel region collapses back to one frontier entry.
type JoinStrategy string

const (
	JoinWaitAll JoinStrategy = "wait_all" // every branch must reach the join node
	JoinWaitAny JoinStrategy = "wait_any" // first arrival wins, stragglers cancelled
)

// ParallelConfig configures a fan-out region. Every outgoing edge of the
// parallel node becomes a concurrent branch; branches run until they reach
// JoinNode, where the region joins per the strategy.
type ParallelConfig struct {
	Join     JoinStrategy `json:"join,omitempty" validate:"omitempty,oneof=wait_all wait_any"`
	JoinNode string       `json:"join_node" validate:"required"`
}

// LoopConfig configures bounded iteration over a collection. The body is the
// subgraph entered through the loop node's "body"-tagged edge and closed by
// the Loop-marked back-edge; the untagged edge is the exit. Collection length
// is the provable upper bound; MaxIterations tightens it further.
type LoopConfig struct {
	Collection    string `json:"collection" validate:"required"` // template producing a list
	ItemVar       string `json:"item_var,omitempty"`             // defaults to "item"
	MaxIterations int    `json:"max_iterations,omitempty" validate:"omitempty,gt=0"`
}

// AIOutputField declares one output an AI step must produce.
type AIOutputField struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=string number boolean list object"`
	Description string `json:"description,omitempty"`
}

// AIStepConfig delegates a step to an external reasoning provider. The step
// must declare every output field it produces; undeclared fields returned by
// the provider are dropped, missing declared fields are a data error.
type AIStepConfig struct {
	Prompt  string          `json:"prompt" validate:"required"`
	Outputs []AIOutputField `json:"outputs" validate:"required,min=1,dive"`
}

// ToolConfig invokes an external tool/connector through the injected port.
type ToolConfig struct {
	Tool   string         `json:"tool" validate:"required"`
	Params map[string]any `json:"params,omitempty"` // values may contain templates
}

// DocExtractConfig reads a document and extracts structured values with a
// jq program compiled at admission time.
type DocExtractConfig struct {
	Source string `json:"source" validate:"required"` // template resolving to a document reference
	Query  string `json:"query" validate:"required"`  // gojq program
}

// DocGenerateConfig renders a document from a registered template.
type DocGenerateConfig struct {
	Template string            `json:"template" validate:"required"`
	Data     map[string]string `json:"data,omitempty"` // field -> template
	Format   string            `json:"format,omitempty" validate:"omitempty,oneof=pdf docx html"`
}

// AssigneeKind enumerates the recipient resolution strategies.
type AssigneeKind string

const (
	AssigneeManager        AssigneeKind = "manager"         // direct manager of the initiator
	AssigneeManagerLevel   AssigneeKind = "manager_level"   // Nth-level manager
	AssigneeDepartmentHead AssigneeKind = "department_head" // head of the initiator's department
	AssigneeRole           AssigneeKind = "role"            // all members of a role
	AssigneeGroup          AssigneeKind = "group"           // all members of a group
	AssigneeStatic         AssigneeKind = "static"          // caller-supplied user ids
	AssigneeExpression     AssigneeKind = "expression"      // template resolving to id(s)
)

// AssigneeSpec selects the recipient set for approval, form, and notification
// nodes. Resolution happens eagerly, before any suspension, so persisted
// requests always name concrete principals.
type AssigneeSpec struct {
	Kind       AssigneeKind `json:"kind" validate:"required,oneof=manager manager_level department_head role group static expression"`
	Level      int          `json:"level,omitempty" validate:"required_if=Kind manager_level,omitempty,gt=0"`
	Role       string       `json:"role,omitempty" validate:"required_if=Kind role"`
	Group      string       `json:"group,omitempty" validate:"required_if=Kind group"`
	Users      []string     `json:"users,omitempty" validate:"required_if=Kind static"`
	Expression string       `json:"expression,omitempty" validate:"required_if=Kind expression"`
}

// TimeoutFallback is the action taken when a suspension deadline elapses
// without a decision.
type TimeoutFallback string

const (
	FallbackReject   TimeoutFallback = "reject"   // auto-reject (business outcome)
	FallbackEscalate TimeoutFallback = "escalate" // re-assign one management level up, re-arm once
	FallbackFail     TimeoutFallback = "fail"     // fail the execution with a timeout error
)

// ApprovalConfig suspends the execution until an assignee decides.
type ApprovalConfig struct {
	Assignee        AssigneeSpec    `json:"assignee" validate:"required"`
	Title           string          `json:"title,omitempty"`
	Message         string          `json:"message,omitempty"` // template
	Deadline        string          `json:"deadline,omitempty"`
	TimeoutFallback TimeoutFallback `json:"timeout_fallback,omitempty" validate:"omitempty,oneof=reject escalate fail"`
	OnReject        string          `json:"on_reject,omitempty" validate:"omitempty,oneof=stop continue"` // default stop
}

// FormConfig suspends the execution until an assignee submits the declared fields.
type FormConfig struct {
	Assignee        AssigneeSpec    `json:"assignee" validate:"required"`
	Title           string          `json:"title,omitempty"`
	Fields          []TriggerField  `json:"fields" validate:"required,min=1,dive"`
	Deadline        string          `json:"deadline,omitempty"`
	TimeoutFallback TimeoutFallback `json:"timeout_fallback,omitempty" validate:"omitempty,oneof=reject escalate fail"`
}

// NotificationConfig sends a message and continues. Delivery failures are
// logged and ignored unless Required is set.
type NotificationConfig struct {
	Recipient AssigneeSpec `json:"recipient" validate:"required"`
	Channel   string       `json:"channel,omitempty" validate:"omitempty,oneof=email chat sms"`
	Subject   string       `json:"subject,omitempty"` // template
	Body      string       `json:"body" validate:"required"`
	Required  bool         `json:"required,omitempty"` // delivery failure fails the node
}

// CalculateOp enumerates the closed set of derived-value operations.
type CalculateOp string

const (
	CalcSum      CalculateOp = "sum"
	CalcRound    CalculateOp = "round"
	CalcConcat   CalculateOp = "concat"
	CalcDateDiff CalculateOp = "date_diff"
	CalcLength   CalculateOp = "length"
)

// CalculateConfig derives a value from resolved inputs. No arbitrary
// expressions: the operation set is fixed.
type CalculateConfig struct {
	Operation CalculateOp `json:"operation" validate:"required,oneof=sum round concat date_diff length"`
	Inputs    []string    `json:"inputs" validate:"required,min=1"` // templates or literals
	Precision int         `json:"precision,omitempty" validate:"omitempty,gte=0"`
	Unit      string      `json:"unit,omitempty" validate:"omitempty,oneof=days hours minutes"` // date_diff
	Separator string      `json:"separator,omitempty"`                                          // concat
}

// SubprocessConfig invokes another definition with a fresh context and an
// explicit input/output mapping.
type SubprocessConfig struct {
	DefinitionID string            `json:"definition_id" validate:"required"`
	Version      int               `json:"version,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`  // sub trigger field -> template
	Outputs      map[string]string `json:"outputs,omitempty"` // local key -> sub output key
}

// DelayConfig durably pauses the execution for a fixed duration. The wait
// survives restarts; the deadline sweeper resumes it.
type DelayConfig struct {
	Duration string `json:"duration" validate:"required"`
}

// EndConfig maps templates into the final output variables of the result.
type EndConfig struct {
	Outputs map[string]string `json:"outputs,omitempty"` // output name -> template
}

// DecodeNodeConfig decodes a node's raw config into its catalog struct,
// rejecting unknown fields. Returns nil for types with no config (start).
func DecodeNodeConfig(node *ProcessNode) (any, error) {
	var target any
	switch node.Type {
	case NodeStart:
		return nil, nil
	case NodeEnd:
		target = &EndConfig{}
	case NodeCondition:
		target = &ConditionConfig{}
	case NodeParallel:
		target = &ParallelConfig{}
	case NodeLoop:
		target = &LoopConfig{}
	case NodeAIStep:
		target = &AIStepConfig{}
	case NodeTool:
		target = &ToolConfig{}
	case NodeDocExtract:
		target = &DocExtractConfig{}
	case NodeDocGenerate:
		target = &DocGenerateConfig{}
	case NodeApproval:
		target = &ApprovalConfig{}
	case NodeForm:
		target = &FormConfig{}
	case NodeNotification:
		target = &NotificationConfig{}
	case NodeCalculate:
		target = &CalculateConfig{}
	case NodeSubprocess:
		target = &SubprocessConfig{}
	case NodeDelay:
		target = &DelayConfig{}
	default:
		return nil, NewErrorf(CategoryValidation, ErrCodeUnknownNodeType,
			"node %s has unknown type %q", node.ID, node.Type).WithNode(node.ID)
	}

	if len(node.Config) == 0 {
		if node.Type == NodeEnd {
			return &EndConfig{}, nil
		}
		return nil, NewErrorf(CategoryValidation, ErrCodeInvalidConfig,
			"%s node %s has no config", node.Type, node.ID).WithNode(node.ID)
	}

	dec := json.NewDecoder(bytes.NewReader(node.Config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, NewErrorf(CategoryValidation, ErrCodeInvalidConfig,
			"%s node %s has invalid config: %s", node.Type, node.ID, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	return target, nil
}
