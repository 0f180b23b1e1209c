package schema

import "fmt"

// ErrorCategory classifies a failure and drives retry policy and surfacing.
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"     // bad definition or config
	CategoryData           ErrorCategory = "data"           // unresolvable or wrong-typed variable
	CategoryAuthorization  ErrorCategory = "authorization"  // recipient/resource resolution denied
	CategoryInfrastructure ErrorCategory = "infrastructure" // transient external failure
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryBusiness       ErrorCategory = "business" // expected terminal outcome (e.g. rejection)
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidDefinition = "INVALID_DEFINITION"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeInvalidConfig     = "INVALID_CONFIG"
	ErrCodeUnresolvedRef     = "UNRESOLVED_REFERENCE"
	ErrCodeTypeMismatch      = "TYPE_MISMATCH"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeDeadlineExpired   = "DEADLINE_EXPIRED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStaleDecision     = "STALE_DECISION"
	ErrCodeRejected          = "REJECTED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStepBudget        = "STEP_BUDGET_EXCEEDED"
	ErrCodeAssigneeEmpty     = "ASSIGNEE_RESOLUTION_EMPTY"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// ProcessError is the structured error type for all engine operations.
// Message carries the full technical detail; UserMessage, when set, is the
// plain-language summary surfaced to non-technical recipients.
type ProcessError struct {
	Category    ErrorCategory  `json:"category"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	UserMessage string         `json:"user_message,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       error          `json:"-"`
}

func (e *ProcessError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s/%s] node %s: %s", e.Category, e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the category permits local retries.
// Only transient infrastructure failures and timeouts qualify.
func (e *ProcessError) IsRetryable() bool {
	return e.Category == CategoryInfrastructure || e.Category == CategoryTimeout
}

// NewError creates a new ProcessError.
func NewError(category ErrorCategory, code, message string) *ProcessError {
	return &ProcessError{Category: category, Code: code, Message: message}
}

// NewErrorf creates a new ProcessError with a formatted message.
func NewErrorf(category ErrorCategory, code, format string, args ...any) *ProcessError {
	return &ProcessError{Category: category, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ProcessError) WithNode(nodeID string) *ProcessError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches the underlying cause. The cause is preserved verbatim
// through retries and surfaced on final failure.
func (e *ProcessError) WithCause(err error) *ProcessError {
	e.Cause = err
	return e
}

// WithUserMessage attaches the plain-language summary.
func (e *ProcessError) WithUserMessage(msg string) *ProcessError {
	e.UserMessage = msg
	return e
}

// WithDetails attaches key-value details.
func (e *ProcessError) WithDetails(details map[string]any) *ProcessError {
	e.Details = details
	return e
}
