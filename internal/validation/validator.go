package validation

import "github.com/procflow/procflow/pkg/schema"

// Validator checks process definitions for correctness before they are
// admitted to the store. Admission is the only gate: definitions that pass
// are immutable and the engine trusts them at run time.
type Validator interface {
	// Validate runs the full pipeline and returns every issue found.
	Validate(def *schema.ProcessDefinition) *schema.ValidationResult
	// ValidateDefinition is Validate collapsed to a single error for callers
	// that only need pass/fail.
	ValidateDefinition(def *schema.ProcessDefinition) error
	// ValidateInput checks a trigger input map against a JSON Schema.
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ProcessValidator is the three-stage admission pipeline: structural
// (JSON Schema), semantic (catalog and graph-shape rules), and DAG analysis
// (cycles, reachability). A structural failure short-circuits the later
// stages, which assume a well-formed envelope.
type ProcessValidator struct {
	structural *StructuralValidator
	semantic   *SemanticValidator
}

// NewProcessValidator compiles the embedded schema and builds the pipeline.
func NewProcessValidator() (*ProcessValidator, error) {
	structural, err := NewStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &ProcessValidator{
		structural: structural,
		semantic:   NewSemanticValidator(),
	}, nil
}

// Validate runs the pipeline and aggregates issues from every stage that ran.
func (v *ProcessValidator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := v.structural.ValidateStructure(def)
	if !result.Valid() {
		return result
	}

	result.Merge(v.semantic.ValidateSemantics(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateDAG(def))
	return result
}

// ValidateDefinition returns nil when the definition is admissible.
func (v *ProcessValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	return v.Validate(def).ToError()
}

// ValidateInput delegates to the structural stage's schema cache.
func (v *ProcessValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.structural.ValidateInput(input, inputSchema)
}
