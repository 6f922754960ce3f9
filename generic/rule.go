/*
rule.go - Calculation rule configuration and execution contexts

PURPOSE:
  Defines the immutable description of a calculation rule: its identity,
  validity window, status, the entity kind it manages and the execution
  contexts it answers to. A RuleConfig is built once at process start (see
  package factory) and shared read-only by every component afterwards.

KEY CONCEPTS:
  - RuleConfig: Identity + metadata of one rule version
  - CalcContext: Why the orchestrator is invoking the rule
  - RuleMetadata: The verbatim view exposed to orchestrators
  - Conversion: A source->target document conversion the rule supports
  - ParamDef / ClassParams: Parameters the rule adds to impacted classes

EXECUTION CONTEXTS:
  BatchValuation:      periodic valuation of contributions
  BatchPayment:        periodic payment run (capitation conversion)
  IndividualPayment:   single payment triggered by one object
  IndividualValuation: single valuation triggered by one object
*/
package generic

import "time"

// =============================================================================
// EXECUTION CONTEXT
// =============================================================================

type CalcContext string

const (
	ContextBatchValuation      CalcContext = "BatchValuation"
	ContextBatchPayment        CalcContext = "BatchPayment"
	ContextIndividualPayment   CalcContext = "IndividualPayment"
	ContextIndividualValuation CalcContext = "IndividualValuation"
)

// AllContexts lists every context an orchestrator may pass.
var AllContexts = []CalcContext{
	ContextBatchValuation,
	ContextBatchPayment,
	ContextIndividualPayment,
	ContextIndividualValuation,
}

func ParseCalcContext(s string) (CalcContext, error) {
	for _, c := range AllContexts {
		if string(c) == s {
			return c, nil
		}
	}
	return "", ErrUnknownContext
}

// =============================================================================
// RULE CONFIG
// =============================================================================

type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
)

// Conversion names a document conversion a rule performs, e.g. BatchRun -> Bill.
type Conversion struct {
	From EntityKind
	To   EntityKind
}

// RuleConfig is immutable after construction. Slices are copied on the way
// in and out so callers cannot alter a registered rule.
type RuleConfig struct {
	id          RuleID
	version     int
	name        string
	description string
	validity    Validity
	status      RuleStatus
	ruleType    string
	subType     string
	entityKind  EntityKind
	contexts    []CalcContext
	fromTo      []Conversion
}

// RuleConfigSpec carries the fields used to build a RuleConfig.
type RuleConfigSpec struct {
	ID          RuleID
	Version     int
	Name        string
	Description string
	ValidFrom   time.Time
	ValidTo     *time.Time
	Status      RuleStatus
	Type        string
	SubType     string
	EntityKind  EntityKind
	Contexts    []CalcContext
	FromTo      []Conversion
}

// NewRuleConfig freezes spec into a RuleConfig.
func NewRuleConfig(spec RuleConfigSpec) (RuleConfig, error) {
	if spec.ID == "" {
		return RuleConfig{}, ErrInvalidRuleConfig
	}
	if spec.ValidTo != nil && spec.ValidTo.Before(spec.ValidFrom) {
		return RuleConfig{}, ErrInvalidRuleConfig
	}
	status := spec.Status
	if status == "" {
		status = RuleActive
	}
	version := spec.Version
	if version == 0 {
		version = 1
	}
	var validTo *time.Time
	if spec.ValidTo != nil {
		t := *spec.ValidTo
		validTo = &t
	}
	return RuleConfig{
		id:          spec.ID,
		version:     version,
		name:        spec.Name,
		description: spec.Description,
		validity:    Validity{From: spec.ValidFrom, To: validTo},
		status:      status,
		ruleType:    spec.Type,
		subType:     spec.SubType,
		entityKind:  spec.EntityKind,
		contexts:    append([]CalcContext(nil), spec.Contexts...),
		fromTo:      append([]Conversion(nil), spec.FromTo...),
	}, nil
}

func (c RuleConfig) ID() RuleID             { return c.id }
func (c RuleConfig) Version() int           { return c.version }
func (c RuleConfig) Name() string           { return c.name }
func (c RuleConfig) Description() string    { return c.description }
func (c RuleConfig) Status() RuleStatus     { return c.status }
func (c RuleConfig) Type() string           { return c.ruleType }
func (c RuleConfig) SubType() string        { return c.subType }
func (c RuleConfig) EntityKind() EntityKind { return c.entityKind }

func (c RuleConfig) Validity() Validity {
	v := c.validity
	if v.To != nil {
		t := *v.To
		v.To = &t
	}
	return v
}

func (c RuleConfig) Contexts() []CalcContext {
	return append([]CalcContext(nil), c.contexts...)
}

func (c RuleConfig) FromTo() []Conversion {
	return append([]Conversion(nil), c.fromTo...)
}

// HandlesContext reports whether ctx is one of the rule's contexts.
func (c RuleConfig) HandlesContext(ctx CalcContext) bool {
	for _, allowed := range c.contexts {
		if allowed == ctx {
			return true
		}
	}
	return false
}

// Metadata returns the rule description exposed to orchestrators.
func (c RuleConfig) Metadata() RuleMetadata {
	v := c.Validity()
	return RuleMetadata{
		ID:          c.id,
		Version:     c.version,
		Name:        c.name,
		Description: c.description,
		ValidFrom:   v.From,
		ValidTo:     v.To,
		Status:      c.status,
		Type:        c.ruleType,
		SubType:     c.subType,
	}
}

type RuleMetadata struct {
	ID          RuleID
	Version     int
	Name        string
	Description string
	ValidFrom   time.Time
	ValidTo     *time.Time
	Status      RuleStatus
	Type        string
	SubType     string
}

// =============================================================================
// PARAMETERS - Extra fields a rule adds to the classes it impacts
// =============================================================================

type ParamDef struct {
	Type      string            // "select", "number", "checkbox"
	Name      string
	Label     map[string]string // locale -> label
	Rights    map[string]string // "read"/"write"/"update"/"replace" -> right code
	Relevance string
	Condition string
	Default   string
	Options   []ParamOption
}

type ParamOption struct {
	Value string
	Label map[string]string
}

// ClassParams groups the parameters a rule defines for one class.
type ClassParams struct {
	Class      EntityKind
	Parameters []ParamDef
}
