/*
Package capitation implements the "payment: capitation" calculation rule.

PURPOSE:
  Decides whether the capitation rule governs a domain object, gathers the
  capitation payments computed for a batch run, and converts them into one
  bill per health facility.

COMPONENTS:
  resolver.go:   Hierarchy Resolver (facility -> location -> product -> plan)
  gate.go:       Applicability Gate (entity kind + context + resolver)
  scope.go:      Region / district code resolution for a location
  aggregator.go: Capitation Aggregator (batch run, payments, facility fan-out)
  converter.go:  Batch run -> bill and capitation payment -> bill line
  pipeline.go:   Conversion Pipeline (idempotency, assembly, submission)
  rule.go:       The rule itself and its registry handlers

OUTCOMES:
  Non-error conditions are reported as Outcome values. A caller can always
  tell "nothing to do" apart from "done".

SEE ALSO:
  - generic/registry.go: How the rule is registered and looked up
  - factory/rule.go: Rule definitions loaded at start-up
*/
package capitation

import (
	"github.com/warp/calcrule-engine/generic"
)

// =============================================================================
// RULE IDENTITY
// =============================================================================

const (
	RuleID          generic.RuleID = "0a1b6d54-5681-4fa6-ac47-2a99c235eaa8"
	RuleName                       = "payment: capitation"
	RuleType                       = "account_payable"
	RuleSubType                    = "third_party_payment"
	RuleVersion                    = 1
	RuleDescription                = "Capitation payment: for the selected product and level of care, " +
		"pays each health facility a share of the product's capitation budget " +
		"weighted by population, families, insurees, visits and adjusted amounts."

	// ConversionKind tags every bill submission produced by this rule.
	ConversionKind = "batch run capitation payment - bill"

	// CalculationClass is the pseudo-class under which PaymentPlan stores the
	// rule identity.
	CalculationClass = "Calculation"
)

// =============================================================================
// OUTCOMES
// =============================================================================

type Outcome string

const (
	OutcomeNotApplicable         Outcome = "not_applicable"
	OutcomeNoBatchRun            Outcome = "no_batch_run"
	OutcomeAlreadyConverted      Outcome = "already_converted"
	OutcomeConverted             Outcome = "converted"
	OutcomeNoPayments            Outcome = "no_payments"
	OutcomeContextNotImplemented Outcome = "context_not_implemented"
	OutcomeFailed                Outcome = "failed"
)

// ConversionResult is the outcome of converting one facility group.
type ConversionResult struct {
	Outcome          Outcome
	HealthFacilityID generic.HealthFacilityID
	BillID           generic.BillID
	BillCode         string
	LineCount        int
	Amount           generic.Amount
}

// FacilityResult pairs a facility with its conversion result and error.
type FacilityResult struct {
	HealthFacilityID generic.HealthFacilityID
	Result           ConversionResult
	Err              error
}

// CalculationResult reports what a Calculate call did.
type CalculationResult struct {
	Outcome       Outcome
	Context       generic.CalcContext
	PaymentPlanID generic.PaymentPlanID
	BatchRunID    generic.BatchRunID
	Scope         Scope
	User          *generic.User
	Facilities    []FacilityResult
}

// Count returns how many facilities ended with the given outcome.
func (r *CalculationResult) Count(o Outcome) int {
	n := 0
	for _, f := range r.Facilities {
		if f.Result.Outcome == o {
			n++
		}
	}
	return n
}
