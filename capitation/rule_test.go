package capitation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/generic/store"
)

func batchPayment(auditUserID int) generic.CalcRequest {
	return generic.CalcRequest{
		Context:     generic.ContextBatchPayment,
		AuditUserID: auditUserID,
		LocationID:  "10",
		Period:      june2023,
	}
}

// =============================================================================
// CALCULATE
// =============================================================================

func TestRule_CalculateBatchPayment(t *testing.T) {
	// Given
	m := newFixture(t)
	rule := newRule(t, m)

	// When
	res, err := rule.Calculate(context.Background(), mustPlan(t, m, "pp-cap"), batchPayment(7))

	// Then: only hf-1 is billed, with one line per positive payment
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeConverted, res.Outcome)
	assert.Equal(t, generic.BatchRunID("br-1"), res.BatchRunID)
	assert.Equal(t, capitation.Scope{RegionCode: "R1", DistrictCode: "D1"}, res.Scope)
	require.Len(t, res.Facilities, 1)
	assert.Equal(t, generic.HealthFacilityID("hf-1"), res.Facilities[0].HealthFacilityID)
	assert.Equal(t, 2, res.Facilities[0].Result.LineCount)
	assert.True(t, res.Facilities[0].Result.Amount.Equal(amount(150)))

	assert.Equal(t, []store.ReportSubmission{{AuditUserID: 7, LocationID: "10", Period: june2023}}, m.Reports())
}

func TestRule_CalculateTwice(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	plan := mustPlan(t, m, "pp-cap")

	_, err := rule.Calculate(context.Background(), plan, batchPayment(7))
	require.NoError(t, err)
	res, err := rule.Calculate(context.Background(), plan, batchPayment(7))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count(capitation.OutcomeAlreadyConverted))
	assert.Equal(t, 0, res.Count(capitation.OutcomeConverted))
	assert.Len(t, m.Reports(), 1, "report submission is idempotent")
}

func TestRule_CalculateUnknownUser(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)

	res, err := rule.Calculate(context.Background(), mustPlan(t, m, "pp-cap"), batchPayment(999))
	require.NoError(t, err)
	assert.Nil(t, res.User)
	assert.Equal(t, 1, res.Count(capitation.OutcomeConverted))

	bills, err := m.ListBills(context.Background(), generic.BillFilter{})
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Nil(t, bills[0].CreatedBy)
}

func TestRule_CalculateNoBatchRun(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	req := batchPayment(7)
	req.Period = generic.Period{Year: 2024, Month: 1}

	res, err := rule.Calculate(context.Background(), mustPlan(t, m, "pp-cap"), req)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNoBatchRun, res.Outcome)
	assert.Empty(t, res.Facilities)
}

func TestRule_CalculateOtherContexts(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	plan := mustPlan(t, m, "pp-cap")

	for _, c := range []generic.CalcContext{
		generic.ContextBatchValuation,
		generic.ContextIndividualPayment,
		generic.ContextIndividualValuation,
	} {
		res, err := rule.Calculate(context.Background(), plan, generic.CalcRequest{Context: c})
		require.NoError(t, err)
		assert.Equal(t, capitation.OutcomeContextNotImplemented, res.Outcome, "context %s", c)
	}
	assert.Empty(t, m.Reports())
}

func TestRule_CalculateRejectsInput(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	plan := mustPlan(t, m, "pp-cap")

	_, err := rule.Calculate(context.Background(), plan, generic.CalcRequest{Context: "Nightly"})
	assert.ErrorIs(t, err, generic.ErrUnknownContext)

	req := batchPayment(7)
	req.Period.Month = 13
	_, err = rule.Calculate(context.Background(), plan, req)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)

	res, err := rule.Calculate(context.Background(), &generic.Product{ID: "prod-cap"}, batchPayment(7))
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNotApplicable, res.Outcome)
}

func TestRule_CalculateSkipsPlansOfOtherRules(t *testing.T) {
	// Given: a plan on the capitation product that another rule governs
	m := newFixture(t)
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-x", Code: "PPX", ProductID: "prod-cap", Calculation: otherRule, Periodicity: 1})
	rule := newRule(t, m)

	// When
	res, err := rule.Calculate(context.Background(), mustPlan(t, m, "pp-x"), batchPayment(7))

	// Then: nothing is reported or billed
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNotApplicable, res.Outcome)
	assert.Empty(t, res.Facilities)
	assert.Empty(t, m.Reports())

	bills, err := m.ListBills(context.Background(), generic.BillFilter{})
	require.NoError(t, err)
	assert.Empty(t, bills)
}

func TestRule_CalculateNoEligiblePayments(t *testing.T) {
	// Given: an open July run with no payments
	m := newFixture(t)
	m.PutBatchRun(generic.BatchRun{ID: "br-7", Year: 2023, Month: 7, LocationID: "10"})
	rule := newRule(t, m)
	req := batchPayment(7)
	req.Period = generic.Period{Year: 2023, Month: 7}

	// When
	res, err := rule.Calculate(context.Background(), mustPlan(t, m, "pp-cap"), req)

	// Then
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNoPayments, res.Outcome)
	assert.Equal(t, generic.BatchRunID("br-7"), res.BatchRunID)
	assert.Empty(t, res.Facilities)
}

func TestRule_CalculateReportsFacilityFailures(t *testing.T) {
	m := newFixture(t)
	fs := newFaultyStore(m)
	fs.failFacility = "hf-1"
	rule := newRule(t, fs)

	res, err := rule.Calculate(context.Background(), mustPlan(t, m, "pp-cap"), batchPayment(7))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Count(capitation.OutcomeFailed))
}

// =============================================================================
// CONVERT
// =============================================================================

func TestRule_Convert(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	in := capitation.ConvertInput{
		Context:          generic.ContextBatchPayment,
		BatchRunID:       "br-1",
		ConvertTo:        generic.KindBill,
		HealthFacilityID: "hf-1",
		PaymentPlanID:    "pp-cap",
		AuditUserID:      7,
	}

	res, err := rule.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeConverted, res.Outcome)
	assert.Equal(t, "CP-PPCAP-F1-202306", res.BillCode)

	res, err = rule.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeAlreadyConverted, res.Outcome)
}

func TestRule_ConvertOutcomes(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	base := capitation.ConvertInput{
		Context:          generic.ContextBatchPayment,
		BatchRunID:       "br-1",
		ConvertTo:        generic.KindBill,
		HealthFacilityID: "hf-2",
		PaymentPlanID:    "pp-cap",
	}

	res, err := rule.Convert(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNoPayments, res.Outcome)

	in := base
	in.Context = generic.ContextIndividualPayment
	res, err = rule.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeContextNotImplemented, res.Outcome)

	in = base
	in.ConvertTo = generic.KindBillLineItem
	res, err = rule.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNotApplicable, res.Outcome)

	in = base
	in.HealthFacilityID = "hf-1"
	in.PaymentPlanID = "pp-x"
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-x", Code: "PPX", ProductID: "prod-cap", Calculation: otherRule, Periodicity: 1})
	res, err = rule.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNotApplicable, res.Outcome)
	bills, err := m.ListBills(context.Background(), generic.BillFilter{})
	require.NoError(t, err)
	assert.Empty(t, bills)

	in = base
	in.BatchRunID = "missing"
	_, err = rule.Convert(context.Background(), in)
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// METADATA
// =============================================================================

func TestRule_Metadata(t *testing.T) {
	rule := newRule(t, newFixture(t))
	md := rule.Metadata()

	assert.Equal(t, capitation.RuleID, md.ID)
	assert.Equal(t, "payment: capitation", md.Name)
	assert.Equal(t, "account_payable", md.Type)
	assert.Equal(t, "third_party_payment", md.SubType)
	assert.Equal(t, generic.RuleActive, md.Status)
	assert.Equal(t, []generic.Conversion{{From: generic.KindBatchRun, To: generic.KindBill}}, rule.FromTo())
}

func TestRule_LinkedClasses(t *testing.T) {
	rule := newRule(t, newFixture(t))
	kind := func(k generic.EntityKind) *generic.EntityKind { return &k }

	assert.Equal(t, []string{"Calculation"}, rule.LinkedClasses(nil))
	assert.Equal(t, []string{"Product", "Calculation"}, rule.LinkedClasses(kind(generic.KindPaymentPlan)))
	assert.Equal(t, []string{"Location"}, rule.LinkedClasses(kind(generic.KindBatchRun)))
	assert.Equal(t, []string{"Product", "HealthFacility"}, rule.LinkedClasses(kind(generic.KindCapitationPayment)))
	assert.Equal(t, []string{}, rule.LinkedClasses(kind("Insuree")))
}

func TestRule_Parameters(t *testing.T) {
	rule := newRule(t, newFixture(t))

	all := rule.Parameters("")
	require.Len(t, all, 1)
	assert.Equal(t, generic.KindPaymentPlan, all[0].Class)
	// 4 levels + 4 sublevels + 7 weights + 12 monthly shares
	assert.Len(t, all[0].Parameters, 27)

	names := make(map[string]bool)
	for _, p := range all[0].Parameters {
		names[p.Name] = true
		assert.Equal(t, "151201", p.Rights["read"])
	}
	assert.True(t, names["hf_level_1"])
	assert.True(t, names["weight_adjusted_amount"])
	assert.True(t, names["distr_12"])

	assert.Empty(t, rule.Parameters(generic.KindBatchRun))
}

func TestRule_Details(t *testing.T) {
	rule := newRule(t, newFixture(t))

	block, ok := rule.Details(generic.KindPaymentPlan)
	require.True(t, ok)
	assert.Equal(t, generic.KindPaymentPlan, block.Class)
	assert.Len(t, block.Parameters, 27)

	_, ok = rule.Details(generic.KindBill)
	assert.False(t, ok)
}

// =============================================================================
// REGISTRY HANDLERS
// =============================================================================

func TestRule_Handlers(t *testing.T) {
	m := newFixture(t)
	reg := generic.NewRegistry()
	require.NoError(t, reg.Register(newRule(t, m).Handlers()))

	plan := mustPlan(t, m, "pp-cap")
	applicable, err := reg.Applicable(context.Background(), plan, generic.ContextBatchPayment)
	require.NoError(t, err)
	require.Len(t, applicable, 1)

	out, err := reg.Calculate(context.Background(), capitation.RuleID, plan, batchPayment(7))
	require.NoError(t, err)
	res, ok := out.(*capitation.CalculationResult)
	require.True(t, ok)
	assert.Equal(t, capitation.OutcomeConverted, res.Outcome)

	br, err := m.GetBatchRun(context.Background(), "br-1")
	require.NoError(t, err)
	conv, err := reg.Convert(context.Background(), capitation.RuleID, generic.ConvertRequest{
		Context:          generic.ContextBatchPayment,
		Source:           br,
		ConvertTo:        generic.KindBill,
		HealthFacilityID: "hf-1",
		PaymentPlanID:    "pp-cap",
	})
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeAlreadyConverted, conv.(capitation.ConversionResult).Outcome)

	conv, err = reg.Convert(context.Background(), capitation.RuleID, generic.ConvertRequest{
		Context: generic.ContextBatchPayment,
		Source:  plan,
	})
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNotApplicable, conv.(capitation.ConversionResult).Outcome)
}
