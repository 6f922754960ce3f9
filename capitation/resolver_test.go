package capitation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
)

func TestResolver_PaymentPlan(t *testing.T) {
	m := newFixture(t)
	r := capitation.NewResolver(m)
	ctx := context.Background()

	ok, err := r.Matches(ctx, capitation.RuleID, mustPlan(t, m, "pp-cap"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Matches(ctx, capitation.RuleID, mustPlan(t, m, "pp-other"))
	require.NoError(t, err)
	assert.False(t, ok, "plan referencing another rule")
}

func TestResolver_HealthFacility(t *testing.T) {
	m := newFixture(t)
	r := capitation.NewResolver(m)
	ctx := context.Background()

	hf1, err := m.GetHealthFacility(ctx, "hf-1")
	require.NoError(t, err)
	ok, err := r.Matches(ctx, capitation.RuleID, hf1)
	require.NoError(t, err)
	assert.True(t, ok, "facility -> district -> prod-cap -> pp-cap")

	hf3, err := m.GetHealthFacility(ctx, "hf-3")
	require.NoError(t, err)
	ok, err = r.Matches(ctx, capitation.RuleID, hf3)
	require.NoError(t, err)
	assert.False(t, ok, "region R2 only carries a plan for another rule")
}

func TestResolver_WardOwnsNoProducts(t *testing.T) {
	m := newFixture(t)
	// A product attached to a ward is never considered.
	m.PutProduct(generic.Product{ID: "prod-ward", Code: "WRD", LocationID: locID("100")})
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-ward", Code: "PPW", ProductID: "prod-ward", Calculation: capitation.RuleID})
	m.PutHealthFacility(generic.HealthFacility{ID: "hf-ward", Code: "FW", LocationID: "100"})

	hf, err := m.GetHealthFacility(context.Background(), "hf-ward")
	require.NoError(t, err)

	ok, err := capitation.NewResolver(m).Matches(context.Background(), capitation.RuleID, hf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_IgnoresSupersededProducts(t *testing.T) {
	m := newFixture(t)
	// Only the superseded product references the rule now.
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-cap", Code: "PPCAP", ProductID: "prod-cap", Calculation: otherRule})

	loc, err := m.GetLocation(context.Background(), "10")
	require.NoError(t, err)

	ok, err := capitation.NewResolver(m).Matches(context.Background(), capitation.RuleID, loc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_IgnoresDeletedPlans(t *testing.T) {
	m := newFixture(t)
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-cap", Code: "PPCAP", ProductID: "prod-cap", Calculation: capitation.RuleID, IsDeleted: true})

	p, err := m.GetProduct(context.Background(), "prod-cap")
	require.NoError(t, err)

	ok, err := capitation.NewResolver(m).Matches(context.Background(), capitation.RuleID, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_BatchRun(t *testing.T) {
	m := newFixture(t)
	br, err := m.GetBatchRun(context.Background(), "br-1")
	require.NoError(t, err)

	ok, err := capitation.NewResolver(m).Matches(context.Background(), capitation.RuleID, br)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolver_UnsupportedKindIsFalse(t *testing.T) {
	m := newFixture(t)
	r := capitation.NewResolver(m)

	ok, err := r.Matches(context.Background(), capitation.RuleID, &generic.CapitationPayment{ID: "cp-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	var nilPlan *generic.PaymentPlan
	ok, err = r.Matches(context.Background(), capitation.RuleID, nilPlan)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_UpstreamFailure(t *testing.T) {
	fs := newFaultyStore(newFixture(t))
	fs.failProducts = true

	hf, err := fs.GetHealthFacility(context.Background(), "hf-1")
	require.NoError(t, err)

	_, err = capitation.NewResolver(fs).Matches(context.Background(), capitation.RuleID, hf)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUpstream)
	assert.True(t, generic.IsUpstream(err))
}

func TestResolver_MissingLocation(t *testing.T) {
	m := newFixture(t)
	hf := &generic.HealthFacility{ID: "hf-x", LocationID: "missing"}

	_, err := capitation.NewResolver(m).Matches(context.Background(), capitation.RuleID, hf)
	require.Error(t, err)
	assert.True(t, generic.IsNotFound(err))
}
