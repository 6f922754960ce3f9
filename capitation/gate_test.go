package capitation_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/metrics"
)

func TestGate_Applies(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)
	ctx := context.Background()
	plan := mustPlan(t, m, "pp-cap")

	for _, c := range generic.AllContexts {
		ok, err := rule.Applies(ctx, plan, c)
		require.NoError(t, err)
		assert.True(t, ok, "context %s", c)
	}
}

func TestGate_WrongKindIsFalse(t *testing.T) {
	m := newFixture(t)
	rule := newRule(t, m)

	// The facility resolves to the rule, but the rule manages payment plans.
	hf, err := m.GetHealthFacility(context.Background(), "hf-1")
	require.NoError(t, err)

	ok, err := rule.Applies(context.Background(), hf, generic.ContextBatchPayment)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rule.Applies(context.Background(), nil, generic.ContextBatchPayment)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_UnhandledContext(t *testing.T) {
	m := newFixture(t)
	spec := capitation.DefaultConfigSpec()
	spec.Contexts = []generic.CalcContext{generic.ContextBatchPayment}
	cfg, err := generic.NewRuleConfig(spec)
	require.NoError(t, err)

	rule := capitation.NewRule(cfg, m, capitation.Options{})
	plan := mustPlan(t, m, "pp-cap")

	ok, err := rule.Applies(context.Background(), plan, generic.ContextBatchPayment)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rule.Applies(context.Background(), plan, generic.ContextIndividualValuation)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_Metrics(t *testing.T) {
	m := newFixture(t)
	met := metrics.New(prometheus.NewRegistry())
	rule := capitation.NewRule(capitation.DefaultConfig(), m, capitation.Options{Metrics: met})

	_, err := rule.Applies(context.Background(), mustPlan(t, m, "pp-cap"), generic.ContextBatchPayment)
	require.NoError(t, err)
	_, err = rule.Applies(context.Background(), mustPlan(t, m, "pp-other"), generic.ContextBatchPayment)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(met.ApplicabilityChecks.WithLabelValues("applies")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ApplicabilityChecks.WithLabelValues("rejected")))
}
