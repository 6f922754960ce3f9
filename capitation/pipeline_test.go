package capitation_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/generic/store"
	"github.com/warp/calcrule-engine/metrics"
)

func fixedConverter() capitation.BillConverter {
	var n int64
	return capitation.BillConverter{
		Now:   func() time.Time { return time.Date(2023, 7, 2, 0, 0, 0, 0, time.UTC) },
		NewID: func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) },
	}
}

func convertRequest(t *testing.T, m *store.Memory, hfID generic.HealthFacilityID) capitation.ConvertRequest {
	t.Helper()
	agg := aggregate(t, m, "10", 7)
	require.NotNil(t, agg)
	hf, err := m.GetHealthFacility(context.Background(), hfID)
	require.NoError(t, err)
	return capitation.ConvertRequest{
		BatchRun:       agg.BatchRun,
		HealthFacility: hf,
		Payments:       agg.PaymentsFor(hfID),
		PaymentPlan:    mustPlan(t, m, "pp-cap"),
		User:           agg.User,
	}
}

func TestBillConverter_Assemble(t *testing.T) {
	m := newFixture(t)
	req := convertRequest(t, m, "hf-1")
	// A zero payment and another facility's payment slip into the group.
	payments := append(req.Payments,
		generic.CapitationPayment{ID: "zero", HealthFacilityID: "hf-1", TotalAdjusted: amount(0)},
		generic.CapitationPayment{ID: "foreign", HealthFacilityID: "hf-2", TotalAdjusted: amount(5)},
	)

	bill, lines, ok := fixedConverter().Assemble(req.BatchRun, req.HealthFacility, payments, req.PaymentPlan)

	require.True(t, ok)
	assert.Equal(t, "CP-PPCAP-F1-202306", bill.Code)
	assert.Equal(t, generic.BillValidated, bill.Status)
	assert.Equal(t, generic.EntityRef{Kind: generic.KindBatchRun, ID: "br-1"}, bill.Subject)
	assert.Equal(t, generic.EntityRef{Kind: generic.KindHealthFacility, ID: "hf-1"}, bill.Thirdparty)
	assert.True(t, bill.AmountTotal.Equal(amount(150)), "got %s", bill.AmountTotal)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Equal(t, bill.ID, l.BillID)
		assert.Equal(t, generic.KindCapitationPayment, l.Line.Kind)
		assert.True(t, l.Quantity.Equal(generic.MustParseDecimal("1")))
		assert.True(t, l.UnitPrice.Equal(l.AmountTotal))
	}
}

func TestBillConverter_NothingToAssemble(t *testing.T) {
	m := newFixture(t)
	req := convertRequest(t, m, "hf-1")

	_, lines, ok := fixedConverter().Assemble(req.BatchRun, req.HealthFacility, nil, req.PaymentPlan)
	assert.False(t, ok)
	assert.Empty(t, lines)
}

func TestPipeline_ConvertIsIdempotent(t *testing.T) {
	// Given
	m := newFixture(t)
	p := capitation.NewPipeline(m, 1, nil, nil)
	req := convertRequest(t, m, "hf-1")

	// When: converting twice
	first, err := p.Convert(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Convert(context.Background(), req)
	require.NoError(t, err)

	// Then: one bill with two lines, then already_converted
	assert.Equal(t, capitation.OutcomeConverted, first.Outcome)
	assert.Equal(t, 2, first.LineCount)
	assert.Equal(t, capitation.OutcomeAlreadyConverted, second.Outcome)

	bills, err := m.ListBills(context.Background(), generic.BillFilter{})
	require.NoError(t, err)
	require.Len(t, bills, 1)
	_, lines, err := m.GetBill(context.Background(), bills[0].ID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	require.NotNil(t, bills[0].CreatedBy)
	assert.Equal(t, generic.UserID("user-1"), *bills[0].CreatedBy)
}

func TestPipeline_NoPayments(t *testing.T) {
	m := newFixture(t)
	p := capitation.NewPipeline(m, 1, nil, nil)
	req := convertRequest(t, m, "hf-2")

	res, err := p.Convert(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, capitation.OutcomeNoPayments, res.Outcome)
}

func TestPipeline_ConcurrentConvertCreatesOneBill(t *testing.T) {
	m := newFixture(t)
	p := capitation.NewPipeline(m, 1, nil, nil)
	req := convertRequest(t, m, "hf-1")

	const workers = 8
	results := make([]capitation.ConversionResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Convert(context.Background(), req)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	converted := 0
	for _, r := range results {
		if r.Outcome == capitation.OutcomeConverted {
			converted++
		} else {
			assert.Equal(t, capitation.OutcomeAlreadyConverted, r.Outcome)
		}
	}
	assert.Equal(t, 1, converted)

	bills, err := m.ListBills(context.Background(), generic.BillFilter{})
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}

func TestPipeline_BillServiceFailure(t *testing.T) {
	fs := newFaultyStore(newFixture(t))
	fs.failBillExists = true
	met := metrics.New(prometheus.NewRegistry())
	p := capitation.NewPipeline(fs, 1, nil, met)

	res, err := p.Convert(context.Background(), convertRequest(t, fs.Memory, "hf-1"))
	require.Error(t, err)
	assert.True(t, generic.IsUpstream(err))
	assert.Equal(t, capitation.OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, fs.createBillCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.Conversions.WithLabelValues("failed")))
}

func TestPipeline_ConvertAllWithoutWorkerLimit(t *testing.T) {
	m := newFixture(t)
	p := &capitation.Pipeline{Bills: m, Converter: fixedConverter()}
	agg := aggregate(t, m, "10", 7)

	done := make(chan struct{})
	var results []capitation.FacilityResult
	var err error
	go func() {
		results, err = p.ConvertAll(context.Background(), m, agg, mustPlan(t, m, "pp-cap"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ConvertAll did not return")
	}
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, capitation.OutcomeConverted, results[0].Result.Outcome)
}

func TestPipeline_ConvertAllIsolatesFailures(t *testing.T) {
	// Given: hf-2 gets a positive payment too, and its bill submission fails
	m := newFixture(t)
	m.PutCapitationPayment(generic.CapitationPayment{ID: "cp-4", ProductID: "prod-cap", RegionCode: "R1", DistrictCode: "D1", Year: 2023, Month: 6, HealthFacilityID: "hf-2", TotalAdjusted: amount(20)})
	fs := newFaultyStore(m)
	fs.failFacility = "hf-2"
	p := capitation.NewPipeline(fs, 2, nil, nil)
	agg := aggregate(t, fs, "10", 7)

	// When
	results, err := p.ConvertAll(context.Background(), fs, agg, mustPlan(t, m, "pp-cap"))

	// Then: hf-1 still converted, hf-2 reported
	require.Error(t, err)
	assert.ErrorIs(t, err, errUpstream)
	assert.Contains(t, err.Error(), "hf-2")
	require.Len(t, results, 2)

	byID := map[generic.HealthFacilityID]capitation.FacilityResult{}
	for _, r := range results {
		byID[r.HealthFacilityID] = r
	}
	assert.Equal(t, capitation.OutcomeConverted, byID["hf-1"].Result.Outcome)
	assert.NoError(t, byID["hf-1"].Err)
	assert.Equal(t, capitation.OutcomeFailed, byID["hf-2"].Result.Outcome)
	assert.Error(t, byID["hf-2"].Err)

	exists, err := m.BillExists(context.Background(), "br-1", "hf-1")
	require.NoError(t, err)
	assert.True(t, exists)
}
