package capitation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/generic/store"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================
//
//   Region R1 (id 1)
//   └── District D1 (id 10)      products: prod-cap (plan pp-cap -> capitation rule)
//       │                                  prod-old (superseded, plan pp-old -> capitation rule)
//       └── Ward W1 (id 100)
//   Region R2 (id 2)             products: prod-other (plan pp-other -> other rule)
//
//   Facilities: hf-1, hf-2 in D1; hf-3 in R2
//   Batch run br-1: 2023-06 for location 10

const otherRule generic.RuleID = "11111111-2222-3333-4444-555555555555"

var june2023 = generic.Period{Year: 2023, Month: 6}

func locID(s string) *generic.LocationID {
	id := generic.LocationID(s)
	return &id
}

func amount(v float64) generic.Amount { return generic.NewAmount(v) }

func newFixture(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()

	m.PutLocation(generic.Location{ID: "1", Code: "R1", Name: "Region One", Type: generic.LocationRegion})
	m.PutLocation(generic.Location{ID: "2", Code: "R2", Name: "Region Two", Type: generic.LocationRegion})
	m.PutLocation(generic.Location{ID: "10", Code: "D1", Name: "District One", Type: generic.LocationDistrict, ParentID: locID("1")})
	m.PutLocation(generic.Location{ID: "100", Code: "W1", Name: "Ward One", Type: generic.LocationWard, ParentID: locID("10")})

	superseded := time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC)
	m.PutProduct(generic.Product{ID: "prod-cap", Code: "CAP", Name: "Capitation product", LocationID: locID("10")})
	m.PutProduct(generic.Product{ID: "prod-old", Code: "OLD", Name: "Old product", LocationID: locID("10"), ValidTo: &superseded})
	m.PutProduct(generic.Product{ID: "prod-other", Code: "OTH", Name: "Other product", LocationID: locID("2")})

	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-cap", Code: "PPCAP", ProductID: "prod-cap", Calculation: capitation.RuleID, Periodicity: 1})
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-old", Code: "PPOLD", ProductID: "prod-old", Calculation: capitation.RuleID, Periodicity: 1})
	m.PutPaymentPlan(generic.PaymentPlan{ID: "pp-other", Code: "PPOTH", ProductID: "prod-other", Calculation: otherRule, Periodicity: 1})

	m.PutHealthFacility(generic.HealthFacility{ID: "hf-1", Code: "F1", Name: "Facility One", LocationID: "10", Level: "D"})
	m.PutHealthFacility(generic.HealthFacility{ID: "hf-2", Code: "F2", Name: "Facility Two", LocationID: "10", Level: "C"})
	m.PutHealthFacility(generic.HealthFacility{ID: "hf-3", Code: "F3", Name: "Facility Three", LocationID: "2", Level: "H"})

	m.PutUser(generic.User{ID: "user-1", AuditUserID: 7, Username: "admin"})

	m.PutBatchRun(generic.BatchRun{ID: "br-1", Year: 2023, Month: 6, LocationID: "10", RunDate: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)})

	// hf-1 has two positive payments, hf-2 a zero one.
	m.PutCapitationPayment(generic.CapitationPayment{ID: "cp-1", ProductID: "prod-cap", RegionCode: "R1", DistrictCode: "D1", Year: 2023, Month: 6, HealthFacilityID: "hf-1", TotalAdjusted: amount(100)})
	m.PutCapitationPayment(generic.CapitationPayment{ID: "cp-2", ProductID: "prod-cap", RegionCode: "R1", DistrictCode: "D1", Year: 2023, Month: 6, HealthFacilityID: "hf-1", TotalAdjusted: amount(50)})
	m.PutCapitationPayment(generic.CapitationPayment{ID: "cp-3", ProductID: "prod-cap", RegionCode: "R1", DistrictCode: "D1", Year: 2023, Month: 6, HealthFacilityID: "hf-2", TotalAdjusted: amount(0)})

	return m
}

func newRule(t *testing.T, s generic.Store) *capitation.Rule {
	t.Helper()
	return capitation.NewRule(capitation.DefaultConfig(), s, capitation.Options{Workers: 2})
}

func mustPlan(t *testing.T, s generic.ReferenceStore, id generic.PaymentPlanID) *generic.PaymentPlan {
	t.Helper()
	p, err := s.GetPaymentPlan(context.Background(), id)
	require.NoError(t, err)
	return p
}

// =============================================================================
// FAULTY STORE - Injects upstream failures and records capitation queries
// =============================================================================

var errUpstream = errors.New("connection reset by peer")

type faultyStore struct {
	*store.Memory

	mu              sync.Mutex
	filters         []generic.CapitationFilter
	failFacility    generic.HealthFacilityID
	failBillExists  bool
	failProducts    bool
	failUsers       bool
	createBillCalls int
}

func newFaultyStore(m *store.Memory) *faultyStore {
	return &faultyStore{Memory: m}
}

func (f *faultyStore) CapitationPayments(ctx context.Context, filter generic.CapitationFilter) ([]generic.CapitationPayment, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	return f.Memory.CapitationPayments(ctx, filter)
}

func (f *faultyStore) ActiveProductsByLocation(ctx context.Context, id generic.LocationID) ([]generic.Product, error) {
	if f.failProducts {
		return nil, errUpstream
	}
	return f.Memory.ActiveProductsByLocation(ctx, id)
}

func (f *faultyStore) UserByAuditID(ctx context.Context, auditUserID int) (*generic.User, error) {
	if f.failUsers {
		return nil, errUpstream
	}
	return f.Memory.UserByAuditID(ctx, auditUserID)
}

func (f *faultyStore) BillExists(ctx context.Context, br generic.BatchRunID, hf generic.HealthFacilityID) (bool, error) {
	if f.failBillExists {
		return false, errUpstream
	}
	return f.Memory.BillExists(ctx, br, hf)
}

func (f *faultyStore) CreateBill(ctx context.Context, sub generic.BillSubmission) error {
	f.mu.Lock()
	f.createBillCalls++
	f.mu.Unlock()
	if sub.Bill.HealthFacilityID == f.failFacility {
		return errUpstream
	}
	return f.Memory.CreateBill(ctx, sub)
}

func (f *faultyStore) capitationFilters() []generic.CapitationFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generic.CapitationFilter(nil), f.filters...)
}
