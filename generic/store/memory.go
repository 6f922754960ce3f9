// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/calcrule-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	locations   map[generic.LocationID]generic.Location
	products    map[generic.ProductID]generic.Product
	plans       map[generic.PaymentPlanID]generic.PaymentPlan
	facilities  map[generic.HealthFacilityID]generic.HealthFacility
	users       map[int]generic.User
	batchRuns   map[generic.BatchRunID]generic.BatchRun
	capitations []generic.CapitationPayment

	bills     map[generic.BillID]generic.Bill
	billLines map[generic.BillID][]generic.BillLineItem
	billKeys  map[billKey]generic.BillID

	reports []ReportSubmission
}

type billKey struct {
	BatchRunID       generic.BatchRunID
	HealthFacilityID generic.HealthFacilityID
}

// ReportSubmission records one SubmitCapitationReport call.
type ReportSubmission struct {
	AuditUserID int
	LocationID  generic.LocationID
	Period      generic.Period
}

func NewMemory() *Memory {
	m := &Memory{}
	m.resetLocked()
	return m
}

func (m *Memory) resetLocked() {
	m.locations = make(map[generic.LocationID]generic.Location)
	m.products = make(map[generic.ProductID]generic.Product)
	m.plans = make(map[generic.PaymentPlanID]generic.PaymentPlan)
	m.facilities = make(map[generic.HealthFacilityID]generic.HealthFacility)
	m.users = make(map[int]generic.User)
	m.batchRuns = make(map[generic.BatchRunID]generic.BatchRun)
	m.capitations = nil
	m.bills = make(map[generic.BillID]generic.Bill)
	m.billLines = make(map[generic.BillID][]generic.BillLineItem)
	m.billKeys = make(map[billKey]generic.BillID)
	m.reports = nil
}

// Reset clears all data.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutLocation(l generic.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = l
}

func (m *Memory) PutProduct(p generic.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *Memory) PutPaymentPlan(p generic.PaymentPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

func (m *Memory) PutHealthFacility(h generic.HealthFacility) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facilities[h.ID] = h
}

func (m *Memory) PutUser(u generic.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.AuditUserID] = u
}

func (m *Memory) PutBatchRun(b generic.BatchRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchRuns[b.ID] = b
}

func (m *Memory) PutCapitationPayment(c generic.CapitationPayment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.capitations {
		if m.capitations[i].ID == c.ID {
			m.capitations[i] = c
			return
		}
	}
	m.capitations = append(m.capitations, c)
}

// Reports returns the capitation report submissions received so far.
func (m *Memory) Reports() []ReportSubmission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ReportSubmission(nil), m.reports...)
}

// =============================================================================
// REFERENCE STORE
// =============================================================================

func (m *Memory) GetLocation(_ context.Context, id generic.LocationID) (*generic.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: generic.KindLocation, ID: string(id)}
	}
	return &l, nil
}

func (m *Memory) GetProduct(_ context.Context, id generic.ProductID) (*generic.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: generic.KindProduct, ID: string(id)}
	}
	return &p, nil
}

func (m *Memory) GetPaymentPlan(_ context.Context, id generic.PaymentPlanID) (*generic.PaymentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: generic.KindPaymentPlan, ID: string(id)}
	}
	return &p, nil
}

func (m *Memory) GetHealthFacility(_ context.Context, id generic.HealthFacilityID) (*generic.HealthFacility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.facilities[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: generic.KindHealthFacility, ID: string(id)}
	}
	return &h, nil
}

func (m *Memory) ActiveProductsByLocation(_ context.Context, id generic.LocationID) ([]generic.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Product
	for _, p := range m.products {
		if p.LocationID != nil && *p.LocationID == id && p.ValidTo == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActivePaymentPlansByProduct(_ context.Context, id generic.ProductID) ([]generic.PaymentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.PaymentPlan
	for _, p := range m.plans {
		if p.ProductID == id && !p.IsDeleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListPaymentPlans(_ context.Context) ([]generic.PaymentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.PaymentPlan
	for _, p := range m.plans {
		if !p.IsDeleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// BATCH DATA
// =============================================================================

func (m *Memory) GetBatchRun(_ context.Context, id generic.BatchRunID) (*generic.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batchRuns[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: generic.KindBatchRun, ID: string(id)}
	}
	return &b, nil
}

func (m *Memory) OpenBatchRun(_ context.Context, period generic.Period, location generic.LocationID) (*generic.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.batchRuns {
		if b.IsOpen() && b.Year == period.Year && b.Month == period.Month && b.LocationID == location {
			found := b
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListOpenBatchRuns(_ context.Context) ([]generic.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.BatchRun
	for _, b := range m.batchRuns {
		if b.IsOpen() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CapitationPayments(_ context.Context, filter generic.CapitationFilter) ([]generic.CapitationPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.CapitationPayment
	for _, c := range m.capitations {
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// =============================================================================
// USERS AND REPORTS
// =============================================================================

func (m *Memory) UserByAuditID(_ context.Context, auditUserID int) (*generic.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[auditUserID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// SubmitCapitationReport only records the call; capitation payments are
// seeded directly in memory.
func (m *Memory) SubmitCapitationReport(_ context.Context, auditUserID int, location generic.LocationID, period generic.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := ReportSubmission{AuditUserID: auditUserID, LocationID: location, Period: period}
	for _, r := range m.reports {
		if r.LocationID == sub.LocationID && r.Period == sub.Period {
			return nil
		}
	}
	m.reports = append(m.reports, sub)
	return nil
}

// =============================================================================
// BILLING
// =============================================================================

func (m *Memory) BillExists(_ context.Context, batchRun generic.BatchRunID, facility generic.HealthFacilityID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.billKeys[billKey{BatchRunID: batchRun, HealthFacilityID: facility}]
	return ok, nil
}

// CreateBill checks uniqueness and writes under the same lock.
func (m *Memory) CreateBill(_ context.Context, sub generic.BillSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := billKey{BatchRunID: sub.Bill.BatchRunID, HealthFacilityID: sub.Bill.HealthFacilityID}
	if _, ok := m.billKeys[k]; ok {
		return generic.ErrBillExists
	}
	bill := sub.Bill
	if sub.User != nil && bill.CreatedBy == nil {
		id := sub.User.ID
		bill.CreatedBy = &id
	}
	m.bills[bill.ID] = bill
	m.billLines[bill.ID] = append([]generic.BillLineItem(nil), sub.Lines...)
	m.billKeys[k] = bill.ID
	return nil
}

func (m *Memory) GetBill(_ context.Context, id generic.BillID) (*generic.Bill, []generic.BillLineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, nil, &generic.NotFoundError{Kind: generic.KindBill, ID: string(id)}
	}
	return &b, append([]generic.BillLineItem(nil), m.billLines[id]...), nil
}

func (m *Memory) ListBills(_ context.Context, filter generic.BillFilter) ([]generic.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Bill
	for _, b := range m.bills {
		if filter.BatchRunID != nil && b.BatchRunID != *filter.BatchRunID {
			continue
		}
		if filter.HealthFacilityID != nil && b.HealthFacilityID != *filter.HealthFacilityID {
			continue
		}
		if filter.PaymentPlanID != nil && b.PaymentPlanID != *filter.PaymentPlanID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

var _ generic.Store = (*Memory)(nil)
