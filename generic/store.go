/*
store.go - Collaborator interfaces for reference data, batches and billing

PURPOSE:
  Defines the interface between rule logic and the outside world. The rule
  engine never persists anything itself: it reads reference and batch data
  and hands assembled documents to a billing service.

KEY INTERFACES:
  ReferenceStore:  Location / Product / PaymentPlan / HealthFacility lookups
  BatchRunStore:   Open batch run lookup per (year, month, location)
  CapitationStore: Capitation payment queries
  UserDirectory:   Audit user lookup
  ReportSubmitter: "Submit capitation report" (computes capitation payments)
  BillService:     Bill existence check and atomic bill creation

NOT FOUND CONVENTION:
  Get* methods return a *NotFoundError (errors.Is ErrEntityNotFound) when the
  entity does not exist. Lookups that may legitimately find nothing
  (OpenBatchRun, UserByAuditID) return (nil, nil) instead.

WRITE-TIME UNIQUENESS:
  CreateBill MUST re-check the (batch run, health facility) uniqueness inside
  its own write and return ErrBillExists on violation. BillExists alone is a
  check-then-act race under concurrent conversions.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
*/
package generic

import "context"

// =============================================================================
// READ-ONLY REFERENCE DATA
// =============================================================================

type ReferenceStore interface {
	GetLocation(ctx context.Context, id LocationID) (*Location, error)
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetPaymentPlan(ctx context.Context, id PaymentPlanID) (*PaymentPlan, error)
	GetHealthFacility(ctx context.Context, id HealthFacilityID) (*HealthFacility, error)

	// ActiveProductsByLocation returns products attached to the location that
	// carry no end-of-validity marker.
	ActiveProductsByLocation(ctx context.Context, id LocationID) ([]Product, error)

	// ActivePaymentPlansByProduct returns non-deleted plans for the product.
	ActivePaymentPlansByProduct(ctx context.Context, id ProductID) ([]PaymentPlan, error)

	// ListPaymentPlans returns every non-deleted plan.
	ListPaymentPlans(ctx context.Context) ([]PaymentPlan, error)
}

// =============================================================================
// BATCH DATA
// =============================================================================

type BatchRunStore interface {
	GetBatchRun(ctx context.Context, id BatchRunID) (*BatchRun, error)

	// OpenBatchRun returns the open batch run for the key, or nil if none.
	OpenBatchRun(ctx context.Context, period Period, location LocationID) (*BatchRun, error)

	ListOpenBatchRuns(ctx context.Context) ([]BatchRun, error)
}

// CapitationFilter selects capitation payments. Exactly one geographic scope
// applies: DistrictCode when non-empty, RegionCode otherwise.
type CapitationFilter struct {
	ProductID    ProductID
	RegionCode   string
	DistrictCode string
	Period       Period
}

// IsDistrictScoped reports whether the filter narrows to a district.
func (f CapitationFilter) IsDistrictScoped() bool { return f.DistrictCode != "" }

// Matches applies the filter to a single record; stores use it to keep the
// in-memory and SQL semantics aligned.
func (f CapitationFilter) Matches(cp CapitationPayment) bool {
	if cp.ProductID != f.ProductID || cp.Year != f.Period.Year || cp.Month != f.Period.Month {
		return false
	}
	if !cp.Convertible() {
		return false
	}
	if f.IsDistrictScoped() {
		return cp.RegionCode == f.RegionCode && cp.DistrictCode == f.DistrictCode
	}
	return cp.RegionCode == f.RegionCode
}

type CapitationStore interface {
	// CapitationPayments returns open payments with a positive adjusted total
	// matching the filter.
	CapitationPayments(ctx context.Context, filter CapitationFilter) ([]CapitationPayment, error)
}

// =============================================================================
// USERS AND REPORTS
// =============================================================================

type UserDirectory interface {
	// UserByAuditID returns nil, nil when no user carries the audit id.
	UserByAuditID(ctx context.Context, auditUserID int) (*User, error)
}

type ReportSubmitter interface {
	// SubmitCapitationReport computes capitation payments for the location
	// and period. Implementations must be idempotent.
	SubmitCapitationReport(ctx context.Context, auditUserID int, location LocationID, period Period) error
}

// =============================================================================
// BILLING
// =============================================================================

type BillService interface {
	BillExists(ctx context.Context, batchRun BatchRunID, facility HealthFacilityID) (bool, error)

	// CreateBill persists the bill and its lines atomically. Returns
	// ErrBillExists if a bill for the pair was written in the meantime.
	CreateBill(ctx context.Context, sub BillSubmission) error

	GetBill(ctx context.Context, id BillID) (*Bill, []BillLineItem, error)
	ListBills(ctx context.Context, filter BillFilter) ([]Bill, error)
}

type BillFilter struct {
	BatchRunID       *BatchRunID
	HealthFacilityID *HealthFacilityID
	PaymentPlanID    *PaymentPlanID
}

// =============================================================================
// COMBINED
// =============================================================================

// Store is everything a rule needs. Both implementations satisfy it.
type Store interface {
	ReferenceStore
	BatchRunStore
	CapitationStore
	UserDirectory
	ReportSubmitter
	BillService
}

// LoadEntity resolves a reference into its entity variant.
func LoadEntity(ctx context.Context, s interface {
	ReferenceStore
	BatchRunStore
}, ref EntityRef) (Entity, error) {
	var (
		e   Entity
		err error
	)
	switch ref.Kind {
	case KindPaymentPlan:
		var v *PaymentPlan
		v, err = s.GetPaymentPlan(ctx, PaymentPlanID(ref.ID))
		e = v
	case KindBatchRun:
		var v *BatchRun
		v, err = s.GetBatchRun(ctx, BatchRunID(ref.ID))
		e = v
	case KindHealthFacility:
		var v *HealthFacility
		v, err = s.GetHealthFacility(ctx, HealthFacilityID(ref.ID))
		e = v
	case KindLocation:
		var v *Location
		v, err = s.GetLocation(ctx, LocationID(ref.ID))
		e = v
	case KindProduct:
		var v *Product
		v, err = s.GetProduct(ctx, ProductID(ref.ID))
		e = v
	default:
		return nil, ErrUnknownEntityKind
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
