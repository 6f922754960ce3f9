/*
Package generic provides the core calculation-rule engine.

PURPOSE:
  This package contains domain-agnostic types for deciding which calculation
  rule governs a domain object and for handing converted documents to a
  billing service. The capitation rule (package capitation) is one rule built
  on top of it; other payment or valuation rules plug into the same registry.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity (decimal, never float)
  - Entity: A closed set of domain objects a rule can be asked about
  - Reference data: Location, Product, PaymentPlan, HealthFacility
  - Batch data: BatchRun, CapitationPayment
  - Output documents: Bill, BillLineItem, BillSubmission

DESIGN PRINCIPLES:
  1. Closed dispatch: Entity is sealed; callers type-switch over the variants
  2. Precision: Uses decimal.Decimal for every amount
  3. Type Safety: Strong typing for IDs prevents mixing location/facility IDs
  4. Read-only inputs: reference and batch data are never mutated here

USAGE:
  plan := &generic.PaymentPlan{ID: "pp-1", ProductID: "prod-1", Calculation: ruleID}
  switch e := generic.Entity(plan).(type) {
  case *generic.PaymentPlan:
      ...
  }

SEE ALSO:
  - rule.go: Rule configuration and execution contexts
  - registry.go: Rule registry
  - store.go: Collaborator interfaces
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

// MustParseDecimal panics if s is not a decimal.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) IsPositive() bool    { return a.Value.IsPositive() }
func (a Amount) IsZero() bool        { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) String() string      { return a.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type LocationID string
type ProductID string
type PaymentPlanID string
type HealthFacilityID string
type BatchRunID string
type CapitationPaymentID string
type UserID string
type BillID string
type BillLineItemID string

// =============================================================================
// ENTITY - Closed set of objects a rule can be asked about
// =============================================================================

// EntityKind names an entity variant. The string values are the class names
// exposed to orchestrators (linked classes, API payloads).
type EntityKind string

const (
	KindPaymentPlan       EntityKind = "PaymentPlan"
	KindBatchRun          EntityKind = "BatchRun"
	KindHealthFacility    EntityKind = "HealthFacility"
	KindLocation          EntityKind = "Location"
	KindProduct           EntityKind = "Product"
	KindCapitationPayment EntityKind = "CapitationPayment"
	KindBill              EntityKind = "Bill"
	KindBillLineItem      EntityKind = "BillLineItem"
	KindUser              EntityKind = "User"
)

// ParseEntityKind validates a class name coming from outside the process.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(s); k {
	case KindPaymentPlan, KindBatchRun, KindHealthFacility, KindLocation,
		KindProduct, KindCapitationPayment, KindBill, KindBillLineItem, KindUser:
		return k, nil
	}
	return "", ErrUnknownEntityKind
}

// Entity is implemented only by the types in this file.
type Entity interface {
	Kind() EntityKind
	EntityID() string
	sealed()
}

// EntityRef points at a stored entity without loading it.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type LocationType string

const (
	LocationRegion   LocationType = "R"
	LocationDistrict LocationType = "D"
	LocationWard     LocationType = "W"
	LocationVillage  LocationType = "V"
)

// OwnsProducts reports whether products can be attached at this level.
func (t LocationType) OwnsProducts() bool {
	return t == LocationRegion || t == LocationDistrict
}

type Location struct {
	ID       LocationID
	Code     string
	Name     string
	Type     LocationType
	ParentID *LocationID
	ValidTo  *time.Time
}

type Product struct {
	ID         ProductID
	Code       string
	Name       string
	LocationID *LocationID // nil for national products
	ValidTo    *time.Time  // non-nil once the product version is superseded
}

// PaymentPlan binds a calculation rule to a product (benefit plan).
// Calculation is stored as an opaque rule identity, not a foreign key.
type PaymentPlan struct {
	ID          PaymentPlanID
	Code        string
	Name        string
	ProductID   ProductID
	Calculation RuleID
	Periodicity int
	IsDeleted   bool
}

type HealthFacility struct {
	ID         HealthFacilityID
	Code       string
	Name       string
	LocationID LocationID
	Level      string
}

type User struct {
	ID          UserID
	AuditUserID int
	Username    string
}

// =============================================================================
// BATCH DATA - Produced by the report computation step
// =============================================================================

type BatchRun struct {
	ID         BatchRunID
	Year       int
	Month      int
	LocationID LocationID
	RunDate    time.Time
	ClosedAt   *time.Time
}

func (b *BatchRun) IsOpen() bool { return b.ClosedAt == nil }

type CapitationPayment struct {
	ID               CapitationPaymentID
	ProductID        ProductID
	RegionCode       string
	DistrictCode     string // empty when computed at region level
	Year             int
	Month            int
	HealthFacilityID HealthFacilityID
	TotalAdjusted    Amount
	ClosedAt         *time.Time
}

// Convertible reports whether the payment may become a bill line.
func (c *CapitationPayment) Convertible() bool {
	return c.ClosedAt == nil && c.TotalAdjusted.IsPositive()
}

// =============================================================================
// OUTPUT DOCUMENTS
// =============================================================================

type BillStatus string

const (
	BillValidated BillStatus = "validated"
)

type Bill struct {
	ID               BillID
	Code             string
	Subject          EntityRef
	Thirdparty       EntityRef
	PaymentPlanID    PaymentPlanID
	BatchRunID       BatchRunID
	HealthFacilityID HealthFacilityID
	DateBill         time.Time
	Status           BillStatus
	AmountNet        Amount
	AmountTotal      Amount
	CreatedBy        *UserID
}

type BillLineItem struct {
	ID            BillLineItemID
	BillID        BillID
	Line          EntityRef
	Code          string
	Description   string
	Quantity      decimal.Decimal
	UnitPrice     Amount
	AmountNet     Amount
	AmountTotal   Amount
	BatchRunID    BatchRunID
	PaymentPlanID PaymentPlanID
}

// BillSubmission is the single atomic request handed to the billing service.
type BillSubmission struct {
	Bill           Bill
	Lines          []BillLineItem
	ConversionKind string
	User           *User
}

// =============================================================================
// ENTITY IMPLEMENTATIONS
// =============================================================================

func (*PaymentPlan) Kind() EntityKind       { return KindPaymentPlan }
func (*BatchRun) Kind() EntityKind          { return KindBatchRun }
func (*HealthFacility) Kind() EntityKind    { return KindHealthFacility }
func (*Location) Kind() EntityKind          { return KindLocation }
func (*Product) Kind() EntityKind           { return KindProduct }
func (*CapitationPayment) Kind() EntityKind { return KindCapitationPayment }

func (p *PaymentPlan) EntityID() string       { return string(p.ID) }
func (b *BatchRun) EntityID() string          { return string(b.ID) }
func (h *HealthFacility) EntityID() string    { return string(h.ID) }
func (l *Location) EntityID() string          { return string(l.ID) }
func (p *Product) EntityID() string           { return string(p.ID) }
func (c *CapitationPayment) EntityID() string { return string(c.ID) }

func (*PaymentPlan) sealed()       {}
func (*BatchRun) sealed()          {}
func (*HealthFacility) sealed()    {}
func (*Location) sealed()          {}
func (*Product) sealed()           {}
func (*CapitationPayment) sealed() {}

// RefOf returns a reference to e.
func RefOf(e Entity) EntityRef {
	return EntityRef{Kind: e.Kind(), ID: e.EntityID()}
}
