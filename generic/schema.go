package generic

// =============================================================================
// SCHEMA - Foreign-key graph between entity kinds
// =============================================================================

// FieldRef is a foreign-key style reference from one entity kind to another.
type FieldRef struct {
	Name   string
	Target EntityKind
}

// Schema lists the foreign-key references declared by each entity kind.
// Opaque references (PaymentPlan.Calculation) are deliberately absent.
type Schema map[EntityKind][]FieldRef

// DefaultSchema describes the entities in types.go.
func DefaultSchema() Schema {
	return Schema{
		KindPaymentPlan: {
			{Name: "benefit_plan", Target: KindProduct},
			{Name: "user_created", Target: KindUser},
			{Name: "user_updated", Target: KindUser},
		},
		KindProduct: {
			{Name: "location", Target: KindLocation},
		},
		KindLocation: {
			{Name: "parent", Target: KindLocation},
		},
		KindHealthFacility: {
			{Name: "location", Target: KindLocation},
		},
		KindBatchRun: {
			{Name: "location", Target: KindLocation},
			{Name: "audit_user", Target: KindUser},
		},
		KindCapitationPayment: {
			{Name: "product", Target: KindProduct},
			{Name: "health_facility", Target: KindHealthFacility},
		},
		KindBill: {
			{Name: "user_created", Target: KindUser},
		},
		KindBillLineItem: {
			{Name: "bill", Target: KindBill},
		},
	}
}

// ReferencedKinds returns the distinct targets of kind's references, in
// declaration order, skipping any target listed in exclude.
func (s Schema) ReferencedKinds(kind EntityKind, exclude ...EntityKind) ([]EntityKind, bool) {
	fields, ok := s[kind]
	if !ok {
		return nil, false
	}
	skip := make(map[EntityKind]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	seen := make(map[EntityKind]bool)
	var out []EntityKind
	for _, f := range fields {
		if skip[f.Target] || seen[f.Target] {
			continue
		}
		seen[f.Target] = true
		out = append(out, f.Target)
	}
	return out, true
}
