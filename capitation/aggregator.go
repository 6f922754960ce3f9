package capitation

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/logger"
)

// AggregateParams selects the batch to aggregate.
type AggregateParams struct {
	AuditUserID int
	LocationID  generic.LocationID
	Period      generic.Period
}

// Aggregation is the Aggregator output: one batch run, its scoped payments,
// and the facilities they belong to (first-seen order).
type Aggregation struct {
	BatchRun    *generic.BatchRun
	Scope       Scope
	Payments    []generic.CapitationPayment
	FacilityIDs []generic.HealthFacilityID
	User        *generic.User
}

// PaymentsFor returns the payments of one facility.
func (a *Aggregation) PaymentsFor(id generic.HealthFacilityID) []generic.CapitationPayment {
	var out []generic.CapitationPayment
	for _, p := range a.Payments {
		if p.HealthFacilityID == id {
			out = append(out, p)
		}
	}
	return out
}

type AggregatorStore interface {
	generic.ReferenceStore
	generic.BatchRunStore
	generic.CapitationStore
	generic.UserDirectory
}

type Aggregator struct {
	Store  AggregatorStore
	Logger *zap.Logger
}

func NewAggregator(store AggregatorStore, log *zap.Logger) *Aggregator {
	return &Aggregator{Store: store, Logger: logger.OrNop(log)}
}

// Aggregate gathers the capitation payments of product for the open batch
// run of (period, location). It returns nil, nil when no batch run is open.
func (a *Aggregator) Aggregate(ctx context.Context, product *generic.Product, p AggregateParams) (*Aggregation, error) {
	log := a.Logger.With(
		zap.String("product", string(product.ID)),
		zap.String("location", string(p.LocationID)),
		zap.Stringer("period", p.Period),
	)

	user, err := a.resolveUser(ctx, p.AuditUserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		log.Debug("audit user not resolved, continuing without user", zap.Int("audit_user_id", p.AuditUserID))
	}

	batchRun, err := a.Store.OpenBatchRun(ctx, p.Period, p.LocationID)
	if err != nil {
		return nil, generic.Upstream("find open batch run", err)
	}
	if batchRun == nil {
		log.Info("no open batch run, nothing to convert")
		return nil, nil
	}

	scope, err := ResolveScope(ctx, a.Store, p.LocationID)
	if err != nil {
		return nil, err
	}

	filter := generic.CapitationFilter{
		ProductID:    product.ID,
		RegionCode:   scope.RegionCode,
		DistrictCode: scope.DistrictCode,
		Period:       p.Period,
	}
	records, err := a.Store.CapitationPayments(ctx, filter)
	if err != nil {
		return nil, generic.Upstream("query capitation payments", err)
	}

	agg := &Aggregation{BatchRun: batchRun, Scope: scope, User: user}
	seen := make(map[generic.HealthFacilityID]bool)
	for _, r := range records {
		// Stores filter already; the invariant is re-checked here.
		if !filter.Matches(r) {
			continue
		}
		agg.Payments = append(agg.Payments, r)
		if !seen[r.HealthFacilityID] {
			seen[r.HealthFacilityID] = true
			agg.FacilityIDs = append(agg.FacilityIDs, r.HealthFacilityID)
		}
	}

	log.Info("capitation payments aggregated",
		zap.String("batch_run", string(batchRun.ID)),
		zap.Bool("district_scope", scope.IsDistrict()),
		zap.Int("payments", len(agg.Payments)),
		zap.Int("facilities", len(agg.FacilityIDs)),
	)
	return agg, nil
}

// resolveUser treats "no audit id" and "no matching user" as a nil user.
func (a *Aggregator) resolveUser(ctx context.Context, auditUserID int) (*generic.User, error) {
	if auditUserID == 0 {
		return nil, nil
	}
	user, err := a.Store.UserByAuditID(ctx, auditUserID)
	if err != nil {
		return nil, generic.Upstream("resolve audit user", err)
	}
	return user, nil
}
