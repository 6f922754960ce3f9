package capitation

import (
	"context"
	"fmt"

	"github.com/warp/calcrule-engine/generic"
)

// MaxResolveDepth bounds the walk: facility -> location -> product -> plan
// is four entity levels.
const MaxResolveDepth = 4

// Resolver decides whether a rule owns an entity by walking the hierarchy
// towards the payment plans that reference the rule.
type Resolver struct {
	Store generic.ReferenceStore
}

func NewResolver(store generic.ReferenceStore) *Resolver {
	return &Resolver{Store: store}
}

// Matches reports whether some payment plan reachable from e references
// ruleID. The test is existential: the first match wins.
func (r *Resolver) Matches(ctx context.Context, ruleID generic.RuleID, e generic.Entity) (bool, error) {
	return r.matches(ctx, ruleID, e, 1)
}

func (r *Resolver) matches(ctx context.Context, ruleID generic.RuleID, e generic.Entity, depth int) (bool, error) {
	if depth > MaxResolveDepth {
		return false, generic.ErrResolveDepthExceeded
	}

	switch v := e.(type) {
	case *generic.PaymentPlan:
		return v != nil && v.Calculation == ruleID, nil

	case *generic.BatchRun:
		if v == nil {
			return false, nil
		}
		return r.matchLocationID(ctx, ruleID, v.LocationID, depth)

	case *generic.HealthFacility:
		if v == nil {
			return false, nil
		}
		return r.matchLocationID(ctx, ruleID, v.LocationID, depth)

	case *generic.Location:
		if v == nil || !v.Type.OwnsProducts() {
			return false, nil
		}
		products, err := r.Store.ActiveProductsByLocation(ctx, v.ID)
		if err != nil {
			return false, generic.Upstream("load products of location "+string(v.ID), err)
		}
		for i := range products {
			ok, err := r.matches(ctx, ruleID, &products[i], depth+1)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil

	case *generic.Product:
		if v == nil {
			return false, nil
		}
		plans, err := r.Store.ActivePaymentPlansByProduct(ctx, v.ID)
		if err != nil {
			return false, generic.Upstream("load payment plans of product "+string(v.ID), err)
		}
		for i := range plans {
			ok, err := r.matches(ctx, ruleID, &plans[i], depth+1)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}

	return false, nil
}

func (r *Resolver) matchLocationID(ctx context.Context, ruleID generic.RuleID, id generic.LocationID, depth int) (bool, error) {
	loc, err := r.Store.GetLocation(ctx, id)
	if err != nil {
		return false, fmt.Errorf("resolve location %s: %w", id, err)
	}
	return r.matches(ctx, ruleID, loc, depth+1)
}
