package capitation

import (
	"context"

	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/metrics"
)

// Gate decides whether the rule runs for an (entity, context) pair.
type Gate struct {
	Config   generic.RuleConfig
	Resolver *Resolver
	Metrics  *metrics.Metrics
}

// Applies is true iff the entity is of the rule's managed kind, the context
// is one the rule handles, and the resolver confirms ownership. Entities of
// any other kind get a plain false.
func (g *Gate) Applies(ctx context.Context, e generic.Entity, calcCtx generic.CalcContext) (bool, error) {
	ok, err := g.applies(ctx, e, calcCtx)
	if err == nil {
		g.Metrics.IncApplicability(ok)
	}
	return ok, err
}

func (g *Gate) applies(ctx context.Context, e generic.Entity, calcCtx generic.CalcContext) (bool, error) {
	if e == nil || e.Kind() != g.Config.EntityKind() {
		return false, nil
	}
	if !g.Config.HandlesContext(calcCtx) {
		return false, nil
	}
	return g.Resolver.Matches(ctx, g.Config.ID(), e)
}
