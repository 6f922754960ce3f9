/*
registry.go - Explicit calculation rule registry

PURPOSE:
  Maps rule identity to the set of functions a rule exposes. The registry is
  populated once at process start (factory.BuildRegistry) and afterwards only
  read. Orchestrators look rules up directly instead of broadcasting to every
  registered rule and collecting replies.

OPERATIONS:
  Register:    Add a rule (rejects duplicate ids)
  Get / List:  Direct lookup
  Applicable:  Rules whose Applies returns true for (entity, context)
  Calculate:   Run a rule's calculation for an entity
  Convert:     Run a rule's conversion
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RuleHandlers holds the function references of one rule. Every field is
// required except Details and Convert, which rules may leave nil.
type RuleHandlers struct {
	Config        RuleConfig
	Parameters    func(class EntityKind) []ClassParams
	Details       func(class EntityKind) (ClassParams, bool)
	LinkedClasses func(class *EntityKind) []string
	Applies       func(ctx context.Context, e Entity, calcCtx CalcContext) (bool, error)
	Calculate     func(ctx context.Context, e Entity, req CalcRequest) (any, error)
	Convert       func(ctx context.Context, req ConvertRequest) (any, error)
}

// CalcRequest carries the keyword parameters of a calculation.
type CalcRequest struct {
	Context     CalcContext
	AuditUserID int
	LocationID  LocationID
	Period      Period
}

// ConvertRequest asks a rule to convert a source entity into a target kind.
type ConvertRequest struct {
	Context          CalcContext
	Source           Entity
	ConvertTo        EntityKind
	HealthFacilityID HealthFacilityID
	PaymentPlanID    PaymentPlanID
	AuditUserID      int
}

type Registry struct {
	mu    sync.RWMutex
	rules map[RuleID]RuleHandlers
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[RuleID]RuleHandlers)}
}

// Register adds h under its config id.
func (r *Registry) Register(h RuleHandlers) error {
	id := h.Config.ID()
	if id == "" || h.Applies == nil || h.Calculate == nil {
		return ErrInvalidRuleConfig
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, id)
	}
	r.rules[id] = h
	return nil
}

func (r *Registry) Get(id RuleID) (RuleHandlers, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.rules[id]
	if !ok {
		return RuleHandlers{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return h, nil
}

// List returns all rules sorted by name, then id.
func (r *Registry) List() []RuleHandlers {
	r.mu.RLock()
	out := make([]RuleHandlers, 0, len(r.rules))
	for _, h := range r.rules {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Name() != out[j].Config.Name() {
			return out[i].Config.Name() < out[j].Config.Name()
		}
		return out[i].Config.ID() < out[j].Config.ID()
	})
	return out
}

// Applicable returns the rules that apply to e in calcCtx. An error from any
// rule aborts the lookup.
func (r *Registry) Applicable(ctx context.Context, e Entity, calcCtx CalcContext) ([]RuleHandlers, error) {
	var out []RuleHandlers
	for _, h := range r.List() {
		ok, err := h.Applies(ctx, e, calcCtx)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", h.Config.ID(), err)
		}
		if ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *Registry) Calculate(ctx context.Context, id RuleID, e Entity, req CalcRequest) (any, error) {
	h, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return h.Calculate(ctx, e, req)
}

func (r *Registry) Convert(ctx context.Context, id RuleID, req ConvertRequest) (any, error) {
	h, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if h.Convert == nil {
		return nil, fmt.Errorf("rule %s does not convert", id)
	}
	return h.Convert(ctx, req)
}
