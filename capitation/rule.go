package capitation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/logger"
	"github.com/warp/calcrule-engine/metrics"
)

// =============================================================================
// RULE
// =============================================================================

// Options configures a Rule. Zero values are valid.
type Options struct {
	Workers int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Schema  generic.Schema
}

// Rule is the capitation payment calculation rule.
type Rule struct {
	config     generic.RuleConfig
	store      generic.Store
	schema     generic.Schema
	params     []generic.ClassParams
	resolver   *Resolver
	gate       *Gate
	aggregator *Aggregator
	pipeline   *Pipeline
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// DefaultConfigSpec is the built-in definition of the rule.
func DefaultConfigSpec() generic.RuleConfigSpec {
	return generic.RuleConfigSpec{
		ID:          RuleID,
		Version:     RuleVersion,
		Name:        RuleName,
		Description: RuleDescription,
		ValidFrom:   generic.Date(2000, time.January, 1),
		Status:      generic.RuleActive,
		Type:        RuleType,
		SubType:     RuleSubType,
		EntityKind:  generic.KindPaymentPlan,
		Contexts:    generic.AllContexts,
		FromTo:      FromTo,
	}
}

// DefaultConfig freezes DefaultConfigSpec.
func DefaultConfig() generic.RuleConfig {
	cfg, err := generic.NewRuleConfig(DefaultConfigSpec())
	if err != nil {
		panic(err)
	}
	return cfg
}

func NewRule(cfg generic.RuleConfig, store generic.Store, opts Options) *Rule {
	log := logger.OrNop(opts.Logger).Named("capitation")
	schema := opts.Schema
	if schema == nil {
		schema = generic.DefaultSchema()
	}
	resolver := NewResolver(store)
	return &Rule{
		config:     cfg,
		store:      store,
		schema:     schema,
		params:     classParams(),
		resolver:   resolver,
		gate:       &Gate{Config: cfg, Resolver: resolver, Metrics: opts.Metrics},
		aggregator: NewAggregator(store, log),
		pipeline:   NewPipeline(store, opts.Workers, log, opts.Metrics),
		logger:     log,
		metrics:    opts.Metrics,
	}
}

func (r *Rule) Config() generic.RuleConfig { return r.config }
func (r *Rule) Metadata() generic.RuleMetadata { return r.config.Metadata() }
func (r *Rule) FromTo() []generic.Conversion { return r.config.FromTo() }

// =============================================================================
// FACADE
// =============================================================================

// Parameters returns the parameter blocks for class; an empty class returns
// every block.
func (r *Rule) Parameters(class generic.EntityKind) []generic.ClassParams {
	var out []generic.ClassParams
	for _, cp := range r.params {
		if class == "" || cp.Class == class {
			out = append(out, cp)
		}
	}
	return out
}

// Details returns the parameter block of class.
func (r *Rule) Details(class generic.EntityKind) (generic.ClassParams, bool) {
	for _, cp := range r.params {
		if cp.Class == class {
			return cp, true
		}
	}
	return generic.ClassParams{}, false
}

// LinkedClasses returns the class names referenced by class, without User.
// PaymentPlan also links to Calculation, which it stores as an opaque id.
// A nil class yields only Calculation; an unknown class yields nothing.
func (r *Rule) LinkedClasses(class *generic.EntityKind) []string {
	if class == nil {
		return []string{CalculationClass}
	}
	out := []string{}
	kinds, _ := r.schema.ReferencedKinds(*class, generic.KindUser)
	for _, k := range kinds {
		out = append(out, string(k))
	}
	if *class == generic.KindPaymentPlan {
		out = append(out, CalculationClass)
	}
	return out
}

// Applies is the applicability gate.
func (r *Rule) Applies(ctx context.Context, e generic.Entity, calcCtx generic.CalcContext) (bool, error) {
	return r.gate.Applies(ctx, e, calcCtx)
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate runs the rule for a payment plan. Plans the gate rejects report
// OutcomeNotApplicable. Only BatchPayment does work; the other contexts
// report OutcomeContextNotImplemented.
func (r *Rule) Calculate(ctx context.Context, e generic.Entity, req generic.CalcRequest) (*CalculationResult, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveCalculation(string(req.Context), time.Since(start)) }()

	plan, ok := e.(*generic.PaymentPlan)
	if !ok || plan == nil {
		return &CalculationResult{Outcome: OutcomeNotApplicable, Context: req.Context}, nil
	}
	result := &CalculationResult{Context: req.Context, PaymentPlanID: plan.ID}

	if _, err := generic.ParseCalcContext(string(req.Context)); err != nil {
		return nil, fmt.Errorf("%w: %q", err, req.Context)
	}
	applies, err := r.gate.Applies(ctx, plan, req.Context)
	if err != nil {
		return nil, err
	}
	if !applies {
		result.Outcome = OutcomeNotApplicable
		return result, nil
	}

	switch req.Context {
	case generic.ContextBatchPayment:
		return r.batchPayment(ctx, plan, req, result)
	case generic.ContextBatchValuation, generic.ContextIndividualPayment, generic.ContextIndividualValuation:
		result.Outcome = OutcomeContextNotImplemented
		return result, nil
	}
	return nil, fmt.Errorf("%w: %q", generic.ErrUnknownContext, req.Context)
}

func (r *Rule) batchPayment(ctx context.Context, plan *generic.PaymentPlan, req generic.CalcRequest, result *CalculationResult) (*CalculationResult, error) {
	if err := req.Period.Validate(); err != nil {
		return nil, err
	}
	log := r.logger.With(
		zap.String("payment_plan", string(plan.ID)),
		zap.String("location", string(req.LocationID)),
		zap.Stringer("period", req.Period),
	)

	if err := r.store.SubmitCapitationReport(ctx, req.AuditUserID, req.LocationID, req.Period); err != nil {
		return nil, generic.Upstream("submit capitation report", err)
	}

	product, err := r.store.GetProduct(ctx, plan.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load benefit plan: %w", err)
	}

	agg, err := r.aggregator.Aggregate(ctx, product, AggregateParams{
		AuditUserID: req.AuditUserID,
		LocationID:  req.LocationID,
		Period:      req.Period,
	})
	if err != nil {
		return nil, err
	}
	if agg == nil {
		result.Outcome = OutcomeNoBatchRun
		return result, nil
	}

	result.BatchRunID = agg.BatchRun.ID
	result.Scope = agg.Scope
	result.User = agg.User
	if len(agg.FacilityIDs) == 0 {
		result.Outcome = OutcomeNoPayments
		return result, nil
	}
	result.Facilities, err = r.pipeline.ConvertAll(ctx, r.store, agg, plan)
	result.Outcome = OutcomeConverted

	log.Info("batch payment calculated",
		zap.Int("converted", result.Count(OutcomeConverted)),
		zap.Int("already_converted", result.Count(OutcomeAlreadyConverted)),
		zap.Int("failed", result.Count(OutcomeFailed)),
	)
	return result, err
}

// =============================================================================
// CONVERT
// =============================================================================

// ConvertInput converts one facility of an explicit batch run.
type ConvertInput struct {
	Context          generic.CalcContext
	BatchRunID       generic.BatchRunID
	ConvertTo        generic.EntityKind
	HealthFacilityID generic.HealthFacilityID
	PaymentPlanID    generic.PaymentPlanID
	AuditUserID      int
}

// Convert converts the capitation payments of one facility of a batch run
// into a bill. Only BatchPayment converts, and only BatchRun -> Bill.
func (r *Rule) Convert(ctx context.Context, in ConvertInput) (ConversionResult, error) {
	res := ConversionResult{HealthFacilityID: in.HealthFacilityID}
	if in.Context != generic.ContextBatchPayment {
		res.Outcome = OutcomeContextNotImplemented
		return res, nil
	}
	if !r.converts(generic.KindBatchRun, in.ConvertTo) {
		res.Outcome = OutcomeNotApplicable
		return res, nil
	}

	br, err := r.store.GetBatchRun(ctx, in.BatchRunID)
	if err != nil {
		return res, fmt.Errorf("load batch run: %w", err)
	}
	plan, err := r.store.GetPaymentPlan(ctx, in.PaymentPlanID)
	if err != nil {
		return res, fmt.Errorf("load payment plan: %w", err)
	}
	governed, err := r.resolver.Matches(ctx, r.config.ID(), plan)
	if err != nil {
		return res, err
	}
	if !governed {
		res.Outcome = OutcomeNotApplicable
		return res, nil
	}
	product, err := r.store.GetProduct(ctx, plan.ProductID)
	if err != nil {
		return res, fmt.Errorf("load benefit plan: %w", err)
	}
	hf, err := r.store.GetHealthFacility(ctx, in.HealthFacilityID)
	if err != nil {
		return res, fmt.Errorf("load health facility: %w", err)
	}

	agg, err := r.aggregator.Aggregate(ctx, product, AggregateParams{
		AuditUserID: in.AuditUserID,
		LocationID:  br.LocationID,
		Period:      generic.PeriodOf(br),
	})
	if err != nil {
		return res, err
	}
	if agg == nil || agg.BatchRun.ID != br.ID {
		res.Outcome = OutcomeNoBatchRun
		return res, nil
	}

	return r.pipeline.Convert(ctx, ConvertRequest{
		BatchRun:       br,
		HealthFacility: hf,
		Payments:       agg.PaymentsFor(hf.ID),
		PaymentPlan:    plan,
		User:           agg.User,
	})
}

func (r *Rule) converts(from, to generic.EntityKind) bool {
	for _, c := range r.config.FromTo() {
		if c.From == from && c.To == to {
			return true
		}
	}
	return false
}

// =============================================================================
// REGISTRY
// =============================================================================

// Handlers exposes the rule to generic.Registry.
func (r *Rule) Handlers() generic.RuleHandlers {
	return generic.RuleHandlers{
		Config:        r.config,
		Parameters:    r.Parameters,
		Details:       r.Details,
		LinkedClasses: r.LinkedClasses,
		Applies:       r.Applies,
		Calculate: func(ctx context.Context, e generic.Entity, req generic.CalcRequest) (any, error) {
			return r.Calculate(ctx, e, req)
		},
		Convert: func(ctx context.Context, req generic.ConvertRequest) (any, error) {
			br, ok := req.Source.(*generic.BatchRun)
			if !ok || br == nil {
				return ConversionResult{Outcome: OutcomeNotApplicable, HealthFacilityID: req.HealthFacilityID}, nil
			}
			return r.Convert(ctx, ConvertInput{
				Context:          req.Context,
				BatchRunID:       br.ID,
				ConvertTo:        req.ConvertTo,
				HealthFacilityID: req.HealthFacilityID,
				PaymentPlanID:    req.PaymentPlanID,
				AuditUserID:      req.AuditUserID,
			})
		},
	}
}
