package capitation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/logger"
	"github.com/warp/calcrule-engine/metrics"
)

// DefaultWorkers is the per-calculation facility conversion concurrency.
const DefaultWorkers = 4

// ConvertRequest is one facility group to convert.
type ConvertRequest struct {
	BatchRun       *generic.BatchRun
	HealthFacility *generic.HealthFacility
	Payments       []generic.CapitationPayment
	PaymentPlan    *generic.PaymentPlan
	User           *generic.User
}

// Pipeline turns facility groups into bill submissions.
type Pipeline struct {
	Bills     generic.BillService
	Converter BillConverter
	Workers   int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func NewPipeline(bills generic.BillService, workers int, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pipeline{
		Bills:     bills,
		Converter: NewBillConverter(),
		Workers:   workers,
		Logger:    logger.OrNop(log),
		Metrics:   m,
	}
}

// Convert submits one bill for the facility unless one already exists.
func (p *Pipeline) Convert(ctx context.Context, req ConvertRequest) (ConversionResult, error) {
	res, err := p.convert(ctx, req)
	if err != nil {
		res.Outcome = OutcomeFailed
	}
	p.Metrics.IncConversion(string(res.Outcome))
	return res, err
}

func (p *Pipeline) convert(ctx context.Context, req ConvertRequest) (ConversionResult, error) {
	br, hf, plan := req.BatchRun, req.HealthFacility, req.PaymentPlan
	res := ConversionResult{HealthFacilityID: hf.ID}
	log := logger.OrNop(p.Logger).With(
		zap.String("batch_run", string(br.ID)),
		zap.String("health_facility", string(hf.ID)),
	)

	exists, err := p.Bills.BillExists(ctx, br.ID, hf.ID)
	if err != nil {
		return res, generic.Upstream("check existing bill", err)
	}
	if exists {
		log.Info("bill already converted, skipping")
		res.Outcome = OutcomeAlreadyConverted
		return res, nil
	}

	bill, lines, ok := p.Converter.Assemble(br, hf, req.Payments, plan)
	if !ok {
		res.Outcome = OutcomeNoPayments
		return res, nil
	}

	err = p.Bills.CreateBill(ctx, generic.BillSubmission{
		Bill:           bill,
		Lines:          lines,
		ConversionKind: ConversionKind,
		User:           req.User,
	})
	if errors.Is(err, generic.ErrBillExists) {
		log.Info("bill created concurrently, skipping")
		res.Outcome = OutcomeAlreadyConverted
		return res, nil
	}
	if err != nil {
		return res, generic.Upstream("create bill", err)
	}

	log.Info("bill created",
		zap.String("bill", string(bill.ID)),
		zap.Int("lines", len(lines)),
		zap.Stringer("amount", bill.AmountTotal),
	)
	res.Outcome = OutcomeConverted
	res.BillID = bill.ID
	res.BillCode = bill.Code
	res.LineCount = len(lines)
	res.Amount = bill.AmountTotal
	return res, nil
}

// ConvertAll converts every facility of agg independently. A failing
// facility never stops the others; all failures are joined into the
// returned error and also recorded on their FacilityResult.
func (p *Pipeline) ConvertAll(ctx context.Context, facilities generic.ReferenceStore, agg *Aggregation, plan *generic.PaymentPlan) ([]FacilityResult, error) {
	results := make([]FacilityResult, len(agg.FacilityIDs))

	var g errgroup.Group
	if p.Workers > 0 {
		g.SetLimit(p.Workers)
	}
	for i, id := range agg.FacilityIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = p.convertFacility(ctx, facilities, agg, plan, id)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("health facility %s: %w", r.HealthFacilityID, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Pipeline) convertFacility(ctx context.Context, facilities generic.ReferenceStore, agg *Aggregation, plan *generic.PaymentPlan, id generic.HealthFacilityID) FacilityResult {
	fr := FacilityResult{HealthFacilityID: id}
	hf, err := facilities.GetHealthFacility(ctx, id)
	if err != nil {
		fr.Result = ConversionResult{Outcome: OutcomeFailed, HealthFacilityID: id}
		fr.Err = err
		p.Metrics.IncConversion(string(OutcomeFailed))
		return fr
	}
	fr.Result, fr.Err = p.Convert(ctx, ConvertRequest{
		BatchRun:       agg.BatchRun,
		HealthFacility: hf,
		Payments:       agg.PaymentsFor(id),
		PaymentPlan:    plan,
		User:           agg.User,
	})
	if fr.Err != nil {
		logger.OrNop(p.Logger).Error("facility conversion failed", zap.String("health_facility", string(id)), zap.Error(fr.Err))
	}
	return fr
}
