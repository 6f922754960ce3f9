/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with the
	reference and batch data a capitation calculation needs: locations,
	products, payment plans, facilities, users, batch runs and the
	capitation payments produced by the report step.

AVAILABLE SCENARIOS:

	capitation-basic: One district batch run; F1 has two positive payments,
	                  F2 only a zero one and gets no bill.
	district-scope:   One region with two districts. A district batch run
	                  only sees its district's payments; a region batch run
	                  sees every payment of the region.

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed locations, products, plans, facilities, users
 3. Seed batch runs and capitation payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "capitation-basic"}

	POST /api/rules/{capitation rule id}/calculate
	{"payment_plan_id": "pp-cap", "context": "BatchPayment",
	 "audit_user_id": 1, "location_id": "10", "period": 6, "year": 2023}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description and loader

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - capitation/aggregator.go: How the batch data is read back
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s *sqlite.Store) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "capitation-basic",
			Name:        "Capitation Basic",
			Description: "District batch run for 2023-06; zero-amount payments are not billed",
		},
		load: loadCapitationBasic,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "district-scope",
			Name:        "District vs Region Scope",
			Description: "Region product with district and region batch runs for 2023-06",
		},
		load: loadDistrictScope,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, map[string]any{"scenario": s.ScenarioDTO})
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	if err := h.loadScenario(r.Context(), s); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": s.ID})
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := s.load(ctx, h.Store); err != nil {
		return fmt.Errorf("load %s: %w", s.ID, err)
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	if h.Logger != nil {
		h.Logger.Info("scenario loaded", zap.String("scenario", s.ID))
	}
	return nil
}

// =============================================================================
// SEED DATA
// =============================================================================

// seed collects the first error so loaders read as a flat list.
type seed struct {
	ctx context.Context
	s   *sqlite.Store
	err error
}

func (sd *seed) do(f func() error) {
	if sd.err == nil {
		sd.err = f()
	}
}

func (sd *seed) location(l generic.Location) {
	sd.do(func() error { return sd.s.SaveLocation(sd.ctx, l) })
}

func (sd *seed) product(p generic.Product) {
	sd.do(func() error { return sd.s.SaveProduct(sd.ctx, p) })
}

func (sd *seed) plan(p generic.PaymentPlan) {
	sd.do(func() error { return sd.s.SavePaymentPlan(sd.ctx, p) })
}

func (sd *seed) facility(f generic.HealthFacility) {
	sd.do(func() error { return sd.s.SaveHealthFacility(sd.ctx, f) })
}

func (sd *seed) user(u generic.User) {
	sd.do(func() error { return sd.s.SaveUser(sd.ctx, u) })
}

func (sd *seed) batchRun(b generic.BatchRun) {
	sd.do(func() error { return sd.s.SaveBatchRun(sd.ctx, b) })
}

func (sd *seed) payment(c generic.CapitationPayment) {
	sd.do(func() error { return sd.s.SaveCapitationPayment(sd.ctx, c) })
}

func locationRef(id string) *generic.LocationID {
	l := generic.LocationID(id)
	return &l
}

// seedRegion adds region R1 (id 1) with district D1 (id 10) and the
// demo user with audit id 1.
func seedRegion(sd *seed) {
	sd.location(generic.Location{ID: "1", Code: "R1", Name: "Region One", Type: generic.LocationRegion})
	sd.location(generic.Location{ID: "10", Code: "D1", Name: "District One", Type: generic.LocationDistrict, ParentID: locationRef("1")})
	sd.location(generic.Location{ID: "100", Code: "W1", Name: "Ward One", Type: generic.LocationWard, ParentID: locationRef("10")})
	sd.user(generic.User{ID: "user-admin", AuditUserID: 1, Username: "admin"})
}

func loadCapitationBasic(ctx context.Context, s *sqlite.Store) error {
	sd := &seed{ctx: ctx, s: s}
	seedRegion(sd)

	sd.product(generic.Product{ID: "prod-cap", Code: "CAP", Name: "Capitation product", LocationID: locationRef("10")})
	sd.plan(generic.PaymentPlan{ID: "pp-cap", Code: "PPCAP", Name: "Capitation plan", ProductID: "prod-cap", Calculation: capitation.RuleID, Periodicity: 1})

	sd.facility(generic.HealthFacility{ID: "hf-1", Code: "F1", Name: "Facility One", LocationID: "10", Level: "D"})
	sd.facility(generic.HealthFacility{ID: "hf-2", Code: "F2", Name: "Facility Two", LocationID: "100", Level: "C"})

	sd.batchRun(generic.BatchRun{ID: "br-2023-06-d1", Year: 2023, Month: 6, LocationID: "10", RunDate: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)})

	pay := func(id string, hf generic.HealthFacilityID, v float64) generic.CapitationPayment {
		return generic.CapitationPayment{
			ID: generic.CapitationPaymentID(id), ProductID: "prod-cap", RegionCode: "R1", DistrictCode: "D1",
			Year: 2023, Month: 6, HealthFacilityID: hf, TotalAdjusted: generic.NewAmount(v),
		}
	}
	sd.payment(pay("cp-1", "hf-1", 100))
	sd.payment(pay("cp-2", "hf-1", 50))
	sd.payment(pay("cp-3", "hf-2", 0))

	return sd.err
}

func loadDistrictScope(ctx context.Context, s *sqlite.Store) error {
	sd := &seed{ctx: ctx, s: s}
	seedRegion(sd)
	sd.location(generic.Location{ID: "11", Code: "D2", Name: "District Two", Type: generic.LocationDistrict, ParentID: locationRef("1")})

	sd.product(generic.Product{ID: "prod-reg", Code: "REG", Name: "Regional capitation product", LocationID: locationRef("1")})
	sd.plan(generic.PaymentPlan{ID: "pp-reg", Code: "PPREG", Name: "Regional capitation plan", ProductID: "prod-reg", Calculation: capitation.RuleID, Periodicity: 1})

	sd.facility(generic.HealthFacility{ID: "hf-1", Code: "F1", Name: "Facility One", LocationID: "10", Level: "D"})
	sd.facility(generic.HealthFacility{ID: "hf-3", Code: "F3", Name: "Facility Three", LocationID: "11", Level: "D"})
	sd.facility(generic.HealthFacility{ID: "hf-4", Code: "F4", Name: "Regional Hospital", LocationID: "1", Level: "H"})

	runDate := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	sd.batchRun(generic.BatchRun{ID: "br-2023-06-d1", Year: 2023, Month: 6, LocationID: "10", RunDate: runDate})
	sd.batchRun(generic.BatchRun{ID: "br-2023-06-r1", Year: 2023, Month: 6, LocationID: "1", RunDate: runDate})

	pay := func(id, district string, hf generic.HealthFacilityID, v float64) generic.CapitationPayment {
		return generic.CapitationPayment{
			ID: generic.CapitationPaymentID(id), ProductID: "prod-reg", RegionCode: "R1", DistrictCode: district,
			Year: 2023, Month: 6, HealthFacilityID: hf, TotalAdjusted: generic.NewAmount(v),
		}
	}
	sd.payment(pay("cp-d1", "D1", "hf-1", 80))
	sd.payment(pay("cp-d2", "D2", "hf-3", 60))
	sd.payment(pay("cp-r1", "", "hf-4", 40))

	return sd.err
}
