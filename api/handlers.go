/*
handlers.go - HTTP request handlers for the calculation rule API

PURPOSE:
  Implements all REST API endpoints. Handlers decode requests, load the
  entities they reference from the store, dispatch to the rule registry and
  map results and errors to JSON responses.

ARCHITECTURE:

	HTTP Request -> Handler -> generic.Registry -> capitation.Rule -> Store
	                  |
	             JSON Response

ENDPOINTS:
  Rules:
    GET  /api/rules                        - List registered rules
    GET  /api/rules/{id}                   - Rule metadata
    GET  /api/rules/{id}/parameters        - Extra fields per class (?class=)
    GET  /api/rules/{id}/details           - Parameter block of one class (?class=)
    GET  /api/rules/{id}/linked-classes    - Classes referenced by a class (?class=)
    POST /api/rules/applicable             - Rules governing an entity in a context
    POST /api/rules/{id}/calculate         - Run a calculation for a payment plan
    POST /api/rules/{id}/convert           - Convert one facility of a batch run

  Bills:
    GET  /api/bills                        - List bills (?batch_run_id=, ?health_facility_id=, ?payment_plan_id=)
    GET  /api/bills/{id}                   - Bill with its lines

  Scenarios:
    GET  /api/scenarios                    - List demo scenarios
    GET  /api/scenarios/current            - Currently loaded scenario
    POST /api/scenarios/load               - Load a scenario
    POST /api/scenarios/reset              - Clear all data

ERROR HANDLING:
  All errors return JSON: {"error": "message", "details": "..."}
  - 400: Bad request (invalid JSON, unknown context or class, bad period)
  - 404: Rule or entity not found
  - 409: Conflict (bill already exists)
  - 500: Internal server error

  Routing outcomes (not_applicable, no_batch_run, already_converted, ...)
  are successful responses carrying an "outcome" field.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
  - generic/registry.go: Rule dispatch
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/logger"
	"github.com/warp/calcrule-engine/store/sqlite"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Registry *generic.Registry
	Logger   *zap.Logger

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, registry *generic.Registry, log *zap.Logger) *Handler {
	return &Handler{
		Store:    store,
		Registry: registry,
		Logger:   logger.OrNop(log).Named("api"),
	}
}

// =============================================================================
// RULE FACADE
// =============================================================================

// ListRules returns every registered rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.Registry.List()
	dtos := make([]RuleDTO, 0, len(rules))
	for _, rh := range rules {
		dtos = append(dtos, toRuleDTO(rh))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns the metadata of one rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rh, ok := h.lookupRule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rh))
}

// GetRuleParameters returns the parameter blocks a rule adds to classes.
// Without ?class= every block is returned; an unknown class yields none.
func (h *Handler) GetRuleParameters(w http.ResponseWriter, r *http.Request) {
	rh, ok := h.lookupRule(w, r)
	if !ok {
		return
	}
	class := generic.EntityKind(r.URL.Query().Get("class"))
	writeJSON(w, http.StatusOK, toClassParamsDTOs(rh.Parameters(class)))
}

// GetRuleDetails returns the parameter block the rule defines for ?class=.
func (h *Handler) GetRuleDetails(w http.ResponseWriter, r *http.Request) {
	rh, ok := h.lookupRule(w, r)
	if !ok {
		return
	}
	class := r.URL.Query().Get("class")
	if class == "" {
		writeError(w, http.StatusBadRequest, "class is required", nil)
		return
	}
	if rh.Details == nil {
		writeError(w, http.StatusNotFound, "rule has no class details", nil)
		return
	}
	block, found := rh.Details(generic.EntityKind(class))
	if !found {
		writeError(w, http.StatusNotFound, "no details for class "+class, nil)
		return
	}
	writeJSON(w, http.StatusOK, toClassParamsDTOs([]generic.ClassParams{block})[0])
}

// GetLinkedClasses returns the classes referenced by ?class=.
func (h *Handler) GetLinkedClasses(w http.ResponseWriter, r *http.Request) {
	rh, ok := h.lookupRule(w, r)
	if !ok {
		return
	}

	var class *generic.EntityKind
	if q := r.URL.Query().Get("class"); q != "" {
		k := generic.EntityKind(q)
		class = &k
	}
	resp := LinkedClassesDTO{Classes: rh.LinkedClasses(class)}
	if class != nil {
		resp.Class = string(*class)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApplicableRules lists the rules whose gate accepts the entity in the
// given context.
func (h *Handler) ApplicableRules(w http.ResponseWriter, r *http.Request) {
	var req ApplicableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	calcCtx, err := generic.ParseCalcContext(req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid context", err)
		return
	}
	kind, err := generic.ParseEntityKind(req.Entity.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid entity kind", err)
		return
	}
	if req.Entity.ID == "" {
		writeError(w, http.StatusBadRequest, "entity.id is required", nil)
		return
	}

	entity, err := generic.LoadEntity(r.Context(), h.Store, generic.EntityRef{Kind: kind, ID: req.Entity.ID})
	if err != nil {
		h.writeDomainError(w, "Failed to load entity", err)
		return
	}

	rules, err := h.Registry.Applicable(r.Context(), entity, calcCtx)
	if err != nil {
		h.writeDomainError(w, "Failed to evaluate rules", err)
		return
	}

	dtos := make([]RuleDTO, 0, len(rules))
	for _, rh := range rules {
		dtos = append(dtos, toRuleDTO(rh))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CALCULATE / CONVERT
// =============================================================================

// Calculate runs a rule for a payment plan.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	rh, ok := h.lookupRule(w, r)
	if !ok {
		return
	}

	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PaymentPlanID == "" {
		writeError(w, http.StatusBadRequest, "payment_plan_id is required", nil)
		return
	}
	calcCtx, err := generic.ParseCalcContext(req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid context", err)
		return
	}

	plan, err := h.Store.GetPaymentPlan(r.Context(), generic.PaymentPlanID(req.PaymentPlanID))
	if err != nil {
		h.writeDomainError(w, "Failed to load payment plan", err)
		return
	}

	// The rule validates the period; only BatchPayment needs one.
	result, err := rh.Calculate(r.Context(), plan, generic.CalcRequest{
		Context:     calcCtx,
		AuditUserID: req.AuditUserID,
		LocationID:  generic.LocationID(req.LocationID),
		Period:      generic.Period{Year: req.Year, Month: req.Period},
	})
	cr, _ := result.(*capitation.CalculationResult)
	if err != nil && (cr == nil || len(cr.Facilities) == 0) {
		h.writeDomainError(w, "Calculation failed", err)
		return
	}
	if err != nil {
		// Per-facility failures are reported in the body next to the
		// facilities that did convert.
		logger.OrNop(h.Logger).Warn("calculation finished with failed facilities",
			zap.String("payment_plan", req.PaymentPlanID), zap.Error(err))
	}

	if cr != nil {
		writeJSON(w, http.StatusOK, toCalculationDTO(cr))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Convert converts the capitation payments of one facility into a bill.
// Returns 201 when a bill was created, 200 for every other outcome.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	rh, ok := h.lookupRule(w, r)
	if !ok {
		return
	}
	if rh.Convert == nil {
		writeError(w, http.StatusBadRequest, "Rule does not convert", nil)
		return
	}

	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BatchRunID == "" || req.HealthFacilityID == "" || req.PaymentPlanID == "" {
		writeError(w, http.StatusBadRequest, "batch_run_id, health_facility_id and payment_plan_id are required", nil)
		return
	}
	calcCtx := generic.ContextBatchPayment
	if req.Context != "" {
		var err error
		if calcCtx, err = generic.ParseCalcContext(req.Context); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid context", err)
			return
		}
	}

	br, err := h.Store.GetBatchRun(r.Context(), generic.BatchRunID(req.BatchRunID))
	if err != nil {
		h.writeDomainError(w, "Failed to load batch run", err)
		return
	}

	result, err := rh.Convert(r.Context(), generic.ConvertRequest{
		Context:          calcCtx,
		Source:           br,
		ConvertTo:        generic.KindBill,
		HealthFacilityID: generic.HealthFacilityID(req.HealthFacilityID),
		PaymentPlanID:    generic.PaymentPlanID(req.PaymentPlanID),
		AuditUserID:      req.AuditUserID,
	})
	if err != nil {
		h.writeDomainError(w, "Conversion failed", err)
		return
	}

	cr, ok := result.(capitation.ConversionResult)
	if !ok {
		writeJSON(w, http.StatusOK, result)
		return
	}
	status := http.StatusOK
	if cr.Outcome == capitation.OutcomeConverted {
		status = http.StatusCreated
	}
	writeJSON(w, status, toConversionDTO(cr))
}

// =============================================================================
// BILLS
// =============================================================================

// ListBills returns bills, optionally filtered.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter generic.BillFilter
	if v := q.Get("batch_run_id"); v != "" {
		id := generic.BatchRunID(v)
		filter.BatchRunID = &id
	}
	if v := q.Get("health_facility_id"); v != "" {
		id := generic.HealthFacilityID(v)
		filter.HealthFacilityID = &id
	}
	if v := q.Get("payment_plan_id"); v != "" {
		id := generic.PaymentPlanID(v)
		filter.PaymentPlanID = &id
	}

	bills, err := h.Store.ListBills(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list bills", err)
		return
	}

	dtos := make([]BillDTO, 0, len(bills))
	for _, b := range bills {
		dtos = append(dtos, toBillDTO(b, nil))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBill returns a bill with its lines.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	bill, lines, err := h.Store.GetBill(r.Context(), generic.BillID(id))
	if err != nil {
		h.writeDomainError(w, "Failed to load bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(*bill, lines))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) lookupRule(w http.ResponseWriter, r *http.Request) (generic.RuleHandlers, bool) {
	id := chi.URLParam(r, "id")
	rh, err := h.Registry.Get(generic.RuleID(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Rule not found", err)
		return generic.RuleHandlers{}, false
	}
	return rh, true
}

// writeDomainError maps engine errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		fields := []zap.Field{zap.Error(err)}
		var ue *generic.UpstreamError
		if errors.As(err, &ue) {
			fields = append(fields, zap.String("upstream_op", ue.Op))
		}
		logger.OrNop(h.Logger).Error(message, fields...)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
