/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in generic/ and capitation/ from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Rules:
    RuleDTO (wraps factory.RuleJSON), ClassParamsDTO, ParamDTO

  Calculation:
    ApplicableRequest, CalculateRequest, ConvertRequest,
    CalculationDTO, FacilityResultDTO, ConversionDTO

  Bills:
    BillDTO, BillLineDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
  Amounts travel as fixed two-decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/factory"
	"github.com/warp/calcrule-engine/generic"
)

// =============================================================================
// RULES
// =============================================================================

// RuleDTO is the rule definition as loaded at start-up.
type RuleDTO struct {
	factory.RuleJSON
}

type ClassParamsDTO struct {
	Class      string     `json:"class"`
	Parameters []ParamDTO `json:"parameters"`
}

type ParamDTO struct {
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Label     map[string]string `json:"label,omitempty"`
	Rights    map[string]string `json:"rights,omitempty"`
	Relevance string            `json:"relevance,omitempty"`
	Condition string            `json:"condition,omitempty"`
	Default   string            `json:"default,omitempty"`
	Options   []ParamOptionDTO  `json:"options,omitempty"`
}

type ParamOptionDTO struct {
	Value string            `json:"value"`
	Label map[string]string `json:"label,omitempty"`
}

type LinkedClassesDTO struct {
	Class   string   `json:"class,omitempty"`
	Classes []string `json:"classes"`
}

// =============================================================================
// CALCULATION REQUESTS
// =============================================================================

type EntityRefDTO struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// ApplicableRequest asks which rules govern an entity in a context.
type ApplicableRequest struct {
	Entity  EntityRefDTO `json:"entity"`
	Context string       `json:"context"`
}

// CalculateRequest runs a rule for a payment plan. Period is the month.
type CalculateRequest struct {
	PaymentPlanID string `json:"payment_plan_id"`
	Context       string `json:"context"`
	AuditUserID   int    `json:"audit_user_id"`
	LocationID    string `json:"location_id"`
	Period        int    `json:"period"`
	Year          int    `json:"year"`
}

// ConvertRequest converts one facility of a batch run into a bill.
type ConvertRequest struct {
	BatchRunID       string `json:"batch_run_id"`
	HealthFacilityID string `json:"health_facility_id"`
	PaymentPlanID    string `json:"payment_plan_id"`
	AuditUserID      int    `json:"audit_user_id"`
	Context          string `json:"context"`
}

// =============================================================================
// CALCULATION RESULTS
// =============================================================================

type ScopeDTO struct {
	RegionCode   string `json:"region_code,omitempty"`
	DistrictCode string `json:"district_code,omitempty"`
}

type UserDTO struct {
	ID          string `json:"id"`
	AuditUserID int    `json:"audit_user_id"`
	Username    string `json:"username"`
}

type ConversionDTO struct {
	Outcome          string `json:"outcome"`
	HealthFacilityID string `json:"health_facility_id,omitempty"`
	BillID           string `json:"bill_id,omitempty"`
	BillCode         string `json:"bill_code,omitempty"`
	LineCount        int    `json:"line_count"`
	Amount           string `json:"amount"`
}

type FacilityResultDTO struct {
	ConversionDTO
	Error string `json:"error,omitempty"`
}

type CalculationDTO struct {
	Outcome       string              `json:"outcome"`
	Context       string              `json:"context"`
	PaymentPlanID string              `json:"payment_plan_id,omitempty"`
	BatchRunID    string              `json:"batch_run_id,omitempty"`
	Scope         *ScopeDTO           `json:"scope,omitempty"`
	User          *UserDTO            `json:"user,omitempty"`
	Facilities    []FacilityResultDTO `json:"facilities"`
}

// =============================================================================
// BILLS
// =============================================================================

type BillDTO struct {
	ID               string        `json:"id"`
	Code             string        `json:"code"`
	Subject          EntityRefDTO  `json:"subject"`
	Thirdparty       EntityRefDTO  `json:"thirdparty"`
	PaymentPlanID    string        `json:"payment_plan_id"`
	BatchRunID       string        `json:"batch_run_id"`
	HealthFacilityID string        `json:"health_facility_id"`
	DateBill         time.Time     `json:"date_bill"`
	Status           string        `json:"status"`
	AmountNet        string        `json:"amount_net"`
	AmountTotal      string        `json:"amount_total"`
	CreatedBy        *string       `json:"created_by,omitempty"`
	Lines            []BillLineDTO `json:"lines,omitempty"`
}

type BillLineDTO struct {
	ID          string       `json:"id"`
	Line        EntityRefDTO `json:"line"`
	Code        string       `json:"code"`
	Description string       `json:"description"`
	Quantity    string       `json:"quantity"`
	UnitPrice   string       `json:"unit_price"`
	AmountNet   string       `json:"amount_net"`
	AmountTotal string       `json:"amount_total"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRuleDTO(h generic.RuleHandlers) RuleDTO {
	return RuleDTO{RuleJSON: factory.ToJSON(h.Config)}
}

func toClassParamsDTOs(blocks []generic.ClassParams) []ClassParamsDTO {
	out := make([]ClassParamsDTO, 0, len(blocks))
	for _, b := range blocks {
		dto := ClassParamsDTO{Class: string(b.Class), Parameters: make([]ParamDTO, 0, len(b.Parameters))}
		for _, p := range b.Parameters {
			pd := ParamDTO{
				Type:      p.Type,
				Name:      p.Name,
				Label:     p.Label,
				Rights:    p.Rights,
				Relevance: p.Relevance,
				Condition: p.Condition,
				Default:   p.Default,
			}
			for _, o := range p.Options {
				pd.Options = append(pd.Options, ParamOptionDTO{Value: o.Value, Label: o.Label})
			}
			dto.Parameters = append(dto.Parameters, pd)
		}
		out = append(out, dto)
	}
	return out
}

func toConversionDTO(r capitation.ConversionResult) ConversionDTO {
	return ConversionDTO{
		Outcome:          string(r.Outcome),
		HealthFacilityID: string(r.HealthFacilityID),
		BillID:           string(r.BillID),
		BillCode:         r.BillCode,
		LineCount:        r.LineCount,
		Amount:           r.Amount.String(),
	}
}

func toCalculationDTO(r *capitation.CalculationResult) CalculationDTO {
	dto := CalculationDTO{
		Outcome:       string(r.Outcome),
		Context:       string(r.Context),
		PaymentPlanID: string(r.PaymentPlanID),
		BatchRunID:    string(r.BatchRunID),
		Facilities:    make([]FacilityResultDTO, 0, len(r.Facilities)),
	}
	if r.Scope.RegionCode != "" {
		dto.Scope = &ScopeDTO{RegionCode: r.Scope.RegionCode, DistrictCode: r.Scope.DistrictCode}
	}
	if r.User != nil {
		dto.User = &UserDTO{ID: string(r.User.ID), AuditUserID: r.User.AuditUserID, Username: r.User.Username}
	}
	for _, f := range r.Facilities {
		fr := FacilityResultDTO{ConversionDTO: toConversionDTO(f.Result)}
		fr.HealthFacilityID = string(f.HealthFacilityID)
		if f.Err != nil {
			fr.Error = f.Err.Error()
		}
		dto.Facilities = append(dto.Facilities, fr)
	}
	return dto
}

func toEntityRefDTO(ref generic.EntityRef) EntityRefDTO {
	return EntityRefDTO{Kind: string(ref.Kind), ID: ref.ID}
}

func toBillDTO(b generic.Bill, lines []generic.BillLineItem) BillDTO {
	dto := BillDTO{
		ID:               string(b.ID),
		Code:             b.Code,
		Subject:          toEntityRefDTO(b.Subject),
		Thirdparty:       toEntityRefDTO(b.Thirdparty),
		PaymentPlanID:    string(b.PaymentPlanID),
		BatchRunID:       string(b.BatchRunID),
		HealthFacilityID: string(b.HealthFacilityID),
		DateBill:         b.DateBill,
		Status:           string(b.Status),
		AmountNet:        b.AmountNet.String(),
		AmountTotal:      b.AmountTotal.String(),
	}
	if b.CreatedBy != nil {
		s := string(*b.CreatedBy)
		dto.CreatedBy = &s
	}
	for _, l := range lines {
		dto.Lines = append(dto.Lines, BillLineDTO{
			ID:          string(l.ID),
			Line:        toEntityRefDTO(l.Line),
			Code:        l.Code,
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			UnitPrice:   l.UnitPrice.String(),
			AmountNet:   l.AmountNet.String(),
			AmountTotal: l.AmountTotal.String(),
		})
	}
	return dto
}
