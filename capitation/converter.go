package capitation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/calcrule-engine/generic"
)

// BillConverter builds bill documents. Now and NewID are injectable so that
// tests get stable output.
type BillConverter struct {
	Now   func() time.Time
	NewID func() string
}

func NewBillConverter() BillConverter {
	return BillConverter{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() string { return uuid.NewString() },
	}
}

// BatchRunToBill builds the bill header for one facility of a batch run.
// Amounts are left at zero; Assemble fills them from the lines.
func (c BillConverter) BatchRunToBill(br *generic.BatchRun, hf *generic.HealthFacility, plan *generic.PaymentPlan) generic.Bill {
	return generic.Bill{
		ID:               generic.BillID(c.NewID()),
		Code:             fmt.Sprintf("CP-%s-%s-%04d%02d", plan.Code, hf.Code, br.Year, br.Month),
		Subject:          generic.RefOf(br),
		Thirdparty:       generic.RefOf(hf),
		PaymentPlanID:    plan.ID,
		BatchRunID:       br.ID,
		HealthFacilityID: hf.ID,
		DateBill:         c.Now(),
		Status:           generic.BillValidated,
	}
}

// CapitationPaymentToLine builds one bill line from a capitation payment.
func (c BillConverter) CapitationPaymentToLine(cp *generic.CapitationPayment, br *generic.BatchRun, plan *generic.PaymentPlan) generic.BillLineItem {
	return generic.BillLineItem{
		ID:            generic.BillLineItemID(c.NewID()),
		Line:          generic.RefOf(cp),
		Code:          string(cp.ID),
		Description:   fmt.Sprintf("Capitation payment %04d-%02d", cp.Year, cp.Month),
		Quantity:      decimal.NewFromInt(1),
		UnitPrice:     cp.TotalAdjusted,
		AmountNet:     cp.TotalAdjusted,
		AmountTotal:   cp.TotalAdjusted,
		BatchRunID:    br.ID,
		PaymentPlanID: plan.ID,
	}
}

// Assemble builds the bill and one line per convertible payment. The second
// return is false when no payment qualifies.
func (c BillConverter) Assemble(br *generic.BatchRun, hf *generic.HealthFacility, payments []generic.CapitationPayment, plan *generic.PaymentPlan) (generic.Bill, []generic.BillLineItem, bool) {
	bill := c.BatchRunToBill(br, hf, plan)
	total := generic.Amount{Value: decimal.Zero}
	var lines []generic.BillLineItem
	for i := range payments {
		cp := &payments[i]
		if !cp.Convertible() || cp.HealthFacilityID != hf.ID {
			continue
		}
		line := c.CapitationPaymentToLine(cp, br, plan)
		line.BillID = bill.ID
		lines = append(lines, line)
		total = total.Add(line.AmountTotal)
	}
	bill.AmountNet = total
	bill.AmountTotal = total
	return bill, lines, len(lines) > 0
}
