package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/calcrule-engine/generic"
)

// =============================================================================
// BILL SERVICE (generic.BillService interface)
// =============================================================================

func (s *Store) BillExists(ctx context.Context, batchRun generic.BatchRunID, facility generic.HealthFacilityID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bills WHERE batch_run_id = ? AND health_facility_id = ?",
		batchRun, facility,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check bill: %w", err)
	}
	return count > 0, nil
}

// CreateBill writes the bill and its lines in one transaction. The unique
// index on (batch_run_id, health_facility_id) turns a concurrent duplicate
// into generic.ErrBillExists.
func (s *Store) CreateBill(ctx context.Context, sub generic.BillSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	b := sub.Bill
	createdBy := sql.NullString{}
	if b.CreatedBy != nil {
		createdBy = nullString(string(*b.CreatedBy))
	} else if sub.User != nil {
		createdBy = nullString(string(sub.User.ID))
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO bills
		(id, code, subject_type, subject_id, thirdparty_type, thirdparty_id, payment_plan_id,
		 batch_run_id, health_facility_id, date_bill, status, amount_net, amount_total,
		 conversion_kind, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Code, b.Subject.Kind, b.Subject.ID, b.Thirdparty.Kind, b.Thirdparty.ID, b.PaymentPlanID,
		b.BatchRunID, b.HealthFacilityID, formatTime(b.DateBill), b.Status,
		b.AmountNet.Value.String(), b.AmountTotal.Value.String(),
		sub.ConversionKind, createdBy, formatTime(s.now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrBillExists
		}
		return fmt.Errorf("failed to insert bill: %w", err)
	}

	for _, l := range sub.Lines {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO bill_line_items
			(id, bill_id, line_type, line_id, code, description, quantity, unit_price,
			 amount_net, amount_total, batch_run_id, payment_plan_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, b.ID, l.Line.Kind, l.Line.ID, l.Code, l.Description, l.Quantity.String(),
			l.UnitPrice.Value.String(), l.AmountNet.Value.String(), l.AmountTotal.Value.String(),
			l.BatchRunID, l.PaymentPlanID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert bill line: %w", err)
		}
	}

	return sqlTx.Commit()
}

const billColumns = `id, code, subject_type, subject_id, thirdparty_type, thirdparty_id, payment_plan_id,
	batch_run_id, health_facility_id, date_bill, status, amount_net, amount_total, created_by`

func scanBill(row interface{ Scan(...any) error }) (generic.Bill, error) {
	var b generic.Bill
	var dateBill, net, total string
	var createdBy sql.NullString
	err := row.Scan(&b.ID, &b.Code, &b.Subject.Kind, &b.Subject.ID, &b.Thirdparty.Kind, &b.Thirdparty.ID,
		&b.PaymentPlanID, &b.BatchRunID, &b.HealthFacilityID, &dateBill, &b.Status, &net, &total, &createdBy)
	if err != nil {
		return b, err
	}
	if b.AmountNet, err = parseAmount(net); err != nil {
		return b, err
	}
	if b.AmountTotal, err = parseAmount(total); err != nil {
		return b, err
	}
	if t := parseNullTime(nullString(dateBill)); t != nil {
		b.DateBill = *t
	}
	if createdBy.Valid {
		id := generic.UserID(createdBy.String)
		b.CreatedBy = &id
	}
	return b, nil
}

func (s *Store) GetBill(ctx context.Context, id generic.BillID) (*generic.Bill, []generic.BillLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := scanBill(s.db.QueryRowContext(ctx, "SELECT "+billColumns+" FROM bills WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, &generic.NotFoundError{Kind: generic.KindBill, ID: string(id)}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bill: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bill_id, line_type, line_id, code, description, quantity, unit_price,
		       amount_net, amount_total, batch_run_id, payment_plan_id
		FROM bill_line_items WHERE bill_id = ? ORDER BY code`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query bill lines: %w", err)
	}
	defer rows.Close()

	var lines []generic.BillLineItem
	for rows.Next() {
		var l generic.BillLineItem
		var qty, unit, net, total string
		if err := rows.Scan(&l.ID, &l.BillID, &l.Line.Kind, &l.Line.ID, &l.Code, &l.Description,
			&qty, &unit, &net, &total, &l.BatchRunID, &l.PaymentPlanID); err != nil {
			return nil, nil, err
		}
		if l.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, nil, fmt.Errorf("bill line %s: %w", l.ID, err)
		}
		if l.UnitPrice, err = parseAmount(unit); err != nil {
			return nil, nil, err
		}
		if l.AmountNet, err = parseAmount(net); err != nil {
			return nil, nil, err
		}
		if l.AmountTotal, err = parseAmount(total); err != nil {
			return nil, nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &b, lines, nil
}

func (s *Store) ListBills(ctx context.Context, filter generic.BillFilter) ([]generic.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.BatchRunID != nil {
		where = append(where, "batch_run_id = ?")
		args = append(args, *filter.BatchRunID)
	}
	if filter.HealthFacilityID != nil {
		where = append(where, "health_facility_id = ?")
		args = append(args, *filter.HealthFacilityID)
	}
	if filter.PaymentPlanID != nil {
		where = append(where, "payment_plan_id = ?")
		args = append(args, *filter.PaymentPlanID)
	}
	query := "SELECT " + billColumns + " FROM bills"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY code"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []generic.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// =============================================================================
// SEEDING - Reference and batch data (scenarios, tests)
// =============================================================================

func (s *Store) SaveLocation(ctx context.Context, l generic.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parentID sql.NullString
	if l.ParentID != nil {
		parentID = nullString(string(*l.ParentID))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, code, name, type, parent_id, valid_to)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code, name = excluded.name, type = excluded.type,
			parent_id = excluded.parent_id, valid_to = excluded.valid_to`,
		l.ID, l.Code, l.Name, l.Type, parentID, nullTime(l.ValidTo),
	)
	return err
}

func (s *Store) SaveProduct(ctx context.Context, p generic.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locationID sql.NullString
	if p.LocationID != nil {
		locationID = nullString(string(*p.LocationID))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, location_id, valid_to)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code, name = excluded.name,
			location_id = excluded.location_id, valid_to = excluded.valid_to`,
		p.ID, p.Code, p.Name, locationID, nullTime(p.ValidTo),
	)
	return err
}

func (s *Store) SavePaymentPlan(ctx context.Context, p generic.PaymentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_plans (id, code, name, product_id, calculation, periodicity, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code, name = excluded.name, product_id = excluded.product_id,
			calculation = excluded.calculation, periodicity = excluded.periodicity,
			is_deleted = excluded.is_deleted`,
		p.ID, p.Code, p.Name, p.ProductID, p.Calculation, p.Periodicity, p.IsDeleted,
	)
	return err
}

func (s *Store) SaveHealthFacility(ctx context.Context, h generic.HealthFacility) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_facilities (id, code, name, location_id, level)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code, name = excluded.name,
			location_id = excluded.location_id, level = excluded.level`,
		h.ID, h.Code, h.Name, h.LocationID, h.Level,
	)
	return err
}

func (s *Store) SaveUser(ctx context.Context, u generic.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, audit_user_id, username)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			audit_user_id = excluded.audit_user_id, username = excluded.username`,
		u.ID, u.AuditUserID, u.Username,
	)
	return err
}

func (s *Store) SaveBatchRun(ctx context.Context, b generic.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (id, year, month, location_id, run_date, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			year = excluded.year, month = excluded.month, location_id = excluded.location_id,
			run_date = excluded.run_date, closed_at = excluded.closed_at`,
		b.ID, b.Year, b.Month, b.LocationID, formatTime(b.RunDate), nullTime(b.ClosedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("batch run %s: another open run exists for %04d-%02d at %s: %w",
			b.ID, b.Year, b.Month, b.LocationID, err)
	}
	return err
}

func (s *Store) SaveCapitationPayment(ctx context.Context, c generic.CapitationPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capitation_payments
		(id, product_id, region_code, district_code, year, month, health_facility_id, total_adjusted, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id, region_code = excluded.region_code,
			district_code = excluded.district_code, year = excluded.year, month = excluded.month,
			health_facility_id = excluded.health_facility_id,
			total_adjusted = excluded.total_adjusted, closed_at = excluded.closed_at`,
		c.ID, c.ProductID, c.RegionCode, c.DistrictCode, c.Year, c.Month,
		c.HealthFacilityID, c.TotalAdjusted.Value.String(), nullTime(c.ClosedAt),
	)
	return err
}
