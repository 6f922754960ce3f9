/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store (reference data, batch runs, capitation payments,
  users, report submissions and bills) on SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.ReferenceStore:  Locations, products, payment plans, facilities
  generic.BatchRunStore:   Batch runs
  generic.CapitationStore: Capitation payments
  generic.UserDirectory:   Audit user lookup
  generic.ReportSubmitter: Capitation report submission (idempotent)
  generic.BillService:     Bills and bill lines

KEY TABLES:
  locations, products, payment_plans, health_facilities, users
  batch_runs:           One open run per (year, month, location)
  capitation_payments:  Report output, keyed by region/district code
  bills:                UNIQUE(batch_run_id, health_facility_id)
  bill_line_items:      Lines of a bill
  report_submissions:   One row per (location, year, month)

BILL UNIQUENESS:
  The bills unique index is the write-time guard against two conversions of
  the same facility of the same batch run. A violation is reported as
  generic.ErrBillExists.

AMOUNTS:
  Stored as decimal TEXT. Positivity of capitation amounts is checked in Go
  after the query, together with the rest of the filter.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/calcrule.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). Open() wraps an existing *sql.DB and
  does not migrate.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/calcrule-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := Open(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Open wraps an already opened database. The schema must exist.
func Open(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		parent_id TEXT,
		valid_to TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_locations_parent ON locations(parent_id);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		location_id TEXT,
		valid_to TEXT
	);
	-- Hot path of the hierarchy resolver
	CREATE INDEX IF NOT EXISTS idx_products_location_active
		ON products(location_id) WHERE valid_to IS NULL;

	CREATE TABLE IF NOT EXISTS payment_plans (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		product_id TEXT NOT NULL,
		calculation TEXT NOT NULL,
		periodicity INTEGER NOT NULL DEFAULT 1,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_payment_plans_product
		ON payment_plans(product_id) WHERE is_deleted = 0;

	CREATE TABLE IF NOT EXISTS health_facilities (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		location_id TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		audit_user_id INTEGER NOT NULL UNIQUE,
		username TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batch_runs (
		id TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		location_id TEXT NOT NULL,
		run_date TEXT NOT NULL,
		closed_at TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_runs_open
		ON batch_runs(year, month, location_id) WHERE closed_at IS NULL;

	CREATE TABLE IF NOT EXISTS capitation_payments (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		region_code TEXT NOT NULL,
		district_code TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		health_facility_id TEXT NOT NULL,
		total_adjusted TEXT NOT NULL,
		closed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_capitation_scope
		ON capitation_payments(product_id, year, month, region_code, district_code);

	CREATE TABLE IF NOT EXISTS report_submissions (
		location_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		audit_user_id INTEGER NOT NULL,
		submitted_at TEXT NOT NULL,
		PRIMARY KEY (location_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		thirdparty_type TEXT NOT NULL,
		thirdparty_id TEXT NOT NULL,
		payment_plan_id TEXT NOT NULL,
		batch_run_id TEXT NOT NULL,
		health_facility_id TEXT NOT NULL,
		date_bill TEXT NOT NULL,
		status TEXT NOT NULL,
		amount_net TEXT NOT NULL,
		amount_total TEXT NOT NULL,
		conversion_kind TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);
	-- CRITICAL: one bill per batch run and facility
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_batch_run_facility
		ON bills(batch_run_id, health_facility_id);

	CREATE TABLE IF NOT EXISTS bill_line_items (
		id TEXT PRIMARY KEY,
		bill_id TEXT NOT NULL REFERENCES bills(id) ON DELETE CASCADE,
		line_type TEXT NOT NULL,
		line_id TEXT NOT NULL,
		code TEXT NOT NULL,
		description TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		amount_net TEXT NOT NULL,
		amount_total TEXT NOT NULL,
		batch_run_id TEXT NOT NULL,
		payment_plan_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bill_lines_bill ON bill_line_items(bill_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REFERENCE STORE (generic.ReferenceStore interface)
// =============================================================================

func (s *Store) GetLocation(ctx context.Context, id generic.LocationID) (*generic.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var l generic.Location
	var parentID, validTo sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, code, name, type, parent_id, valid_to FROM locations WHERE id = ?", id,
	).Scan(&l.ID, &l.Code, &l.Name, &l.Type, &parentID, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: generic.KindLocation, ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load location: %w", err)
	}
	if parentID.Valid {
		p := generic.LocationID(parentID.String)
		l.ParentID = &p
	}
	l.ValidTo = parseNullTime(validTo)
	return &l, nil
}

const productColumns = "id, code, name, location_id, valid_to"

func scanProduct(row interface{ Scan(...any) error }) (generic.Product, error) {
	var p generic.Product
	var locationID, validTo sql.NullString
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &locationID, &validTo); err != nil {
		return p, err
	}
	if locationID.Valid {
		l := generic.LocationID(locationID.String)
		p.LocationID = &l
	}
	p.ValidTo = parseNullTime(validTo)
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id generic.ProductID) (*generic.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanProduct(s.db.QueryRowContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: generic.KindProduct, ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return &p, nil
}

func (s *Store) ActiveProductsByLocation(ctx context.Context, id generic.LocationID) ([]generic.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE location_id = ? AND valid_to IS NULL ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []generic.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

const planColumns = "id, code, name, product_id, calculation, periodicity, is_deleted"

func scanPlan(row interface{ Scan(...any) error }) (generic.PaymentPlan, error) {
	var p generic.PaymentPlan
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.ProductID, &p.Calculation, &p.Periodicity, &p.IsDeleted)
	return p, err
}

func (s *Store) GetPaymentPlan(ctx context.Context, id generic.PaymentPlanID) (*generic.PaymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPlan(s.db.QueryRowContext(ctx,
		"SELECT "+planColumns+" FROM payment_plans WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: generic.KindPaymentPlan, ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment plan: %w", err)
	}
	return &p, nil
}

func (s *Store) ActivePaymentPlansByProduct(ctx context.Context, id generic.ProductID) ([]generic.PaymentPlan, error) {
	return s.queryPlans(ctx,
		"SELECT "+planColumns+" FROM payment_plans WHERE product_id = ? AND is_deleted = 0 ORDER BY id", id)
}

func (s *Store) ListPaymentPlans(ctx context.Context) ([]generic.PaymentPlan, error) {
	return s.queryPlans(ctx,
		"SELECT "+planColumns+" FROM payment_plans WHERE is_deleted = 0 ORDER BY id")
}

func (s *Store) queryPlans(ctx context.Context, query string, args ...any) ([]generic.PaymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment plans: %w", err)
	}
	defer rows.Close()

	var plans []generic.PaymentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *Store) GetHealthFacility(ctx context.Context, id generic.HealthFacilityID) (*generic.HealthFacility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var h generic.HealthFacility
	err := s.db.QueryRowContext(ctx,
		"SELECT id, code, name, location_id, level FROM health_facilities WHERE id = ?", id,
	).Scan(&h.ID, &h.Code, &h.Name, &h.LocationID, &h.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: generic.KindHealthFacility, ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load health facility: %w", err)
	}
	return &h, nil
}

// =============================================================================
// BATCH DATA (generic.BatchRunStore, generic.CapitationStore)
// =============================================================================

const batchRunColumns = "id, year, month, location_id, run_date, closed_at"

func scanBatchRun(row interface{ Scan(...any) error }) (generic.BatchRun, error) {
	var b generic.BatchRun
	var runDate string
	var closedAt sql.NullString
	if err := row.Scan(&b.ID, &b.Year, &b.Month, &b.LocationID, &runDate, &closedAt); err != nil {
		return b, err
	}
	b.RunDate, _ = time.Parse(time.RFC3339, runDate)
	b.ClosedAt = parseNullTime(closedAt)
	return b, nil
}

func (s *Store) GetBatchRun(ctx context.Context, id generic.BatchRunID) (*generic.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := scanBatchRun(s.db.QueryRowContext(ctx,
		"SELECT "+batchRunColumns+" FROM batch_runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: generic.KindBatchRun, ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch run: %w", err)
	}
	return &b, nil
}

// OpenBatchRun returns nil, nil when no open run exists for the key.
func (s *Store) OpenBatchRun(ctx context.Context, period generic.Period, location generic.LocationID) (*generic.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := scanBatchRun(s.db.QueryRowContext(ctx,
		"SELECT "+batchRunColumns+" FROM batch_runs WHERE year = ? AND month = ? AND location_id = ? AND closed_at IS NULL",
		period.Year, period.Month, location))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open batch run: %w", err)
	}
	return &b, nil
}

func (s *Store) ListOpenBatchRuns(ctx context.Context) ([]generic.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+batchRunColumns+" FROM batch_runs WHERE closed_at IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query batch runs: %w", err)
	}
	defer rows.Close()

	var runs []generic.BatchRun
	for rows.Next() {
		b, err := scanBatchRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, b)
	}
	return runs, rows.Err()
}

// CapitationPayments runs a single query for the filter's scope.
func (s *Store) CapitationPayments(ctx context.Context, filter generic.CapitationFilter) ([]generic.CapitationPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, product_id, region_code, district_code, year, month,
		       health_facility_id, total_adjusted, closed_at
		FROM capitation_payments
		WHERE product_id = ? AND year = ? AND month = ? AND closed_at IS NULL
		  AND region_code = ?`
	args := []any{filter.ProductID, filter.Period.Year, filter.Period.Month, filter.RegionCode}
	if filter.IsDistrictScoped() {
		query += " AND district_code = ?"
		args = append(args, filter.DistrictCode)
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query capitation payments: %w", err)
	}
	defer rows.Close()

	var out []generic.CapitationPayment
	for rows.Next() {
		var c generic.CapitationPayment
		var total string
		var closedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.ProductID, &c.RegionCode, &c.DistrictCode, &c.Year, &c.Month,
			&c.HealthFacilityID, &total, &closedAt); err != nil {
			return nil, err
		}
		amount, err := parseAmount(total)
		if err != nil {
			return nil, fmt.Errorf("capitation payment %s: %w", c.ID, err)
		}
		c.TotalAdjusted = amount
		c.ClosedAt = parseNullTime(closedAt)
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

// =============================================================================
// USERS AND REPORTS
// =============================================================================

// UserByAuditID returns nil, nil when no user carries the audit id.
func (s *Store) UserByAuditID(ctx context.Context, auditUserID int) (*generic.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u generic.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, audit_user_id, username FROM users WHERE audit_user_id = ?", auditUserID,
	).Scan(&u.ID, &u.AuditUserID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// SubmitCapitationReport records the request once per location and period.
// Capitation payments themselves are loaded by the report computation,
// which is outside this process.
func (s *Store) SubmitCapitationReport(ctx context.Context, auditUserID int, location generic.LocationID, period generic.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_submissions (location_id, year, month, audit_user_id, submitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(location_id, year, month) DO NOTHING`,
		location, period.Year, period.Month, auditUserID, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record report submission: %w", err)
	}
	return nil
}

// ReportSubmission is one row of report_submissions.
type ReportSubmission struct {
	LocationID  generic.LocationID
	Period      generic.Period
	AuditUserID int
	SubmittedAt time.Time
}

func (s *Store) ListReportSubmissions(ctx context.Context) ([]ReportSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT location_id, year, month, audit_user_id, submitted_at FROM report_submissions ORDER BY submitted_at, location_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query report submissions: %w", err)
	}
	defer rows.Close()

	var out []ReportSubmission
	for rows.Next() {
		var r ReportSubmission
		var submittedAt string
		if err := rows.Scan(&r.LocationID, &r.Period.Year, &r.Period.Month, &r.AuditUserID, &submittedAt); err != nil {
			return nil, err
		}
		r.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"bill_line_items", "bills", "report_submissions", "capitation_payments",
		"batch_runs", "users", "health_facilities", "payment_plans", "products", "locations",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseAmount(value string) (generic.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return generic.Amount{Value: d}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var _ generic.Store = (*Store)(nil)
