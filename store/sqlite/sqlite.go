/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements fleet.TxStore using SQLite. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  vehicles:           Fleet vehicles (read-mostly)
  bookings:           Source-of-truth rental intervals
  pricing_rules:      Dated daily-rate rules
  availability_cache: Materialized (vehicle, day) occupancy rows
  conflicts:          First-class conflict rows, conditionally resolvable
  sync_runs:          One row per orchestrator invocation
  sync_run_items:     Itemized per-vehicle results of a run
  resolutions:        Append-only resolution audit log

GENERATION SWAP:
  ReplaceRange installs a rebuilt availability range without an observable
  empty window: new rows are upserted under a fresh generation number and
  stale COMPUTED rows of older generations are removed in the same
  transaction. Rows tagged MANUAL_RESOLUTION are never replaced unless the
  caller forces it. There is no delete-then-insert rebuild anywhere.

CONDITIONAL RESOLVE:
  MarkConflictResolved issues UPDATE ... WHERE id = ? AND resolved = 0 and
  inspects RowsAffected. Zero rows means either a missing conflict or one
  already resolved; the two are distinguished with a follow-up read. This
  row-level guard makes resolutions idempotent under concurrent operators.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, plus WAL mode:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/fleet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - fleet/store.go: Interface definitions
  - fleet/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/fleet-sync/fleet"
)

// Store implements fleet.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Vehicles (owned by the listings system; read-mostly here)
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		make TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL DEFAULT 0
	);

	-- Bookings (source of truth for occupancy; end_date is EXCLUSIVE)
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL,
		customer_id TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		total_amount TEXT NOT NULL DEFAULT '0',
		cancel_reason TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_vehicle_start
		ON bookings(vehicle_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_bookings_status
		ON bookings(status);

	-- Pricing rules (end_date EXCLUSIVE)
	CREATE TABLE IF NOT EXISTS pricing_rules (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		daily_rate TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_rules_vehicle_start
		ON pricing_rules(vehicle_id, start_date);

	-- Materialized availability view. One row per (vehicle, day).
	-- generation supports atomic range replacement (see ReplaceRange).
	CREATE TABLE IF NOT EXISTS availability_cache (
		vehicle_id TEXT NOT NULL,
		day TEXT NOT NULL,
		available INTEGER NOT NULL,
		source TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		last_updated TEXT NOT NULL,
		PRIMARY KEY (vehicle_id, day)
	);

	-- Conflicts are independent rows, never blobs inside a run row.
	-- The resolved flag is flipped with a conditional UPDATE.
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES sync_runs(id),
		vehicle_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		day TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		local_value TEXT NOT NULL DEFAULT 'null',
		remote_value TEXT NOT NULL DEFAULT 'null',
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_run
		ON conflicts(run_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_vehicle
		ON conflicts(vehicle_id, resolved);

	-- Sync runs
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		vehicle_ids TEXT NOT NULL,
		status TEXT NOT NULL,
		conflict_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_run_items (
		run_id TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		vehicle_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		conflict_count INTEGER NOT NULL DEFAULT 0,
		booking_count INTEGER NOT NULL DEFAULT 0,
		available_days INTEGER NOT NULL DEFAULT 0,
		revenue TEXT NOT NULL DEFAULT '0',
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, vehicle_id)
	);

	CREATE INDEX IF NOT EXISTS idx_run_items_vehicle
		ON sync_run_items(vehicle_id);

	-- Resolution audit log (append-only: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS resolutions (
		id TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL,
		resolution_data TEXT NOT NULL DEFAULT 'null',
		metadata TEXT NOT NULL DEFAULT 'null',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: exactly one audit row per resolved conflict
	CREATE UNIQUE INDEX IF NOT EXISTS idx_resolutions_conflict
		ON resolutions(conflict_id);
	CREATE INDEX IF NOT EXISTS idx_resolutions_vehicle_created
		ON resolutions(vehicle_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so the same query
// helpers serve top-level calls and WithTx-scoped calls.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE (fleet.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The store
// passed to fn sees and mutates uncommitted state; a returned error rolls
// everything back.
func (s *Store) WithTx(ctx context.Context, fn func(fleet.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore exposes fleet.Store within one open transaction.
type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// VEHICLES (fleet.VehicleStore interface)
// =============================================================================

func saveVehicle(ctx context.Context, db dbtx, v fleet.Vehicle) error {
	query := `
		INSERT INTO vehicles (id, make, model, year)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			make = excluded.make,
			model = excluded.model,
			year = excluded.year
	`
	_, err := db.ExecContext(ctx, query, v.ID, v.Make, v.Model, v.Year)
	return err
}

func getVehicle(ctx context.Context, db dbtx, id string) (*fleet.Vehicle, error) {
	var v fleet.Vehicle
	err := db.QueryRowContext(ctx,
		"SELECT id, make, model, year FROM vehicles WHERE id = ?", id,
	).Scan(&v.ID, &v.Make, &v.Model, &v.Year)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	return &v, nil
}

func listVehicles(ctx context.Context, db dbtx) ([]fleet.Vehicle, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, make, model, year FROM vehicles ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []fleet.Vehicle
	for rows.Next() {
		var v fleet.Vehicle
		if err := rows.Scan(&v.ID, &v.Make, &v.Model, &v.Year); err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

func (s *Store) SaveVehicle(ctx context.Context, v fleet.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveVehicle(ctx, s.db, v)
}

func (s *Store) Vehicle(ctx context.Context, id string) (*fleet.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getVehicle(ctx, s.db, id)
}

func (s *Store) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listVehicles(ctx, s.db)
}

func (ts *txStore) SaveVehicle(ctx context.Context, v fleet.Vehicle) error {
	return saveVehicle(ctx, ts.tx, v)
}

func (ts *txStore) Vehicle(ctx context.Context, id string) (*fleet.Vehicle, error) {
	return getVehicle(ctx, ts.tx, id)
}

func (ts *txStore) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	return listVehicles(ctx, ts.tx)
}

// =============================================================================
// BOOKINGS (fleet.BookingStore interface)
// =============================================================================

func saveBooking(ctx context.Context, db dbtx, b fleet.Booking) error {
	query := `
		INSERT INTO bookings
		(id, vehicle_id, customer_id, start_date, end_date, status, total_amount, cancel_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vehicle_id = excluded.vehicle_id,
			customer_id = excluded.customer_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			status = excluded.status,
			total_amount = excluded.total_amount,
			cancel_reason = excluded.cancel_reason,
			updated_at = excluded.updated_at
	`
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, query,
		b.ID, b.VehicleID, b.CustomerID,
		b.Start.String(), b.End.String(),
		string(b.Status), b.TotalAmount.String(), b.CancelReason,
		updatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

const bookingColumns = "id, vehicle_id, customer_id, start_date, end_date, status, total_amount, cancel_reason, updated_at"

func scanBooking(row interface{ Scan(dest ...any) error }) (fleet.Booking, error) {
	var (
		b          fleet.Booking
		start, end string
		status     string
		total      string
		updatedAt  string
	)
	err := row.Scan(&b.ID, &b.VehicleID, &b.CustomerID, &start, &end, &status, &total, &b.CancelReason, &updatedAt)
	if err != nil {
		return b, err
	}
	b.Start, _ = fleet.ParseDay(start)
	b.End, _ = fleet.ParseDay(end)
	b.Status = fleet.BookingStatus(status)
	b.TotalAmount, _ = decimal.NewFromString(total)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return b, nil
}

func bookingsByVehicle(ctx context.Context, db dbtx, vehicleID string, rng fleet.DateRange) ([]fleet.Booking, error) {
	// Half-open overlap: start < range.end AND end > range.start.
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE vehicle_id = ? AND start_date < ? AND end_date > ?
		ORDER BY start_date ASC, id ASC
	`
	rows, err := db.QueryContext(ctx, query, vehicleID, rng.End.String(), rng.Start.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []fleet.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func getBooking(ctx context.Context, db dbtx, id string) (*fleet.Booking, error) {
	row := db.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ?", id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

func (s *Store) SaveBooking(ctx context.Context, b fleet.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBooking(ctx, s.db, b)
}

func (s *Store) Booking(ctx context.Context, id string) (*fleet.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

func (s *Store) BookingsByVehicle(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bookingsByVehicle(ctx, s.db, vehicleID, rng)
}

func (ts *txStore) SaveBooking(ctx context.Context, b fleet.Booking) error {
	return saveBooking(ctx, ts.tx, b)
}

func (ts *txStore) Booking(ctx context.Context, id string) (*fleet.Booking, error) {
	return getBooking(ctx, ts.tx, id)
}

func (ts *txStore) BookingsByVehicle(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.Booking, error) {
	return bookingsByVehicle(ctx, ts.tx, vehicleID, rng)
}

// =============================================================================
// PRICING RULES (fleet.PricingStore interface)
// =============================================================================

func saveRule(ctx context.Context, db dbtx, r fleet.PricingRule) error {
	query := `
		INSERT INTO pricing_rules (id, vehicle_id, start_date, end_date, daily_rate, priority)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vehicle_id = excluded.vehicle_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			daily_rate = excluded.daily_rate,
			priority = excluded.priority
	`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.VehicleID, r.Start.String(), r.End.String(), r.DailyRate.String(), r.Priority)
	if err != nil {
		return fmt.Errorf("failed to save pricing rule: %w", err)
	}
	return nil
}

func scanRule(row interface{ Scan(dest ...any) error }) (fleet.PricingRule, error) {
	var (
		r          fleet.PricingRule
		start, end string
		rate       string
	)
	err := row.Scan(&r.ID, &r.VehicleID, &start, &end, &rate, &r.Priority)
	if err != nil {
		return r, err
	}
	r.Start, _ = fleet.ParseDay(start)
	r.End, _ = fleet.ParseDay(end)
	r.DailyRate, _ = decimal.NewFromString(rate)
	return r, nil
}

func rulesByVehicle(ctx context.Context, db dbtx, vehicleID string, rng fleet.DateRange) ([]fleet.PricingRule, error) {
	query := `
		SELECT id, vehicle_id, start_date, end_date, daily_rate, priority
		FROM pricing_rules
		WHERE vehicle_id = ? AND start_date < ? AND end_date > ?
		ORDER BY start_date ASC, id ASC
	`
	rows, err := db.QueryContext(ctx, query, vehicleID, rng.End.String(), rng.Start.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing rules: %w", err)
	}
	defer rows.Close()

	var rules []fleet.PricingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pricing rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func getRule(ctx context.Context, db dbtx, id string) (*fleet.PricingRule, error) {
	row := db.QueryRowContext(ctx,
		"SELECT id, vehicle_id, start_date, end_date, daily_rate, priority FROM pricing_rules WHERE id = ?", id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pricing rule: %w", err)
	}
	return &r, nil
}

func (s *Store) SaveRule(ctx context.Context, r fleet.PricingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRule(ctx, s.db, r)
}

func (s *Store) Rule(ctx context.Context, id string) (*fleet.PricingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRule(ctx, s.db, id)
}

func (s *Store) RulesByVehicle(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.PricingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rulesByVehicle(ctx, s.db, vehicleID, rng)
}

func (ts *txStore) SaveRule(ctx context.Context, r fleet.PricingRule) error {
	return saveRule(ctx, ts.tx, r)
}

func (ts *txStore) Rule(ctx context.Context, id string) (*fleet.PricingRule, error) {
	return getRule(ctx, ts.tx, id)
}

func (ts *txStore) RulesByVehicle(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.PricingRule, error) {
	return rulesByVehicle(ctx, ts.tx, vehicleID, rng)
}

// =============================================================================
// AVAILABILITY CACHE (fleet.CacheStore interface)
// =============================================================================

func upsertDay(ctx context.Context, db dbtx, e fleet.AvailabilityEntry) error {
	// Single-day writes join the vehicle's current generation so the next
	// ReplaceRange does not see them as stale.
	query := `
		INSERT INTO availability_cache (vehicle_id, day, available, source, generation, last_updated)
		VALUES (?, ?, ?, ?, COALESCE((SELECT MAX(generation) FROM availability_cache WHERE vehicle_id = ?), 0), ?)
		ON CONFLICT(vehicle_id, day) DO UPDATE SET
			available = excluded.available,
			source = excluded.source,
			last_updated = excluded.last_updated
	`
	_, err := db.ExecContext(ctx, query,
		e.VehicleID, e.Day.String(), boolInt(e.Available), string(e.Source),
		e.VehicleID, e.LastUpdated.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert availability day: %w", err)
	}
	return nil
}

// replaceRange installs a rebuilt range under a new generation. All
// statements run on the supplied dbtx; top-level callers wrap it in a
// transaction so readers never see a half-replaced range.
func replaceRange(ctx context.Context, db dbtx, vehicleID string, rng fleet.DateRange, entries []fleet.AvailabilityEntry, force bool) error {
	var gen int64
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(generation), 0) + 1 FROM availability_cache WHERE vehicle_id = ?",
		vehicleID,
	).Scan(&gen)
	if err != nil {
		return fmt.Errorf("failed to allocate cache generation: %w", err)
	}

	// Manually pinned rows survive a rebuild unless forced.
	guard := "WHERE availability_cache.source != 'MANUAL_RESOLUTION'"
	if force {
		guard = ""
	}
	query := `
		INSERT INTO availability_cache (vehicle_id, day, available, source, generation, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vehicle_id, day) DO UPDATE SET
			available = excluded.available,
			source = excluded.source,
			generation = excluded.generation,
			last_updated = excluded.last_updated
		` + guard

	for _, e := range entries {
		if _, err := db.ExecContext(ctx, query,
			e.VehicleID, e.Day.String(), boolInt(e.Available), string(e.Source),
			gen, e.LastUpdated.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("failed to write cache row %s/%s: %w", e.VehicleID, e.Day, err)
		}
	}

	// Drop stale COMPUTED rows from earlier generations inside the range.
	// Pinned rows keep their old generation and are left alone.
	_, err = db.ExecContext(ctx, `
		DELETE FROM availability_cache
		WHERE vehicle_id = ? AND day >= ? AND day < ?
		  AND generation < ? AND source = 'COMPUTED'
	`, vehicleID, rng.Start.String(), rng.End.String(), gen)
	if err != nil {
		return fmt.Errorf("failed to drop stale cache rows: %w", err)
	}
	return nil
}

func cacheEntries(ctx context.Context, db dbtx, vehicleID string, rng fleet.DateRange) ([]fleet.AvailabilityEntry, error) {
	query := `
		SELECT vehicle_id, day, available, source, last_updated
		FROM availability_cache
		WHERE vehicle_id = ? AND day >= ? AND day < ?
		ORDER BY day ASC
	`
	rows, err := db.QueryContext(ctx, query, vehicleID, rng.Start.String(), rng.End.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query availability cache: %w", err)
	}
	defer rows.Close()

	var entries []fleet.AvailabilityEntry
	for rows.Next() {
		var (
			e         fleet.AvailabilityEntry
			day       string
			available int
			source    string
			updated   string
		)
		if err := rows.Scan(&e.VehicleID, &day, &available, &source, &updated); err != nil {
			return nil, err
		}
		e.Day, _ = fleet.ParseDay(day)
		e.Available = available != 0
		e.Source = fleet.AvailabilitySource(source)
		e.LastUpdated, _ = time.Parse(time.RFC3339, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) UpsertDay(ctx context.Context, e fleet.AvailabilityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertDay(ctx, s.db, e)
}

func (s *Store) ReplaceRange(ctx context.Context, vehicleID string, rng fleet.DateRange, entries []fleet.AvailabilityEntry, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := replaceRange(ctx, sqlTx, vehicleID, rng, entries, force); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Entries(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.AvailabilityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cacheEntries(ctx, s.db, vehicleID, rng)
}

func (ts *txStore) UpsertDay(ctx context.Context, e fleet.AvailabilityEntry) error {
	return upsertDay(ctx, ts.tx, e)
}

func (ts *txStore) ReplaceRange(ctx context.Context, vehicleID string, rng fleet.DateRange, entries []fleet.AvailabilityEntry, force bool) error {
	return replaceRange(ctx, ts.tx, vehicleID, rng, entries, force)
}

func (ts *txStore) Entries(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.AvailabilityEntry, error) {
	return cacheEntries(ctx, ts.tx, vehicleID, rng)
}

// =============================================================================
// CONFLICTS (fleet.ConflictStore interface)
// =============================================================================

func saveConflicts(ctx context.Context, db dbtx, conflicts []fleet.Conflict) error {
	query := `
		INSERT INTO conflicts
		(id, run_id, vehicle_id, conflict_type, day, description, local_value, remote_value, resolved, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, c := range conflicts {
		var resolvedAt any
		if c.ResolvedAt != nil {
			resolvedAt = c.ResolvedAt.Format(time.RFC3339)
		}
		_, err := db.ExecContext(ctx, query,
			c.ID, c.RunID, c.VehicleID, string(c.Type), c.Day.String(), c.Description,
			rawOrNull(c.LocalValue), rawOrNull(c.RemoteValue),
			boolInt(c.Resolved), resolvedAt, c.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
		}
	}
	return nil
}

const conflictColumns = "id, run_id, vehicle_id, conflict_type, day, description, local_value, remote_value, resolved, resolved_at, created_at"

func scanConflict(row interface{ Scan(dest ...any) error }) (fleet.Conflict, error) {
	var (
		c             fleet.Conflict
		ctype         string
		day           string
		local, remote string
		resolved      int
		resolvedAt    sql.NullString
		createdAt     string
	)
	err := row.Scan(&c.ID, &c.RunID, &c.VehicleID, &ctype, &day, &c.Description,
		&local, &remote, &resolved, &resolvedAt, &createdAt)
	if err != nil {
		return c, err
	}
	c.Type = fleet.ConflictType(ctype)
	c.Day, _ = fleet.ParseDay(day)
	c.LocalValue = json.RawMessage(local)
	c.RemoteValue = json.RawMessage(remote)
	c.Resolved = resolved != 0
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, resolvedAt.String)
		c.ResolvedAt = &t
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return c, nil
}

func getConflict(ctx context.Context, db dbtx, id string) (*fleet.Conflict, error) {
	row := db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return &c, nil
}

func listConflicts(ctx context.Context, db dbtx, f fleet.ConflictFilter) ([]fleet.Conflict, error) {
	var (
		where []string
		args  []any
	)
	if f.VehicleID != "" {
		where = append(where, "vehicle_id = ?")
		args = append(args, f.VehicleID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Resolved != nil {
		where = append(where, "resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}

	query := "SELECT " + conflictColumns + " FROM conflicts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []fleet.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// markConflictResolved is the conditional write guarding single resolution.
func markConflictResolved(ctx context.Context, db dbtx, id string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE conflicts SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0",
		at.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Zero rows affected: the conflict is missing or already flipped.
	c, err := getConflict(ctx, db, id)
	if err != nil {
		return err
	}
	return &fleet.AlreadyResolvedError{ConflictID: id, ResolvedAt: c.ResolvedAt}
}

func (s *Store) SaveConflicts(ctx context.Context, conflicts []fleet.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := saveConflicts(ctx, sqlTx, conflicts); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Conflict(ctx context.Context, id string) (*fleet.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getConflict(ctx, s.db, id)
}

func (s *Store) Conflicts(ctx context.Context, f fleet.ConflictFilter) ([]fleet.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listConflicts(ctx, s.db, f)
}

func (s *Store) MarkConflictResolved(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markConflictResolved(ctx, s.db, id, at)
}

func (ts *txStore) SaveConflicts(ctx context.Context, conflicts []fleet.Conflict) error {
	return saveConflicts(ctx, ts.tx, conflicts)
}

func (ts *txStore) Conflict(ctx context.Context, id string) (*fleet.Conflict, error) {
	return getConflict(ctx, ts.tx, id)
}

func (ts *txStore) Conflicts(ctx context.Context, f fleet.ConflictFilter) ([]fleet.Conflict, error) {
	return listConflicts(ctx, ts.tx, f)
}

func (ts *txStore) MarkConflictResolved(ctx context.Context, id string, at time.Time) error {
	return markConflictResolved(ctx, ts.tx, id, at)
}

// =============================================================================
// SYNC RUNS (fleet.RunStore interface)
// =============================================================================

func saveRun(ctx context.Context, db dbtx, run fleet.SyncRun, items []fleet.VehicleSyncItem) error {
	vehicleIDs, _ := json.Marshal(run.VehicleIDs)
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, vehicle_ids, status, conflict_count, updated_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, string(vehicleIDs), string(run.Status), run.ConflictCount, run.UpdatedCount,
		run.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save sync run: %w", err)
	}

	for _, it := range items {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sync_run_items
			(run_id, vehicle_id, vehicle_name, status, conflict_count, booking_count, available_days, revenue, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.RunID, it.VehicleID, it.VehicleName, string(it.Status),
			it.ConflictCount, it.BookingCount, it.AvailableDays, it.Revenue.String(), it.Error)
		if err != nil {
			return fmt.Errorf("failed to save sync run item %s/%s: %w", it.RunID, it.VehicleID, err)
		}
	}
	return nil
}

func latestRunForVehicle(ctx context.Context, db dbtx, vehicleID string) (*fleet.SyncRun, *fleet.VehicleSyncItem, error) {
	query := `
		SELECT r.id, r.vehicle_ids, r.status, r.conflict_count, r.updated_count, r.created_at,
		       i.vehicle_name, i.status, i.conflict_count, i.booking_count, i.available_days, i.revenue, i.error
		FROM sync_runs r
		JOIN sync_run_items i ON i.run_id = r.id
		WHERE i.vehicle_id = ?
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT 1
	`
	var (
		run        fleet.SyncRun
		item       fleet.VehicleSyncItem
		vehicleIDs string
		runStatus  string
		createdAt  string
		itemStatus string
		revenue    string
	)
	err := db.QueryRowContext(ctx, query, vehicleID).Scan(
		&run.ID, &vehicleIDs, &runStatus, &run.ConflictCount, &run.UpdatedCount, &createdAt,
		&item.VehicleName, &itemStatus, &item.ConflictCount, &item.BookingCount,
		&item.AvailableDays, &revenue, &item.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fleet.ErrRunNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	json.Unmarshal([]byte(vehicleIDs), &run.VehicleIDs)
	run.Status = fleet.SyncRunStatus(runStatus)
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	item.RunID = run.ID
	item.VehicleID = vehicleID
	item.Status = fleet.SyncItemStatus(itemStatus)
	item.Revenue, _ = decimal.NewFromString(revenue)
	return &run, &item, nil
}

func (s *Store) SaveRun(ctx context.Context, run fleet.SyncRun, items []fleet.VehicleSyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := saveRun(ctx, sqlTx, run, items); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) LatestRunForVehicle(ctx context.Context, vehicleID string) (*fleet.SyncRun, *fleet.VehicleSyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestRunForVehicle(ctx, s.db, vehicleID)
}

func (ts *txStore) SaveRun(ctx context.Context, run fleet.SyncRun, items []fleet.VehicleSyncItem) error {
	return saveRun(ctx, ts.tx, run, items)
}

func (ts *txStore) LatestRunForVehicle(ctx context.Context, vehicleID string) (*fleet.SyncRun, *fleet.VehicleSyncItem, error) {
	return latestRunForVehicle(ctx, ts.tx, vehicleID)
}

// =============================================================================
// RESOLUTIONS (fleet.ResolutionStore interface, append-only)
// =============================================================================

func appendResolution(ctx context.Context, db dbtx, r fleet.ConflictResolution) error {
	query := `
		INSERT INTO resolutions
		(id, conflict_id, conflict_type, vehicle_id, resolved_by, resolution, resolution_data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.ConflictID, string(r.ConflictType), r.VehicleID, r.ResolvedBy,
		string(r.Resolution), rawOrNull(r.ResolutionData), rawOrNull(r.Metadata),
		r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			// One audit row per conflict, enforced by the unique index.
			return &fleet.AlreadyResolvedError{ConflictID: r.ConflictID}
		}
		return fmt.Errorf("failed to append resolution: %w", err)
	}
	return nil
}

func listResolutions(ctx context.Context, db dbtx, vehicleID string, limit int) ([]fleet.ConflictResolution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, conflict_id, conflict_type, vehicle_id, resolved_by, resolution, resolution_data, metadata, created_at
		FROM resolutions
	`
	args := []any{}
	if vehicleID != "" {
		query += " WHERE vehicle_id = ?"
		args = append(args, vehicleID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions: %w", err)
	}
	defer rows.Close()

	var resolutions []fleet.ConflictResolution
	for rows.Next() {
		var (
			r          fleet.ConflictResolution
			ctype      string
			resolution string
			data       string
			metadata   string
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &r.ConflictID, &ctype, &r.VehicleID, &r.ResolvedBy,
			&resolution, &data, &metadata, &createdAt); err != nil {
			return nil, err
		}
		r.ConflictType = fleet.ConflictType(ctype)
		r.Resolution = fleet.ResolutionChoice(resolution)
		r.ResolutionData = json.RawMessage(data)
		r.Metadata = json.RawMessage(metadata)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		resolutions = append(resolutions, r)
	}
	return resolutions, rows.Err()
}

func (s *Store) AppendResolution(ctx context.Context, r fleet.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendResolution(ctx, s.db, r)
}

func (s *Store) Resolutions(ctx context.Context, vehicleID string, limit int) ([]fleet.ConflictResolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listResolutions(ctx, s.db, vehicleID, limit)
}

func (ts *txStore) AppendResolution(ctx context.Context, r fleet.ConflictResolution) error {
	return appendResolution(ctx, ts.tx, r)
}

func (ts *txStore) Resolutions(ctx context.Context, vehicleID string, limit int) ([]fleet.ConflictResolution, error) {
	return listResolutions(ctx, ts.tx, vehicleID, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
