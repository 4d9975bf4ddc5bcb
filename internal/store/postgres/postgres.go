package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/feed"
	"stockbook/backend/internal/store"
	"stockbook/backend/internal/xid"
)

type Store struct {
	db  *sql.DB
	hub *feed.Hub
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.hub = feed.NewHub(s.Snapshot)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Feed() *feed.Hub {
	return s.hub
}

// migrate creates the schema when missing. included_in_zreport stays
// nullable so rows imported from the legacy document store keep their
// missing flag, which reads as pending.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS stock_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		category TEXT NOT NULL,
		price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
		notify_threshold INTEGER NOT NULL DEFAULT 5,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS sales (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		item_name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		total_cents BIGINT NOT NULL,
		sold_by TEXT NOT NULL DEFAULT '',
		sold_at TIMESTAMPTZ,
		included_in_zreport BOOLEAN,
		zreport_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sales_pending ON sales (seq) WHERE included_in_zreport IS NOT TRUE;

	CREATE TABLE IF NOT EXISTS zreports (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		generated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		generated_by TEXT NOT NULL DEFAULT '',
		total_cents BIGINT NOT NULL,
		sales JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS item_types (
		name TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`)
	return wrap(err)
}

func (s *Store) Subscribe(ctx context.Context, collection string, fn func(domain.Snapshot)) (func(), error) {
	return s.hub.Subscribe(ctx, collection, fn)
}

func (s *Store) Snapshot(ctx context.Context, collection string) (domain.Snapshot, error) {
	snap := domain.Snapshot{Collection: collection, At: time.Now().UTC()}
	var err error
	switch collection {
	case domain.CollectionStock:
		snap.Stock, err = s.ListStockItems(ctx)
	case domain.CollectionSales:
		snap.Sales, err = s.ListSales(ctx)
	case domain.CollectionZReports:
		snap.ZReports, err = s.ListZReports(ctx)
	default:
		return domain.Snapshot{}, feed.ErrUnknownCollection
	}
	return snap, err
}

const stockColumns = `id, name, quantity, category, price_cents, notify_threshold, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStockItem(row rowScanner) (domain.StockItem, error) {
	var item domain.StockItem
	err := row.Scan(&item.ID, &item.Name, &item.Quantity, &item.Category, &item.PriceCents, &item.NotifyThreshold, &item.UpdatedAt)
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, err
}

func (s *Store) ListStockItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stockColumns+` FROM stock_items ORDER BY name, id`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 64)
	for rows.Next() {
		item, err := scanStockItem(rows)
		if err != nil {
			return nil, wrap(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return items, nil
}

func (s *Store) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	item, err := scanStockItem(s.db.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stock_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap(err)
	}
	return &item, nil
}

func (s *Store) RestockItem(ctx context.Context, input domain.RestockInput) (*domain.StockItem, bool, error) {
	if input.Name == "" || input.Quantity < 1 || input.Quantity > domain.MaxQuantity || input.PriceCents < 0 {
		return nil, false, store.ErrValidation
	}
	if input.ID == "" {
		input.ID = xid.New("item")
	}
	var threshold any
	if input.NotifyThreshold != nil {
		threshold = *input.NotifyThreshold
	}

	var item domain.StockItem
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stock_items (id, name, quantity, category, price_cents, notify_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::int, $7), now())
		ON CONFLICT (name) DO UPDATE SET
			quantity = stock_items.quantity + EXCLUDED.quantity,
			category = EXCLUDED.category,
			price_cents = EXCLUDED.price_cents,
			notify_threshold = COALESCE($6::int, stock_items.notify_threshold),
			updated_at = now()
		WHERE stock_items.quantity::bigint + EXCLUDED.quantity <= $8
		RETURNING `+stockColumns+`, (xmax = 0) AS inserted
	`, input.ID, input.Name, input.Quantity, input.Category, input.PriceCents, threshold, domain.DefaultNotifyThreshold, int64(domain.MaxQuantity)).
		Scan(&item.ID, &item.Name, &item.Quantity, &item.Category, &item.PriceCents, &item.NotifyThreshold, &item.UpdatedAt, &inserted)
	if err != nil {
		// The conflict branch returns no row when the guard rejects the update.
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("%w: stock of %q would exceed %d", store.ErrValidation, input.Name, domain.MaxQuantity)
		}
		return nil, false, wrap(err)
	}
	item.UpdatedAt = item.UpdatedAt.UTC()

	s.hub.Notify(ctx, domain.CollectionStock)
	return &item, inserted, nil
}

func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*domain.StockItem, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	item, err := scanStockItem(pgTx.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stock_items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap(err)
	}

	next := item.Quantity + delta
	if next < 0 {
		return nil, store.ErrInsufficientStock
	}
	if next > domain.MaxQuantity {
		return nil, fmt.Errorf("%w: stock of %q would exceed %d", store.ErrValidation, item.Name, domain.MaxQuantity)
	}
	if err := applyQuantity(ctx, pgTx, id, next); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, wrap(err)
	}

	item.Quantity = next
	item.UpdatedAt = time.Now().UTC()
	s.hub.Notify(ctx, domain.CollectionStock)
	return &item, nil
}

// applyQuantity writes the new quantity, deleting the row when it reaches
// zero.
func applyQuantity(ctx context.Context, pgTx *sql.Tx, id string, qty int) error {
	var err error
	if qty == 0 {
		_, err = pgTx.ExecContext(ctx, `DELETE FROM stock_items WHERE id = $1`, id)
	} else {
		_, err = pgTx.ExecContext(ctx, `UPDATE stock_items SET quantity = $2, updated_at = now() WHERE id = $1`, id, qty)
	}
	return wrap(err)
}

func (s *Store) DeleteStockItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE id = $1`, id)
	if err != nil {
		return wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	s.hub.Notify(ctx, domain.CollectionStock)
	return nil
}

func (s *Store) RecordSale(ctx context.Context, sale domain.SaleRecord) (*domain.SaleRecord, error) {
	if sale.ItemID == "" || sale.Quantity < 1 {
		return nil, store.ErrValidation
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var qty int
	var priceCents int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT name, quantity, price_cents
		FROM stock_items
		WHERE id = $1
		FOR UPDATE
	`, sale.ItemID).Scan(&sale.ItemName, &qty, &priceCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap(err)
	}
	if sale.Quantity > qty {
		return nil, store.ErrInsufficientStock
	}

	total, ok := domain.LineTotal(sale.Quantity, priceCents)
	if !ok {
		return nil, fmt.Errorf("%w: sale total is out of range", store.ErrValidation)
	}
	sale.TotalCents = total
	sale.Inclusion = domain.InclusionPending
	sale.ZReportID = ""

	if err := applyQuantity(ctx, pgTx, sale.ItemID, qty-sale.Quantity); err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, item_id, item_name, quantity, total_cents, sold_by, sold_at, included_in_zreport)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
	`, sale.ID, sale.ItemID, sale.ItemName, sale.Quantity, sale.TotalCents, sale.SoldBy, sale.Timestamp)
	if err != nil {
		return nil, wrap(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, wrap(err)
	}

	s.hub.Notify(ctx, domain.CollectionStock)
	s.hub.Notify(ctx, domain.CollectionSales)
	return &sale, nil
}

const saleColumns = `id, item_id, item_name, quantity, total_cents, sold_by, sold_at, included_in_zreport, zreport_id`

func scanSale(row rowScanner) (domain.SaleRecord, error) {
	var sale domain.SaleRecord
	var soldAt sql.NullTime
	var included sql.NullBool
	var zreportID sql.NullString
	if err := row.Scan(&sale.ID, &sale.ItemID, &sale.ItemName, &sale.Quantity, &sale.TotalCents, &sale.SoldBy, &soldAt, &included, &zreportID); err != nil {
		return domain.SaleRecord{}, err
	}
	if soldAt.Valid {
		sale.Timestamp = soldAt.Time.UTC()
	}
	sale.Inclusion = domain.InclusionFromLegacy(included.Valid && included.Bool)
	sale.ZReportID = zreportID.String
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.SaleRecord, error) {
	return s.querySales(ctx, s.db, `SELECT `+saleColumns+` FROM sales ORDER BY seq`)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) querySales(ctx context.Context, q queryer, query string, args ...any) ([]domain.SaleRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	sales := make([]domain.SaleRecord, 0, 128)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, wrap(err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return sales, nil
}

// CloseZReport flips each candidate from pending to included only if it is
// still pending, then stores the report built from the rows this call
// flipped. A concurrent generator blocks on the row locks and skips every
// row the winner already claimed.
func (s *Store) CloseZReport(ctx context.Context, draft domain.ZReport) (*domain.ZReport, error) {
	if draft.ID == "" {
		draft.ID = xid.New("zr")
	}
	candidateIDs := make([]string, 0, len(draft.Sales))
	for _, sale := range draft.Sales {
		candidateIDs = append(candidateIDs, sale.ID)
	}
	if len(candidateIDs) == 0 {
		return nil, store.ErrNoNewSales
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var generatedAt time.Time
	if err := pgTx.QueryRowContext(ctx, `SELECT now()`).Scan(&generatedAt); err != nil {
		return nil, wrap(err)
	}
	generatedAt = generatedAt.UTC()

	// Lock in ledger order so two generators never wait on each other in a
	// cycle.
	lockRows, err := pgTx.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE id = ANY($1) AND included_in_zreport IS NOT TRUE
		ORDER BY seq
		FOR UPDATE
	`, candidateIDs)
	if err != nil {
		return nil, wrap(err)
	}
	pendingIDs := make([]string, 0, len(candidateIDs))
	for lockRows.Next() {
		var id string
		if err := lockRows.Scan(&id); err != nil {
			_ = lockRows.Close()
			return nil, wrap(err)
		}
		pendingIDs = append(pendingIDs, id)
	}
	if err := lockRows.Err(); err != nil {
		_ = lockRows.Close()
		return nil, wrap(err)
	}
	_ = lockRows.Close()
	if len(pendingIDs) == 0 {
		return nil, store.ErrNoNewSales
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET included_in_zreport = true, zreport_id = $2
		WHERE id = ANY($1) AND included_in_zreport IS NOT TRUE
	`, pendingIDs, draft.ID)
	if err != nil {
		return nil, wrap(err)
	}

	won, err := s.querySales(ctx, pgTx, `SELECT `+saleColumns+` FROM sales WHERE zreport_id = $1 ORDER BY seq`, draft.ID)
	if err != nil {
		return nil, err
	}

	report := domain.ZReport{
		ID:          draft.ID,
		GeneratedAt: generatedAt,
		GeneratedBy: draft.GeneratedBy,
		Sales:       won,
	}
	for i := range report.Sales {
		if report.Sales[i].Timestamp.IsZero() {
			report.Sales[i].Timestamp = generatedAt
		}
		report.TotalCents += report.Sales[i].TotalCents
	}

	payload, err := json.Marshal(report.Sales)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO zreports (id, generated_at, generated_by, total_cents, sales)
		VALUES ($1, $2, $3, $4, $5)
	`, report.ID, report.GeneratedAt, report.GeneratedBy, report.TotalCents, payload)
	if err != nil {
		return nil, wrap(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, wrap(err)
	}

	s.hub.Notify(ctx, domain.CollectionSales)
	s.hub.Notify(ctx, domain.CollectionZReports)
	return &report, nil
}

const reportColumns = `id, generated_at, generated_by, total_cents, sales`

func scanReport(row rowScanner) (domain.ZReport, error) {
	var report domain.ZReport
	var payload []byte
	if err := row.Scan(&report.ID, &report.GeneratedAt, &report.GeneratedBy, &report.TotalCents, &payload); err != nil {
		return domain.ZReport{}, err
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if err := json.Unmarshal(payload, &report.Sales); err != nil {
		return domain.ZReport{}, err
	}
	return report, nil
}

func (s *Store) ListZReports(ctx context.Context) ([]domain.ZReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM zreports ORDER BY generated_at DESC, seq DESC`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	reports := make([]domain.ZReport, 0, 32)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, wrap(err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return reports, nil
}

func (s *Store) GetZReport(ctx context.Context, id string) (*domain.ZReport, error) {
	report, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM zreports WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap(err)
	}
	return &report, nil
}

func (s *Store) ListItemTypes(ctx context.Context) ([]domain.ItemType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM item_types ORDER BY name`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	types := make([]domain.ItemType, 0, 16)
	for rows.Next() {
		var itemType domain.ItemType
		if err := rows.Scan(&itemType.Name, &itemType.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		itemType.CreatedAt = itemType.CreatedAt.UTC()
		types = append(types, itemType)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return types, nil
}

func (s *Store) CreateItemType(ctx context.Context, itemType domain.ItemType) (*domain.ItemType, error) {
	if itemType.Name == "" {
		return nil, store.ErrValidation
	}
	if itemType.CreatedAt.IsZero() {
		itemType.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO item_types (name, created_at) VALUES ($1, $2)`, itemType.Name, itemType.CreatedAt)
	if err != nil {
		return nil, wrap(err)
	}
	return &itemType, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return wrap(err)
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap(err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_users WHERE username = $1`, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// wrap maps unique violations to ErrConflict and every other driver error to
// ErrStoreUnavailable.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22003" {
		return fmt.Errorf("%w: value out of range", store.ErrValidation)
	}
	return store.Unavailable(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
