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
	"github.com/shopspring/decimal"

	"balansa/backend/internal/domain"
	"balansa/backend/internal/ledger"
	"balansa/backend/internal/store"
	"balansa/backend/internal/xid"
)

type Store struct {
	db *sql.DB
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Reference data.

func (s *Store) CreateCurrency(ctx context.Context, currency domain.Currency) (*domain.Currency, error) {
	currency.Code = strings.ToUpper(strings.TrimSpace(currency.Code))
	if currency.ID == "" || currency.Code == "" || currency.Precision < 0 {
		return nil, store.ErrInvalidDocument
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO currencies (id, code, name, precision, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, currency.ID, currency.Code, currency.Name, currency.Precision)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}
	created := currency
	return &created, nil
}

func (s *Store) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, precision
		FROM currencies
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	currencies := make([]domain.Currency, 0, 8)
	for rows.Next() {
		var c domain.Currency
		if err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.Precision); err != nil {
			return nil, err
		}
		currencies = append(currencies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return currencies, nil
}

func (s *Store) CreateCashRegister(ctx context.Context, register domain.CashRegister) (*domain.CashRegister, error) {
	if strings.TrimSpace(register.Name) == "" || register.CurrencyID == "" {
		return nil, store.ErrInvalidDocument
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_registers (id, name, currency_id, created_at)
		VALUES ($1,$2,$3,now())
	`, register.ID, register.Name, register.CurrencyID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := register
	return &created, nil
}

func (s *Store) ListCashRegisters(ctx context.Context) ([]domain.CashRegister, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, currency_id
		FROM cash_registers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	registers := make([]domain.CashRegister, 0, 8)
	for rows.Next() {
		var r domain.CashRegister
		if err := rows.Scan(&r.ID, &r.Name, &r.CurrencyID); err != nil {
			return nil, err
		}
		registers = append(registers, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return registers, nil
}

func (s *Store) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if strings.TrimSpace(warehouse.Name) == "" {
		return nil, store.ErrInvalidDocument
	}
	if warehouse.ID == "" {
		warehouse.ID = xid.New("wh")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, name, created_at)
		VALUES ($1,$2,now())
	`, warehouse.ID, warehouse.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}
	created := warehouse
	return &created, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM warehouses
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	warehouses := make([]domain.Warehouse, 0, 8)
	for rows.Next() {
		var w domain.Warehouse
		if err := rows.Scan(&w.ID, &w.Name); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return warehouses, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.SKU == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidDocument
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, unit, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, product.ID, product.SKU, product.Name, product.Unit)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, unit
		FROM products
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Unit); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateService(ctx context.Context, service domain.Service) (*domain.Service, error) {
	if strings.TrimSpace(service.Name) == "" {
		return nil, store.ErrInvalidDocument
	}
	if service.ID == "" {
		service.ID = xid.New("svc")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, name, created_at)
		VALUES ($1,$2,now())
	`, service.ID, service.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}
	created := service
	return &created, nil
}

func (s *Store) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM services
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]domain.Service, 0, 16)
	for rows.Next() {
		var sv domain.Service
		if err := rows.Scan(&sv.ID, &sv.Name); err != nil {
			return nil, err
		}
		services = append(services, sv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) CreateCounterparty(ctx context.Context, counterparty domain.Counterparty) (*domain.Counterparty, error) {
	if strings.TrimSpace(counterparty.Name) == "" {
		return nil, store.ErrInvalidDocument
	}
	if counterparty.ID == "" {
		counterparty.ID = xid.New("cp")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counterparties (id, name, phone, created_at)
		VALUES ($1,$2,$3,now())
	`, counterparty.ID, counterparty.Name, counterparty.Phone)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}
	created := counterparty
	return &created, nil
}

func (s *Store) ListCounterparties(ctx context.Context) ([]domain.Counterparty, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone,'')
		FROM counterparties
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counterparties := make([]domain.Counterparty, 0, 32)
	for rows.Next() {
		var cp domain.Counterparty
		if err := rows.Scan(&cp.ID, &cp.Name, &cp.Phone); err != nil {
			return nil, err
		}
		counterparties = append(counterparties, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counterparties, nil
}

func (s *Store) CreatePartner(ctx context.Context, partner domain.Partner) (*domain.Partner, error) {
	if strings.TrimSpace(partner.Name) == "" {
		return nil, store.ErrInvalidDocument
	}
	if partner.ID == "" {
		partner.ID = xid.New("prt")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partners (id, name, created_at)
		VALUES ($1,$2,now())
	`, partner.ID, partner.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}
	created := partner
	return &created, nil
}

func (s *Store) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM partners
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partners := make([]domain.Partner, 0, 8)
	for rows.Next() {
		var pt domain.Partner
		if err := rows.Scan(&pt.ID, &pt.Name); err != nil {
			return nil, err
		}
		partners = append(partners, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return partners, nil
}

func (s *Store) GetReferenceData(ctx context.Context) (domain.ReferenceData, error) {
	refs := domain.ReferenceData{
		Currencies:     map[string]domain.Currency{},
		Registers:      map[string]domain.CashRegister{},
		Warehouses:     map[string]domain.Warehouse{},
		Products:       map[string]domain.Product{},
		Services:       map[string]domain.Service{},
		Counterparties: map[string]domain.Counterparty{},
		Partners:       map[string]domain.Partner{},
		Users:          map[string]struct{}{},
	}

	currencies, err := s.ListCurrencies(ctx)
	if err != nil {
		return refs, err
	}
	for _, c := range currencies {
		refs.Currencies[c.ID] = c
	}
	registers, err := s.ListCashRegisters(ctx)
	if err != nil {
		return refs, err
	}
	for _, r := range registers {
		refs.Registers[r.ID] = r
	}
	warehouses, err := s.ListWarehouses(ctx)
	if err != nil {
		return refs, err
	}
	for _, w := range warehouses {
		refs.Warehouses[w.ID] = w
	}
	products, err := s.ListProducts(ctx)
	if err != nil {
		return refs, err
	}
	for _, p := range products {
		refs.Products[p.ID] = p
	}
	services, err := s.ListServices(ctx)
	if err != nil {
		return refs, err
	}
	for _, sv := range services {
		refs.Services[sv.ID] = sv
	}
	counterparties, err := s.ListCounterparties(ctx)
	if err != nil {
		return refs, err
	}
	for _, cp := range counterparties {
		refs.Counterparties[cp.ID] = cp
	}
	partners, err := s.ListPartners(ctx)
	if err != nil {
		return refs, err
	}
	for _, pt := range partners {
		refs.Partners[pt.ID] = pt
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return refs, err
	}
	for _, u := range users {
		refs.Users[u.Username] = struct{}{}
	}
	return refs, nil
}

// lineGroups is the JSONB shape the five optional line-item groups are stored
// in. One document rarely carries more than one group, so a single column
// beats five child tables that are empty most of the time.
type lineGroups struct {
	StockItems      []domain.StockItem     `json:"items,omitempty"`
	CashEntries     []domain.CashEntry     `json:"cash_entries,omitempty"`
	DividendEntries []domain.DividendEntry `json:"dividend_entries,omitempty"`
	SalaryEntries   []domain.SalaryEntry   `json:"salary_entries,omitempty"`
	ServiceEntries  []domain.ServiceEntry  `json:"service_entries,omitempty"`
}

func marshalLines(tx domain.Transaction) ([]byte, error) {
	return json.Marshal(lineGroups{
		StockItems:      tx.StockItems,
		CashEntries:     tx.CashEntries,
		DividendEntries: tx.DividendEntries,
		SalaryEntries:   tx.SalaryEntries,
		ServiceEntries:  tx.ServiceEntries,
	})
}

func unmarshalLines(raw []byte, tx *domain.Transaction) error {
	var groups lineGroups
	if err := json.Unmarshal(raw, &groups); err != nil {
		return err
	}
	tx.StockItems = groups.StockItems
	tx.CashEntries = groups.CashEntries
	tx.DividendEntries = groups.DividendEntries
	tx.SalaryEntries = groups.SalaryEntries
	tx.ServiceEntries = groups.ServiceEntries
	return nil
}

// Documents.

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if !tx.Type.Valid() {
		return nil, store.ErrInvalidDocument
	}
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	tx.Status = domain.StatusDraft

	lines, err := marshalLines(tx)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (
			id, number, type, status, date, currency_id, counterparty_id, partner_id,
			description, total_amount, paid_amount, lines, created_by, created_at, updated_at
		)
		VALUES (
			$1, 'TX-' || lpad(nextval('transaction_number_seq')::text, 6, '0'),
			$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13
		)
		RETURNING number
	`, tx.ID, tx.Type, tx.Status, tx.Date, tx.CurrencyID, nullIfEmpty(tx.CounterpartyID),
		nullIfEmpty(tx.PartnerID), tx.Description, tx.TotalAmount, tx.PaidAmount, lines,
		tx.CreatedBy, tx.CreatedAt).Scan(&tx.Number)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidDocument
		}
		return nil, err
	}

	created := tx
	return &created, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	lines, err := marshalLines(tx)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET date = $2, currency_id = $3, counterparty_id = $4, partner_id = $5,
			description = $6, total_amount = $7, paid_amount = $8, lines = $9, updated_at = $10
		WHERE id = $1 AND status = $11
	`, tx.ID, tx.Date, tx.CurrencyID, nullIfEmpty(tx.CounterpartyID), nullIfEmpty(tx.PartnerID),
		tx.Description, tx.TotalAmount, tx.PaidAmount, lines, tx.UpdatedAt, domain.StatusDraft)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Either missing or already finalized; disambiguate for the caller.
		existing, lookupErr := s.GetTransactionByID(ctx, tx.ID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing.Status != domain.StatusDraft {
			return nil, store.ErrAlreadyFinalized
		}
		return nil, store.ErrConflict
	}

	return s.GetTransactionByID(ctx, tx.ID)
}

func (s *Store) GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT id, number, type, status, date, currency_id,
			COALESCE(counterparty_id,''), COALESCE(partner_id,''), description,
			total_amount, paid_amount, lines, created_by,
			created_at, updated_at, confirmed_at, cancelled_at
		FROM transactions
		WHERE id = $1
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var lines []byte
	var confirmedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&tx.ID, &tx.Number, &tx.Type, &tx.Status, &tx.Date, &tx.CurrencyID,
		&tx.CounterpartyID, &tx.PartnerID, &tx.Description,
		&tx.TotalAmount, &tx.PaidAmount, &lines, &tx.CreatedBy,
		&tx.CreatedAt, &tx.UpdatedAt, &confirmedAt, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalLines(lines, &tx); err != nil {
		return nil, err
	}
	tx.Date = tx.Date.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	if confirmedAt.Valid {
		at := confirmedAt.Time.UTC()
		tx.ConfirmedAt = &at
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		tx.CancelledAt = &at
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, type, status, date, currency_id,
			COALESCE(counterparty_id,''), COALESCE(partner_id,''), description,
			total_amount, paid_amount, lines, created_by,
			created_at, updated_at, confirmed_at, cancelled_at
		FROM transactions
		WHERE ($1 = '' OR type = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, number DESC
		LIMIT $3
	`, filter.Type, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

// lockedView materializes the projection state a confirm needs while holding
// row locks on it, so BuildPostings reads exactly what the later upserts
// mutate.
type lockedView struct {
	positions  map[string]stockRow
	currencies map[string]string
}

type stockRow struct {
	qty   decimal.Decimal
	value decimal.Decimal
}

func (v lockedView) StockPosition(productID string, warehouseID string) (decimal.Decimal, decimal.Decimal) {
	row := v.positions[productID+"|"+warehouseID]
	return row.qty, row.value
}

func (v lockedView) RegisterCurrency(registerID string) (string, bool) {
	currency, ok := v.currencies[registerID]
	return currency, ok
}

func loadLockedView(ctx context.Context, pgTx *sql.Tx, doc *domain.Transaction) (lockedView, error) {
	view := lockedView{
		positions:  map[string]stockRow{},
		currencies: map[string]string{},
	}

	productIDs := make([]string, 0, len(doc.StockItems))
	for _, item := range doc.StockItems {
		productIDs = append(productIDs, item.ProductID)
	}
	if len(productIDs) > 0 {
		rows, err := pgTx.QueryContext(ctx, `
			SELECT product_id, warehouse_id, quantity, total_value
			FROM stock_positions
			WHERE product_id = ANY($1)
			FOR UPDATE
		`, productIDs)
		if err != nil {
			return view, err
		}
		for rows.Next() {
			var productID, warehouseID string
			var row stockRow
			if err := rows.Scan(&productID, &warehouseID, &row.qty, &row.value); err != nil {
				_ = rows.Close()
				return view, err
			}
			view.positions[productID+"|"+warehouseID] = row
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return view, err
		}
		_ = rows.Close()
	}

	if len(doc.CashEntries) > 0 {
		registerIDs := make([]string, 0, len(doc.CashEntries))
		for _, entry := range doc.CashEntries {
			registerIDs = append(registerIDs, entry.RegisterID)
		}
		rows, err := pgTx.QueryContext(ctx, `
			SELECT id, currency_id
			FROM cash_registers
			WHERE id = ANY($1)
		`, registerIDs)
		if err != nil {
			return view, err
		}
		for rows.Next() {
			var id, currencyID string
			if err := rows.Scan(&id, &currencyID); err != nil {
				_ = rows.Close()
				return view, err
			}
			view.currencies[id] = currencyID
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return view, err
		}
		_ = rows.Close()
	}

	return view, nil
}

func (s *Store) ConfirmTransaction(ctx context.Context, id string, at time.Time, check store.ConfirmCheck) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
		return nil, err
	}

	doc, err := lockTransaction(ctx, pgTx, id)
	if err != nil {
		return nil, mapConcurrencyError(err)
	}
	if doc.Status != domain.StatusDraft {
		return nil, store.ErrAlreadyFinalized
	}

	// The row lock pins the document for the rest of the confirm, so the
	// check validates exactly what gets posted. Reference records are
	// insert-only, so reading them outside pgTx cannot un-validate the doc.
	if check != nil {
		refs, err := s.GetReferenceData(ctx)
		if err != nil {
			return nil, err
		}
		if err := check(*doc, refs); err != nil {
			return nil, err
		}
	}

	view, err := loadLockedView(ctx, pgTx, doc)
	if err != nil {
		return nil, mapConcurrencyError(err)
	}

	postings, err := ledger.BuildPostings(*doc, view, at, func() string { return xid.New("pst") })
	if err != nil {
		return nil, err
	}

	for _, p := range postings {
		if err := insertPosting(ctx, pgTx, p); err != nil {
			return nil, mapConcurrencyError(err)
		}
		if err := applyPosting(ctx, pgTx, doc.Type, p); err != nil {
			return nil, mapConcurrencyError(err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, confirmed_at = $3, updated_at = $3
		WHERE id = $1
	`, id, domain.StatusConfirmed, at); err != nil {
		return nil, mapConcurrencyError(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapConcurrencyError(err)
	}

	doc.Status = domain.StatusConfirmed
	confirmedAt := at
	doc.ConfirmedAt = &confirmedAt
	doc.UpdatedAt = at
	return doc, nil
}

func (s *Store) CancelTransaction(ctx context.Context, id string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
		return nil, err
	}

	doc, err := lockTransaction(ctx, pgTx, id)
	if err != nil {
		return nil, mapConcurrencyError(err)
	}
	if doc.Status == domain.StatusCancelled {
		return nil, store.ErrAlreadyFinalized
	}

	if doc.Status == domain.StatusConfirmed {
		original, err := listPostingsTx(ctx, pgTx, id)
		if err != nil {
			return nil, mapConcurrencyError(err)
		}
		if len(original) > 0 {
			// Lock the touched positions so the deltas apply against a
			// consistent snapshot.
			if _, err := loadLockedView(ctx, pgTx, doc); err != nil {
				return nil, mapConcurrencyError(err)
			}
		}
		reversed := ledger.Reverse(original, at, func() string { return xid.New("pst") })
		for _, p := range reversed {
			if err := insertPosting(ctx, pgTx, p); err != nil {
				return nil, mapConcurrencyError(err)
			}
			if err := applyPosting(ctx, pgTx, doc.Type, p); err != nil {
				return nil, mapConcurrencyError(err)
			}
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, cancelled_at = $3, updated_at = $3
		WHERE id = $1
	`, id, domain.StatusCancelled, at); err != nil {
		return nil, mapConcurrencyError(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapConcurrencyError(err)
	}

	doc.Status = domain.StatusCancelled
	cancelledAt := at
	doc.CancelledAt = &cancelledAt
	doc.UpdatedAt = at
	return doc, nil
}

func lockTransaction(ctx context.Context, pgTx *sql.Tx, id string) (*domain.Transaction, error) {
	return scanTransaction(pgTx.QueryRowContext(ctx, `
		SELECT id, number, type, status, date, currency_id,
			COALESCE(counterparty_id,''), COALESCE(partner_id,''), description,
			total_amount, paid_amount, lines, created_by,
			created_at, updated_at, confirmed_at, cancelled_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func insertPosting(ctx context.Context, pgTx *sql.Tx, p domain.Posting) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO postings (
			id, transaction_id, ledger, register_id, product_id, warehouse_id,
			entity_id, currency_id, amount, quantity, stock_value, reversal, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, p.ID, p.TransactionID, p.Ledger, nullIfEmpty(p.RegisterID), nullIfEmpty(p.ProductID),
		nullIfEmpty(p.WarehouseID), nullIfEmpty(p.EntityID), nullIfEmpty(p.CurrencyID),
		p.Amount, p.Quantity, p.StockValue, p.Reversal, p.CreatedAt)
	return err
}

// applyPosting folds one signed delta into the projection tables. Accrual
// documents move the accrued side of the dividend/salary totals, payout
// documents the paid side.
func applyPosting(ctx context.Context, pgTx *sql.Tx, txType domain.TransactionType, p domain.Posting) error {
	switch p.Ledger {
	case domain.LedgerCash:
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO cash_balances (register_id, balance, updated_at)
			VALUES ($1,$2,now())
			ON CONFLICT (register_id)
			DO UPDATE SET balance = cash_balances.balance + EXCLUDED.balance, updated_at = now()
		`, p.RegisterID, p.Amount)
		return err
	case domain.LedgerStock:
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_positions (product_id, warehouse_id, quantity, total_value, updated_at)
			VALUES ($1,$2,$3,$4,now())
			ON CONFLICT (product_id, warehouse_id)
			DO UPDATE SET quantity = stock_positions.quantity + EXCLUDED.quantity,
				total_value = stock_positions.total_value + EXCLUDED.total_value,
				updated_at = now()
		`, p.ProductID, p.WarehouseID, p.Quantity, p.StockValue)
		return err
	case domain.LedgerCounterparty:
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO counterparty_balances (counterparty_id, currency_id, balance, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (counterparty_id, currency_id)
			DO UPDATE SET balance = counterparty_balances.balance + EXCLUDED.balance, updated_at = now()
		`, p.EntityID, p.CurrencyID, p.Amount)
		return err
	case domain.LedgerDividend, domain.LedgerSalary:
		accrued := p.Amount
		paid := decimal.Zero
		if txType != domain.TxDividendAccrual && txType != domain.TxSalaryAccrual {
			accrued = decimal.Zero
			paid = p.Amount.Neg()
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO entity_totals (ledger, entity_id, currency_id, accrued, paid, updated_at)
			VALUES ($1,$2,$3,$4,$5,now())
			ON CONFLICT (ledger, entity_id, currency_id)
			DO UPDATE SET accrued = entity_totals.accrued + EXCLUDED.accrued,
				paid = entity_totals.paid + EXCLUDED.paid,
				updated_at = now()
		`, p.Ledger, p.EntityID, p.CurrencyID, accrued, paid)
		return err
	default:
		return fmt.Errorf("unknown ledger %q", p.Ledger)
	}
}

func listPostingsTx(ctx context.Context, pgTx *sql.Tx, transactionID string) ([]domain.Posting, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, transaction_id, ledger, COALESCE(register_id,''), COALESCE(product_id,''),
			COALESCE(warehouse_id,''), COALESCE(entity_id,''), COALESCE(currency_id,''),
			amount, quantity, stock_value, reversal, created_at
		FROM postings
		WHERE transaction_id = $1 AND reversal = false
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPostings(rows)
}

func scanPostings(rows *sql.Rows) ([]domain.Posting, error) {
	postings := make([]domain.Posting, 0, 16)
	for rows.Next() {
		var p domain.Posting
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.Ledger, &p.RegisterID, &p.ProductID,
			&p.WarehouseID, &p.EntityID, &p.CurrencyID, &p.Amount, &p.Quantity,
			&p.StockValue, &p.Reversal, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		postings = append(postings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return postings, nil
}

// Projections.

func (s *Store) ListPostings(ctx context.Context, transactionID string) ([]domain.Posting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, ledger, COALESCE(register_id,''), COALESCE(product_id,''),
			COALESCE(warehouse_id,''), COALESCE(entity_id,''), COALESCE(currency_id,''),
			amount, quantity, stock_value, reversal, created_at
		FROM postings
		WHERE ($1 = '' OR transaction_id = $1)
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPostings(rows)
}

func (s *Store) GetCashBalances(ctx context.Context, registerID string) ([]domain.CashBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.currency_id, COALESCE(b.balance, 0)
		FROM cash_registers r
		LEFT JOIN cash_balances b ON b.register_id = r.id
		WHERE ($1 = '' OR r.id = $1)
		ORDER BY r.name
	`, registerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make([]domain.CashBalance, 0, 8)
	for rows.Next() {
		var b domain.CashBalance
		if err := rows.Scan(&b.RegisterID, &b.RegisterName, &b.CurrencyID, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

func (s *Store) GetStockSummary(ctx context.Context, warehouseID string) ([]domain.StockPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, warehouse_id, quantity, total_value
		FROM stock_positions
		WHERE ($1 = '' OR warehouse_id = $1)
			AND (quantity <> 0 OR total_value <> 0)
		ORDER BY product_id, warehouse_id
	`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]domain.StockPosition, 0, 64)
	for rows.Next() {
		var pos domain.StockPosition
		if err := rows.Scan(&pos.ProductID, &pos.WarehouseID, &pos.Quantity, &pos.TotalValue); err != nil {
			return nil, err
		}
		if pos.Quantity.IsPositive() {
			pos.AvgCost = pos.TotalValue.Div(pos.Quantity)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *Store) GetCounterpartyBalances(ctx context.Context, counterpartyID string) ([]domain.CounterpartyBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT counterparty_id, currency_id, balance
		FROM counterparty_balances
		WHERE ($1 = '' OR counterparty_id = $1)
			AND balance <> 0
		ORDER BY counterparty_id, currency_id
	`, counterpartyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make([]domain.CounterpartyBalance, 0, 32)
	for rows.Next() {
		var b domain.CounterpartyBalance
		if err := rows.Scan(&b.CounterpartyID, &b.CurrencyID, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

func (s *Store) GetDividendSummary(ctx context.Context, partnerID string) ([]domain.EntitySummary, error) {
	return s.entitySummaries(ctx, domain.LedgerDividend, partnerID)
}

func (s *Store) GetSalarySummary(ctx context.Context, userID string) ([]domain.EntitySummary, error) {
	return s.entitySummaries(ctx, domain.LedgerSalary, userID)
}

func (s *Store) entitySummaries(ctx context.Context, ledgerName domain.Ledger, entityID string) ([]domain.EntitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, currency_id, accrued, paid
		FROM entity_totals
		WHERE ledger = $1
			AND ($2 = '' OR entity_id = $2)
			AND (accrued <> 0 OR paid <> 0)
		ORDER BY entity_id, currency_id
	`, ledgerName, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.EntitySummary, 0, 16)
	for rows.Next() {
		var e domain.EntitySummary
		if err := rows.Scan(&e.EntityID, &e.CurrencyID, &e.Accrued, &e.Paid); err != nil {
			return nil, err
		}
		e.Outstanding = e.Accrued.Sub(e.Paid)
		summaries = append(summaries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Audit and users.

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidDocument
	}
	if user.Role == "" {
		user.Role = "accountant"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidDocument
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidDocument
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// mapConcurrencyError folds serialization failures, deadlocks and lock
// timeouts into store.ErrConflict so callers can retry the whole confirm.
func mapConcurrencyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return store.ErrConflict
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
