package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"balansa/backend/internal/domain"
	"balansa/backend/internal/ledger"
	"balansa/backend/internal/store"
	"balansa/backend/internal/xid"
)

type stockPosition struct {
	qty   decimal.Decimal
	value decimal.Decimal
}

type entityTotals struct {
	accrued decimal.Decimal
	paid    decimal.Decimal
}

// Store is the in-memory repository used for development and tests. One
// RWMutex guards everything, so confirm/cancel are trivially atomic: the
// posting build, the projection mutations and the status flip all happen
// under the same write lock.
type Store struct {
	mu              sync.RWMutex
	currencies      map[string]domain.Currency
	registers       map[string]domain.CashRegister
	warehouses      map[string]domain.Warehouse
	products        map[string]domain.Product
	services        map[string]domain.Service
	counterparties  map[string]domain.Counterparty
	partners        map[string]domain.Partner
	usersByUsername map[string]domain.UserAccount

	transactionsByID map[string]*domain.Transaction
	txOrder          []string
	numberSeq        int

	postings []domain.Posting

	cashBalances         map[string]decimal.Decimal // registerID
	stockPositions       map[string]stockPosition   // productID|warehouseID
	counterpartyBalances map[string]decimal.Decimal // counterpartyID|currencyID
	dividendTotals       map[string]entityTotals    // partnerID|currencyID
	salaryTotals         map[string]entityTotals    // userID|currencyID

	auditLogs []domain.AuditLog
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_ACCOUNTANT_PASSWORD; hardcoded defaults
// are used with a warning when unset. Production deployments run against
// PostgreSQL (DATABASE_URL) and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	accountantPwd := envOr("SEED_ACCOUNTANT_PASSWORD", "accountant123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_ACCOUNTANT_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_ACCOUNTANT_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"accountant", accountantPwd, "accountant"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := &Store{
		currencies:           map[string]domain.Currency{},
		registers:            map[string]domain.CashRegister{},
		warehouses:           map[string]domain.Warehouse{},
		products:             map[string]domain.Product{},
		services:             map[string]domain.Service{},
		counterparties:       map[string]domain.Counterparty{},
		partners:             map[string]domain.Partner{},
		usersByUsername:      seedUsers(),
		transactionsByID:     map[string]*domain.Transaction{},
		cashBalances:         map[string]decimal.Decimal{},
		stockPositions:       map[string]stockPosition{},
		counterpartyBalances: map[string]decimal.Decimal{},
		dividendTotals:       map[string]entityTotals{},
		salaryTotals:         map[string]entityTotals{},
	}

	for _, c := range []domain.Currency{
		{ID: "usd", Code: "USD", Name: "US Dollar", Precision: 2},
		{ID: "eur", Code: "EUR", Name: "Euro", Precision: 2},
	} {
		s.currencies[c.ID] = c
	}
	for _, r := range []domain.CashRegister{
		{ID: "reg-main", Name: "Main register", CurrencyID: "usd"},
		{ID: "reg-eur", Name: "EUR register", CurrencyID: "eur"},
	} {
		s.registers[r.ID] = r
	}
	for _, w := range []domain.Warehouse{
		{ID: "wh-main", Name: "Main warehouse"},
		{ID: "wh-retail", Name: "Retail warehouse"},
	} {
		s.warehouses[w.ID] = w
	}
	for _, p := range []domain.Product{
		{ID: "prod-flour", SKU: "FLOUR-25", Name: "Flour 25kg", Unit: "bag"},
		{ID: "prod-sugar", SKU: "SUGAR-50", Name: "Sugar 50kg", Unit: "bag"},
		{ID: "prod-oil", SKU: "OIL-10", Name: "Sunflower oil 10L", Unit: "can"},
		{ID: "prod-salt", SKU: "SALT-01", Name: "Salt 1kg", Unit: "pack"},
	} {
		s.products[p.ID] = p
	}
	for _, sv := range []domain.Service{
		{ID: "svc-delivery", Name: "Delivery"},
		{ID: "svc-assembly", Name: "Assembly"},
	} {
		s.services[sv.ID] = sv
	}
	for _, cp := range []domain.Counterparty{
		{ID: "cp-acme", Name: "Acme Trading LLC", Phone: "+1-202-555-0104"},
		{ID: "cp-orbit", Name: "Orbit Foods", Phone: "+1-202-555-0188"},
	} {
		s.counterparties[cp.ID] = cp
	}
	for _, pt := range []domain.Partner{
		{ID: "prt-karimov", Name: "B. Karimov"},
		{ID: "prt-lee", Name: "S. Lee"},
	} {
		s.partners[pt.ID] = pt
	}

	return s
}

func stockKey(productID, warehouseID string) string {
	return productID + "|" + warehouseID
}

func entityKey(entityID, currencyID string) string {
	return entityID + "|" + currencyID
}

func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// Reference data.

func (s *Store) CreateCurrency(_ context.Context, currency domain.Currency) (*domain.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if currency.ID == "" || currency.Code == "" {
		return nil, store.ErrInvalidDocument
	}
	if _, exists := s.currencies[currency.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.currencies[currency.ID] = currency
	created := currency
	return &created, nil
}

func (s *Store) ListCurrencies(_ context.Context) ([]domain.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Currency, 0, len(s.currencies))
	for _, c := range s.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) CreateCashRegister(_ context.Context, register domain.CashRegister) (*domain.CashRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if register.Name == "" {
		return nil, store.ErrInvalidDocument
	}
	if _, ok := s.currencies[register.CurrencyID]; !ok {
		return nil, store.ErrNotFound
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	if _, exists := s.registers[register.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.registers[register.ID] = register
	created := register
	return &created, nil
}

func (s *Store) ListCashRegisters(_ context.Context) ([]domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CashRegister, 0, len(s.registers))
	for _, r := range s.registers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if warehouse.Name == "" {
		return nil, store.ErrInvalidDocument
	}
	if warehouse.ID == "" {
		warehouse.ID = xid.New("wh")
	}
	if _, exists := s.warehouses[warehouse.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.warehouses[warehouse.ID] = warehouse
	created := warehouse
	return &created, nil
}

func (s *Store) ListWarehouses(_ context.Context) ([]domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Warehouse, 0, len(s.warehouses))
	for _, w := range s.warehouses {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidDocument
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) CreateService(_ context.Context, service domain.Service) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if service.Name == "" {
		return nil, store.ErrInvalidDocument
	}
	if service.ID == "" {
		service.ID = xid.New("svc")
	}
	if _, exists := s.services[service.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.services[service.ID] = service
	created := service
	return &created, nil
}

func (s *Store) ListServices(_ context.Context) ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Service, 0, len(s.services))
	for _, sv := range s.services {
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateCounterparty(_ context.Context, counterparty domain.Counterparty) (*domain.Counterparty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counterparty.Name == "" {
		return nil, store.ErrInvalidDocument
	}
	if counterparty.ID == "" {
		counterparty.ID = xid.New("cp")
	}
	if _, exists := s.counterparties[counterparty.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.counterparties[counterparty.ID] = counterparty
	created := counterparty
	return &created, nil
}

func (s *Store) ListCounterparties(_ context.Context) ([]domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Counterparty, 0, len(s.counterparties))
	for _, cp := range s.counterparties {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreatePartner(_ context.Context, partner domain.Partner) (*domain.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if partner.Name == "" {
		return nil, store.ErrInvalidDocument
	}
	if partner.ID == "" {
		partner.ID = xid.New("prt")
	}
	if _, exists := s.partners[partner.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.partners[partner.ID] = partner
	created := partner
	return &created, nil
}

func (s *Store) ListPartners(_ context.Context) ([]domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Partner, 0, len(s.partners))
	for _, pt := range s.partners {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetReferenceData(_ context.Context) (domain.ReferenceData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referenceDataLocked(), nil
}

// referenceDataLocked builds the reference snapshot. Callers must hold s.mu.
func (s *Store) referenceDataLocked() domain.ReferenceData {
	refs := domain.ReferenceData{
		Currencies:     make(map[string]domain.Currency, len(s.currencies)),
		Registers:      make(map[string]domain.CashRegister, len(s.registers)),
		Warehouses:     make(map[string]domain.Warehouse, len(s.warehouses)),
		Products:       make(map[string]domain.Product, len(s.products)),
		Services:       make(map[string]domain.Service, len(s.services)),
		Counterparties: make(map[string]domain.Counterparty, len(s.counterparties)),
		Partners:       make(map[string]domain.Partner, len(s.partners)),
		Users:          make(map[string]struct{}, len(s.usersByUsername)),
	}
	for id, c := range s.currencies {
		refs.Currencies[id] = c
	}
	for id, r := range s.registers {
		refs.Registers[id] = r
	}
	for id, w := range s.warehouses {
		refs.Warehouses[id] = w
	}
	for id, p := range s.products {
		refs.Products[id] = p
	}
	for id, sv := range s.services {
		refs.Services[id] = sv
	}
	for id, cp := range s.counterparties {
		refs.Counterparties[id] = cp
	}
	for id, pt := range s.partners {
		refs.Partners[id] = pt
	}
	for username := range s.usersByUsername {
		refs.Users[username] = struct{}{}
	}
	return refs
}

// Documents.

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !tx.Type.Valid() {
		return nil, store.ErrInvalidDocument
	}
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrInvalidDocument
	}
	s.numberSeq++
	tx.Number = fmt.Sprintf("TX-%06d", s.numberSeq)
	tx.Status = domain.StatusDraft
	stored := tx
	s.transactionsByID[tx.ID] = &stored
	s.txOrder = append(s.txOrder, tx.ID)

	out := copyTransaction(&stored)
	return &out, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactionsByID[tx.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Status != domain.StatusDraft {
		return nil, store.ErrAlreadyFinalized
	}
	// Type and number are immutable after creation.
	tx.Type = existing.Type
	tx.Number = existing.Number
	tx.Status = existing.Status
	tx.CreatedBy = existing.CreatedBy
	tx.CreatedAt = existing.CreatedAt
	stored := tx
	s.transactionsByID[tx.ID] = &stored

	out := copyTransaction(&stored)
	return &out, nil
}

func (s *Store) GetTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyTransaction(tx)
	return &out, nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	out := make([]domain.Transaction, 0, limit)
	for i := len(s.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.transactionsByID[s.txOrder[i]]
		if filter.Type != "" && string(tx.Type) != filter.Type {
			continue
		}
		if filter.Status != "" && string(tx.Status) != filter.Status {
			continue
		}
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

// view adapts the store's projection maps to ledger.View. Callers must hold
// the write lock for the whole confirm/cancel.
type view struct {
	s *Store
}

func (v view) StockPosition(productID string, warehouseID string) (decimal.Decimal, decimal.Decimal) {
	pos := v.s.stockPositions[stockKey(productID, warehouseID)]
	return pos.qty, pos.value
}

func (v view) RegisterCurrency(registerID string) (string, bool) {
	register, ok := v.s.registers[registerID]
	if !ok {
		return "", false
	}
	return register.CurrencyID, true
}

func (s *Store) ConfirmTransaction(_ context.Context, id string, at time.Time, check store.ConfirmCheck) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.StatusDraft {
		return nil, store.ErrAlreadyFinalized
	}

	// The check sees the document as it will be posted. Running it under the
	// same lock closes the window where a racing draft update could slip an
	// unvalidated document past a confirm.
	if check != nil {
		if err := check(copyTransaction(tx), s.referenceDataLocked()); err != nil {
			return nil, err
		}
	}

	postings, err := ledger.BuildPostings(*tx, view{s: s}, at, func() string { return xid.New("pst") })
	if err != nil {
		return nil, err
	}

	for _, p := range postings {
		s.applyPosting(tx.Type, p)
	}
	s.postings = append(s.postings, postings...)
	tx.Status = domain.StatusConfirmed
	confirmedAt := at
	tx.ConfirmedAt = &confirmedAt
	tx.UpdatedAt = at

	out := copyTransaction(tx)
	return &out, nil
}

func (s *Store) CancelTransaction(_ context.Context, id string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.StatusCancelled {
		return nil, store.ErrAlreadyFinalized
	}

	if tx.Status == domain.StatusConfirmed {
		original := make([]domain.Posting, 0, 8)
		for _, p := range s.postings {
			if p.TransactionID == tx.ID && !p.Reversal {
				original = append(original, p)
			}
		}
		reversed := ledger.Reverse(original, at, func() string { return xid.New("pst") })
		for _, p := range reversed {
			s.applyPosting(tx.Type, p)
		}
		s.postings = append(s.postings, reversed...)
	}

	tx.Status = domain.StatusCancelled
	cancelledAt := at
	tx.CancelledAt = &cancelledAt
	tx.UpdatedAt = at

	out := copyTransaction(tx)
	return &out, nil
}

// applyPosting folds one signed delta into the projection maps. Accrual
// documents move the accrued side of the dividend/salary totals, payout
// documents the paid side; reversals net out through their negated amounts.
func (s *Store) applyPosting(txType domain.TransactionType, p domain.Posting) {
	switch p.Ledger {
	case domain.LedgerCash:
		s.cashBalances[p.RegisterID] = s.cashBalances[p.RegisterID].Add(p.Amount)
	case domain.LedgerStock:
		key := stockKey(p.ProductID, p.WarehouseID)
		pos := s.stockPositions[key]
		pos.qty = pos.qty.Add(p.Quantity)
		pos.value = pos.value.Add(p.StockValue)
		s.stockPositions[key] = pos
	case domain.LedgerCounterparty:
		key := entityKey(p.EntityID, p.CurrencyID)
		s.counterpartyBalances[key] = s.counterpartyBalances[key].Add(p.Amount)
	case domain.LedgerDividend:
		key := entityKey(p.EntityID, p.CurrencyID)
		totals := s.dividendTotals[key]
		if txType == domain.TxDividendAccrual {
			totals.accrued = totals.accrued.Add(p.Amount)
		} else {
			totals.paid = totals.paid.Sub(p.Amount)
		}
		s.dividendTotals[key] = totals
	case domain.LedgerSalary:
		key := entityKey(p.EntityID, p.CurrencyID)
		totals := s.salaryTotals[key]
		if txType == domain.TxSalaryAccrual {
			totals.accrued = totals.accrued.Add(p.Amount)
		} else {
			totals.paid = totals.paid.Sub(p.Amount)
		}
		s.salaryTotals[key] = totals
	}
}

// Projections.

func (s *Store) ListPostings(_ context.Context, transactionID string) ([]domain.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Posting, 0, 16)
	for _, p := range s.postings {
		if transactionID != "" && p.TransactionID != transactionID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) GetCashBalances(_ context.Context, registerID string) ([]domain.CashBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashBalance, 0, len(s.registers))
	for _, register := range s.registers {
		if registerID != "" && register.ID != registerID {
			continue
		}
		out = append(out, domain.CashBalance{
			RegisterID:   register.ID,
			RegisterName: register.Name,
			CurrencyID:   register.CurrencyID,
			Balance:      s.cashBalances[register.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisterName < out[j].RegisterName })
	return out, nil
}

func (s *Store) GetStockSummary(_ context.Context, warehouseID string) ([]domain.StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockPosition, 0, len(s.stockPositions))
	for key, pos := range s.stockPositions {
		productID, whID := splitKey(key)
		if warehouseID != "" && whID != warehouseID {
			continue
		}
		if pos.qty.IsZero() && pos.value.IsZero() {
			continue
		}
		avg := decimal.Zero
		if pos.qty.IsPositive() {
			avg = pos.value.Div(pos.qty)
		}
		out = append(out, domain.StockPosition{
			ProductID:   productID,
			WarehouseID: whID,
			Quantity:    pos.qty,
			TotalValue:  pos.value,
			AvgCost:     avg,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID == out[j].ProductID {
			return out[i].WarehouseID < out[j].WarehouseID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (s *Store) GetCounterpartyBalances(_ context.Context, counterpartyID string) ([]domain.CounterpartyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CounterpartyBalance, 0, len(s.counterpartyBalances))
	for key, balance := range s.counterpartyBalances {
		entityID, currencyID := splitKey(key)
		if counterpartyID != "" && entityID != counterpartyID {
			continue
		}
		if balance.IsZero() {
			continue
		}
		out = append(out, domain.CounterpartyBalance{
			CounterpartyID: entityID,
			CurrencyID:     currencyID,
			Balance:        balance,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CounterpartyID == out[j].CounterpartyID {
			return out[i].CurrencyID < out[j].CurrencyID
		}
		return out[i].CounterpartyID < out[j].CounterpartyID
	})
	return out, nil
}

func (s *Store) GetDividendSummary(_ context.Context, partnerID string) ([]domain.EntitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(s.dividendTotals, partnerID), nil
}

func (s *Store) GetSalarySummary(_ context.Context, userID string) ([]domain.EntitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(s.salaryTotals, userID), nil
}

func summarize(totals map[string]entityTotals, entityID string) []domain.EntitySummary {
	out := make([]domain.EntitySummary, 0, len(totals))
	for key, t := range totals {
		id, currencyID := splitKey(key)
		if entityID != "" && id != entityID {
			continue
		}
		if t.accrued.IsZero() && t.paid.IsZero() {
			continue
		}
		out = append(out, domain.EntitySummary{
			EntityID:    id,
			CurrencyID:  currencyID,
			Accrued:     t.accrued,
			Paid:        t.paid,
			Outstanding: t.accrued.Sub(t.paid),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID == out[j].EntityID {
			return out[i].CurrencyID < out[j].CurrencyID
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Projections is a comparable snapshot of every projection family, used to
// check that the incrementally maintained state matches a fold over the
// posting history.
type Projections struct {
	Cash         map[string]decimal.Decimal
	StockQty     map[string]decimal.Decimal
	StockValue   map[string]decimal.Decimal
	Counterparty map[string]decimal.Decimal
	DivAccrued   map[string]decimal.Decimal
	DivPaid      map[string]decimal.Decimal
	SalAccrued   map[string]decimal.Decimal
	SalPaid      map[string]decimal.Decimal
}

func newProjections() Projections {
	return Projections{
		Cash:         map[string]decimal.Decimal{},
		StockQty:     map[string]decimal.Decimal{},
		StockValue:   map[string]decimal.Decimal{},
		Counterparty: map[string]decimal.Decimal{},
		DivAccrued:   map[string]decimal.Decimal{},
		DivPaid:      map[string]decimal.Decimal{},
		SalAccrued:   map[string]decimal.Decimal{},
		SalPaid:      map[string]decimal.Decimal{},
	}
}

// SnapshotProjections copies the incrementally maintained projection state.
func (s *Store) SnapshotProjections() Projections {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := newProjections()
	for id, balance := range s.cashBalances {
		snap.Cash[id] = balance
	}
	for key, pos := range s.stockPositions {
		snap.StockQty[key] = pos.qty
		snap.StockValue[key] = pos.value
	}
	for key, balance := range s.counterpartyBalances {
		snap.Counterparty[key] = balance
	}
	for key, t := range s.dividendTotals {
		snap.DivAccrued[key] = t.accrued
		snap.DivPaid[key] = t.paid
	}
	for key, t := range s.salaryTotals {
		snap.SalAccrued[key] = t.accrued
		snap.SalPaid[key] = t.paid
	}
	return snap
}

// FoldProjections recomputes every projection from scratch by folding the
// append-only posting history. It must always agree with SnapshotProjections.
func (s *Store) FoldProjections() Projections {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fold := newProjections()
	for _, p := range s.postings {
		owner, ok := s.transactionsByID[p.TransactionID]
		if !ok {
			// A posting without its owning document cannot be attributed.
			continue
		}
		txType := owner.Type
		switch p.Ledger {
		case domain.LedgerCash:
			fold.Cash[p.RegisterID] = fold.Cash[p.RegisterID].Add(p.Amount)
		case domain.LedgerStock:
			key := stockKey(p.ProductID, p.WarehouseID)
			fold.StockQty[key] = fold.StockQty[key].Add(p.Quantity)
			fold.StockValue[key] = fold.StockValue[key].Add(p.StockValue)
		case domain.LedgerCounterparty:
			key := entityKey(p.EntityID, p.CurrencyID)
			fold.Counterparty[key] = fold.Counterparty[key].Add(p.Amount)
		case domain.LedgerDividend:
			key := entityKey(p.EntityID, p.CurrencyID)
			if txType == domain.TxDividendAccrual {
				fold.DivAccrued[key] = fold.DivAccrued[key].Add(p.Amount)
			} else {
				fold.DivPaid[key] = fold.DivPaid[key].Sub(p.Amount)
			}
		case domain.LedgerSalary:
			key := entityKey(p.EntityID, p.CurrencyID)
			if txType == domain.TxSalaryAccrual {
				fold.SalAccrued[key] = fold.SalAccrued[key].Add(p.Amount)
			} else {
				fold.SalPaid[key] = fold.SalPaid[key].Sub(p.Amount)
			}
		}
	}
	return fold
}

// Audit and users.

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidDocument
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidDocument
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func copyTransaction(tx *domain.Transaction) domain.Transaction {
	out := *tx
	out.StockItems = append([]domain.StockItem(nil), tx.StockItems...)
	out.CashEntries = append([]domain.CashEntry(nil), tx.CashEntries...)
	out.DividendEntries = append([]domain.DividendEntry(nil), tx.DividendEntries...)
	out.SalaryEntries = append([]domain.SalaryEntry(nil), tx.SalaryEntries...)
	out.ServiceEntries = append([]domain.ServiceEntry(nil), tx.ServiceEntries...)
	return out
}
