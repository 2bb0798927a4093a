package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"balansa/backend/internal/cache"
	"balansa/backend/internal/config"
	"balansa/backend/internal/domain"
	"balansa/backend/internal/ledger"
	"balansa/backend/internal/store"
	"balansa/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const (
	cacheKeyCash         = "summary:cash"
	cacheKeyStock        = "summary:stock"
	cacheKeyCounterparty = "summary:counterparty"
	cacheKeyDividend     = "summary:dividend"
	cacheKeySalary       = "summary:salary"
)

type Service struct {
	repo      store.Repository
	summaries cache.SummaryCache
	cacheTTL  time.Duration
	logger    *logrus.Logger
}

func New(repo store.Repository, summaries cache.SummaryCache, cacheTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if cacheTTL < time.Second {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:      repo,
		summaries: summaries,
		cacheTTL:  cacheTTL,
		logger:    config.GetLogger(),
	}
}

// Documents.

func (s *Service) ListTransactionTypes() []domain.TransactionTypeInfo {
	types := domain.AllTransactionTypes()
	infos := make([]domain.TransactionTypeInfo, 0, len(types))
	for _, t := range types {
		infos = append(infos, domain.TransactionTypeInfo{Value: string(t), Label: t.Label()})
	}
	return infos
}

// parseDocumentDate accepts a bare day or a full timestamp.
func parseDocumentDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// draftFromRequest applies the light validation drafts get: the document must
// be addressable (known type, parseable date, a currency, sane amounts) but
// may still be incomplete. Full validation runs at confirm.
func draftFromRequest(req domain.TransactionDraftRequest) (domain.Transaction, ledger.ValidationErrors) {
	var verrs ledger.ValidationErrors

	txType := domain.TransactionType(strings.TrimSpace(req.Type))
	if !txType.Valid() {
		verrs = append(verrs, ledger.FieldError{Field: "type", Reason: "unknown transaction type"})
	}
	date, err := parseDocumentDate(req.Date)
	if err != nil {
		verrs = append(verrs, ledger.FieldError{Field: "date", Reason: "must be YYYY-MM-DD or RFC 3339"})
	}
	if strings.TrimSpace(req.CurrencyID) == "" {
		verrs = append(verrs, ledger.FieldError{Field: "currency_id", Reason: "required"})
	}
	if req.TotalAmount.IsNegative() {
		verrs = append(verrs, ledger.FieldError{Field: "total_amount", Reason: "must not be negative"})
	}
	if req.PaidAmount.IsNegative() {
		verrs = append(verrs, ledger.FieldError{Field: "paid_amount", Reason: "must not be negative"})
	}
	if len(verrs) > 0 {
		return domain.Transaction{}, verrs
	}

	return domain.Transaction{
		Type:            txType,
		Date:            date,
		CurrencyID:      strings.TrimSpace(req.CurrencyID),
		CounterpartyID:  strings.TrimSpace(req.CounterpartyID),
		PartnerID:       strings.TrimSpace(req.PartnerID),
		Description:     strings.TrimSpace(req.Description),
		TotalAmount:     req.TotalAmount,
		PaidAmount:      req.PaidAmount,
		StockItems:      req.StockItems,
		CashEntries:     req.CashEntries,
		DividendEntries: req.DividendEntries,
		SalaryEntries:   req.SalaryEntries,
		ServiceEntries:  req.ServiceEntries,
	}, nil
}

func (s *Service) CreateDraft(ctx context.Context, req domain.TransactionDraftRequest) (domain.TransactionResponse, error) {
	tx, verrs := draftFromRequest(req)
	if len(verrs) > 0 {
		return domain.TransactionResponse{}, verrs
	}

	actor, _ := ActorFromContext(ctx)
	now := time.Now().UTC()
	tx.CreatedBy = actor.Username
	tx.CreatedAt = now
	tx.UpdatedAt = now

	created, err := s.repo.CreateTransaction(ctx, tx)
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.logAudit(ctx, "transaction_create", "transaction", created.ID, fmt.Sprintf("number=%s,type=%s", created.Number, created.Type))
	return domain.TransactionResponse{Transaction: *created}, nil
}

func (s *Service) UpdateDraft(ctx context.Context, id string, req domain.TransactionDraftRequest) (domain.TransactionResponse, error) {
	existing, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	if existing.Status != domain.StatusDraft {
		return domain.TransactionResponse{}, store.ErrAlreadyFinalized
	}
	if req.Type == "" {
		req.Type = string(existing.Type)
	}
	if domain.TransactionType(req.Type) != existing.Type {
		return domain.TransactionResponse{}, ledger.ValidationErrors{
			{Field: "type", Reason: "type cannot change after creation"},
		}
	}

	tx, verrs := draftFromRequest(req)
	if len(verrs) > 0 {
		return domain.TransactionResponse{}, verrs
	}
	tx.ID = existing.ID
	tx.UpdatedAt = time.Now().UTC()

	updated, err := s.repo.UpdateTransaction(ctx, tx)
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.logAudit(ctx, "transaction_update", "transaction", updated.ID, fmt.Sprintf("number=%s", updated.Number))
	return domain.TransactionResponse{Transaction: *updated}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.TransactionResponse, error) {
	tx, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	return domain.TransactionResponse{Transaction: *tx}, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionListResponse, error) {
	transactions, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return domain.TransactionListResponse{}, err
	}
	return domain.TransactionListResponse{Transactions: transactions}, nil
}

func (s *Service) ListPostings(ctx context.Context, transactionID string) (domain.PostingListResponse, error) {
	if transactionID != "" {
		if _, err := s.repo.GetTransactionByID(ctx, transactionID); err != nil {
			return domain.PostingListResponse{}, err
		}
	}
	postings, err := s.repo.ListPostings(ctx, transactionID)
	if err != nil {
		return domain.PostingListResponse{}, err
	}
	return domain.PostingListResponse{Postings: postings}, nil
}

// Confirm hands the document to the store for the atomic posting run. The
// full per-type validation runs as a check inside the store's confirm unit,
// against the document and reference data under the same lock, so a racing
// draft update can never get an unvalidated document posted.
func (s *Service) Confirm(ctx context.Context, id string) (domain.TransactionResponse, error) {
	confirmed, err := s.repo.ConfirmTransaction(ctx, id, time.Now().UTC(), func(tx domain.Transaction, refs domain.ReferenceData) error {
		if verrs := ledger.Validate(tx, refs); len(verrs) > 0 {
			return verrs
		}
		return nil
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.invalidateSummaries(ctx)
	s.logAudit(ctx, "transaction_confirm", "transaction", confirmed.ID, fmt.Sprintf("number=%s,type=%s,total=%s", confirmed.Number, confirmed.Type, confirmed.TotalAmount))
	return domain.TransactionResponse{Transaction: *confirmed}, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (domain.TransactionResponse, error) {
	cancelled, err := s.repo.CancelTransaction(ctx, id, time.Now().UTC())
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.invalidateSummaries(ctx)
	s.logAudit(ctx, "transaction_cancel", "transaction", cancelled.ID, fmt.Sprintf("number=%s", cancelled.Number))
	return domain.TransactionResponse{Transaction: *cancelled}, nil
}

// Projections. Only the unfiltered reads go through the cache; filtered ones
// are rare enough to always hit the store.

func (s *Service) CashBalances(ctx context.Context, registerID string) (domain.CashBalanceResponse, error) {
	var resp domain.CashBalanceResponse
	if registerID == "" && s.cacheLookup(ctx, cacheKeyCash, &resp) {
		return resp, nil
	}

	balances, err := s.repo.GetCashBalances(ctx, registerID)
	if err != nil {
		return domain.CashBalanceResponse{}, err
	}
	resp = domain.CashBalanceResponse{Balances: balances}

	if registerID == "" {
		s.cacheStore(ctx, cacheKeyCash, resp)
	}
	return resp, nil
}

func (s *Service) StockSummary(ctx context.Context, warehouseID string) (domain.StockSummaryResponse, error) {
	var resp domain.StockSummaryResponse
	if warehouseID == "" && s.cacheLookup(ctx, cacheKeyStock, &resp) {
		return resp, nil
	}

	positions, err := s.repo.GetStockSummary(ctx, warehouseID)
	if err != nil {
		return domain.StockSummaryResponse{}, err
	}
	resp = domain.StockSummaryResponse{Positions: positions}
	for _, pos := range positions {
		resp.TotalValue = resp.TotalValue.Add(pos.TotalValue)
	}

	if warehouseID == "" {
		s.cacheStore(ctx, cacheKeyStock, resp)
	}
	return resp, nil
}

func (s *Service) CounterpartySummary(ctx context.Context, counterpartyID string) (domain.CounterpartySummaryResponse, error) {
	var resp domain.CounterpartySummaryResponse
	if counterpartyID == "" && s.cacheLookup(ctx, cacheKeyCounterparty, &resp) {
		return resp, nil
	}

	balances, err := s.repo.GetCounterpartyBalances(ctx, counterpartyID)
	if err != nil {
		return domain.CounterpartySummaryResponse{}, err
	}
	resp = domain.CounterpartySummaryResponse{Balances: balances}
	for _, b := range balances {
		if b.Balance.IsPositive() {
			resp.Debtors++
		} else if b.Balance.IsNegative() {
			resp.Creditors++
		}
	}

	if counterpartyID == "" {
		s.cacheStore(ctx, cacheKeyCounterparty, resp)
	}
	return resp, nil
}

func (s *Service) DividendSummary(ctx context.Context, partnerID string) (domain.EntitySummaryResponse, error) {
	var resp domain.EntitySummaryResponse
	if partnerID == "" && s.cacheLookup(ctx, cacheKeyDividend, &resp) {
		return resp, nil
	}

	summaries, err := s.repo.GetDividendSummary(ctx, partnerID)
	if err != nil {
		return domain.EntitySummaryResponse{}, err
	}
	resp = domain.EntitySummaryResponse{Summaries: summaries}

	if partnerID == "" {
		s.cacheStore(ctx, cacheKeyDividend, resp)
	}
	return resp, nil
}

func (s *Service) SalarySummary(ctx context.Context, userID string) (domain.EntitySummaryResponse, error) {
	var resp domain.EntitySummaryResponse
	if userID == "" && s.cacheLookup(ctx, cacheKeySalary, &resp) {
		return resp, nil
	}

	summaries, err := s.repo.GetSalarySummary(ctx, userID)
	if err != nil {
		return domain.EntitySummaryResponse{}, err
	}
	resp = domain.EntitySummaryResponse{Summaries: summaries}

	if userID == "" {
		s.cacheStore(ctx, cacheKeySalary, resp)
	}
	return resp, nil
}

func (s *Service) cacheLookup(ctx context.Context, key string, out any) bool {
	payload, ok, err := s.summaries.Get(ctx, key)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("summary cache get failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("summary cache payload corrupt")
		return false
	}
	return true
}

func (s *Service) cacheStore(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.summaries.Set(ctx, key, payload, s.cacheTTL); err != nil {
		s.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("summary cache set failed")
	}
}

func (s *Service) invalidateSummaries(ctx context.Context) {
	err := s.summaries.Invalidate(ctx, cacheKeyCash, cacheKeyStock, cacheKeyCounterparty, cacheKeyDividend, cacheKeySalary)
	if err != nil {
		s.logger.WithError(err).Warn("summary cache invalidation failed")
	}
}

// Reference data. Creation is admin-only; reads are open to both roles.

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func (s *Service) CreateCurrency(ctx context.Context, currency domain.Currency) (domain.Currency, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Currency{}, err
	}
	currency.ID = strings.ToLower(strings.TrimSpace(currency.ID))
	if currency.ID == "" {
		currency.ID = strings.ToLower(strings.TrimSpace(currency.Code))
	}
	created, err := s.repo.CreateCurrency(ctx, currency)
	if err != nil {
		return domain.Currency{}, err
	}
	s.logAudit(ctx, "currency_create", "currency", created.ID, created.Code)
	return *created, nil
}

func (s *Service) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	return s.repo.ListCurrencies(ctx)
}

func (s *Service) CreateCashRegister(ctx context.Context, register domain.CashRegister) (domain.CashRegister, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CashRegister{}, err
	}
	created, err := s.repo.CreateCashRegister(ctx, register)
	if err != nil {
		return domain.CashRegister{}, err
	}
	s.logAudit(ctx, "register_create", "cash_register", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListCashRegisters(ctx context.Context) ([]domain.CashRegister, error) {
	return s.repo.ListCashRegisters(ctx)
}

func (s *Service) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (domain.Warehouse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Warehouse{}, err
	}
	created, err := s.repo.CreateWarehouse(ctx, warehouse)
	if err != nil {
		return domain.Warehouse{}, err
	}
	s.logAudit(ctx, "warehouse_create", "warehouse", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" {
		return domain.Product{}, store.ErrInvalidDocument
	}
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,name=%s", created.SKU, created.Name))
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateService(ctx context.Context, svc domain.Service) (domain.Service, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Service{}, err
	}
	created, err := s.repo.CreateService(ctx, svc)
	if err != nil {
		return domain.Service{}, err
	}
	s.logAudit(ctx, "service_create", "service", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListServices(ctx context.Context) ([]domain.Service, error) {
	return s.repo.ListServices(ctx)
}

func (s *Service) CreateCounterparty(ctx context.Context, counterparty domain.Counterparty) (domain.Counterparty, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Counterparty{}, err
	}
	created, err := s.repo.CreateCounterparty(ctx, counterparty)
	if err != nil {
		return domain.Counterparty{}, err
	}
	s.logAudit(ctx, "counterparty_create", "counterparty", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListCounterparties(ctx context.Context) ([]domain.Counterparty, error) {
	return s.repo.ListCounterparties(ctx)
}

func (s *Service) CreatePartner(ctx context.Context, partner domain.Partner) (domain.Partner, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Partner{}, err
	}
	created, err := s.repo.CreatePartner(ctx, partner)
	if err != nil {
		return domain.Partner{}, err
	}
	s.logAudit(ctx, "partner_create", "partner", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	return s.repo.ListPartners(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidDocument
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}
