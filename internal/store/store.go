package store

import (
	"context"
	"errors"
	"time"

	"balansa/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrAlreadyFinalized  = errors.New("transaction already finalized")
	ErrConflict          = errors.New("concurrent modification, retry")
	ErrInvalidDocument   = errors.New("invalid document")
)

// ConfirmCheck runs inside the store's atomic confirm unit, against the
// document and reference data as they exist under the confirm lock. A non-nil
// error aborts the confirm before any posting is built or applied.
type ConfirmCheck func(tx domain.Transaction, refs domain.ReferenceData) error

// Repository is the durable source of truth: transactions and their postings
// are append-only history, projections are derived state the store keeps in
// lockstep with that history. ConfirmTransaction and CancelTransaction are
// atomic: either every posting applies or none does.
type Repository interface {
	CreateCurrency(ctx context.Context, currency domain.Currency) (*domain.Currency, error)
	ListCurrencies(ctx context.Context) ([]domain.Currency, error)
	CreateCashRegister(ctx context.Context, register domain.CashRegister) (*domain.CashRegister, error)
	ListCashRegisters(ctx context.Context) ([]domain.CashRegister, error)
	CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)
	ListWarehouses(ctx context.Context) ([]domain.Warehouse, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateService(ctx context.Context, service domain.Service) (*domain.Service, error)
	ListServices(ctx context.Context) ([]domain.Service, error)
	CreateCounterparty(ctx context.Context, counterparty domain.Counterparty) (*domain.Counterparty, error)
	ListCounterparties(ctx context.Context) ([]domain.Counterparty, error)
	CreatePartner(ctx context.Context, partner domain.Partner) (*domain.Partner, error)
	ListPartners(ctx context.Context) ([]domain.Partner, error)
	GetReferenceData(ctx context.Context) (domain.ReferenceData, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)

	ConfirmTransaction(ctx context.Context, id string, at time.Time, check ConfirmCheck) (*domain.Transaction, error)
	CancelTransaction(ctx context.Context, id string, at time.Time) (*domain.Transaction, error)

	ListPostings(ctx context.Context, transactionID string) ([]domain.Posting, error)
	GetCashBalances(ctx context.Context, registerID string) ([]domain.CashBalance, error)
	GetStockSummary(ctx context.Context, warehouseID string) ([]domain.StockPosition, error)
	GetCounterpartyBalances(ctx context.Context, counterpartyID string) ([]domain.CounterpartyBalance, error)
	GetDividendSummary(ctx context.Context, partnerID string) ([]domain.EntitySummary, error)
	GetSalarySummary(ctx context.Context, userID string) ([]domain.EntitySummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
