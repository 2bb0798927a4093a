package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType discriminates which line-item groups a document may carry
// and how its postings are signed.
type TransactionType string

const (
	TxCashIn          TransactionType = "cash_in"
	TxCashOut         TransactionType = "cash_out"
	TxSale            TransactionType = "sale"
	TxSalePayment     TransactionType = "sale_payment"
	TxPurchase        TransactionType = "purchase"
	TxPurchasePayment TransactionType = "purchase_payment"
	TxTransfer        TransactionType = "transfer"
	TxDividendAccrual TransactionType = "dividend_accrual"
	TxDividendPayment TransactionType = "dividend_payment"
	TxSalaryAccrual   TransactionType = "salary_accrual"
	TxSalaryPayment   TransactionType = "salary_payment"
)

func AllTransactionTypes() []TransactionType {
	return []TransactionType{
		TxCashIn, TxCashOut,
		TxSale, TxSalePayment,
		TxPurchase, TxPurchasePayment,
		TxTransfer,
		TxDividendAccrual, TxDividendPayment,
		TxSalaryAccrual, TxSalaryPayment,
	}
}

func (t TransactionType) Valid() bool {
	switch t {
	case TxCashIn, TxCashOut, TxSale, TxSalePayment, TxPurchase, TxPurchasePayment,
		TxTransfer, TxDividendAccrual, TxDividendPayment, TxSalaryAccrual, TxSalaryPayment:
		return true
	default:
		return false
	}
}

func (t TransactionType) Label() string {
	switch t {
	case TxCashIn:
		return "Cash in"
	case TxCashOut:
		return "Cash out"
	case TxSale:
		return "Sale"
	case TxSalePayment:
		return "Sale payment"
	case TxPurchase:
		return "Purchase"
	case TxPurchasePayment:
		return "Purchase payment"
	case TxTransfer:
		return "Warehouse transfer"
	case TxDividendAccrual:
		return "Dividend accrual"
	case TxDividendPayment:
		return "Dividend payment"
	case TxSalaryAccrual:
		return "Salary accrual"
	case TxSalaryPayment:
		return "Salary payment"
	default:
		return string(t)
	}
}

type TransactionStatus string

const (
	StatusDraft     TransactionStatus = "draft"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusCancelled TransactionStatus = "cancelled"
)

// EntryKind distinguishes accrual rows from payment rows in the dividend and
// salary line groups.
type EntryKind string

const (
	KindAccrual EntryKind = "accrual"
	KindPayment EntryKind = "payment"
)

type StockItem struct {
	ProductID       string          `json:"product_id"`
	WarehouseID     string          `json:"warehouse_id"`
	DestWarehouseID string          `json:"dest_warehouse_id,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
}

type CashEntry struct {
	RegisterID string          `json:"register_id"`
	CurrencyID string          `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type DividendEntry struct {
	PartnerID  string          `json:"partner_id"`
	CurrencyID string          `json:"currency_id"`
	Kind       EntryKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
}

type SalaryEntry struct {
	UserID     string          `json:"user_id"`
	CurrencyID string          `json:"currency_id"`
	Kind       EntryKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
}

type ServiceEntry struct {
	ServiceID string          `json:"service_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Note      string          `json:"note,omitempty"`
}

// Transaction is the atomic business document. It is mutable only while in
// draft; confirm freezes it and produces postings, cancel reverses them.
type Transaction struct {
	ID              string            `json:"id"`
	Number          string            `json:"number"`
	Type            TransactionType   `json:"type"`
	Status          TransactionStatus `json:"status"`
	Date            time.Time         `json:"date"`
	CurrencyID      string            `json:"currency_id"`
	CounterpartyID  string            `json:"counterparty_id,omitempty"`
	PartnerID       string            `json:"partner_id,omitempty"`
	Description     string            `json:"description,omitempty"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	PaidAmount      decimal.Decimal   `json:"paid_amount"`
	CreatedBy       string            `json:"created_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ConfirmedAt     *time.Time        `json:"confirmed_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	StockItems      []StockItem       `json:"items,omitempty"`
	CashEntries     []CashEntry       `json:"cash_entries,omitempty"`
	DividendEntries []DividendEntry   `json:"dividend_entries,omitempty"`
	SalaryEntries   []SalaryEntry     `json:"salary_entries,omitempty"`
	ServiceEntries  []ServiceEntry    `json:"service_entries,omitempty"`
}

// TransactionDraftRequest is the create/update body. Line groups irrelevant
// to the chosen type must stay empty; the validator rejects them otherwise.
type TransactionDraftRequest struct {
	Type            string          `json:"type"`
	Date            string          `json:"date"`
	CurrencyID      string          `json:"currency_id"`
	CounterpartyID  string          `json:"counterparty_id,omitempty"`
	PartnerID       string          `json:"partner_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	StockItems      []StockItem     `json:"items,omitempty"`
	CashEntries     []CashEntry     `json:"cash_entries,omitempty"`
	DividendEntries []DividendEntry `json:"dividend_entries,omitempty"`
	SalaryEntries   []SalaryEntry   `json:"salary_entries,omitempty"`
	ServiceEntries  []ServiceEntry  `json:"service_entries,omitempty"`
}

type TransactionResponse struct {
	Transaction Transaction `json:"transaction"`
}

type TransactionListResponse struct {
	Transactions []Transaction `json:"transactions"`
}

type TransactionFilter struct {
	Type   string
	Status string
	Limit  int
}

type TransactionTypeInfo struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Ledger names the projection family a posting mutates.
type Ledger string

const (
	LedgerCash         Ledger = "cash"
	LedgerStock        Ledger = "stock"
	LedgerCounterparty Ledger = "counterparty"
	LedgerDividend     Ledger = "dividend"
	LedgerSalary       Ledger = "salary"
)

// Posting is one atomic, signed mutation of a single projection, produced by
// confirming or cancelling a transaction. Postings are append-only; all
// balances are derivable by folding them in order.
type Posting struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Ledger        Ledger          `json:"ledger"`
	RegisterID    string          `json:"register_id,omitempty"`
	ProductID     string          `json:"product_id,omitempty"`
	WarehouseID   string          `json:"warehouse_id,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	CurrencyID    string          `json:"currency_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Quantity      decimal.Decimal `json:"quantity"`
	StockValue    decimal.Decimal `json:"stock_value"`
	Reversal      bool            `json:"reversal"`
	CreatedAt     time.Time       `json:"created_at"`
}

type PostingListResponse struct {
	Postings []Posting `json:"postings"`
}

// Reference data. The engine only reads these; richer management lives in
// external record-keeping services.

type Currency struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Precision int32  `json:"precision"`
}

type CashRegister struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CurrencyID string `json:"currency_id"`
}

type Warehouse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Product struct {
	ID   string `json:"id"`
	SKU  string `json:"sku"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

type Service struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Counterparty struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Partner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReferenceData is the snapshot the validator resolves ids against.
type ReferenceData struct {
	Currencies     map[string]Currency
	Registers      map[string]CashRegister
	Warehouses     map[string]Warehouse
	Products       map[string]Product
	Services       map[string]Service
	Counterparties map[string]Counterparty
	Partners       map[string]Partner
	Users          map[string]struct{}
}

// Projections. Derived strictly from confirmed/cancelled posting history;
// never edited directly.

type CashBalance struct {
	RegisterID   string          `json:"register_id"`
	RegisterName string          `json:"register_name"`
	CurrencyID   string          `json:"currency_id"`
	Balance      decimal.Decimal `json:"balance"`
}

type CashBalanceResponse struct {
	Balances []CashBalance `json:"balances"`
}

type StockPosition struct {
	ProductID   string          `json:"product_id"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalValue  decimal.Decimal `json:"total_value"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
}

type StockSummaryResponse struct {
	Positions  []StockPosition `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// CounterpartyBalance is signed: positive means the counterparty owes the
// business (receivable), negative means the business owes the counterparty.
type CounterpartyBalance struct {
	CounterpartyID string          `json:"counterparty_id"`
	CurrencyID     string          `json:"currency_id"`
	Balance        decimal.Decimal `json:"balance"`
}

type CounterpartySummaryResponse struct {
	Balances  []CounterpartyBalance `json:"balances"`
	Debtors   int                   `json:"debtors"`
	Creditors int                   `json:"creditors"`
}

// EntitySummary reports accrued/paid/outstanding per (partner|user, currency)
// for the dividend and salary sub-ledgers.
type EntitySummary struct {
	EntityID    string          `json:"entity_id"`
	CurrencyID  string          `json:"currency_id"`
	Accrued     decimal.Decimal `json:"accrued"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type EntitySummaryResponse struct {
	Summaries []EntitySummary `json:"summaries"`
}

// Auth and audit.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AccountantCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AccountantUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
