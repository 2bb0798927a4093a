package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"balansa/backend/internal/domain"
	"balansa/backend/internal/store"
)

// View supplies the current projection state BuildPostings reads. Stores
// implement it over their own data while holding whatever locks make the
// read-then-apply sequence atomic.
type View interface {
	// StockPosition returns the current quantity and total inventory value
	// of a (product, warehouse) pair; zero decimals if no position exists.
	StockPosition(productID string, warehouseID string) (qty decimal.Decimal, value decimal.Decimal)
	// RegisterCurrency returns the fixed currency of a cash register.
	RegisterCurrency(registerID string) (string, bool)
}

// BuildPostings transforms a validated document into the balanced set of
// signed projection deltas its confirmation applies. Stock postings carry a
// (quantity, value) pair so the position's moving-average cost is implied by
// value/quantity and a cancel can restore it by exact negation.
//
// Returns store.ErrInsufficientStock wrapped with the offending pair when a
// sale or transfer would drive a position negative, and
// store.ErrCurrencyMismatch when a cash entry's currency disagrees with its
// register. No partial result is ever returned.
func BuildPostings(tx domain.Transaction, view View, now time.Time, newID func() string) ([]domain.Posting, error) {
	b := &postingBuilder{
		tx:        tx,
		view:      view,
		now:       now,
		newID:     newID,
		positions: make(map[string]stockState),
	}

	switch tx.Type {
	case domain.TxSale:
		if err := b.stockOut(); err != nil {
			return nil, err
		}
		if err := b.cash(1); err != nil {
			return nil, err
		}
		b.counterparty(tx.TotalAmount.Sub(tx.PaidAmount))
	case domain.TxPurchase:
		b.stockIn()
		if err := b.cash(-1); err != nil {
			return nil, err
		}
		b.counterparty(tx.PaidAmount.Sub(tx.TotalAmount))
	case domain.TxTransfer:
		if err := b.stockTransfer(); err != nil {
			return nil, err
		}
	case domain.TxCashIn:
		if err := b.cash(1); err != nil {
			return nil, err
		}
	case domain.TxCashOut:
		// Entered positive, stored negative: the sign flip happens here.
		if err := b.cash(-1); err != nil {
			return nil, err
		}
	case domain.TxSalePayment:
		if err := b.cash(1); err != nil {
			return nil, err
		}
		b.counterparty(b.cashSum().Neg())
	case domain.TxPurchasePayment:
		if err := b.cash(-1); err != nil {
			return nil, err
		}
		b.counterparty(b.cashSum())
	case domain.TxDividendAccrual:
		b.dividends(1)
	case domain.TxDividendPayment:
		b.dividends(-1)
		if err := b.cash(-1); err != nil {
			return nil, err
		}
	case domain.TxSalaryAccrual:
		b.salaries(1)
	case domain.TxSalaryPayment:
		b.salaries(-1)
		if err := b.cash(-1); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown transaction type %q", tx.Type)
	}

	return b.postings, nil
}

// Reverse returns the exact negation of a posting set. Applying a set and
// then its reversal leaves every projection at its prior value.
func Reverse(postings []domain.Posting, now time.Time, newID func() string) []domain.Posting {
	reversed := make([]domain.Posting, 0, len(postings))
	for _, p := range postings {
		r := p
		r.ID = newID()
		r.Amount = p.Amount.Neg()
		r.Quantity = p.Quantity.Neg()
		r.StockValue = p.StockValue.Neg()
		r.Reversal = true
		r.CreatedAt = now
		reversed = append(reversed, r)
	}
	return reversed
}

type stockState struct {
	qty   decimal.Decimal
	value decimal.Decimal
}

type postingBuilder struct {
	tx        domain.Transaction
	view      View
	now       time.Time
	newID     func() string
	postings  []domain.Posting
	positions map[string]stockState
}

func (b *postingBuilder) emit(p domain.Posting) {
	p.ID = b.newID()
	p.TransactionID = b.tx.ID
	p.CreatedAt = b.now
	b.postings = append(b.postings, p)
}

// position tracks a working copy of each touched stock position so documents
// with several lines against the same (product, warehouse) are checked
// cumulatively, not against the same stale quantity.
func (b *postingBuilder) position(productID string, warehouseID string) stockState {
	key := productID + "|" + warehouseID
	if state, ok := b.positions[key]; ok {
		return state
	}
	qty, value := b.view.StockPosition(productID, warehouseID)
	state := stockState{qty: qty, value: value}
	b.positions[key] = state
	return state
}

func (b *postingBuilder) applyDelta(productID string, warehouseID string, qty decimal.Decimal, value decimal.Decimal) {
	key := productID + "|" + warehouseID
	state := b.positions[key]
	state.qty = state.qty.Add(qty)
	state.value = state.value.Add(value)
	b.positions[key] = state
}

func (b *postingBuilder) stockPosting(productID string, warehouseID string, qty decimal.Decimal, value decimal.Decimal) {
	b.emit(domain.Posting{
		Ledger:      domain.LedgerStock,
		ProductID:   productID,
		WarehouseID: warehouseID,
		CurrencyID:  b.tx.CurrencyID,
		Quantity:    qty,
		StockValue:  value,
	})
	b.applyDelta(productID, warehouseID, qty, value)
}

// takeOut consumes quantity from a position at its current average cost.
func (b *postingBuilder) takeOut(productID string, warehouseID string, qty decimal.Decimal) (decimal.Decimal, error) {
	state := b.position(productID, warehouseID)
	if state.qty.LessThan(qty) {
		return decimal.Zero, fmt.Errorf("%w: product %s at warehouse %s has %s, need %s",
			store.ErrInsufficientStock, productID, warehouseID, state.qty, qty)
	}
	var value decimal.Decimal
	if state.qty.Equal(qty) {
		// Drain the full remaining value so no cost residue is stranded on
		// an empty position by average-cost rounding.
		value = state.value
	} else {
		avg := state.value.Div(state.qty)
		value = qty.Mul(avg)
	}
	b.stockPosting(productID, warehouseID, qty.Neg(), value.Neg())
	return value, nil
}

func (b *postingBuilder) stockOut() error {
	for _, item := range b.tx.StockItems {
		if _, err := b.takeOut(item.ProductID, item.WarehouseID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (b *postingBuilder) stockIn() {
	for _, item := range b.tx.StockItems {
		b.position(item.ProductID, item.WarehouseID)
		b.stockPosting(item.ProductID, item.WarehouseID, item.Quantity, item.Quantity.Mul(item.UnitPrice))
	}
}

func (b *postingBuilder) stockTransfer() error {
	for _, item := range b.tx.StockItems {
		value, err := b.takeOut(item.ProductID, item.WarehouseID, item.Quantity)
		if err != nil {
			return err
		}
		// Cost basis is carried forward unchanged; a transfer never
		// produces profit or loss.
		b.position(item.ProductID, item.DestWarehouseID)
		b.stockPosting(item.ProductID, item.DestWarehouseID, item.Quantity, value)
	}
	return nil
}

func (b *postingBuilder) cash(sign int64) error {
	for _, entry := range b.tx.CashEntries {
		registerCurrency, ok := b.view.RegisterCurrency(entry.RegisterID)
		if !ok {
			return fmt.Errorf("cash register %s: %w", entry.RegisterID, store.ErrNotFound)
		}
		if registerCurrency != entry.CurrencyID {
			return fmt.Errorf("%w: register %s holds %s, entry is %s",
				store.ErrCurrencyMismatch, entry.RegisterID, registerCurrency, entry.CurrencyID)
		}
		b.emit(domain.Posting{
			Ledger:     domain.LedgerCash,
			RegisterID: entry.RegisterID,
			CurrencyID: entry.CurrencyID,
			Amount:     entry.Amount.Abs().Mul(decimal.NewFromInt(sign)),
		})
	}
	return nil
}

func (b *postingBuilder) cashSum() decimal.Decimal {
	sum := decimal.Zero
	for _, entry := range b.tx.CashEntries {
		sum = sum.Add(entry.Amount.Abs())
	}
	return sum
}

func (b *postingBuilder) counterparty(amount decimal.Decimal) {
	if amount.IsZero() || b.tx.CounterpartyID == "" {
		return
	}
	b.emit(domain.Posting{
		Ledger:     domain.LedgerCounterparty,
		EntityID:   b.tx.CounterpartyID,
		CurrencyID: b.tx.CurrencyID,
		Amount:     amount,
	})
}

func (b *postingBuilder) dividends(sign int64) {
	for _, entry := range b.tx.DividendEntries {
		partnerID := entry.PartnerID
		if partnerID == "" {
			partnerID = b.tx.PartnerID
		}
		currencyID := entry.CurrencyID
		if currencyID == "" {
			currencyID = b.tx.CurrencyID
		}
		b.emit(domain.Posting{
			Ledger:     domain.LedgerDividend,
			EntityID:   partnerID,
			CurrencyID: currencyID,
			Amount:     entry.Amount.Mul(decimal.NewFromInt(sign)),
		})
	}
}

func (b *postingBuilder) salaries(sign int64) {
	for _, entry := range b.tx.SalaryEntries {
		currencyID := entry.CurrencyID
		if currencyID == "" {
			currencyID = b.tx.CurrencyID
		}
		b.emit(domain.Posting{
			Ledger:     domain.LedgerSalary,
			EntityID:   entry.UserID,
			CurrencyID: currencyID,
			Amount:     entry.Amount.Mul(decimal.NewFromInt(sign)),
		})
	}
}
