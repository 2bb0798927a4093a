package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"balansa/backend/internal/domain"
)

type requirement int

const (
	forbidden requirement = iota
	optional
	required
)

// typeRules is the declarative type→requirement table: which header refs and
// line-item groups a document of a given type must, may, or must not carry.
type typeRules struct {
	counterparty requirement
	partner      requirement
	stock        requirement
	cash         requirement
	dividend     requirement
	salary       requirement
	service      requirement
	destination  bool // stock items must name a distinct destination warehouse
}

var rulesByType = map[domain.TransactionType]typeRules{
	domain.TxSale:            {counterparty: required, stock: required, cash: optional, service: optional},
	domain.TxPurchase:        {counterparty: required, stock: required, cash: optional, service: optional},
	domain.TxSalePayment:     {counterparty: required, cash: required},
	domain.TxPurchasePayment: {counterparty: required, cash: required},
	domain.TxTransfer:        {stock: required, destination: true},
	domain.TxCashIn:          {cash: required},
	domain.TxCashOut:         {cash: required},
	domain.TxDividendAccrual: {partner: optional, dividend: required},
	domain.TxDividendPayment: {partner: optional, dividend: required, cash: optional},
	domain.TxSalaryAccrual:   {salary: required},
	domain.TxSalaryPayment:   {salary: required, cash: optional},
}

// entryKindFor maps accrual/payment document types to the entry kind their
// dividend or salary rows must carry. Rows may leave Kind empty and inherit it.
func entryKindFor(t domain.TransactionType) domain.EntryKind {
	switch t {
	case domain.TxDividendAccrual, domain.TxSalaryAccrual:
		return domain.KindAccrual
	default:
		return domain.KindPayment
	}
}

// Validate decides whether a fully populated draft may be confirmed. It
// returns every violation at once; nil means the document is postable.
// Reference resolution failures (unknown currency, product, register, ...)
// are reported as field errors in the same list.
func Validate(tx domain.Transaction, refs domain.ReferenceData) ValidationErrors {
	var errs ValidationErrors
	add := func(field string, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if !tx.Type.Valid() {
		add("type", "unknown transaction type %q", tx.Type)
		return errs
	}
	rules := rulesByType[tx.Type]

	if tx.Date.IsZero() {
		add("date", "date is required")
	}

	currency, currencyOK := refs.Currencies[tx.CurrencyID]
	if tx.CurrencyID == "" {
		add("currency_id", "currency is required")
	} else if !currencyOK {
		add("currency_id", "unknown currency %q", tx.CurrencyID)
	}

	if tx.TotalAmount.IsNegative() {
		add("total_amount", "must not be negative")
	}
	if tx.PaidAmount.IsNegative() {
		add("paid_amount", "must not be negative")
	}
	if tx.PaidAmount.GreaterThan(tx.TotalAmount) {
		add("paid_amount", "must not exceed total amount")
	}

	switch rules.counterparty {
	case required:
		if tx.CounterpartyID == "" {
			add("counterparty_id", "counterparty is required for %s", tx.Type)
		}
	case forbidden:
		if tx.CounterpartyID != "" {
			add("counterparty_id", "counterparty is not allowed for %s", tx.Type)
		}
	}
	if tx.CounterpartyID != "" {
		if _, ok := refs.Counterparties[tx.CounterpartyID]; !ok {
			add("counterparty_id", "unknown counterparty %q", tx.CounterpartyID)
		}
	}

	if rules.partner == forbidden && tx.PartnerID != "" {
		add("partner_id", "partner is not allowed for %s", tx.Type)
	}
	if tx.PartnerID != "" {
		if _, ok := refs.Partners[tx.PartnerID]; !ok {
			add("partner_id", "unknown partner %q", tx.PartnerID)
		}
	}

	errs = append(errs, validateGroupPresence(tx, rules)...)
	errs = append(errs, validateStockItems(tx, rules, refs)...)
	errs = append(errs, validateCashEntries(tx, refs)...)
	errs = append(errs, validateDividendEntries(tx, refs)...)
	errs = append(errs, validateSalaryEntries(tx, refs)...)
	errs = append(errs, validateServiceEntries(tx, refs)...)

	// The submitted total is a client convenience, never trusted: recompute
	// and reject mismatches beyond the currency's minor-unit precision.
	if currencyOK {
		computed := ComputeTotal(tx)
		tolerance := decimal.New(1, -currency.Precision)
		if tx.TotalAmount.Sub(computed).Abs().GreaterThan(tolerance) {
			add("total_amount", "submitted total %s does not match computed total %s", tx.TotalAmount, computed)
		}
	}

	// For sale/purchase the paid amount must be backed by cash entries.
	if tx.Type == domain.TxSale || tx.Type == domain.TxPurchase {
		cashSum := decimal.Zero
		for _, entry := range tx.CashEntries {
			cashSum = cashSum.Add(entry.Amount.Abs())
		}
		if !cashSum.Equal(tx.PaidAmount) {
			add("paid_amount", "paid amount %s does not match cash entries sum %s", tx.PaidAmount, cashSum)
		}
	}

	return errs
}

func validateGroupPresence(tx domain.Transaction, rules typeRules) ValidationErrors {
	var errs ValidationErrors
	check := func(field string, req requirement, count int) {
		switch req {
		case required:
			if count == 0 {
				errs = append(errs, FieldError{Field: field, Reason: fmt.Sprintf("at least one entry is required for %s", tx.Type)})
			}
		case forbidden:
			if count > 0 {
				errs = append(errs, FieldError{Field: field, Reason: fmt.Sprintf("not allowed for %s", tx.Type)})
			}
		}
	}
	check("items", rules.stock, len(tx.StockItems))
	check("cash_entries", rules.cash, len(tx.CashEntries))
	check("dividend_entries", rules.dividend, len(tx.DividendEntries))
	check("salary_entries", rules.salary, len(tx.SalaryEntries))
	check("service_entries", rules.service, len(tx.ServiceEntries))
	return errs
}

func validateStockItems(tx domain.Transaction, rules typeRules, refs domain.ReferenceData) ValidationErrors {
	var errs ValidationErrors
	for i, item := range tx.StockItems {
		field := func(name string) string { return fmt.Sprintf("items[%d].%s", i, name) }
		if item.ProductID == "" {
			errs = append(errs, FieldError{Field: field("product_id"), Reason: "product is required"})
		} else if _, ok := refs.Products[item.ProductID]; !ok {
			errs = append(errs, FieldError{Field: field("product_id"), Reason: fmt.Sprintf("unknown product %q", item.ProductID)})
		}
		if item.WarehouseID == "" {
			errs = append(errs, FieldError{Field: field("warehouse_id"), Reason: "warehouse is required"})
		} else if _, ok := refs.Warehouses[item.WarehouseID]; !ok {
			errs = append(errs, FieldError{Field: field("warehouse_id"), Reason: fmt.Sprintf("unknown warehouse %q", item.WarehouseID)})
		}
		if rules.destination {
			switch {
			case item.DestWarehouseID == "":
				errs = append(errs, FieldError{Field: field("dest_warehouse_id"), Reason: "destination warehouse is required for transfer"})
			case item.DestWarehouseID == item.WarehouseID:
				errs = append(errs, FieldError{Field: field("dest_warehouse_id"), Reason: "destination must differ from source warehouse"})
			default:
				if _, ok := refs.Warehouses[item.DestWarehouseID]; !ok {
					errs = append(errs, FieldError{Field: field("dest_warehouse_id"), Reason: fmt.Sprintf("unknown warehouse %q", item.DestWarehouseID)})
				}
			}
		} else if item.DestWarehouseID != "" {
			errs = append(errs, FieldError{Field: field("dest_warehouse_id"), Reason: fmt.Sprintf("destination warehouse is not allowed for %s", tx.Type)})
		}
		if !item.Quantity.IsPositive() {
			errs = append(errs, FieldError{Field: field("quantity"), Reason: "must be greater than zero"})
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, FieldError{Field: field("unit_price"), Reason: "must not be negative"})
		}
	}
	return errs
}

func validateCashEntries(tx domain.Transaction, refs domain.ReferenceData) ValidationErrors {
	var errs ValidationErrors
	for i, entry := range tx.CashEntries {
		field := func(name string) string { return fmt.Sprintf("cash_entries[%d].%s", i, name) }
		register, registerOK := refs.Registers[entry.RegisterID]
		if entry.RegisterID == "" {
			errs = append(errs, FieldError{Field: field("register_id"), Reason: "cash register is required"})
		} else if !registerOK {
			errs = append(errs, FieldError{Field: field("register_id"), Reason: fmt.Sprintf("unknown cash register %q", entry.RegisterID)})
		}
		if entry.CurrencyID == "" {
			errs = append(errs, FieldError{Field: field("currency_id"), Reason: "currency is required"})
		} else if registerOK && entry.CurrencyID != register.CurrencyID {
			errs = append(errs, FieldError{Field: field("currency_id"), Reason: fmt.Sprintf("register %s holds %s, not %s", register.Name, register.CurrencyID, entry.CurrencyID)})
		}
		// Users always enter positive amounts; direction is decided by the
		// document type at posting time.
		if !entry.Amount.IsPositive() {
			errs = append(errs, FieldError{Field: field("amount"), Reason: "must be greater than zero"})
		}
	}
	return errs
}

func validateDividendEntries(tx domain.Transaction, refs domain.ReferenceData) ValidationErrors {
	var errs ValidationErrors
	wantKind := entryKindFor(tx.Type)
	for i, entry := range tx.DividendEntries {
		field := func(name string) string { return fmt.Sprintf("dividend_entries[%d].%s", i, name) }
		partnerID := entry.PartnerID
		if partnerID == "" {
			partnerID = tx.PartnerID
		}
		if partnerID == "" {
			errs = append(errs, FieldError{Field: field("partner_id"), Reason: "partner is required when the document has no default partner"})
		} else if _, ok := refs.Partners[partnerID]; !ok {
			errs = append(errs, FieldError{Field: field("partner_id"), Reason: fmt.Sprintf("unknown partner %q", partnerID)})
		}
		if entry.CurrencyID != "" && entry.CurrencyID != tx.CurrencyID {
			errs = append(errs, FieldError{Field: field("currency_id"), Reason: fmt.Sprintf("must match document currency %s", tx.CurrencyID)})
		}
		if entry.Kind != "" && entry.Kind != wantKind {
			errs = append(errs, FieldError{Field: field("kind"), Reason: fmt.Sprintf("must be %s for %s", wantKind, tx.Type)})
		}
		if !entry.Amount.IsPositive() {
			errs = append(errs, FieldError{Field: field("amount"), Reason: "must be greater than zero"})
		}
	}
	return errs
}

func validateSalaryEntries(tx domain.Transaction, refs domain.ReferenceData) ValidationErrors {
	var errs ValidationErrors
	wantKind := entryKindFor(tx.Type)
	for i, entry := range tx.SalaryEntries {
		field := func(name string) string { return fmt.Sprintf("salary_entries[%d].%s", i, name) }
		if entry.UserID == "" {
			errs = append(errs, FieldError{Field: field("user_id"), Reason: "user is required"})
		} else if _, ok := refs.Users[entry.UserID]; !ok {
			errs = append(errs, FieldError{Field: field("user_id"), Reason: fmt.Sprintf("unknown user %q", entry.UserID)})
		}
		if entry.CurrencyID != "" && entry.CurrencyID != tx.CurrencyID {
			errs = append(errs, FieldError{Field: field("currency_id"), Reason: fmt.Sprintf("must match document currency %s", tx.CurrencyID)})
		}
		if entry.Kind != "" && entry.Kind != wantKind {
			errs = append(errs, FieldError{Field: field("kind"), Reason: fmt.Sprintf("must be %s for %s", wantKind, tx.Type)})
		}
		if !entry.Amount.IsPositive() {
			errs = append(errs, FieldError{Field: field("amount"), Reason: "must be greater than zero"})
		}
	}
	return errs
}

func validateServiceEntries(tx domain.Transaction, refs domain.ReferenceData) ValidationErrors {
	var errs ValidationErrors
	for i, entry := range tx.ServiceEntries {
		field := func(name string) string { return fmt.Sprintf("service_entries[%d].%s", i, name) }
		if entry.ServiceID == "" {
			errs = append(errs, FieldError{Field: field("service_id"), Reason: "service is required"})
		} else if _, ok := refs.Services[entry.ServiceID]; !ok {
			errs = append(errs, FieldError{Field: field("service_id"), Reason: fmt.Sprintf("unknown service %q", entry.ServiceID)})
		}
		if !entry.Quantity.IsPositive() {
			errs = append(errs, FieldError{Field: field("quantity"), Reason: "must be greater than zero"})
		}
		if entry.UnitPrice.IsNegative() {
			errs = append(errs, FieldError{Field: field("unit_price"), Reason: "must not be negative"})
		}
	}
	return errs
}

// ComputeTotal is the authoritative total of a document:
// goods documents sum stock and service lines, cash documents sum the
// absolute cash amounts, accrual/payout documents sum their entry amounts.
func ComputeTotal(tx domain.Transaction) decimal.Decimal {
	total := decimal.Zero
	switch tx.Type {
	case domain.TxSale, domain.TxPurchase, domain.TxTransfer:
		for _, item := range tx.StockItems {
			total = total.Add(item.Quantity.Mul(item.UnitPrice))
		}
		for _, entry := range tx.ServiceEntries {
			total = total.Add(entry.Quantity.Mul(entry.UnitPrice))
		}
	case domain.TxSalePayment, domain.TxPurchasePayment, domain.TxCashIn, domain.TxCashOut:
		for _, entry := range tx.CashEntries {
			total = total.Add(entry.Amount.Abs())
		}
	case domain.TxDividendAccrual, domain.TxDividendPayment:
		for _, entry := range tx.DividendEntries {
			total = total.Add(entry.Amount)
		}
	case domain.TxSalaryAccrual, domain.TxSalaryPayment:
		for _, entry := range tx.SalaryEntries {
			total = total.Add(entry.Amount)
		}
	}
	return total
}
