package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"balansa/backend/internal/domain"
	"balansa/backend/internal/ledger"
	"balansa/backend/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func mustConfirm(t *testing.T, s *Store, tx domain.Transaction) *domain.Transaction {
	t.Helper()
	created, err := s.CreateTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	confirmed, err := s.ConfirmTransaction(context.Background(), created.ID, time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("confirm transaction: %v", err)
	}
	return confirmed
}

func purchaseTx(qty, unitPrice, paid string) domain.Transaction {
	total := dec(qty).Mul(dec(unitPrice))
	return domain.Transaction{
		Type:           domain.TxPurchase,
		Date:           time.Now().UTC(),
		CurrencyID:     "usd",
		CounterpartyID: "cp-acme",
		TotalAmount:    total,
		PaidAmount:     dec(paid),
		StockItems: []domain.StockItem{
			{ProductID: "prod-flour", WarehouseID: "wh-main", Quantity: dec(qty), UnitPrice: dec(unitPrice)},
		},
		CashEntries: []domain.CashEntry{
			{RegisterID: "reg-main", CurrencyID: "usd", Amount: dec(paid)},
		},
	}
}

func TestConfirmPurchaseUpdatesProjections(t *testing.T) {
	s := NewSeeded()
	mustConfirm(t, s, purchaseTx("10", "5", "30"))

	positions, err := s.GetStockSummary(context.Background(), "")
	if err != nil {
		t.Fatalf("stock summary: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 stock position, got %d", len(positions))
	}
	if !positions[0].Quantity.Equal(dec("10")) || !positions[0].TotalValue.Equal(dec("50")) {
		t.Fatalf("unexpected position: qty=%s value=%s", positions[0].Quantity, positions[0].TotalValue)
	}

	balances, err := s.GetCashBalances(context.Background(), "reg-main")
	if err != nil {
		t.Fatalf("cash balances: %v", err)
	}
	if !balances[0].Balance.Equal(dec("-30")) {
		t.Fatalf("expected register balance -30, got %s", balances[0].Balance)
	}

	cpBalances, err := s.GetCounterpartyBalances(context.Background(), "cp-acme")
	if err != nil {
		t.Fatalf("counterparty balances: %v", err)
	}
	// 30 paid of 50: the business still owes 20, so the balance is -20.
	if len(cpBalances) != 1 || !cpBalances[0].Balance.Equal(dec("-20")) {
		t.Fatalf("expected counterparty balance -20, got %+v", cpBalances)
	}
}

func TestMovingAverageCost(t *testing.T) {
	s := NewSeeded()
	mustConfirm(t, s, purchaseTx("10", "5", "50"))
	mustConfirm(t, s, purchaseTx("10", "7", "70"))

	positions, err := s.GetStockSummary(context.Background(), "wh-main")
	if err != nil {
		t.Fatalf("stock summary: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	pos := positions[0]
	if !pos.Quantity.Equal(dec("20")) {
		t.Fatalf("expected quantity 20, got %s", pos.Quantity)
	}
	if !pos.AvgCost.Equal(dec("6")) {
		t.Fatalf("expected average cost 6, got %s", pos.AvgCost)
	}
}

func TestCancelRestoresEveryProjection(t *testing.T) {
	s := NewSeeded()
	mustConfirm(t, s, purchaseTx("10", "5", "50"))
	before := s.SnapshotProjections()

	sale := mustConfirm(t, s, domain.Transaction{
		Type:           domain.TxSale,
		Date:           time.Now().UTC(),
		CurrencyID:     "usd",
		CounterpartyID: "cp-orbit",
		TotalAmount:    dec("40"),
		PaidAmount:     dec("25"),
		StockItems: []domain.StockItem{
			{ProductID: "prod-flour", WarehouseID: "wh-main", Quantity: dec("4"), UnitPrice: dec("10")},
		},
		CashEntries: []domain.CashEntry{
			{RegisterID: "reg-main", CurrencyID: "usd", Amount: dec("25")},
		},
	})

	if _, err := s.CancelTransaction(context.Background(), sale.ID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after := s.SnapshotProjections()
	assertProjectionsEqual(t, before, after)
}

func TestCancelRestoresAverageCost(t *testing.T) {
	s := NewSeeded()
	mustConfirm(t, s, purchaseTx("10", "5", "50"))
	expensive := mustConfirm(t, s, purchaseTx("10", "9", "90"))

	if _, err := s.CancelTransaction(context.Background(), expensive.ID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	positions, err := s.GetStockSummary(context.Background(), "wh-main")
	if err != nil {
		t.Fatalf("stock summary: %v", err)
	}
	if len(positions) != 1 || !positions[0].AvgCost.Equal(dec("5")) {
		t.Fatalf("expected average cost restored to 5, got %+v", positions)
	}
}

func TestConfirmRejectsInsufficientStock(t *testing.T) {
	s := NewSeeded()
	created, err := s.CreateTransaction(context.Background(), domain.Transaction{
		Type:           domain.TxSale,
		Date:           time.Now().UTC(),
		CurrencyID:     "usd",
		CounterpartyID: "cp-acme",
		TotalAmount:    dec("100"),
		PaidAmount:     dec("100"),
		StockItems: []domain.StockItem{
			{ProductID: "prod-flour", WarehouseID: "wh-main", Quantity: dec("5"), UnitPrice: dec("20")},
		},
		CashEntries: []domain.CashEntry{
			{RegisterID: "reg-main", CurrencyID: "usd", Amount: dec("100")},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = s.ConfirmTransaction(context.Background(), created.ID, time.Now().UTC(), nil)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// A failed confirm leaves the draft editable and projections untouched.
	got, err := s.GetTransactionByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusDraft {
		t.Fatalf("expected draft after failed confirm, got %s", got.Status)
	}
	if postings, _ := s.ListPostings(context.Background(), created.ID); len(postings) != 0 {
		t.Fatalf("expected no postings after failed confirm, got %d", len(postings))
	}
}

func TestConfirmTwiceReturnsAlreadyFinalized(t *testing.T) {
	s := NewSeeded()
	confirmed := mustConfirm(t, s, purchaseTx("3", "4", "12"))

	_, err := s.ConfirmTransaction(context.Background(), confirmed.ID, time.Now().UTC(), nil)
	if !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

// The confirm check runs inside the confirm lock against the stored document,
// so a draft updated after its caller last read it still gets validated
// before anything posts.
func TestConfirmCheckRunsAgainstStoredDocument(t *testing.T) {
	s := NewSeeded()
	created, err := s.CreateTransaction(context.Background(), purchaseTx("10", "5", "50"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tampered := *created
	tampered.TotalAmount = dec("10")
	tampered.PaidAmount = dec("9999")
	if _, err := s.UpdateTransaction(context.Background(), tampered); err != nil {
		t.Fatalf("update: %v", err)
	}

	validate := func(tx domain.Transaction, refs domain.ReferenceData) error {
		if verrs := ledger.Validate(tx, refs); len(verrs) > 0 {
			return verrs
		}
		return nil
	}
	_, err = s.ConfirmTransaction(context.Background(), created.ID, time.Now().UTC(), validate)
	var verrs ledger.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors for the updated document, got %v", err)
	}

	got, err := s.GetTransactionByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusDraft {
		t.Fatalf("expected draft after rejected confirm, got %s", got.Status)
	}
	if postings, _ := s.ListPostings(context.Background(), created.ID); len(postings) != 0 {
		t.Fatalf("rejected confirm must not post, got %d postings", len(postings))
	}
	if balances, _ := s.GetCounterpartyBalances(context.Background(), "cp-acme"); len(balances) != 0 {
		t.Fatalf("rejected confirm must not move balances, got %+v", balances)
	}
}

func TestCancelDraftProducesNoPostings(t *testing.T) {
	s := NewSeeded()
	created, err := s.CreateTransaction(context.Background(), purchaseTx("3", "4", "12"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := s.CancelTransaction(context.Background(), created.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("cancel draft: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if postings, _ := s.ListPostings(context.Background(), created.ID); len(postings) != 0 {
		t.Fatalf("draft cancel must not post, got %d postings", len(postings))
	}

	_, err = s.CancelTransaction(context.Background(), created.ID, time.Now().UTC())
	if !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized on second cancel, got %v", err)
	}
}

func TestUpdateConfirmedTransactionRejected(t *testing.T) {
	s := NewSeeded()
	confirmed := mustConfirm(t, s, purchaseTx("3", "4", "12"))

	confirmed.Description = "edited"
	_, err := s.UpdateTransaction(context.Background(), *confirmed)
	if !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestDocumentNumbersAreSequential(t *testing.T) {
	s := NewSeeded()
	first, err := s.CreateTransaction(context.Background(), purchaseTx("1", "1", "1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateTransaction(context.Background(), purchaseTx("1", "1", "1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Number != "TX-000001" || second.Number != "TX-000002" {
		t.Fatalf("unexpected numbers %q, %q", first.Number, second.Number)
	}
}

// Incrementally maintained projections must equal a fold over the posting
// history after any mix of confirms and cancels.
func TestProjectionsMatchPostingFold(t *testing.T) {
	s := NewSeeded()
	mustConfirm(t, s, purchaseTx("10", "5", "50"))
	mustConfirm(t, s, purchaseTx("10", "7", "70"))

	sale := mustConfirm(t, s, domain.Transaction{
		Type:           domain.TxSale,
		Date:           time.Now().UTC(),
		CurrencyID:     "usd",
		CounterpartyID: "cp-orbit",
		TotalAmount:    dec("90"),
		PaidAmount:     dec("40"),
		StockItems: []domain.StockItem{
			{ProductID: "prod-flour", WarehouseID: "wh-main", Quantity: dec("9"), UnitPrice: dec("10")},
		},
		CashEntries: []domain.CashEntry{
			{RegisterID: "reg-main", CurrencyID: "usd", Amount: dec("40")},
		},
	})

	mustConfirm(t, s, domain.Transaction{
		Type:       domain.TxDividendAccrual,
		Date:       time.Now().UTC(),
		CurrencyID: "usd",
		PartnerID:  "prt-lee",
		TotalAmount: dec("200"),
		DividendEntries: []domain.DividendEntry{
			{PartnerID: "prt-lee", CurrencyID: "usd", Kind: domain.KindAccrual, Amount: dec("200")},
		},
	})

	if _, err := s.CancelTransaction(context.Background(), sale.ID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	assertProjectionsEqual(t, s.SnapshotProjections(), s.FoldProjections())
}

func TestFoldProjectionsSkipsOrphanPosting(t *testing.T) {
	s := NewSeeded()
	mustConfirm(t, s, purchaseTx("10", "5", "50"))
	before := s.FoldProjections()

	s.mu.Lock()
	s.postings = append(s.postings, domain.Posting{
		ID:            "pst-orphan",
		TransactionID: "tx-ghost",
		Ledger:        domain.LedgerDividend,
		EntityID:      "prt-lee",
		CurrencyID:    "usd",
		Amount:        dec("5"),
		CreatedAt:     time.Now().UTC(),
	})
	s.mu.Unlock()

	after := s.FoldProjections()
	assertProjectionsEqual(t, before, after)
}

func assertProjectionsEqual(t *testing.T, a, b Projections) {
	t.Helper()
	assertDecimalMapEqual(t, "cash", a.Cash, b.Cash)
	assertDecimalMapEqual(t, "stock qty", a.StockQty, b.StockQty)
	assertDecimalMapEqual(t, "stock value", a.StockValue, b.StockValue)
	assertDecimalMapEqual(t, "counterparty", a.Counterparty, b.Counterparty)
	assertDecimalMapEqual(t, "dividend accrued", a.DivAccrued, b.DivAccrued)
	assertDecimalMapEqual(t, "dividend paid", a.DivPaid, b.DivPaid)
	assertDecimalMapEqual(t, "salary accrued", a.SalAccrued, b.SalAccrued)
	assertDecimalMapEqual(t, "salary paid", a.SalPaid, b.SalPaid)
}

func assertDecimalMapEqual(t *testing.T, label string, a, b map[string]decimal.Decimal) {
	t.Helper()
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if !a[k].Equal(b[k]) {
			t.Errorf("%s[%s]: %s != %s", label, k, a[k], b[k])
		}
	}
}
