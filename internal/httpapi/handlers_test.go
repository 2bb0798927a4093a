package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"balansa/backend/internal/domain"
	"balansa/backend/internal/service"
	"balansa/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, 30*time.Second)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleTransactions_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// authedRequest builds a request carrying both the bearer token and a fresh
// CSRF token so it passes the full middleware chain.
func authedRequest(t *testing.T, api *API, token string, method string, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDraftConfirmPostingsFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "accountant", "accountant123")

	draftReq := domain.TransactionDraftRequest{
		Type:           "purchase",
		Date:           "2026-08-28",
		CurrencyID:     "usd",
		CounterpartyID: "cp-acme",
		TotalAmount:    mustDecimal(t, "50"),
		PaidAmount:     mustDecimal(t, "50"),
		StockItems: []domain.StockItem{
			{ProductID: "prod-flour", WarehouseID: "wh-main", Quantity: mustDecimal(t, "10"), UnitPrice: mustDecimal(t, "5")},
		},
		CashEntries: []domain.CashEntry{
			{RegisterID: "reg-main", CurrencyID: "usd", Amount: mustDecimal(t, "50")},
		},
	}

	rec := authedRequest(t, api, token, http.MethodPost, "/api/v1/transactions", draftReq)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create draft: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.TransactionResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Transaction.Status != domain.StatusDraft {
		t.Fatalf("expected draft status, got %s", created.Transaction.Status)
	}
	if created.Transaction.Number == "" {
		t.Fatalf("expected assigned document number")
	}

	rec = authedRequest(t, api, token, http.MethodPost, "/api/v1/transactions/"+created.Transaction.ID+"/confirm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = authedRequest(t, api, token, http.MethodGet, "/api/v1/transactions/"+created.Transaction.ID+"/postings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("postings: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var postings domain.PostingListResponse
	if err := json.NewDecoder(rec.Body).Decode(&postings); err != nil {
		t.Fatalf("decode postings: %v", err)
	}
	if len(postings.Postings) == 0 {
		t.Fatalf("expected postings after confirm")
	}

	// Confirming a second time is a state conflict, not a validation error.
	rec = authedRequest(t, api, token, http.MethodPost, "/api/v1/transactions/"+created.Transaction.ID+"/confirm", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double confirm: expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = authedRequest(t, api, token, http.MethodGet, "/api/v1/summaries/stock", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stock summary: expected 200, got %d", rec.Code)
	}
	var stock domain.StockSummaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&stock); err != nil {
		t.Fatalf("decode stock summary: %v", err)
	}
	if len(stock.Positions) != 1 {
		t.Fatalf("expected 1 stock position, got %+v", stock.Positions)
	}
}

func TestConfirmInvalidDraftReturnsFieldErrors(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "accountant", "accountant123")

	draftReq := domain.TransactionDraftRequest{
		Type:        "sale",
		Date:        "2026-08-28",
		CurrencyID:  "usd",
		TotalAmount: mustDecimal(t, "99"),
	}
	rec := authedRequest(t, api, token, http.MethodPost, "/api/v1/transactions", draftReq)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create draft: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.TransactionResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	rec = authedRequest(t, api, token, http.MethodPost, "/api/v1/transactions/"+created.Transaction.ID+"/confirm", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("confirm: expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Error  string `json:"error"`
		Errors []struct {
			Field  string `json:"field"`
			Reason string `json:"reason"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if len(body.Errors) < 2 {
		t.Fatalf("expected multiple field errors in one response, got %+v", body)
	}
	fields := map[string]bool{}
	for _, fe := range body.Errors {
		fields[fe.Field] = true
	}
	if !fields["counterparty_id"] || !fields["items"] {
		t.Fatalf("expected counterparty_id and items violations, got %+v", body.Errors)
	}
}

func TestUnknownTransactionReturns404(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "accountant", "accountant123")

	rec := authedRequest(t, api, token, http.MethodGet, "/api/v1/transactions/tx-nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAuditLogsForbiddenForAccountant(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "accountant", "accountant123")

	rec := authedRequest(t, api, token, http.MethodGet, "/api/v1/audit-logs", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for accountant, got %d", rec.Code)
	}

	adminToken := loginAs(t, api, "admin", "admin123")
	rec = authedRequest(t, api, adminToken, http.MethodGet, "/api/v1/audit-logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestReferenceCreateForbiddenForAccountant(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "accountant", "accountant123")

	rec := authedRequest(t, api, token, http.MethodPost, "/api/v1/products", domain.Product{SKU: "NEW-9", Name: "New product"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for accountant product create, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

// Errors outside the mapped taxonomy must not reach clients verbatim; driver
// and SQL detail belongs in the server log only.
func TestUnknownServiceErrorMaskedAsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, errors.New(`pq: duplicate key value violates unique constraint "transactions_pkey"`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unmapped error, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "pq:") || strings.Contains(body, "transactions_pkey") {
		t.Fatalf("driver detail leaked to client: %s", body)
	}
	if !strings.Contains(body, "internal server error") {
		t.Fatalf("expected generic message, got %s", body)
	}
}

func TestHandleTransactionTypes(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "accountant", "accountant123")

	rec := authedRequest(t, api, token, http.MethodGet, "/api/v1/transaction-types", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Types []domain.TransactionTypeInfo `json:"types"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode types: %v", err)
	}
	if len(body.Types) != len(domain.AllTransactionTypes()) {
		t.Fatalf("expected %d types, got %d", len(domain.AllTransactionTypes()), len(body.Types))
	}
}
