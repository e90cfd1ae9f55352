package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finsync/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) {
	return nil, core.ErrAuth
}

func TestNew_Validation(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	tests := []struct {
		name    string
		baseURL string
		tokens  oauth2.TokenSource
		wantErr bool
	}{
		{"valid", "https://api.example.com/v1/", ts, false},
		{"relative", "/api", ts, true},
		{"no tokens", "https://api.example.com", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.baseURL, tt.tokens)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateWallet_SendsBearerAndDecodesID(t *testing.T) {
	var got walletDTO
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/wallets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		if id := r.Header.Get(HeaderRequestID); !strings.HasPrefix(id, "req_") {
			t.Errorf("expected request id, got %q", id)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"w1","name":"Cash"}`))
	}))

	id, err := c.CreateWallet(context.Background(), core.Wallet{
		Envelope: core.Envelope{LocalID: "l1", UserID: "u1"},
		Name:     "Cash",
		Type:     core.WalletCash,
		Balance:  decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if id != "w1" {
		t.Errorf("expected w1, got %q", id)
	}
	if got.Name != "Cash" || got.Type != "CASH" || !got.Balance.Equal(decimal.NewFromInt(100000)) || got.LocalID != "l1" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, core.ErrValidation},
		{http.StatusConflict, core.ErrValidation},
		{http.StatusUnprocessableEntity, core.ErrValidation},
		{http.StatusUnauthorized, core.ErrAuth},
		{http.StatusForbidden, core.ErrAuth},
		{http.StatusTooManyRequests, core.ErrNetwork},
		{http.StatusInternalServerError, core.ErrNetwork},
		{http.StatusBadGateway, core.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			_, err := c.CreateTransaction(context.Background(), core.Transaction{Type: core.Expense})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if rerr.StatusCode != tt.status || rerr.Message != "nope" {
				t.Errorf("unexpected error detail: %+v", rerr)
			}
		})
	}
}

func TestTransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.ListWallets(context.Background(), "u1")
	if !errors.Is(err, core.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestTokenFailureIsAuth(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c, err := New(srv.URL, failingTokens{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GetProfile(context.Background())
	if !errors.Is(err, core.ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
	if called {
		t.Error("request reached the server without a token")
	}
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/transactions/r1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := c.DeleteTransaction(context.Background(), "r1"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestListTransactions(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userId") != "u1" {
			t.Errorf("missing userId query: %q", r.URL.RawQuery)
		}
		w.Write([]byte(`[
			{"id":"r1","amount":"-12.50","type":"EXPENSE","category":"food","date":"2024-03-01T00:00:00Z"},
			{"id":"r2","amount":100,"type":"INCOME","category":"salary","date":"2024-03-02T00:00:00Z","userId":"u1"}
		]`))
	}))

	list, err := c.ListTransactions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2, got %d", len(list))
	}
	if list[0].RemoteID != "r1" || list[0].UserID != "u1" || !list[0].Amount.Equal(decimal.RequireFromString("-12.5")) {
		t.Errorf("unexpected first transaction: %+v", list[0])
	}
	if list[1].Type != core.Income || !list[1].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected second transaction: %+v", list[1])
	}
}

func TestSubmitOCR(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ocrRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Image != "aGVsbG8=" || req.UserID != "u1" {
			t.Errorf("unexpected ocr request: %+v", req)
		}
		w.Write([]byte(`{"merchant":"Shop","total":"9.99","confidence":0.42,
			"lineItems":[{"name":"Tea","quantity":"1","price":"9.99"}]}`))
	}))

	ex, err := c.SubmitOCR(context.Background(), "aGVsbG8=", "u1")
	if err != nil {
		t.Fatalf("SubmitOCR: %v", err)
	}
	if ex.Merchant != "Shop" || ex.Confidence != 0.42 || len(ex.LineItems) != 1 {
		t.Errorf("unexpected extraction: %+v", ex)
	}
	if !ex.Date.IsZero() {
		t.Errorf("expected zero date, got %v", ex.Date)
	}
}

func TestSyncWallets_PerItemResults(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wallets/sync" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"results":[
			{"localId":"a","id":"w1"},
			{"localId":"b","error":"name taken","status":409},
			{"localId":"c","error":"try later","status":503}
		]}`))
	}))

	res, err := c.SyncWallets(context.Background(), []core.Wallet{{Name: "A"}, {Name: "B"}, {Name: "C"}})
	if err != nil {
		t.Fatalf("SyncWallets: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if res[0].Err != nil || res[0].RemoteID != "w1" {
		t.Errorf("unexpected first result: %+v", res[0])
	}
	if !errors.Is(res[1].Err, core.ErrValidation) {
		t.Errorf("expected validation error, got %v", res[1].Err)
	}
	if !errors.Is(res[2].Err, core.ErrNetwork) {
		t.Errorf("expected network error, got %v", res[2].Err)
	}
}

func TestCreate_MissingIDIsRetryable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	_, err := c.CreateReceipt(context.Background(), core.ReceiptTransaction{})
	if !errors.Is(err, core.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}
