package basket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-tracker/internal/models"
	"stock-tracker/internal/security"
)

var creds = security.Credentials{Email: "me@example.com", Password: "hunter2"}

func price(v int64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromInt(v), Valid: true}
}

type fakeStore struct {
	logins   atomic.Int32
	entries  atomic.Int32
	cartErr  int
	lastCSRF string
	lastItem string
	lastQty  int
}

func (f *fakeStore) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/LogonForm", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`<form><input type="hidden" name="CSRFToken" value="tok-123"></form>`))
			return
		}
		require.NoError(t, r.ParseForm())
		f.logins.Add(1)
		f.lastCSRF = r.PostForm.Get("CSRFToken")
		if r.PostForm.Get("logonPassword") != "hunter2" {
			_, _ = w.Write([]byte(`<p>Invalid login</p>`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
		_, _ = w.Write([]byte(`<a href="/logout">Sign Out</a>`))
	})
	mux.HandleFunc("/rest/v2/uk/users/current/carts/current/entries", func(w http.ResponseWriter, r *http.Request) {
		f.entries.Add(1)
		if c, err := r.Cookie("session"); err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Product  struct{ Code string } `json:"product"`
			Quantity int                   `json:"quantity"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastItem, f.lastQty = body.Product.Code, body.Quantity
		if f.cartErr != 0 {
			w.WriteHeader(f.cartErr)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Product is out of stock"}]}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newAgent(t *testing.T, store *fakeStore) *Agent {
	t.Helper()
	srv := httptest.NewServer(store.handler(t))
	t.Cleanup(srv.Close)
	a, err := NewAgent(Config{Enabled: true, BaseURL: srv.URL})
	require.NoError(t, err)
	return a
}

func TestAgent_AddToBasket(t *testing.T) {
	store := &fakeStore{}
	a := newAgent(t, store)

	req := Request{ProductID: 1, Ref: "https://www.costco.co.uk/Sofa/p/1234567", Price: price(900), Quantity: 2}
	res := a.AddToBasket(context.Background(), req, creds)

	assert.Equal(t, models.BasketSuccess, res.Outcome, res.Message)
	assert.Contains(t, res.CheckoutURL, "/cart")
	assert.Equal(t, "tok-123", store.lastCSRF)
	assert.Equal(t, "1234567", store.lastItem)
	assert.Equal(t, 2, store.lastQty)

	res = a.AddToBasket(context.Background(), req, creds)
	assert.True(t, res.Succeeded())
	assert.Equal(t, int32(1), store.logins.Load(), "session is reused")
}

func TestAgent_Preconditions(t *testing.T) {
	store := &fakeStore{}
	a := newAgent(t, store)

	tests := []struct {
		name  string
		req   Request
		creds security.Credentials
	}{
		{"no credentials", Request{Ref: "1234567", Price: price(10), Quantity: 1}, security.Credentials{}},
		{"zero quantity", Request{Ref: "1234567", Price: price(10)}, creds},
		{"unknown price", Request{Ref: "1234567", Quantity: 1}, creds},
		{"above max price", Request{Ref: "1234567", Price: price(120), MaxPrice: price(100), Quantity: 1}, creds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.AddToBasket(context.Background(), tt.req, tt.creds)
			assert.Equal(t, models.BasketPreconditionNot, res.Outcome)
			assert.NotEmpty(t, res.Message)
		})
	}
	assert.Zero(t, store.logins.Load())
	assert.Zero(t, store.entries.Load())

	disabled, err := NewAgent(Config{})
	require.NoError(t, err)
	res := disabled.AddToBasket(context.Background(), Request{Ref: "1234567", Price: price(10), Quantity: 1}, creds)
	assert.Equal(t, models.BasketPreconditionNot, res.Outcome)
}

func TestAgent_AtMaxPriceIsAllowed(t *testing.T) {
	a := newAgent(t, &fakeStore{})

	res := a.AddToBasket(context.Background(), Request{Ref: "1234567", Price: price(100), MaxPrice: price(100), Quantity: 1}, creds)

	assert.Equal(t, models.BasketSuccess, res.Outcome)
}

func TestAgent_LoginRejected(t *testing.T) {
	store := &fakeStore{}
	a := newAgent(t, store)

	bad := security.Credentials{Email: "me@example.com", Password: "wrong"}
	res := a.AddToBasket(context.Background(), Request{Ref: "1234567", Price: price(10), Quantity: 1}, bad)

	assert.Equal(t, models.BasketFailure, res.Outcome)
	assert.Contains(t, res.Message, "login failed")
	assert.NotContains(t, res.Message, "wrong")
	assert.Zero(t, store.entries.Load())
}

func TestAgent_CartError(t *testing.T) {
	store := &fakeStore{cartErr: http.StatusBadRequest}
	a := newAgent(t, store)

	res := a.AddToBasket(context.Background(), Request{Ref: "1234567", Price: price(10), Quantity: 1}, creds)

	assert.Equal(t, models.BasketFailure, res.Outcome)
	assert.Equal(t, "Product is out of stock", res.Message)
}
