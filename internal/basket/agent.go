// Package basket performs assisted checkout: it adds an item to the retailer
// basket and stops there. It never places orders or touches payment details.
package basket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"stock-tracker/internal/models"
	"stock-tracker/internal/scraper"
	"stock-tracker/internal/security"
)

// Request describes one add-to-basket attempt.
type Request struct {
	ProductID int64
	Ref       string
	Price     decimal.NullDecimal
	Quantity  int
	MaxPrice  decimal.NullDecimal
}

// Result is the outcome of AddToBasket.
type Result struct {
	Outcome     models.BasketOutcome `json:"outcome"`
	Message     string               `json:"message"`
	CheckoutURL string               `json:"checkout_url,omitempty"`
}

func (r Result) Succeeded() bool { return r.Outcome == models.BasketSuccess }

// Config for the Costco UK storefront session.
type Config struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
}

// Agent keeps one logged-in session. Attempts are serialized on it.
type Agent struct {
	cfg    Config
	client *http.Client

	mu            sync.Mutex
	authenticated bool
	account       string
}

func NewAgent(cfg Config) (*Agent, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = scraper.CostcoBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Jar: jar, Timeout: cfg.Timeout},
	}, nil
}

func (a *Agent) loginURL() string { return a.cfg.BaseURL + "/LogonForm" }
func (a *Agent) cartURL() string { return a.cfg.BaseURL + "/cart" }
func (a *Agent) entriesURL() string {
	return a.cfg.BaseURL + "/rest/v2/uk/users/current/carts/current/entries"
}

// AddToBasket checks the preconditions, logs in when needed and posts one cart entry.
// It is not retried here; the next scheduled poll is the retry.
func (a *Agent) AddToBasket(ctx context.Context, req Request, creds security.Credentials) Result {
	if res, ok := a.preconditions(req, creds); !ok {
		log.Printf("[Basket] Skipping product %d: %s", req.ProductID, res.Message)
		return res
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.authenticated || a.account != creds.Email {
		if err := a.login(ctx, creds); err != nil {
			log.Printf("[Basket] Login failed for product %d: %v", req.ProductID, err)
			return Result{Outcome: models.BasketFailure, Message: "login failed: " + err.Error()}
		}
	}

	item := scraper.ItemNumber(req.Ref)
	res := a.addEntry(ctx, item, req.Quantity)
	if res.Succeeded() {
		log.Printf("[Basket] Added item %s x%d for product %d", item, req.Quantity, req.ProductID)
	} else {
		log.Printf("[Basket] Add failed for product %d: %s", req.ProductID, res.Message)
	}
	return res
}

func (a *Agent) preconditions(req Request, creds security.Credentials) (Result, bool) {
	fail := func(msg string) (Result, bool) {
		return Result{Outcome: models.BasketPreconditionNot, Message: msg}, false
	}
	switch {
	case !a.cfg.Enabled:
		return fail("auto-add to basket is disabled")
	case creds.Empty():
		return fail("retailer credentials are not configured")
	case req.Quantity < 1:
		return fail("quantity must be at least 1")
	case !req.Price.Valid:
		return fail("current price is unknown")
	case req.MaxPrice.Valid && req.Price.Decimal.GreaterThan(req.MaxPrice.Decimal):
		return fail(fmt.Sprintf("price %s is above the auto-add limit %s",
			req.Price.Decimal.StringFixed(2), req.MaxPrice.Decimal.StringFixed(2)))
	}
	return Result{}, true
}

// login reads the CSRF token from the logon form and posts the credentials.
func (a *Agent) login(ctx context.Context, creds security.Credentials) error {
	a.authenticated = false

	page, err := a.get(ctx, a.loginURL())
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return fmt.Errorf("failed to parse login page: %w", err)
	}
	csrf, _ := doc.Find("input[name='CSRFToken']").First().Attr("value")

	form := url.Values{
		"logonId":       {creds.Email},
		"logonPassword": {creds.Password},
		"CSRFToken":     {csrf},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", a.loginURL())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}

	lower := strings.ToLower(string(body))
	if !strings.Contains(lower, "sign out") && !strings.Contains(lower, "my account") {
		return fmt.Errorf("credentials rejected")
	}
	a.authenticated = true
	a.account = creds.Email
	log.Printf("[Basket] Logged in")
	return nil
}

func (a *Agent) addEntry(ctx context.Context, item string, quantity int) Result {
	payload, err := json.Marshal(map[string]any{
		"product":  map[string]string{"code": item},
		"quantity": quantity,
	})
	if err != nil {
		return Result{Outcome: models.BasketFailure, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.entriesURL(), bytes.NewReader(payload))
	if err != nil {
		return Result{Outcome: models.BasketFailure, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{Outcome: models.BasketFailure, Message: "cart request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return Result{
			Outcome:     models.BasketSuccess,
			Message:     fmt.Sprintf("added %dx item to basket", quantity),
			CheckoutURL: a.cartURL(),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		a.authenticated = false
	}

	msg := fmt.Sprintf("failed to add to cart: %d", resp.StatusCode)
	var body struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && len(body.Errors) > 0 && body.Errors[0].Message != "" {
		msg = body.Errors[0].Message
	}
	return Result{Outcome: models.BasketFailure, Message: msg}
}

func (a *Agent) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to load %s: %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 2<<20))
}
