// Package scraper fetches retailer product pages and turns them into fetch outcomes.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"stock-tracker/internal/models"
)

// maxBodyBytes caps how much of a page is read.
const maxBodyBytes = 5 << 20

// blockPageLimit: challenge pages are small, real product pages are not.
const blockPageLimit = 10000

var blockIndicators = []string{
	"captcha",
	"robot",
	"blocked",
	"access denied",
	"please verify",
	"security check",
}

// DefaultUserAgents is used when none are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// Page is what a parser extracts from one product page.
// Price is invalid when the page shows none.
type Page struct {
	Name    string
	Price   decimal.NullDecimal
	InStock bool
	// Note carries parser-specific detail such as a checkout discount.
	Note string
}

// Parser knows the page structure of one retailer.
type Parser interface {
	Name() string
	CanHandle(ref string) bool
	URL(ref string) string
	AcceptLanguage() string
	Parse(doc *goquery.Document, html string) (Page, error)
}

// Options configures a Registry.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	UserAgents        []string
	Client            *http.Client
}

// Registry holds the available parsers and the shared HTTP pacing.
type Registry struct {
	parsers []Parser
	client  *http.Client
	limiter *rate.Limiter
	agents  []string

	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewRegistry creates a registry. Every fetch waits on one shared limiter so the
// whole process stays under RequestsPerSecond.
func NewRegistry(opts Options, parsers ...Parser) *Registry {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	agents := opts.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	client := opts.Client
	if client == nil {
		// Deadlines come from the per-fetch context.
		client = &http.Client{}
	}

	return &Registry{
		parsers: parsers,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		agents:  agents,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// FindParser returns the parser for ref, or nil.
func (r *Registry) FindParser(ref string) Parser {
	for _, p := range r.parsers {
		if p.CanHandle(ref) {
			return p
		}
	}
	return nil
}

// Fetch performs one bounded fetch. It never returns an error: every failure
// mode is a FetchOutcome variant.
func (r *Registry) Fetch(ctx context.Context, ref string, timeout time.Duration) models.FetchOutcome {
	parser := r.FindParser(ref)
	if parser == nil {
		return models.HardError(fmt.Sprintf("no parser for %q", ref))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.limiter.Wait(fetchCtx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return models.HardError("fetch cancelled")
		}
		return models.Timeout()
	}

	url := parser.URL(ref)
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return models.HardError(fmt.Sprintf("invalid url: %v", err))
	}
	r.setHeaders(req, parser)

	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(fetchCtx, err) {
			return models.Timeout()
		}
		return models.HardError(fmt.Sprintf("request error: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(fetchCtx, err) {
			return models.Timeout()
		}
		return models.HardError(fmt.Sprintf("read body: %v", err))
	}

	if outcome, blocked := classify(resp.StatusCode, body); blocked {
		log.Printf("[Fetcher] %s %s: %s", parser.Name(), url, outcome.Reason)
		return outcome
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return models.HardError(fmt.Sprintf("invalid html: %v", err))
	}

	page, err := parser.Parse(doc, string(body))
	if err != nil {
		return models.HardError(fmt.Sprintf("%s: %v", parser.Name(), err))
	}

	outcome := models.Success(models.ProductSnapshot{
		InStock:    page.InStock,
		Price:      page.Price,
		CapturedAt: r.now(),
	})
	outcome.Name = page.Name
	outcome.StatusCode = resp.StatusCode
	outcome.Reason = page.Note
	return outcome
}

// classify returns a failed outcome for anything that is not a readable 200.
func classify(status int, body []byte) (models.FetchOutcome, bool) {
	var outcome models.FetchOutcome
	switch {
	case status == http.StatusForbidden:
		outcome = models.SoftBlock("access forbidden (403)")
	case status == http.StatusTooManyRequests:
		outcome = models.SoftBlock("rate limited (429)")
	case status == http.StatusServiceUnavailable:
		outcome = models.SoftBlock("service unavailable (503)")
	case status == http.StatusNotFound:
		outcome = models.HardError("product not found (404)")
	case status != http.StatusOK:
		outcome = models.HardError(fmt.Sprintf("HTTP %d", status))
	default:
		if len(body) >= blockPageLimit {
			return outcome, false
		}
		lower := strings.ToLower(string(body))
		for _, indicator := range blockIndicators {
			if strings.Contains(lower, indicator) {
				outcome = models.SoftBlock("possible blocking detected: " + indicator)
				break
			}
		}
		if outcome.Kind == "" {
			return outcome, false
		}
	}
	outcome.StatusCode = status
	return outcome, true
}

func (r *Registry) setHeaders(req *http.Request, p Parser) {
	req.Header.Set("User-Agent", r.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", p.AcceptLanguage())
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

func (r *Registry) userAgent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[r.rnd.Intn(len(r.agents))]
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseAmount turns "1,299.99" into a decimal. thousands and point name the
// separators used by the page's locale.
func parseAmount(text string, thousands, point string) (decimal.Decimal, error) {
	clean := strings.ReplaceAll(text, thousands, "")
	if point != "." {
		clean = strings.ReplaceAll(clean, point, ".")
	}
	clean = strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, clean)
	if clean == "" {
		return decimal.Zero, fmt.Errorf("no digits in %q", text)
	}
	return decimal.NewFromString(clean)
}
