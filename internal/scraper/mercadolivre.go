package scraper

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

var (
	mlOffersPriceRe = regexp.MustCompile(`"offers"[^}]*"price"\s*:\s*"?([0-9.]+)"?`)
	mlNameRe        = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)
	mlAvailRe       = regexp.MustCompile(`"availability"\s*:\s*"[^"]*/(InStock|OutOfStock|SoldOut|Discontinued)"`)
)

// Mercado Livre shows these texts when a listing cannot be bought.
var mlUnavailableTexts = []string{
	"publicação pausada",
	"publicação finalizada",
	"sem estoque",
	"estoque esgotado",
	"produto indisponível",
}

// MercadoLivreParser handles mercadolivre.com.br listings.
type MercadoLivreParser struct{}

var _ Parser = (*MercadoLivreParser)(nil)

func NewMercadoLivreParser() *MercadoLivreParser {
	return &MercadoLivreParser{}
}

func (m *MercadoLivreParser) Name() string { return "mercadolivre" }

func (m *MercadoLivreParser) AcceptLanguage() string {
	return "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"
}

func (m *MercadoLivreParser) CanHandle(ref string) bool {
	return strings.Contains(ref, "mercadolivre.com.br")
}

func (m *MercadoLivreParser) URL(ref string) string {
	return strings.Split(ref, "#")[0]
}

// Parse prefers the promotional price, then the lowest visible price, then meta
// tags and JSON-LD offers.
func (m *MercadoLivreParser) Parse(doc *goquery.Document, html string) (Page, error) {
	page := Page{Name: mlName(doc)}

	if price, ok := mlPrice(doc); ok {
		page.Price = decimal.NullDecimal{Decimal: price, Valid: true}
	}

	inStock, known := mlStock(doc, html)
	if !known {
		// A visible price with a buy button area means the listing is live.
		if !page.Price.Valid {
			return page, errors.New("price not found on page")
		}
		inStock = true
	}
	page.InStock = inStock
	if inStock && !page.Price.Valid {
		return page, errors.New("price not found on in-stock page")
	}
	return page, nil
}

func mlPrice(doc *goquery.Document) (decimal.Decimal, bool) {
	promotional := []string{
		".ui-pdp-price__second-line .andes-money-amount__fraction",
		".ui-pdp-price--size-large .andes-money-amount__fraction",
	}
	for _, selector := range promotional {
		if p, ok := mlAmount(doc.Find(selector).First()); ok {
			return p, true
		}
	}

	// Several candidate prices: the lowest one is the current offer.
	var lowest decimal.Decimal
	found := false
	doc.Find("[data-testid='price'] .andes-money-amount__fraction, .ui-pdp-price__first-line .andes-money-amount__fraction, .andes-money-amount__fraction, .price-tag-fraction").
		Each(func(_ int, s *goquery.Selection) {
			if s.ParentsFiltered(".andes-money-amount--previous-price").Length() > 0 {
				return
			}
			if p, ok := mlAmount(s); ok && (!found || p.LessThan(lowest)) {
				lowest, found = p, true
			}
		})
	if found {
		return lowest, true
	}

	if content, ok := doc.Find("meta[property='product:price:amount'], meta[itemprop='price']").First().Attr("content"); ok {
		if p, err := decimal.NewFromString(strings.TrimSpace(content)); err == nil && p.IsPositive() {
			return p, true
		}
	}

	var fromJSON decimal.Decimal
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := mlOffersPriceRe.FindStringSubmatch(s.Text()); len(m) > 1 {
			if p, err := decimal.NewFromString(m[1]); err == nil && p.IsPositive() {
				fromJSON, found = p, true
				return false
			}
		}
		return true
	})
	return fromJSON, found
}

// mlAmount reads a fraction element and, when present, its sibling cents.
func mlAmount(s *goquery.Selection) (decimal.Decimal, bool) {
	if s.Length() == 0 {
		return decimal.Zero, false
	}
	text := strings.TrimSpace(s.Text())
	if text == "" {
		return decimal.Zero, false
	}
	amount, err := parseAmount(text, ".", ",")
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	cents := strings.TrimSpace(s.SiblingsFiltered(".andes-money-amount__cents").First().Text())
	if cents != "" {
		if c, err := decimal.NewFromString(cents); err == nil {
			amount = amount.Add(c.Shift(-int32(len(cents))))
		}
	}
	return amount, true
}

func mlStock(doc *goquery.Document, html string) (inStock, known bool) {
	if m := mlAvailRe.FindStringSubmatch(html); len(m) > 1 {
		return m[1] == "InStock", true
	}

	status := strings.ToLower(doc.Find(".ui-pdp-stock-information, .ui-pdp-message, .ui-pdp-container__row--stock-information").Text())
	for _, text := range mlUnavailableTexts {
		if strings.Contains(status, text) {
			return false, true
		}
	}
	if doc.Find(".ui-pdp-actions button, [data-testid='buy-button']").Length() > 0 {
		return true, true
	}
	return false, false
}

func mlName(doc *goquery.Document) string {
	for _, selector := range []string{"h1.ui-pdp-title", "h1[data-testid='title']", ".ui-pdp-title", "h1"} {
		if name := strings.TrimSpace(doc.Find(selector).First().Text()); name != "" {
			return name
		}
	}

	var name string
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := mlNameRe.FindStringSubmatch(s.Text()); len(m) > 1 {
			name = m[1]
			return false
		}
		return true
	})
	return name
}
