package scraper

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// CostcoBaseURL is the default storefront.
const CostcoBaseURL = "https://www.costco.co.uk"

var (
	costcoItemRe = regexp.MustCompile(`^\d{5,8}$`)
	costcoPathRe = regexp.MustCompile(`/p/(\d+)`)

	costcoOutOfStock = []*regexp.Regexp{
		regexp.MustCompile(`(?i)class="[^"]*outOfStock[^"]*"`),
		regexp.MustCompile(`(?i)>\s*Out of Stock\s*<`),
		regexp.MustCompile(`(?i)btn-primary disabled outOfStock`),
	}
	costcoWarehouseOnly = []*regexp.Regexp{
		regexp.MustCompile(`(?i)warehouse only`),
		regexp.MustCompile(`(?i)in-warehouse`),
		regexp.MustCompile(`(?i)Available in Warehouse`),
	}
	costcoInStock = []*regexp.Regexp{
		regexp.MustCompile(`(?i)id="add-to-cart-button"`),
		regexp.MustCompile(`(?i)>\s*Add to cart\s*<`),
		regexp.MustCompile(`(?i)data-cy="addtocart-button`),
	}
	costcoPrice = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<span[^>]*class="[^"]*notranslate[^"]*"[^>]*>£([\d,]+\.?\d*)</span>`),
		regexp.MustCompile(`(?i)"price":\s*"?([\d.]+)"?`),
		regexp.MustCompile(`(?i)data-product-price="([\d.]+)"`),
		regexp.MustCompile(`£([\d,]+\.?\d*)`),
	}
	costcoCheckoutDiscount = regexp.MustCompile(`(?is)(?:further|additional)\s*£([\d,]+\.?\d*)\s*(?:reduction|discount|off).*?(?:checkout|basket)`)

	maxSanePrice = decimal.NewFromInt(100000)
)

// CostcoParser handles Costco UK product pages, addressed by URL or item number.
type CostcoParser struct {
	baseURL string
}

var _ Parser = (*CostcoParser)(nil)

func NewCostcoParser(baseURL string) *CostcoParser {
	if baseURL == "" {
		baseURL = CostcoBaseURL
	}
	return &CostcoParser{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *CostcoParser) Name() string { return "costco" }

func (c *CostcoParser) AcceptLanguage() string { return "en-GB,en;q=0.9" }

func (c *CostcoParser) CanHandle(ref string) bool {
	ref = strings.TrimSpace(ref)
	return costcoItemRe.MatchString(ref) ||
		strings.Contains(ref, "costco.co.uk") ||
		strings.HasPrefix(ref, c.baseURL+"/")
}

// URL builds the product URL for a bare item number.
func (c *CostcoParser) URL(ref string) string {
	ref = strings.TrimSpace(ref)
	if costcoItemRe.MatchString(ref) {
		return c.baseURL + "/p/" + ref
	}
	return strings.Split(ref, "#")[0]
}

// ItemNumber extracts the item number from a URL or returns ref unchanged.
func ItemNumber(ref string) string {
	if m := costcoPathRe.FindStringSubmatch(ref); len(m) > 1 {
		return m[1]
	}
	return strings.TrimSpace(ref)
}

// Parse reads stock, price and name. Out-of-stock wins over add-to-cart markup;
// warehouse-only listings cannot be ordered online and count as out of stock.
func (c *CostcoParser) Parse(doc *goquery.Document, html string) (Page, error) {
	var page Page
	page.Name = costcoName(doc)

	switch {
	case matchAny(costcoOutOfStock, html):
		page.InStock = false
	case matchAny(costcoWarehouseOnly, html):
		page.InStock = false
		page.Note = "warehouse only"
	case matchAny(costcoInStock, html):
		page.InStock = true
	default:
		return page, errors.New("stock status not found on page")
	}

	price, ok := costcoParsePrice(html)
	if ok {
		if m := costcoCheckoutDiscount.FindStringSubmatch(html); len(m) > 1 {
			if discount, err := parseAmount(m[1], ",", "."); err == nil && discount.IsPositive() {
				price = decimal.Max(decimal.Zero, price.Sub(discount))
				page.Note = "£" + discount.StringFixed(2) + " off at checkout"
			}
		}
		page.Price = decimal.NullDecimal{Decimal: price, Valid: true}
	} else if page.InStock {
		return page, errors.New("price not found on in-stock page")
	}

	return page, nil
}

func costcoParsePrice(html string) (decimal.Decimal, bool) {
	for _, re := range costcoPrice {
		m := re.FindStringSubmatch(html)
		if len(m) < 2 {
			continue
		}
		price, err := parseAmount(m[1], ",", ".")
		if err != nil {
			continue
		}
		if price.IsPositive() && price.LessThan(maxSanePrice) {
			return price, true
		}
	}
	return decimal.Zero, false
}

func costcoName(doc *goquery.Document) string {
	name := strings.TrimSpace(doc.Find("h1.product-name").First().Text())
	if name == "" {
		name = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if name == "" {
		name = strings.TrimSpace(doc.Find("title").First().Text())
	}
	name = strings.Join(strings.Fields(name), " ")
	name = strings.TrimSpace(strings.Replace(name, "| Costco UK", "", 1))
	if len(name) > 500 {
		name = name[:500]
	}
	return name
}

func matchAny(patterns []*regexp.Regexp, html string) bool {
	for _, re := range patterns {
		if re.MatchString(html) {
			return true
		}
	}
	return false
}
