package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stock-tracker/internal/models"
)

// Format builds the subject and body for an event.
func Format(event models.AlertEvent, p *models.TrackedProduct, url string) (string, string) {
	name := p.DisplayName()
	cur := currency(p.Ref)
	price := formatPrice(cur, event.Snapshot.Price)

	var subject string
	var b strings.Builder

	switch event.Kind {
	case models.EventStockAvailable:
		subject = "Back in Stock: " + name
		fmt.Fprintf(&b, "✅ BACK IN STOCK!\n\n%s\n\nCurrent price: %s\n", name, price)

	case models.EventStockUnavailable:
		subject = "Out of Stock: " + name
		fmt.Fprintf(&b, "❌ OUT OF STOCK\n\n%s\n\nLast price: %s\n", name, price)

	case models.EventPriceDropped:
		subject = "Price Drop: " + name
		fmt.Fprintf(&b, "📉 PRICE DROP%s\n\n%s\n\nOld price: %s\nNew price: %s\n",
			percentOff(event.From, event.To), name, money(cur, event.From), money(cur, event.To))
		if p.TargetPrice.Valid {
			fmt.Fprintf(&b, "Target: %s\n", money(cur, p.TargetPrice.Decimal))
		}

	case models.EventTargetReached:
		subject = "Target Price Reached: " + name
		fmt.Fprintf(&b, "🎉 TARGET PRICE REACHED!\n\n%s\n\nCurrent price: %s\nYour target: %s\n",
			name, money(cur, event.To), money(cur, event.From))

	case models.EventLowestEver:
		subject = "Lowest Ever Price: " + name
		fmt.Fprintf(&b, "🏆 LOWEST PRICE EVER!\n\n%s\n\nCurrent price: %s\nPrevious lowest: %s\n",
			name, money(cur, event.To), money(cur, event.From))

	case models.EventBasketAdded:
		subject = "Added to Basket: " + name
		fmt.Fprintf(&b, "🛒 ADDED TO BASKET\n\n%s\n\nPrice: %s\nQuantity: %d\n\nComplete your purchase soon, items may sell out.\n",
			name, price, p.AutoAddQuantity)

	case models.EventBasketFailed:
		subject = "Basket Add Failed: " + name
		fmt.Fprintf(&b, "⚠️ BASKET ADD FAILED\n\n%s\n\nPrice: %s\n", name, price)

	default:
		subject = "Alert: " + name
		fmt.Fprintf(&b, "Alert: %s\n\n%s\n", event.Kind, name)
	}

	if event.Detail != "" {
		fmt.Fprintf(&b, "%s\n", event.Detail)
	}
	fmt.Fprintf(&b, "\n%s\n\nChecked at: %s", url, event.Snapshot.CapturedAt.UTC().Format("2006-01-02 15:04 UTC"))

	return subject, b.String()
}

// Price renders v in the currency of the product's site, or "N/A".
func Price(ref string, v decimal.NullDecimal) string {
	return formatPrice(currency(ref), v)
}

func currency(ref string) string {
	if strings.Contains(ref, "mercadolivre.com.br") {
		return "R$ "
	}
	return "£"
}

func money(cur string, v decimal.Decimal) string {
	return cur + v.StringFixed(2)
}

func formatPrice(cur string, v decimal.NullDecimal) string {
	if !v.Valid {
		return "N/A"
	}
	return money(cur, v.Decimal)
}

func percentOff(from, to decimal.Decimal) string {
	if !from.IsPositive() || !to.LessThan(from) {
		return ""
	}
	pct := from.Sub(to).Div(from).Mul(decimal.NewFromInt(100))
	return fmt.Sprintf(" (%s%% off)", pct.StringFixed(1))
}
