package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"stock-tracker/internal/catalog"
	"stock-tracker/internal/database"
	"stock-tracker/internal/models"
	"stock-tracker/internal/monitor"
	"stock-tracker/internal/notify"
)

const helpText = `🤖 <b>Stock Tracker</b>

<b>/add</b> &lt;url|item&gt; [target] - track a product
Example: /add https://www.costco.co.uk/p/1234567 89.99

<b>/list</b> - tracked products
<b>/remove</b> &lt;id&gt; - stop tracking
<b>/check</b> &lt;id&gt; - check now
<b>/enable</b> &lt;id&gt; - re-enable a disabled product
<b>/kill</b> on|off - kill switch
<b>/safemode</b> on|off - manual safe mode
<b>/status</b> - scheduler and safety state
<b>/help</b> - this message`

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// parseCommand splits "/cmd@botname a b" into "/cmd" and its arguments.
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil
	}
	command := strings.ToLower(parts[0])
	if idx := strings.Index(command, "@"); idx > 0 {
		command = command[:idx]
	}
	return command, parts[1:]
}

func (b *Bot) handle(ctx context.Context, message *tgbotapi.Message) {
	command, args := parseCommand(message.Text)
	if command == "" {
		return
	}

	public := command == "/start" || command == "/help"
	if !public && message.Chat.ID != b.chatID {
		log.Printf("[Bot] Ignoring %s from unauthorized chat %d", command, message.Chat.ID)
		b.send(message.Chat.ID, "You are not authorized to use this bot.")
		return
	}

	if command == "/check" {
		b.handleCheck(ctx, message.Chat.ID, args)
		return
	}
	b.send(message.Chat.ID, b.respond(ctx, command, args))
}

// respond runs one command and returns the HTML reply.
func (b *Bot) respond(ctx context.Context, command string, args []string) string {
	switch command {
	case "/start", "/help":
		return helpText
	case "/add":
		return b.add(ctx, args)
	case "/list":
		return b.list(ctx)
	case "/remove":
		return b.remove(ctx, args)
	case "/check":
		return b.check(ctx, args)
	case "/enable":
		return b.enable(ctx, args)
	case "/kill":
		return b.toggle(ctx, args, "Kill switch", b.operator.SetKillSwitch)
	case "/safemode":
		return b.toggle(ctx, args, "Safe mode", b.operator.SetSafeMode)
	case "/status":
		return b.status()
	}
	return "Unknown command. Use /help to see what is available."
}

func (b *Bot) add(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "❌ Usage: /add &lt;url|item&gt; [target]"
	}
	in := catalog.NewProduct{Ref: args[0]}
	if len(args) > 1 {
		target, err := parsePrice(args[1])
		if err != nil {
			return "❌ Invalid target price. Use a positive number, e.g. 89.99"
		}
		in.TargetPrice = decimal.NullDecimal{Decimal: target, Valid: true}
	}

	p, err := b.catalogue.Add(ctx, in)
	if err != nil {
		return "❌ " + describeError(err)
	}

	reply := fmt.Sprintf("✅ Tracking <b>%s</b>\n🆔 ID: %d\n⏱ Every %d min",
		escapeHTML(p.DisplayName()), p.ID, p.PollIntervalMinutes)
	if p.TargetPrice.Valid {
		reply += "\n🎯 Target: " + notify.Price(p.Ref, p.TargetPrice)
	}
	return reply
}

func (b *Bot) list(ctx context.Context) string {
	products, err := b.catalogue.List(ctx)
	if err != nil {
		return "❌ " + describeError(err)
	}

	var active []*models.TrackedProduct
	for _, p := range products {
		if p.Active {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return "📋 No products are being tracked."
	}

	var sb strings.Builder
	sb.WriteString("📋 <b>Tracked products</b>\n\n")
	for _, p := range active {
		fmt.Fprintf(&sb, "🆔 <b>%d</b> %s\n", p.ID, escapeHTML(p.DisplayName()))
		if p.Snapshot != nil {
			stock := "❌ out of stock"
			if p.Snapshot.InStock {
				stock = "✅ in stock"
			}
			fmt.Fprintf(&sb, "%s, %s\n", stock, notify.Price(p.Ref, p.Snapshot.Price))
		} else {
			sb.WriteString("Not checked yet\n")
		}
		if p.TargetPrice.Valid {
			fmt.Fprintf(&sb, "🎯 Target: %s\n", notify.Price(p.Ref, p.TargetPrice))
		}
		if p.Status != models.StatusActive {
			fmt.Fprintf(&sb, "⚠️ %s", p.Status)
			if p.LastError != "" {
				fmt.Fprintf(&sb, ": %s", escapeHTML(p.LastError))
			}
			sb.WriteString("\n")
		}
		if !p.LastCheckedAt.IsZero() {
			fmt.Fprintf(&sb, "🕐 %s\n", p.LastCheckedAt.UTC().Format("02/01/2006 15:04"))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *Bot) remove(ctx context.Context, args []string) string {
	id, err := parseID(args)
	if err != nil {
		return "❌ Usage: /remove &lt;id&gt;"
	}
	p, err := b.catalogue.Get(ctx, id)
	if err != nil {
		return "❌ " + describeError(err)
	}
	if err := b.catalogue.Remove(ctx, id); err != nil {
		return "❌ " + describeError(err)
	}
	return "✅ Stopped tracking " + escapeHTML(p.DisplayName())
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args []string) {
	wait, err := b.api.Send(tgbotapi.NewMessage(chatID, "⏳ Checking..."))
	reply := b.check(ctx, args)
	if err != nil {
		b.send(chatID, reply)
		return
	}

	edit := tgbotapi.NewEditMessageText(chatID, wait.MessageID, reply)
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(edit); err != nil {
		log.Printf("[Bot] Failed to edit message, sending a new one: %v", err)
		b.send(chatID, reply)
	}
}

func (b *Bot) check(ctx context.Context, args []string) string {
	id, err := parseID(args)
	if err != nil {
		return "❌ Usage: /check &lt;id&gt;"
	}
	report, err := b.operator.TriggerManualCheck(ctx, id)
	if err != nil {
		return "❌ " + describeError(err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 <b>Check %d</b>: %s\n", id, report.Outcome.Kind)
	if s := report.Snapshot; s != nil {
		stock := "❌ out of stock"
		if s.InStock {
			stock = "✅ in stock"
		}
		ref := ""
		if p, err := b.catalogue.Get(ctx, id); err == nil {
			ref = p.Ref
		}
		fmt.Fprintf(&sb, "%s, %s\n", stock, notify.Price(ref, s.Price))
	} else if report.Outcome.Reason != "" {
		fmt.Fprintf(&sb, "%s\n", escapeHTML(report.Outcome.Reason))
	}
	for _, ev := range report.Events {
		fmt.Fprintf(&sb, "🔔 %s\n", ev.Kind)
	}
	if report.Basket != nil {
		fmt.Fprintf(&sb, "🛒 %s %s\n", report.Basket.Outcome, escapeHTML(report.Basket.Message))
	}
	fmt.Fprintf(&sb, "Next check: %s", report.NextCheckAt.UTC().Format("15:04 UTC"))
	return sb.String()
}

func (b *Bot) enable(ctx context.Context, args []string) string {
	id, err := parseID(args)
	if err != nil {
		return "❌ Usage: /enable &lt;id&gt;"
	}
	if err := b.operator.EnableProduct(ctx, id); err != nil {
		return "❌ " + describeError(err)
	}
	return fmt.Sprintf("✅ Product %d enabled and scheduled now", id)
}

func (b *Bot) toggle(ctx context.Context, args []string, label string, set func(context.Context, bool) error) string {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return "❌ Usage: on|off"
	}
	on := args[0] == "on"
	if err := set(ctx, on); err != nil {
		return "❌ " + describeError(err)
	}
	return fmt.Sprintf("✅ %s %s", label, args[0])
}

func (b *Bot) status() string {
	st := b.operator.Status()

	var sb strings.Builder
	sb.WriteString("📈 <b>Status</b>\n\n")
	fmt.Fprintf(&sb, "Scheduler: %s\n", runState(st))
	fmt.Fprintf(&sb, "Safety: %s\n", st.Safety.State)
	fmt.Fprintf(&sb, "Kill switch: %s\n", onOff(st.Safety.KillSwitch))
	fmt.Fprintf(&sb, "Safe mode: %s", onOff(st.Safety.SafeMode))
	if st.Safety.ManualSafeMode {
		sb.WriteString(" (manual)")
	}
	fmt.Fprintf(&sb, "\nChecks in flight: %d/%d\n", len(st.InFlight), st.Workers)
	if r := st.LastRun; r != nil {
		fmt.Fprintf(&sb, "Last run: %s, %d checked, %d changed, %d errors (%s)",
			r.Status, r.Checked, r.Changed, r.Errors, r.StartedAt.UTC().Format("15:04 UTC"))
	}
	return sb.String()
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("[Bot] Failed to send HTML reply, retrying as plain text: %v", err)
		msg.ParseMode = ""
		if _, err := b.api.Send(msg); err != nil {
			log.Printf("[Bot] Failed to send reply: %v", err)
		}
	}
}

func describeError(err error) string {
	var ce *models.ConfigurationError
	switch {
	case errors.As(err, &ce):
		return escapeHTML(ce.Error())
	case errors.Is(err, catalog.ErrUnsupportedRef):
		return "URL not supported. Use a Costco UK or Mercado Livre link or a Costco item number."
	case errors.Is(err, database.ErrDuplicateProduct):
		return "This product is already tracked."
	case errors.Is(err, monitor.ErrProductNotFound), errors.Is(err, models.ErrNotFound):
		return "Product not found."
	case errors.Is(err, monitor.ErrKillSwitchActive):
		return "Kill switch is on. Use /kill off first."
	case errors.Is(err, monitor.ErrCheckInProgress):
		return "A check of this product is already running."
	case errors.Is(err, monitor.ErrProductDisabled):
		return "Product is disabled. Use /enable first."
	case errors.Is(err, models.ErrPersistenceUnavailable):
		return "Database unavailable, try again later."
	}
	log.Printf("[Bot] Command failed: %v", err)
	return "Something went wrong, see the logs."
}

func parseID(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, errors.New("missing id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// parsePrice accepts "89.99", "£89.99" or "R$89,99".
func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "£"), "R$")
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.New("price must be positive")
	}
	return d, nil
}

func runState(st monitor.Status) string {
	switch {
	case st.Paused:
		return "paused (database unavailable)"
	case st.Running:
		return "running"
	}
	return "stopped"
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
