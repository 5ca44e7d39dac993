// Package bot is the Telegram operator surface: product management and the
// safety switches, restricted to one chat.
package bot

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"stock-tracker/internal/catalog"
	"stock-tracker/internal/models"
	"stock-tracker/internal/monitor"
)

// Init connects to the Bot API and verifies the token.
func Init(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		if err.Error() == "Unauthorized" {
			return nil, fmt.Errorf("telegram token is invalid or expired, ask @BotFather for a new one")
		}
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	api.Debug = false
	log.Printf("[Bot] Authorized as %s", api.Self.UserName)
	return api, nil
}

// Sender is the subset of *tgbotapi.BotAPI the bot replies with.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Catalogue interface {
	Add(ctx context.Context, in catalog.NewProduct) (*models.TrackedProduct, error)
	List(ctx context.Context) ([]*models.TrackedProduct, error)
	Get(ctx context.Context, id int64) (*models.TrackedProduct, error)
	Remove(ctx context.Context, id int64) error
}

type Operator interface {
	TriggerManualCheck(ctx context.Context, productID int64) (*monitor.CheckReport, error)
	EnableProduct(ctx context.Context, productID int64) error
	SetKillSwitch(ctx context.Context, on bool) error
	SetSafeMode(ctx context.Context, on bool) error
	Status() monitor.Status
}

var (
	_ Catalogue = (*catalog.Service)(nil)
	_ Operator  = (*monitor.Scheduler)(nil)
)

// Bot answers commands from the authorized chat.
type Bot struct {
	api       Sender
	chatID    int64
	catalogue Catalogue
	operator  Operator
}

func New(api Sender, chatID int64, catalogue Catalogue, operator Operator) *Bot {
	return &Bot{api: api, chatID: chatID, catalogue: catalogue, operator: operator}
}

// Listen long-polls api for updates until ctx is cancelled.
func (b *Bot) Listen(ctx context.Context, api *tgbotapi.BotAPI) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()

	b.Run(ctx, updates)
}

// Run handles updates one at a time until the channel closes or ctx ends.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			b.handle(ctx, update.Message)
		}
	}
}
