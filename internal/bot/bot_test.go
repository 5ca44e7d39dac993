package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-tracker/internal/catalog"
	"stock-tracker/internal/database"
	"stock-tracker/internal/models"
	"stock-tracker/internal/monitor"
	"stock-tracker/internal/safety"
)

const chatID = 42

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
	fail bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if f.fail {
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeCatalogue struct {
	products map[int64]*models.TrackedProduct
	added    catalog.NewProduct
	addErr   error
}

func (f *fakeCatalogue) Add(_ context.Context, in catalog.NewProduct) (*models.TrackedProduct, error) {
	f.added = in
	if f.addErr != nil {
		return nil, f.addErr
	}
	p := &models.TrackedProduct{ID: 9, Ref: in.Ref, TargetPrice: in.TargetPrice, PollIntervalMinutes: 15, Active: true}
	f.products[p.ID] = p
	return p, nil
}

func (f *fakeCatalogue) List(context.Context) ([]*models.TrackedProduct, error) {
	var out []*models.TrackedProduct
	for _, p := range f.products {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeCatalogue) Get(_ context.Context, id int64) (*models.TrackedProduct, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p, nil
}

func (f *fakeCatalogue) Remove(_ context.Context, id int64) error {
	f.products[id].Active = false
	return nil
}

type fakeOperator struct {
	killSwitch bool
	safeMode   bool
	checkErr   error
}

func (f *fakeOperator) TriggerManualCheck(_ context.Context, id int64) (*monitor.CheckReport, error) {
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	snap := models.NewSnapshot(true, decimal.RequireFromString("84.99"), time.Now())
	return &monitor.CheckReport{
		ProductID: id,
		Outcome:   models.Success(snap),
		Snapshot:  &snap,
		Events:    []models.AlertEvent{{Kind: models.EventStockAvailable}},
	}, nil
}

func (f *fakeOperator) EnableProduct(context.Context, int64) error { return nil }

func (f *fakeOperator) SetKillSwitch(_ context.Context, on bool) error {
	f.killSwitch = on
	return nil
}

func (f *fakeOperator) SetSafeMode(_ context.Context, on bool) error {
	f.safeMode = on
	return nil
}

func (f *fakeOperator) Status() monitor.Status {
	return monitor.Status{
		Running: true,
		Workers: 4,
		Safety:  safety.Status{State: safety.StateNormal, KillSwitch: f.killSwitch, SafeMode: f.safeMode},
	}
}

func newBot() (*Bot, *fakeSender, *fakeCatalogue, *fakeOperator) {
	s := &fakeSender{}
	cat := &fakeCatalogue{products: map[int64]*models.TrackedProduct{
		1: {ID: 1, Ref: "1234567", Name: "Sofa <XL>", Active: true, Status: models.StatusActive},
	}}
	op := &fakeOperator{}
	return New(s, chatID, cat, op), s, cat, op
}

func message(chat int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chat}, Text: text}
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("/ADD@StockBot https://x 10")
	assert.Equal(t, "/add", cmd)
	assert.Equal(t, []string{"https://x", "10"}, args)

	cmd, args = parseCommand("   ")
	assert.Empty(t, cmd)
	assert.Nil(t, args)
}

func TestParsePrice(t *testing.T) {
	for in, want := range map[string]string{"89.99": "89.99", "£89.99": "89.99", "R$89,90": "89.9"} {
		d, err := parsePrice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d.String())
	}
	for _, in := range []string{"abc", "0", "-5"} {
		_, err := parsePrice(in)
		assert.Error(t, err, in)
	}
}

func TestUnauthorizedChat(t *testing.T) {
	b, s, _, op := newBot()

	b.handle(context.Background(), message(7, "/kill on"))
	assert.False(t, op.killSwitch)
	assert.Equal(t, []string{"You are not authorized to use this bot."}, s.texts())

	b.handle(context.Background(), message(7, "/help"))
	assert.Contains(t, s.texts()[1], "Stock Tracker")
}

func TestAdd(t *testing.T) {
	b, _, cat, _ := newBot()

	reply := b.respond(context.Background(), "/add", []string{"7654321", "£49.50"})
	assert.Contains(t, reply, "ID: 9")
	assert.Contains(t, reply, "£49.50")
	assert.Equal(t, "7654321", cat.added.Ref)
	assert.True(t, cat.added.TargetPrice.Valid)

	assert.Contains(t, b.respond(context.Background(), "/add", []string{"1", "cheap"}), "Invalid target price")
	assert.Contains(t, b.respond(context.Background(), "/add", nil), "Usage")

	cat.addErr = database.ErrDuplicateProduct
	assert.Contains(t, b.respond(context.Background(), "/add", []string{"1234567"}), "already tracked")

	cat.addErr = catalog.ErrUnsupportedRef
	assert.Contains(t, b.respond(context.Background(), "/add", []string{"https://amazon.co.uk"}), "not supported")
}

func TestListEscapesNames(t *testing.T) {
	b, _, _, _ := newBot()
	reply := b.respond(context.Background(), "/list", nil)
	assert.Contains(t, reply, "Sofa &lt;XL&gt;")
	assert.Contains(t, reply, "Not checked yet")
}

func TestRemoveAndEnable(t *testing.T) {
	b, _, cat, _ := newBot()

	assert.Contains(t, b.respond(context.Background(), "/remove", []string{"1"}), "Stopped tracking")
	assert.False(t, cat.products[1].Active)
	assert.Contains(t, b.respond(context.Background(), "/remove", []string{"99"}), "not found")
	assert.Contains(t, b.respond(context.Background(), "/remove", []string{"x"}), "Usage")

	assert.Contains(t, b.respond(context.Background(), "/enable", []string{"1"}), "enabled")
}

func TestToggles(t *testing.T) {
	b, _, _, op := newBot()

	assert.Contains(t, b.respond(context.Background(), "/kill", []string{"on"}), "Kill switch on")
	assert.True(t, op.killSwitch)
	assert.Contains(t, b.respond(context.Background(), "/safemode", []string{"on"}), "Safe mode on")
	assert.True(t, op.safeMode)
	assert.Contains(t, b.respond(context.Background(), "/kill", []string{"maybe"}), "Usage")

	status := b.respond(context.Background(), "/status", nil)
	assert.Contains(t, status, "Kill switch: on")
	assert.Contains(t, status, "Safe mode: on")
	assert.Contains(t, status, "running")
}

func TestCheckEditsWaitMessage(t *testing.T) {
	b, s, _, op := newBot()

	b.handle(context.Background(), message(chatID, "/check 1"))
	texts := s.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "⏳ Checking...", texts[0])
	assert.Contains(t, texts[1], "in stock")
	assert.Contains(t, texts[1], "£84.99")
	assert.Contains(t, texts[1], string(models.EventStockAvailable))

	op.checkErr = monitor.ErrKillSwitchActive
	assert.Contains(t, b.respond(context.Background(), "/check", []string{"1"}), "Kill switch is on")
	op.checkErr = monitor.ErrCheckInProgress
	assert.Contains(t, b.respond(context.Background(), "/check", []string{"1"}), "already running")
}

func TestRunStopsOnContext(t *testing.T) {
	b, s, _, _ := newBot()
	updates := make(chan tgbotapi.Update, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx, updates)
		close(done)
	}()

	updates <- tgbotapi.Update{Message: message(chatID, "/status")}
	require.Eventually(t, func() bool { return len(s.texts()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
