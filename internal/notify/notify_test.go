package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	kgo "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-tracker/internal/models"
)

type fakeChannel struct {
	name string
	err  error
	mu   sync.Mutex
	got  []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return f.err
}

func testProduct() *models.TrackedProduct {
	return &models.TrackedProduct{
		ID:              42,
		Ref:             "1234567",
		Name:            "Garden Sofa Set",
		TargetPrice:     decimal.NullDecimal{Decimal: decimal.NewFromInt(900), Valid: true},
		AutoAddQuantity: 1,
	}
}

func testEvent(kind models.EventKind) models.AlertEvent {
	return models.AlertEvent{
		Kind:      kind,
		ProductID: 42,
		Snapshot:  models.NewSnapshot(true, decimal.NewFromInt(850), time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)),
		From:      decimal.NewFromInt(1000),
		To:        decimal.NewFromInt(850),
	}
}

func TestDispatcher_FansOutToProductChannels(t *testing.T) {
	tg := &fakeChannel{name: ChannelTelegram}
	mail := &fakeChannel{name: ChannelEmail, err: errors.New("throttled")}
	discord := &fakeChannel{name: ChannelDiscord}
	d := NewDispatcher(time.Second, nil, tg, mail, discord)

	p := testProduct()
	p.Channels = []string{ChannelTelegram, ChannelEmail, ChannelPushover}
	results := d.Send(context.Background(), testEvent(models.EventPriceDropped), p)

	require.Len(t, results, 3)
	assert.Equal(t, Result{Channel: ChannelTelegram, Success: true}, results[0])
	assert.Equal(t, ChannelEmail, results[1].Channel)
	assert.False(t, results[1].Success)
	assert.Equal(t, "throttled", results[1].Error)
	assert.Equal(t, Result{Channel: ChannelPushover, Error: "channel not configured"}, results[2])

	assert.Len(t, tg.got, 1)
	assert.Empty(t, discord.got)
	assert.Equal(t, []string{ChannelTelegram}, Sent(results))
	assert.Len(t, Failed(results), 2)
}

func TestDispatcher_DefaultsToAllChannels(t *testing.T) {
	tg := &fakeChannel{name: ChannelTelegram}
	discord := &fakeChannel{name: ChannelDiscord}
	d := NewDispatcher(time.Second, func(ref string) string { return "https://shop.test/p/" + ref }, tg, discord)

	results := d.Send(context.Background(), testEvent(models.EventStockAvailable), testProduct())

	require.Len(t, results, 2)
	assert.Equal(t, []string{ChannelDiscord, ChannelTelegram}, Sent(results))
	require.Len(t, tg.got, 1)
	assert.Equal(t, "https://shop.test/p/1234567", tg.got[0].Product.URL)
	assert.Equal(t, "Back in Stock: Garden Sofa Set", tg.got[0].Subject)
}

type panicChannel struct{}

func (panicChannel) Name() string { return "panic" }
func (panicChannel) Send(context.Context, Message) error { panic("boom") }

func TestDispatcher_ChannelPanicIsAResult(t *testing.T) {
	d := NewDispatcher(time.Second, nil, panicChannel{})

	results := d.Send(context.Background(), testEvent(models.EventStockAvailable), testProduct())

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "boom")
}

func TestFormat(t *testing.T) {
	p := testProduct()
	tests := []struct {
		kind     models.EventKind
		subject  string
		contains []string
	}{
		{models.EventStockAvailable, "Back in Stock: Garden Sofa Set", []string{"£850.00"}},
		{models.EventStockUnavailable, "Out of Stock: Garden Sofa Set", []string{"Last price"}},
		{models.EventPriceDropped, "Price Drop: Garden Sofa Set", []string{"£1000.00", "£850.00", "15.0% off", "Target: £900.00"}},
		{models.EventTargetReached, "Target Price Reached: Garden Sofa Set", []string{"Current price: £850.00"}},
		{models.EventLowestEver, "Lowest Ever Price: Garden Sofa Set", []string{"Previous lowest: £1000.00"}},
		{models.EventBasketAdded, "Added to Basket: Garden Sofa Set", []string{"Quantity: 1"}},
		{models.EventBasketFailed, "Basket Add Failed: Garden Sofa Set", nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			subject, body := Format(testEvent(tt.kind), p, "https://www.costco.co.uk/p/1234567")
			assert.Equal(t, tt.subject, subject)
			for _, s := range tt.contains {
				assert.Contains(t, body, s)
			}
			assert.Contains(t, body, "https://www.costco.co.uk/p/1234567")
			assert.Contains(t, body, "2026-03-01 09:30 UTC")
		})
	}
}

func TestFormat_MissingPriceAndCurrency(t *testing.T) {
	p := &models.TrackedProduct{ID: 1, Ref: "https://produto.mercadolivre.com.br/MLB-1"}
	ev := models.AlertEvent{Kind: models.EventStockUnavailable, Snapshot: models.ProductSnapshot{}}

	subject, body := Format(ev, p, p.Ref)
	assert.Contains(t, subject, p.Ref)
	assert.Contains(t, body, "N/A")

	ev = testEvent(models.EventPriceDropped)
	_, body = Format(ev, p, p.Ref)
	assert.Contains(t, body, "R$ 850.00")
}

type fakeTelegram struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestTelegramChannel(t *testing.T) {
	bot := &fakeTelegram{}
	ch := NewTelegramChannel(bot, 99)

	require.NoError(t, ch.Send(context.Background(), Message{Body: "hello"}))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(99), msg.ChatID)
	assert.Equal(t, "hello", msg.Text)

	bot.err = errors.New("chat not found")
	assert.ErrorContains(t, ch.Send(context.Background(), Message{Body: "x"}), "chat not found")
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	return &sesv2.SendEmailOutput{}, f.err
}

func TestEmailChannel(t *testing.T) {
	_, err := NewEmailChannelWithClient(&fakeSES{}, "", nil)
	require.Error(t, err)

	ses := &fakeSES{}
	ch, err := NewEmailChannelWithClient(ses, "alerts@example.com", nil)
	require.NoError(t, err)

	require.NoError(t, ch.Send(context.Background(), Message{Subject: "Price Drop: Sofa", Body: "body"}))
	require.NotNil(t, ses.input)
	assert.Equal(t, "alerts@example.com", *ses.input.FromEmailAddress)
	assert.Equal(t, []string{"alerts@example.com"}, ses.input.Destination.ToAddresses)
	assert.Equal(t, "[Stock Tracker] Price Drop: Sofa", *ses.input.Content.Simple.Subject.Data)
	assert.Equal(t, "body", *ses.input.Content.Simple.Body.Text.Data)

	ses.err = errors.New("MessageRejected")
	assert.ErrorContains(t, ch.Send(context.Background(), Message{}), "SES send failed")
}

func TestDiscordChannel(t *testing.T) {
	var payload map[string][]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewDiscordChannel(srv.URL, nil)
	err := ch.Send(context.Background(), Message{Subject: "Back in Stock: Sofa", Body: "body", SentAt: time.Now()})

	require.NoError(t, err)
	require.Len(t, payload["embeds"], 1)
	assert.Equal(t, "Back in Stock: Sofa", payload["embeds"][0]["title"])
}

func TestDiscordChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewDiscordChannel(srv.URL, nil).Send(context.Background(), Message{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid webhook")
}

func TestPushoverChannel(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewPushoverChannel("app-token", "user-key", srv.URL, nil)
	err := ch.Send(context.Background(), Message{Subject: "Target Price Reached", Body: "body", Product: ProductInfo{URL: "https://x"}})

	require.NoError(t, err)
	assert.Equal(t, "app-token", form.Get("token"))
	assert.Equal(t, "user-key", form.Get("user"))
	assert.Equal(t, "Target Price Reached", form.Get("title"))
	assert.Equal(t, "1", form.Get("priority"))
	assert.Equal(t, "https://x", form.Get("url"))
}

type fakeWriter struct {
	msgs []kgo.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaChannel(t *testing.T) {
	w := &fakeWriter{}
	ch := NewKafkaChannelWithWriter(w)
	ev := testEvent(models.EventTargetReached)

	err := ch.Send(context.Background(), Message{
		Subject: "Target Price Reached: Sofa",
		Event:   ev,
		Product: ProductInfo{ID: 42, Ref: "1234567"},
		SentAt:  time.Now(),
	})

	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var am AlertMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &am))
	assert.Equal(t, "target_price_reached", am.Kind)
	require.NotNil(t, am.Price)
	assert.Equal(t, "850", *am.Price)
	assert.Equal(t, "1000", am.From)
	assert.Equal(t, "850", am.To)
}

func TestNewKafkaChannel_Validation(t *testing.T) {
	_, err := NewKafkaChannel(" , ", "alerts")
	assert.Error(t, err)

	_, err = NewKafkaChannel("localhost:9092", "")
	assert.Error(t, err)

	ch, err := NewKafkaChannel("localhost:9092, localhost:9093", "alerts")
	require.NoError(t, err)
	assert.NoError(t, ch.Close())
}
