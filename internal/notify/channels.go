package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	kgo "github.com/segmentio/kafka-go"
)

// Channel names as used in product configuration.
const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
	ChannelDiscord  = "discord"
	ChannelPushover = "pushover"
	ChannelKafka    = "kafka"
)

// TelegramSender is the subset of *tgbotapi.BotAPI used here.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel posts alerts to one chat.
type TelegramChannel struct {
	bot    TelegramSender
	chatID int64
}

func NewTelegramChannel(bot TelegramSender, chatID int64) *TelegramChannel {
	return &TelegramChannel{bot: bot, chatID: chatID}
}

func (t *TelegramChannel) Name() string { return ChannelTelegram }

func (t *TelegramChannel) Send(_ context.Context, msg Message) error {
	m := tgbotapi.NewMessage(t.chatID, msg.Body)
	if _, err := t.bot.Send(m); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// SESAPI is the subset of *sesv2.Client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailChannel sends plain-text alerts through Amazon SES.
type EmailChannel struct {
	client SESAPI
	from   string
	to     []string
}

// NewEmailChannel builds an SES channel from a loaded AWS config.
func NewEmailChannel(cfg aws.Config, from string, to []string) (*EmailChannel, error) {
	return NewEmailChannelWithClient(sesv2.NewFromConfig(cfg), from, to)
}

func NewEmailChannelWithClient(client SESAPI, from string, to []string) (*EmailChannel, error) {
	if from == "" {
		return nil, fmt.Errorf("email from address is not set")
	}
	if len(to) == 0 {
		to = []string{from}
	}
	return &EmailChannel{client: client, from: from, to: to}, nil
}

func (e *EmailChannel) Name() string { return ChannelEmail }

func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	_, err := e.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.from),
		Destination: &types.Destination{
			ToAddresses: e.to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String("[Stock Tracker] " + msg.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("SES send failed: %w", err)
	}
	return nil
}

// DiscordChannel posts an embed to a webhook.
type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordChannel(webhookURL string, client *http.Client) *DiscordChannel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DiscordChannel{webhookURL: webhookURL, client: client}
}

func (d *DiscordChannel) Name() string { return ChannelDiscord }

func (d *DiscordChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       truncate(msg.Subject, 256),
			"description": truncate(msg.Body, 4000),
			"url":         msg.Product.URL,
			"color":       0x005DAB,
			"timestamp":   msg.SentAt.UTC().Format(time.RFC3339),
		}},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(d.client, req, "discord")
}

// PushoverEndpoint is the message API of pushover.net.
const PushoverEndpoint = "https://api.pushover.net/1/messages.json"

// PushoverChannel sends high-priority pushes.
type PushoverChannel struct {
	appToken string
	userKey  string
	endpoint string
	client   *http.Client
}

func NewPushoverChannel(appToken, userKey, endpoint string, client *http.Client) *PushoverChannel {
	if endpoint == "" {
		endpoint = PushoverEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PushoverChannel{appToken: appToken, userKey: userKey, endpoint: endpoint, client: client}
}

func (p *PushoverChannel) Name() string { return ChannelPushover }

func (p *PushoverChannel) Send(ctx context.Context, msg Message) error {
	form := url.Values{
		"token":    {p.appToken},
		"user":     {p.userKey},
		"title":    {truncate(msg.Subject, 250)},
		"message":  {truncate(msg.Body, 1000)},
		"priority": {"1"},
	}
	if msg.Product.URL != "" {
		form.Set("url", msg.Product.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRequest(p.client, req, "pushover")
}

// KafkaWriter is the subset of *kafka.Writer used here.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaChannel publishes every alert as a JSON event for downstream consumers.
type KafkaChannel struct {
	writer KafkaWriter
}

// NewKafkaChannel creates a writer for brokersCSV ("host1:9092,host2:9092").
func NewKafkaChannel(brokersCSV, topic string) (*KafkaChannel, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not set")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is not set")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return NewKafkaChannelWithWriter(w), nil
}

func NewKafkaChannelWithWriter(w KafkaWriter) *KafkaChannel {
	return &KafkaChannel{writer: w}
}

func (k *KafkaChannel) Name() string { return ChannelKafka }

// AlertMessage is the JSON value published to Kafka.
type AlertMessage struct {
	Kind      string      `json:"kind"`
	Product   ProductInfo `json:"product"`
	InStock   bool        `json:"in_stock"`
	Price     *string     `json:"price"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Subject   string      `json:"subject"`
	Detail    string      `json:"detail,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
	SentAt    time.Time   `json:"sent_at"`
}

func (k *KafkaChannel) Send(ctx context.Context, msg Message) error {
	ev := msg.Event
	am := AlertMessage{
		Kind:      string(ev.Kind),
		Product:   msg.Product,
		InStock:   ev.Snapshot.InStock,
		Subject:   msg.Subject,
		Detail:    ev.Detail,
		CheckedAt: ev.Snapshot.CapturedAt,
		SentAt:    msg.SentAt,
	}
	if ev.Snapshot.Price.Valid {
		s := ev.Snapshot.Price.Decimal.String()
		am.Price = &s
	}
	if !ev.From.IsZero() || !ev.To.IsZero() {
		am.From, am.To = ev.From.String(), ev.To.String()
	}

	b, err := json.Marshal(am)
	if err != nil {
		return err
	}
	// Keyed by product so one product's alerts stay ordered in a partition.
	return k.writer.WriteMessages(ctx, kgo.Message{
		Key:   []byte(fmt.Sprintf("%d", msg.Product.ID)),
		Value: b,
		Time:  msg.SentAt,
	})
}

func (k *KafkaChannel) Close() error { return k.writer.Close() }

func doRequest(client *http.Client, req *http.Request, name string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
