// Package notify delivers alert events to the configured channels.
package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"stock-tracker/internal/models"
)

// Message is a formatted alert ready for a channel.
type Message struct {
	Subject string
	Body    string
	Event   models.AlertEvent
	Product ProductInfo
	SentAt  time.Time
}

// ProductInfo is the part of a tracked product channels may show.
type ProductInfo struct {
	ID   int64  `json:"id"`
	Ref  string `json:"ref"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Channel is one delivery mechanism.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Result reports delivery on one channel. Failures are values, not errors.
type Result struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Sent returns the names of the channels that delivered.
func Sent(results []Result) []string {
	var names []string
	for _, r := range results {
		if r.Success {
			names = append(names, r.Channel)
		}
	}
	return names
}

func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Dispatcher fans one event out to a product's channels.
type Dispatcher struct {
	channels   map[string]Channel
	timeout    time.Duration
	productURL func(ref string) string
	now        func() time.Time
}

// NewDispatcher registers channels by name. timeout bounds each delivery.
func NewDispatcher(timeout time.Duration, productURL func(ref string) string, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if productURL == nil {
		productURL = func(ref string) string { return ref }
	}
	d := &Dispatcher{
		channels:   make(map[string]Channel, len(channels)),
		timeout:    timeout,
		productURL: productURL,
		now:        time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers event on the product's channels concurrently, or on every
// configured channel when the product names none. It never fails the caller.
func (d *Dispatcher) Send(ctx context.Context, event models.AlertEvent, product *models.TrackedProduct) []Result {
	names := product.Channels
	if len(names) == 0 {
		names = d.Channels()
	}
	if len(names) == 0 {
		log.Printf("[Notify] No channels configured, dropping %s for product %d", event.Kind, product.ID)
		return nil
	}

	subject, body := Format(event, product, d.productURL(product.Ref))
	msg := Message{
		Subject: subject,
		Body:    body,
		Event:   event,
		Product: ProductInfo{
			ID:   product.ID,
			Ref:  product.Ref,
			Name: product.DisplayName(),
			URL:  d.productURL(product.Ref),
		},
		SentAt: d.now(),
	}

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		ch, ok := d.channels[name]
		if !ok {
			results[i] = Result{Channel: name, Error: "channel not configured"}
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	for _, r := range results {
		if r.Success {
			log.Printf("[Notify] %s sent via %s for product %d", event.Kind, r.Channel, product.ID)
		} else {
			log.Printf("[Notify] %s via %s failed for product %d: %s", event.Kind, r.Channel, product.ID, r.Error)
		}
	}
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) (res Result) {
	res.Channel = ch.Name()
	defer func() {
		if rec := recover(); rec != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := ch.Send(sendCtx, msg); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}
