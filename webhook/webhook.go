// Package webhook notifies an HTTP endpoint about accepted messages.
//
// For each stored message, a JSON payload with the message ID and envelope
// summary is posted to the configured URL. Each notification is delivered by
// its own goroutine, with a bounded number of attempts and exponential
// backoff with jitter between attempts. A notification that still fails
// after the last attempt is logged and dropped. Message acceptance never
// depends on notification delivery.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/inletmail/inlet/config"
	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/inletvar"
	"github.com/inletmail/inlet/metrics"
	"github.com/inletmail/inlet/mlog"
)

// Incoming is the JSON payload posted for an accepted message.
type Incoming struct {
	MessageID  string    `json:"message_id"`  // ID under which the message was stored.
	From       string    `json:"from"`        // MAIL FROM address, empty for a null reverse-path.
	To         []string  `json:"to"`          // Accepted RCPT TO addresses.
	Size       int64     `json:"size"`        // Size of the message data in bytes.
	ReceivedAt time.Time `json:"received_at"` // Time the message was accepted, RFC 3339.
}

// Base interval before the first retry, doubled for each further retry, with
// up to 12.5% jitter either way. Changed for tests.
var backoffBase = 30 * time.Second

// Dispatcher delivers notifications for accepted messages.
type Dispatcher struct {
	conf   config.Webhook
	client *http.Client

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher that posts notifications to the URL in
// conf. Attempts and Timeout must have been set, e.g. to their configuration
// defaults.
func NewDispatcher(conf config.Webhook) *Dispatcher {
	return &Dispatcher{conf: conf, client: http.DefaultClient}
}

// Deliver starts delivery of the notification for in and returns
// immediately. Attempts happen in a goroutine that is tracked until Wait is
// called. Retries are abandoned when ctx is canceled.
func (d *Dispatcher) Deliver(ctx context.Context, log mlog.Log, in Incoming) {
	d.wg.Add(1)
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic delivering webhook", slog.Any("panic", x))
				debug.PrintStack()
				metrics.PanicInc("webhook")
			}
		}()
		defer d.wg.Done()

		d.deliver(ctx, log, in)
	}()
}

// Wait waits for all pending deliveries, including retries, to finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, log mlog.Log, in Incoming) {
	jitter := inlet.NewRand()
	for attempt := 1; ; attempt++ {
		err := d.attempt(ctx, log, in, attempt)
		if err == nil {
			log.Debug("webhook delivered", slog.String("messageid", in.MessageID), slog.Int("attempt", attempt))
			return
		}
		if attempt >= d.conf.Attempts {
			log.Errorx("delivering webhook, giving up", err, slog.String("messageid", in.MessageID), slog.Int("attempts", attempt))
			return
		}
		backoff := backoffBase << (attempt - 1)
		if j := int64(backoff) / 4; j > 0 {
			backoff += time.Duration(jitter.Int63n(j)) - backoff/8
		}
		log.Debugx("delivering webhook failed, will retry", err, slog.String("messageid", in.MessageID), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
		if ctxDone := inlet.Sleep(ctx, backoff); ctxDone {
			log.Info("webhook delivery abandoned during shutdown", slog.String("messageid", in.MessageID))
			return
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, log mlog.Log, in Incoming, attempt int) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal payload: %v", err)
	}

	nctx, cancel := context.WithTimeout(ctx, d.conf.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(nctx, "POST", d.conf.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("making request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", "inlet/"+inletvar.Version)
	req.Header.Set("X-Inlet-Webhook-ID", in.MessageID)
	req.Header.Set("X-Inlet-Webhook-Attempt", fmt.Sprintf("%d", attempt))

	start := time.Now()
	resp, err := d.client.Do(req)
	if resp == nil {
		resp = &http.Response{StatusCode: 0}
	}
	metrics.HTTPClientObserve(ctx, log, "webhook", req.Method, resp.StatusCode, err, start)
	if err != nil {
		return fmt.Errorf("http transaction: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http status %q, response %q", resp.Status, buf)
	}
	return nil
}

var dispatcher *Dispatcher

// Start initializes notification delivery using conf. With a nil conf, or
// without a call to Start, Deliver is a no-op.
func Start(conf *config.Webhook) {
	if conf == nil {
		dispatcher = nil
		return
	}
	dispatcher = NewDispatcher(*conf)
}

// Deliver posts the notification for in through the dispatcher initialized
// by Start, if any.
func Deliver(ctx context.Context, log mlog.Log, in Incoming) {
	if dispatcher != nil {
		dispatcher.Deliver(ctx, log, in)
	}
}

// Wait waits for pending deliveries to finish, for a clean shutdown.
func Wait() {
	if dispatcher != nil {
		dispatcher.Wait()
	}
}
