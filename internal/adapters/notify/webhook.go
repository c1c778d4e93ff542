package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"golang.org/x/time/rate"
)

const (
	defaultWebhookRatePerSec   = 1
	webhookBurst               = 5
	webhookMaxRetries          = 2
	webhookBaseRetryWait       = 500 * time.Millisecond
	webhookQueueSize           = 64
	defaultWebhookDrainTimeout = 5 * time.Second
)

// Webhook posts critical ops events to an HTTP endpoint. Non-critical events
// are ignored. Emit only queues the event: a single goroutine delivers them,
// so a slow or unreachable endpoint never blocks the caller. Events that do
// not fit in the queue are dropped with a log line. Delivery errors are
// logged, never returned.
type Webhook struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	queue        chan domain.EventEnvelope
	stop         chan struct{}
	done         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	drainTimeout time.Duration
}

var _ ports.EventSink = (*Webhook)(nil)

// webhookBody is the JSON document posted for each event.
type webhookBody struct {
	Text  string               `json:"text"`
	Event domain.EventEnvelope `json:"event"`
}

// NewWebhook creates a Webhook sink and starts its delivery goroutine.
// ratePerSec <= 0 uses 1/s. An empty url gives a no-op sink. Call Close to
// flush pending events.
func NewWebhook(url string, ratePerSec float64) *Webhook {
	if ratePerSec <= 0 {
		ratePerSec = defaultWebhookRatePerSec
	}
	w := &Webhook{
		url:          url,
		http:         &http.Client{Timeout: 10 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), webhookBurst),
		now:          time.Now,
		drainTimeout: defaultWebhookDrainTimeout,
	}
	if url == "" {
		return w
	}
	w.queue = make(chan domain.EventEnvelope, webhookQueueSize)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go w.loop()
	return w
}

// WithDrainTimeout sets how long Close waits for queued events.
func (w *Webhook) WithDrainTimeout(d time.Duration) *Webhook {
	w.drainTimeout = d
	return w
}

// Emit queues e for delivery when it is critical. It never blocks.
func (w *Webhook) Emit(_ context.Context, e domain.OpsEvent) {
	if w.url == "" || e.Severity != domain.SeverityCritical {
		return
	}
	select {
	case <-w.stop:
		slog.Warn("ops-event: webhook closed, event dropped", "event", e.Event)
		return
	default:
	}
	if e.Details != nil {
		e.Details = domain.MergeDetails(e.Details)
	}
	select {
	case w.queue <- e.Envelope(w.now()):
	default:
		slog.Warn("ops-event: webhook queue full, event dropped", "event", e.Event, "run_id", e.RunID)
	}
}

// Close stops accepting events and delivers the queued ones, giving up after
// the drain timeout.
func (w *Webhook) Close() error {
	if w.url == "" {
		return nil
	}
	w.closeOnce.Do(func() {
		close(w.stop)
		select {
		case <-w.done:
		case <-time.After(w.drainTimeout):
			w.cancel()
			<-w.done
		}
		w.cancel()
	})
	return nil
}

func (w *Webhook) loop() {
	defer close(w.done)
	for {
		select {
		case env := <-w.queue:
			w.deliver(env)
		case <-w.stop:
			for {
				select {
				case env := <-w.queue:
					w.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (w *Webhook) deliver(env domain.EventEnvelope) {
	if err := w.post(w.ctx, webhookBody{Text: summary(env), Event: env}); err != nil {
		slog.Error("ops-event: webhook delivery failed", "event", env.Event, "err", err)
	}
}

// summary is the one-line text chat integrations display.
func summary(env domain.EventEnvelope) string {
	return fmt.Sprintf("[%s] runId=%s jobId=%s reason=%s at=%s",
		env.Event, orDash(env.RunID), orDash(env.JobID), orDash(env.Reason),
		env.At.Format(time.RFC3339Nano))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// post sends body with rate limiting, retrying 429 and 5xx with exponential backoff.
func (w *Webhook) post(ctx context.Context, body webhookBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	for attempt := 0; attempt <= webhookMaxRetries; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.http.Do(req)
		if err != nil {
			if attempt == webhookMaxRetries {
				return fmt.Errorf("request failed after %d retries: %w", webhookMaxRetries, err)
			}
			sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == webhookMaxRetries {
				return fmt.Errorf("webhook returned %d after %d retries", resp.StatusCode, webhookMaxRetries)
			}
			sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(msg))
		}
		resp.Body.Close()
		return nil
	}
	return fmt.Errorf("exhausted %d retries", webhookMaxRetries)
}

// sleep waits base*2^attempt or until ctx is done.
func sleep(ctx context.Context, attempt int) {
	wait := webhookBaseRetryWait << attempt
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
