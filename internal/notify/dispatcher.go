// Package notify delivers signed webhook events to caller-supplied URLs.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"

	DefaultTimeout = 10 * time.Second
)

// Result reports the outcome of a single delivery attempt.
type Result struct {
	Delivered  bool `json:"delivered"`
	StatusCode int  `json:"statusCode,omitempty"`
}

// Dispatcher posts events once, without retries. Failures are logged and
// reported through Result, never returned.
type Dispatcher struct {
	secret []byte
	client *http.Client
	now    func() time.Time
	logger *zap.SugaredLogger
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(n *Dispatcher) {
		if d > 0 {
			n.client.Timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Dispatcher) {
		if c != nil {
			n.client = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Dispatcher) {
		if now != nil {
			n.now = now
		}
	}
}

func NewDispatcher(secret string, logger *zap.SugaredLogger, opts ...Option) *Dispatcher {
	n := &Dispatcher{
		secret: []byte(secret),
		client: &http.Client{Timeout: DefaultTimeout},
		now:    time.Now,
		logger: logging.OrNop(logger),
	}
	for _, o := range opts {
		o(n)
	}
	if len(n.secret) == 0 {
		n.logger.Warnw("webhook.secret.empty")
	}
	return n
}

// Sign returns the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches timestamp and body under secret.
func Verify(secret []byte, timestamp string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Notify signs and posts event to url. An empty event timestamp is filled in.
func (n *Dispatcher) Notify(ctx context.Context, url string, event entity.WebhookEvent) Result {
	now := n.now().UTC()
	if event.Timestamp == "" {
		event.Timestamp = now.Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Errorw("webhook.encode.error", "url", url, "event", event.Event, "err", err)
		return Result{}
	}

	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warnw("webhook.request.error", "url", url, "event", event.Event, "err", err)
		return Result{}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(n.secret, ts, body))
	req.Header.Set(TimestampHeader, ts)

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warnw("webhook.deliver.error", "url", url, "event", event.Event, "invoice_id", event.InvoiceID, "err", err)
		return Result{}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res := Result{StatusCode: resp.StatusCode, Delivered: resp.StatusCode >= 200 && resp.StatusCode < 300}
	if !res.Delivered {
		n.logger.Warnw("webhook.deliver.rejected", "url", url, "event", event.Event, "invoice_id", event.InvoiceID, "status", resp.StatusCode)
		return res
	}
	n.logger.Infow("webhook.deliver.ok", "url", url, "event", event.Event, "invoice_id", event.InvoiceID,
		"status", resp.StatusCode, "ms", time.Since(start).Milliseconds())
	return res
}
