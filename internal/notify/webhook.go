package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payconfirm/internal/resilience"
)

// WebhookNotifier posts order notifications to a downstream HTTP endpoint.
type WebhookNotifier struct {
	URL    string
	Secret string
	HTTP   *resilience.HTTPClient
	Now    func() time.Time
}

type webhookPayload struct {
	OrderID   string    `json:"orderId"`
	TxnID     string    `json:"txnid,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Event     string    `json:"event,omitempty"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	SentAt    time.Time `json:"sentAt"`
}

// Notify implements Notifier.
func (n WebhookNotifier) Notify(ctx context.Context, ref OrderRef, content Content) error {
	if strings.TrimSpace(n.URL) == "" {
		return nil
	}
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "WebhookNotifier.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", ref.OrderID))

	if err := validateURL(n.URL); err != nil {
		span.RecordError(err)
		return &Error{Channel: "webhook", OrderID: ref.OrderID, Err: err}
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	sentAt := now().UTC()
	body, err := json.Marshal(webhookPayload{
		OrderID:   ref.OrderID,
		TxnID:     ref.TxnID,
		Recipient: ref.Recipient,
		Event:     ref.Event,
		Subject:   content.Subject,
		HTML:      content.HTML,
		SentAt:    sentAt,
	})
	if err != nil {
		return &Error{Channel: "webhook", OrderID: ref.OrderID, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return &Error{Channel: "webhook", OrderID: ref.OrderID, Err: err}
	}
	ts := sentAt.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "payconfirm-notify/1.0")
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", ref.dedupeKey())
	if n.Secret != "" {
		req.Header.Set("X-Signature", ComputeSignature(n.Secret, ts, ref.OrderID, body))
	}

	client := n.HTTP
	if client == nil {
		client = &resilience.HTTPClient{Client: HttpClient(5000, false), MaxAttempts: 1}
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return &Error{Channel: "webhook", OrderID: ref.OrderID, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Channel: "webhook", OrderID: ref.OrderID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<orderID>.<body>" using the shared secret.
func ComputeSignature(secret string, ts int64, orderID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(orderID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HttpClient returns an HTTP client configured for webhook delivery.
func HttpClient(timeoutMs int, insecure bool) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = insecureTLSConfig
	}
	return &http.Client{
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Transport: otelhttp.NewTransport(transport),
	}
}

var insecureTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
