package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

const (
	webhookUserAgent      = "Conductor-Webhook/1.0"
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookRetries = 3
)

// retrySchedule is the delay before each re-delivery, clamped to the
// configured retry count.
var retrySchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// webhookSender POSTs events as signed JSON. Any 4xx/5xx response counts as
// a failed delivery and triggers the next scheduled retry.
type webhookSender struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func newWebhookSender(logger *slog.Logger) *webhookSender {
	return &webhookSender{
		client: &http.Client{},
		logger: logger.With("sender", "webhook"),
		now:    time.Now,
	}
}

func (s *webhookSender) Send(ctx context.Context, target ensemble.NotificationConfig, event Event) Result {
	start := time.Now()
	result := Result{
		Type:   ensemble.NotificationWebhook,
		Target: target.URL,
		Event:  event.Event,
	}

	body, err := json.Marshal(event)
	if err != nil {
		result.Error = fmt.Sprintf("encoding event: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	retries := defaultWebhookRetries
	if target.Retries != nil && *target.Retries > 0 {
		retries = *target.Retries
	}
	timeout := defaultWebhookTimeout
	if target.TimeoutMS != nil && *target.TimeoutMS > 0 {
		timeout = time.Duration(*target.TimeoutMS) * time.Millisecond
	}

	for attempt := 1; attempt <= retries; attempt++ {
		result.Attempts = attempt
		status, err := s.deliver(ctx, target, body, event, attempt, timeout)
		result.StatusCode = status
		if err == nil {
			result.Success = true
			result.Error = ""
			result.Duration = time.Since(start)
			return result
		}
		result.Error = err.Error()

		if attempt < retries {
			delay := retrySchedule[min(attempt-1, len(retrySchedule)-1)]
			s.logger.Warn("webhook delivery failed, retrying",
				"url", target.URL, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				result.Duration = time.Since(start)
				return result
			case <-time.After(delay):
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (s *webhookSender) deliver(ctx context.Context, target ensemble.NotificationConfig, body []byte, event Event, attempt int, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set("X-Conductor-Event", string(event.Event))
	req.Header.Set("X-Conductor-Timestamp", timestamp)
	req.Header.Set("X-Conductor-Delivery-Attempt", strconv.Itoa(attempt))
	if target.Secret != "" {
		req.Header.Set("X-Conductor-Signature", Signature(target.Secret, timestamp, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Signature computes the webhook signature header value:
// sha256=hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Signature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares in constant time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Signature(secret, timestamp, body)), []byte(signature))
}
