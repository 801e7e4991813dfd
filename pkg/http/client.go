// Package http provides a resilient JSON POST client, used by the alert
// channels to push webhooks through a retry policy and circuit breaker
// instead of a bare net/http.Client.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"market_maker/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// APIError is returned when a webhook endpoint responds with a non-2xx
// status after the resilience pipeline gives up retrying.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("webhook error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// WebhookClient posts JSON payloads behind a retry policy and circuit
// breaker, so a flaky Slack/Telegram endpoint doesn't stall the caller or
// keep hammering a downed one.
type WebhookClient struct {
	client   *http.Client
	pipeline failsafe.Executor[*http.Response]

	reqCounter metric.Int64Counter
	errCounter metric.Int64Counter
}

// NewWebhookClient builds a client with a 3-retry exponential backoff and a
// circuit breaker that opens after half of the last 10 requests fail.
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		Build()

	meter := telemetry.GetMeter("alert-webhook")
	reqCounter, _ := meter.Int64Counter("alert_webhook_requests_total",
		metric.WithDescription("Total number of outbound alert webhook requests"))
	errCounter, _ := meter.Int64Counter("alert_webhook_errors_total",
		metric.WithDescription("Total number of failed alert webhook requests"))

	return &WebhookClient{
		client:     &http.Client{Timeout: timeout},
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		reqCounter: reqCounter,
		errCounter: errCounter,
	}
}

// PostJSON marshals body and POSTs it to url, retrying transient failures
// and tripping the breaker on sustained 5xx responses.
func (c *WebhookClient) PostJSON(ctx context.Context, url string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	c.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("url", url)))

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.client.Do(req)
	})
	if err != nil {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("url", url), attribute.String("error", "pipeline_failed")))
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("url", url), attribute.Int("status", resp.StatusCode)))
		return &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return nil
}
