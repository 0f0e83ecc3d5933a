package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dcm-common/orchestra/pkg/circuitbreaker"
)

// RemoteClient is a thin client of the Notification API's `POST
// /notify?topic=` endpoint (spec §6.4), used by the Abort Coordinator's
// cross-replica broadcast path (C7) to satisfy abort.NotifyClient.
type RemoteClient struct {
	baseURL string
	client  *http.Client
}

// NewRemoteClient constructs a RemoteClient against a running
// notification-service instance at baseURL.
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Notify issues `POST /notify?topic=<topic>` with payload as the
// NotifyPayload body's `json` field.
func (c *RemoteClient) Notify(ctx context.Context, topic string, payload map[string]any) error {
	target, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("notification: invalid base url: %w", err)
	}
	target.Path = joinPath(target.Path, "notify")
	q := target.Query()
	q.Set("topic", topic)
	target.RawQuery = q.Encode()

	body, err := json.Marshal(NotifyPayload{JSON: payload})
	if err != nil {
		return fmt.Errorf("notification: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification: notify returned status %d", resp.StatusCode)
	}
	return nil
}

func joinPath(base, elem string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + elem
	}
	return base + "/" + elem
}

// HTTPDeliverer delivers broadcast notifications as HTTP DELETE calls
// against each subscriber's callback URL (spec §4.7: "broadcasts to all
// subscribers (HTTP DELETE <callback>?token=&broadcast=false)"), guarded
// by a per-subscriber circuit breaker so one unreachable replica doesn't
// stall the broadcast for the others.
type HTTPDeliverer struct {
	client   *http.Client
	breakers *circuitbreaker.Registry
}

// NewHTTPDeliverer constructs a Deliverer with the given per-request timeout.
func NewHTTPDeliverer(timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		client:   &http.Client{Timeout: timeout},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
	}
}

// Deliver issues `DELETE <sub.BaseURL>?token=<scopeToken>&broadcast=false`.
func (d *HTTPDeliverer) Deliver(ctx context.Context, sub Subscriber, topic string, payload NotifyPayload) error {
	breaker := d.breakers.Get(sub.BaseURL)
	if !breaker.Allow() {
		return fmt.Errorf("notification: circuit open for subscriber %s", sub.BaseURL)
	}

	target, err := url.Parse(sub.BaseURL)
	if err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("notification: invalid subscriber URL %q: %w", sub.BaseURL, err)
	}
	q := target.Query()
	if token, ok := payload.JSON["token"].(string); ok {
		q.Set("token", token)
	}
	q.Set("broadcast", "false")
	for k, v := range payload.Query {
		q.Set(k, v)
	}
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		breaker.RecordFailure()
		return err
	}
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		breaker.RecordFailure()
		return fmt.Errorf("notification: subscriber %s returned %d", sub.BaseURL, resp.StatusCode)
	}
	breaker.RecordSuccess()
	return nil
}
