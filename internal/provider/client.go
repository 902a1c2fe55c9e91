package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/docketspace/billing/internal/httpclient"
)

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	client *httpclient.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	c := httpclient.NewClient(baseURL, timeout)
	if apiKey != "" {
		c = c.WithAuthToken(apiKey)
	}
	return &HTTPClient{client: c}
}

// subscriptionPayload is the provider's wire shape. Only the fields the
// engine needs are decoded.
type subscriptionPayload struct {
	Status          string `json:"status"`
	NextPaymentDate string `json:"next_payment_date,omitempty"`
}

func (c *HTTPClient) GetSubscription(ctx context.Context, providerRef string) (*SubscriptionStatus, error) {
	var payload subscriptionPayload
	endpoint := "/v1/subscriptions/" + url.PathEscape(providerRef)
	if err := c.client.Get(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("provider get subscription %s: %w", providerRef, err)
	}

	status := &SubscriptionStatus{State: decodeState(payload.Status)}
	if payload.NextPaymentDate != "" {
		if t, err := time.Parse(time.RFC3339, payload.NextPaymentDate); err == nil {
			status.NextPaymentDate = &t
		}
	}

	return status, nil
}

func (c *HTTPClient) CancelSubscription(ctx context.Context, providerRef string) error {
	endpoint := "/v1/subscriptions/" + url.PathEscape(providerRef) + "/cancel"
	if err := c.client.Post(ctx, endpoint, nil, nil); err != nil {
		return fmt.Errorf("provider cancel subscription %s: %w", providerRef, err)
	}
	return nil
}

func (c *HTTPClient) UpdatePlan(ctx context.Context, providerRef, planRef string) error {
	endpoint := "/v1/subscriptions/" + url.PathEscape(providerRef) + "/plan"
	payload := map[string]string{"plan": planRef}
	if err := c.client.Put(ctx, endpoint, payload, nil); err != nil {
		return fmt.Errorf("provider update plan for %s: %w", providerRef, err)
	}
	return nil
}
