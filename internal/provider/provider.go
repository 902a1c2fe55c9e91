// Package provider talks to the external payment provider. The
// provider's loosely-shaped JSON is decoded into a tagged state variant
// here at the boundary; core logic never sees untyped provider data.
package provider

import (
	"context"
	"time"
)

// State is the provider-side subscription state.
type State string

const (
	StateActive      State = "active"
	StateNonRenewing State = "non_renewing"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// SubscriptionStatus is the decoded provider view of one subscription.
type SubscriptionStatus struct {
	State           State
	NextPaymentDate *time.Time
}

// Client is the provider contract the billing engine depends on.
type Client interface {
	GetSubscription(ctx context.Context, providerRef string) (*SubscriptionStatus, error)
	CancelSubscription(ctx context.Context, providerRef string) error
	UpdatePlan(ctx context.Context, providerRef, planRef string) error
}

// decodeState maps the provider's status strings onto the tagged
// variant. Anything unrecognized is treated as a failed renewal, which
// routes the subscription through the grace/retry policy rather than
// silently renewing it.
func decodeState(raw string) State {
	switch raw {
	case "active", "live":
		return StateActive
	case "non-renewing", "non_renewing":
		return StateNonRenewing
	case "cancelled", "canceled", "completed":
		return StateCancelled
	default:
		return StateFailed
	}
}
