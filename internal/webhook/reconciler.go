package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/docketspace/billing/internal/logger"
	"github.com/docketspace/billing/internal/models"
	"github.com/docketspace/billing/internal/notify"
	"github.com/docketspace/billing/internal/policy"
	"github.com/docketspace/billing/internal/store"
)

// paymentDedupWindow matches the renewal sweep's window so an event and
// a sweep observing the same renewal record one payment between them.
const paymentDedupWindow = 24 * time.Hour

// Event types the reconciler acts on. Anything else is acknowledged
// and ignored so the provider doesn't retry events we don't consume.
const (
	EventChargeSucceeded  = "charge.succeeded"
	EventInvoiceSucceeded = "invoice.payment_succeeded"
	EventInvoiceFailed    = "invoice.payment_failed"
)

// setupPurpose marks a charge.succeeded event as the initial checkout
// payment rather than an ad-hoc charge.
const setupPurpose = "subscription_setup"

// Event is the provider's webhook envelope.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the fields the reconciler consumes. Metadata is
// provider-defined key/value pairs attached at checkout time.
type EventData struct {
	SubscriptionRef string            `json:"subscription_ref"`
	PaymentRef      string            `json:"payment_ref"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	NextPaymentDate string            `json:"next_payment_date,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Store is the subset of the subscription store the reconciler needs.
type Store interface {
	GetSubscriptionByProviderRef(ctx context.Context, providerRef string) (*models.Subscription, error)
	GetPaymentByProviderRef(ctx context.Context, providerRef string) (*models.Payment, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	HasRecentSucceededPayment(ctx context.Context, subscriptionID string, since time.Time) (bool, error)
	ApplyTransition(ctx context.Context, subscriptionID string, t *store.Transition) (*models.Subscription, error)
}

// Reconciler verifies webhook deliveries and applies their effects to
// the subscription store.
type Reconciler struct {
	store     Store
	policy    policy.Policy
	publisher *notify.Publisher
	secret    string
	logger    *logger.Logger
}

func NewReconciler(st Store, pol policy.Policy, pub *notify.Publisher, secret string, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:     st,
		policy:    pol,
		publisher: pub,
		secret:    secret,
		logger:    log,
	}
}

// Handle verifies the signature over the raw body, then parses and
// dispatches the event. Replayed events are acknowledged without
// re-applying their effect; ErrInvalidSignature means the caller must
// reject the delivery outright.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature string) error {
	if err := VerifySignature(r.secret, body, signature); err != nil {
		return err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("malformed webhook payload: %w", err)
	}

	r.logger.Info("webhook event received", "type", event.Type, "subscription_ref", event.Data.SubscriptionRef)

	switch event.Type {
	case EventChargeSucceeded:
		if event.Data.Metadata["purpose"] == setupPurpose {
			return r.activate(ctx, &event)
		}
		// Ad-hoc charges are outside this engine's scope.
		return nil
	case EventInvoiceSucceeded:
		return r.renewFromInvoice(ctx, &event)
	case EventInvoiceFailed:
		return r.recordFailure(ctx, &event)
	default:
		r.logger.Debug("ignoring webhook event", "type", event.Type)
		return nil
	}
}

// isReplay reports whether the event's payment ref has already been
// recorded, which means the event was delivered before.
func (r *Reconciler) isReplay(ctx context.Context, paymentRef string) (bool, error) {
	if paymentRef == "" {
		return false, nil
	}
	existing, err := r.store.GetPaymentByProviderRef(ctx, paymentRef)
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}

// activate moves an incomplete subscription to active after the
// initial checkout payment is confirmed.
func (r *Reconciler) activate(ctx context.Context, event *Event) error {
	sub, err := r.store.GetSubscriptionByProviderRef(ctx, event.Data.SubscriptionRef)
	if err != nil {
		return err
	}

	replay, err := r.isReplay(ctx, event.Data.PaymentRef)
	if err != nil {
		return err
	}
	if replay || sub.Status == models.SubscriptionStatusActive {
		r.logger.Info("duplicate activation event acknowledged", "subscription", sub.ID)
		return nil
	}

	now := time.Now()
	periodStart := now
	periodEnd := r.periodEnd(event, periodStart, sub.BillingCycle)

	amount, currency, err := r.resolveAmount(ctx, event, sub.PlanID)
	if err != nil {
		return err
	}

	transition := &store.Transition{
		Updates: map[string]interface{}{
			"status":               models.SubscriptionStatusActive,
			"current_period_start": periodStart,
			"current_period_end":   periodEnd,
			"next_billing_date":    periodEnd,
			"retry_count":          0,
			"last_payment_attempt": now,
			"grace_period_end":     nil,
		},
		Action: models.HistoryActionActivated,
		Reason: "Initial payment confirmed",
		Payment: &models.Payment{
			SubscriptionID:     sub.ID,
			UserID:             sub.UserID,
			Amount:             amount,
			Currency:           currency,
			Status:             models.PaymentStatusSucceeded,
			Description:        "Initial subscription payment",
			ProviderPaymentRef: event.Data.PaymentRef,
		},
	}

	if _, err := r.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
		return err
	}

	r.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionActivated,
		Source:         "webhook",
		Detail:         "initial payment " + event.Data.PaymentRef,
	})

	return nil
}

// renewFromInvoice applies a confirmed renewal payment: advance the
// period, reset the retry counter, close any grace window.
func (r *Reconciler) renewFromInvoice(ctx context.Context, event *Event) error {
	sub, err := r.store.GetSubscriptionByProviderRef(ctx, event.Data.SubscriptionRef)
	if err != nil {
		return err
	}

	replay, err := r.isReplay(ctx, event.Data.PaymentRef)
	if err != nil {
		return err
	}
	if replay {
		r.logger.Info("duplicate renewal event acknowledged", "subscription", sub.ID, "payment_ref", event.Data.PaymentRef)
		return nil
	}

	now := time.Now()
	periodStart := now
	if sub.CurrentPeriodEnd != nil {
		periodStart = *sub.CurrentPeriodEnd
	}
	periodEnd := r.periodEnd(event, periodStart, sub.BillingCycle)

	transition := &store.Transition{
		Updates: map[string]interface{}{
			"status":               models.SubscriptionStatusActive,
			"current_period_start": periodStart,
			"current_period_end":   periodEnd,
			"next_billing_date":    periodEnd,
			"retry_count":          0,
			"last_payment_attempt": now,
			"grace_period_end":     nil,
		},
		Action: models.HistoryActionRenewed,
		Reason: "Renewal payment confirmed by webhook",
	}

	// The sweep may already have recorded this renewal under its own
	// deterministic ref; don't double-charge the ledger.
	hasRecent, err := r.store.HasRecentSucceededPayment(ctx, sub.ID, now.Add(-paymentDedupWindow))
	if err != nil {
		return err
	}
	if !hasRecent {
		amount, currency, err := r.resolveAmount(ctx, event, sub.PlanID)
		if err != nil {
			return err
		}
		transition.Payment = &models.Payment{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         amount,
			Currency:       currency,
			Status:         models.PaymentStatusSucceeded,
			Description: fmt.Sprintf("Subscription renewal for period %s to %s",
				periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02")),
			ProviderPaymentRef: event.Data.PaymentRef,
		}
	}

	if _, err := r.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
		return err
	}

	r.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionRenewed,
		Source:         "webhook",
		Detail:         "payment " + event.Data.PaymentRef,
	})

	return nil
}

// recordFailure routes a failed invoice through the grace/retry policy.
func (r *Reconciler) recordFailure(ctx context.Context, event *Event) error {
	sub, err := r.store.GetSubscriptionByProviderRef(ctx, event.Data.SubscriptionRef)
	if err != nil {
		return err
	}

	replay, err := r.isReplay(ctx, event.Data.PaymentRef)
	if err != nil {
		return err
	}
	if replay {
		r.logger.Info("duplicate failure event acknowledged", "subscription", sub.ID, "payment_ref", event.Data.PaymentRef)
		return nil
	}

	if sub.Status == models.SubscriptionStatusCanceled {
		// Late failure for an already-canceled subscription carries no
		// further effect.
		return nil
	}

	plan, err := r.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		r.logger.Warn("plan lookup failed while recording webhook failure", "subscription", sub.ID, "error", err)
		plan = nil
	}

	now := time.Now()
	outcome := r.policy.OnRenewalFailure(sub, plan, now, "webhook", event.Data.PaymentRef)

	transition := &store.Transition{
		Updates: map[string]interface{}{
			"status":               outcome.Status,
			"retry_count":          outcome.RetryCount,
			"grace_period_end":     outcome.GracePeriodEnd,
			"last_payment_attempt": now,
		},
		Action:  outcome.HistoryAction,
		Reason:  outcome.HistoryReason,
		Payment: outcome.FailedPayment,
	}

	if _, err := r.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
		return err
	}

	r.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         outcome.HistoryAction,
		Source:         "webhook",
		Detail:         outcome.HistoryReason,
	})

	return nil
}

// periodEnd prefers the provider's next payment date and falls back to
// one local billing cycle.
func (r *Reconciler) periodEnd(event *Event, periodStart time.Time, billingCycle string) time.Time {
	if event.Data.NextPaymentDate != "" {
		if t, err := time.Parse(time.RFC3339, event.Data.NextPaymentDate); err == nil && t.After(periodStart) {
			return t
		}
	}
	return models.AddCycle(periodStart, billingCycle)
}

// resolveAmount uses the event's amount when present and falls back to
// the plan price.
func (r *Reconciler) resolveAmount(ctx context.Context, event *Event, planID string) (decimal.Decimal, string, error) {
	if event.Data.Amount.IsPositive() {
		return event.Data.Amount, event.Data.Currency, nil
	}
	plan, err := r.store.GetPlan(ctx, planID)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("plan lookup: %w", err)
	}
	return plan.Price, plan.Currency, nil
}
