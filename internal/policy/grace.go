// Package policy computes retry counters and grace-period boundaries
// for failed renewals. It is pure: the subscription store applies the
// outcome atomically.
package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/docketspace/billing/internal/models"
)

// Policy holds the grace/retry parameters.
//
// MaxRetries is advisory: cancellation is driven solely by grace-period
// expiry, not by attempt count. The value is recorded in payment
// descriptions and logs so operators can see how far past the cap a
// subscription has retried.
type Policy struct {
	GracePeriodDays int
	MaxRetries      int
}

// FailureOutcome describes the state a subscription should move to
// after a failed renewal attempt.
type FailureOutcome struct {
	Status         string
	RetryCount     int
	GracePeriodEnd time.Time
	HistoryAction  string
	HistoryReason  string
	FailedPayment  *models.Payment
}

// OnRenewalFailure computes the transition for one failed renewal.
//
// The grace period is set exactly once per failure episode: on the
// first failure after the subscription was last active. Subsequent
// failures within the episode increment the retry counter but never
// extend the window, so total exposure is bounded by one fixed window
// regardless of retry count.
func (p Policy) OnRenewalFailure(sub *models.Subscription, plan *models.Plan, now time.Time, source, paymentRef string) FailureOutcome {
	attempt := sub.RetryCount + 1

	var graceEnd time.Time
	var action string
	if sub.GracePeriodEnd != nil {
		graceEnd = *sub.GracePeriodEnd
		action = models.HistoryActionStatusChanged
	} else {
		graceEnd = now.AddDate(0, 0, p.GracePeriodDays)
		action = models.HistoryActionGracePeriodStarted
	}

	amount := decimal.Zero
	currency := ""
	if plan != nil {
		amount = plan.Price
		currency = plan.Currency
	}

	return FailureOutcome{
		Status:         models.SubscriptionStatusPastDue,
		RetryCount:     attempt,
		GracePeriodEnd: graceEnd,
		HistoryAction:  action,
		HistoryReason:  fmt.Sprintf("Renewal payment failed (attempt %d, source=%s)", attempt, source),
		FailedPayment: &models.Payment{
			SubscriptionID:     sub.ID,
			UserID:             sub.UserID,
			Amount:             amount,
			Currency:           currency,
			Status:             models.PaymentStatusFailed,
			Description:        fmt.Sprintf("Renewal attempt %d of %d failed", attempt, p.MaxRetries),
			ProviderPaymentRef: paymentRef,
		},
	}
}
