// Package sweep reconciles subscriptions due for renewal against the
// payment provider.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/docketspace/billing/internal/logger"
	"github.com/docketspace/billing/internal/models"
	"github.com/docketspace/billing/internal/notify"
	"github.com/docketspace/billing/internal/policy"
	"github.com/docketspace/billing/internal/provider"
	"github.com/docketspace/billing/internal/store"
)

// paymentDedupWindow bounds how far back the sweep looks for an
// already-recorded renewal payment before creating another one. The
// webhook reconciler uses the same window, so a renewal observed on
// both paths produces exactly one payment row.
const paymentDedupWindow = 24 * time.Hour

// Store is the subset of the subscription store the sweeper needs.
type Store interface {
	FindDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	FindExpiredGracePeriods(ctx context.Context, now time.Time) ([]models.Subscription, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	HasRecentSucceededPayment(ctx context.Context, subscriptionID string, since time.Time) (bool, error)
	ApplyTransition(ctx context.Context, subscriptionID string, t *store.Transition) (*models.Subscription, error)
}

// Result summarizes one sweep run.
type Result struct {
	Processed           int      `json:"processed"`
	Succeeded           int      `json:"succeeded"`
	Failed              int      `json:"failed"`
	Errors              []string `json:"errors"`
	ExpiredGracePeriods int      `json:"expired_grace_periods"`
}

// Sweeper runs the periodic renewal reconciliation batch.
type Sweeper struct {
	store     Store
	provider  provider.Client
	policy    policy.Policy
	publisher *notify.Publisher
	batchSize int
	logger    *logger.Logger
}

func New(st Store, pc provider.Client, pol policy.Policy, pub *notify.Publisher, batchSize int, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		provider:  pc,
		policy:    pol,
		publisher: pub,
		batchSize: batchSize,
		logger:    log,
	}
}

// Run executes one sweep. Items are processed sequentially with
// per-item error isolation: a failing candidate is recorded in the
// error list and the batch continues.
//
// Overlapping runs are not serialized here; deployments must ensure a
// single active sweep instance (one cron caller, scheduler disabled or
// exclusive).
func (s *Sweeper) Run(ctx context.Context) *Result {
	now := time.Now()
	result := &Result{Errors: []string{}}

	candidates, err := s.store.FindDueForRenewal(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to query due subscriptions", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("query due subscriptions: %v", err))
	}

	s.logger.Info("sweep started", "due", len(candidates))

	for i := range candidates {
		sub := &candidates[i]
		result.Processed++

		if err := s.processCandidate(ctx, sub, now); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			s.logger.Error("sweep candidate failed", "subscription", sub.ID, "error", err)
			continue
		}
		result.Succeeded++
	}

	s.expireGracePeriods(ctx, now, result)

	s.logger.Info("sweep completed",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"expired_grace_periods", result.ExpiredGracePeriods)

	return result
}

func (s *Sweeper) processCandidate(ctx context.Context, sub *models.Subscription, now time.Time) error {
	status, err := s.provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return fmt.Errorf("provider lookup: %w", err)
	}

	switch status.State {
	case provider.StateActive:
		return s.renew(ctx, sub, status, now)
	case provider.StateNonRenewing, provider.StateCancelled:
		return s.cancel(ctx, sub, status.State)
	default:
		return s.recordFailure(ctx, sub, now)
	}
}

// renew advances the billing period after the provider confirmed the
// subscription is current.
func (s *Sweeper) renew(ctx context.Context, sub *models.Subscription, status *provider.SubscriptionStatus, now time.Time) error {
	newPeriodStart := now
	if status.NextPaymentDate != nil {
		newPeriodStart = *status.NextPaymentDate
	} else if sub.CurrentPeriodEnd != nil {
		newPeriodStart = *sub.CurrentPeriodEnd
	}
	newPeriodEnd := models.AddCycle(newPeriodStart, sub.BillingCycle)

	transition := &store.Transition{
		Updates: map[string]interface{}{
			"status":               models.SubscriptionStatusActive,
			"current_period_start": newPeriodStart,
			"current_period_end":   newPeriodEnd,
			"next_billing_date":    newPeriodEnd,
			"retry_count":          0,
			"last_payment_attempt": now,
			"grace_period_end":     nil,
		},
		Action: models.HistoryActionRenewed,
		Reason: "Renewal confirmed by provider",
	}

	hasRecent, err := s.store.HasRecentSucceededPayment(ctx, sub.ID, now.Add(-paymentDedupWindow))
	if err != nil {
		return fmt.Errorf("payment dedup check: %w", err)
	}

	if !hasRecent {
		plan, err := s.store.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return fmt.Errorf("plan lookup: %w", err)
		}

		transition.Payment = &models.Payment{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         plan.Price,
			Currency:       plan.Currency,
			Status:         models.PaymentStatusSucceeded,
			Description: fmt.Sprintf("Subscription renewal for period %s to %s",
				newPeriodStart.Format("2006-01-02"), newPeriodEnd.Format("2006-01-02")),
			ProviderPaymentRef: fmt.Sprintf("renewal_%s_%s", sub.ID, newPeriodStart.Format("2006-01-02")),
		}
	}

	if _, err := s.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
		return err
	}

	s.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionRenewed,
		Source:         "sweep",
		Detail:         fmt.Sprintf("period advanced to %s", newPeriodEnd.Format("2006-01-02")),
	})

	return nil
}

// cancel handles a provider-side non-renewing or cancelled report. No
// retry logic is invoked.
func (s *Sweeper) cancel(ctx context.Context, sub *models.Subscription, state provider.State) error {
	transition := &store.Transition{
		Updates: map[string]interface{}{
			"status":               models.SubscriptionStatusCanceled,
			"cancel_at_period_end": true,
		},
		Action: models.HistoryActionCanceled,
		Reason: fmt.Sprintf("Provider reported subscription as %s", state),
	}

	if _, err := s.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
		return err
	}

	s.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionCanceled,
		Source:         "sweep",
		Detail:         "provider reported " + string(state),
	})

	return nil
}

// recordFailure delegates a failed renewal to the grace/retry policy.
func (s *Sweeper) recordFailure(ctx context.Context, sub *models.Subscription, now time.Time) error {
	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		// The failed-payment amount is informational; record the
		// failure even when the plan can't be resolved.
		s.logger.Warn("plan lookup failed while recording renewal failure", "subscription", sub.ID, "error", err)
		plan = nil
	}

	outcome := s.policy.OnRenewalFailure(sub, plan, now, "sweep", "")

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

	if _, err := s.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
		return err
	}

	s.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         outcome.HistoryAction,
		Source:         "sweep",
		Detail:         outcome.HistoryReason,
	})

	return nil
}

// expireGracePeriods cancels past_due subscriptions whose grace window
// has closed, then best-effort cancels them at the provider.
func (s *Sweeper) expireGracePeriods(ctx context.Context, now time.Time, result *Result) {
	expired, err := s.store.FindExpiredGracePeriods(ctx, now)
	if err != nil {
		s.logger.Error("failed to query expired grace periods", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("query expired grace periods: %v", err))
		return
	}

	for i := range expired {
		sub := &expired[i]

		transition := &store.Transition{
			Updates: map[string]interface{}{
				"status":           models.SubscriptionStatusCanceled,
				"grace_period_end": nil,
			},
			Action: models.HistoryActionCanceled,
			Reason: "Grace period expired",
		}

		if _, err := s.store.ApplyTransition(ctx, sub.ID, transition); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: grace expiry: %v", sub.ID, err))
			s.logger.Error("grace expiry cancellation failed", "subscription", sub.ID, "error", err)
			continue
		}

		result.ExpiredGracePeriods++

		// Best effort: the local cancellation stands even if the
		// provider call fails.
		if sub.ProviderSubscriptionID != "" {
			if err := s.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID); err != nil {
				s.logger.Warn("provider cancellation failed after grace expiry",
					"subscription", sub.ID, "provider_ref", sub.ProviderSubscriptionID, "error", err)
			}
		}

		s.publisher.AppendAudit(notify.AuditEntry{
			SubscriptionID: sub.ID,
			Action:         models.HistoryActionCanceled,
			Source:         "sweep",
			Detail:         "grace period expired",
		})
	}
}
