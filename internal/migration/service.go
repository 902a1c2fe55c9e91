package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/docketspace/billing/internal/logger"
	"github.com/docketspace/billing/internal/models"
	"github.com/docketspace/billing/internal/notify"
	"github.com/docketspace/billing/internal/provider"
	"github.com/docketspace/billing/internal/store"
)

// ProviderError reports that the local plan change committed but the
// provider-side update failed. The caller sees the failure; the local
// change is not rolled back.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider plan update failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Store is the subset of the subscription store the migration service
// needs.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	ApplyTransition(ctx context.Context, subscriptionID string, t *store.Transition) (*models.Subscription, error)
}

// Result describes a completed migration.
type Result struct {
	Subscription         *models.Subscription
	OldPlan              *models.Plan
	NewPlan              *models.Plan
	EffectiveDate        string
	ProrationAmount      decimal.Decimal
	ProrationDescription string
}

// Service performs synchronous, user-triggered plan changes.
type Service struct {
	store     Store
	provider  provider.Client
	publisher *notify.Publisher
	logger    *logger.Logger
}

func NewService(st Store, pc provider.Client, pub *notify.Publisher, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		provider:  pc,
		publisher: pub,
		logger:    log,
	}
}

// Migrate changes a subscription's plan. The local change (plan id,
// history entry, optional proration payment) commits in one
// transaction; the provider-side plan update follows best-effort. When
// the provider call fails the returned error is a *ProviderError and
// the Result still reflects the committed local state.
func (s *Service) Migrate(ctx context.Context, subscriptionID string, req *models.MigrationRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil, models.ErrSubscriptionNotActive
	}

	newPlan, err := s.store.GetPlan(ctx, req.NewPlanID)
	if err != nil {
		return nil, err
	}
	if !newPlan.IsActive {
		return nil, models.ErrPlanNotPurchasable
	}
	if newPlan.ID == sub.PlanID {
		return nil, models.ErrSamePlan
	}

	oldPlan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("current plan lookup: %w", err)
	}

	now := time.Now()

	proration := Proration{Amount: decimal.Zero, Description: "No proration applied"}
	if req.EffectiveDate == models.EffectiveImmediate && req.ProrateBilling &&
		sub.CurrentPeriodStart != nil && sub.CurrentPeriodEnd != nil {
		proration = Prorate(oldPlan, newPlan, *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd, now)
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("Plan changed from %s to %s (%s)", oldPlan.Name, newPlan.Name, req.EffectiveDate)
	}

	transition := &store.Transition{
		Updates: map[string]interface{}{
			"plan_id":       newPlan.ID,
			"billing_cycle": newPlan.Interval,
		},
		Action: models.HistoryActionPlanMigrated,
		Reason: reason,
	}

	if !proration.Amount.IsZero() {
		// Charges await settlement; credits are applied immediately.
		status := models.PaymentStatusPending
		if proration.Amount.IsNegative() {
			status = models.PaymentStatusSucceeded
		}
		transition.Payment = &models.Payment{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         proration.Amount.Abs(),
			Currency:       newPlan.Currency,
			Status:         status,
			Description:    proration.Description,
		}
	}

	updated, err := s.store.ApplyTransition(ctx, sub.ID, transition)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Subscription:         updated,
		OldPlan:              oldPlan,
		NewPlan:              newPlan,
		EffectiveDate:        req.EffectiveDate,
		ProrationAmount:      proration.Amount,
		ProrationDescription: proration.Description,
	}

	if sub.ProviderSubscriptionID != "" {
		if err := s.provider.UpdatePlan(ctx, sub.ProviderSubscriptionID, newPlan.ID); err != nil {
			s.logger.Error("provider plan update failed after local migration",
				"subscription", sub.ID, "new_plan", newPlan.ID, "error", err)
			return result, &ProviderError{Err: err}
		}
	}

	if req.NotifyCustomer {
		s.publisher.SendPlanMigrationNotification(notify.PlanMigrationNotification{
			To:              sub.UserID,
			OldPlanName:     oldPlan.Name,
			NewPlanName:     newPlan.Name,
			EffectiveDate:   req.EffectiveDate,
			ProrationAmount: proration.Amount,
			Currency:        newPlan.Currency,
			Reason:          req.Reason,
		})
	}

	s.publisher.AppendAudit(notify.AuditEntry{
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionPlanMigrated,
		Source:         "migration",
		Detail:         fmt.Sprintf("%s -> %s, proration %s", oldPlan.Name, newPlan.Name, proration.Amount.StringFixed(2)),
	})

	return result, nil
}
