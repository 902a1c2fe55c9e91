package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketspace/billing/internal/logger"
	"github.com/docketspace/billing/internal/models"
	"github.com/docketspace/billing/internal/policy"
	"github.com/docketspace/billing/internal/provider"
	"github.com/docketspace/billing/internal/store"
)

type fakeStore struct {
	due         []models.Subscription
	expired     []models.Subscription
	plans       map[string]*models.Plan
	payments    []models.Payment
	transitions map[string][]*store.Transition

	applyErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans:       map[string]*models.Plan{},
		transitions: map[string][]*store.Transition{},
		applyErr:    map[string]error{},
	}
}

func (f *fakeStore) FindDueForRenewal(context.Context, time.Time, int) ([]models.Subscription, error) {
	return f.due, nil
}

func (f *fakeStore) FindExpiredGracePeriods(context.Context, time.Time) ([]models.Subscription, error) {
	return f.expired, nil
}

func (f *fakeStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, models.ErrPlanNotFound
	}
	return p, nil
}

func (f *fakeStore) HasRecentSucceededPayment(_ context.Context, subID string, since time.Time) (bool, error) {
	for _, p := range f.payments {
		if p.SubscriptionID == subID && p.Status == models.PaymentStatusSucceeded && !p.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ApplyTransition(_ context.Context, id string, t *store.Transition) (*models.Subscription, error) {
	if err := f.applyErr[id]; err != nil {
		return nil, err
	}
	f.transitions[id] = append(f.transitions[id], t)
	if t.Payment != nil {
		p := *t.Payment
		p.CreatedAt = time.Now()
		f.payments = append(f.payments, p)
	}
	return &models.Subscription{ID: id}, nil
}

type fakeProvider struct {
	statuses    map[string]*provider.SubscriptionStatus
	getErr      map[string]error
	cancelErr   error
	cancelled   []string
	planUpdates []string
}

func (f *fakeProvider) GetSubscription(_ context.Context, ref string) (*provider.SubscriptionStatus, error) {
	if err := f.getErr[ref]; err != nil {
		return nil, err
	}
	if s, ok := f.statuses[ref]; ok {
		return s, nil
	}
	return &provider.SubscriptionStatus{State: provider.StateFailed}, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, ref string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func (f *fakeProvider) UpdatePlan(_ context.Context, _, planRef string) error {
	f.planUpdates = append(f.planUpdates, planRef)
	return nil
}

func dueSubscription(id, providerRef string) models.Subscription {
	periodStart := time.Now().AddDate(0, -1, 0)
	periodEnd := time.Now().AddDate(0, 0, -1)
	nextBilling := periodEnd
	return models.Subscription{
		ID:                     id,
		UserID:                 "user_" + id,
		PlanID:                 "basic",
		Status:                 models.SubscriptionStatusActive,
		BillingCycle:           models.IntervalMonthly,
		CurrentPeriodStart:     &periodStart,
		CurrentPeriodEnd:       &periodEnd,
		NextBillingDate:        &nextBilling,
		ProviderSubscriptionID: providerRef,
	}
}

func newTestSweeper(st *fakeStore, pc *fakeProvider) *Sweeper {
	pol := policy.Policy{GracePeriodDays: 7, MaxRetries: 3}
	return New(st, pc, pol, nil, 100, logger.New("test"))
}

func seedPlan(st *fakeStore) {
	st.plans["basic"] = &models.Plan{
		ID: "basic", Name: "Basic", Price: decimal.NewFromInt(15),
		Currency: "USD", Interval: models.IntervalMonthly, IsActive: true,
	}
}

func TestRunRenewsActiveSubscription(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)
	sub := dueSubscription("sub_1", "prov_1")
	st.due = []models.Subscription{sub}

	pc := &fakeProvider{statuses: map[string]*provider.SubscriptionStatus{
		"prov_1": {State: provider.StateActive},
	}}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Errors)

	trs := st.transitions["sub_1"]
	require.Len(t, trs, 1)
	tr := trs[0]
	assert.Equal(t, models.HistoryActionRenewed, tr.Action)
	assert.Equal(t, models.SubscriptionStatusActive, tr.Updates["status"])
	assert.Equal(t, 0, tr.Updates["retry_count"])

	// Period advances by exactly one billing cycle from the old period end.
	newStart := tr.Updates["current_period_start"].(time.Time)
	newEnd := tr.Updates["current_period_end"].(time.Time)
	assert.Equal(t, *sub.CurrentPeriodEnd, newStart)
	assert.Equal(t, models.AddCycle(newStart, models.IntervalMonthly), newEnd)
	assert.Equal(t, newEnd, tr.Updates["next_billing_date"])

	require.NotNil(t, tr.Payment)
	assert.Equal(t, models.PaymentStatusSucceeded, tr.Payment.Status)
	assert.Equal(t, "renewal_sub_1_"+newStart.Format("2006-01-02"), tr.Payment.ProviderPaymentRef)
}

func TestRunUsesProviderNextPaymentDate(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)
	st.due = []models.Subscription{dueSubscription("sub_1", "prov_1")}

	next := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	pc := &fakeProvider{statuses: map[string]*provider.SubscriptionStatus{
		"prov_1": {State: provider.StateActive, NextPaymentDate: &next},
	}}

	newTestSweeper(st, pc).Run(context.Background())

	trs := st.transitions["sub_1"]
	require.Len(t, trs, 1)
	assert.Equal(t, next, trs[0].Updates["current_period_start"])
	assert.Equal(t, next.AddDate(0, 1, 0), trs[0].Updates["current_period_end"])
}

func TestRunSkipsPaymentWithinDedupWindow(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)
	st.due = []models.Subscription{dueSubscription("sub_1", "prov_1")}
	st.payments = []models.Payment{{
		SubscriptionID: "sub_1",
		Status:         models.PaymentStatusSucceeded,
		CreatedAt:      time.Now().Add(-2 * time.Hour),
	}}

	pc := &fakeProvider{statuses: map[string]*provider.SubscriptionStatus{
		"prov_1": {State: provider.StateActive},
	}}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 1, result.Succeeded)
	trs := st.transitions["sub_1"]
	require.Len(t, trs, 1)
	assert.Nil(t, trs[0].Payment, "a renewal observed within 24h must not charge again")
}

func TestRunCancelsNonRenewingSubscription(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)
	st.due = []models.Subscription{dueSubscription("sub_1", "prov_1")}

	pc := &fakeProvider{statuses: map[string]*provider.SubscriptionStatus{
		"prov_1": {State: provider.StateNonRenewing},
	}}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 1, result.Succeeded)
	trs := st.transitions["sub_1"]
	require.Len(t, trs, 1)
	assert.Equal(t, models.SubscriptionStatusCanceled, trs[0].Updates["status"])
	assert.Equal(t, true, trs[0].Updates["cancel_at_period_end"])
	assert.Nil(t, trs[0].Payment, "no retry logic or payment on provider cancellation")
}

func TestRunRecordsFailureThroughPolicy(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)
	st.due = []models.Subscription{dueSubscription("sub_1", "prov_1")}

	pc := &fakeProvider{statuses: map[string]*provider.SubscriptionStatus{
		"prov_1": {State: provider.StateFailed},
	}}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 1, result.Succeeded, "a recorded failure is still a successfully processed item")

	trs := st.transitions["sub_1"]
	require.Len(t, trs, 1)
	tr := trs[0]
	assert.Equal(t, models.SubscriptionStatusPastDue, tr.Updates["status"])
	assert.Equal(t, 1, tr.Updates["retry_count"])
	assert.Equal(t, models.HistoryActionGracePeriodStarted, tr.Action)
	require.NotNil(t, tr.Payment)
	assert.Equal(t, models.PaymentStatusFailed, tr.Payment.Status)
}

func TestRunIsolatesPerItemFailures(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)
	st.due = []models.Subscription{
		dueSubscription("sub_bad", "prov_bad"),
		dueSubscription("sub_ok", "prov_ok"),
	}

	pc := &fakeProvider{
		statuses: map[string]*provider.SubscriptionStatus{
			"prov_ok": {State: provider.StateActive},
		},
		getErr: map[string]error{
			"prov_bad": errors.New("provider timeout"),
		},
	}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "sub_bad")

	assert.Len(t, st.transitions["sub_ok"], 1, "a bad record must not halt the batch")
	assert.Empty(t, st.transitions["sub_bad"])
}

func TestRunCancelsExpiredGracePeriods(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)

	graceEnd := time.Now().AddDate(0, 0, -1)
	expired := dueSubscription("sub_exp", "prov_exp")
	expired.Status = models.SubscriptionStatusPastDue
	expired.GracePeriodEnd = &graceEnd
	st.expired = []models.Subscription{expired}

	pc := &fakeProvider{}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 1, result.ExpiredGracePeriods)

	trs := st.transitions["sub_exp"]
	require.Len(t, trs, 1)
	assert.Equal(t, models.SubscriptionStatusCanceled, trs[0].Updates["status"])
	assert.Nil(t, trs[0].Updates["grace_period_end"], "grace window is cleared on expiry")
	assert.Equal(t, "Grace period expired", trs[0].Reason)

	assert.Equal(t, []string{"prov_exp"}, pc.cancelled)
}

func TestRunGraceExpiryToleratesProviderFailure(t *testing.T) {
	st := newFakeStore()
	seedPlan(st)

	graceEnd := time.Now().AddDate(0, 0, -1)
	expired := dueSubscription("sub_exp", "prov_exp")
	expired.Status = models.SubscriptionStatusPastDue
	expired.GracePeriodEnd = &graceEnd
	st.expired = []models.Subscription{expired}

	pc := &fakeProvider{cancelErr: errors.New("provider down")}

	result := newTestSweeper(st, pc).Run(context.Background())

	// Local cancellation stands even when the provider call fails.
	assert.Equal(t, 1, result.ExpiredGracePeriods)
	assert.Len(t, st.transitions["sub_exp"], 1)
	assert.Empty(t, result.Errors)
}

func TestRunEmptyBatchIsNoOp(t *testing.T) {
	st := newFakeStore()
	pc := &fakeProvider{}

	result := newTestSweeper(st, pc).Run(context.Background())

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.ExpiredGracePeriods)
	assert.Empty(t, result.Errors)
	assert.Empty(t, st.transitions)
}
