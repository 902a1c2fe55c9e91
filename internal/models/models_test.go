package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddCycle(t *testing.T) {
	base := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), AddCycle(base, IntervalMonthly),
		"month-end dates normalize forward")
	assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), AddCycle(base, IntervalYearly))

	mid := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC), AddCycle(mid, IntervalMonthly))
}

func TestCreateSubscriptionRequestValidate(t *testing.T) {
	req := CreateSubscriptionRequest{}
	assert.ErrorIs(t, req.Validate(), ErrMissingUserID)

	req.UserID = "user_1"
	assert.ErrorIs(t, req.Validate(), ErrMissingPlanID)

	req.PlanID = "basic"
	assert.NoError(t, req.Validate())
}

func TestMigrationRequestValidate(t *testing.T) {
	req := MigrationRequest{}
	assert.ErrorIs(t, req.Validate(), ErrMissingPlanID)

	req.NewPlanID = "pro"
	assert.ErrorIs(t, req.Validate(), ErrInvalidEffectiveDate)

	req.EffectiveDate = EffectiveImmediate
	assert.NoError(t, req.Validate())

	req.EffectiveDate = EffectiveNextPeriod
	assert.NoError(t, req.Validate())
}
