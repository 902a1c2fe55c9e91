package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/docketspace/billing/internal/logger"
	"github.com/docketspace/billing/internal/migration"
	"github.com/docketspace/billing/internal/models"
	"github.com/docketspace/billing/internal/store"
	"github.com/docketspace/billing/internal/sweep"
	"github.com/docketspace/billing/internal/webhook"
)

// maxWebhookBody caps the raw webhook payload.
const maxWebhookBody = 1 << 20

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db         *store.DB
	sweeper    *sweep.Sweeper
	scheduler  *sweep.Scheduler
	reconciler *webhook.Reconciler
	migrations *migration.Service
	cronSecret string
	logger     *logger.Logger
}

// NewHandler creates a new handler with dependencies
func NewHandler(db *store.DB, sw *sweep.Sweeper, sched *sweep.Scheduler, rec *webhook.Reconciler, mig *migration.Service, cronSecret string, log *logger.Logger) *Handler {
	return &Handler{
		db:         db,
		sweeper:    sw,
		scheduler:  sched,
		reconciler: rec,
		migrations: mig,
		cronSecret: cronSecret,
		logger:     log,
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string, code string) {
	respondJSON(w, status, models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// respondValidationError maps a domain validation error onto the right
// HTTP status.
func respondValidationError(w http.ResponseWriter, verr models.ValidationError) {
	status := http.StatusBadRequest
	code := "INVALID_REQUEST"
	switch verr {
	case models.ErrSubscriptionNotFound:
		status = http.StatusNotFound
		code = "SUBSCRIPTION_NOT_FOUND"
	case models.ErrPlanNotFound:
		status = http.StatusNotFound
		code = "PLAN_NOT_FOUND"
	case models.ErrSubscriptionNotActive:
		code = "SUBSCRIPTION_NOT_ACTIVE"
	case models.ErrSamePlan:
		code = "SAME_PLAN"
	case models.ErrPlanNotPurchasable:
		code = "PLAN_NOT_PURCHASABLE"
	}
	respondError(w, status, verr.Message, code)
}

// ============== Renewal Sweep ==============

// RunRenewals handles POST /internal/renewals/run. The caller presents
// the pre-shared cron secret as a bearer token; comparison is constant
// time and unauthorized calls produce no side effects.
func (h *Handler) RunRenewals(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.cronSecret == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
		respondError(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}

	result := h.sweeper.Run(r.Context())

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"results":   result,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetSchedulerStatus handles GET /scheduler/status
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Status())
}

// ============== Webhooks ==============

// HandleWebhook handles POST /webhooks/payments. The signature is
// verified over the raw bytes before any parsing.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body", "INVALID_BODY")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")

	if err := h.reconciler.Handle(r.Context(), body, signature); err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid signature"})
			return
		}

		var verr models.ValidationError
		if errors.As(err, &verr) {
			// Events referencing unknown subscriptions are the
			// provider's data problem; reject so it retries later.
			respondValidationError(w, verr)
			return
		}

		h.logger.Error("webhook processing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to process event", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ============== Plan Migration ==============

// MigratePlan handles POST /subscriptions/{id}/migrate
func (h *Handler) MigratePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := mux.Vars(r)["id"]

	var req models.MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	result, err := h.migrations.Migrate(ctx, subscriptionID, &req)
	if err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			respondValidationError(w, verr)
			return
		}

		var perr *migration.ProviderError
		if errors.As(err, &perr) {
			// The local change committed; the provider is out of sync.
			h.logger.Error("plan migration committed locally but provider update failed",
				"subscription", subscriptionID, "error", err)
			respondError(w, http.StatusBadGateway, "Plan updated locally but provider update failed", "PROVIDER_ERROR")
			return
		}

		h.logger.Error("plan migration failed", "subscription", subscriptionID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to migrate plan", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"subscription": result.Subscription,
		"migration": map[string]interface{}{
			"old_plan":              result.OldPlan.Name,
			"new_plan":              result.NewPlan.Name,
			"effective_date":        result.EffectiveDate,
			"proration_amount":      result.ProrationAmount,
			"proration_description": result.ProrationDescription,
		},
	})
}

// ============== Subscriptions ==============

// CreateSubscription handles POST /subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	if err := req.Validate(); err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			respondValidationError(w, verr)
			return
		}
		respondError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}

	sub, err := h.db.CreateSubscription(ctx, &req)
	if err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			respondValidationError(w, verr)
			return
		}
		h.logger.Error("failed to create subscription", "user", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create subscription", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	sub, err := h.db.GetSubscriptionWithPlan(ctx, id)
	if err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			respondValidationError(w, verr)
			return
		}
		h.logger.Error("failed to get subscription", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get subscription", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// ListPlans handles GET /plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	plans, err := h.db.ListPlans(ctx, false)
	if err != nil {
		h.logger.Error("failed to list plans", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list plans", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"total": len(plans),
	})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbHealthy := h.db.Ping() == nil

	status := http.StatusOK
	health := "healthy"
	if !dbHealthy {
		status = http.StatusServiceUnavailable
		health = "unhealthy"
	}

	respondJSON(w, status, map[string]interface{}{
		"service":           "billing-service",
		"status":            health,
		"database_healthy":  dbHealthy,
		"scheduler_running": h.scheduler.IsRunning(),
	})
}
