package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	fraud   *fraud.Service
	engine  *rules.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, fraudSvc *fraud.Service, engine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		fraud:   fraudSvc,
		engine:  engine,
		version: version,
	}
}

// AnalyzeResponse is the response for POST /analyze and POST /analyze/user.
type AnalyzeResponse struct {
	Score    *domain.FraudScore `json:"score"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Analyze handles POST /analyze requests: full pipeline scoring of one
// transaction.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req fraud.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Transaction == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction is required",
		})
		return
	}
	if req.Transaction.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction.amount must be positive",
		})
		return
	}
	if req.Transaction.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction.userId is required",
		})
		return
	}

	// The header tenant always wins; the body may not cross tenants.
	req.Transaction.TenantID = tenantID
	if req.Transaction.ID == "" {
		req.Transaction.ID = uuid.New().String()
	}

	score, err := h.fraud.AnalyzeTransaction(ctx, &req)
	if err != nil {
		slog.Error("transaction analysis failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "analysis failed",
		})
		return
	}

	resp := AnalyzeResponse{Score: score}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusOK, resp)
}

// AnalyzeUserRequest is the request body for POST /analyze/user.
type AnalyzeUserRequest struct {
	User *domain.User `json:"user"`
}

// AnalyzeUser handles POST /analyze/user requests: scoring of a user entity
// from profile and history alone.
func (h *Handler) AnalyzeUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req AnalyzeUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.User == nil || req.User.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user.id is required",
		})
		return
	}
	req.User.TenantID = tenantID

	score, err := h.fraud.AnalyzeUser(ctx, tenantID, req.User)
	if err != nil {
		slog.Error("user analysis failed", "user_id", req.User.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "analysis failed",
		})
		return
	}

	resp := AnalyzeResponse{Score: score}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusOK, resp)
}

// GetScore retrieves a fraud score by ID.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	scoreID := chi.URLParam(r, "id")

	score, err := h.repo.GetFraudScore(ctx, tenantID, scoreID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "fraud score not found",
			})
			return
		}
		slog.Error("failed to get fraud score", "id", scoreID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get fraud score",
		})
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// RecalculateScore re-runs scoring for an existing transaction score.
func (h *Handler) RecalculateScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	scoreID := chi.URLParam(r, "id")

	score, err := h.fraud.RecalculateScore(ctx, tenantID, scoreID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "fraud score not found",
			})
			return
		}
		slog.Error("score recalculation failed", "id", scoreID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// IndicatorsRequest is the request body for POST /indicators.
type IndicatorsRequest struct {
	Transaction *domain.Transaction `json:"transaction"`
}

// Indicators handles POST /indicators: the lightweight heuristic checks,
// without persistence or events.
func (h *Handler) Indicators(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req IndicatorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Transaction == nil || req.Transaction.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction.userId is required",
		})
		return
	}
	req.Transaction.TenantID = tenantID

	set, err := h.fraud.GetFraudIndicators(ctx, req.Transaction)
	if err != nil {
		slog.Error("indicator check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "indicator check failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, set)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListAnomalies returns the persisted anomaly detections for an entity.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "id")

	anomalies, err := h.repo.ListAnomaliesByEntity(ctx, tenantID, entityID)
	if err != nil {
		slog.Error("failed to list anomalies", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list anomalies",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// GetProfile retrieves a user's behavioral profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	userID := chi.URLParam(r, "userId")

	profile, err := h.repo.GetProfile(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "profile not found",
			})
			return
		}
		slog.Error("failed to get profile", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get profile",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// GetDevice retrieves a device fingerprint record by its hash.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	hash := chi.URLParam(r, "hash")

	device, err := h.repo.FindDeviceByHash(ctx, tenantID, hash)
	if err != nil {
		slog.Error("failed to get device", "hash", hash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get device",
		})
		return
	}
	if device == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "device not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// ListRules returns the tenant's active rules as the engine sees them.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	activeRules, err := h.engine.ActiveRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": activeRules,
		"count": len(activeRules),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// UpsertRuleRequest is the request body for creating or updating a rule.
type UpsertRuleRequest struct {
	ID          string                `json:"id,omitempty"`
	Code        string                `json:"code"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Category    string                `json:"category"`
	Severity    int                   `json:"severity"`
	BaseScore   float64               `json:"baseScore"`
	Thresholds  domain.RuleThresholds `json:"thresholds"`
	Condition   string                `json:"condition,omitempty"`
	Actions     []string              `json:"actions,omitempty"`
	IsBlocking  bool                  `json:"isBlocking"`
	IsActive    bool                  `json:"isActive"`
}

// CreateRule creates a rule and invalidates the engine's cached rule list,
// so the next evaluation picks it up.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req UpsertRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Code == "" || req.Name == "" || req.Category == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code, name, and category are required",
		})
		return
	}

	category, err := domain.ParseRuleCategory(req.Category)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	rule := &domain.FraudRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Category:    category,
		Severity:    req.Severity,
		BaseScore:   req.BaseScore,
		Thresholds:  req.Thresholds,
		Condition:   req.Condition,
		Actions:     req.Actions,
		IsBlocking:  req.IsBlocking,
		IsActive:    req.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	// Catch bad CEL before the rule reaches storage.
	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	if err := h.engine.InvalidateRules(ctx, tenantID); err != nil {
		slog.Warn("rule cache invalidation failed", "error", err)
	}

	slog.Info("rule created", "id", rule.ID, "code", rule.Code, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule updates an existing rule in place.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	existing, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	var req UpsertRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	category, err := domain.ParseRuleCategory(req.Category)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	existing.Code = req.Code
	existing.Name = req.Name
	existing.Description = req.Description
	existing.Category = category
	existing.Severity = req.Severity
	existing.BaseScore = req.BaseScore
	existing.Thresholds = req.Thresholds
	existing.Condition = req.Condition
	existing.Actions = req.Actions
	existing.IsBlocking = req.IsBlocking
	existing.IsActive = req.IsActive
	existing.UpdatedAt = time.Now().UTC()

	if err := h.engine.ValidateRule(existing); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, existing); err != nil {
		slog.Error("failed to update rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update rule",
		})
		return
	}

	if err := h.engine.InvalidateRules(ctx, tenantID); err != nil {
		slog.Warn("rule cache invalidation failed", "error", err)
	}

	slog.Info("rule updated", "id", ruleID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, existing)
}

// ReloadRules drops the engine's cached rule list so the next evaluation
// re-reads storage. This enables hot-reloading without a restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if err := h.engine.InvalidateRules(ctx, tenantID); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules",
		})
		return
	}

	slog.Info("rules reloaded", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rules reloaded successfully",
	})
}

// ListCases returns the tenant's open fraud cases, newest first.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cases, err := h.repo.ListOpenFraudCases(ctx, tenantID, 100)
	if err != nil {
		slog.Error("failed to list fraud cases", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list fraud cases",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"count": len(cases),
	})
}

// ResolveCase closes an open fraud case.
func (h *Handler) ResolveCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	if err := h.repo.ResolveFraudCase(ctx, tenantID, caseID, time.Now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "open fraud case not found",
			})
			return
		}
		slog.Error("failed to resolve fraud case", "id", caseID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve fraud case",
		})
		return
	}

	slog.Info("fraud case resolved", "id", caseID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "fraud case resolved",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
