package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/starbooked/merlin/internal/alerts"
	"github.com/starbooked/merlin/internal/blacklist"
	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/evaluator"
	"github.com/starbooked/merlin/internal/rules"
	"github.com/starbooked/merlin/internal/stats"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	catalog    *rules.Catalog
	eval       *evaluator.Evaluator
	blacklist  *blacklist.Store
	dispatcher *alerts.Dispatcher
	aggregator *stats.Aggregator
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	catalog *rules.Catalog,
	eval *evaluator.Evaluator,
	bl *blacklist.Store,
	dispatcher *alerts.Dispatcher,
	aggregator *stats.Aggregator,
	version string,
) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		catalog:    catalog,
		eval:       eval,
		blacklist:  bl,
		dispatcher: dispatcher,
		aggregator: aggregator,
		version:    version,
	}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	AssessmentID   string               `json:"assessmentId"`
	BookingRef     string               `json:"bookingRef"`
	RiskScore      int                  `json:"riskScore"`
	RiskLevel      domain.RiskLevel     `json:"riskLevel"`
	RequiresReview bool                 `json:"requiresReview"`
	AutoBlock      bool                 `json:"autoBlock"`
	MatchedRules   []domain.MatchedRule `json:"matchedRules"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var req domain.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.BookingRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bookingRef is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}
	if req.Email == "" && req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "email or ip is required",
		})
		return
	}

	assessment, err := h.eval.Evaluate(ctx, req.ToContext())
	if err != nil {
		slog.Error("evaluation failed",
			"booking_ref", req.BookingRef,
			"error", err,
		)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrEvaluationUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{
		AssessmentID:   assessment.ID,
		BookingRef:     assessment.BookingRef,
		RiskScore:      assessment.RiskScore,
		RiskLevel:      assessment.RiskLevel,
		RequiresReview: assessment.RequiresReview,
		AutoBlock:      assessment.AutoBlock,
		MatchedRules:   assessment.MatchedRules,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
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

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	assessment, err := h.repo.GetAssessment(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "assessment not found",
			})
			return
		}
		slog.Error("failed to get assessment", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load assessment",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// ListAssessments retrieves recent assessments, optionally filtered by
// review status via ?status=.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := domain.ReviewStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown review status: " + string(status),
		})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.repo.ListAssessments(ctx, status, limit)
	if err != nil {
		slog.Error("failed to list assessments", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list assessments",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": list,
		"count":       len(list),
	})
}

// ReviewAssessment handles POST /assessments/{id}/review.
func (h *Handler) ReviewAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var tr domain.ReviewTransition
	if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	assessment, err := h.repo.TransitionReview(ctx, id, tr)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "assessment not found",
			})
		case errors.Is(err, domain.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("review transition failed", "id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "review transition failed",
			})
		}
		return
	}

	slog.Info("assessment reviewed",
		"assessment_id", id,
		"status", assessment.ReviewStatus,
		"reviewer", assessment.ReviewerRef,
	)
	writeJSON(w, http.StatusOK, assessment)
}

// ListRules returns the rules currently loaded in the catalog.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	active := h.catalog.Snapshot()
	list := make([]*domain.Rule, 0, len(active))
	for _, ar := range active {
		list = append(list, ar.Rule)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID from the repository, loaded or not.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to get rule", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule creates a rule, persists it, and loads it into the catalog
// when active. No restart or reload call needed for new rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	h.saveRule(w, r, "")
}

// UpdateRule replaces a rule definition by ID.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	h.saveRule(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if id != "" {
		rule.ID = id
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	// Reject malformed definitions before they reach storage.
	if err := h.catalog.Validate(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, &rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	if rule.Active {
		if err := h.catalog.Load(&rule); err != nil {
			slog.Error("failed to load rule into catalog", "id", rule.ID, "error", err)
		}
	} else {
		h.catalog.Remove(rule.ID)
	}

	status := http.StatusCreated
	if id != "" {
		status = http.StatusOK
	}

	slog.Info("rule saved", "id", rule.ID, "name", rule.Name, "active", rule.Active)
	writeJSON(w, status, &rule)
}

// DeleteRule removes a rule from storage and the catalog.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to delete rule", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	h.catalog.Remove(id)

	slog.Info("rule deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules replaces the catalog with the active rules in the database.
// Enables hot-reloading after out-of-band rule edits.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListRules(ctx, true)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.catalog.Reload(dbRules); err != nil {
		slog.Error("failed to reload rule catalog", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", h.catalog.Count())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   h.catalog.Count(),
	})
}

// AddBlacklistEntry handles POST /blacklist.
func (h *Handler) AddBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var entry domain.BlacklistEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.blacklist.Add(ctx, &entry); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateBlacklistEntry):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		case errors.Is(err, domain.ErrInvalidRuleDefinition):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("failed to add blacklist entry", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to add blacklist entry",
			})
		}
		return
	}

	writeJSON(w, http.StatusCreated, &entry)
}

// ListBlacklistEntries handles GET /blacklist, optionally filtered by ?kind=.
func (h *Handler) ListBlacklistEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := domain.BlacklistKind(r.URL.Query().Get("kind"))

	list, err := h.blacklist.List(ctx, kind)
	if err != nil {
		slog.Error("failed to list blacklist entries", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list blacklist entries",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": list,
		"count":   len(list),
	})
}

// RemoveBlacklistEntry handles DELETE /blacklist?kind=&value=. Values may
// contain characters that do not survive a path segment, so they travel
// as query parameters.
func (h *Handler) RemoveBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := domain.BlacklistKind(r.URL.Query().Get("kind"))
	value := r.URL.Query().Get("value")

	if kind == "" || value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kind and value query parameters are required",
		})
		return
	}

	if err := h.blacklist.Remove(ctx, kind, value); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "blacklist entry not found",
			})
			return
		}
		slog.Error("failed to remove blacklist entry", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to remove blacklist entry",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "blacklist entry removed",
	})
}

// ListAlerts handles GET /alerts with ?unread= and ?limit= filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.repo.ListAlerts(ctx, unreadOnly, limit)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": list,
		"count":  len(list),
	})
}

// MarkAlertRead handles POST /alerts/{id}/read.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body struct {
		ReadBy string `json:"readBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if body.ReadBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "readBy is required",
		})
		return
	}

	if err := h.dispatcher.MarkRead(ctx, id, body.ReadBy); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "alert not found",
			})
			return
		}
		slog.Error("failed to mark alert read", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to mark alert read",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "alert marked as read",
	})
}

// PurgeAlerts handles POST /alerts/purge.
func (h *Handler) PurgeAlerts(w http.ResponseWriter, r *http.Request) {
	purged, err := h.dispatcher.PurgeExpired(r.Context())
	if err != nil {
		slog.Error("alert purge failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "alert purge failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": purged,
	})
}

// GetStats handles GET /stats?since_days=.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	sinceDays, _ := strconv.Atoi(r.URL.Query().Get("since_days"))

	figures, err := h.aggregator.Stats(r.Context(), sinceDays)
	if err != nil {
		slog.Error("failed to compute stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute stats",
		})
		return
	}

	writeJSON(w, http.StatusOK, figures)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
