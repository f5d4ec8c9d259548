package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/token-service/internal/metrics"
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxListLimit = 1000

type TokenQueries interface {
	Get(ctx context.Context, tokenID string) (models.Token, error)
	ListByScope(ctx context.Context, scope models.Scope, limit int) ([]models.Token, error)
	ListEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error)
}

type Queue interface {
	CallNext(ctx context.Context, departmentID, divisionID, staffID string) (models.Token, bool, error)
	StartServing(ctx context.Context, tokenID, staffID string) (models.Token, error)
	CompleteToken(ctx context.Context, tokenID, staffID, note string) (models.Token, error)
	CancelToken(ctx context.Context, tokenID, staffID, reason string) (models.Token, error)
	ExpireStaleTokens(ctx context.Context, asOf time.Time) (int, error)
	Today() time.Time
}

type Issuer interface {
	IssueTokenForEntry(ctx context.Context, entry models.RegistryEntry, staffID string) (models.Token, error)
	IssueToken(ctx context.Context, departmentID, divisionID, priority, staffID string) (models.Token, error)
}

type Estimates interface {
	Snapshot(ctx context.Context, token models.Token) (int, float64, error)
	QueueStatus(ctx context.Context, scope models.Scope) (models.QueueStatus, error)
}

// CallLimiter is a shared fixed-window counter, backed by Redis in production.
type CallLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Options struct {
	ListDefaultLimit int
	// CallLimiter throttles call-next per staff member when set.
	CallLimiter            CallLimiter
	CallNextLimitPerMinute int
	RateLimiter            *RateLimiter
	MetricsHandler         http.Handler
	Logger                 *slog.Logger
	Metrics                *metrics.Metrics
}

type Handler struct {
	tokens      TokenQueries
	queue       Queue
	issuer      Issuer
	estimates   Estimates
	listLimit   int
	callLimiter CallLimiter
	callLimit   int64
	rateLimiter *RateLimiter
	metricsH    http.Handler
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type issueRequest struct {
	RegistryID    string `json:"registry_id"`
	VisitorName   string `json:"visitor_name"`
	DepartmentID  string `json:"department_id"`
	DivisionID    string `json:"division_id"`
	PriorityLevel string `json:"priority_level"`
	StaffID       string `json:"staff_id"`
}

type actionRequest struct {
	StaffID string `json:"staff_id"`
	Note    string `json:"note"`
	Reason  string `json:"reason"`
}

type expireRequest struct {
	AsOf *time.Time `json:"as_of"`
}

type tokenResponse struct {
	models.Token
	QueuePosition            int     `json:"queue_position"`
	EstimatedWaitTimeMinutes float64 `json:"estimated_wait_time_minutes"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(tokens TokenQueries, queue Queue, issuer Issuer, estimates Estimates, opts Options) *Handler {
	h := &Handler{
		tokens:      tokens,
		queue:       queue,
		issuer:      issuer,
		estimates:   estimates,
		listLimit:   opts.ListDefaultLimit,
		callLimiter: opts.CallLimiter,
		callLimit:   int64(opts.CallNextLimitPerMinute),
		rateLimiter: opts.RateLimiter,
		metricsH:    opts.MetricsHandler,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if h.listLimit <= 0 {
		h.listLimit = 200
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(StaffID)
	r.Use(LoggingMiddleware(h.logger, h.metrics))

	r.Get("/healthz", h.handleHealth)
	if h.metricsH != nil {
		r.Method(http.MethodGet, "/metrics", h.metricsH)
	}

	r.Route("/api", func(r chi.Router) {
		if h.rateLimiter != nil {
			r.Use(h.rateLimiter.Middleware)
		}
		r.Post("/registry/entries", h.handleRegistryEntry)
		r.Post("/tokens", h.handleIssueToken)
		r.Get("/tokens", h.handleListTokens)
		r.Get("/tokens/{tokenID}", h.handleGetToken)
		r.Get("/tokens/{tokenID}/events", h.handleTokenEvents)
		r.Post("/tokens/{tokenID}/actions/{action}", h.handleTokenAction)
		r.Post("/queues/{departmentID}/{divisionID}/call-next", h.handleCallNext)
		r.Get("/queues/{departmentID}/{divisionID}/status", h.handleQueueStatus)
		r.Post("/admin/expire", h.handleExpire)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRegistryEntry(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFrom(r.Context())
	var req issueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RegistryID = strings.TrimSpace(req.RegistryID)
	if req.RegistryID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "registry_id is required")
		return
	}

	token, err := h.issuer.IssueTokenForEntry(r.Context(), models.RegistryEntry{
		RegistryID:    req.RegistryID,
		VisitorName:   strings.TrimSpace(req.VisitorName),
		DepartmentID:  req.DepartmentID,
		DivisionID:    req.DivisionID,
		PriorityLevel: req.PriorityLevel,
	}, StaffIDFrom(r.Context()))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	h.writeToken(w, r, http.StatusCreated, token)
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	token, err := h.issuer.IssueToken(r.Context(), req.DepartmentID, req.DivisionID, req.PriorityLevel, StaffIDFrom(r.Context()))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, RequestIDFrom(r.Context()), status, code, msg)
		return
	}
	h.writeToken(w, r, http.StatusCreated, token)
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFrom(r.Context())
	query := r.URL.Query()
	scope, ok := h.parseScope(w, r, query.Get("department_id"), query.Get("division_id"))
	if !ok {
		return
	}

	limit := h.listLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > maxListLimit {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = value
	}

	tokens, err := h.tokens.ListByScope(r.Context(), scope, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	token, err := h.tokens.Get(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, RequestIDFrom(r.Context()), status, code, msg)
		return
	}
	h.writeToken(w, r, http.StatusOK, token)
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	events, err := h.tokens.ListEvents(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, RequestIDFrom(r.Context()), status, code, msg)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	staff := StaffIDFrom(r.Context())

	var (
		token models.Token
		err   error
	)
	switch chi.URLParam(r, "action") {
	case "start":
		token, err = h.queue.StartServing(r.Context(), tokenID, staff)
	case "complete":
		token, err = h.queue.CompleteToken(r.Context(), tokenID, staff, req.Note)
	case "cancel":
		reason := req.Reason
		if reason == "" {
			reason = req.Note
		}
		token, err = h.queue.CancelToken(r.Context(), tokenID, staff, reason)
	default:
		writeError(w, RequestIDFrom(r.Context()), http.StatusNotFound, "unknown_action", "unknown token action")
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, RequestIDFrom(r.Context()), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFrom(r.Context())
	var req actionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	staff := StaffIDFrom(r.Context())
	if !h.allowCall(w, r, staff) {
		return
	}

	token, ok, err := h.queue.CallNext(r.Context(), chi.URLParam(r, "departmentID"), chi.URLParam(r, "divisionID"), staff)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.parseScope(w, r, chi.URLParam(r, "departmentID"), chi.URLParam(r, "divisionID"))
	if !ok {
		return
	}
	status, err := h.estimates.QueueStatus(r.Context(), scope)
	if err != nil {
		st, code, msg := mapError(err)
		writeError(w, RequestIDFrom(r.Context()), st, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	asOf := time.Time{}
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}
	n, err := h.queue.ExpireStaleTokens(r.Context(), asOf)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, RequestIDFrom(r.Context()), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// allowCall applies the shared per-staff call-next window. A limiter outage
// lets the call through.
func (h *Handler) allowCall(w http.ResponseWriter, r *http.Request, staff string) bool {
	if h.callLimiter == nil || h.callLimit <= 0 || staff == "" {
		return true
	}
	ok, _, err := h.callLimiter.Allow(r.Context(), "rl:call-next:"+staff, h.callLimit, time.Minute)
	if err != nil {
		h.logger.Warn("call-next limiter unavailable", "staff_id", staff, "error", err)
		return true
	}
	if !ok {
		writeError(w, RequestIDFrom(r.Context()), http.StatusTooManyRequests, "rate_limited", "too many call-next requests")
		return false
	}
	return true
}

func (h *Handler) writeToken(w http.ResponseWriter, r *http.Request, status int, token models.Token) {
	position, wait, err := h.estimates.Snapshot(r.Context(), token)
	if err != nil {
		h.logger.Warn("wait estimate failed", "token_id", token.TokenID, "error", err)
	}
	writeJSON(w, status, tokenResponse{
		Token:                    token,
		QueuePosition:            position,
		EstimatedWaitTimeMinutes: wait,
	})
}

func (h *Handler) parseScope(w http.ResponseWriter, r *http.Request, departmentID, divisionID string) (models.Scope, bool) {
	requestID := RequestIDFrom(r.Context())
	scope := models.Scope{
		DepartmentID: strings.TrimSpace(departmentID),
		DivisionID:   strings.TrimSpace(divisionID),
		Date:         h.queue.Today(),
	}
	if scope.DepartmentID == "" || scope.DivisionID == "" {
		status, code, msg := mapError(store.ErrScopeRequired)
		writeError(w, requestID, status, code, msg)
		return models.Scope{}, false
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		date, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return models.Scope{}, false
		}
		scope.Date = date
	}
	return scope, true
}

func tokenIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tokenID := chi.URLParam(r, "tokenID")
	if !isValidUUID(tokenID) {
		writeError(w, RequestIDFrom(r.Context()), http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return "", false
	}
	return tokenID, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// decodeRequest decodes an optional JSON body. Unknown fields are rejected.
func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, RequestIDFrom(r.Context()), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition", "token state does not allow this action"
	case errors.Is(err, store.ErrServingInProgress):
		return http.StatusConflict, "serving_in_progress", "another token is being served in this queue"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "token was updated concurrently, retry"
	case errors.Is(err, store.ErrScopeRequired):
		return http.StatusBadRequest, "scope_required", "department_id and division_id are required"
	case errors.Is(err, store.ErrInvalidPriority):
		return http.StatusBadRequest, "invalid_priority", "priority_level must be normal, urgent or vip"
	case errors.Is(err, store.ErrAllocationFailed):
		return http.StatusServiceUnavailable, "allocation_failed", "could not allocate a token number, retry"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
