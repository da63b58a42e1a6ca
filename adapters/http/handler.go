// Package http exposes the quota engine over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	_ "github.com/artpar/quotagate/docs/swagger" // swagger docs
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000

	// maxUsageIncrement bounds a single usage report.
	maxUsageIncrement = 1_000_000_000
)

// ErrorResponseBody represents an error response body.
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string `json:"code" example:"invalid_metric"`
	Message string `json:"message" example:"unknown metric \"bandwidth\""`
}

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
	Service string `json:"service" example:"quotagate"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	Error  string `json:"error,omitempty"`
}

// UtilizationResponse is one metric's usage against its limit.
type UtilizationResponse struct {
	Metric      string  `json:"metric" example:"devices"`
	Usage       int64   `json:"usage" example:"9"`
	Limit       int64   `json:"limit" example:"10"`
	Percentage  float64 `json:"percentage" example:"90"`
	Approaching bool    `json:"approaching" example:"true"`
	Exceeded    bool    `json:"exceeded" example:"false"`
}

// PolicyResponse is the effective enforcement policy.
type PolicyResponse struct {
	Sampling       map[string]int `json:"sampling"`
	Capped         []string       `json:"capped"`
	FrozenFeatures []string       `json:"frozenFeatures"`
	DenyAll        bool           `json:"denyAll"`
}

// StatusResponse is the enforcement status of an account.
type StatusResponse struct {
	AccountID        string                `json:"accountId" example:"acct_123"`
	PlanID           string                `json:"planId" example:"free"`
	State            string                `json:"state" example:"WARN"`
	TriggeredMetrics []UtilizationResponse `json:"triggeredMetrics"`
	GraceEndsAt      *time.Time            `json:"graceEndsAt"`
	Snapshot         []UtilizationResponse `json:"snapshot"`
	Policy           PolicyResponse        `json:"policy"`
	SuspendReason    string                `json:"suspendReason,omitempty"`
	EvaluatedAt      time.Time             `json:"evaluatedAt"`
	Stale            bool                  `json:"stale"`
}

// DecisionResponse is the answer to a quota check.
type DecisionResponse struct {
	Decision string `json:"decision" example:"sample" enums:"allow,sample,deny"`
	Rate     int    `json:"rate,omitempty" example:"2"`
	Reason   string `json:"reason,omitempty" example:"hard_cap"`
	Fallback bool   `json:"fallback" example:"false"`
	State    string `json:"state,omitempty" example:"DEGRADED"`
}

// AdmitResponse is the outcome of a combined check and record.
type AdmitResponse struct {
	DecisionResponse
	Admitted bool  `json:"admitted" example:"true"`
	Count    int64 `json:"count" example:"1502"`
}

// UsageRequest records usage after a committed write.
type UsageRequest struct {
	By int64 `json:"by" example:"1"`
}

// UsageResponse returns the counter after recording usage.
type UsageResponse struct {
	Metric string `json:"metric" example:"logs"`
	Count  int64  `json:"count" example:"42"`
}

// TransitionResponse is one recorded state transition.
type TransitionResponse struct {
	AccountID  string    `json:"accountId" example:"acct_123"`
	From       string    `json:"fromState" example:"WARN"`
	To         string    `json:"toState" example:"GRACE"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty" example:"threshold"`
	Metric     string    `json:"metric,omitempty" example:"devices"`
	Percentage float64   `json:"percentage,omitempty" example:"100"`
}

// PeriodResponse is one archived billing period.
type PeriodResponse struct {
	PeriodStart time.Time        `json:"periodStart"`
	PeriodEnd   time.Time        `json:"periodEnd"`
	Counts      map[string]int64 `json:"counts"`
	Total       int64            `json:"total" example:"1234"`
	ArchivedAt  time.Time        `json:"archivedAt"`
}

// SuspendRequest suspends an account.
type SuspendRequest struct {
	Reason string `json:"reason" example:"abuse"`
}

// RecordResponse is the stored enforcement record after an admin action.
type RecordResponse struct {
	AccountID     string     `json:"accountId" example:"acct_123"`
	State         string     `json:"state" example:"SUSPENDED"`
	SuspendReason string     `json:"suspendReason,omitempty" example:"abuse"`
	SuspendedAt   *time.Time `json:"suspendedAt,omitempty"`
	Version       int64      `json:"version" example:"3"`
}

// HandlerDeps contains dependencies for Handler.
type HandlerDeps struct {
	Gate     *app.Gate
	Rollover *app.RolloverService // optional
	Counters ports.CounterStore
	Events   ports.EventLog
	Logger   zerolog.Logger
}

// Handler serves the quota API.
type Handler struct {
	gate     *app.Gate
	rollover *app.RolloverService
	counters ports.CounterStore
	events   ports.EventLog
	logger   zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		gate:     deps.Gate,
		rollover: deps.Rollover,
		counters: deps.Counters,
		events:   deps.Events,
		logger:   deps.Logger,
	}
}

// Check answers whether a write of metric may proceed.
//
//	@Summary		Check quota
//	@Description	Evaluates the account and returns allow, sample (with rate) or deny (with reason)
//	@Tags			Quota
//	@Produce		json
//	@Param			id		path		string	true	"Account ID"
//	@Param			metric	path		string	true	"Metric name"
//	@Success		200		{object}	DecisionResponse
//	@Failure		400		{object}	ErrorResponseBody	"Unknown metric"
//	@Router			/v1/accounts/{id}/check/{metric} [post]
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	id, m, ok := accountMetric(w, r)
	if !ok {
		return
	}
	res := h.gate.Check(r.Context(), id, m)
	writeJSON(w, http.StatusOK, decisionResponse(res))
}

// Admit checks the quota and records one unit of usage when the write proceeds.
//
//	@Summary		Check quota and record usage
//	@Description	Like check, but increments the counter for allowed writes and every sampled attempt
//	@Tags			Quota
//	@Produce		json
//	@Param			id		path		string	true	"Account ID"
//	@Param			metric	path		string	true	"Metric name"
//	@Success		200		{object}	AdmitResponse
//	@Failure		400		{object}	ErrorResponseBody	"Unknown metric"
//	@Router			/v1/accounts/{id}/admit/{metric} [post]
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	id, m, ok := accountMetric(w, r)
	if !ok {
		return
	}
	res := h.gate.Admit(r.Context(), id, m)
	writeJSON(w, http.StatusOK, AdmitResponse{
		DecisionResponse: decisionResponse(res.CheckResult),
		Admitted:         res.Admitted,
		Count:            res.Count,
	})
}

// RecordUsage adds usage after a committed write.
//
//	@Summary		Record usage
//	@Tags			Quota
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Account ID"
//	@Param			metric	path		string			true	"Metric name"
//	@Param			body	body		UsageRequest	false	"Amount (default 1)"
//	@Success		200		{object}	UsageResponse
//	@Failure		400		{object}	ErrorResponseBody	"Unknown metric or bad amount"
//	@Failure		503		{object}	ErrorResponseBody	"Storage unavailable"
//	@Router			/v1/accounts/{id}/usage/{metric} [post]
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id, m, ok := accountMetric(w, r)
	if !ok {
		return
	}
	req := UsageRequest{By: 1}
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.By > maxUsageIncrement {
		writeError(w, http.StatusBadRequest, "invalid_amount",
			"by must not exceed "+strconv.Itoa(maxUsageIncrement))
		return
	}
	n, err := h.gate.RecordUsage(r.Context(), id, m, req.By)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Metric: string(m), Count: n})
}

// Status returns the enforcement status of an account.
//
//	@Summary		Get enforcement status
//	@Description	Evaluates the account and returns its state, triggered metrics and snapshot. While storage is unavailable the last known status is returned with stale=true.
//	@Tags			Quota
//	@Produce		json
//	@Param			id	path		string	true	"Account ID"
//	@Success		200	{object}	StatusResponse
//	@Failure		503	{object}	ErrorResponseBody	"Storage unavailable"
//	@Router			/v1/accounts/{id}/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	st, err := h.gate.GetStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(st))
}

// Transitions lists recent state transitions of an account.
//
//	@Summary		List transitions
//	@Tags			Quota
//	@Produce		json
//	@Param			id		path	string	true	"Account ID"
//	@Param			limit	query	int		false	"Maximum entries (default 50)"
//	@Success		200		{array}	TransitionResponse
//	@Router			/v1/accounts/{id}/transitions [get]
func (h *Handler) Transitions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	list, err := h.events.List(r.Context(), id, listLimit(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]TransitionResponse, 0, len(list))
	for _, t := range list {
		out = append(out, transitionResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// UsageHistory lists archived billing periods of an account.
//
//	@Summary		List archived usage periods
//	@Tags			Quota
//	@Produce		json
//	@Param			id		path	string	true	"Account ID"
//	@Param			limit	query	int		false	"Maximum entries (default 50)"
//	@Success		200		{array}	PeriodResponse
//	@Router			/v1/accounts/{id}/usage/history [get]
func (h *Handler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	list, err := h.counters.History(r.Context(), id, listLimit(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]PeriodResponse, 0, len(list))
	for _, p := range list {
		out = append(out, periodResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// Suspend suspends an account.
//
//	@Summary		Suspend account
//	@Tags			Admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Account ID"
//	@Param			body	body		SuspendRequest	false	"Reason"
//	@Success		200		{object}	RecordResponse
//	@Failure		401		{object}	ErrorResponseBody
//	@Security		BearerAuth
//	@Router			/admin/accounts/{id}/suspend [post]
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	var req SuspendRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	rec, err := h.gate.Suspend(r.Context(), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

// Reinstate returns a suspended account to ACTIVE.
//
//	@Summary		Reinstate account
//	@Tags			Admin
//	@Produce		json
//	@Param			id	path		string	true	"Account ID"
//	@Success		200	{object}	RecordResponse
//	@Failure		409	{object}	ErrorResponseBody	"Account is not suspended"
//	@Security		BearerAuth
//	@Router			/admin/accounts/{id}/reinstate [post]
func (h *Handler) Reinstate(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	rec, err := h.gate.Reinstate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

// Rollover starts a new billing period for an account now.
//
//	@Summary		Roll over account
//	@Tags			Admin
//	@Produce		json
//	@Param			id	path		string	true	"Account ID"
//	@Success		200	{object}	PeriodResponse	"The archived period"
//	@Security		BearerAuth
//	@Router			/admin/accounts/{id}/rollover [post]
func (h *Handler) Rollover(w http.ResponseWriter, r *http.Request) {
	if h.rollover == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "rollover is not configured")
		return
	}
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	p, err := h.rollover.RolloverAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, periodResponse(p))
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrInvalidMetric):
		writeError(w, http.StatusBadRequest, "invalid_metric", err.Error())
	case errors.Is(err, quota.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, quota.ErrAccountRequired):
		writeError(w, http.StatusBadRequest, "invalid_account", err.Error())
	case errors.Is(err, quota.ErrNotSuspended):
		writeError(w, http.StatusConflict, "not_suspended", err.Error())
	case errors.Is(err, quota.ErrStorageUnavailable):
		h.logger.Warn().Err(err).Msg("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is unavailable")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// accountParam extracts the account ID. chi matches an empty segment, so
// "/v1/accounts//status" arrives here with an empty ID.
func accountParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_account", quota.ErrAccountRequired.Error())
		return "", false
	}
	return id, true
}

// accountMetric extracts the path parameters and rejects empty accounts and
// unknown metrics before they reach the engine.
func accountMetric(w http.ResponseWriter, r *http.Request) (string, quota.Metric, bool) {
	id, ok := accountParam(w, r)
	if !ok {
		return "", "", false
	}
	m, err := quota.ParseMetric(chi.URLParam(r, "metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_metric", err.Error())
		return "", "", false
	}
	return id, m, true
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func decisionResponse(res app.CheckResult) DecisionResponse {
	out := DecisionResponse{
		Decision: string(res.Decision.Kind()),
		Fallback: res.Fallback,
		State:    string(res.State),
	}
	switch d := res.Decision.(type) {
	case quota.Sample:
		out.Rate = d.Rate
	case quota.Deny:
		out.Reason = string(d.Reason)
	}
	return out
}

func statusResponse(st app.Status) StatusResponse {
	return StatusResponse{
		AccountID:        st.AccountID,
		PlanID:           st.PlanID,
		State:            string(st.State),
		TriggeredMetrics: utilizations(st.TriggeredMetrics),
		GraceEndsAt:      st.GraceEndsAt,
		Snapshot:         utilizations(st.Snapshot),
		Policy:           policyResponse(st.Policy),
		SuspendReason:    st.SuspendReason,
		EvaluatedAt:      st.EvaluatedAt,
		Stale:            st.Stale,
	}
}

func utilizations(us []quota.Utilization) []UtilizationResponse {
	out := make([]UtilizationResponse, 0, len(us))
	for _, u := range us {
		out = append(out, UtilizationResponse{
			Metric:      string(u.Metric),
			Usage:       u.Used,
			Limit:       u.Limit,
			Percentage:  u.Percentage,
			Approaching: u.Approaching,
			Exceeded:    u.Exceeded,
		})
	}
	return out
}

func policyResponse(p quota.Policy) PolicyResponse {
	out := PolicyResponse{
		Sampling:       make(map[string]int, len(p.Sampling)),
		Capped:         []string{},
		FrozenFeatures: []string{},
		DenyAll:        p.DenyAll,
	}
	for m, rate := range p.Sampling {
		out.Sampling[string(m)] = rate
	}
	for m, capped := range p.Capped {
		if capped {
			out.Capped = append(out.Capped, string(m))
		}
	}
	sort.Strings(out.Capped)
	for _, f := range p.FrozenFeatures() {
		out.FrozenFeatures = append(out.FrozenFeatures, string(f))
	}
	return out
}

func transitionResponse(t quota.Transition) TransitionResponse {
	return TransitionResponse{
		AccountID:  t.AccountID,
		From:       string(t.From),
		To:         string(t.To),
		Timestamp:  t.At,
		Reason:     t.Reason,
		Metric:     string(t.Metric),
		Percentage: t.Percentage,
	}
}

func periodResponse(p quota.PeriodUsage) PeriodResponse {
	counts := make(map[string]int64, len(p.Counts))
	for m, n := range p.Counts {
		counts[string(m)] = n
	}
	return PeriodResponse{
		PeriodStart: p.PeriodStart,
		PeriodEnd:   p.PeriodEnd,
		Counts:      counts,
		Total:       p.Total(),
		ArchivedAt:  p.ArchivedAt,
	}
}

func recordResponse(rec quota.Record) RecordResponse {
	return RecordResponse{
		AccountID:     rec.AccountID,
		State:         string(rec.State),
		SuspendReason: rec.SuspendReason,
		SuspendedAt:   rec.SuspendedAt,
		Version:       rec.Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponseBody{Error: ErrorDetail{Code: code, Message: message}})
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checker HealthChecker
}

// HealthChecker reports whether storage is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. checker may be nil.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Liveness returns a simple liveness check.
//
//	@Summary		Liveness check
//	@Description	Returns OK if the service is running
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
//	@Router			/health/live [get]
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readiness checks that storage answers.
//
//	@Summary		Readiness check
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	HealthResponse
//	@Router			/health/ready [get]
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.checker != nil {
		if err := h.checker.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// VersionHandler returns a handler that reports the service version.
//
//	@Summary		Get service version
//	@Tags			System
//	@Produce		json
//	@Success		200	{object}	VersionResponse
//	@Router			/version [get]
func VersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "quotagate"})
	}
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Version string

	// Metrics enables request metrics and the scrape endpoint at MetricsPath.
	// Gatherer selects the registry to expose (default: the global one).
	Metrics     *metrics.Collector
	MetricsPath string
	Gatherer    prometheus.Gatherer

	EnableOpenAPI bool

	// Stream serves /v1/events when set.
	Stream http.Handler

	// AdminTokenHash enables /admin routes guarded by a bearer token.
	AdminTokenHash []byte
	Hasher         ports.Hasher

	RequestTimeout time.Duration
}

// NewRouter creates the HTTP router.
func NewRouter(h *Handler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	// Health endpoints (no auth required)
	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		if cfg.Gatherer != nil {
			r.Handle(path, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
		} else {
			r.Handle(path, promhttp.Handler())
		}
	}

	if cfg.EnableOpenAPI {
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	r.Get("/version", VersionHandler(version))

	// Websocket connections outlive the request timeout
	if cfg.Stream != nil {
		r.Get("/v1/events", cfg.Stream.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Route("/v1/accounts/{id}", func(r chi.Router) {
			r.Post("/check/{metric}", h.Check)
			r.Post("/admit/{metric}", h.Admit)
			r.Post("/usage/{metric}", h.RecordUsage)
			r.Get("/usage/history", h.UsageHistory)
			r.Get("/status", h.Status)
			r.Get("/transitions", h.Transitions)
		})

		if len(cfg.AdminTokenHash) > 0 && cfg.Hasher != nil {
			r.Route("/admin/accounts/{id}", func(r chi.Router) {
				r.Use(NewAdminAuthMiddleware(cfg.AdminTokenHash, cfg.Hasher))
				r.Post("/suspend", h.Suspend)
				r.Post("/reinstate", h.Reinstate)
				r.Post("/rollover", h.Rollover)
			})
		} else {
			logger.Info().Msg("admin API disabled (no admin token configured)")
		}
	})

	return r
}

// NewAdminAuthMiddleware requires "Authorization: Bearer <token>" matching hash.
func NewAdminAuthMiddleware(hash []byte, hasher ports.Hasher) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || !hasher.Compare(hash, token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="quotagate-admin"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "valid admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewMetricsMiddleware records request counts and latencies by route pattern.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for internal endpoints
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" ||
				strings.HasPrefix(r.URL.Path, "/swagger") {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := statusLabel(ww.Status())
			m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

func statusLabel(status int) string {
	switch {
	case status == 0:
		return "200"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return strconv.Itoa(status)
	default:
		return strconv.Itoa(status/100) + "xx"
	}
}

// NewLoggingMiddleware logs every request at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
