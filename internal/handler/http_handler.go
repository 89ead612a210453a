package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/middleware"
	"github.com/pesio-ai/be-bank-reconciliation/internal/service"
)

// RouteObserver records served requests per route pattern.
type RouteObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the transport handlers call into.
type Services struct {
	Uploads  Uploader
	Workflow Workflow
	Queries  Queries
	Config   Permissions

	// SubmitBreakdownID is the breakdown row that grants the upload and
	// submit screens.
	SubmitBreakdownID int64
	// SubmittedBreakdownID grants the submitted reconciliations screen.
	// Zero falls back to SubmitBreakdownID.
	SubmittedBreakdownID int64
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc      Services
	access   access
	health   Pinger
	observer RouteObserver
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. health and observer may be nil.
func NewHTTPHandler(svc Services, health Pinger, observer RouteObserver, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:      svc,
		access:   newAccess(svc),
		health:   health,
		observer: observer,
		log:      log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	const base = "/api/v1/reconciliations"

	h.handle(mux, "GET /health", h.Health)

	h.handle(mux, "POST "+base+"/upload", h.requireSubmitter(h.Upload))
	h.handle(mux, "POST "+base+"/remove", h.requireSubmitter(h.Remove))
	h.handle(mux, "GET "+base+"/pending-uploads", h.requireSubmitter(h.PendingUploads))
	h.handle(mux, "POST "+base+"/submit", h.requireSubmitter(h.Submit))
	h.handle(mux, "GET "+base+"/submitted", h.requireSubmittedViewer(h.Submitted))

	h.handle(mux, "POST "+base+"/decide", h.requireApprover(h.Decide))
	h.handle(mux, "GET "+base+"/inbox", h.requireApprover(h.Inbox))
	h.handle(mux, "GET "+base+"/approved", h.requireApprover(h.Approved))

	h.handle(mux, "GET "+base+"/workflow", h.requireCaller(h.WorkflowStatus))
	h.handle(mux, "GET "+base+"/history", h.requireCaller(h.History))
	h.handle(mux, "GET "+base+"/next-approvers", h.requireCaller(h.NextApprovers))
}

func (h *HTTPHandler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	if h.observer == nil {
		mux.HandleFunc(pattern, fn)
		return
	}
	method, route, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		h.observer.ObserveHTTP(method, route, rec.status, time.Since(start))
	})
}

// ── Guards ────────────────────────────────────────────────────────────────────

type callerHandler func(w http.ResponseWriter, r *http.Request, userID int64)

func (h *HTTPHandler) requireCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "caller identity is required"))
			return
		}
		next(w, r, userID)
	}
}

func (h *HTTPHandler) requireSubmitter(next callerHandler) http.HandlerFunc {
	return h.requireCaller(func(w http.ResponseWriter, r *http.Request, userID int64) {
		if err := h.access.canSubmit(r.Context(), userID); err != nil {
			h.writeError(w, r, err)
			return
		}
		next(w, r, userID)
	})
}

func (h *HTTPHandler) requireSubmittedViewer(next callerHandler) http.HandlerFunc {
	return h.requireCaller(func(w http.ResponseWriter, r *http.Request, userID int64) {
		if err := h.access.canViewSubmitted(r.Context(), userID); err != nil {
			h.writeError(w, r, err)
			return
		}
		next(w, r, userID)
	})
}

func (h *HTTPHandler) requireApprover(next callerHandler) http.HandlerFunc {
	return h.requireCaller(func(w http.ResponseWriter, r *http.Request, userID int64) {
		if err := h.access.canApprove(r.Context(), userID); err != nil {
			h.writeError(w, r, err)
			return
		}
		next(w, r, userID)
	})
}

// ── Requests ──────────────────────────────────────────────────────────────────

type fileRequest struct {
	BankAccountID  int64        `json:"bank_account_id"`
	Year           int          `json:"year"`
	Month          domain.Month `json:"month"`
	FileName       string       `json:"file_name"`
	ExpectedStatus *int         `json:"expected_status,omitempty"`
}

func (f fileRequest) key() domain.ItemKey {
	return domain.ItemKey{BankAccountID: f.BankAccountID, Year: f.Year, Month: f.Month, FileName: f.FileName}
}

type filesRequest struct {
	Files []fileRequest `json:"files"`
}

func (r filesRequest) keys() []domain.ItemKey {
	keys := make([]domain.ItemKey, 0, len(r.Files))
	for _, f := range r.Files {
		keys = append(keys, f.key())
	}
	return keys
}

type decideRequest struct {
	Action  string        `json:"action"`
	Comment string        `json:"comment"`
	Files   []fileRequest `json:"files"`
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// Health reports whether the store is reachable.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Upload registers uploaded files in the caller's pending batch.
func (h *HTTPHandler) Upload(w http.ResponseWriter, r *http.Request, userID int64) {
	var req filesRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Uploads.Upload(r.Context(), userID, req.keys())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Remove withdraws one of the caller's unsubmitted files, named by its full
// key.
func (h *HTTPHandler) Remove(w http.ResponseWriter, r *http.Request, userID int64) {
	var req fileRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.svc.Uploads.Remove(r.Context(), userID, req.key())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// PendingUploads lists the caller's files not yet submitted.
func (h *HTTPHandler) PendingUploads(w http.ResponseWriter, r *http.Request, userID int64) {
	items, err := h.svc.Uploads.ListPendingUploads(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Submit hands the caller's files to the first approval level.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request, userID int64) {
	var req filesRequest
	if !h.decode(w, r, &req) {
		return
	}
	results, err := h.svc.Workflow.Submit(r.Context(), userID, req.keys())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Submitted lists every item the caller initiated.
func (h *HTTPHandler) Submitted(w http.ResponseWriter, r *http.Request, userID int64) {
	items, err := h.svc.Queries.ListSubmitted(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Decide approves or rejects a set of files.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request, userID int64) {
	var req decideRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := service.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]service.DecisionItem, 0, len(req.Files))
	for _, f := range req.Files {
		items = append(items, service.DecisionItem{Key: f.key(), ExpectedStatus: f.ExpectedStatus})
	}
	results, err := h.svc.Workflow.Decide(r.Context(), userID, action, req.Comment, items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Inbox lists the items awaiting the caller's decision.
func (h *HTTPHandler) Inbox(w http.ResponseWriter, r *http.Request, userID int64) {
	items, err := h.svc.Queries.Inbox(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Approved lists the items the caller has approved.
func (h *HTTPHandler) Approved(w http.ResponseWriter, r *http.Request, userID int64) {
	items, err := h.svc.Queries.ListApproved(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WorkflowStatus returns the item's position in its workflow.
func (h *HTTPHandler) WorkflowStatus(w http.ResponseWriter, r *http.Request, _ int64) {
	key, err := keyFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.svc.Queries.WorkflowStatus(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// History returns the item's full approval ledger.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request, _ int64) {
	key, err := keyFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.svc.Queries.History(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

// NextApprovers returns who may act on the item next.
func (h *HTTPHandler) NextApprovers(w http.ResponseWriter, r *http.Request, _ int64) {
	key, err := keyFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	users, err := h.svc.Queries.NextApprovers(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvers": users})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func keyFromQuery(r *http.Request) (domain.ItemKey, error) {
	q := r.URL.Query()
	bankAccountID, err := strconv.ParseInt(q.Get("bank_account_id"), 10, 64)
	if err != nil {
		return domain.ItemKey{}, errors.InvalidInput("bank_account_id", "bank_account_id must be a number")
	}
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		return domain.ItemKey{}, errors.InvalidInput("year", "year must be a number")
	}
	month, err := domain.ParseMonth(q.Get("month"))
	if err != nil {
		return domain.ItemKey{}, errors.InvalidInput("month", err.Error())
	}
	key := domain.ItemKey{BankAccountID: bankAccountID, Year: year, Month: month, FileName: q.Get("file_name")}
	if err := key.Validate(); err != nil {
		return domain.ItemKey{}, errors.InvalidInput("file", err.Error())
	}
	return key, nil
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	body := errorBody{Code: code, Message: err.Error()}

	if appErr, ok := errors.AsAppError(err); ok {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.log).Error().Err(err).Str("code", string(code)).Msg("request failed")
		if code == errors.ErrCodeInternal {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeDuplicate, errors.ErrCodeConflict, errors.ErrCodeStaleState:
		return http.StatusConflict
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
