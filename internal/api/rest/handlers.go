package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	apperrors "github.com/davidleathers/card-decision-engine/internal/domain/errors"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
	"github.com/davidleathers/card-decision-engine/internal/engine/evaluator"
	"github.com/davidleathers/card-decision-engine/internal/engine/registry"
	"github.com/davidleathers/card-decision-engine/internal/events"
	"github.com/davidleathers/card-decision-engine/internal/outbox"
)

// Handler serves the evaluation and ruleset management endpoints.
type Handler struct {
	registry   *registry.Registry
	evaluator  *evaluator.Evaluator
	dispatcher *outbox.Dispatcher
	publisher  *events.DecisionPublisher
	logger     *zap.Logger
	validate   *validator.Validate
}

// NewHandler wires the endpoint handler. publisher may be nil when the
// MONITORING path has no direct bus (tests).
func NewHandler(
	reg *registry.Registry,
	eval *evaluator.Evaluator,
	dispatcher *outbox.Dispatcher,
	publisher *events.DecisionPublisher,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry:   reg,
		evaluator:  eval,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		validate:   validator.New(),
	}
}

// Register mounts all routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/evaluate/auth", h.handleEvaluateAuth)
	mux.HandleFunc("POST /v1/evaluate/monitoring", h.handleEvaluateMonitoring)
	mux.HandleFunc("POST /v1/rulesets/load", h.handleLoadRuleset)
	mux.HandleFunc("POST /v1/rulesets/bulk-load", h.handleBulkLoad)
	mux.HandleFunc("POST /v1/rulesets/hotswap", h.handleHotSwap)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *Handler) handleEvaluateAuth(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}

	// Durability unmet is the single engine fault that surfaces as a 5xx.
	// The caller still receives a decision payload: fail-open APPROVE.
	if h.dispatcher != nil && h.dispatcher.Unavailable() {
		appErr := apperrors.NewOutboxUnavailableError(nil)
		dec := decision.New(rules.EvaluationAuth, tx.TransactionID)
		dec.RulesetKey = RulesetKeyAuth
		dec.FailOpen(appErr.Code, appErr.Message)
		writeJSON(w, appErr.StatusCode, toAuthResponse(dec))
		return
	}

	start := time.Now()
	rs := h.registry.GetWithFallback(tx.CountryCode, RulesetKeyAuth)
	lookupTime := time.Since(start)

	var dec *decision.Decision
	if rs == nil {
		dec = evaluator.RulesetNotLoaded(rules.EvaluationAuth, tx.TransactionID, RulesetKeyAuth)
	} else {
		dec = h.evaluator.EvaluateAuth(r.Context(), evaluator.Context{
			Transaction:       tx,
			Ruleset:           rs,
			StartTime:         start,
			RulesetLookupTime: lookupTime,
		})
	}

	// Every AUTH outcome is persisted, fail-open ones included.
	if h.dispatcher != nil {
		h.dispatcher.EnqueueAuth(tx, dec)
	}

	writeJSON(w, http.StatusOK, toAuthResponse(dec))
}

func (h *Handler) handleEvaluateMonitoring(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}

	// Validation faults bypass the evaluator: the upstream decision must be
	// APPROVE or DECLINE, case-insensitive.
	if tx.Decision == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeMissingDecision, "decision is required on the monitoring path")
		return
	}
	action, valid := rules.ParseAction(tx.Decision)
	if !valid || action == rules.ActionReview {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidDecision, "decision must be APPROVE or DECLINE")
		return
	}
	tx.Decision = string(action)

	start := time.Now()
	rs := h.registry.GetWithFallback(tx.CountryCode, RulesetKeyMonitoring)
	lookupTime := time.Since(start)

	var dec *decision.Decision
	if rs == nil {
		dec = evaluator.RulesetNotLoaded(rules.EvaluationMonitoring, tx.TransactionID, RulesetKeyMonitoring)
	} else {
		dec = h.evaluator.EvaluateMonitoring(r.Context(), evaluator.Context{
			Transaction:       tx,
			Ruleset:           rs,
			StartTime:         start,
			RulesetLookupTime: lookupTime,
		})
		h.publishMonitoring(r.Context(), tx, dec)
	}

	writeJSON(w, http.StatusOK, dec)
}

// publishMonitoring sends the analytics decision to the bus before the
// response goes out, bounded by the publisher's configured timeout. A
// failed publish degrades the decision with EVENT_PUBLISH_FAILED; the
// caller still gets its upstream decision echoed back.
func (h *Handler) publishMonitoring(ctx context.Context, tx *transaction.Transaction, dec *decision.Decision) {
	if h.publisher == nil {
		return
	}
	envelope := *dec
	envelope.Transaction = tx
	if err := h.publisher.PublishAwait(ctx, tx.TransactionID, &envelope); err != nil {
		h.logger.Warn("monitoring decision publish failed",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("decision_id", dec.DecisionID),
			zap.Error(err))
		dec.Degrade(apperrors.CodeEventPublishFailed, "decision event publish failed")
	}
}

func (h *Handler) handleLoadRuleset(w http.ResponseWriter, r *http.Request) {
	var req LoadRulesetRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.registry.Register(req.Country, req.Ruleset); err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loaded": true})
}

func (h *Handler) handleBulkLoad(w http.ResponseWriter, r *http.Request) {
	var req BulkLoadRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	loaded := 0
	for _, entry := range req.Rulesets {
		if entry.Ruleset == nil {
			continue
		}
		if err := h.registry.Register(entry.Country, entry.Ruleset); err != nil {
			h.logger.Warn("bulk load entry rejected",
				zap.String("ruleset_key", entry.Ruleset.Key),
				zap.Error(err))
			continue
		}
		loaded++
	}
	writeJSON(w, http.StatusOK, BulkLoadResponse{Loaded: loaded})
}

func (h *Handler) handleHotSwap(w http.ResponseWriter, r *http.Request) {
	var req HotSwapRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var result registry.HotSwapResult
	if req.Ruleset != nil {
		result = h.registry.HotSwapWith(r.Context(), req.Country, req.RulesetKey, req.Version, registry.StaticLoader(req.Ruleset))
	} else {
		result = h.registry.HotSwap(r.Context(), req.Country, req.RulesetKey, req.Version)
	}

	status := http.StatusOK
	switch result.Status {
	case registry.SwapNotFound:
		status = http.StatusNotFound
	case registry.SwapStale:
		status = http.StatusConflict
	case registry.SwapLoadFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Rulesets: h.registry.Snapshot(),
	})
}

// decodeTransaction parses and validates the transaction envelope. Malformed
// bodies produce 400 before the evaluator runs.
func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request) (*transaction.Transaction, bool) {
	var tx transaction.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY", "request body is not a valid transaction")
		return nil, false
	}
	if err := tx.Validate(); err != nil {
		h.writeAppError(w, err)
		return nil, false
	}
	return &tx, true
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY", "request body is not valid JSON")
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, appErr.StatusCode, appErr.Code, appErr.Message)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
