package api

import (
	"context"
	"encoding/json"
	"errors"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/processor"
	"fraud_engine/internal/repository"
	"fraud_engine/internal/service"
	"fraud_engine/pkg/validator"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

type DecisionEvaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Decision, error)
}

type APIHandler struct {
	engine         DecisionEvaluator
	rulesets       *service.RulesetService
	outbox         *service.OutboxDispatcher
	shedder        *LoadShedder
	validator      *validator.TransactionValidator
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewAPIHandler(
	engine DecisionEvaluator,
	rulesets *service.RulesetService,
	outbox *service.OutboxDispatcher,
	shedder *LoadShedder,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIHandler{
		engine:         engine,
		rulesets:       rulesets,
		outbox:         outbox,
		shedder:        shedder,
		validator:      validator.NewTransactionValidator(),
		logger:         logger,
		requestTimeout: 2 * time.Second,
	}
}

func (h *APIHandler) WithRequestTimeout(timeout time.Duration) *APIHandler {
	if timeout > 0 {
		h.requestTimeout = timeout
	}
	return h
}

type AuthRequest struct {
	TransactionID        string              `json:"transaction_id"`
	CardHash             string              `json:"card_hash"`
	Amount               decimal.NullDecimal `json:"amount"`
	Currency             string              `json:"currency"`
	CountryCode          string              `json:"country_code,omitempty"`
	MerchantCategoryCode string              `json:"merchant_category_code,omitempty"`
	TransactionType      string              `json:"transaction_type,omitempty"`
}

// Transaction normalizes the request. A missing amount maps to zero; callers
// that care check Amount.Valid first.
func (req AuthRequest) Transaction() *domain.Transaction {
	return domain.NewTransaction(
		strings.TrimSpace(req.TransactionID),
		strings.TrimSpace(req.CardHash),
		req.Amount.Decimal,
		strings.ToUpper(strings.TrimSpace(req.Currency)),
	).
		WithCountry(strings.ToUpper(strings.TrimSpace(req.CountryCode))).
		WithMerchantCategory(strings.TrimSpace(req.MerchantCategoryCode)).
		WithType(strings.TrimSpace(req.TransactionType))
}

type RulesetRequest struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Country string `json:"country,omitempty"`
}

type LoadRulesetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Key     string `json:"key"`
	Version int    `json:"version"`
	Country string `json:"country"`
}

type BulkLoadRequest struct {
	Rulesets []RulesetRequest `json:"rulesets"`
}

type BulkLoadResponse struct {
	Loaded    int `json:"loaded"`
	Requested int `json:"requested"`
}

type CountryRulesetsResponse struct {
	Country     string   `json:"country"`
	RulesetKeys []string `json:"ruleset_keys"`
}

type HealthResponse struct {
	Status            string `json:"status"`
	StorageAccessible bool   `json:"storage_accessible"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *APIHandler) EvaluateAuthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req AuthRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	if !req.Amount.Valid {
		h.sendError(w, "missing required field: amount", http.StatusBadRequest, "VALIDATION_ERROR")
		return
	}

	tx := req.Transaction()
	if err := h.validator.ValidateTransaction(tx); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest, "VALIDATION_ERROR")
		return
	}

	decision, err := h.engine.Evaluate(ctx, tx)
	if err != nil {
		code := "REPOSITORY_ERROR"
		if errors.Is(err, processor.ErrEvaluatorFault) {
			code = "EVALUATOR_FAULT"
		}
		h.logger.Error("AUTH evaluation failed",
			slog.String("error", err.Error()),
			slog.String("transaction_id", tx.TransactionID))
		h.sendError(w, "Evaluation failed", http.StatusInternalServerError, code)
		return
	}

	h.outbox.EnqueueAuth(tx, decision)
	h.sendJSON(w, decision, http.StatusOK)
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, HealthResponse{
		Status:            "UP",
		StorageAccessible: h.rulesets.StorageAccessible(),
	}, http.StatusOK)
}

func (h *APIHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{
		"name":   "fraud-engine",
		"status": "running",
	}, http.StatusOK)
}

func (h *APIHandler) RegistryStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.rulesets.Status(), http.StatusOK)
}

func (h *APIHandler) CountryRulesetsHandler(w http.ResponseWriter, r *http.Request) {
	country := r.PathValue("country")
	h.sendJSON(w, CountryRulesetsResponse{
		Country:     country,
		RulesetKeys: h.rulesets.CountryKeys(country),
	}, http.StatusOK)
}

func (h *APIHandler) LoadRulesetHandler(w http.ResponseWriter, r *http.Request) {
	var req RulesetRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	if msg := req.validate(); msg != "" {
		h.sendError(w, msg, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	rs, err := h.rulesets.Load(ctx, req.Country, req.Key, req.Version)
	if err != nil {
		h.logger.Warn("Ruleset load failed",
			slog.String("key", req.Key),
			slog.Int("version", req.Version),
			slog.String("error", err.Error()))
		switch {
		case errors.Is(err, repository.ErrNotFound):
			h.sendError(w, fmt.Sprintf("Ruleset %s v%d not found", req.Key, req.Version), http.StatusNotFound, "NOT_FOUND")
		case errors.Is(err, repository.ErrInvalidRuleset):
			h.sendError(w, err.Error(), http.StatusBadRequest, "LOAD_FAILED")
		default:
			h.sendError(w, "Failed to load ruleset", http.StatusInternalServerError, "LOAD_FAILED")
		}
		return
	}

	h.sendJSON(w, LoadRulesetResponse{
		Success: true,
		Message: "Ruleset loaded successfully",
		Key:     rs.Key,
		Version: rs.Version,
		Country: rs.Country,
	}, http.StatusOK)
}

func (h *APIHandler) HotSwapHandler(w http.ResponseWriter, r *http.Request) {
	var req RulesetRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	if msg := req.validate(); msg != "" {
		h.sendError(w, msg, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	result, err := h.rulesets.HotSwap(ctx, req.Country, req.Key, req.Version)
	if err != nil {
		h.logger.Error("Hot swap failed",
			slog.String("key", req.Key),
			slog.Int("version", req.Version),
			slog.String("error", err.Error()))
		if errors.Is(err, repository.ErrInvalidRuleset) {
			h.sendError(w, err.Error(), http.StatusBadRequest, "LOAD_FAILED")
			return
		}
		h.sendError(w, "Hot swap failed", http.StatusInternalServerError, "HOTSWAP_FAILED")
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}
	h.sendJSON(w, result, status)
}

func (h *APIHandler) BulkLoadHandler(w http.ResponseWriter, r *http.Request) {
	var req BulkLoadRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	if len(req.Rulesets) == 0 {
		h.sendError(w, "rulesets list is required", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	refs := make([]repository.RulesetRef, 0, len(req.Rulesets))
	for _, item := range req.Rulesets {
		refs = append(refs, repository.RulesetRef{Country: item.Country, Key: item.Key, Version: item.Version})
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	loaded := h.rulesets.BulkLoad(ctx, refs)
	h.sendJSON(w, BulkLoadResponse{Loaded: loaded, Requested: len(refs)}, http.StatusOK)
}

func (h *APIHandler) LoadSheddingStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.shedder.Stats(), http.StatusOK)
}

func (req RulesetRequest) validate() string {
	if strings.TrimSpace(req.Key) == "" {
		return "key is required"
	}
	if req.Version <= 0 {
		return "version must be positive"
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(body).Decode(dst)
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	sendJSON(w, data, statusCode, h.logger)
}

func sendJSON(w http.ResponseWriter, data interface{}, statusCode int, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	errorResponse := ErrorResponse{
		Error: message,
		Code:  code,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/evaluate/auth", h.shedder.Middleware(http.HandlerFunc(h.EvaluateAuthHandler)))
	mux.HandleFunc("GET /v1/evaluate/health", h.HealthCheckHandler)
	mux.HandleFunc("GET /v1/evaluate/load-shedding", h.LoadSheddingStatusHandler)
	mux.HandleFunc("GET /v1/evaluate/rulesets/registry/status", h.RegistryStatusHandler)
	mux.HandleFunc("GET /v1/evaluate/rulesets/registry/{country}", h.CountryRulesetsHandler)
	mux.HandleFunc("POST /v1/evaluate/rulesets/load", h.LoadRulesetHandler)
	mux.HandleFunc("POST /v1/evaluate/rulesets/hotswap", h.HotSwapHandler)
	mux.HandleFunc("POST /v1/evaluate/rulesets/bulk-load", h.BulkLoadHandler)
	mux.HandleFunc("GET /{$}", h.RootHandler)
}
