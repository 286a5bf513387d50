/**
 * @description
 * This file contains the HTTP handlers for the reward-service's API endpoints. Handlers
 * parse requests, call the application service and map its sentinel errors to HTTP
 * status codes. No ledger rule is enforced here; the service and store own those.
 *
 * @dependencies
 * - internal/app, internal/domain: For service logic, models, and sentinel errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/bacon/reward-service/internal/app"
	"github.com/bacon/reward-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// RewardHandlers holds the application service that handlers will use.
type RewardHandlers struct {
	service *app.Service
}

// NewRewardHandlers creates a new instance of RewardHandlers.
func NewRewardHandlers(service *app.Service) *RewardHandlers {
	return &RewardHandlers{service: service}
}

type openAccountRequest struct {
	AccountID string `json:"account_id"`
}

type postEntryRequest struct {
	Kind      domain.TransactionKind `json:"kind"`
	Amount    int64                  `json:"amount"`
	SourceRef string                 `json:"source_ref"`
}

type confirmPayoutRequest struct {
	Success         bool   `json:"success"`
	PayoutReference string `json:"payout_reference"`
	Reason          string `json:"reason"`
}

type verificationRequest struct {
	Verified bool `json:"verified"`
}

type qualityScoreRequest struct {
	QualityScore *float64 `json:"quality_score"`
}

type reconcileResponse struct {
	Resolved  int `json:"resolved"`
	Remaining int `json:"remaining"`
}

type sweepResponse struct {
	Swept int `json:"swept"`
}

// GetBalanceHandler returns the caller's folded balance.
func (h *RewardHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	h.writeBalance(w, r, accountID)
}

// GetHistoryHandler returns the caller's ledger entries, newest first.
func (h *RewardHandlers) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	h.writeHistory(w, r, accountID)
}

// GetProgressionHandler returns the caller's degree progression.
func (h *RewardHandlers) GetProgressionHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	view, err := h.service.Progression(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_progression", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *RewardHandlers) ListPaymentMethodsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	methods, err := h.service.ListPaymentMethods(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "list_payment_methods", err)
		return
	}
	h.writeJSON(w, http.StatusOK, methods)
}

// AddPaymentMethodHandler registers a new, unverified payout destination for the caller.
func (h *RewardHandlers) AddPaymentMethodHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req domain.AddPaymentMethodRequest
	if !h.decode(w, r, &req) {
		return
	}
	method, err := h.service.AddPaymentMethod(r.Context(), accountID, req)
	if err != nil {
		h.writeServiceError(w, "add_payment_method", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, method)
}

func (h *RewardHandlers) SetDefaultPaymentMethodHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	methodID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.SetDefaultPaymentMethod(r.Context(), accountID, methodID); err != nil {
		h.writeServiceError(w, "set_default_payment_method", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QuoteFeeHandler prices a withdrawal: GET /rewards/fees/quote?amount=10000&payment_method_id=...
func (h *RewardHandlers) QuoteFeeHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive integer in cents")
		return
	}
	var methodID *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("payment_method_id")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid payment method ID")
			return
		}
		methodID = &parsed
	}
	quote, err := h.service.QuoteFee(r.Context(), accountID, amount, methodID)
	if err != nil {
		h.writeServiceError(w, "quote_fee", err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// RequestWithdrawalHandler reserves funds for a payout to one of the caller's payment methods.
func (h *RewardHandlers) RequestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req domain.WithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	withdrawal, err := h.service.RequestWithdrawal(r.Context(), accountID, req)
	if err != nil {
		h.writeServiceError(w, "request_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, withdrawal)
}

func (h *RewardHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	withdrawalID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	withdrawal, err := h.service.GetWithdrawal(r.Context(), accountID, withdrawalID)
	if err != nil {
		h.writeServiceError(w, "get_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

func (h *RewardHandlers) CancelWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	withdrawalID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	withdrawal, err := h.service.CancelWithdrawal(r.Context(), accountID, withdrawalID)
	if err != nil {
		h.writeServiceError(w, "cancel_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

// OpenAccountHandler creates a ledger account for a new user. Repeated calls are harmless.
func (h *RewardHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		h.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	account, err := h.service.OpenAccount(r.Context(), req.AccountID)
	if err != nil {
		h.writeServiceError(w, "open_account", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

func (h *RewardHandlers) InternalBalanceHandler(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, chi.URLParam(r, "accountId"))
}

func (h *RewardHandlers) InternalHistoryHandler(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, chi.URLParam(r, "accountId"))
}

// PostEntryHandler appends a manual ledger entry such as a penalty or an adjustment transfer.
// Withdrawals go through the withdrawal workflow and are rejected here.
func (h *RewardHandlers) PostEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req postEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Kind == domain.KindWithdrawal {
		h.writeError(w, http.StatusBadRequest, "withdrawals must be requested through the withdrawal endpoint")
		return
	}
	entry, err := h.service.Post(r.Context(), domain.PostRequest{
		AccountID: chi.URLParam(r, "accountId"),
		Kind:      req.Kind,
		Amount:    req.Amount,
		SourceRef: req.SourceRef,
		Status:    domain.StatusCompleted,
	})
	if err != nil {
		h.writeServiceError(w, "post_entry", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// DistributeSaleHandler runs the distribution engine for a completed sale.
// 201 means paid now, 200 a duplicate of an earlier payout, 202 queued for reconciliation.
func (h *RewardHandlers) DistributeSaleHandler(w http.ResponseWriter, r *http.Request) {
	var sale domain.Sale
	if !h.decode(w, r, &sale) {
		return
	}
	dist, err := h.service.Distribute(r.Context(), sale)
	switch {
	case errors.Is(err, domain.ErrDuplicateSaleEvent):
		h.writeJSON(w, http.StatusOK, dist)
	case err != nil:
		h.writeServiceError(w, "distribute_sale", err)
	case dist.Status == domain.DistributionReconciliationRequired:
		h.writeJSON(w, http.StatusAccepted, dist)
	default:
		h.writeJSON(w, http.StatusCreated, dist)
	}
}

func (h *RewardHandlers) ListReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	pending, err := h.service.PendingReconciliation(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "list_reconciliation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, pending)
}

func (h *RewardHandlers) ReconcileDistributionsHandler(w http.ResponseWriter, r *http.Request) {
	resolved, remaining, err := h.service.ReconcileDistributions(r.Context())
	if err != nil {
		h.writeServiceError(w, "reconcile_distributions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, reconcileResponse{Resolved: resolved, Remaining: remaining})
}

// ConfirmPayoutHandler applies the payout processor's final answer for a withdrawal.
func (h *RewardHandlers) ConfirmPayoutHandler(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req confirmPayoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	withdrawal, err := h.service.OnPayoutConfirmed(r.Context(), withdrawalID, req.Success, req.PayoutReference, req.Reason)
	if err != nil {
		h.writeServiceError(w, "confirm_payout", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

func (h *RewardHandlers) SweepWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	swept, err := h.service.SweepTimedOutWithdrawals(r.Context())
	if err != nil {
		h.writeServiceError(w, "sweep_withdrawals", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sweepResponse{Swept: swept})
}

func (h *RewardHandlers) SetVerificationHandler(w http.ResponseWriter, r *http.Request) {
	methodID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req verificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	method, err := h.service.SetPaymentMethodVerification(r.Context(), methodID, req.Verified)
	if err != nil {
		h.writeServiceError(w, "set_verification", err)
		return
	}
	h.writeJSON(w, http.StatusOK, method)
}

// SetQualityScoreHandler records an account's GPA and re-evaluates its tier.
func (h *RewardHandlers) SetQualityScoreHandler(w http.ResponseWriter, r *http.Request) {
	var req qualityScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.QualityScore == nil {
		h.writeError(w, http.StatusBadRequest, "quality_score is required")
		return
	}
	view, err := h.service.SetQualityScore(r.Context(), chi.URLParam(r, "accountId"), *req.QualityScore)
	if err != nil {
		h.writeServiceError(w, "set_quality_score", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *RewardHandlers) writeBalance(w http.ResponseWriter, r *http.Request, accountID string) {
	balance, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

func (h *RewardHandlers) writeHistory(w http.ResponseWriter, r *http.Request, accountID string) {
	query := r.URL.Query()
	limit, err := optionalInt(query.Get("limit"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := optionalInt(query.Get("offset"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	entries, err := h.service.History(r.Context(), accountID, domain.HistoryOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, "get_history", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *RewardHandlers) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok || accountID == "" {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return "", false
	}
	return accountID, true
}

func (h *RewardHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

func (h *RewardHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP responses.
func (h *RewardHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var limited *app.RateLimitedError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many withdrawal requests. Please try again later.")
	case errors.Is(err, domain.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrWithdrawalNotFound),
		errors.Is(err, domain.ErrPaymentMethodNotFound),
		errors.Is(err, domain.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrDuplicateSaleEvent):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPaymentMethodUnverified), errors.Is(err, domain.ErrInvalidSale):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrBelowMinimum),
		errors.Is(err, domain.ErrInvalidFeeSchedule),
		errors.Is(err, domain.ErrInvalidQualityScore):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *RewardHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *RewardHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func optionalInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
