/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the credit ledger via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the ledger.

ENDPOINTS:
  Types:
    GET    /api/types                                         Configured credit types

  Wallets (prefix /api/subjects/{subjectType}/{subjectID}):
    GET    /balances                   Balance in every credit type
    GET    /balances/{creditType}      Balance in one credit type
    GET    /entries?credit_type=       Audit trail
    GET    /spent?credit_type=&date=   Credits used on a calendar day
    GET    /usage/current?credit_type= Today's open usage entry
    POST   /credits/{creditType}/add           Grant credits
    POST   /credits/{creditType}/remove        Negative adjustment
    POST   /credits/{creditType}/spend         Consume credits
    POST   /credits/{creditType}/usage/expire  Close open usage entries

  Entries:
    POST   /api/entries                Create a raw entry
    GET    /api/entries/{id}           Entry details
    POST   /api/entries/{id}/expire    Expire now or at a given instant
    POST   /api/entries/{id}/prorate   Prorate a grant to an end date

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown credit type, misuse of grouped spending
  - 404: Entry not found
  - 409: Proration of a closed entry
  - 422: Insufficient balance
  - 500: Storage and cache failures

SECURITY NOTE:
  No authentication or authorization. Deploy behind the billing network boundary.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *credit.Ledger

	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new handler over the given ledger.
func NewHandler(ledger *credit.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
	}
}

// =============================================================================
// TYPES
// =============================================================================

// ListTypes returns the configured credit types.
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	types := h.Ledger.Types()
	writeJSON(w, http.StatusOK, TypesDTO{Default: types.Default(), Types: types.Names()})
}

// =============================================================================
// BALANCES
// =============================================================================

// GetBalances returns the subject's balance in every credit type.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	subject := subjectFrom(r)

	balances, err := h.Ledger.AllBalances(r.Context(), subject)
	if err != nil {
		h.fail(w, "failed to compute balances", err)
		return
	}

	resp := BalancesDTO{SubjectType: subject.Type, SubjectID: subject.ID, Balances: make([]BalanceDTO, len(balances))}
	for i, b := range balances {
		resp.Balances[i] = BalanceDTO{
			SubjectType: subject.Type,
			SubjectID:   subject.ID,
			CreditType:  b.CreditType,
			Balance:     b.Balance,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBalance returns the subject's balance in one credit type.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w, r, chi.URLParam(r, "creditType"))
	if !ok {
		return
	}

	balance, err := wallet.Balance(r.Context())
	if err != nil {
		h.fail(w, "failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, h.balanceDTO(wallet, balance))
}

// =============================================================================
// WALLET QUERIES
// =============================================================================

// ListEntries returns a wallet's audit trail in replay order.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w, r, r.URL.Query().Get("credit_type"))
	if !ok {
		return
	}

	entries, err := wallet.Entries(r.Context())
	if err != nil {
		h.fail(w, "failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetSpentOnDate returns the credits used on a calendar day. The date
// defaults to today in the ledger's zone.
func (h *Handler) GetSpentOnDate(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w, r, r.URL.Query().Get("credit_type"))
	if !ok {
		return
	}

	date := h.Ledger.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, h.Ledger.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", err)
			return
		}
		date = parsed
	}

	spent, err := wallet.SpentOnDate(r.Context(), date)
	if err != nil {
		h.fail(w, "failed to compute spent credits", err)
		return
	}
	writeJSON(w, http.StatusOK, SpentDTO{
		CreditType: wallet.CreditType(),
		Date:       date.In(h.Ledger.Location()).Format("2006-01-02"),
		Spent:      spent,
	})
}

// GetCurrentUsage returns today's open usage entry. Outside grouped mode, or
// before the first spend of the day, the entry is an unsaved placeholder.
func (h *Handler) GetCurrentUsage(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w, r, r.URL.Query().Get("credit_type"))
	if !ok {
		return
	}

	e, err := wallet.CurrentUsageEntry(r.Context())
	if err != nil {
		h.fail(w, "failed to load current usage", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*e))
}

// =============================================================================
// WALLET WRITES
// =============================================================================

func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	h.walletWrite(w, r, http.StatusCreated, (*credit.Wallet).Add)
}

func (h *Handler) RemoveCredits(w http.ResponseWriter, r *http.Request) {
	h.walletWrite(w, r, http.StatusCreated, (*credit.Wallet).Remove)
}

// SpendCredits returns 200 rather than 201 because grouped spending may
// update an existing entry.
func (h *Handler) SpendCredits(w http.ResponseWriter, r *http.Request) {
	h.walletWrite(w, r, http.StatusOK, (*credit.Wallet).Spend)
}

type walletOp func(*credit.Wallet, context.Context, int64, ...credit.EntryOption) (*credit.Entry, error)

func (h *Handler) walletWrite(w http.ResponseWriter, r *http.Request, status int, op walletOp) {
	wallet, ok := h.wallet(w, r, chi.URLParam(r, "creditType"))
	if !ok {
		return
	}

	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := op(wallet, r.Context(), req.Amount, req.Options()...)
	if err != nil {
		h.fail(w, "failed to write entry", err)
		return
	}

	balance, err := wallet.Balance(r.Context())
	if err != nil {
		h.fail(w, "entry written but balance unavailable", err)
		return
	}
	writeJSON(w, status, WriteResultDTO{Entry: toEntryDTO(*e), Balance: balance})
}

// ExpireUsage closes the wallet's open usage entries.
func (h *Handler) ExpireUsage(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.wallet(w, r, chi.URLParam(r, "creditType"))
	if !ok {
		return
	}

	n, err := wallet.ExpireCurrentUsageEntries(r.Context())
	if err != nil {
		h.fail(w, "failed to expire usage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// =============================================================================
// ENTRIES
// =============================================================================

// CreateEntry persists a raw entry. Grant producers (billing webhooks,
// renewals) call this with their subscription or cart item link.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.Ledger.Create(r.Context(), req.toNewEntry())
	if err != nil {
		h.fail(w, "failed to create entry", err)
		return
	}

	e, err := h.Ledger.Entry(r.Context(), id)
	if err != nil {
		h.fail(w, "entry created but could not be loaded", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*e))
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}

	e, err := h.Ledger.Entry(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to load entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*e))
}

// ExpireEntry closes an entry. An empty body expires it now.
func (h *Handler) ExpireEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}

	var req ExpireRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	at := h.Ledger.Now()
	if req.At != nil {
		at = *req.At
	}

	e, err := h.Ledger.Expire(r.Context(), id, at)
	if err != nil {
		h.fail(w, "failed to expire entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*e))
}

// ProrateEntry shrinks a grant to the share of its period elapsed by end.
func (h *Handler) ProrateEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}

	var req ProrateRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.Ledger.Proration().ProrateTo(r.Context(), id, req.End)
	if err != nil {
		h.fail(w, "failed to prorate entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*e))
}

// =============================================================================
// HELPERS
// =============================================================================

func subjectFrom(r *http.Request) credit.Subject {
	return credit.Subject{Type: chi.URLParam(r, "subjectType"), ID: chi.URLParam(r, "subjectID")}
}

func (h *Handler) wallet(w http.ResponseWriter, r *http.Request, creditType string) (*credit.Wallet, bool) {
	wallet, err := h.Ledger.For(subjectFrom(r), creditType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown credit type", err)
		return nil, false
	}
	return wallet, true
}

func (h *Handler) balanceDTO(wallet *credit.Wallet, balance int64) BalanceDTO {
	s := wallet.Subject()
	return BalanceDTO{SubjectType: s.Type, SubjectID: s.ID, CreditType: wallet.CreditType(), Balance: balance}
}

func entryID(w http.ResponseWriter, r *http.Request) (credit.EntryID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid entry id", fmt.Errorf("%q is not a positive integer", raw))
		return 0, false
	}
	return credit.EntryID(id), true
}

// decode reads and validates a JSON body into dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeJSON(w, r, dst, false)
}

// decodeOptional accepts an empty body, whether it is sent with a zero
// Content-Length or chunked, and leaves dst untouched.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeJSON(w, r, dst, true)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

// fail maps a ledger error to a status and writes it. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, credit.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrProrationOnClosedEntry), errors.Is(err, credit.ErrEntryClosed):
		return http.StatusConflict
	case errors.Is(err, credit.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case credit.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
