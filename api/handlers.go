/*
handlers.go - HTTP API handlers for the $EXTROPY accounting core

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the coordinator, settler, and query
  service.

ENDPOINTS:
  Transactions:
    POST   /api/awards                 Credit an account
    POST   /api/transfers              Move tokens between accounts
    POST   /api/reversals              Reverse a committed group

  Settlement:
    POST   /api/publishes              Settle a publish reward
    POST   /api/attributions           Settle a citation/remix/reply reward

  Accounts:
    GET    /api/accounts/{id}/balance  Current balance
    GET    /api/accounts/{id}/history  Newest-first ledger page

ERROR HANDLING:
  Every ledger error carries a stable code; httpStatus maps it:
  - 400: invalid_amount, self_transfer, malformed input
  - 404: not_found
  - 409: already_reversed, duplicate_operation
  - 422: insufficient_funds (well-formed request, uncommittable state)
  - 503: storage_unavailable
  - 500: anything outside the taxonomy

SECURITY NOTE:
  No authentication middleware. The service runs inside the platform
  perimeter; upstream gateways own authn/z.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/extropy/ledger/attribution"
	"github.com/extropy/ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *ledger.Coordinator
	Settler     *attribution.Settler
	Query       *ledger.QueryService
	Log         *logrus.Logger
}

func NewHandler(coordinator *ledger.Coordinator, settler *attribution.Settler, query *ledger.QueryService, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Coordinator: coordinator,
		Settler:     settler,
		Query:       query,
		Log:         log,
	}
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// CreateAward credits an account.
// POST /api/awards
func (h *Handler) CreateAward(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required", nil)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	result, err := h.Coordinator.Award(r.Context(),
		ledger.AccountID(req.AccountID), amount, req.Reason, req.Metadata, req.OperationID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransactionDTO{
		GroupID: string(result.Group),
		Balances: map[string]string{
			req.AccountID: result.Balance.StringFixed(ledger.Scale),
		},
	})
}

// CreateTransfer moves tokens between two accounts.
// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "from_account_id and to_account_id are required", nil)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	result, err := h.Coordinator.Transfer(r.Context(),
		ledger.AccountID(req.FromAccountID), ledger.AccountID(req.ToAccountID),
		amount, req.Reason, req.OperationID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransactionDTO{
		GroupID: string(result.Group),
		Balances: map[string]string{
			req.FromAccountID: result.FromBalance.StringFixed(ledger.Scale),
			req.ToAccountID:   result.ToBalance.StringFixed(ledger.Scale),
		},
	})
}

// CreateReversal undoes a committed transaction group.
// POST /api/reversals
func (h *Handler) CreateReversal(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if req.GroupID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "group_id is required", nil)
		return
	}

	result, err := h.Coordinator.Reverse(r.Context(), ledger.GroupID(req.GroupID), req.Reason)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransactionDTO{
		GroupID:  string(result.Group),
		Balances: toBalanceMap(result.Balances),
	})
}

// =============================================================================
// SETTLEMENT ENDPOINTS
// =============================================================================

// SettlePublish settles the publish reward for a new card. Safe to call on
// every delivery of the publish event.
// POST /api/publishes
func (h *Handler) SettlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if req.CardID == "" || req.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "card_id and author_id are required", nil)
		return
	}

	settlement, err := h.Settler.SettlePublish(r.Context(), req.CardID, ledger.AccountID(req.AuthorID))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementDTO(settlement))
}

// SettleAttribution settles the reward for one citation/remix/reply event.
// POST /api/attributions
func (h *Handler) SettleAttribution(w http.ResponseWriter, r *http.Request) {
	var req AttributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if req.TargetCard == "" || req.ActorID == "" || req.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "target_card, actor_id and author_id are required", nil)
		return
	}

	settlement, err := h.Settler.SettleAttribution(r.Context(), attribution.Attribution{
		Kind:       attribution.Kind(req.Kind),
		TargetCard: req.TargetCard,
		Actor:      ledger.AccountID(req.ActorID),
		Author:     ledger.AccountID(req.AuthorID),
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementDTO(settlement))
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// GetBalance returns an account's current balance. Unknown accounts read as
// zero, never 404: an account exists implicitly from the first credit.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	balance, err := h.Query.Balance(r.Context(), ledger.AccountID(accountID))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: accountID,
		Balance:   balance.StringFixed(ledger.Scale),
	})
}

// GetHistory returns one newest-first page of an account's ledger.
// GET /api/accounts/{id}/history?cursor=...&limit=...
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	cursor, err := ledger.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed cursor", err)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))

	entries, next, err := h.Query.History(r.Context(), ledger.AccountID(accountID), cursor, limit)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}

	writeJSON(w, http.StatusOK, HistoryDTO{
		AccountID:  accountID,
		Entries:    dtos,
		NextCursor: next.Encode(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, &ledger.InvalidAmountError{Cause: "amount is required"}
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ledger.InvalidAmountError{Cause: "not a decimal: " + raw}
	}
	return amount, nil
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		limit = limit*10 + int(c-'0')
		if limit > ledger.MaxHistoryLimit {
			return ledger.MaxHistoryLimit
		}
	}
	return limit
}

func toSettlementDTO(s attribution.Settlement) SettlementDTO {
	dto := SettlementDTO{
		Settled: s.Settled,
		Reason:  s.Reason,
		GroupID: string(s.Group),
	}
	if s.Settled {
		dto.Amount = s.Amount.StringFixed(ledger.Scale)
	}
	return dto
}

// httpStatus maps a stable ledger error code to an HTTP status.
func httpStatus(code string) int {
	switch code {
	case ledger.CodeInvalidAmount, ledger.CodeSelfTransfer:
		return http.StatusBadRequest
	case ledger.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeAlreadyReversed, ledger.CodeDuplicateOperation:
		return http.StatusConflict
	case ledger.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	code := ledger.Code(err)
	status := httpStatus(code)
	if status >= 500 {
		h.Log.WithError(err).Error("api: request failed")
	}
	writeJSON(w, status, ErrorResponse{Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Code: code, Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
