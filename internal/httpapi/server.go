// Package httpapi exposes the credit core to its collaborators (route
// handlers, cron workers, webhook handlers) as a thin JSON surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/salonbase/credits/pkg/credits"
	"github.com/salonbase/credits/pkg/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultListLedgerLimit = 50
	maxListLedgerLimit     = 200
)

// Server routes collaborator requests to the credit service.
type Server struct {
	logger      *zap.Logger
	service     *credits.Service
	meter       *credits.Meter
	adminSecret []byte
}

// NewServer constructs the HTTP surface.
func NewServer(logger *zap.Logger, service *credits.Service, meter *credits.Meter, adminSecret []byte) *Server {
	return &Server{
		logger:      logger,
		service:     service,
		meter:       meter,
		adminSecret: adminSecret,
	}
}

// Routes assembles the router.
func (server *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(server.requestLogger)

	router.Route("/v1", func(router chi.Router) {
		router.Post("/accounts", server.handleGetOrCreateAccount)
		router.Get("/accounts/{accountID}/affordability", server.handleAffordability)
		router.Get("/accounts/{accountID}/ledger", server.handleListLedger)
		router.Post("/mutations", server.handleMutate)
		router.Post("/usage", server.handleChargeUsage)
		router.Post("/commissions", server.handleCreateCommission)
		router.Post("/commissions/{commissionID}/approve", server.handleApproveCommission)
		router.Post("/commissions/{commissionID}/reject", server.handleRejectCommission)
		router.Post("/commissions/{commissionID}/payout", server.handlePayoutCommission)

		router.Route("/admin", func(router chi.Router) {
			router.Use(server.requireAdmin)
			router.Post("/accounts/{accountID}/adjustments", server.handleAdminAdjust)
			router.Put("/accounts/{accountID}/unlimited", server.handleSetUnlimited)
		})
	})
	return router
}

type accountRequest struct {
	UserID string `json:"user_id"`
}

type accountResponse struct {
	AccountID              string `json:"account_id"`
	UserID                 string `json:"user_id"`
	BalanceCents           int64  `json:"balance_cents"`
	IsUnlimited            bool   `json:"is_unlimited"`
	LifetimePurchasedCents int64  `json:"lifetime_purchased_cents"`
	LifetimeSpentCents     int64  `json:"lifetime_spent_cents"`
	Status                 string `json:"status"`
}

func (server *Server) handleGetOrCreateAccount(writer http.ResponseWriter, request *http.Request) {
	var body accountRequest
	if !server.decode(writer, request, &body) {
		return
	}
	account, err := server.service.GetOrCreateAccount(request.Context(), body.UserID)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, toAccountResponse(account))
}

func (server *Server) handleAffordability(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	amountCents, err := strconv.ParseInt(request.URL.Query().Get("amount_cents"), 10, 64)
	if err != nil {
		server.writeError(writer, request, credits.ErrInvalidAmount)
		return
	}
	affordable, err := server.service.CanAfford(request.Context(), accountID, amountCents)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, map[string]bool{"affordable": affordable})
}

type mutationRequest struct {
	AccountID       string `json:"account_id"`
	AmountCents     int64  `json:"amount_cents"`
	Type            string `json:"type"`
	Description     string `json:"description"`
	Actor           string `json:"actor"`
	RelatedEntityID string `json:"related_entity_id"`
}

type mutationResponse struct {
	NewBalanceCents int64  `json:"new_balance_cents"`
	LedgerEntryID   string `json:"ledger_entry_id"`
}

func (server *Server) handleMutate(writer http.ResponseWriter, request *http.Request) {
	var body mutationRequest
	if !server.decode(writer, request, &body) {
		return
	}
	result, err := server.service.Mutate(
		request.Context(),
		body.AccountID,
		body.AmountCents,
		credits.EntryType(body.Type),
		body.Description,
		credits.Actor(body.Actor),
		body.RelatedEntityID,
	)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, mutationResponse{
		NewBalanceCents: result.NewBalanceCents,
		LedgerEntryID:   result.LedgerEntryID,
	})
}

type usageRequest struct {
	AccountID    string `json:"account_id"`
	Resource     string `json:"resource"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Runs         int64  `json:"runs"`
	CallID       string `json:"call_id"`
}

func (server *Server) handleChargeUsage(writer http.ResponseWriter, request *http.Request) {
	var body usageRequest
	if !server.decode(writer, request, &body) {
		return
	}
	usage := pricing.Usage{
		InputTokens:  body.InputTokens,
		OutputTokens: body.OutputTokens,
		Runs:         body.Runs,
	}
	result, err := server.meter.Charge(request.Context(), body.AccountID, body.Resource, usage, body.CallID)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, mutationResponse{
		NewBalanceCents: result.NewBalanceCents,
		LedgerEntryID:   result.LedgerEntryID,
	})
}

func (server *Server) handleListLedger(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	query := request.URL.Query()
	before := int64(0)
	if raw := query.Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			server.writeError(writer, request, credits.ErrInvalidAmount)
			return
		}
		before = parsed
	}
	limit := defaultListLedgerLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			server.writeError(writer, request, credits.ErrInvalidAmount)
			return
		}
		limit = parsed
	}
	if limit > maxListLedgerLimit {
		limit = maxListLedgerLimit
	}
	entries, err := server.service.ListLedger(request.Context(), accountID, before, limit)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, map[string]interface{}{"entries": toEntryResponses(entries)})
}

type commissionRequest struct {
	SourceEventID        string          `json:"source_event_id"`
	BeneficiaryAccountID string          `json:"beneficiary_account_id"`
	BaseAmountCents      int64           `json:"base_amount_cents"`
	Rate                 decimal.Decimal `json:"rate"`
}

type commissionResponse struct {
	CommissionID         string `json:"commission_id"`
	SourceEventID        string `json:"source_event_id"`
	BeneficiaryAccountID string `json:"beneficiary_account_id"`
	BaseAmountCents      int64  `json:"base_amount_cents"`
	Rate                 string `json:"rate"`
	CommissionCents      int64  `json:"commission_cents"`
	Status               string `json:"status"`
}

func (server *Server) handleCreateCommission(writer http.ResponseWriter, request *http.Request) {
	var body commissionRequest
	if !server.decode(writer, request, &body) {
		return
	}
	record, err := server.service.CreateCommission(
		request.Context(),
		body.SourceEventID,
		body.BeneficiaryAccountID,
		body.BaseAmountCents,
		body.Rate,
	)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, toCommissionResponse(record))
}

func (server *Server) handleApproveCommission(writer http.ResponseWriter, request *http.Request) {
	server.handleCommissionTransition(writer, request, server.service.ApproveCommission)
}

func (server *Server) handleRejectCommission(writer http.ResponseWriter, request *http.Request) {
	server.handleCommissionTransition(writer, request, server.service.RejectCommission)
}

func (server *Server) handlePayoutCommission(writer http.ResponseWriter, request *http.Request) {
	commissionID := chi.URLParam(request, "commissionID")
	err := server.service.PayoutCommission(request.Context(), commissionID)
	if errors.Is(err, credits.ErrCommissionAlreadySettled) {
		// Idempotency guard: a repeated payout is a successful no-op.
		server.writeJSON(writer, http.StatusOK, map[string]interface{}{"status": credits.CommissionPaid.String(), "already_settled": true})
		return
	}
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, map[string]interface{}{"status": credits.CommissionPaid.String(), "already_settled": false})
}

func (server *Server) handleCommissionTransition(writer http.ResponseWriter, request *http.Request, transition func(ctx context.Context, commissionID string) error) {
	commissionID := chi.URLParam(request, "commissionID")
	if err := transition(request.Context(), commissionID); err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, map[string]string{"commission_id": commissionID})
}

type adjustmentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
	Override    bool   `json:"override"`
}

func (server *Server) handleAdminAdjust(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	adminID := adminIDFromContext(request)
	var body adjustmentRequest
	if !server.decode(writer, request, &body) {
		return
	}
	result, err := server.service.AdminAdjust(request.Context(), accountID, body.AmountCents, body.Reason, adminID, body.Override)
	if err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, mutationResponse{
		NewBalanceCents: result.NewBalanceCents,
		LedgerEntryID:   result.LedgerEntryID,
	})
}

type unlimitedRequest struct {
	Unlimited bool `json:"unlimited"`
}

func (server *Server) handleSetUnlimited(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	adminID := adminIDFromContext(request)
	var body unlimitedRequest
	if !server.decode(writer, request, &body) {
		return
	}
	if err := server.service.SetUnlimited(request.Context(), accountID, body.Unlimited, adminID); err != nil {
		server.writeError(writer, request, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, map[string]bool{"unlimited": body.Unlimited})
}

func (server *Server) decode(writer http.ResponseWriter, request *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		server.writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "malformed_request_body"})
		return false
	}
	return true
}

func (server *Server) writeJSON(writer http.ResponseWriter, status int, payload interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		server.logger.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps domain errors onto HTTP statuses so callers can tell a
// paywall condition from a caller bug or a system failure.
func (server *Server) writeError(writer http.ResponseWriter, request *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, credits.ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, credits.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, credits.ErrUnknownCommission):
		status, code = http.StatusNotFound, "unknown_commission"
	case errors.Is(err, credits.ErrDuplicateMutation):
		status, code = http.StatusConflict, "duplicate_mutation"
	case errors.Is(err, credits.ErrCommissionNotApproved):
		status, code = http.StatusConflict, "commission_not_approved"
	case errors.Is(err, credits.ErrCommissionClosed):
		status, code = http.StatusConflict, "commission_closed"
	case errors.Is(err, credits.ErrAccountRestricted):
		status, code = http.StatusForbidden, "account_restricted"
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidEntryType),
		errors.Is(err, credits.ErrInvalidActor),
		errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidAccountID),
		errors.Is(err, credits.ErrInvalidReason),
		errors.Is(err, credits.ErrInvalidRate),
		errors.Is(err, credits.ErrInvalidSourceEventID),
		errors.Is(err, credits.ErrInvalidCommissionID),
		errors.Is(err, pricing.ErrUnknownResource):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("path", request.URL.Path), zap.Error(err))
	}
	server.writeJSON(writer, status, map[string]string{"error": code, "detail": err.Error()})
}

func toAccountResponse(account credits.Account) accountResponse {
	return accountResponse{
		AccountID:              account.AccountID,
		UserID:                 account.UserID,
		BalanceCents:           account.BalanceCents,
		IsUnlimited:            account.IsUnlimited,
		LifetimePurchasedCents: account.LifetimePurchasedCents,
		LifetimeSpentCents:     account.LifetimeSpentCents,
		Status:                 string(account.Status),
	}
}

type entryResponse struct {
	EntryID            string `json:"entry_id"`
	AccountID          string `json:"account_id"`
	Type               string `json:"type"`
	AmountCents        int64  `json:"amount_cents"`
	BalanceBeforeCents int64  `json:"balance_before_cents"`
	BalanceAfterCents  int64  `json:"balance_after_cents"`
	Description        string `json:"description"`
	Actor              string `json:"actor"`
	RelatedEntityID    string `json:"related_entity_id,omitempty"`
	CreatedUnixUTC     int64  `json:"created_unix_utc"`
}

func toEntryResponses(entries []credits.LedgerEntry) []entryResponse {
	responses := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, entryResponse{
			EntryID:            entry.EntryID,
			AccountID:          entry.AccountID,
			Type:               entry.Type.String(),
			AmountCents:        entry.AmountCents,
			BalanceBeforeCents: entry.BalanceBeforeCents,
			BalanceAfterCents:  entry.BalanceAfterCents,
			Description:        entry.Description,
			Actor:              entry.Actor.String(),
			RelatedEntityID:    entry.RelatedEntityID,
			CreatedUnixUTC:     entry.CreatedUnixUTC,
		})
	}
	return responses
}

func toCommissionResponse(record credits.CommissionRecord) commissionResponse {
	return commissionResponse{
		CommissionID:         record.CommissionID,
		SourceEventID:        record.SourceEventID,
		BeneficiaryAccountID: record.BeneficiaryAccountID,
		BaseAmountCents:      record.BaseAmountCents,
		Rate:                 record.Rate.String(),
		CommissionCents:      record.CommissionCents,
		Status:               record.Status.String(),
	}
}
