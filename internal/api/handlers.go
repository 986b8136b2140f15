package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/money"
)

type userResponse struct {
	ID             int64  `json:"id"`
	PlatformID     int64  `json:"platform_id"`
	Handle         string `json:"handle"`
	DepositAddress string `json:"deposit_address,omitempty"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:             u.ID,
		PlatformID:     u.PlatformID,
		Handle:         u.Handle,
		DepositAddress: u.DepositAddress,
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil
}

// handleEnsureUser creates or refreshes an account.
func (s *Server) handleEnsureUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlatformID int64  `json:"platform_id"`
		Handle     string `json:"handle"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.PlatformID <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "platform_id must be positive")
		return
	}

	user, err := s.walletSvc.EnsureUser(r.Context(), req.PlatformID, req.Handle)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid user id")
		return
	}

	user, err := s.walletSvc.GetUser(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleGetUserByHandle(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]

	user, err := s.walletSvc.FindUserByHandle(r.Context(), handle)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid user id")
		return
	}

	balance, err := s.walletSvc.GetBalance(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":       id,
		"balance":       balance,
		"balance_coins": money.FormatLites(balance),
	})
}

func (s *Server) handleVerifyBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid user id")
		return
	}

	hybrid, full, err := s.walletSvc.VerifyBalance(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    id,
		"balance":    hybrid,
		"ledger_sum": full,
		"consistent": hybrid == full,
	})
}

func (s *Server) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid user id")
		return
	}

	address, err := s.walletSvc.GetOrAssignDepositAddress(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": id,
		"address": address,
	})
}

// handleCreateTransfer moves balance between two users. kind selects
// the posting reason pair and defaults to a tip.
func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromUserID int64  `json:"from_user_id"`
		ToUserID   int64  `json:"to_user_id"`
		Amount     int64  `json:"amount"`
		Kind       string `json:"kind,omitempty"`
		Reference  string `json:"reference,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body")
		return
	}

	var outReason models.Reason
	switch req.Kind {
	case "", "tip":
		outReason = models.ReasonTipOut
	case "rain":
		outReason = models.ReasonRainOut
	case "airdrop":
		outReason = models.ReasonAirdropOut
	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "kind must be tip, rain or airdrop")
		return
	}

	receipt, err := s.transferSvc.Transfer(r.Context(), req.FromUserID, req.ToUserID, req.Amount, outReason, req.Reference)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"reference":       receipt.Reference,
		"debit_entry_id":  receipt.DebitEntryID,
		"credit_entry_id": receipt.CreditEntryID,
		"from_balance":    receipt.FromBalance,
		"to_balance":      receipt.ToBalance,
		"replayed":        receipt.Replayed,
	})
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  int64  `json:"user_id"`
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body")
		return
	}

	withdrawal, err := s.withdrawSvc.Withdraw(r.Context(), req.UserID, req.Address, req.Amount)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toWithdrawalResponse(withdrawal))
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid withdrawal id")
		return
	}

	withdrawal, err := s.withdrawSvc.GetWithdrawal(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

func toWithdrawalResponse(wd *models.Withdrawal) map[string]any {
	return map[string]any{
		"id":           wd.ID,
		"user_id":      wd.UserID,
		"address":      wd.Address,
		"amount":       wd.Amount,
		"amount_coins": money.FormatLites(wd.Amount),
		"txid":         wd.TxID,
		"status":       string(wd.Status),
	}
}
