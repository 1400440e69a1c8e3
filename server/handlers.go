package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"stealthpay/engine"
	"stealthpay/storage"
)

type sessionPayload struct {
	PaymentID         string `json:"payment_id"`
	MerchantID        string `json:"merchant_id"`
	DeviceID          string `json:"device_id,omitempty"`
	Nonce             uint64 `json:"nonce"`
	StealthAddress    string `json:"stealth_address"`
	SettlementAddress string `json:"settlement_address"`
	TokenAddress      string `json:"token_address"`
	TokenAmount       string `json:"token_amount"`
	ChainID           uint64 `json:"chain_id"`
	Status            string `json:"status"`
	ExpiresAt         string `json:"expires_at"`
	TxHash            string `json:"tx_hash,omitempty"`
	FromAddress       string `json:"from_address,omitempty"`
	ActualAmount      string `json:"actual_amount,omitempty"`
	CreatedAt         string `json:"created_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

func sessionToPayload(sess engine.Session) sessionPayload {
	out := sessionPayload{
		PaymentID:         sess.PaymentID,
		MerchantID:        sess.MerchantID,
		DeviceID:          sess.DeviceID,
		Nonce:             sess.Nonce,
		StealthAddress:    sess.StealthAddress,
		SettlementAddress: sess.SettlementAddress,
		TokenAddress:      sess.TokenAddress,
		TokenAmount:       sess.TokenAmount,
		ChainID:           sess.ChainID,
		Status:            string(sess.Status),
		ExpiresAt:         sess.ExpiresAt.UTC().Format(time.RFC3339),
		TxHash:            sess.TxHash,
		FromAddress:       sess.FromAddress,
		ActualAmount:      sess.ActualAmount,
		CreatedAt:         sess.CreatedAt.UTC().Format(time.RFC3339),
	}
	if sess.CompletedAt != nil {
		out.CompletedAt = sess.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

type listenerPayload struct {
	ListenerID   string `json:"listener_id"`
	PaymentID    string `json:"payment_id"`
	Address      string `json:"address"`
	TokenAddress string `json:"token_address"`
	ChainID      uint64 `json:"chain_id"`
	StartedAt    string `json:"started_at"`
	TimeoutAt    string `json:"timeout_at"`
}

func handleToPayload(h engine.ListenerHandle) listenerPayload {
	return listenerPayload{
		ListenerID:   h.ListenerID,
		PaymentID:    h.PaymentID,
		Address:      h.Address,
		TokenAddress: h.TokenAddress,
		ChainID:      h.ChainID,
		StartedAt:    h.StartedAt.UTC().Format(time.RFC3339),
		TimeoutAt:    h.TimeoutAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine failures to HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrMerchantNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrTokenNotAllowed):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrAmountInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrAllocationUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRegisterMerchant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ViewingKey  string   `json:"viewing_key"`
		SpendingPub string   `json:"spending_pub"`
		ChainID     uint64   `json:"chain_id"`
		Tokens      []string `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	viewing, err := hexutil.Decode(strings.TrimSpace(payload.ViewingKey))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "viewing_key must be 0x-prefixed hex")
		return
	}
	spending, err := hexutil.Decode(strings.TrimSpace(payload.SpendingPub))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "spending_pub must be 0x-prefixed hex")
		return
	}
	handle, err := s.registry.RegisterMerchant(r.Context(), viewing, spending, payload.ChainID, payload.Tokens)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"merchant_id": handle.String()})
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MerchantID   string `json:"merchant_id"`
		TokenAddress string `json:"token_address"`
		TokenAmount  string `json:"token_amount"`
		DeviceID     string `json:"device_id"`
		Timeout      string `json:"timeout"`
		Reuse        bool   `json:"reuse"`
		Listen       bool   `json:"listen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(payload.MerchantID) == "" || strings.TrimSpace(payload.TokenAddress) == "" {
		s.writeError(w, http.StatusBadRequest, "merchant_id and token_address required")
		return
	}
	timeout := s.cfg.DefaultTimeout
	if raw := strings.TrimSpace(payload.Timeout); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", raw))
			return
		}
		if parsed > s.cfg.MaxTimeout {
			parsed = s.cfg.MaxTimeout
		}
		timeout = parsed
	}
	sess, err := s.registry.Issue(r.Context(), engine.IssueParams{
		MerchantID:   payload.MerchantID,
		TokenAddress: payload.TokenAddress,
		TokenAmount:  payload.TokenAmount,
		DeviceID:     payload.DeviceID,
		Timeout:      timeout,
		ReuseSession: payload.Reuse,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if payload.Listen {
		if _, err := s.registry.StartListening(r.Context(), sess.PaymentID); err != nil {
			s.writeEngineError(w, err)
			return
		}
		sess, err = s.registry.GetByPaymentID(r.Context(), sess.PaymentID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, sessionToPayload(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.GetByPaymentID(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionToPayload(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	merchantID := strings.TrimSpace(r.URL.Query().Get("merchant_id"))
	if merchantID == "" {
		s.writeError(w, http.StatusBadRequest, "merchant_id query parameter required")
		return
	}
	sessions, err := s.registry.ListActiveByMerchant(r.Context(), merchantID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payloads := make([]sessionPayload, 0, len(sessions))
	for _, sess := range sessions {
		payloads = append(payloads, sessionToPayload(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": payloads})
}

func (s *Server) handleStartListening(w http.ResponseWriter, r *http.Request) {
	handle, err := s.registry.StartListening(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, handleToPayload(handle))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if err := s.registry.Cancel(r.Context(), paymentID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	sess, err := s.registry.GetByPaymentID(r.Context(), paymentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionToPayload(sess))
}

func (s *Server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	handles, err := s.registry.ListActiveListeners(r.Context(), strings.TrimSpace(r.URL.Query().Get("merchant_id")))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payloads := make([]listenerPayload, 0, len(handles))
	for _, handle := range handles {
		payloads = append(payloads, handleToPayload(handle))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"listeners": payloads})
}

func (s *Server) handleMerchantStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.FundingStats(r.Context(), chi.URLParam(r, "merchantID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsPayload(stats))
}

func statsPayload(stats storage.FundingStats) map[string]any {
	return map[string]any{
		"by_status": stats.ByStatus,
		"by_chain":  stats.ByChain,
	}
}
