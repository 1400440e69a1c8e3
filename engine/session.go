package engine

import (
	"errors"
	"time"

	"stealthpay/storage"
)

// Status enumerates the payment session lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusListening Status = "listening"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo encodes the allowed state machine edges. Completion and
// expiry are reachable from pending as well as listening: a session whose
// deadline passes before any listener attaches still expires, and a funding
// event observed during attach must not be lost.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusListening || next == StatusCancelled || next == StatusExpired || next == StatusCompleted
	case StatusListening:
		return next == StatusCompleted || next == StatusExpired || next == StatusCancelled
	}
	return false
}

var (
	// ErrSessionNotFound is returned for unknown payment ids.
	ErrSessionNotFound = errors.New("engine: session not found")

	// ErrInvalidTransition is returned when a requested transition is not
	// permitted from the current state. Cancellation swallows it to stay
	// idempotent; other callers surface it.
	ErrInvalidTransition = errors.New("engine: invalid session transition")

	// ErrAllocationUnavailable is returned when the durable nonce counter
	// cannot be advanced. Issuance fails outright; there is no in-memory
	// fallback because a reused nonce would link two payments.
	ErrAllocationUnavailable = errors.New("engine: nonce allocation unavailable")

	// ErrMerchantNotFound is returned when the merchant is not registered.
	ErrMerchantNotFound = errors.New("engine: merchant not found")

	// ErrTokenNotAllowed is returned when the requested token is outside the
	// merchant's whitelist.
	ErrTokenNotAllowed = errors.New("engine: token not in merchant whitelist")

	// ErrAmountInvalid is returned for amounts that do not parse as a
	// base-unit decimal string.
	ErrAmountInvalid = errors.New("engine: invalid token amount")
)

// Session is the caller-facing snapshot of a payment session.
type Session struct {
	PaymentID         string
	MerchantID        string
	DeviceID          string
	Nonce             uint64
	StealthAddress    string
	SettlementAddress string
	TokenAddress      string
	TokenAmount       string
	ChainID           uint64
	Status            Status
	ExpiresAt         time.Time
	TxHash            string
	FromAddress       string
	ActualAmount      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

func sessionFromRecord(rec storage.SessionRecord) Session {
	return Session{
		PaymentID:         rec.PaymentID,
		MerchantID:        rec.MerchantID,
		DeviceID:          rec.DeviceID,
		Nonce:             rec.Nonce,
		StealthAddress:    rec.StealthAddress,
		SettlementAddress: rec.SettlementAddress,
		TokenAddress:      rec.TokenAddress,
		TokenAmount:       rec.TokenAmount,
		ChainID:           rec.ChainID,
		Status:            Status(rec.Status),
		ExpiresAt:         rec.ExpiresAt,
		TxHash:            rec.TxHash,
		FromAddress:       rec.FromAddress,
		ActualAmount:      rec.ActualAmount,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		CompletedAt:       rec.CompletedAt,
	}
}

// ListenerHandle describes an active chain watcher attachment.
type ListenerHandle struct {
	ListenerID   string
	PaymentID    string
	Address      string
	TokenAddress string
	ChainID      uint64
	StartedAt    time.Time
	TimeoutAt    time.Time
}

func handleFromRecord(rec storage.ListenerRecord) ListenerHandle {
	return ListenerHandle{
		ListenerID:   rec.ListenerID,
		PaymentID:    rec.PaymentID,
		Address:      rec.Address,
		TokenAddress: rec.TokenAddress,
		ChainID:      rec.ChainID,
		StartedAt:    rec.StartedAt,
		TimeoutAt:    rec.TimeoutAt,
	}
}
