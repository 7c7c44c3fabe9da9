package service

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyInput     = errors.New("input is empty")
	ErrInputTooLong   = errors.New("input exceeds the model's input limit")
	ErrSessionClosed  = errors.New("session is closed")
	ErrNotReady       = errors.New("session is not ready")
	ErrNoChat         = errors.New("chat has no container yet")
	ErrUnknownBranch  = errors.New("unknown branch")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFound       = errors.New("chat not found")
)

// PaymentReservationError means the prepayment for a user turn could not be
// reserved. The optimistic message has been rolled back.
type PaymentReservationError struct {
	Amount int64
	Err    error
}

func (e *PaymentReservationError) Error() string {
	return fmt.Sprintf("reserve %d units: %v", e.Amount, e.Err)
}

func (e *PaymentReservationError) Unwrap() error { return e.Err }

// SubscriptionSetupError means the live feed of an existing chat could not
// be established. The session stays not ready; Subscribe may be retried.
type SubscriptionSetupError struct {
	ChatID string
	Err    error
}

func (e *SubscriptionSetupError) Error() string {
	return fmt.Sprintf("subscribe to chat %s: %v", e.ChatID, e.Err)
}

func (e *SubscriptionSetupError) Unwrap() error { return e.Err }
