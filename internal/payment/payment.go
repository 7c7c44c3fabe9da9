// Package payment defines the cost-unit provider used to prepay turns and
// an in-memory wallet implementing it.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

// FreeToken is returned for zero-amount reservations.
const FreeToken = "free-model"

const tokenPrefix = "fcu1:"

var (
	ErrInsufficientBalance = errors.New("payment: insufficient balance")
	ErrInvalidAmount       = errors.New("payment: invalid amount")
	ErrInvalidToken        = errors.New("payment: invalid or spent token")
)

// InsufficientBalanceError carries the shortfall.
type InsufficientBalanceError struct {
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("payment: insufficient balance: available %d, required %d", e.Available, e.Required)
}

// Unwrap lets errors.Is match ErrInsufficientBalance.
func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Provider reserves prepayments and redeems refunded change.
type Provider interface {
	// Reserve withdraws amount and returns a bearer token for it. An amount
	// of 0 always succeeds with FreeToken.
	Reserve(ctx context.Context, amount int64) (string, error)
	// Redeem credits a change token and returns its amount.
	Redeem(ctx context.Context, token string) (int64, error)
}

// Wallet is an in-memory cost-unit purse. Tokens it issues can be settled
// by a completion backend, which returns change as a new token.
type Wallet struct {
	mu          sync.Mutex
	balance     int64
	outstanding map[string]int64
	logger      *logger.Logger
}

// NewWallet creates a wallet holding balance units.
func NewWallet(balance int64, log *logger.Logger) *Wallet {
	return &Wallet{
		balance:     balance,
		outstanding: make(map[string]int64),
		logger:      logger.OrNop(log),
	}
}

// Balance returns the spendable amount.
func (w *Wallet) Balance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Reserve implements Provider.
func (w *Wallet) Reserve(ctx context.Context, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount < 0 {
		metrics.PaymentReservations.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		metrics.PaymentReservations.WithLabelValues("free").Inc()
		return FreeToken, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.balance < amount {
		metrics.PaymentReservations.WithLabelValues("insufficient").Inc()
		return "", &InsufficientBalanceError{Available: w.balance, Required: amount}
	}
	w.balance -= amount
	token := w.issueLocked(amount)
	metrics.PaymentReservations.WithLabelValues("ok").Inc()
	w.logger.Debug("reserved", zap.Int64("amount", amount), zap.Int64("balance", w.balance))
	return token, nil
}

// Redeem implements Provider.
func (w *Wallet) Redeem(ctx context.Context, token string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	amount, err := w.takeLocked(token)
	if err != nil {
		return 0, err
	}
	w.balance += amount
	return amount, nil
}

// Settle spends a reserved token against cost and returns a change token for
// the remainder ("" when nothing is left). The free token settles to no
// change.
func (w *Wallet) Settle(ctx context.Context, token string, cost int64) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if token == FreeToken {
		return "", 0, nil
	}
	if cost < 0 {
		return "", 0, fmt.Errorf("%w: %d", ErrInvalidAmount, cost)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	amount, err := w.takeLocked(token)
	if err != nil {
		return "", 0, err
	}
	change := amount - cost
	if change <= 0 {
		return "", 0, nil
	}
	return w.issueLocked(change), change, nil
}

func (w *Wallet) issueLocked(amount int64) string {
	token := tokenPrefix + uuid.NewString()
	w.outstanding[token] = amount
	return token
}

func (w *Wallet) takeLocked(token string) (int64, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return 0, ErrInvalidToken
	}
	amount, ok := w.outstanding[token]
	if !ok {
		return 0, ErrInvalidToken
	}
	delete(w.outstanding, token)
	return amount, nil
}
