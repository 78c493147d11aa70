// Package wallet debits broadcast costs from user point balances.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidAmount is returned for negative debits.
var ErrInvalidAmount = errors.New("wallet: invalid amount")

// BalanceReader reads a user's balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
}

// Debiter performs a conditional debit. repo.Tx implements it, so a debit
// commits or rolls back with the surrounding transaction.
type Debiter interface {
	Withdraw(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) (bool, error)
}

// Service is the wallet collaborator of the broadcast orchestrator.
type Service struct {
	balances BalanceReader
	idGen    func() string
	now      func() time.Time
	logger   *slog.Logger
}

// NewService builds a wallet service.
func NewService(balances BalanceReader, logger *slog.Logger) *Service {
	return &Service{
		balances: balances,
		idGen:    uuid.NewString,
		now:      time.Now,
		logger:   logger.With("component", "wallet"),
	}
}

// Balance returns the current balance of userID.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.balances.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	return balance, nil
}

// Withdraw debits amount through tx and reports whether the balance covered
// it. A zero amount is a successful no-op.
func (s *Service) Withdraw(ctx context.Context, tx Debiter, userID string, amount int64, description string) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	if amount == 0 {
		return true, nil
	}
	ok, err := tx.Withdraw(ctx, userID, amount, description, s.idGen(), s.now())
	if err != nil {
		return false, fmt.Errorf("wallet withdraw: %w", err)
	}
	if !ok {
		s.logger.Info("withdraw declined", "user_id", userID, "amount", amount)
	}
	return ok, nil
}
