package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetBalance returns the wallet balance of userID. A user without a wallet has zero.
func (q *pgQueries) GetBalance(ctx context.Context, userID string) (int64, error) {
	const stmt = `SELECT balance FROM wallets WHERE user_id = $1 LIMIT 1;`
	var balance int64
	if err := q.db.QueryRow(ctx, stmt, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Withdraw debits amount when the balance covers it and records a ledger row.
func (q *pgQueries) Withdraw(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) (bool, error) {
	const debit = `
UPDATE wallets
SET balance = balance - $2,
    updated_at = $3
WHERE user_id = $1 AND balance >= $2;
`
	tag, err := q.db.Exec(ctx, debit, userID, amount, at)
	if err != nil {
		return false, fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const entry = `
INSERT INTO wallet_transactions (id, user_id, amount, description, created_at)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := q.db.Exec(ctx, entry, entryID, userID, -amount, description, at); err != nil {
		return false, fmt.Errorf("insert wallet transaction: %w", err)
	}
	return true, nil
}

// CreditWallet adds amount to the wallet of userID, creating it when missing.
func (q *pgQueries) CreditWallet(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) error {
	const credit = `
INSERT INTO wallets (user_id, balance, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET
    balance = wallets.balance + EXCLUDED.balance,
    updated_at = EXCLUDED.updated_at;
`
	if _, err := q.db.Exec(ctx, credit, userID, amount, at); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	const entry = `
INSERT INTO wallet_transactions (id, user_id, amount, description, created_at)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := q.db.Exec(ctx, entry, entryID, userID, amount, description, at); err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}
