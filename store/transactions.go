package store

import (
	"context"
	"time"

	"github.com/plexfin/fincore/money"
)

// CreateTransaction appends a ledger row.
func (s *Store) CreateTransaction(ctx context.Context, t *Transaction) error {
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO transactions (user_id, type, amount, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`,
		t.UserID, t.Type, t.Amount, t.Status, t.TxHash)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return mapErr(err)
	}
	return nil
}

// UpdateTransactionStatus moves a ledger row to the given status, optionally
// attaching the on-chain hash.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, status TxStatus, txHash *string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE transactions SET status = $1, tx_hash = COALESCE($2, tx_hash) WHERE id = $3`,
		status, txHash, id)
	return mapErr(err)
}

// WithdrawnSince sums withdrawals across all users, pending included, created
// at or after the given time. The platform daily-limit gate uses midnight UTC.
func (s *Store) WithdrawnSince(ctx context.Context, since time.Time) (money.Amount, error) {
	var total money.Amount
	if err := s.q.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE type = $1 AND status IN ($2, $3) AND created_at >= $4`,
		TxWithdrawal, TxPending, TxConfirmed, since); err != nil {
		return money.Zero(), mapErr(err)
	}
	return total, nil
}

// TransactionsByUser lists a user's ledger rows newest first.
func (s *Store) TransactionsByUser(ctx context.Context, userID int64, limit int) ([]Transaction, error) {
	var out []Transaction
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM transactions WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, limit); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
