package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/money"
	"golang.org/x/crypto/bcrypt"
)

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.q.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// GetUserForUpdate fetches a user under a row lock. Must run inside RunInTx.
func (s *Store) GetUserForUpdate(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.q.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO users (external_id, username, wallet_address, fin_password_hash, referrer_id, referral_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id`,
		u.ExternalID, u.Username, u.WalletAddress, u.FinPasswordHash, u.ReferrerID, u.ReferralCode)
	if err := row.Scan(&u.ID); err != nil {
		return mapErr(err)
	}
	return nil
}

// CreditBalance adds amount to the user's balance and lifetime earnings.
func (s *Store) CreditBalance(ctx context.Context, userID int64, amount money.Amount, countEarned bool) error {
	if amount.IsNegative() {
		return errors.New("credit amount must not be negative")
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET balance = balance + $1,
		    total_earned = total_earned + CASE WHEN $3 THEN $1::numeric ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $2`, amount, userID, countEarned)
	return mapErr(err)
}

// DebitBalance subtracts amount from the user's balance, failing rather than
// letting the balance go negative.
func (s *Store) DebitBalance(ctx context.Context, userID int64, amount money.Amount) error {
	if amount.IsNegative() {
		return errors.New("debit amount must not be negative")
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1`, amount, userID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("insufficient balance")
	}
	return nil
}

// RecordDeposit updates the user's lifetime deposit tracking after a
// confirmed deposit.
func (s *Store) RecordDeposit(ctx context.Context, userID int64, amount money.Amount) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET total_deposited_usdt = total_deposited_usdt + $1,
		    deposit_tx_count = deposit_tx_count + 1,
		    updated_at = NOW()
		WHERE id = $2`, amount, userID)
	return mapErr(err)
}

// RecordWithdrawal adds to the user's lifetime withdrawn total.
func (s *Store) RecordWithdrawal(ctx context.Context, userID int64, amount money.Amount) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET total_withdrawn = total_withdrawn + $1, updated_at = NOW()
		WHERE id = $2`, amount, userID)
	return mapErr(err)
}

// ClearExpiredFinpassLocks lifts finpass lockouts whose hour has passed.
// Runs from the daily maintenance job.
func (s *Store) ClearExpiredFinpassLocks(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET finpass_attempts = 0, finpass_locked_until = NULL
		WHERE finpass_locked_until IS NOT NULL AND finpass_locked_until < NOW()`)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

// SetDepositsConsolidated flags a user whose deposits were merged.
func (s *Store) SetDepositsConsolidated(ctx context.Context, userID int64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users SET deposits_consolidated = TRUE, updated_at = NOW() WHERE id = $1`, userID)
	return mapErr(err)
}

// TouchPlexCheck stamps the last PLEX wallet check time.
func (s *Store) TouchPlexCheck(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE users SET last_plex_check_at = $1 WHERE id = $2`, at, userID)
	return mapErr(err)
}

// SetFinPassword hashes and stores the financial password.
func (s *Store) SetFinPassword(ctx context.Context, userID int64, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "could not hash password")
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE users
		SET fin_password_hash = $1, finpass_attempts = 0, updated_at = NOW()
		WHERE id = $2`, string(hash), userID)
	return mapErr(err)
}

// CheckFinPassword verifies the financial password and maintains the attempt
// counter. Too many failures lock the account for an hour.
func (s *Store) CheckFinPassword(ctx context.Context, userID int64, password string, maxAttempts int) (bool, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if u.FinpassLockedTill != nil && u.FinpassLockedTill.After(time.Now()) {
		return false, errors.New("finpass locked")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.FinPasswordHash), []byte(password)) == nil {
		_, err = s.q.ExecContext(ctx, `UPDATE users SET finpass_attempts = 0 WHERE id = $1`, userID)
		return true, mapErr(err)
	}
	attempts := u.FinpassAttempts + 1
	if attempts >= maxAttempts {
		lockUntil := time.Now().Add(time.Hour)
		_, err = s.q.ExecContext(ctx, `
			UPDATE users SET finpass_attempts = $1, finpass_locked_until = $2 WHERE id = $3`,
			attempts, lockUntil, userID)
	} else {
		_, err = s.q.ExecContext(ctx, `UPDATE users SET finpass_attempts = $1 WHERE id = $2`, attempts, userID)
	}
	return false, mapErr(err)
}
