package store

import (
	"context"
	"time"

	"github.com/plexfin/fincore/money"
)

// CreateDeposit inserts a deposit row and fills its id.
func (s *Store) CreateDeposit(ctx context.Context, d *Deposit) error {
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO deposits (user_id, level, amount, deposit_type, status, tx_hash, wallet_address,
			roi_cap_amount, plex_daily_required, deposit_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING id, created_at`,
		d.UserID, d.Level, d.Amount, d.DepositType, d.Status, d.TxHash, d.WalletAddress,
		d.ROICapAmount, d.PlexDailyRequired, d.DepositVersionID)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return mapErr(err)
	}
	return nil
}

// GetDeposit fetches a deposit by id.
func (s *Store) GetDeposit(ctx context.Context, id int64) (*Deposit, error) {
	var d Deposit
	if err := s.q.GetContext(ctx, &d, `SELECT * FROM deposits WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// GetDepositForUpdate fetches a deposit under a row lock so ROI accruals and
// status transitions for one deposit serialize.
func (s *Store) GetDepositForUpdate(ctx context.Context, id int64) (*Deposit, error) {
	var d Deposit
	if err := s.q.GetContext(ctx, &d, `SELECT * FROM deposits WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// UpdateDepositStatus moves a deposit to the given status.
func (s *Store) UpdateDepositStatus(ctx context.Context, id int64, status DepositStatus) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE deposits SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	return mapErr(err)
}

// ConfirmDeposit records confirmation details in one statement.
func (s *Store) ConfirmDeposit(ctx context.Context, id int64, blockNumber uint64, confirmedAt, nextAccrualAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE deposits
		SET status = $1, block_number = $2, confirmed_at = $3, next_accrual_at = $4, updated_at = NOW()
		WHERE id = $5`,
		DepositConfirmed, blockNumber, confirmedAt, nextAccrualAt, id)
	return mapErr(err)
}

// SetDepositTxHash attaches the matched on-chain transfer to a deposit. The
// unique constraint on tx_hash surfaces duplicates as ErrConflict.
func (s *Store) SetDepositTxHash(ctx context.Context, id int64, txHash string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE deposits SET tx_hash = $1, updated_at = NOW() WHERE id = $2`, txHash, id)
	return mapErr(err)
}

// UpdateDepositROI advances the paid ROI and completion state.
func (s *Store) UpdateDepositROI(ctx context.Context, id int64, paid money.Amount, completed bool, completedAt, nextAccrualAt *time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE deposits
		SET roi_paid_amount = $1, is_roi_completed = $2, completed_at = $3, next_accrual_at = $4, updated_at = NOW()
		WHERE id = $5`,
		paid, completed, completedAt, nextAccrualAt, id)
	return mapErr(err)
}

// PendingDeposits returns pending deposits, optionally only those with or
// without a tx hash.
func (s *Store) PendingDeposits(ctx context.Context, withTxHash bool) ([]Deposit, error) {
	var out []Deposit
	query := `SELECT * FROM deposits WHERE status = $1 AND tx_hash IS NULL ORDER BY id`
	if withTxHash {
		query = `SELECT * FROM deposits WHERE status = $1 AND tx_hash IS NOT NULL ORDER BY id`
	}
	if err := s.q.SelectContext(ctx, &out, query, DepositPending); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// NetworkRecoveryDeposits returns deposits parked during chain maintenance.
func (s *Store) NetworkRecoveryDeposits(ctx context.Context) ([]Deposit, error) {
	var out []Deposit
	if err := s.q.SelectContext(ctx, &out,
		`SELECT * FROM deposits WHERE status = $1 ORDER BY id`, DepositNetworkRecovery); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// DepositsDueForAccrual returns confirmed, uncompleted deposits whose next
// accrual time has passed.
func (s *Store) DepositsDueForAccrual(ctx context.Context, now time.Time) ([]Deposit, error) {
	var out []Deposit
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM deposits
		WHERE status = $1 AND is_roi_completed = FALSE AND next_accrual_at IS NOT NULL AND next_accrual_at <= $2
		ORDER BY next_accrual_at`, DepositConfirmed, now); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// ConfirmedDepositsByUser returns a user's confirmed deposits.
func (s *Store) ConfirmedDepositsByUser(ctx context.Context, userID int64) ([]Deposit, error) {
	var out []Deposit
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM deposits WHERE user_id = $1 AND status = $2 ORDER BY id`, userID, DepositConfirmed); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// MarkDepositConsolidated finalizes the target row of a consolidation.
func (s *Store) MarkDepositConsolidated(ctx context.Context, id int64, amount, roiCap money.Amount, txHashes StringList, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE deposits
		SET amount = $1, roi_cap_amount = $2, is_consolidated = TRUE, consolidated_at = $3,
		    consolidated_tx_hashes = $4, updated_at = NOW()
		WHERE id = $5`,
		amount, roiCap, at, txHashes, id)
	return mapErr(err)
}
