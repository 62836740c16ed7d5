package store

import (
	"context"
	"time"

	"github.com/plexfin/fincore/money"
)

// CreatePlexRequirement inserts the 1:1 requirement row for a deposit. A
// duplicate deposit_id surfaces as ErrConflict, which confirmation treats as
// already-done.
func (s *Store) CreatePlexRequirement(ctx context.Context, r *PlexRequirement) error {
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO plex_requirements (deposit_id, user_id, daily_plex_required,
			next_payment_due, warning_due, block_due, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id`,
		r.DepositID, r.UserID, r.DailyPlexRequired,
		r.NextPaymentDue, r.WarningDue, r.BlockDue, r.Status)
	if err := row.Scan(&r.ID); err != nil {
		return mapErr(err)
	}
	return nil
}

// GetPlexRequirementByDeposit fetches the requirement of a deposit.
func (s *Store) GetPlexRequirementByDeposit(ctx context.Context, depositID int64) (*PlexRequirement, error) {
	var r PlexRequirement
	if err := s.q.GetContext(ctx, &r,
		`SELECT * FROM plex_requirements WHERE deposit_id = $1`, depositID); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

// GetPlexRequirementForUpdate locks and fetches a requirement row.
func (s *Store) GetPlexRequirementForUpdate(ctx context.Context, id int64) (*PlexRequirement, error) {
	var r PlexRequirement
	if err := s.q.GetContext(ctx, &r,
		`SELECT * FROM plex_requirements WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

// SavePlexRequirement writes back the mutable state of a requirement.
func (s *Store) SavePlexRequirement(ctx context.Context, r *PlexRequirement) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE plex_requirements
		SET next_payment_due = $1, warning_due = $2, block_due = $3, status = $4,
		    last_payment_at = $5, last_payment_tx_hash = $6, total_paid_plex = $7,
		    days_paid = $8, warning_sent_at = $9, warning_count = $10,
		    is_work_active = $11, first_payment_at = $12, updated_at = NOW()
		WHERE id = $13`,
		r.NextPaymentDue, r.WarningDue, r.BlockDue, r.Status,
		r.LastPaymentAt, r.LastPaymentTxHash, r.TotalPaidPlex,
		r.DaysPaid, r.WarningSentAt, r.WarningCount,
		r.IsWorkActive, r.FirstPaymentAt, r.ID)
	return mapErr(err)
}

// InactiveRequirements returns requirements still waiting for their first
// payment.
func (s *Store) InactiveRequirements(ctx context.Context) ([]PlexRequirement, error) {
	var out []PlexRequirement
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM plex_requirements
		WHERE is_work_active = FALSE AND status NOT IN ($1, $2)
		ORDER BY id`, PlexBlocked, PlexPaid); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// RequirementsPastWarning returns active requirements whose warning deadline
// passed and that have not been warned this cycle.
func (s *Store) RequirementsPastWarning(ctx context.Context, now time.Time) ([]PlexRequirement, error) {
	var out []PlexRequirement
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM plex_requirements
		WHERE status = $1 AND warning_due < $2 AND warning_sent_at IS NULL
		ORDER BY warning_due`, PlexActive, now); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// RequirementsPastBlock returns requirements whose block deadline passed.
func (s *Store) RequirementsPastBlock(ctx context.Context, now time.Time) ([]PlexRequirement, error) {
	var out []PlexRequirement
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM plex_requirements
		WHERE status IN ($1, $2) AND block_due < $3
		ORDER BY block_due`, PlexActive, PlexWarning, now); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// PayableRequirements returns requirements that could be satisfied by an
// on-chain payment right now: active or warned, plus paid ones whose next
// cycle has started.
func (s *Store) PayableRequirements(ctx context.Context, now time.Time) ([]PlexRequirement, error) {
	var out []PlexRequirement
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM plex_requirements
		WHERE status IN ($1, $2) OR (status = $3 AND next_payment_due <= $4)
		ORDER BY id`, PlexActive, PlexWarning, PlexPaid, now); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// UnpaidRequiredDays computes a user's PLEX debt in days across confirmed
// deposits, counting from the later of projectStart and each deposit's
// creation.
func (s *Store) UnpaidRequiredDays(ctx context.Context, userID int64, projectStart, now time.Time) (int, error) {
	reqs, err := s.userRequirements(ctx, userID)
	if err != nil {
		return 0, err
	}
	deposits := make(map[int64]*Deposit)
	for i := range reqs {
		d, err := s.GetDeposit(ctx, reqs[i].DepositID)
		if err != nil {
			return 0, err
		}
		deposits[reqs[i].DepositID] = d
	}
	debt := 0
	for i := range reqs {
		d := deposits[reqs[i].DepositID]
		if d.Status != DepositConfirmed {
			continue
		}
		start := d.CreatedAt
		if projectStart.After(start) {
			start = projectStart
		}
		required := int(now.Sub(start) / (24 * time.Hour))
		if required > reqs[i].DaysPaid {
			debt += required - reqs[i].DaysPaid
		}
	}
	return debt, nil
}

func (s *Store) userRequirements(ctx context.Context, userID int64) ([]PlexRequirement, error) {
	var out []PlexRequirement
	if err := s.q.SelectContext(ctx, &out,
		`SELECT * FROM plex_requirements WHERE user_id = $1 ORDER BY id`, userID); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// TotalPaidPlexByUser sums lifetime PLEX paid across a user's requirements.
func (s *Store) TotalPaidPlexByUser(ctx context.Context, userID int64) (money.Amount, error) {
	var total money.Amount
	if err := s.q.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(total_paid_plex), 0) FROM plex_requirements WHERE user_id = $1`, userID); err != nil {
		return money.Zero(), mapErr(err)
	}
	return total, nil
}
