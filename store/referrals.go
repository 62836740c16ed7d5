package store

import (
	"context"

	"github.com/plexfin/fincore/money"
)

// CreateReferralEdge inserts one edge of the referral chain. Duplicate
// (referrer, referral, level) rows surface as ErrConflict.
func (s *Store) CreateReferralEdge(ctx context.Context, r *Referral) error {
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO referrals (referrer_id, referral_id, level, total_earned, created_at)
		VALUES ($1, $2, $3, 0, NOW())
		RETURNING id`,
		r.ReferrerID, r.ReferralID, r.Level)
	if err := row.Scan(&r.ID); err != nil {
		return mapErr(err)
	}
	return nil
}

// EdgesAbove returns the referral edges pointing at the given user, ordered
// by level so callers walk upline nearest first.
func (s *Store) EdgesAbove(ctx context.Context, userID int64) ([]Referral, error) {
	var out []Referral
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM referrals WHERE referral_id = $1 ORDER BY level`, userID); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// EdgesBelow returns the edges where the given user is the referrer.
func (s *Store) EdgesBelow(ctx context.Context, referrerID int64) ([]Referral, error) {
	var out []Referral
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM referrals WHERE referrer_id = $1 ORDER BY level, referral_id`, referrerID); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// CreateReferralEarning records one credited reward. The unique constraint on
// (referral_id, source_event_id) makes the fan-out idempotent per source
// event: a replay surfaces as ErrConflict.
func (s *Store) CreateReferralEarning(ctx context.Context, e *ReferralEarning) error {
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO referral_earnings (referral_id, amount, source_type, source_user_id, source_event_id, paid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		e.ReferralID, e.Amount, e.SourceType, e.SourceUserID, e.SourceEventID, e.Paid)
	if err := row.Scan(&e.ID); err != nil {
		return mapErr(err)
	}
	return nil
}

// AddReferralEarned accumulates the lifetime total on an edge.
func (s *Store) AddReferralEarned(ctx context.Context, referralEdgeID int64, amount money.Amount) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE referrals SET total_earned = total_earned + $1 WHERE id = $2`, amount, referralEdgeID)
	return mapErr(err)
}

// MarkEarningPaid stamps the payout transaction on an earning. Paid is a
// one-way transition; re-paying returns ErrConflict.
func (s *Store) MarkEarningPaid(ctx context.Context, earningID int64, txHash string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE referral_earnings SET paid = TRUE, tx_hash = $1
		WHERE id = $2 AND paid = FALSE`, txHash, earningID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UnpaidEarningsByEdge returns earnings not yet paid out on an edge.
func (s *Store) UnpaidEarningsByEdge(ctx context.Context, referralEdgeID int64) ([]ReferralEarning, error) {
	var out []ReferralEarning
	if err := s.q.SelectContext(ctx, &out, `
		SELECT * FROM referral_earnings WHERE referral_id = $1 AND paid = FALSE ORDER BY id`, referralEdgeID); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
