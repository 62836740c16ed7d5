// Package referral walks the three-level referral chain and fans rewards out
// to the upline. Fan-out is idempotent per source event, so a retried
// confirmation or accrual never double-credits an ancestor.
package referral

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
	"github.com/plexfin/fincore/notify"
	"github.com/plexfin/fincore/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "referral")

// ErrSelfReferral is returned when a user would refer themselves.
var ErrSelfReferral = errors.New("self-referral rejected")

// ErrReferralCycle is returned when edge creation would close a cycle.
var ErrReferralCycle = errors.New("referral cycle rejected")

// Storage is the slice of the store the engine needs. Transact runs fn with a
// transaction-bound view of the same interface.
type Storage interface {
	Transact(ctx context.Context, fn func(tx Storage) error) error

	GetUser(ctx context.Context, id int64) (*store.User, error)
	CreateReferralEdge(ctx context.Context, r *store.Referral) error
	EdgesAbove(ctx context.Context, userID int64) ([]store.Referral, error)
	CreateReferralEarning(ctx context.Context, e *store.ReferralEarning) error
	AddReferralEarned(ctx context.Context, referralEdgeID int64, amount money.Amount) error
	MarkEarningPaid(ctx context.Context, earningID int64, txHash string) error
}

// Event is one reward-bearing occurrence on a downline user.
type Event struct {
	SourceUserID int64
	Amount       money.Amount
	Type         store.EarningSource
	// EventID identifies the occurrence (e.g. "deposit:42" or
	// "roi:42:2026-08-24T06"); replays with the same id are no-ops.
	EventID string
}

// Engine fans referral rewards out to the upline.
type Engine struct {
	db   Storage
	sink notify.Sink
}

// New builds an engine.
func New(db Storage, sink notify.Sink) *Engine {
	return &Engine{db: db, sink: sink}
}

// Chain returns up to depth ancestors of a user, nearest first, stopping on
// a cycle or a missing referrer.
func (e *Engine) Chain(ctx context.Context, userID int64, depth int) ([]*store.User, error) {
	seen := map[int64]bool{userID: true}
	var chain []*store.User
	current := userID
	for len(chain) < depth {
		u, err := e.db.GetUser(ctx, current)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load user %d", current)
		}
		if u.ReferrerID == nil {
			break
		}
		next := *u.ReferrerID
		if seen[next] {
			log.WithFields(logrus.Fields{"userID": userID, "at": next}).Warn("Referral cycle detected")
			break
		}
		ancestor, err := e.db.GetUser(ctx, next)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load referrer %d", next)
		}
		chain = append(chain, ancestor)
		seen[next] = true
		current = next
	}
	return chain, nil
}

// CreateEdges materializes the referral edges for a newly registered user
// with the given direct referrer. One edge per level, existing edges are
// skipped, self-referrals and cycles are rejected.
func (e *Engine) CreateEdges(ctx context.Context, newUserID, referrerID int64) error {
	if newUserID == referrerID {
		return ErrSelfReferral
	}
	depth := params.FinConfig().ReferralDepth
	upline, err := e.Chain(ctx, referrerID, depth-1)
	if err != nil {
		return err
	}
	ancestors := make([]int64, 0, depth)
	ancestors = append(ancestors, referrerID)
	for _, u := range upline {
		ancestors = append(ancestors, u.ID)
	}
	for _, id := range ancestors {
		if id == newUserID {
			return ErrReferralCycle
		}
	}
	for i, ancestorID := range ancestors {
		edge := &store.Referral{
			ReferrerID: ancestorID,
			ReferralID: newUserID,
			Level:      i + 1,
		}
		if err := e.db.CreateReferralEdge(ctx, edge); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return errors.Wrapf(err, "could not create level %d edge", i+1)
		}
	}
	return nil
}

// Distribute fans an event's rewards out to the source user's upline. A
// replay with the same EventID credits nothing. Notification failures are
// logged and never fail the fan-out.
func (e *Engine) Distribute(ctx context.Context, ev Event) error {
	cfg := params.FinConfig()
	if ev.Amount.IsZero() || ev.Amount.IsNegative() {
		return nil
	}
	edges, err := e.db.EdgesAbove(ctx, ev.SourceUserID)
	if err != nil {
		return errors.Wrap(err, "could not load upline edges")
	}
	for _, edge := range edges {
		if edge.Level > cfg.ReferralDepth {
			continue
		}
		rate, ok := cfg.ReferralRates[edge.Level]
		if !ok {
			continue
		}
		reward := ev.Amount.Percent(rate)
		if reward.IsZero() {
			continue
		}
		earning := &store.ReferralEarning{
			ReferralID:    edge.ID,
			Amount:        reward,
			SourceType:    ev.Type,
			SourceUserID:  ev.SourceUserID,
			SourceEventID: ev.EventID,
		}
		// The earning row and the edge total move together or not at all.
		err := e.db.Transact(ctx, func(tx Storage) error {
			if err := tx.CreateReferralEarning(ctx, earning); err != nil {
				return err
			}
			return tx.AddReferralEarned(ctx, edge.ID, reward)
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return errors.Wrapf(err, "could not credit level %d reward", edge.Level)
		}
		rewardsDistributed.Inc()
		e.notifyAncestor(ctx, edge, ev, reward)
	}
	return nil
}

// MarkEarningPaid is the single transition of an earning to paid.
func (e *Engine) MarkEarningPaid(ctx context.Context, earningID int64, txHash string) error {
	return e.db.MarkEarningPaid(ctx, earningID, txHash)
}

func (e *Engine) notifyAncestor(ctx context.Context, edge store.Referral, ev Event, reward money.Amount) {
	if ev.Type == store.SourceROI && reward.LessThan(params.FinConfig().MinNotifiableROI) {
		return
	}
	ancestor, err := e.db.GetUser(ctx, edge.ReferrerID)
	if err != nil {
		log.WithError(err).WithField("referrerID", edge.ReferrerID).Warn("Could not load reward recipient")
		return
	}
	msg := fmt.Sprintf("Referral reward credited: %s USDT (level %d)", reward, edge.Level)
	if err := e.sink.NotifyUser(ctx, ancestor.ExternalID, msg, false); err != nil {
		log.WithError(err).WithField("referrerID", edge.ReferrerID).Warn("Could not notify reward recipient")
	}
}
