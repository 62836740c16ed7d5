package referral

import (
	"context"

	"github.com/plexfin/fincore/store"
)

// storeAdapter lifts *store.Store into Storage by routing Transact through
// the store's transaction helper. All other methods come from the embedded
// store.
type storeAdapter struct {
	*store.Store
}

// WrapStore adapts the persistence layer for the engine.
func WrapStore(s *store.Store) Storage {
	return storeAdapter{Store: s}
}

func (a storeAdapter) Transact(ctx context.Context, fn func(tx Storage) error) error {
	return a.Store.RunInTx(ctx, func(tx *store.Store) error {
		return fn(storeAdapter{Store: tx})
	})
}
