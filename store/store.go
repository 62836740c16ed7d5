// Package store is the persistence layer of fincore: sqlx repositories over
// Postgres with row-level locking, JSON columns round-tripped through Go
// types, and a transactional helper every engine write path runs inside.
package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "store")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on unique-constraint violations. Callers treat it
// as an idempotency signal, not a failure.
var ErrConflict = errors.New("conflict")

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so repository methods
// are transaction-agnostic.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Store bundles all repositories over one Querier.
type Store struct {
	db *sqlx.DB
	q  Querier
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to postgres")
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// withTx returns a Store view bound to the given transaction.
func (s *Store) withTx(tx *sqlx.Tx) *Store {
	return &Store{db: s.db, q: tx}
}

// RunInTx executes fn inside a transaction. Any error (including a panic,
// which is re-raised) rolls the transaction back.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		return errors.New("store not backed by a database")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.WithError(rbErr).Error("Rollback after panic failed")
			}
			panic(p)
		}
	}()
	if err := fn(s.withTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithError(rbErr).Error("Rollback failed")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "could not commit transaction")
}

// mapErr converts driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
