package txn

import (
	"context"
	"database/sql"
)

type sqlResource struct{ tx *sql.Tx }

func (r sqlResource) Commit() error   { return r.tx.Commit() }
func (r sqlResource) Rollback() error { return r.tx.Rollback() }

// SQLTx returns the *sql.Tx on db bound to the ambient transaction, opening
// and enlisting it on first use. It returns nil when ctx carries no active
// transaction.
func SQLTx(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx := FromContext(ctx)
	if tx == nil || tx.Status() != StatusActive {
		return nil, nil
	}
	r, err := tx.Resource(db, func() (Resource, error) {
		// The database transaction outlives the request that opened it.
		stx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, err
		}
		return sqlResource{tx: stx}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.(sqlResource).tx, nil
}
