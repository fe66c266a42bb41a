// Package repository is the MySQL side of the system: the authoritative
// auction, bid and wallet records. Methods suffixed with Tx run inside a
// caller-owned transaction; the caller commits or rolls back.
//
// The sentinel values below let higher layers tell failure scenarios
// apart without parsing driver errors.
package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// ErrAuctionNotFound is returned when no auction row has the given id.
var ErrAuctionNotFound = errors.New("auction not found")

// ErrBidNotFound is returned when no bid row has the given id.
var ErrBidNotFound = errors.New("bid not found")

// ErrUserNotFound is returned when no user row has the given id.
var ErrUserNotFound = errors.New("user not found")

// ErrVersionConflict is returned when an optimistic write matched no row
// because the version (or a guarded status) moved underneath it.
// Handlers should translate this into an HTTP 409 response.
var ErrVersionConflict = errors.New("version conflict")

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// InTx runs fn inside a transaction. fn's error rolls back; otherwise the
// transaction commits.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
