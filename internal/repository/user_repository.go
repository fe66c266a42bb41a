package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/auction-bidding/internal/model"
)

// UserRepo provides access to wallet balances in the users table.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	var u model.User
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,email,balance,version FROM users WHERE id=? LIMIT 1",
		id).Scan(&u.ID, &u.Email, &u.Balance, &u.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	return u, err
}

// AdjustBalanceTx adds delta (negative to debit) to a user's balance.
func (r *UserRepo) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, id uint64, delta int64) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance=balance+?, version=version+1 WHERE id=?", delta, id)
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	return nil
}

// Balances returns every user's balance. Used to seed the fast path.
func (r *UserRepo) Balances(ctx context.Context) (map[uint64]int64, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT id,balance FROM users")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]int64)
	for rows.Next() {
		var id uint64
		var bal int64
		if err := rows.Scan(&id, &bal); err != nil {
			return nil, err
		}
		out[id] = bal
	}
	return out, rows.Err()
}
