package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/auction-bidding/internal/model"
)

// AuctionRepo provides access to the auctions table. Every mutation bumps
// the row's version so out-of-band writers can detect concurrent changes.
type AuctionRepo struct {
	db *sql.DB
}

// NewAuctionRepo returns an AuctionRepo bound to db.
func NewAuctionRepo(db *sql.DB) *AuctionRepo { return &AuctionRepo{db: db} }

const auctionColumns = `id, seller_id, title, category, starting_price, bid_increment,
       start_time, end_time, status, current_price, winner_id, total_bids, version,
       created_at, updated_at`

func scanAuction(row scanner) (model.Auction, error) {
	var a model.Auction
	var status string
	var winner sql.NullInt64
	err := row.Scan(
		&a.ID, &a.SellerID, &a.Title, &a.Category, &a.StartingPrice, &a.Increment,
		&a.StartTime, &a.EndTime, &status, &a.CurrentPrice, &winner, &a.TotalBids, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Auction{}, err
	}
	a.Status = model.AuctionStatus(status)
	if winner.Valid {
		w := uint64(winner.Int64)
		a.WinnerID = &w
	}
	return a, nil
}

func (r *AuctionRepo) list(ctx context.Context, q string, args ...any) ([]model.Auction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a pending auction and fills in its generated ID. The
// current price starts at the starting price.
func (r *AuctionRepo) Create(ctx context.Context, a *model.Auction) error {
	const q = `INSERT INTO auctions (seller_id, title, category, starting_price, bid_increment,
	           start_time, end_time, status, current_price)
	           VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`
	res, err := r.db.ExecContext(ctx, q,
		a.SellerID, a.Title, a.Category, a.StartingPrice, a.Increment,
		a.StartTime.UTC(), a.EndTime.UTC(), a.StartingPrice)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = uint64(id)
	a.Status = model.AuctionPending
	a.CurrentPrice = a.StartingPrice
	return nil
}

// GetByID fetches one auction. ErrAuctionNotFound when absent.
func (r *AuctionRepo) GetByID(ctx context.Context, id uint64) (model.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, ErrAuctionNotFound
	}
	return a, err
}

// LockTx reads an auction with an exclusive row lock held until the
// transaction ends.
func (r *AuctionRepo) LockTx(ctx context.Context, tx *sql.Tx, id uint64) (model.Auction, error) {
	a, err := scanAuction(tx.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, ErrAuctionNotFound
	}
	return a, err
}

// ListDueForActivation returns up to limit pending auctions whose start
// time has passed, oldest first.
func (r *AuctionRepo) ListDueForActivation(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return r.list(ctx, `SELECT `+auctionColumns+` FROM auctions
	    WHERE status = 'pending' AND start_time <= ? ORDER BY start_time, id LIMIT ?`, now.UTC(), limit)
}

// ListDueForEnd returns up to limit active auctions whose end time has
// passed, oldest first.
func (r *AuctionRepo) ListDueForEnd(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return r.list(ctx, `SELECT `+auctionColumns+` FROM auctions
	    WHERE status = 'active' AND end_time <= ? ORDER BY end_time, id LIMIT ?`, now.UTC(), limit)
}

// ListNonTerminal returns every pending or active auction. Used to seed
// the fast path.
func (r *AuctionRepo) ListNonTerminal(ctx context.Context) ([]model.Auction, error) {
	return r.list(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE status IN ('pending', 'active') ORDER BY id`)
}

// Activate moves a pending auction to active under an optimistic version
// check. ErrVersionConflict when the row moved.
func (r *AuctionRepo) Activate(ctx context.Context, id uint64, version int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'active', version = version + 1
		 WHERE id = ? AND version = ? AND status = 'pending'`, id, version)
	return versioned(res, err)
}

// CancelPending cancels an auction that never went live. No money moves,
// so no transaction or queue round trip is needed.
func (r *AuctionRepo) CancelPending(ctx context.Context, id uint64, version int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'cancelled', version = version + 1
		 WHERE id = ? AND version = ? AND status = 'pending'`, id, version)
	return versioned(res, err)
}

// Update rewrites the editable listing fields of an auction without bids.
// The version must match the caller's copy.
func (r *AuctionRepo) Update(ctx context.Context, a model.Auction) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET title = ?, category = ?, starting_price = ?, bid_increment = ?,
		        current_price = ?, start_time = ?, end_time = ?, version = version + 1
		 WHERE id = ? AND version = ? AND total_bids = 0 AND status IN ('pending', 'active')`,
		a.Title, a.Category, a.StartingPrice, a.Increment, a.StartingPrice,
		a.StartTime.UTC(), a.EndTime.UTC(), a.ID, a.Version)
	return versioned(res, err)
}

// ApplyBidTx records a newly accepted bid on the auction row.
func (r *AuctionRepo) ApplyBidTx(ctx context.Context, tx *sql.Tx, id uint64, amount int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE auctions SET current_price = ?, total_bids = total_bids + 1, version = version + 1
		 WHERE id = ?`, amount, id)
	return err
}

// SetStatusTx stamps a terminal status. winnerID and finalPrice are only
// written for sold auctions.
func (r *AuctionRepo) SetStatusTx(ctx context.Context, tx *sql.Tx, id uint64, status model.AuctionStatus, winnerID uint64, finalPrice int64) error {
	if status == model.AuctionSold {
		_, err := tx.ExecContext(ctx,
			`UPDATE auctions SET status = ?, winner_id = ?, current_price = ?, version = version + 1
			 WHERE id = ?`, string(status), winnerID, finalPrice, id)
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE auctions SET status = ?, version = version + 1 WHERE id = ?`, string(status), id)
	return err
}

// ResetTx returns an auction to its no-bid state.
func (r *AuctionRepo) ResetTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE auctions SET current_price = starting_price, total_bids = 0, winner_id = NULL,
		        version = version + 1
		 WHERE id = ?`, id)
	return err
}

func versioned(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVersionConflict
	}
	return nil
}
