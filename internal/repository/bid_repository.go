package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/auction-bidding/internal/model"
)

// BidRepo provides access to the bids table.
type BidRepo struct {
	db *sql.DB
}

// NewBidRepo returns a BidRepo bound to db.
func NewBidRepo(db *sql.DB) *BidRepo { return &BidRepo{db: db} }

const bidColumns = `id, auction_id, bidder_id, amount, status, command_id, placed_at`

func scanBid(row scanner) (model.Bid, error) {
	var b model.Bid
	var status string
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &status, &b.CommandID, &b.PlacedAt); err != nil {
		return model.Bid{}, err
	}
	b.Status = model.BidStatus(status)
	return b, nil
}

func scanBids(rows *sql.Rows) ([]model.Bid, error) {
	defer rows.Close()
	var out []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertTx inserts a bid and fills in its generated ID.
func (r *BidRepo) InsertTx(ctx context.Context, tx *sql.Tx, b *model.Bid) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO bids (auction_id, bidder_id, amount, status, command_id, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.AuctionID, b.BidderID, b.Amount, string(b.Status), b.CommandID, b.PlacedAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

// WinningTx locks and returns the bids of an auction that hold winning.
// Normally there is at most one.
func (r *BidRepo) WinningTx(ctx context.Context, tx *sql.Tx, auctionID uint64) ([]model.Bid, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND status = 'winning' ORDER BY amount DESC FOR UPDATE`,
		auctionID)
	if err != nil {
		return nil, err
	}
	return scanBids(rows)
}

// SetStatusTx changes one bid's status.
func (r *BidRepo) SetStatusTx(ctx context.Context, tx *sql.Tx, id uint64, status model.BidStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE bids SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// LockTx reads one bid with a row lock.
func (r *BidRepo) LockTx(ctx context.Context, tx *sql.Tx, id uint64) (model.Bid, error) {
	b, err := scanBid(tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bid{}, ErrBidNotFound
	}
	return b, err
}

// GetByID fetches one bid.
func (r *BidRepo) GetByID(ctx context.Context, id uint64) (model.Bid, error) {
	b, err := scanBid(r.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bid{}, ErrBidNotFound
	}
	return b, err
}

// ListByAuction returns the newest limit bids of an auction, highest
// amount first.
func (r *BidRepo) ListByAuction(ctx context.Context, auctionID uint64, limit int) ([]model.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? ORDER BY amount DESC, id DESC LIMIT ?`,
		auctionID, limit)
	if err != nil {
		return nil, err
	}
	return scanBids(rows)
}

// ListByBidder returns a user's newest limit bids across all auctions.
func (r *BidRepo) ListByBidder(ctx context.Context, bidderID uint64, limit int) ([]model.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE bidder_id = ? ORDER BY placed_at DESC, id DESC LIMIT ?`,
		bidderID, limit)
	if err != nil {
		return nil, err
	}
	return scanBids(rows)
}

// WinningBid returns the winning bid of an auction, if any.
func (r *BidRepo) WinningBid(ctx context.Context, auctionID uint64) (model.Bid, bool, error) {
	b, err := scanBid(r.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND status = 'winning' ORDER BY amount DESC LIMIT 1`,
		auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bid{}, false, nil
	}
	if err != nil {
		return model.Bid{}, false, err
	}
	return b, true, nil
}

// LiveWinners maps every pending or active auction to its winning bidder.
func (r *BidRepo) LiveWinners(ctx context.Context) (map[uint64]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT b.auction_id, b.bidder_id FROM bids b
		 JOIN auctions a ON a.id = b.auction_id
		 WHERE a.status IN ('pending', 'active') AND b.status = 'winning'
		 ORDER BY b.auction_id, b.amount`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]uint64)
	for rows.Next() {
		var auctionID, bidderID uint64
		if err := rows.Scan(&auctionID, &bidderID); err != nil {
			return nil, err
		}
		// Highest amount last wins if the table ever holds two.
		out[auctionID] = bidderID
	}
	return out, rows.Err()
}
