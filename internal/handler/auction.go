package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/lifecycle"
	"github.com/iliyamo/auction-bidding/internal/model"
)

// Lifecycle is the auction state machine.
type Lifecycle interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (model.Auction, error)
	Update(ctx context.Context, id, actorID uint64, version int64, in lifecycle.UpdateInput) (model.Auction, error)
	Activate(ctx context.Context, id uint64) (model.Auction, error)
	End(ctx context.Context, id uint64) (lifecycle.EndResult, error)
	Cancel(ctx context.Context, id, actorID uint64, isAdmin bool) (lifecycle.CancelResult, error)
	CancelWinningBid(ctx context.Context, bidID uint64) (lifecycle.CancelResult, error)
	Get(ctx context.Context, id uint64) (lifecycle.View, error)
}

// BidHistory lists durable bids by auction or by bidder.
type BidHistory interface {
	ListByAuction(ctx context.Context, auctionID uint64, limit int) ([]model.Bid, error)
	ListByBidder(ctx context.Context, bidderID uint64, limit int) ([]model.Bid, error)
}

// AuctionHandler serves auction listing, reads and lifecycle transitions.
type AuctionHandler struct {
	svc  Lifecycle
	bids BidHistory
	log  logrus.FieldLogger
}

func NewAuctionHandler(svc Lifecycle, bids BidHistory, log logrus.FieldLogger) *AuctionHandler {
	return &AuctionHandler{svc: svc, bids: bids, log: log}
}

type auctionResponse struct {
	ID            uint64              `json:"id"`
	SellerID      uint64              `json:"seller_id"`
	Title         string              `json:"title"`
	Category      string              `json:"category,omitempty"`
	StartingPrice string              `json:"starting_price"`
	Increment     string              `json:"bid_increment"`
	CurrentPrice  string              `json:"current_price"`
	MinimumBid    string              `json:"minimum_bid,omitempty"`
	WinnerID      *uint64             `json:"winner_id,omitempty"`
	TotalBids     int64               `json:"total_bids"`
	Status        model.AuctionStatus `json:"status"`
	StartTime     string              `json:"start_time"`
	EndTime       string              `json:"end_time"`
	Version       int64               `json:"version"`
	Live          bool                `json:"live"`
}

func toAuctionResponse(a model.Auction) auctionResponse {
	return auctionResponse{
		ID:            a.ID,
		SellerID:      a.SellerID,
		Title:         a.Title,
		Category:      a.Category,
		StartingPrice: model.FormatAmount(a.StartingPrice),
		Increment:     model.FormatAmount(a.Increment),
		CurrentPrice:  model.FormatAmount(a.CurrentPrice),
		WinnerID:      a.WinnerID,
		TotalBids:     a.TotalBids,
		Status:        a.Status,
		StartTime:     a.StartTime.UTC().Format(time.RFC3339),
		EndTime:       a.EndTime.UTC().Format(time.RFC3339),
		Version:       a.Version,
	}
}

func toViewResponse(v lifecycle.View) auctionResponse {
	r := toAuctionResponse(v.Auction)
	r.MinimumBid = model.FormatAmount(v.MinimumBid)
	r.Live = v.Live
	return r
}

// cents converts an optional decimal field. ok is false for invalid input.
func cents(d *decimal.Decimal) (*int64, bool) {
	if d == nil {
		return nil, true
	}
	n, err := model.ParseAmount(d.String())
	if err != nil {
		return nil, false
	}
	return &n, true
}

type createAuctionRequest struct {
	Title         string           `json:"title"`
	Category      string           `json:"category"`
	StartingPrice decimal.Decimal  `json:"starting_price"`
	Increment     *decimal.Decimal `json:"bid_increment"`
	StartTime     *time.Time       `json:"start_time"`
	EndTime       time.Time        `json:"end_time"`
}

// Create handles POST /v1/auctions. The caller becomes the seller.
func (h *AuctionHandler) Create(c echo.Context) error {
	sellerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "authentication required"})
	}
	var req createAuctionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	price, err := model.ParseAmount(req.StartingPrice.String())
	if err != nil {
		return badRequest(c, "starting_price must be positive with at most two decimals")
	}
	inc, ok := cents(req.Increment)
	if !ok {
		return badRequest(c, "bid_increment must be positive with at most two decimals")
	}
	in := lifecycle.CreateInput{
		SellerID:      sellerID,
		Title:         req.Title,
		Category:      req.Category,
		StartingPrice: price,
		EndTime:       req.EndTime,
	}
	if inc != nil {
		in.Increment = *inc
	}
	if req.StartTime != nil {
		in.StartTime = *req.StartTime
	}
	a, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, toAuctionResponse(a))
}

type updateAuctionRequest struct {
	Version       int64            `json:"version"`
	Title         *string          `json:"title"`
	Category      *string          `json:"category"`
	StartingPrice *decimal.Decimal `json:"starting_price"`
	Increment     *decimal.Decimal `json:"bid_increment"`
	StartTime     *time.Time       `json:"start_time"`
	EndTime       *time.Time       `json:"end_time"`
}

// Update handles PATCH /v1/auctions/:id. The body must carry the version
// the client last read.
func (h *AuctionHandler) Update(c echo.Context) error {
	actorID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "authentication required"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	var req updateAuctionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	price, ok := cents(req.StartingPrice)
	if !ok {
		return badRequest(c, "starting_price must be positive with at most two decimals")
	}
	inc, ok := cents(req.Increment)
	if !ok {
		return badRequest(c, "bid_increment must be positive with at most two decimals")
	}
	a, err := h.svc.Update(c.Request().Context(), id, actorID, req.Version, lifecycle.UpdateInput{
		Title:         req.Title,
		Category:      req.Category,
		StartingPrice: price,
		Increment:     inc,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toAuctionResponse(a))
}

// Get handles GET /v1/auctions/:id.
func (h *AuctionHandler) Get(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	v, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toViewResponse(v))
}

// Activate handles POST /v1/admin/auctions/:id/activate.
func (h *AuctionHandler) Activate(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	a, err := h.svc.Activate(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toAuctionResponse(a))
}

type endResponse struct {
	Status       model.AuctionStatus `json:"status"`
	WinnerID     uint64              `json:"winner_id,omitempty"`
	FinalPrice   string              `json:"final_price,omitempty"`
	AlreadyEnded bool                `json:"already_ended"`
}

// End handles POST /v1/admin/auctions/:id/end, a manual force-end.
func (h *AuctionHandler) End(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	res, err := h.svc.End(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	out := endResponse{Status: res.Status, WinnerID: res.WinnerID, AlreadyEnded: res.AlreadyEnded}
	if res.Status == model.AuctionSold {
		out.FinalPrice = model.FormatAmount(res.FinalPrice)
	}
	return c.JSON(http.StatusOK, out)
}

type cancelResponse struct {
	Status         model.AuctionStatus `json:"status,omitempty"`
	RefundedUserID uint64              `json:"refunded_user_id,omitempty"`
	RefundedAmount string              `json:"refunded_amount,omitempty"`
}

func toCancelResponse(res lifecycle.CancelResult, status model.AuctionStatus) cancelResponse {
	out := cancelResponse{Status: status, RefundedUserID: res.RefundedUserID}
	if res.RefundedUserID != 0 {
		out.RefundedAmount = model.FormatAmount(res.RefundedAmount)
	}
	return out
}

// Cancel handles POST /v1/auctions/:id/cancel. Sellers may cancel before
// the first bid; admins at any time.
func (h *AuctionHandler) Cancel(c echo.Context) error {
	actorID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "authentication required"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	res, err := h.svc.Cancel(c.Request().Context(), id, actorID, isAdmin(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toCancelResponse(res, model.AuctionCancelled))
}

type bidResponse struct {
	ID        uint64          `json:"id"`
	AuctionID uint64          `json:"auction_id"`
	BidderID  uint64          `json:"bidder_id"`
	Amount    string          `json:"amount"`
	Status    model.BidStatus `json:"status"`
	PlacedAt  string          `json:"placed_at"`
}

func toBidResponses(bids []model.Bid) []bidResponse {
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, bidResponse{
			ID:        b.ID,
			AuctionID: b.AuctionID,
			BidderID:  b.BidderID,
			Amount:    model.FormatAmount(b.Amount),
			Status:    b.Status,
			PlacedAt:  b.PlacedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

const (
	defaultHistory = 50
	maxHistory     = 200
)

// historyLimit reads the optional ?limit= parameter, capped at maxHistory.
func historyLimit(c echo.Context) (int, bool) {
	s := c.QueryParam("limit")
	if s == "" {
		return defaultHistory, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > maxHistory {
		n = maxHistory
	}
	return n, true
}

// ListBids handles GET /v1/auctions/:id/bids. It reads MySQL, which may
// trail the live price by the write-behind lag.
func (h *AuctionHandler) ListBids(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	limit, ok := historyLimit(c)
	if !ok {
		return badRequest(c, "limit must be a positive integer")
	}
	bids, err := h.bids.ListByAuction(c.Request().Context(), id, limit)
	if err != nil {
		h.log.WithError(err).WithField("auction_id", id).Error("list bids failed")
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "service_unavailable", Message: "bid history unavailable"})
	}
	return c.JSON(http.StatusOK, toBidResponses(bids))
}

// MyBids handles GET /v1/me/bids: the caller's own bids, newest first.
// Like ListBids it reads MySQL and may miss bids still queued.
func (h *AuctionHandler) MyBids(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "authentication required"})
	}
	limit, ok := historyLimit(c)
	if !ok {
		return badRequest(c, "limit must be a positive integer")
	}
	bids, err := h.bids.ListByBidder(c.Request().Context(), uid, limit)
	if err != nil {
		h.log.WithError(err).WithField("user_id", uid).Error("list own bids failed")
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "service_unavailable", Message: "bid history unavailable"})
	}
	return c.JSON(http.StatusOK, toBidResponses(bids))
}
