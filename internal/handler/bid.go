package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/bidding"
	"github.com/iliyamo/auction-bidding/internal/model"
)

// BidPlacer is the bid engine.
type BidPlacer interface {
	PlaceBid(ctx context.Context, auctionID, bidderID uint64, amount int64) (bidding.Result, error)
}

// BidHandler serves bid submission.
type BidHandler struct {
	engine BidPlacer
	log    logrus.FieldLogger
}

func NewBidHandler(engine BidPlacer, log logrus.FieldLogger) *BidHandler {
	return &BidHandler{engine: engine, log: log}
}

// placeBidRequest accepts the amount as a JSON number or string.
type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type placeBidResponse struct {
	AuctionID  uint64 `json:"auction_id"`
	NewPrice   string `json:"new_price"`
	NewBalance string `json:"new_balance"`
	TotalBids  int64  `json:"total_bids"`
}

// PlaceBid handles POST /v1/auctions/:id/bids.
func (h *BidHandler) PlaceBid(c echo.Context) error {
	bidderID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "authentication required"})
	}
	auctionID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	var req placeBidRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	amount, err := model.ParseAmount(req.Amount.String())
	if err != nil {
		return badRequest(c, "amount must be positive with at most two decimals")
	}

	res, err := h.engine.PlaceBid(c.Request().Context(), auctionID, bidderID, amount)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, placeBidResponse{
		AuctionID:  res.AuctionID,
		NewPrice:   model.FormatAmount(res.NewPrice),
		NewBalance: model.FormatAmount(res.NewBalance),
		TotalBids:  res.TotalBids,
	})
}
