package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auction-bidding/internal/apperr"
	"github.com/iliyamo/auction-bidding/internal/bidding"
	"github.com/iliyamo/auction-bidding/internal/lifecycle"
	"github.com/iliyamo/auction-bidding/internal/logger"
	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/recovery"
)

type fakeEngine struct {
	gotAmount int64
	res       bidding.Result
	err       error
}

func (f *fakeEngine) PlaceBid(_ context.Context, auctionID, bidderID uint64, amount int64) (bidding.Result, error) {
	f.gotAmount = amount
	if f.err != nil {
		return bidding.Result{}, f.err
	}
	r := f.res
	r.AuctionID = auctionID
	return r, nil
}

type fakeLifecycle struct {
	Lifecycle // nil; calls to unstubbed methods panic

	cancelAdmin bool
	cancelRes   lifecycle.CancelResult
	err         error
	view        lifecycle.View
	created     lifecycle.CreateInput
}

func (f *fakeLifecycle) Create(_ context.Context, in lifecycle.CreateInput) (model.Auction, error) {
	f.created = in
	return model.Auction{ID: 3, SellerID: in.SellerID, Title: in.Title, StartingPrice: in.StartingPrice,
		Increment: in.Increment, CurrentPrice: in.StartingPrice, Status: model.AuctionPending,
		StartTime: in.StartTime, EndTime: in.EndTime}, f.err
}

func (f *fakeLifecycle) Cancel(_ context.Context, _, _ uint64, isAdmin bool) (lifecycle.CancelResult, error) {
	f.cancelAdmin = isAdmin
	return f.cancelRes, f.err
}

func (f *fakeLifecycle) Get(context.Context, uint64) (lifecycle.View, error) { return f.view, f.err }

type fakeRebuilder struct{ err error }

func (f fakeRebuilder) Rebuild(context.Context) error { return f.err }

// serve runs one request through a handler as user 8 with role.
func serve(h echo.HandlerFunc, method, target, body, role string, params ...string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) == 2 {
		c.SetParamNames(params[0])
		c.SetParamValues(params[1])
	}
	if role != "" {
		c.Set("user_id", float64(8))
		c.Set("role", role)
	}
	_ = h(c)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPlaceBid(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		role       string
		engineErr  error
		wantStatus int
		wantError  string
		wantAmount int64
	}{
		{name: "accepted_string", body: `{"amount":"110.50"}`, role: "USER", wantStatus: http.StatusCreated, wantAmount: 11050},
		{name: "accepted_number", body: `{"amount":110}`, role: "USER", wantStatus: http.StatusCreated, wantAmount: 11000},
		{name: "three_decimals", body: `{"amount":"1.001"}`, role: "USER", wantStatus: http.StatusBadRequest, wantError: "invalid_input"},
		{name: "zero", body: `{"amount":0}`, role: "USER", wantStatus: http.StatusBadRequest, wantError: "invalid_input"},
		{name: "anonymous", body: `{"amount":1}`, wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "race", body: `{"amount":1}`, role: "USER", engineErr: apperr.Race("price moved"),
			wantStatus: http.StatusConflict, wantError: "race_condition", wantAmount: 100},
		{name: "insufficient", body: `{"amount":1}`, role: "USER",
			engineErr:  apperr.Validation(apperr.RuleInsufficientFunds, "insufficient balance"),
			wantStatus: http.StatusBadRequest, wantError: "insufficient_funds", wantAmount: 100},
		{name: "missing", body: `{"amount":1}`, role: "USER", engineErr: apperr.NotFound("auction", 1),
			wantStatus: http.StatusNotFound, wantError: "not_found", wantAmount: 100},
		{name: "redis_down", body: `{"amount":1}`, role: "USER",
			engineErr:  apperr.Infrastructure(errors.New("dial tcp"), "fastpath"),
			wantStatus: http.StatusServiceUnavailable, wantError: "service_unavailable", wantAmount: 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := &fakeEngine{err: tc.engineErr, res: bidding.Result{NewPrice: tc.wantAmount, NewBalance: 88950, TotalBids: 2}}
			h := NewBidHandler(eng, logger.Discard())
			rec := serve(h.PlaceBid, http.MethodPost, "/v1/auctions/1/bids", tc.body, tc.role, "id", "1")
			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantError != "" {
				assert.Equal(t, tc.wantError, decode(t, rec)["error"])
			}
			if tc.wantAmount != 0 {
				assert.Equal(t, tc.wantAmount, eng.gotAmount)
			}
			if tc.wantStatus == http.StatusCreated {
				body := decode(t, rec)
				assert.Equal(t, "889.50", body["new_balance"])
				assert.Equal(t, float64(1), body["auction_id"])
			}
			if tc.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestPlaceBid_BelowMinimumReportsRequiredAmount(t *testing.T) {
	eng := &fakeEngine{err: apperr.BelowMinimum(10000, 11000, model.FormatAmount)}
	h := NewBidHandler(eng, logger.Discard())
	rec := serve(h.PlaceBid, http.MethodPost, "/v1/auctions/1/bids", `{"amount":"105"}`, "USER", "id", "1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "below_minimum", body["error"])
	assert.Equal(t, "110.00", body["min_required"])
}

func TestStatusFor(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"forbidden":    {apperr.Validation(apperr.RuleForbidden, "no"), http.StatusForbidden},
		"version":      {apperr.Validation(apperr.RuleVersionConflict, "stale"), http.StatusConflict},
		"has_bids":     {apperr.Validation(apperr.RuleHasBids, "bids"), http.StatusBadRequest},
		"wrapped":      {errors.Wrap(apperr.NotFound("bid", 2), "load"), http.StatusNotFound},
		"unclassified": {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, _ := statusFor(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCreateAuction(t *testing.T) {
	svc := &fakeLifecycle{}
	h := NewAuctionHandler(svc, nil, logger.Discard())
	end := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	body := `{"title":"Lamp","starting_price":"100.00","bid_increment":"2.50","end_time":"2026-10-20T12:00:00Z"}`

	rec := serve(h.Create, http.MethodPost, "/v1/auctions", body, "USER")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, uint64(8), svc.created.SellerID)
	assert.Equal(t, int64(10000), svc.created.StartingPrice)
	assert.Equal(t, int64(250), svc.created.Increment)
	assert.True(t, svc.created.StartTime.IsZero())
	assert.True(t, end.Equal(svc.created.EndTime))
	out := decode(t, rec)
	assert.Equal(t, "100.00", out["starting_price"])
	assert.Equal(t, "pending", out["status"])

	rec = serve(h.Create, http.MethodPost, "/v1/auctions", `{"title":"Lamp","starting_price":"-1"}`, "USER")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelAuction_PassesAdminRole(t *testing.T) {
	svc := &fakeLifecycle{cancelRes: lifecycle.CancelResult{RefundedUserID: 8, RefundedAmount: 11000}}
	h := NewAuctionHandler(svc, nil, logger.Discard())

	rec := serve(h.Cancel, http.MethodPost, "/v1/auctions/1/cancel", "", RoleAdmin, "id", "1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.cancelAdmin)
	out := decode(t, rec)
	assert.Equal(t, "110.00", out["refunded_amount"])
	assert.Equal(t, "cancelled", out["status"])

	rec = serve(h.Cancel, http.MethodPost, "/v1/auctions/1/cancel", "", "USER", "id", "1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.cancelAdmin)
}

func TestGetAuction(t *testing.T) {
	w := uint64(7)
	svc := &fakeLifecycle{view: lifecycle.View{
		Auction: model.Auction{ID: 1, StartingPrice: 10000, Increment: 1000, CurrentPrice: 14000,
			WinnerID: &w, TotalBids: 2, Status: model.AuctionActive},
		MinimumBid: 15000, Live: true,
	}}
	h := NewAuctionHandler(svc, nil, logger.Discard())
	rec := serve(h.Get, http.MethodGet, "/v1/auctions/1", "", "", "id", "1")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "140.00", out["current_price"])
	assert.Equal(t, "150.00", out["minimum_bid"])
	assert.Equal(t, float64(7), out["winner_id"])
	assert.Equal(t, true, out["live"])

	rec = serve(h.Get, http.MethodGet, "/v1/auctions/x", "", "", "id", "x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeHistory struct {
	limit  int
	bidder uint64
	err    error
}

func (f *fakeHistory) ListByAuction(_ context.Context, auctionID uint64, limit int) ([]model.Bid, error) {
	f.limit = limit
	return []model.Bid{{ID: 5, AuctionID: auctionID, BidderID: 8, Amount: 11000, Status: model.BidWinning}}, nil
}

func (f *fakeHistory) ListByBidder(_ context.Context, bidderID uint64, limit int) ([]model.Bid, error) {
	f.limit = limit
	f.bidder = bidderID
	if f.err != nil {
		return nil, f.err
	}
	return []model.Bid{
		{ID: 9, AuctionID: 3, BidderID: bidderID, Amount: 25000, Status: model.BidWinning, PlacedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)},
		{ID: 4, AuctionID: 1, BidderID: bidderID, Amount: 11000, Status: model.BidOutbid},
	}, nil
}

func TestListBids_Limit(t *testing.T) {
	hist := &fakeHistory{}
	h := NewAuctionHandler(&fakeLifecycle{}, hist, logger.Discard())

	rec := serve(h.ListBids, http.MethodGet, "/v1/auctions/1/bids", "", "", "id", "1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistory, hist.limit)
	assert.Contains(t, rec.Body.String(), `"amount":"110.00"`)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/auctions/1/bids?limit=5000", nil)
	rr := httptest.NewRecorder()
	c := e.NewContext(req, rr)
	c.SetParamNames("id")
	c.SetParamValues("1")
	require.NoError(t, h.ListBids(c))
	assert.Equal(t, maxHistory, hist.limit)
}

func TestMyBids(t *testing.T) {
	hist := &fakeHistory{}
	h := NewAuctionHandler(&fakeLifecycle{}, hist, logger.Discard())

	rec := serve(h.MyBids, http.MethodGet, "/v1/me/bids", "", "USER")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(8), hist.bidder, "only the caller's bids are listed")
	assert.Equal(t, defaultHistory, hist.limit)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, float64(3), out[0]["auction_id"])
	assert.Equal(t, "250.00", out[0]["amount"])
	assert.Equal(t, "2026-10-19T12:00:00Z", out[0]["placed_at"])
	assert.Equal(t, "outbid", out[1]["status"])

	rec = serve(h.MyBids, http.MethodGet, "/v1/me/bids", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	hist.err = errors.New("mysql down")
	rec = serve(h.MyBids, http.MethodGet, "/v1/me/bids", "", "USER")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/me/bids?limit=0", nil), httptest.NewRecorder())
	c.Set("user_id", float64(8))
	require.NoError(t, h.MyBids(c))
	assert.Equal(t, http.StatusBadRequest, c.Response().Status)
}

func TestRespondError_CountsByKind(t *testing.T) {
	counter := vmetrics.GetOrCreateCounter(`auction_http_errors_total{kind="race"}`)
	before := counter.Get()
	h := NewBidHandler(&fakeEngine{err: apperr.Race("price moved")}, logger.Discard())
	rec := serve(h.PlaceBid, http.MethodPost, "/v1/auctions/1/bids", `{"amount":1}`, "USER", "id", "1")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, before+1, counter.Get())
}

func TestRebuildCache(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"done":        {nil, http.StatusNoContent},
		"in_progress": {recovery.ErrInProgress, http.StatusConflict},
		"exhausted":   {errors.Wrap(recovery.ErrDrainTimeout, "recovery"), http.StatusServiceUnavailable},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := NewAdminHandler(&fakeLifecycle{}, fakeRebuilder{err: tc.err}, logger.Discard())
			rec := serve(h.RebuildCache, http.MethodPost, "/v1/admin/rebuild-cache", "", RoleAdmin)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestGetUserID(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	for _, v := range []any{uint64(8), int64(8), float64(8), "8"} {
		c.Set("user_id", v)
		id, err := getUserID(c)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), id)
	}
	c.Set("user_id", "abc")
	_, err := getUserID(c)
	assert.Error(t, err)
}
