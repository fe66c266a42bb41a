package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auction-bidding/internal/logger"
	"github.com/iliyamo/auction-bidding/internal/realtime"
)

func TestAuctionEvents_StreamsPublishedBids(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	hub := realtime.NewHub(rdb, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	e := echo.New()
	e.GET("/v1/auctions/:id/events", NewEventsHandler(hub, time.Hour, logger.Discard()).Auction)
	srv := httptest.NewServer(e)
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/auctions/3/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	channel := realtime.AuctionChannel(3)
	require.Eventually(t, func() bool {
		return mr.PubSubNumPat() > 0 && hub.Subscribers(channel) > 0
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(ctx, realtime.NewBidEvent(time.Now(), realtime.NewBid{AuctionID: 3, BidderID: 7, Amount: "12.00", TotalBids: 1}))

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- sc.Text()
				return
			}
		}
	}()
	select {
	case line := <-lines:
		assert.Contains(t, line, `"type":"new_bid"`)
		assert.Contains(t, line, `"amount":"12.00"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no event streamed")
	}
}

func TestMeEvents_RequiresUser(t *testing.T) {
	h := NewEventsHandler(realtime.NewHub(nil, logger.Discard()), time.Second, logger.Discard())
	rec := serve(h.Me, http.MethodGet, "/v1/me/events", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
