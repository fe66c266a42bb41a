package fastpath

import (
	"fmt"
	"strconv"
)

// Key layout of the mirror. Everything under these two prefixes is
// disposable and rebuilt from MySQL by the recovery coordinator.
const (
	auctionPrefix = "auction:"
	userPrefix    = "user:"
)

func metaKey(auctionID uint64) string   { return fmt.Sprintf("auction:%d:meta", auctionID) }
func priceKey(auctionID uint64) string  { return fmt.Sprintf("auction:%d:current_bid", auctionID) }
func winnerKey(auctionID uint64) string { return fmt.Sprintf("auction:%d:winner_id", auctionID) }
func balanceKey(userID uint64) string   { return fmt.Sprintf("user:%d:balance", userID) }

// Meta hash fields.
const (
	fieldStatus        = "status"
	fieldSellerID      = "seller_id"
	fieldStartingPrice = "starting_price"
	fieldIncrement     = "bid_increment"
	fieldEndTime       = "end_time"
	fieldTotalBids     = "total_bids"
)

func formatID(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}

func parseID(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

// asInt64 normalises a script reply element. Lua numbers arrive as
// int64, strings as string.
func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
