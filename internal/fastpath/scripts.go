package fastpath

import "github.com/redis/go-redis/v9"

// Reply codes shared by the scripts. Positive or zero means the script
// ran to completion; negative codes abort without any write.
const (
	codeOK             = 1
	codeNoop           = 0
	codeRaced          = -1
	codeNotActive      = -2
	codeEnded          = -3
	codeAlreadyWinning = -5
	codeInsufficient   = -6
	codeMissing        = -7
	codeClosed         = -8
	codeNotOwner       = -9
	codeHasBids        = -10
)

// commitBidScript validates and applies one bid as an indivisible unit.
// It re-reads the current price and winner and re-checks every rule the
// caller pre-checked, so a bid can never commit against state that moved
// between the pre-check and the commit. A bid that still clears the fresh
// minimum commits even if the winner changed meanwhile; the refund goes to
// whoever the winner is inside the unit.
//
// KEYS: meta, current price, winner, bidder balance
// ARGV: amount, bidder id, now (unix ms)
var commitBidScript = redis.NewScript(`
local meta = redis.call('HMGET', KEYS[1], 'status', 'starting_price', 'bid_increment', 'end_time')
if not meta[1] then return {-7} end
if meta[1] ~= 'active' then return {-2, meta[1]} end
if tonumber(ARGV[3]) > tonumber(meta[4]) then return {-3} end

local amount = tonumber(ARGV[1])
local cur = redis.call('GET', KEYS[2])
local prev = redis.call('GET', KEYS[3])
if not prev then prev = '' end
if prev == ARGV[2] then return {-5} end

local min
if cur then
  min = tonumber(cur) + tonumber(meta[3])
else
  min = tonumber(meta[2])
end
if amount < min then return {-1, cur or '0', min} end

local bal = tonumber(redis.call('GET', KEYS[4]) or '0')
if bal <= amount then return {-6, bal} end

local newBal = redis.call('DECRBY', KEYS[4], amount)
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2])
local total = redis.call('HINCRBY', KEYS[1], 'total_bids', 1)

local prevAmount = 0
local prevBal = 0
if prev ~= '' then
  prevAmount = tonumber(cur or '0')
  prevBal = redis.call('INCRBY', 'user:' .. prev .. ':balance', prevAmount)
end
return {1, newBal, prev, prevAmount, prevBal, total}
`)

// endAuctionScript moves an active mirrored auction to sold or expired and
// schedules its keys for cleanup. Terminal auctions are left untouched.
//
// KEYS: meta, current price, winner
// ARGV: ttl seconds
var endAuctionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {-7} end
if status == 'sold' or status == 'expired' or status == 'cancelled' then return {0, status} end
if status ~= 'active' then return {-2, status} end

local total = tonumber(redis.call('HGET', KEYS[1], 'total_bids') or '0')
local winner = redis.call('GET', KEYS[3])
if not winner then winner = '' end
local price = redis.call('GET', KEYS[2])
if not price then price = '0' end

local newStatus = 'expired'
if total > 0 and winner ~= '' then newStatus = 'sold' end
redis.call('HSET', KEYS[1], 'status', newStatus)
redis.call('EXPIRE', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[3], ARGV[1])
return {1, newStatus, winner, price, total}
`)

// cancelAuctionScript authorises and applies a cancellation, refunding the
// cached winner in the same unit. Owners may cancel only before any bid.
//
// KEYS: meta, current price, winner
// ARGV: is admin ('1' or '0'), actor id, ttl seconds
var cancelAuctionScript = redis.NewScript(`
local meta = redis.call('HMGET', KEYS[1], 'status', 'seller_id', 'total_bids')
if not meta[1] then return {-7} end
if meta[1] == 'sold' or meta[1] == 'expired' or meta[1] == 'cancelled' then return {-8, meta[1]} end

local winner = redis.call('GET', KEYS[3])
if not winner then winner = '' end
local amount = tonumber(redis.call('GET', KEYS[2]) or '0')
local total = tonumber(meta[3] or '0')
local hasBids = winner ~= '' or total > 0

if ARGV[1] ~= '1' then
  if meta[2] ~= ARGV[2] then return {-9} end
  if hasBids then return {-10} end
end

redis.call('HSET', KEYS[1], 'status', 'cancelled')
local refundAmount = 0
local newBal = 0
if winner ~= '' and amount > 0 then
  refundAmount = amount
  newBal = redis.call('INCRBY', 'user:' .. winner .. ':balance', amount)
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[3])
local hb = 0
if hasBids then hb = 1 end
return {1, winner, refundAmount, newBal, hb}
`)

// resetAuctionScript undoes the current winning bid: the cached winner is
// refunded and the auction returns to its no-bid state.
//
// KEYS: meta, current price, winner
// ARGV: expected winner id, expected winning amount
var resetAuctionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {-7} end
if status ~= 'active' then return {-2, status} end
local winner = redis.call('GET', KEYS[3])
local cur = redis.call('GET', KEYS[2])
if not winner or winner ~= ARGV[1] or cur ~= ARGV[2] then return {-1} end
local amount = tonumber(cur)
local newBal = redis.call('INCRBY', 'user:' .. winner .. ':balance', amount)
redis.call('HSET', KEYS[1], 'total_bids', 0)
redis.call('DEL', KEYS[2], KEYS[3])
return {1, amount, newBal}
`)

// updateListingScript rewrites the listing fields of a mirrored auction
// that has no bids. The has-bids check and the write are one unit so a
// concurrent first bid cannot be priced against the old listing.
//
// KEYS: meta, winner
// ARGV: starting price, increment, end time (unix ms)
var updateListingScript = redis.NewScript(`
local meta = redis.call('HMGET', KEYS[1], 'status', 'total_bids')
if not meta[1] then return {-7} end
if meta[1] == 'sold' or meta[1] == 'expired' or meta[1] == 'cancelled' then return {-8, meta[1]} end
if tonumber(meta[2] or '0') > 0 or redis.call('EXISTS', KEYS[2]) == 1 then return {-10} end
redis.call('HSET', KEYS[1], 'starting_price', ARGV[1], 'bid_increment', ARGV[2], 'end_time', ARGV[3])
return {1}
`)

// activateScript flips a mirrored pending auction to active.
//
// KEYS: meta
var activateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {-7} end
if status == 'active' then return {0, status} end
if status ~= 'pending' then return {-2, status} end
redis.call('HSET', KEYS[1], 'status', 'active')
return {1}
`)
