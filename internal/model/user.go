package model

// User is the wallet-bearing part of a `users` row. Balance is the
// available amount in cents and never goes negative.
//
// Fields:
//  ID      – primary key identifier.
//  Email   – address used for winner and seller notifications.
//  Balance – available balance in cents.
//  Version – optimistic concurrency counter.
type User struct {
	ID      uint64 // users.id
	Email   string // users.email
	Balance int64  // users.balance
	Version int64  // users.version
}
