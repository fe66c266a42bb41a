// Package apperr defines the error taxonomy shared by the bidding core.
// Every error returned across a component boundary carries exactly one of
// the four kind sentinels below so callers can decide between retrying,
// refreshing or aborting with errors.Is. Both the standard library and
// cockroachdb/errors resolve the kind.
package apperr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind sentinels. Use errors.Is(err, apperr.ErrValidation) and friends.
var (
	// ErrValidation marks a bad input or a violated business rule. The
	// caller must not retry the same request unchanged.
	ErrValidation = errors.New("validation failed")
	// ErrRaceCondition marks a bid that lost the in-unit price re-check
	// to a concurrent bidder. The caller should refetch and may retry.
	ErrRaceCondition = errors.New("race condition")
	// ErrNotFound marks a referenced auction, bid or user that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInfrastructure marks an unreachable store or broker. Nothing was
	// committed on the fast path when this is returned from the bid engine.
	ErrInfrastructure = errors.New("service unavailable")
)

// Rule names the business rule a ValidationError reports.
type Rule string

const (
	RuleInvalidInput      Rule = "invalid_input"
	RuleNotActive         Rule = "auction_not_active"
	RuleEnded             Rule = "auction_ended"
	RuleSelfBid           Rule = "self_bid"
	RuleAlreadyWinning    Rule = "already_winning"
	RuleInsufficientFunds Rule = "insufficient_funds"
	RuleBelowMinimum      Rule = "below_minimum"
	RuleForbidden         Rule = "forbidden"
	RuleHasBids           Rule = "has_bids"
	RuleVersionConflict   Rule = "version_conflict"
	RuleAlreadyClosed     Rule = "already_closed"
	RuleInvalidTransition Rule = "invalid_transition"
)

// ValidationError reports which rule rejected a request. MinRequired is
// populated for RuleBelowMinimum so clients can correct their offer.
type ValidationError struct {
	Rule        Rule
	Message     string
	MinRequired int64
}

func (e *ValidationError) Error() string { return e.Message }

// kinded ties a cause to its kind sentinel through Is, which the standard
// errors.Is consults; the cockroachdb mark on top serves its own Is.
type kinded struct {
	cause error
	kind  error
}

func (k *kinded) Error() string        { return k.cause.Error() }
func (k *kinded) Unwrap() error        { return k.cause }
func (k *kinded) Is(target error) bool { return target == k.kind }

func withKind(cause, kind error) error {
	return errors.Mark(&kinded{cause: cause, kind: kind}, kind)
}

// Validation builds a ValidationError for rule with a formatted message.
func Validation(rule Rule, format string, args ...any) error {
	return withKind(&ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}, ErrValidation)
}

// BelowMinimum builds the ValidationError returned for a bid under the
// minimum. current is zero when the auction has no bids yet.
func BelowMinimum(current, min int64, format func(int64) string) error {
	return withKind(&ValidationError{
		Rule:        RuleBelowMinimum,
		Message:     fmt.Sprintf("bid too low: current %s, min required %s", format(current), format(min)),
		MinRequired: min,
	}, ErrValidation)
}

// AsValidation extracts the ValidationError from err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Race builds a RaceConditionError.
func Race(format string, args ...any) error {
	return withKind(errors.Newf(format, args...), ErrRaceCondition)
}

// NotFound builds a NotFoundError for the given entity.
func NotFound(entity string, id uint64) error {
	return withKind(errors.Newf("%s %d not found", entity, id), ErrNotFound)
}

// Infrastructure wraps err as an InfrastructureError. A nil err yields nil.
func Infrastructure(err error, op string) error {
	if err == nil {
		return nil
	}
	return withKind(errors.Wrap(err, op), ErrInfrastructure)
}

// KindOf returns a short label for err's kind, used in metrics and logs.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrRaceCondition):
		return "race"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInfrastructure):
		return "infrastructure"
	}
	return "internal"
}
