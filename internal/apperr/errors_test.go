package apperr

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{Validation(RuleSelfBid, "cannot bid on own auction"), "validation"},
		{errors.Wrap(Race("price moved to %d", 12), "place bid"), "race"},
		{NotFound("auction", 4), "not_found"},
		{Infrastructure(errors.New("connection refused"), "redis"), "infrastructure"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KindOf(tc.err))
	}
}

func TestBelowMinimum(t *testing.T) {
	err := errors.Wrap(BelowMinimum(10000, 11000, func(c int64) string { return "x" }), "bid")
	ve, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, RuleBelowMinimum, ve.Rule)
	assert.Equal(t, int64(11000), ve.MinRequired)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestInfrastructure_NilPassesThrough(t *testing.T) {
	assert.NoError(t, Infrastructure(nil, "redis"))
}

func TestKinds_StandardLibrary(t *testing.T) {
	tests := []struct {
		err  error
		kind error
	}{
		{Validation(RuleSelfBid, "cannot bid on own auction"), ErrValidation},
		{BelowMinimum(100, 200, func(c int64) string { return "x" }), ErrValidation},
		{Race("price moved"), ErrRaceCondition},
		{NotFound("bid", 9), ErrNotFound},
		{Infrastructure(stderrors.New("dial tcp: refused"), "mysql"), ErrInfrastructure},
	}
	kinds := []error{ErrValidation, ErrRaceCondition, ErrNotFound, ErrInfrastructure}
	for _, tc := range tests {
		wrapped := fmt.Errorf("handler: %w", tc.err)
		for _, k := range kinds {
			assert.Equal(t, k == tc.kind, stderrors.Is(wrapped, k), "%v vs %v", tc.err, k)
			assert.Equal(t, k == tc.kind, errors.Is(wrapped, k), "%v vs %v", tc.err, k)
		}
	}

	var ve *ValidationError
	require.True(t, stderrors.As(fmt.Errorf("x: %w", Validation(RuleHasBids, "has bids")), &ve))
	assert.Equal(t, RuleHasBids, ve.Rule)
}
