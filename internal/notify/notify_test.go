package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auction-bidding/internal/clock"
	"github.com/iliyamo/auction-bidding/internal/logger"
	"github.com/iliyamo/auction-bidding/internal/model"
)

type sent struct {
	queue string
	job   Job
}

type fakeSender struct {
	fail error
	out  []sent
}

func (f *fakeSender) Publish(_ context.Context, q string, body []byte, _ amqp.Table) error {
	if f.fail != nil {
		return f.fail
	}
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return err
	}
	f.out = append(f.out, sent{queue: q, job: j})
	return nil
}

type users map[uint64]string

func (u users) GetByID(_ context.Context, id uint64) (model.User, error) {
	email, ok := u[id]
	if !ok {
		return model.User{}, errors.New("no such user")
	}
	return model.User{ID: id, Email: email}, nil
}

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestAuctionEnded(t *testing.T) {
	dir := users{7: "winner@example.com", 99: "seller@example.com"}
	a := model.Auction{ID: 1, SellerID: 99, Title: "Lamp"}

	t.Run("sold_notifies_both", func(t *testing.T) {
		s := &fakeSender{}
		m := NewMailer(s, dir, clock.NewMockClock(now), logger.Discard())
		m.AuctionEnded(context.Background(), a, model.AuctionSold, 7, 15000)
		require.Len(t, s.out, 2)
		assert.Equal(t, "winner-notification-queue", s.out[0].queue)
		assert.Equal(t, KindWinner, s.out[0].job.Kind)
		assert.Equal(t, "winner@example.com", s.out[0].job.To)
		assert.Equal(t, "150.00", s.out[0].job.FinalPrice)
		assert.Equal(t, KindSellerSold, s.out[1].job.Kind)
		assert.Equal(t, "seller@example.com", s.out[1].job.To)
	})
	t.Run("expired_notifies_seller", func(t *testing.T) {
		s := &fakeSender{}
		m := NewMailer(s, dir, clock.NewMockClock(now), logger.Discard())
		m.AuctionEnded(context.Background(), a, model.AuctionExpired, 0, 0)
		require.Len(t, s.out, 1)
		assert.Equal(t, KindSellerUnsold, s.out[0].job.Kind)
	})
	t.Run("failures_are_swallowed", func(t *testing.T) {
		s := &fakeSender{fail: errors.New("down")}
		m := NewMailer(s, users{}, clock.NewMockClock(now), logger.Discard())
		assert.NotPanics(t, func() {
			m.AuctionEnded(context.Background(), a, model.AuctionSold, 7, 100)
		})
	})
}
