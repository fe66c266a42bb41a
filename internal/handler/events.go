package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/realtime"
)

// Subscriber hands out live event streams.
type Subscriber interface {
	Subscribe(channel string) *realtime.Subscription
}

// EventsHandler streams real-time events as server-sent events.
type EventsHandler struct {
	hub       Subscriber
	heartbeat time.Duration
	log       logrus.FieldLogger
}

func NewEventsHandler(hub Subscriber, heartbeat time.Duration, log logrus.FieldLogger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &EventsHandler{hub: hub, heartbeat: heartbeat, log: log}
}

// Auction handles GET /v1/auctions/:id/events.
func (h *EventsHandler) Auction(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid auction id")
	}
	return h.stream(c, realtime.AuctionChannel(id))
}

// Me handles GET /v1/me/events, the caller's private balance stream.
func (h *EventsHandler) Me(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "authentication required"})
	}
	return h.stream(c, realtime.UserChannel(uid))
}

func (h *EventsHandler) stream(c echo.Context, channel string) error {
	sub := h.hub.Subscribe(channel)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	h.log.WithField("channel", channel).Debug("event stream opened")
	tick := time.NewTicker(h.heartbeat)
	defer tick.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case body, ok := <-sub.C():
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
				return nil
			}
			w.Flush()
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
