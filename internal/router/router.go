// Package router wires the HTTP surface onto echo.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/config"
	"github.com/iliyamo/auction-bidding/internal/handler"
	"github.com/iliyamo/auction-bidding/internal/middleware"
)

// Handlers groups everything the routes dispatch to.
type Handlers struct {
	Bids     *handler.BidHandler
	Auctions *handler.AuctionHandler
	Admin    *handler.AdminHandler
	Events   *handler.EventsHandler
	Ready    echo.HandlerFunc
}

// New builds the echo instance with every route registered.
func New(cfg config.Config, h Handlers, rdb *redis.Client, log logrus.FieldLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	RegisterRoutes(e, h)
	RegisterAPI(e, cfg, h, rdb, log)
	return e
}

// RegisterRoutes registers probes and metrics. None require a token.
func RegisterRoutes(e *echo.Echo, h Handlers) {
	e.GET("/healthz", handler.Health)
	if h.Ready != nil {
		e.GET("/readyz", h.Ready)
	}
	e.GET("/metrics", handler.Metrics)
}

// RegisterAPI registers the /v1 surface. Reads are public; everything
// else needs a valid access token, and /v1/admin also the ADMIN role.
func RegisterAPI(e *echo.Echo, cfg config.Config, h Handlers, rdb *redis.Client, log logrus.FieldLogger) {
	pub := e.Group("/v1")
	pub.GET("/auctions/:id", h.Auctions.Get)
	pub.GET("/auctions/:id/bids", h.Auctions.ListBids, middleware.NewRedisCache(cfg.Cache, rdb))
	pub.GET("/auctions/:id/events", h.Events.Auction)

	auth := e.Group("/v1", middleware.JWTAuth(cfg.JWT.Secret))
	auth.POST("/auctions", h.Auctions.Create)
	auth.PATCH("/auctions/:id", h.Auctions.Update)
	auth.POST("/auctions/:id/cancel", h.Auctions.Cancel)
	auth.POST("/auctions/:id/bids", h.Bids.PlaceBid, middleware.NewTokenBucket(cfg.RateLimit, rdb, log))
	auth.GET("/me/bids", h.Auctions.MyBids)
	auth.GET("/me/events", h.Events.Me)

	admin := e.Group("/v1/admin", middleware.JWTAuth(cfg.JWT.Secret), middleware.RequireRole(handler.RoleAdmin))
	admin.POST("/auctions/:id/activate", h.Auctions.Activate)
	admin.POST("/auctions/:id/end", h.Auctions.End)
	admin.POST("/bids/:id/cancel", h.Admin.CancelBid)
	admin.POST("/rebuild-cache", h.Admin.RebuildCache)
}
