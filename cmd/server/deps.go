package main

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/config"
	"github.com/iliyamo/auction-bidding/internal/database"
	"github.com/iliyamo/auction-bidding/internal/fastpath"
	"github.com/iliyamo/auction-bidding/internal/logger"
	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/queue"
	"github.com/iliyamo/auction-bidding/internal/recovery"
	"github.com/iliyamo/auction-bidding/internal/repository"
)

// setup loads configuration and builds the process logger.
func setup(opts *rootOptions) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	level := cfg.App.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log := logger.New(level)
	log.WithFields(logrus.Fields{"env": cfg.App.Env, "version": version}).Debug("configuration loaded")
	return cfg, log, nil
}

// infra is the set of external clients a command holds open.
type infra struct {
	db     *sql.DB
	rdb    *redis.Client
	store  *fastpath.Store
	broker *queue.Broker
	spool  *queue.Spool
	queues []string
}

func openInfra(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*infra, error) {
	db, err := database.Open(cfg.DB)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if err := config.PingRedis(ctx, rdb); err != nil {
		// Not fatal: the health monitor rebuilds the mirror once Redis answers.
		log.WithError(err).Warn("redis unreachable at startup")
	}

	queues := queue.CommandQueues(cfg.Reconcile.Partitions)
	declared := append(append([]string{}, queues...), queue.NotificationQueue)
	broker := queue.NewBroker(cfg.AMQP.Address(), declared, log)
	if err := broker.Connect(); err != nil {
		log.WithError(err).Warn("rabbitmq unreachable at startup; commands will be spooled")
	}

	return &infra{
		db:     db,
		rdb:    rdb,
		store:  fastpath.New(rdb, cfg.Scheduler.TerminalTTL),
		broker: broker,
		spool:  queue.NewSpool(rdb),
		queues: queues,
	}, nil
}

func (i *infra) Close() {
	_ = i.broker.Close()
	_ = i.rdb.Close()
	_ = i.db.Close()
}

// durableState is the MySQL side the mirror is rebuilt from.
type durableState struct {
	auctions *repository.AuctionRepo
	bids     *repository.BidRepo
	users    *repository.UserRepo
}

func (s durableState) ListNonTerminal(ctx context.Context) ([]model.Auction, error) {
	return s.auctions.ListNonTerminal(ctx)
}

func (s durableState) LiveWinners(ctx context.Context) (map[uint64]uint64, error) {
	return s.bids.LiveWinners(ctx)
}

func (s durableState) Balances(ctx context.Context) (map[uint64]int64, error) {
	return s.users.Balances(ctx)
}

// backlog counts commands not yet applied to MySQL. inFlight counts
// deliveries held by this process's consumers; nil outside serve.
func (i *infra) backlog(inFlight *queue.InFlight) *queue.Inspector {
	return queue.NewInspector(i.broker, i.spool, inFlight, i.queues)
}

// newCoordinator wires the rebuild against the command backlog.
func newCoordinator(cfg config.Config, in *infra, backlog recovery.Backlog, log logrus.FieldLogger) *recovery.Coordinator {
	source := durableState{
		auctions: repository.NewAuctionRepo(in.db),
		bids:     repository.NewBidRepo(in.db),
		users:    repository.NewUserRepo(in.db),
	}
	return recovery.NewCoordinator(backlog, source, in.store, recovery.Options{
		MaxAttempts:  cfg.Recovery.MaxAttempts,
		RetryDelay:   cfg.Recovery.RetryDelay,
		DrainPoll:    cfg.Recovery.DrainPoll,
		DrainTimeout: cfg.Recovery.DrainTimeout,
	}, log)
}
