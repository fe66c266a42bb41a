package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iliyamo/auction-bidding/internal/bidding"
	"github.com/iliyamo/auction-bidding/internal/clock"
	"github.com/iliyamo/auction-bidding/internal/handler"
	"github.com/iliyamo/auction-bidding/internal/lifecycle"
	"github.com/iliyamo/auction-bidding/internal/notify"
	"github.com/iliyamo/auction-bidding/internal/queue"
	"github.com/iliyamo/auction-bidding/internal/realtime"
	"github.com/iliyamo/auction-bidding/internal/reconcile"
	"github.com/iliyamo/auction-bidding/internal/recovery"
	"github.com/iliyamo/auction-bidding/internal/repository"
	"github.com/iliyamo/auction-bidding/internal/router"
)

type serveOptions struct {
	*rootOptions
	RebuildOnStart  bool
	Heartbeat       time.Duration
	ShutdownTimeout time.Duration
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, reconciliation consumers, scheduler and health monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.RebuildOnStart, "rebuild-on-start", true, "rebuild the fast-path mirror from MySQL at startup")
	cmd.Flags().DurationVar(&opts.Heartbeat, "sse-heartbeat", 15*time.Second, "interval between SSE keep-alive pings")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight HTTP requests")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup(opts.rootOptions)
	if err != nil {
		return err
	}
	in, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.Close()

	clk := clock.NewRealClock()
	auctions := repository.NewAuctionRepo(in.db)
	bids := repository.NewBidRepo(in.db)
	users := repository.NewUserRepo(in.db)

	publisher := queue.NewPublisher(in.broker, in.spool, cfg.Reconcile.Partitions, log)
	inFlight := &queue.InFlight{}
	backlog := in.backlog(inFlight)
	coordinator := newCoordinator(cfg, in, backlog, log)
	monitor := recovery.NewMonitor(in.store, coordinator, cfg.Recovery.ProbeEvery, cfg.Recovery.SettleDelay, log)
	hub := realtime.NewHub(in.rdb, log)
	mailer := notify.NewMailer(in.broker, users, clk, log)

	engine := bidding.NewEngine(bidding.Deps{
		Store:    in.store,
		Commands: publisher,
		Events:   hub,
		Gate:     coordinator,
		Lookup:   auctions,
		Clock:    clk,
		Log:      log,
	})
	svc := lifecycle.NewService(lifecycle.Deps{
		Auctions: auctions,
		Bids:     bids,
		Store:    in.store,
		Commands: publisher,
		Events:   hub,
		Notifier: mailer,
		Gate:     coordinator,
		Backlog:  backlog,
		Clock:    clk,
		Log:      log,
	})
	scheduler := lifecycle.NewScheduler(svc, auctions, clk, cfg.Scheduler.Interval, cfg.Scheduler.BatchSize, log)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				select {
				case errCh <- errors.Wrap(err, name):
				default:
				}
			}
		}()
	}

	reconciler := reconcile.NewHandler(in.db, log)
	for _, q := range in.queues {
		c := &queue.Consumer{
			Dialer:      in.broker.Dial,
			Queue:       q,
			Handler:     reconciler,
			DeadLetter:  in.broker,
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			RetryDelay:  cfg.Reconcile.RetryDelay,
			InFlight:    inFlight,
			Log:         log,
		}
		spawn("consumer "+q, c.Run)
	}
	spawn("spool flusher", func(ctx context.Context) error {
		publisher.RunSpoolFlusher(ctx, cfg.Reconcile.SpoolFlush)
		return nil
	})
	spawn("realtime hub", hub.Run)
	spawn("health monitor", func(ctx context.Context) error {
		monitor.Run(ctx)
		return nil
	})
	spawn("scheduler", func(ctx context.Context) error {
		scheduler.Run(ctx)
		return nil
	})
	if opts.RebuildOnStart {
		// The rebuild waits for the consumers above to drain the backlog.
		spawn("startup rebuild", func(ctx context.Context) error {
			if err := coordinator.Rebuild(ctx); err != nil && !errors.Is(err, recovery.ErrInProgress) {
				log.WithError(err).Error("startup rebuild failed; bids stay on the existing mirror")
			}
			return nil
		})
	}

	e := router.New(cfg, router.Handlers{
		Bids:     handler.NewBidHandler(engine, log),
		Auctions: handler.NewAuctionHandler(svc, bids, log),
		Admin:    handler.NewAdminHandler(svc, coordinator, log),
		Events:   handler.NewEventsHandler(hub, opts.Heartbeat, log),
		Ready: handler.Ready(map[string]handler.Pinger{
			"mysql":    handler.PingFunc(in.db.PingContext),
			"redis":    in.store,
			"rabbitmq": handler.PingFunc(func(context.Context) error { return in.broker.Connect() }),
		}),
	}, in.rdb, log)

	addr := ":" + cfg.App.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "partitions": cfg.Reconcile.Partitions}).Info("http server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- errors.Wrap(err, "http server"):
			default:
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
		log.WithError(runErr).Error("component failed; shutting down")
	}
	stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
	log.Info("stopped")
	return runErr
}

var (
	_ handler.Lifecycle     = (*lifecycle.Service)(nil)
	_ handler.BidPlacer     = (*bidding.Engine)(nil)
	_ handler.BidHistory    = (*repository.BidRepo)(nil)
	_ handler.Rebuilder     = (*recovery.Coordinator)(nil)
	_ lifecycle.Backlog     = (*queue.Inspector)(nil)
	_ lifecycle.RebuildGate = (*recovery.Coordinator)(nil)
)
