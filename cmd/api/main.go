package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/booking"
	"escrowflow/config"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/httpapi"
	"escrowflow/logging"
	"escrowflow/milestone"
	"escrowflow/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("connect database", "err", err)
	}
	defer pool.Close()

	tokens := auth.NewTokenService(cfg.JWTSecret)
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, log)
	enqueuer := outbox.NewWriter()

	contracts := contract.NewService(pool, booking.NewRepository(pool), enqueuer, log)
	engine := escrow.NewEngine(pool, gw, enqueuer, log)
	milestones := milestone.NewWorkflow(engine, log)
	disputes := dispute.NewService(pool, engine, enqueuer, log)

	var publisher outbox.Publisher = outbox.NewLogPublisher(log)
	if cfg.EventWebhookURL != "" {
		publisher = outbox.NewWebhookPublisher(cfg.EventWebhookURL)
	}
	relay := outbox.NewRelay(outbox.NewPGStore(pool), publisher, log, cfg.RelayInterval)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewServer(contracts, engine, milestones, disputes, tokens, log).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("http server starting", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return relay.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := disputes.RunDeadlineSweep(gctx); err != nil {
					log.Errorw("deadline sweep", "err", err)
				} else if n > 0 {
					log.Infow("deadline sweep escalated disputes", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatalw("service exited", "err", err)
	}
	log.Infow("service stopped")
}
