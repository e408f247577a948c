package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/kyc"
	"escrowflow/milestone"
	"escrowflow/notify"
	"escrowflow/outbox"
	"escrowflow/rail"
	"escrowflow/refund"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	contractSvc := contract.NewService(pool, nil, nil, nil)
	crudSvc := contract.NewCRUDService(pool)
	milestoneSvc := milestone.NewService(pool, contractSvc)

	gate := kyc.NewService(pool, cfg.KYCReleaseThreshold)
	railClient := rail.NewHTTPClient(cfg.RailBaseURL, cfg.RailAPIKey, cfg.RailTimeout)

	escrowSvc := escrow.NewService(pool, contractSvc, milestoneSvc, gate, railClient, escrow.FeeSchedule{
		FreePercent:         cfg.FreeFeePercent,
		ProfessionalPercent: cfg.ProfessionalFeePercent,
	}, cfg.KYCReleaseThreshold)

	refundSvc := refund.NewService(pool, contractSvc, escrowSvc, refund.Policy{
		PendingFundingPercent: cfg.RefundPendingFundingPercent,
		ActivePercent:         cfg.RefundActivePercent,
		DeliveredPercent:      cfg.RefundDeliveredPercent,
	})
	disputeSvc := dispute.NewService(pool, contractSvc)

	logger.Info("services ready",
		zap.Bool("auth", authSvc != nil),
		zap.Bool("contracts", crudSvc != nil),
		zap.Bool("escrow", escrowSvc != nil),
		zap.Bool("refunds", refundSvc != nil),
		zap.Bool("disputes", disputeSvc != nil),
	)

	dispatcher := notify.NewDispatcher(
		outbox.NewStore(pool),
		&notify.LogSender{Log: logger.Named("events")},
		logger.Named("dispatcher"),
		notify.Options{
			Interval:    cfg.DispatcherInterval,
			BatchSize:   cfg.DispatcherBatchSize,
			Workers:     cfg.DispatcherWorkers,
			MaxAttempts: cfg.DispatcherMaxAttempts,
		},
	)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("dispatcher stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
