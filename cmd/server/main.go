package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/tenant_core/api"
	"github.com/mmdatafocus/tenant_core/booking"
	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/dedup"
	"github.com/mmdatafocus/tenant_core/ingest"
	"github.com/mmdatafocus/tenant_core/notify"
	"github.com/mmdatafocus/tenant_core/queue"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/store/memory"
	"github.com/mmdatafocus/tenant_core/store/mysqlstore"
	"github.com/mmdatafocus/tenant_core/usage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := config.GetLogger()
	if err := run(logger); err != nil {
		logger.WithFields(logrus.Fields{"field": "main"}).Fatal(err.Error())
	}
}

func run(logger *logrus.Logger) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}

	// Cloud Run sends SIGTERM on revision shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, err := openLocker(ctx, settings)
	if err != nil {
		return err
	}
	defer config.CloseRedis()

	manager := queue.NewManager(st, queue.Config{
		MaxAttempts:   settings.QueueMaxAttempts,
		BaseBackoff:   settings.QueueBaseBackoff,
		MaxBackoff:    settings.QueueMaxBackoff,
		LeaseDuration: settings.QueueLease,
	}, logger)

	publishers := usage.Publishers{usage.LogPublisher{Logger: logger}}
	if settings.UsageAlertTopic != "" || settings.DeadLetterTopic != "" {
		client, err := config.GetClient(ctx)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
		defer config.ClosePubSub()
		pub, err := notify.NewPublisher(ctx, client, settings.UsageAlertTopic, settings.DeadLetterTopic, logger)
		if err != nil {
			return fmt.Errorf("pubsub topics: %w", err)
		}
		defer pub.Stop()
		publishers = append(publishers, pub)
		manager.OnDeadLetter(pub.OnDeadLetter)
	}

	resolver := dedup.NewResolver(st, locker, dedup.NewNormalizer(settings.PhoneDefaultRegion), logger)
	scheduler := booking.NewScheduler(st, settings.BookingSerializationRetries, logger)
	ledger := usage.NewLedger(st, publishers, logger)

	if settings.PubSubIngestToken == "" {
		logger.WithFields(logrus.Fields{"field": "PubSubIngest"}).Warn("PUBSUB_INGEST_TOKEN is empty; /pubsub/ingest will refuse every delivery")
	}

	handlers := &ingest.Handlers{Resolver: resolver, Ledger: ledger, Scheduler: scheduler, Logger: logger}

	srv := &http.Server{
		Addr: ":" + settings.Port,
		Handler: (&api.Server{
			Resolver:  resolver,
			Queue:     manager,
			Scheduler: scheduler,
			Ledger:    ledger,
			Health:    st,
			Settings:  settings,
			Logger:    logger,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"field": "http", "port": settings.Port}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	host, _ := os.Hostname()
	for i := 0; i < settings.QueueWorkers; i++ {
		p := queue.NewProcessor(manager, queue.ProcessorConfig{
			WorkerId:     fmt.Sprintf("%s-%d", host, i),
			BatchSize:    settings.QueueBatchSize,
			PollInterval: settings.QueuePollInterval,
			ReapInterval: settings.QueueReapInterval,
		}, logger)
		handlers.Register(p)
		g.Go(func() error { return p.Run(gctx) })
		if i == 0 {
			g.Go(func() error { return p.RunReaper(gctx) })
		}
	}

	err = g.Wait()
	logger.WithFields(logrus.Fields{"field": "main"}).Info("shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, settings config.Settings, logger *logrus.Logger) (store.Store, error) {
	if settings.StoreBackend == "memory" {
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil
	}
	db, err := config.ConnectDatabaseWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	st := mysqlstore.New(db)
	if settings.MigrateOnStart {
		if err := st.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Info("MIGRATE_ON_START is off; skipping AutoMigrate")
	}
	return st, nil
}

func openLocker(ctx context.Context, settings config.Settings) (dedup.Locker, error) {
	if settings.LockBackend == "memory" {
		return dedup.NewSlotLocker(1024, settings.DedupLockTimeout), nil
	}
	client, err := config.ConnectRedisWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return dedup.NewRedisLocker(client, settings.DedupLockTTL, settings.DedupLockTimeout), nil
}
