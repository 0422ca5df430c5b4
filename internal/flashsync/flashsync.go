// Package flashsync wires the sync pipeline together and runs it on a fixed
// interval until shutdown.
package flashsync

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/common/database"
	"github.com/flashcastr/flashsync/internal/common/task"
	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
	"github.com/flashcastr/flashsync/internal/flashsync/coordinator"
	"github.com/flashcastr/flashsync/internal/flashsync/detector"
	"github.com/flashcastr/flashsync/internal/flashsync/fetcher"
	"github.com/flashcastr/flashsync/internal/flashsync/filter"
	"github.com/flashcastr/flashsync/internal/flashsync/flashdb"
	"github.com/flashcastr/flashsync/internal/flashsync/imagestore"
	"github.com/flashcastr/flashsync/internal/flashsync/ledger"
	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/publisher"
)

// Run starts the scheduled pipeline and blocks until ctx is cancelled.
func Run(ctx context.Context, config *configuration.FlashsyncConfiguration) error {
	c, cleanup, err := createCoordinator(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()

	taskManager := task.NewBackgroundTaskManager(ctx, "flashsync_")
	taskManager.Register(c.RunScheduled, config.SyncInterval, "sync")

	log.Infof("Flashsync started, syncing every %s", config.SyncInterval)
	if taskManager.WaitForShutdown(30 * time.Second) {
		log.Warn("Shutdown timed out waiting for the current run to finish")
	}
	return nil
}

// RunOnce executes a single pipeline run and returns its outcome. Used by
// one-shot invocations (cron, manual backfills).
func RunOnce(ctx context.Context, config *configuration.FlashsyncConfiguration) error {
	c, cleanup, err := createCoordinator(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()
	return c.Run(ctx)
}

func createCoordinator(ctx context.Context, config *configuration.FlashsyncConfiguration) (*coordinator.Coordinator, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	m := metrics.Get()

	pool, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return nil, cleanup, errors.WithMessage(err, "connecting to postgres")
	}
	cleanups = append(cleanups, pool.Close)

	if err := flashdb.EnsureSchema(ctx, pool); err != nil {
		return nil, cleanup, errors.WithMessage(err, "ensuring database schema")
	}
	store := flashdb.NewFlashDb(pool, m)

	diskLedger, err := ledger.NewDiskLedger(config.Ledger.Directory, m)
	if err != nil {
		return nil, cleanup, errors.WithMessage(err, "opening failure ledger")
	}

	var publishers []publisher.Publisher
	if config.Pulsar.URL != "" {
		pulsarClient, err := publisher.NewPulsarClient(config.Pulsar)
		if err != nil {
			return nil, cleanup, errors.WithMessage(err, "creating pulsar client")
		}
		cleanups = append(cleanups, pulsarClient.Close)
		pulsarPublisher, err := publisher.NewPulsarPublisher(pulsarClient, config.Pulsar, m)
		if err != nil {
			return nil, cleanup, errors.WithMessage(err, "creating pulsar producer")
		}
		publishers = append(publishers, pulsarPublisher)
	}
	if config.Webhook.URL != "" {
		publishers = append(publishers, publisher.NewWebhookPublisher(config.Webhook, m))
	}
	if len(publishers) == 0 {
		return nil, cleanup, errors.New("no publish destination configured; set pulsar.url or webhook.url")
	}
	pub := publisher.NewCompositePublisher(publishers...)
	cleanups = append(cleanups, pub.Close)

	var policy filter.Policy = filter.AllowAll{}
	if len(config.Filter.AllowedPlayers) > 0 {
		policy = filter.NewAllowListPolicy(config.Filter.AllowedPlayers)
	}

	options := []coordinator.Option{
		coordinator.WithPublishConcurrency(config.PublishConcurrency),
	}
	if config.Images.Bucket != "" {
		uploader, err := imagestore.NewUploader(ctx, config.Images)
		if err != nil {
			return nil, cleanup, errors.WithMessage(err, "creating image uploader")
		}
		options = append(options, coordinator.WithImageUploader(uploader, config.Images.SourceBaseURL))
	}
	if config.Detector.Enabled {
		d := detector.NewChangeDetector(config.Detector, rand.New(rand.NewSource(time.Now().UnixNano())))
		options = append(options, coordinator.WithChangeDetector(d))
	}

	c := coordinator.NewCoordinator(
		store,
		fetcher.NewClient(config.Fetcher),
		diskLedger,
		pub,
		policy,
		m,
		options...,
	)
	return c, cleanup, nil
}
