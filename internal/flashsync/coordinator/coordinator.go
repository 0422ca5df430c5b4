// Package coordinator orchestrates one run of the sync pipeline: retry
// anything ledgered by earlier runs, fetch the latest batch from upstream,
// filter it by deployment policy, persist it, work out which flashes must be
// (re)published, publish them with per-item failure isolation, and ledger
// whatever failed so the next run can try again.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/common/ingesterrors"
	"github.com/flashcastr/flashsync/internal/flashsync/detector"
	"github.com/flashcastr/flashsync/internal/flashsync/filter"
	"github.com/flashcastr/flashsync/internal/flashsync/imagestore"
	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
	"github.com/flashcastr/flashsync/internal/flashsync/publisher"
)

// FlashStore is the slice of the database the coordinator needs.
type FlashStore interface {
	InsertBatch(ctx context.Context, flashes []model.Flash) ([]model.Flash, error)
	GetByIds(ctx context.Context, flashIds []int64) ([]model.Flash, error)
}

// Fetcher pulls the latest batch from the upstream API.
type Fetcher interface {
	GetFlashes(ctx context.Context) (*model.FlashBatch, error)
}

// FailureLedger persists batches that failed downstream processing.
type FailureLedger interface {
	Persist(flashes []model.Flash, reason string)
	ListPending() ([]model.FailedBatch, error)
	Clear(id string) error
}

// ImageUploader mirrors flash images into object storage.
type ImageUploader interface {
	BatchUpload(ctx context.Context, requests []imagestore.UploadRequest) int
}

type Coordinator struct {
	store    FlashStore
	fetcher  Fetcher
	ledger   FailureLedger
	pub      publisher.Publisher
	uploader ImageUploader
	policy   filter.Policy
	detector *detector.ChangeDetector
	metrics  *metrics.Metrics

	imageSourceBaseURL string
	publishConcurrency int
	now                func() time.Time
}

type Option func(*Coordinator)

// WithImageUploader enables mirroring of newly-stored flash images.
func WithImageUploader(uploader ImageUploader, sourceBaseURL string) Option {
	return func(c *Coordinator) {
		c.uploader = uploader
		c.imageSourceBaseURL = sourceBaseURL
	}
}

// WithChangeDetector enables counter-based and probabilistic run skipping.
func WithChangeDetector(d *detector.ChangeDetector) Option {
	return func(c *Coordinator) {
		c.detector = d
	}
}

// WithPublishConcurrency bounds the publish worker pool.
func WithPublishConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.publishConcurrency = n
		}
	}
}

func NewCoordinator(
	store FlashStore,
	fetcher Fetcher,
	ledger FailureLedger,
	pub publisher.Publisher,
	policy filter.Policy,
	m *metrics.Metrics,
	options ...Option,
) *Coordinator {
	c := &Coordinator{
		store:              store,
		fetcher:            fetcher,
		ledger:             ledger,
		pub:                pub,
		policy:             policy,
		metrics:            m,
		publishConcurrency: 3,
		now:                time.Now,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// RunScheduled executes one run, converting every failure into a logged
// outcome. It never returns an error and never panics: a failed run must not
// take the scheduler down, another run is due shortly.
func (c *Coordinator) RunScheduled(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Sync run panicked: %v", r)
		}
	}()
	if err := c.Run(ctx); err != nil {
		log.WithError(err).Error("Sync run failed")
	}
}

// Run executes one run and reports its outcome. Suitable for one-shot
// invocations that want a non-zero exit on failure.
func (c *Coordinator) Run(ctx context.Context) error {
	// Ledgered batches are retried even on runs the detector would skip,
	// so a long quiet period cannot starve the ledger.
	c.retryPass(ctx)

	if c.detector != nil && c.detector.ShouldSkip(c.now(), c.detector.Streak()) {
		c.metrics.RecordRun(metrics.RunOutcomeSkipped)
		return nil
	}

	batch, err := c.fetcher.GetFlashes(ctx)
	if err != nil {
		c.metrics.RecordRun(metrics.RunOutcomeFetchFailed)
		return &ingesterrors.ErrFetchFailed{Message: err.Error()}
	}
	// A missing category almost certainly means an upstream outage; make it
	// visible rather than silently processing half a batch.
	if batch == nil || len(batch.WithParis) == 0 || len(batch.WithoutParis) == 0 {
		c.metrics.RecordRun(metrics.RunOutcomeFetchFailed)
		return &ingesterrors.ErrFetchFailed{Message: "upstream returned a partial or empty batch"}
	}

	if c.detector != nil {
		streak := c.detector.Observe(latestCounter(batch))
		if streak > 0 {
			log.Infof("Upstream counter unchanged for %d runs, nothing new to ingest", streak)
			c.metrics.RecordRun(metrics.RunOutcomeSkipped)
			return nil
		}
	}

	flashes := filter.Apply(c.policy, batch)
	if len(flashes) == 0 {
		log.Info("No flashes matched the processing policy")
		c.metrics.RecordRun(metrics.RunOutcomeCompleted)
		return nil
	}

	inserted, err := c.store.InsertBatch(ctx, flashes)
	if err != nil {
		// The batch did not durably land; ledger all of it and stop. It
		// must not be published before it is stored.
		c.ledger.Persist(flashes, fmt.Sprintf("db write failure: %v", err))
		c.metrics.RecordRun(metrics.RunOutcomeStoreFailed)
		return errors.WithMessage(err, "persisting fetched batch")
	}
	c.metrics.RecordFlashesStored(len(inserted))

	uploadedImages := 0
	if c.uploader != nil && len(inserted) > 0 {
		uploadedImages = c.uploader.BatchUpload(ctx, c.uploadRequests(inserted))
	}

	publishSet, err := c.computePublishSet(ctx, flashes, inserted)
	if err != nil {
		c.ledger.Persist(flashes, fmt.Sprintf("publish set lookup failure: %v", err))
		c.metrics.RecordRun(metrics.RunOutcomeStoreFailed)
		return errors.WithMessage(err, "computing publish set")
	}

	failed := c.publishAll(ctx, publishSet)
	if len(failed) > 0 {
		c.ledger.Persist(failed, "publish failure")
	}

	c.metrics.RecordRun(metrics.RunOutcomeCompleted)
	log.Infof("%d flashes processed, %d newly stored, %d images uploaded, %d published, %d publish failures",
		len(flashes), len(inserted), uploadedImages, len(publishSet)-len(failed), len(failed))
	return nil
}

// retryPass republishes everything ledgered by earlier runs. Envelopes are
// consumed whole: on partial success the still-failing subset is written as
// a new envelope before the consumed ones are deleted.
func (c *Coordinator) retryPass(ctx context.Context) {
	envelopes, err := c.ledger.ListPending()
	if err != nil {
		log.WithError(err).Error("Could not list ledgered batches")
		return
	}
	if len(envelopes) == 0 {
		return
	}

	var flashes []model.Flash
	for _, envelope := range envelopes {
		log.Infof("Retrying ledgered batch %s (%d flashes, reason: %s)", envelope.ID, len(envelope.Flashes), envelope.Reason)
		flashes = append(flashes, envelope.Flashes...)
	}

	// The upstream category of a ledgered flash is lost, so the policy
	// filter does not apply here; it already passed on the original run.
	inserted, err := c.store.InsertBatch(ctx, flashes)
	if err != nil {
		// Envelopes stay where they are; the next run tries again.
		log.WithError(err).Error("Retry pass could not persist ledgered flashes")
		return
	}
	c.metrics.RecordFlashesStored(len(inserted))

	publishSet, err := c.computePublishSet(ctx, flashes, inserted)
	if err != nil {
		log.WithError(err).Error("Retry pass could not compute publish set")
		return
	}

	failed := c.publishAll(ctx, publishSet)
	if len(failed) > 0 {
		c.ledger.Persist(failed, "publish failure (retry)")
	}
	for _, envelope := range envelopes {
		if err := c.ledger.Clear(envelope.ID); err != nil {
			log.WithError(err).Warnf("Could not clear consumed envelope %s", envelope.ID)
		}
	}
	log.Infof("Retry pass: %d ledgered flashes, %d published, %d still failing",
		len(flashes), len(publishSet)-len(failed), len(failed))
}

// computePublishSet returns the flashes that must be pushed downstream this
// run: those just inserted, plus those already stored whose ipfs cid is
// still empty. The latter were stored before the external pinning process
// caught up and have to be retried for publish until it does.
func (c *Coordinator) computePublishSet(ctx context.Context, attempted []model.Flash, inserted []model.Flash) ([]model.Flash, error) {
	seen := make(map[int64]bool, len(attempted))
	publishSet := make([]model.Flash, 0, len(inserted))
	for _, flash := range inserted {
		if !seen[flash.FlashID] {
			seen[flash.FlashID] = true
			publishSet = append(publishSet, flash)
		}
	}

	ids := make([]int64, 0, len(attempted))
	for _, flash := range attempted {
		if !seen[flash.FlashID] {
			ids = append(ids, flash.FlashID)
		}
	}
	if len(ids) == 0 {
		return publishSet, nil
	}

	stored, err := c.store.GetByIds(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, flash := range stored {
		if !flash.HasIpfsCid() && !seen[flash.FlashID] {
			seen[flash.FlashID] = true
			publishSet = append(publishSet, flash)
		}
	}
	return publishSet, nil
}

// publishAll pushes each flash downstream through a bounded worker pool and
// returns exactly the subset that failed. One flash's failure never cancels
// its siblings.
func (c *Coordinator) publishAll(ctx context.Context, flashes []model.Flash) []model.Flash {
	if len(flashes) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		failed []model.Flash
		errs   *multierror.Error
	)
	queue := make(chan model.Flash)
	wg := sync.WaitGroup{}
	for i := 0; i < c.publishConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for flash := range queue {
				if err := c.pub.Publish(ctx, flash); err != nil {
					mu.Lock()
					failed = append(failed, flash)
					errs = multierror.Append(errs, &ingesterrors.ErrPublishFailed{FlashID: flash.FlashID, Cause: err})
					mu.Unlock()
				}
			}
		}()
	}
	for _, flash := range flashes {
		queue <- flash
	}
	close(queue)
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		log.WithError(err).Warnf("%d of %d publishes failed", len(failed), len(flashes))
	}
	return failed
}

func (c *Coordinator) uploadRequests(flashes []model.Flash) []imagestore.UploadRequest {
	requests := make([]imagestore.UploadRequest, len(flashes))
	for i, flash := range flashes {
		requests[i] = imagestore.UploadRequest{
			SourceURL: c.imageSourceBaseURL + flash.Img,
			Key:       flash.Img,
		}
	}
	return requests
}

// latestCounter picks the upstream display counter off the freshest flash in
// the batch; every flash carries the same global counter value at fetch
// time, so any representative will do.
func latestCounter(batch *model.FlashBatch) string {
	if len(batch.WithParis) > 0 {
		return batch.WithParis[0].FlashCount
	}
	if len(batch.WithoutParis) > 0 {
		return batch.WithoutParis[0].FlashCount
	}
	return ""
}
