// Package ledger persists batches of flashes that failed downstream
// processing to local disk so they can be retried on a later run. Envelope
// files are immutable once written; a retry pass acknowledges an envelope by
// deleting the whole file and, if some flashes still fail, re-persisting the
// failing subset as a new envelope.
package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

const envelopePrefix = "failed-flashes-"

type DiskLedger struct {
	dir     string
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDiskLedger creates the ledger directory if needed.
func NewDiskLedger(dir string, m *metrics.Metrics) (*DiskLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating ledger directory %s", dir)
	}
	return &DiskLedger{dir: dir, metrics: m, now: time.Now}, nil
}

// Persist writes one envelope containing the given flashes. Losing a retry
// record is acceptable, crashing the pipeline is not: write failures are
// logged, never propagated.
func (l *DiskLedger) Persist(flashes []model.Flash, reason string) {
	if len(flashes) == 0 {
		return
	}

	recordedAt := l.now().UTC()
	id := envelopeId(recordedAt)
	envelope := model.FailedBatch{
		ID:         id,
		RecordedAt: recordedAt,
		Reason:     reason,
		Flashes:    flashes,
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		log.WithError(err).Errorf("Failed to marshal envelope of %d flashes", len(flashes))
		return
	}
	path := filepath.Join(l.dir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Errorf("Failed to persist %d flashes to %s", len(flashes), path)
		return
	}

	l.metrics.RecordLedgerEnvelope()
	ids := make([]int64, len(flashes))
	for i, f := range flashes {
		ids[i] = f.FlashID
	}
	log.Infof("Persisted %d failed flashes to %s (reason: %s, ids: %v)", len(flashes), path, reason, ids)
}

// ListPending returns all persisted envelopes, newest first. Envelopes that
// cannot be read or parsed are logged and skipped.
func (l *DiskLedger) ListPending() ([]model.FailedBatch, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ledger directory %s", l.dir)
	}

	var envelopes []model.FailedBatch
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable envelope %s", path)
			continue
		}
		var envelope model.FailedBatch
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.WithError(err).Warnf("Skipping corrupt envelope %s", path)
			continue
		}
		if envelope.ID == "" {
			envelope.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		envelopes = append(envelopes, envelope)
	}

	sort.Slice(envelopes, func(i, j int) bool {
		return envelopes[i].RecordedAt.After(envelopes[j].RecordedAt)
	})
	return envelopes, nil
}

// PendingFlashes returns every flash across all pending envelopes, newest
// envelope first, preserving flash order within an envelope.
func (l *DiskLedger) PendingFlashes() ([]model.Flash, error) {
	envelopes, err := l.ListPending()
	if err != nil {
		return nil, err
	}
	var flashes []model.Flash
	for _, envelope := range envelopes {
		flashes = append(flashes, envelope.Flashes...)
	}
	return flashes, nil
}

// Clear deletes a single envelope by id.
func (l *DiskLedger) Clear(id string) error {
	path := filepath.Join(l.dir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing envelope %s", path)
	}
	return nil
}

// ClearAll deletes every pending envelope. Used only after a retry pass has
// republished everything.
func (l *DiskLedger) ClearAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrapf(err, "reading ledger directory %s", l.dir)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
			return errors.Wrapf(err, "removing envelope %s", entry.Name())
		}
		removed++
	}
	if removed > 0 {
		log.Infof("Cleared %d ledger envelopes", removed)
	}
	return nil
}

// envelopeId embeds a filesystem-safe timestamp plus a short unique suffix
// so two envelopes written within the same second cannot collide.
func envelopeId(recordedAt time.Time) string {
	ts := recordedAt.Format("2006-01-02T15-04-05")
	return envelopePrefix + ts + "-" + uuid.New().String()[:8]
}
