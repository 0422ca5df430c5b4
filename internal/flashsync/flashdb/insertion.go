// Package flashdb is the authoritative relational store for flashes.
//
// Batch inserts first attempt a single multi-row statement with a do-nothing
// conflict policy. If that statement fails for a reason that is not a
// transient network or postgres condition, the batch falls back to one-row-
// at-a-time inserts so that a single poisoned record cannot block the other
// rows. Correctness over throughput when the fast path fails.
package flashdb

import (
	"context"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/common/ingesterrors"
	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
	"github.com/flashcastr/flashsync/internal/flashsync/validation"
)

var dialect = goqu.Dialect("postgres")

const flashColumns = `flash_id, city, player, img, ipfs_cid, text, timestamp, flash_count`

type FlashDb struct {
	db        *pgxpool.Pool
	validator *validation.Validator
	metrics   *metrics.Metrics
}

func NewFlashDb(db *pgxpool.Pool, m *metrics.Metrics) *FlashDb {
	return &FlashDb{
		db:        db,
		validator: validation.NewValidator(),
		metrics:   m,
	}
}

// InsertBatch validates, sanitizes and inserts the given flashes, returning
// exactly the rows that were newly inserted. Rows that already exist are
// skipped silently (conflict policy), rows that fail validation are logged
// and dropped. A returned error means the batch did not durably land and
// should be retried later.
func (f *FlashDb) InsertBatch(ctx context.Context, flashes []model.Flash) ([]model.Flash, error) {
	if len(flashes) == 0 {
		return nil, nil
	}

	valid := make([]model.Flash, 0, len(flashes))
	var failures [][]validation.ErrorKind
	for _, flash := range flashes {
		kinds := f.validator.Validate(flash)
		if len(kinds) == 0 {
			valid = append(valid, validation.Sanitize(flash))
		} else {
			failures = append(failures, kinds)
			log.Warnf("Invalid flash %d (%s): %v", flash.FlashID, flash.Player, kinds)
		}
	}
	if len(failures) > 0 {
		f.metrics.RecordFlashesDropped(len(failures))
		log.Errorf("%d/%d flashes failed validation and will be skipped: %v",
			len(failures), len(flashes), validation.Breakdown(failures))
	}
	if len(valid) == 0 {
		log.Warn("No valid flashes to insert after validation")
		return nil, nil
	}

	inserted, err := f.insertBatchStatement(ctx, valid)
	if err == nil {
		if len(inserted) < len(valid) {
			log.Infof("%d flashes skipped due to conflicts (already stored)", len(valid)-len(inserted))
		}
		return inserted, nil
	}

	var maxRetries *ingesterrors.ErrMaxRetriesExceeded
	if errors.As(err, &maxRetries) {
		// The database is unreachable; the scalar path would fare no better.
		return nil, &ingesterrors.ErrStoreFailed{Reason: "batch insert", Cause: err}
	}

	log.Warnf("Batch insert failed, will attempt to insert serially (this might be slow). Error was %+v", err)
	return f.insertScalar(ctx, valid)
}

func (f *FlashDb) insertBatchStatement(ctx context.Context, flashes []model.Flash) ([]model.Flash, error) {
	rows := make([]interface{}, len(flashes))
	for i, flash := range flashes {
		rows[i] = insertRecord(flash)
	}
	sql, args, err := dialect.Insert("flashes").
		Prepared(true).
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		Returning(goqu.L(flashColumns)).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var inserted []model.Flash
	err = f.withDatabaseRetry(func() error {
		pgxRows, err := f.db.Query(ctx, sql, args...)
		if err != nil {
			f.metrics.RecordDBError(metrics.DBOperationInsert)
			return err
		}
		inserted, err = scanFlashes(pgxRows)
		return err
	})
	return inserted, err
}

// insertScalar inserts flashes one at a time, isolating exactly which rows
// fail and why. Permanent row-level failures (constraint violations, bad
// values) are logged and dropped; a transient failure aborts the pass so the
// remainder of the batch can be retried from the ledger.
func (f *FlashDb) insertScalar(ctx context.Context, flashes []model.Flash) ([]model.Flash, error) {
	inserted := make([]model.Flash, 0, len(flashes))
	dropped := 0
	for _, flash := range flashes {
		sql, args, err := dialect.Insert("flashes").
			Prepared(true).
			Rows(insertRecord(flash)).
			OnConflict(goqu.DoNothing()).
			Returning(goqu.L(flashColumns)).
			ToSQL()
		if err != nil {
			return inserted, errors.WithStack(err)
		}
		err = f.withDatabaseRetry(func() error {
			pgxRows, err := f.db.Query(ctx, sql, args...)
			if err != nil {
				f.metrics.RecordDBError(metrics.DBOperationInsert)
				return err
			}
			rows, err := scanFlashes(pgxRows)
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				inserted = append(inserted, rows[0])
			} else {
				log.Infof("Flash %d already exists (conflict)", flash.FlashID)
			}
			return nil
		})
		if err != nil {
			var maxRetries *ingesterrors.ErrMaxRetriesExceeded
			if errors.As(err, &maxRetries) {
				return inserted, &ingesterrors.ErrStoreFailed{Reason: "scalar insert", Cause: err}
			}
			dropped++
			log.Warnf("Insert for flash %d (%s) failed with error %+v", flash.FlashID, flash.Player, err)
		}
	}
	if dropped > 0 {
		f.metrics.RecordFlashesDropped(dropped)
		log.Errorf("%d individual inserts failed after validation", dropped)
	}
	return inserted, nil
}

// GetByIds returns the stored state of the given flashes. Missing ids are
// simply absent from the result; lookups never error on not-found.
func (f *FlashDb) GetByIds(ctx context.Context, flashIds []int64) ([]model.Flash, error) {
	if len(flashIds) == 0 {
		return nil, nil
	}
	sql, args, err := dialect.From("flashes").
		Prepared(true).
		Select(goqu.L(flashColumns)).
		Where(goqu.L("flash_id = ANY(?)", flashIds)).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f.queryFlashes(ctx, sql, args)
}

// GetSince returns flashes with a timestamp at or after sinceUnix, newest
// first. If players is non-empty the result is restricted to those player
// names, matched case-insensitively.
func (f *FlashDb) GetSince(ctx context.Context, sinceUnix int64, players []string) ([]model.Flash, error) {
	query := dialect.From("flashes").
		Prepared(true).
		Select(goqu.L(flashColumns)).
		Where(goqu.L("timestamp >= to_timestamp(?)", sinceUnix)).
		Order(goqu.C("timestamp").Desc())
	if len(players) > 0 {
		lowered := make([]string, len(players))
		for i, p := range players {
			lowered[i] = strings.ToLower(p)
		}
		query = query.Where(goqu.L("LOWER(player) = ANY(?)", lowered))
	}
	sql, args, err := query.ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f.queryFlashes(ctx, sql, args)
}

func (f *FlashDb) queryFlashes(ctx context.Context, sql string, args []interface{}) ([]model.Flash, error) {
	var result []model.Flash
	err := f.withDatabaseRetry(func() error {
		pgxRows, err := f.db.Query(ctx, sql, args...)
		if err != nil {
			f.metrics.RecordDBError(metrics.DBOperationRead)
			return err
		}
		result, err = scanFlashes(pgxRows)
		return err
	})
	return result, err
}

// insertRecord maps a flash onto its column values. The timestamp is stored
// as a timestamptz; ipfs_cid is NULL until the pinning process fills it in.
func insertRecord(f model.Flash) goqu.Record {
	var cid interface{}
	if f.IpfsCid != "" {
		cid = f.IpfsCid
	}
	return goqu.Record{
		"flash_id":    f.FlashID,
		"city":        f.City,
		"player":      f.Player,
		"img":         f.Img,
		"ipfs_cid":    cid,
		"text":        f.Text,
		"timestamp":   time.Unix(f.Timestamp, 0).UTC(),
		"flash_count": f.FlashCount,
	}
}

func scanFlashes(rows pgx.Rows) ([]model.Flash, error) {
	defer rows.Close()
	var result []model.Flash
	for rows.Next() {
		var (
			flash model.Flash
			cid   *string
			ts    time.Time
		)
		err := rows.Scan(&flash.FlashID, &flash.City, &flash.Player, &flash.Img, &cid, &flash.Text, &ts, &flash.FlashCount)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if cid != nil {
			flash.IpfsCid = *cid
		}
		flash.Timestamp = ts.Unix()
		result = append(result, flash)
	}
	return result, errors.WithStack(rows.Err())
}

// withDatabaseRetry executes a database function, retrying with exponential
// backoff until it succeeds, encounters a non-retryable error, or exhausts
// its attempts.
func (f *FlashDb) withDatabaseRetry(executeDb func() error) error {
	backOff := 1
	const maxBackoff = 60
	const maxRetries = 5
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = executeDb()
		if err == nil {
			return nil
		}
		if ingesterrors.IsNetworkError(err) || ingesterrors.IsRetryablePostgresError(err) {
			backOff = min(2*backOff, maxBackoff)
			log.Warnf("Retryable error encountered executing sql, will wait for %d seconds before retrying. Error was %v", backOff, err)
			time.Sleep(time.Duration(backOff) * time.Second)
		} else {
			return err
		}
	}
	return errors.WithStack(&ingesterrors.ErrMaxRetriesExceeded{
		Message:   "gave up running database query",
		LastError: err,
	})
}

