package flashdb

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

// Tests in this file run against a real postgres instance. Set
// FLASHSYNC_TEST_DATABASE_URL to point at a disposable database to enable
// them.
func withFlashDb(t *testing.T, action func(db *FlashDb, pool *pgxpool.Pool)) {
	t.Helper()
	url := os.Getenv("FLASHSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FLASHSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, EnsureSchema(ctx, pool))
	_, err = pool.Exec(ctx, "TRUNCATE flashes")
	require.NoError(t, err)

	action(NewFlashDb(pool, metrics.Get()), pool)
}

func testFlash(id int64) model.Flash {
	return model.Flash{
		FlashID:    id,
		City:       "Paris",
		Player:     "CHARLES_BEST",
		Img:        "/media/queries/image.jpg",
		Text:       "Paris, CHARLES_BEST",
		Timestamp:  time.Now().Add(-time.Hour).Unix(),
		FlashCount: "30 658 715",
	}
}

func TestInsertBatchIsIdempotent(t *testing.T) {
	withFlashDb(t, func(db *FlashDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		first, err := db.InsertBatch(ctx, []model.Flash{testFlash(1)})
		require.NoError(t, err)
		assert.Len(t, first, 1)

		second, err := db.InsertBatch(ctx, []model.Flash{testFlash(1)})
		require.NoError(t, err)
		assert.Empty(t, second)

		var count int
		require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM flashes").Scan(&count))
		assert.Equal(t, 1, count)
	})
}

func TestInsertBatchDropsInvalidRows(t *testing.T) {
	withFlashDb(t, func(db *FlashDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		batch := make([]model.Flash, 0, 10)
		for i := int64(1); i <= 9; i++ {
			batch = append(batch, testFlash(i))
		}
		bad := testFlash(0) // invalid id never reaches the database
		batch = append(batch, bad)

		inserted, err := db.InsertBatch(ctx, batch)
		require.NoError(t, err)
		assert.Len(t, inserted, 9)

		var count int
		require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM flashes").Scan(&count))
		assert.Equal(t, 9, count)
	})
}

func TestInsertScalarFallbackIsolatesPoisonedRow(t *testing.T) {
	withFlashDb(t, func(db *FlashDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		// Exceeds the column width. Calling the scalar path directly models a
		// batch statement that failed for a non-retryable reason: the
		// poisoned row is dropped, every other row still lands.
		poisoned := testFlash(5)
		poisoned.City = strings.Repeat("x", 150)
		good := []model.Flash{testFlash(1), testFlash(2), testFlash(3)}

		inserted, err := db.insertScalar(ctx, append(good, poisoned))
		require.NoError(t, err)
		assert.Len(t, inserted, 3)
	})
}

func TestGetByIds(t *testing.T) {
	withFlashDb(t, func(db *FlashDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		_, err := db.InsertBatch(ctx, []model.Flash{testFlash(1), testFlash(2), testFlash(3)})
		require.NoError(t, err)

		got, err := db.GetByIds(ctx, []int64{1, 3, 99})
		require.NoError(t, err)
		ids := make([]int64, len(got))
		for i, f := range got {
			ids[i] = f.FlashID
		}
		assert.ElementsMatch(t, []int64{1, 3}, ids)

		empty, err := db.GetByIds(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestGetByIdsRoundTripsIpfsCid(t *testing.T) {
	withFlashDb(t, func(db *FlashDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		pinned := testFlash(1)
		pinned.IpfsCid = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
		unpinned := testFlash(2)

		_, err := db.InsertBatch(ctx, []model.Flash{pinned, unpinned})
		require.NoError(t, err)

		got, err := db.GetByIds(ctx, []int64{1, 2})
		require.NoError(t, err)
		byId := make(map[int64]model.Flash)
		for _, f := range got {
			byId[f.FlashID] = f
		}
		assert.True(t, byId[1].HasIpfsCid())
		assert.False(t, byId[2].HasIpfsCid())
	})
}

func TestGetSince(t *testing.T) {
	withFlashDb(t, func(db *FlashDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		now := time.Now()

		old := testFlash(1)
		old.Timestamp = now.Add(-48 * time.Hour).Unix()
		recent := testFlash(2)
		recent.Timestamp = now.Add(-time.Hour).Unix()
		newest := testFlash(3)
		newest.Player = "OtherPlayer"
		newest.Timestamp = now.Add(-time.Minute).Unix()

		_, err := db.InsertBatch(ctx, []model.Flash{old, recent, newest})
		require.NoError(t, err)

		got, err := db.GetSince(ctx, now.Add(-24*time.Hour).Unix(), nil)
		require.NoError(t, err)
		require.Len(t, got, 2)
		// Descending by time
		assert.Equal(t, int64(3), got[0].FlashID)
		assert.Equal(t, int64(2), got[1].FlashID)

		// Case-insensitive player filter
		filtered, err := db.GetSince(ctx, now.Add(-24*time.Hour).Unix(), []string{"OTHERPLAYER"})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, int64(3), filtered[0].FlashID)
	})
}
