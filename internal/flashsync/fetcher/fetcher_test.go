package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
)

func testClient(url string) *Client {
	return NewClient(configuration.FetcherConfig{
		URL:         url,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
	})
}

func TestGetFlashesDecodesBothCategories(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/flashinvaders/flashes", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"with_paris": [{"flash_id": 1, "city": "Paris", "player": "a", "img": "/a.jpg", "timestamp": 1700000000, "flash_count": "1 000"}],
			"without_paris": [{"flash_id": 2, "city": "Lyon", "player": "b", "img": "/b.jpg", "timestamp": 1700000001, "flash_count": "1 000"}]
		}`))
	}))
	defer server.Close()

	batch, err := testClient(server.URL).GetFlashes(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.WithParis, 1)
	require.Len(t, batch.WithoutParis, 1)
	assert.Equal(t, int64(1), batch.WithParis[0].FlashID)
	assert.Equal(t, "Lyon", batch.WithoutParis[0].City)
	assert.Len(t, batch.All(), 2)
}

func TestGetFlashesRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"with_paris": [], "without_paris": []}`))
	}))
	defer server.Close()

	batch, err := testClient(server.URL).GetFlashes(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, batch)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestGetFlashesFailsAfterExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := testClient(server.URL).GetFlashes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestGetFlashesFailsOnMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>blocked</html>`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).GetFlashes(context.Background())
	require.Error(t, err)
}
