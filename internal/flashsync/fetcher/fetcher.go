// Package fetcher is the client for the upstream flashes API. The API sits
// behind bot protection, so requests carry rotating browser headers and a
// little timing jitter; transient failures are retried with exponential
// backoff before the run gives up.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

const flashesPath = "/flashinvaders/flashes"

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

type Client struct {
	baseURL     string
	client      *http.Client
	maxAttempts uint
	rand        *rand.Rand

	mu              sync.Mutex
	lastRequestTime time.Time
}

func NewClient(config configuration.FetcherConfig) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Client{
		baseURL:     config.URL,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetFlashes fetches the latest flash batch. A nil error does not guarantee
// both categories are populated; the coordinator decides whether a partial
// batch is acceptable.
func (c *Client) GetFlashes(ctx context.Context) (*model.FlashBatch, error) {
	c.humanDelay(ctx)

	var batch *model.FlashBatch
	err := retry.Do(
		func() error {
			var err error
			batch, err = c.fetch(ctx)
			return err
		},
		retry.Attempts(c.maxAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Upstream fetch failed (attempt %d), retrying", n+1)
		}),
	)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *Client) fetch(ctx context.Context) (*model.FlashBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+flashesPath, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("User-Agent", c.randomUserAgent())
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "fetching flashes")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, snippet)
	}

	var batch model.FlashBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, errors.WithMessage(err, "decoding flashes response")
	}
	return &batch, nil
}

func (c *Client) randomUserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return userAgents[c.rand.Intn(len(userAgents))]
}

// humanDelay spaces successive requests out with a random pause so polling
// does not look mechanical to the upstream bot protection.
func (c *Client) humanDelay(ctx context.Context) {
	c.mu.Lock()
	sinceLast := time.Since(c.lastRequestTime)
	var pause time.Duration
	if sinceLast < 2*time.Second {
		pause = time.Second + time.Duration(c.rand.Intn(2000))*time.Millisecond
	}
	c.lastRequestTime = time.Now()
	c.mu.Unlock()

	if pause > 0 {
		select {
		case <-time.After(pause):
		case <-ctx.Done():
		}
	}
}
