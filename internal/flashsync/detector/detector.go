// Package detector skips pipeline runs that would do no useful work. The
// upstream API exposes a global flash counter that only moves when somebody
// flashes; if it has not moved since the last run there is nothing new to
// ingest. On top of that, off-peak hours get a probabilistic skip, escalating
// the longer the counter stays flat, to keep polling pressure down overnight.
package detector

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
)

type ChangeDetector struct {
	config configuration.DetectorConfig
	rand   *rand.Rand

	mu              sync.Mutex
	lastCount       string
	unchangedStreak int
}

// NewChangeDetector seeds the skip decision from the given random source so
// tests can make it deterministic.
func NewChangeDetector(config configuration.DetectorConfig, r *rand.Rand) *ChangeDetector {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ChangeDetector{config: config, rand: r}
}

// Observe records the latest upstream counter and returns the current
// unchanged-streak length. The streak resets to zero the instant the counter
// changes.
func (d *ChangeDetector) Observe(count string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if count != d.lastCount {
		d.lastCount = count
		d.unchangedStreak = 0
	} else {
		d.unchangedStreak++
	}
	return d.unchangedStreak
}

// Streak returns the current unchanged-streak length.
func (d *ChangeDetector) Streak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unchangedStreak
}

// Unchanged reports whether the given counter matches the last observed one.
func (d *ChangeDetector) Unchanged(count string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return count != "" && count == d.lastCount
}

// ShouldSkip decides whether to skip this run. Inside the peak window a
// fresh counter always runs; outside it the base off-peak probability
// applies, plus an escalating per-streak increment bounded by the configured
// maximum.
func (d *ChangeDetector) ShouldSkip(now time.Time, unchangedStreak int) bool {
	if !d.config.Enabled {
		return false
	}

	probability := 0.0
	if !d.inPeakWindow(now) {
		probability = d.config.OffPeakSkipProbability
	}
	probability += float64(unchangedStreak) * d.config.StreakSkipIncrement
	if probability > d.config.MaxSkipProbability {
		probability = d.config.MaxSkipProbability
	}
	if probability <= 0 {
		return false
	}

	d.mu.Lock()
	roll := d.rand.Float64()
	d.mu.Unlock()
	skip := roll < probability
	if skip {
		log.Infof("Skipping run (probability %.2f, unchanged streak %d)", probability, unchangedStreak)
	}
	return skip
}

func (d *ChangeDetector) inPeakWindow(now time.Time) bool {
	hour := now.Hour()
	start, end := d.config.PeakStartHour, d.config.PeakEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps midnight
	return hour >= start || hour < end
}
