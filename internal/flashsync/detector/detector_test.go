package detector

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
)

func testConfig() configuration.DetectorConfig {
	return configuration.DetectorConfig{
		Enabled:                true,
		PeakStartHour:          8,
		PeakEndHour:            22,
		OffPeakSkipProbability: 0.5,
		StreakSkipIncrement:    0.1,
		MaxSkipProbability:     0.9,
	}
}

func at(hour int) time.Time {
	return time.Date(2024, 6, 1, hour, 30, 0, 0, time.UTC)
}

func TestObserveTracksStreak(t *testing.T) {
	d := NewChangeDetector(testConfig(), rand.New(rand.NewSource(1)))

	assert.Equal(t, 0, d.Observe("100"))
	assert.Equal(t, 1, d.Observe("100"))
	assert.Equal(t, 2, d.Observe("100"))
	// Streak resets the instant the counter moves
	assert.Equal(t, 0, d.Observe("101"))
	assert.Equal(t, 1, d.Observe("101"))
}

func TestUnchanged(t *testing.T) {
	d := NewChangeDetector(testConfig(), rand.New(rand.NewSource(1)))
	assert.False(t, d.Unchanged("100"))
	d.Observe("100")
	assert.True(t, d.Unchanged("100"))
	assert.False(t, d.Unchanged("101"))
	assert.False(t, d.Unchanged(""))
}

func TestShouldSkipNeverDuringPeakWithFreshCounter(t *testing.T) {
	d := NewChangeDetector(testConfig(), rand.New(rand.NewSource(1)))
	for i := 0; i < 100; i++ {
		assert.False(t, d.ShouldSkip(at(12), 0))
	}
}

func TestShouldSkipDisabledDetectorNeverSkips(t *testing.T) {
	config := testConfig()
	config.Enabled = false
	d := NewChangeDetector(config, rand.New(rand.NewSource(1)))
	for i := 0; i < 100; i++ {
		assert.False(t, d.ShouldSkip(at(3), 50))
	}
}

func TestShouldSkipOffPeakIsProbabilistic(t *testing.T) {
	d := NewChangeDetector(testConfig(), rand.New(rand.NewSource(42)))
	skips := 0
	const trials = 1000
	for i := 0; i < trials; i++ {
		if d.ShouldSkip(at(3), 0) {
			skips++
		}
	}
	// Base probability is 0.5; allow a generous band for the seeded source.
	assert.Greater(t, skips, 400)
	assert.Less(t, skips, 600)
}

func TestShouldSkipProbabilityIsCapped(t *testing.T) {
	d := NewChangeDetector(testConfig(), rand.New(rand.NewSource(7)))
	skips := 0
	const trials = 1000
	// Huge streak pushes the raw probability far past the cap of 0.9.
	for i := 0; i < trials; i++ {
		if d.ShouldSkip(at(3), 1000) {
			skips++
		}
	}
	assert.Greater(t, skips, 850)
	assert.Less(t, skips, 950)
}

func TestShouldSkipStreakEscalatesDuringPeak(t *testing.T) {
	d := NewChangeDetector(testConfig(), rand.New(rand.NewSource(11)))
	skips := 0
	const trials = 1000
	// In the peak window the base probability is zero, so only the streak
	// increment applies: 3 * 0.1 = 0.3.
	for i := 0; i < trials; i++ {
		if d.ShouldSkip(at(12), 3) {
			skips++
		}
	}
	assert.Greater(t, skips, 200)
	assert.Less(t, skips, 400)
}

func TestPeakWindowWrapsMidnight(t *testing.T) {
	config := testConfig()
	config.PeakStartHour = 22
	config.PeakEndHour = 2
	d := NewChangeDetector(config, rand.New(rand.NewSource(1)))

	assert.True(t, d.inPeakWindow(at(23)))
	assert.True(t, d.inPeakWindow(at(1)))
	assert.False(t, d.inPeakWindow(at(12)))
}
