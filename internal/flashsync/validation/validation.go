// Package validation guards the flash store against poisoned upstream
// records. Validate collects every violation for a record rather than
// stopping at the first, so the caller can log a per-kind breakdown, and
// Sanitize normalizes a record before it is handed to the database.
package validation

import (
	"strings"
	"time"

	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

// ErrorKind identifies a single validation rule violation.
type ErrorKind string

const (
	InvalidFlashID      ErrorKind = "invalid_flash_id"
	InvalidTimestamp    ErrorKind = "invalid_timestamp"
	TimestampOutOfRange ErrorKind = "timestamp_out_of_range"
	MissingCity         ErrorKind = "missing_city"
	CityTooLong         ErrorKind = "city_too_long"
	MissingPlayer       ErrorKind = "missing_player"
	PlayerTooLong       ErrorKind = "player_name_too_long"
	MissingImg          ErrorKind = "missing_img"
	ImgTooLong          ErrorKind = "img_path_too_long"
	TextTooLong         ErrorKind = "text_too_long"
	FlashCountTooLong   ErrorKind = "flash_count_too_long"
	InvalidIpfsCid      ErrorKind = "invalid_ipfs_cid"
)

const (
	maxCityLen       = 100
	maxPlayerLen     = 100
	maxImgLen        = 500
	maxTextLen       = 1000
	maxFlashCountLen = 50
	maxIpfsCidLen    = 255

	maxPastWindow   = 2 * 365 * 24 * time.Hour
	maxFutureWindow = 365 * 24 * time.Hour
)

// Validator checks flashes against the insert rules. The clock is injectable
// so the timestamp window can be tested exactly.
type Validator struct {
	Now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{Now: time.Now}
}

// Validate runs every rule over the flash and returns all violations found.
// An empty result means the flash is insertable.
func (v *Validator) Validate(f model.Flash) []ErrorKind {
	var kinds []ErrorKind

	if f.FlashID <= 0 {
		kinds = append(kinds, InvalidFlashID)
	}

	if f.Timestamp <= 0 {
		kinds = append(kinds, InvalidTimestamp)
	} else {
		now := v.Now()
		ts := time.Unix(f.Timestamp, 0)
		if ts.Before(now.Add(-maxPastWindow)) || ts.After(now.Add(maxFutureWindow)) {
			kinds = append(kinds, TimestampOutOfRange)
		}
	}

	if strings.TrimSpace(f.City) == "" {
		kinds = append(kinds, MissingCity)
	} else if len(f.City) > maxCityLen {
		kinds = append(kinds, CityTooLong)
	}

	if strings.TrimSpace(f.Player) == "" {
		kinds = append(kinds, MissingPlayer)
	} else if len(f.Player) > maxPlayerLen {
		kinds = append(kinds, PlayerTooLong)
	}

	if strings.TrimSpace(f.Img) == "" {
		kinds = append(kinds, MissingImg)
	} else if len(f.Img) > maxImgLen {
		kinds = append(kinds, ImgTooLong)
	}

	if len(f.Text) > maxTextLen {
		kinds = append(kinds, TextTooLong)
	}

	if len(f.FlashCount) > maxFlashCountLen {
		kinds = append(kinds, FlashCountTooLong)
	}

	if len(f.IpfsCid) > maxIpfsCidLen {
		kinds = append(kinds, InvalidIpfsCid)
	}

	return kinds
}

// Sanitize trims every string field of the flash. Numeric fields pass
// through unchanged.
func Sanitize(f model.Flash) model.Flash {
	f.City = strings.TrimSpace(f.City)
	f.Player = strings.TrimSpace(f.Player)
	f.Img = strings.TrimSpace(f.Img)
	f.Text = strings.TrimSpace(f.Text)
	f.FlashCount = strings.TrimSpace(f.FlashCount)
	f.IpfsCid = strings.TrimSpace(f.IpfsCid)
	return f
}

// Breakdown counts validation failures per kind across a batch, for the
// rejection log line.
func Breakdown(failures [][]ErrorKind) map[ErrorKind]int {
	counts := make(map[ErrorKind]int)
	for _, kinds := range failures {
		for _, k := range kinds {
			counts[k]++
		}
	}
	return counts
}
