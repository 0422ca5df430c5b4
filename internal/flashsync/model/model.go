package model

import (
	"time"
)

// Flash is a single source-reported flash: a player photographing an invader
// at some location. FlashID is assigned by the upstream API and is globally
// unique; inserting the same flash twice is a no-op.
type Flash struct {
	FlashID    int64  `json:"flash_id" db:"flash_id"`
	City       string `json:"city" db:"city"`
	Player     string `json:"player" db:"player"`
	Img        string `json:"img" db:"img"`
	IpfsCid    string `json:"ipfs_cid" db:"ipfs_cid"`
	Text       string `json:"text" db:"text"`
	Timestamp  int64  `json:"timestamp" db:"timestamp"`
	FlashCount string `json:"flash_count" db:"flash_count"`
}

// HasIpfsCid reports whether the external pinning process has attached a
// content id to this flash yet. Flashes without one must be re-considered for
// publish on later runs.
func (f Flash) HasIpfsCid() bool {
	return f.IpfsCid != ""
}

// FlashBatch is the upstream fetch result. The API always returns both
// categories; a missing or empty category indicates an upstream outage and is
// treated as a failed fetch.
type FlashBatch struct {
	WithParis    []Flash `json:"with_paris"`
	WithoutParis []Flash `json:"without_paris"`
}

// All returns the flashes of both categories, WithParis first.
func (b *FlashBatch) All() []Flash {
	all := make([]Flash, 0, len(b.WithParis)+len(b.WithoutParis))
	all = append(all, b.WithParis...)
	all = append(all, b.WithoutParis...)
	return all
}

// Category identifies which half of the upstream response a flash came from.
type Category int

const (
	CategoryWithParis Category = iota
	CategoryWithoutParis
)

// FailedBatch is one disk-persisted envelope of flashes that failed a
// downstream step. Envelopes are immutable once written; a retry pass that
// only partially succeeds writes the still-failing subset as a new envelope
// and deletes the old one.
type FailedBatch struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Reason     string    `json:"reason"`
	Flashes    []Flash   `json:"flashes"`
}
