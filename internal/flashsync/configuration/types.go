package configuration

import (
	"time"
)

type FlashsyncConfiguration struct {
	// Interval between pipeline runs. Must exceed the worst-case run
	// duration; runs are serialized by the task manager, never overlapped.
	SyncInterval time.Duration
	// Port on which prometheus metrics are exposed.
	MetricsPort uint16
	// Worker pool size for downstream publishes.
	PublishConcurrency int

	Postgres PostgresConfig
	Pulsar   PulsarConfig
	Webhook  WebhookConfig
	Images   ImagesConfig
	Ledger   LedgerConfig
	Filter   FilterConfig
	Detector DetectorConfig
	Fetcher  FetcherConfig
}

// PostgresConfig holds libpq connection values keyed by parameter name
// (host, port, user, password, dbname, sslmode...).
type PostgresConfig struct {
	Connection map[string]string
}

type PulsarConfig struct {
	URL                        string
	Topic                      string
	SendTimeout                time.Duration
	MaxConnectionsPerBroker    int
	TLSTrustCertsFilePath      string
	TLSValidateHostname        bool
	TLSAllowInsecureConnection bool
}

type WebhookConfig struct {
	// Base URL of the bot endpoint, e.g. https://www.flashcastr.app
	URL string
	// Shared secret sent as x-api-key.
	APIKey  string
	Timeout time.Duration
	// Bounded publish attempts per flash.
	MaxAttempts uint
}

type ImagesConfig struct {
	Bucket string
	Region string
	// Base URL the relative Img paths are resolved against when downloading.
	SourceBaseURL string
	// Worker pool size for batch uploads.
	Concurrency int
}

type LedgerConfig struct {
	// Directory failed-batch envelopes are written to.
	Directory string
}

type FilterConfig struct {
	// Players whose flashes are processed from the without-paris category.
	// Matched case-insensitively. The with-paris category is always
	// processed.
	AllowedPlayers []string
}

type DetectorConfig struct {
	Enabled bool
	// Local hours [PeakStartHour, PeakEndHour) during which runs are never
	// probabilistically skipped.
	PeakStartHour int
	PeakEndHour   int
	// Skip probability applied outside the peak window.
	OffPeakSkipProbability float64
	// Added per consecutive run with an unchanged upstream counter.
	StreakSkipIncrement float64
	// Upper bound for the combined skip probability.
	MaxSkipProbability float64
}

type FetcherConfig struct {
	// Base URL of the upstream flashes API.
	URL         string
	Timeout     time.Duration
	MaxAttempts uint
}
