package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation  string
	RunOutcome   string
	PublishError string
)

const (
	DBOperationRead   DBOperation = "read"
	DBOperationInsert DBOperation = "insert"

	RunOutcomeCompleted   RunOutcome = "completed"
	RunOutcomeSkipped     RunOutcome = "skipped"
	RunOutcomeFetchFailed RunOutcome = "fetch_failed"
	RunOutcomeStoreFailed RunOutcome = "store_failed"

	PublishErrorQueue   PublishError = "queue"
	PublishErrorWebhook PublishError = "webhook"
)

const metricsPrefix = "flashsync_"

type Metrics struct {
	dbErrorsCounter        *prometheus.CounterVec
	runsCounter            *prometheus.CounterVec
	publishErrorsCounter   *prometheus.CounterVec
	flashesStoredCounter   prometheus.Counter
	flashesDroppedCounter  prometheus.Counter
	ledgerEnvelopesCounter prometheus.Counter
}

var (
	m    *Metrics
	once sync.Once
)

// Get returns the process-wide pipeline metrics, creating them on first use.
func Get() *Metrics {
	once.Do(func() {
		m = newMetrics(metricsPrefix)
	})
	return m
}

func newMetrics(prefix string) *Metrics {
	return &Metrics{
		dbErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by operation",
		}, []string{"operation"}),
		runsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "runs",
			Help: "Number of pipeline runs grouped by outcome",
		}, []string{"outcome"}),
		publishErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "publish_errors",
			Help: "Number of per-flash publish failures grouped by destination",
		}, []string{"destination"}),
		flashesStoredCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "flashes_stored",
			Help: "Number of flashes newly inserted into the store",
		}),
		flashesDroppedCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "flashes_dropped",
			Help: "Number of flashes dropped by validation or permanent insert failure",
		}),
		ledgerEnvelopesCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "ledger_envelopes_written",
			Help: "Number of failed-batch envelopes persisted to disk",
		}),
	}
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrorsCounter.WithLabelValues(string(operation)).Inc()
}

func (m *Metrics) RecordRun(outcome RunOutcome) {
	m.runsCounter.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RecordPublishError(destination PublishError) {
	m.publishErrorsCounter.WithLabelValues(string(destination)).Inc()
}

func (m *Metrics) RecordFlashesStored(count int) {
	m.flashesStoredCounter.Add(float64(count))
}

func (m *Metrics) RecordFlashesDropped(count int) {
	m.flashesDroppedCounter.Add(float64(count))
}

func (m *Metrics) RecordLedgerEnvelope() {
	m.ledgerEnvelopesCounter.Inc()
}
