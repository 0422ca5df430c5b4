package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
}

// BackgroundTaskManager runs registered functions on a fixed interval until
// its context is cancelled. It is not threadsafe; register all tasks from a
// single goroutine before waiting for shutdown.
type BackgroundTaskManager struct {
	ctx           context.Context
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(ctx context.Context, metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		ctx:           ctx,
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts running the given function immediately and then once per
// interval. The function receives the manager's context and should return
// promptly once it is cancelled.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	task := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// WaitForShutdown blocks until the context is cancelled and every task has
// finished its current iteration, or the timeout elapses. Returns true if the
// timeout was hit.
func (m *BackgroundTaskManager) WaitForShutdown(timeout time.Duration) bool {
	<-m.ctx.Done()
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	var taskDurationHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			task.function(m.ctx)
			taskDurationHistogram.Observe(time.Since(start).Seconds())

			select {
			case <-time.After(task.interval):
			case <-m.ctx.Done():
				return
			}
		}
	}()
}
