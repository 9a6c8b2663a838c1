package calendar

import (
	"context"
	"sync"
	"time"

	"flowdeck-auth/internal/auth"
	"flowdeck-auth/internal/metrics"
	"flowdeck-auth/internal/worker"

	"github.com/sirupsen/logrus"
)

const defaultFailureHistory = 100

// EventWriter is the synchronous sync operation the Dispatcher runs.
type EventWriter interface {
	CreateOrUpdateTaskEvent(ctx context.Context, ev TaskEvent) error
}

// SyncFailure records an event that could not be written.
type SyncFailure struct {
	Event TaskEvent
	Err   error
	At    time.Time
}

// DispatcherConfig sizes a Dispatcher.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// History bounds how many recent failures are kept.
	History int
}

// Dispatcher runs calendar syncs in the background so task assignment never
// waits on Google. Recent failures stay readable through Failures.
type Dispatcher struct {
	writer EventWriter
	pool   *worker.WorkerPool
	logger *logrus.Logger

	mu       sync.Mutex
	failures []SyncFailure
	history  int
}

type syncTask struct {
	d  *Dispatcher
	ev TaskEvent
}

func (t syncTask) Process(ctx context.Context) error {
	if err := t.d.writer.CreateOrUpdateTaskEvent(ctx, t.ev); err != nil {
		return err
	}
	metrics.CalendarSyncs.WithLabelValues("async", "ok").Inc()
	return nil
}

// NewDispatcher creates and starts a Dispatcher.
func NewDispatcher(writer EventWriter, cfg DispatcherConfig, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.History <= 0 {
		cfg.History = defaultFailureHistory
	}
	d := &Dispatcher{
		writer:  writer,
		logger:  logger,
		history: cfg.History,
	}
	d.pool = worker.NewWorkerPool(worker.Config{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxAttempts: 1,
		OnFailure:   d.recordFailure,
	})
	d.pool.Start()
	logger.WithFields(logrus.Fields{
		"workers":    d.pool.Workers(),
		"queue_size": d.pool.Stats().QueueCapacity,
	}).Info("calendar dispatcher started")
	return d
}

// Enqueue schedules ev for background sync. It returns false when the queue
// is full or the dispatcher has stopped.
func (d *Dispatcher) Enqueue(ev TaskEvent) bool {
	if !d.pool.Submit(syncTask{d: d, ev: ev}) {
		metrics.CalendarSyncs.WithLabelValues("async", "rejected").Inc()
		d.logger.WithField("user_id", ev.UserID).Warn("calendar sync queue full, event dropped")
		return false
	}
	return true
}

// Failures returns the most recent failures, oldest first.
func (d *Dispatcher) Failures() []SyncFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SyncFailure, len(d.failures))
	copy(out, d.failures)
	return out
}

// Stats exposes the underlying pool statistics.
func (d *Dispatcher) Stats() worker.PoolStats {
	return d.pool.Stats()
}

// Stop drains queued syncs and waits for them to finish.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

func (d *Dispatcher) recordFailure(task worker.Task, err error) {
	st, ok := task.(syncTask)
	if !ok {
		return
	}
	kind := auth.Kind(err)
	metrics.CalendarSyncs.WithLabelValues("async", kind).Inc()
	d.logger.WithFields(logrus.Fields{
		"user_id": st.ev.UserID,
		"team":    st.ev.TeamName,
		"task":    st.ev.TaskName,
		"kind":    kind,
	}).WithError(err).Error("background calendar sync failed")

	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, SyncFailure{Event: st.ev, Err: err, At: time.Now()})
	if over := len(d.failures) - d.history; over > 0 {
		d.failures = append(d.failures[:0:0], d.failures[over:]...)
	}
}
