// Package notify turns task assignments into durable queue entries and
// real-time notification events for the affected users.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/realtime"
)

// Queue persists notifications for delivery by a downstream consumer.
type Queue interface {
	EnqueueNotifications(ctx context.Context, notes []domain.Notification) error
}

const (
	defaultWorkers        = 8
	defaultBuffer         = 512
	defaultEnqueueTimeout = 30 * time.Second
	defaultHandoffTimeout = 15 * time.Millisecond
)

// Options tune the dispatcher's worker pool. Zero values select defaults.
type Options struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

// Dispatcher implements the assignment notifier. The real-time event goes
// out on the caller's path; queue persistence runs on a bounded worker pool
// so a slow broker never stalls a mutation. When the pool is saturated the
// enqueue happens inline instead of being dropped.
type Dispatcher struct {
	queue  Queue
	emit   realtime.Emitter
	logger *log.Logger

	jobs           chan []domain.Notification
	wg             sync.WaitGroup
	closeOnce      sync.Once
	enqueueTimeout time.Duration
	handoffTimeout time.Duration
}

func NewDispatcher(queue Queue, emit realtime.Emitter, logger *log.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaultEnqueueTimeout
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = defaultHandoffTimeout
	}
	d := &Dispatcher{
		queue:          queue,
		emit:           emit,
		logger:         logger,
		jobs:           make(chan []domain.Notification, opts.Buffer),
		enqueueTimeout: opts.EnqueueTimeout,
		handoffTimeout: opts.HandoffTimeout,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	logger.Infof("notification dispatcher started, workers: %d, buffer: %d", opts.Workers, opts.Buffer)
	return d
}

// TaskAssigned notifies each newly assigned user. The caller passes only the
// ids added by the mutation, never the full assignee list.
func (d *Dispatcher) TaskAssigned(ctx context.Context, userIDs []string, task domain.Task, actor domain.Actor) {
	if len(userIDs) == 0 {
		return
	}
	now := time.Now().UnixMilli()
	notes := make([]domain.Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID == actor.UserID {
			continue
		}
		n := domain.Notification{
			UserID:    userID,
			TaskID:    task.ID,
			ProjectID: task.ProjectID,
			Type:      "task_assigned",
			Message:   fmt.Sprintf("%s assigned you to %q", actor.Name, task.Title),
			ActorID:   actor.UserID,
			ActorName: actor.Name,
			Timestamp: now,
		}
		notes = append(notes, n)
		d.emit.Emit(realtime.UserRoom(userID), realtime.EventNotificationNew, n)
	}
	if len(notes) == 0 {
		return
	}
	if !d.handoff(notes) {
		d.enqueue(ctx, notes)
	}
}

// handoff gives the pool a bounded window to accept the job.
func (d *Dispatcher) handoff(notes []domain.Notification) bool {
	select {
	case d.jobs <- notes:
		return true
	default:
	}
	timer := time.NewTimer(d.handoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- notes:
		return true
	case <-timer.C:
		d.logger.WithField("count", len(notes)).Warn("notification pool saturated, enqueueing inline")
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for notes := range d.jobs {
		d.enqueue(context.Background(), notes)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, notes []domain.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()
	if err := d.queue.EnqueueNotifications(ctx, notes); err != nil {
		d.logger.WithError(err).WithField("count", len(notes)).Error("notification enqueue failed")
	}
}

// Close drains the pool and waits for in-flight enqueues to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
}
