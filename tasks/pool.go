// Package tasks runs background work on a fixed set of workers. High
// priority tasks are always taken before low priority ones.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"streamfeed/models"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("task pool closed")

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_tasks_submitted_total",
		Help: "Tasks submitted to the worker pool",
	}, []string{"priority"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_tasks_finished_total",
		Help: "Tasks finished by the worker pool",
	}, []string{"name", "status"})

	taskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamfeed_tasks_retries_total",
		Help: "Task attempts that failed and were retried",
	})

	tasksQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamfeed_tasks_queued",
		Help: "Tasks waiting for a worker",
	}, []string{"priority"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamfeed_task_duration_seconds",
		Help:    "Duration of tasks including retries",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // Start at 1ms, double each bucket, 14 buckets
	}, []string{"name"})
)

// Task is one unit of background work.
type Task struct {
	ID       uuid.UUID
	Name     string
	Priority models.Priority
	Run      func(ctx context.Context) error
}

// Submitter accepts tasks for execution.
type Submitter interface {
	Submit(ctx context.Context, task Task) error
}

type Options struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	return o
}

// Pool runs tasks on Workers goroutines fed by a high and a low priority
// queue.
type Pool struct {
	opts Options
	high chan Task
	low  chan Task

	mu     sync.RWMutex
	closed bool

	start sync.Once
	wg    sync.WaitGroup
	ctx   context.Context
}

var _ Submitter = (*Pool)(nil)

// NewPool creates a pool. Tasks run with ctx; cancelling it aborts retries.
func NewPool(ctx context.Context, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		opts: opts,
		high: make(chan Task, opts.QueueSize),
		low:  make(chan Task, opts.QueueSize),
		ctx:  ctx,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *Pool) Start() {
	p.start.Do(func() {
		log.WithFields(log.Fields{
			"workers":    p.opts.Workers,
			"queue_size": p.opts.QueueSize,
		}).Info("Starting task pool")
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Submit queues a task. It blocks while the queue is full, bounded by ctx.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	priority := task.Priority
	queue := p.low
	if priority == models.PriorityHigh {
		queue = p.high
	} else {
		priority = models.PriorityLow
	}

	select {
	case queue <- task:
		tasksSubmitted.WithLabelValues(string(priority)).Inc()
		tasksQueued.WithLabelValues(string(priority)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs everything already queued and waits for
// the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.high)
	close(p.low)
	p.mu.Unlock()

	p.Start()
	p.wg.Wait()
	log.Info("Task pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	high, low := p.high, p.low
	for high != nil || low != nil {
		// Drain high priority work first
		select {
		case task, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			p.run(id, task)
			continue
		default:
		}

		select {
		case task, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			p.run(id, task)
		case task, ok := <-low:
			if !ok {
				low = nil
				continue
			}
			p.run(id, task)
		}
	}
}

func (p *Pool) run(worker int, task Task) {
	priority := task.Priority
	if priority != models.PriorityHigh {
		priority = models.PriorityLow
	}
	tasksQueued.WithLabelValues(string(priority)).Dec()

	start := time.Now()
	err := p.retry(task)
	taskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())

	logger := log.WithFields(log.Fields{
		"worker":   worker,
		"task":     task.Name,
		"task_id":  task.ID.String(),
		"priority": priority,
	})
	if err != nil {
		tasksFinished.WithLabelValues(task.Name, "failed").Inc()
		logger.WithError(err).Error("Task failed")
		return
	}
	tasksFinished.WithLabelValues(task.Name, "ok").Inc()
	logger.Debug("Task finished")
}

func (p *Pool) retry(task Task) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialInterval
	b.MaxInterval = p.opts.MaxInterval
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0 // Bounded by MaxRetries instead

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			taskRetries.Inc()
		}
		return task.Run(p.ctx)
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, p.opts.MaxRetries), p.ctx))
}

// Permanent marks err so the pool does not retry it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Inline runs tasks synchronously in Submit. It is meant for tests and
// single shot commands.
type Inline struct{}

var _ Submitter = Inline{}

func (Inline) Submit(ctx context.Context, task Task) error {
	err := task.Run(ctx)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
