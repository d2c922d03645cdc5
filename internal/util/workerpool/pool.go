package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work, typically the replay of a single offline operation
type Task struct {
	ID string
	Fn func(context.Context) error
}

type job struct {
	task Task
	ctx  context.Context
	done func(error)
}

// WorkerPool runs tasks on a bounded set of goroutines
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	jobs       chan job
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopCh     chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		jobs:       make(chan job, cfg.QueueSize),
		logger:     cfg.Logger,
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.jobs:
			p.execute(id, j)
		}
	}
}

func (p *WorkerPool) execute(workerID int, j job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(j)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", j.task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completed, 1)
	}

	if j.done != nil {
		j.done(err)
	}
}

func (p *WorkerPool) safeExecute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", j.task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return j.task.Fn(ctx)
}

func (p *WorkerPool) enqueue(ctx context.Context, j job) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.jobs <- j:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	}
}

// Submit queues a task, blocking until it is accepted or ctx is done
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	return p.enqueue(ctx, job{task: task, ctx: ctx})
}

// RunAll executes tasks on the pool and waits for every one of them.
// The returned slice holds each task's error at the task's index; tasks
// that could not be queued carry the queueing error.
func (p *WorkerPool) RunAll(ctx context.Context, tasks []Task) []error {
	results := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		i := i
		wg.Add(1)
		err := p.enqueue(ctx, job{
			task: task,
			ctx:  ctx,
			done: func(err error) {
				results[i] = err
				wg.Done()
			},
		})
		if err != nil {
			results[i] = err
			wg.Done()
		}
	}

	wg.Wait()
	return results
}

// Stop stops the workers, waiting up to timeout for in-flight tasks
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
		p.drain()
	})
	return err
}

// drain fails queued jobs that no worker will pick up so RunAll callers return
func (p *WorkerPool) drain() {
	for {
		select {
		case j := <-p.jobs:
			atomic.AddUint64(&p.rejected, 1)
			if j.done != nil {
				j.done(fmt.Errorf("worker pool '%s' is stopped", p.name))
			}
		default:
			return
		}
	}
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueuedTasks:   len(p.jobs),
		Submitted:     atomic.LoadUint64(&p.submitted),
		Completed:     atomic.LoadUint64(&p.completed),
		Failed:        atomic.LoadUint64(&p.failed),
		Rejected:      atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string `json:"name"`
	MaxWorkers    int    `json:"max_workers"`
	ActiveWorkers int    `json:"active_workers"`
	QueuedTasks   int    `json:"queued_tasks"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	finished := s.Completed + s.Failed
	if finished == 0 {
		return 100.0
	}
	return float64(s.Completed) / float64(finished) * 100.0
}
