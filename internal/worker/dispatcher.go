// Package worker runs jobs on a bounded, elastic pool shared by every run.
// Runs are served round robin so one large archive cannot starve another.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jc2409/jsonify/internal/logger"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

const defaultQueueSize = 64

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type runQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool   *workerPool
	slots  chan struct{} // one token per queued job
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	log    logger.Logger

	mu        sync.Mutex
	queues    map[string]*runQueue // job queue for each run
	ready     *list.List           // round robin of run IDs with queued jobs
	positions map[string]*list.Element
}

func NewDispatcher(cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		pool:      newWorkerPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, log),
		slots:     make(chan struct{}, queueSize),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		log:       log,
		queues:    make(map[string]*runQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnIdle()
	}
	go d.run()
	return d
}

// Submit queues job, waiting for room until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	select {
	case <-d.done:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherStopped
	}
	return d.enqueueJob(job)
}

// TrySubmit queues job or fails with ErrDispatcherBusy when the queue is full.
func (d *Dispatcher) TrySubmit(job Job) error {
	select {
	case <-d.done:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.slots <- struct{}{}:
	default:
		return ErrDispatcherBusy
	}
	return d.enqueueJob(job)
}

// CancelRun drops every queued job of runID and aborts them. Jobs already running are untouched.
func (d *Dispatcher) CancelRun(runID string) int {
	d.mu.Lock()
	q := d.queues[runID]
	delete(d.queues, runID)
	if elem, ok := d.positions[runID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, runID)
	}
	d.mu.Unlock()

	if q == nil {
		return 0
	}
	for _, job := range q.jobs {
		<-d.slots
		job.abort()
	}
	return len(q.jobs)
}

// Pending reports how many jobs of runID wait for a worker.
func (d *Dispatcher) Pending(runID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[runID]; q != nil {
		return len(q.jobs)
	}
	return 0
}

// Workers reports the current pool size.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

// Stop aborts queued jobs and retires workers once their current job ends.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.done)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		if !d.hasReady() {
			select {
			case <-d.notify:
				continue
			case <-d.done:
				d.abortQueued()
				return
			}
		}
		workerChan := d.pool.acquire()
		if workerChan == nil {
			d.abortQueued()
			return
		}
		job, ok := d.nextJob()
		if !ok {
			// the run was cancelled while we waited for a worker
			if !d.pool.release(workerChan) {
				workerChan <- Job{stop: true}
			}
			continue
		}
		<-d.slots
		workerChan <- job
	}
}

// enqueueJob appends job to its run queue. The caller already holds a slot; it is
// given back when Stop has closed the dispatcher, since nothing would drain the job.
func (d *Dispatcher) enqueueJob(job Job) error {
	d.mu.Lock()
	select {
	case <-d.done:
		d.mu.Unlock()
		<-d.slots
		return ErrDispatcherStopped
	default:
	}
	q := d.queues[job.RunID]
	if q == nil {
		q = &runQueue{}
		d.queues[job.RunID] = q
	}
	q.jobs = append(q.jobs, job)
	if !q.enqueued {
		q.enqueued = true
		d.positions[job.RunID] = d.ready.PushBack(job.RunID)
	}
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

// nextJob pops one job of the run at the front and moves that run to the back
func (d *Dispatcher) nextJob() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	runID := elem.Value.(string)
	q := d.queues[runID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		d.ready.Remove(elem)
		delete(d.positions, runID)
		delete(d.queues, runID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

func (d *Dispatcher) abortQueued() {
	d.mu.Lock()
	var jobs []Job
	for e := d.ready.Front(); e != nil; e = e.Next() {
		jobs = append(jobs, d.queues[e.Value.(string)].jobs...)
	}
	d.queues = make(map[string]*runQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
	d.mu.Unlock()

	for _, job := range jobs {
		<-d.slots
		job.abort()
	}
	if len(jobs) > 0 {
		d.log.Warn("dispatcher stopped with queued jobs", logger.Int("aborted", len(jobs)))
	}
}
