package worker

import (
	"sync"
	"time"

	"github.com/jc2409/jsonify/internal/logger"
)

// workerState tracks one worker goroutine by its job channel.
type workerState struct {
	ch        chan Job
	idleSince time.Time
	parked    bool // waiting in p.idle
	retired   bool // told to exit, or about to be
}

type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*workerState
	states  map[chan Job]*workerState
	min     int
	max     int
	running int
	expiry  time.Duration
	closed  bool
	done    chan struct{}
	log     logger.Logger
}

const defaultWorkerIdle = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration, log logger.Logger) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &workerPool{
		states:  make(map[chan Job]*workerState),
		min:     minWorkers,
		max:     maxWorkers,
		expiry:  idle,
		done:    make(chan struct{}),
		log:     log,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnIdle starts a worker and parks it without giving it a job.
func (p *workerPool) spawnIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.running >= p.max {
		return
	}
	w := p.newWorkerLocked()
	st := p.states[w.jobChannel]
	st.parked = true
	st.idleSince = time.Now()
	p.idle = append(p.idle, st)
}

func (p *workerPool) newWorkerLocked() *Worker {
	w := newWorker(p)
	p.states[w.jobChannel] = &workerState{ch: w.jobChannel}
	p.running++
	w.Start()
	return w
}

// acquire hands out the longest idle worker, spawns one while below max, or
// blocks until a worker is released. It returns nil once the pool is closed.
func (p *workerPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil
		}
		if st := p.popIdleLocked(); st != nil {
			return st.ch
		}
		if p.running < p.max {
			return p.newWorkerLocked().jobChannel
		}
		p.cond.Wait()
	}
}

// release parks a worker after a job; false tells the worker to exit.
func (p *workerPool) release(ch chan Job) bool {
	p.mu.Lock()
	st, ok := p.states[ch]
	if !ok || st.retired || p.closed {
		p.mu.Unlock()
		return false
	}
	if st.parked {
		p.mu.Unlock()
		return true
	}
	st.parked = true
	st.idleSince = time.Now()
	p.idle = append(p.idle, st)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

func (p *workerPool) retire(ch chan Job) {
	p.mu.Lock()
	if st, ok := p.states[ch]; ok {
		delete(p.states, ch)
		st.retired = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) popIdleLocked() *workerState {
	for len(p.idle) > 0 {
		st := p.idle[0]
		p.idle = p.idle[1:]
		if st.retired {
			continue
		}
		st.parked = false
		return st
	}
	return nil
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *workerPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.shutdownExpired()
		}
	}
}

// shutdownExpired stops workers idle for longer than the expiry, keeping min alive.
func (p *workerPool) shutdownExpired() {
	var stale []*workerState
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // reuse the backing array
	for _, st := range p.idle {
		if st.retired {
			continue
		}
		if now.Sub(st.idleSince) >= p.expiry && p.running-len(stale) > p.min {
			st.retired = true
			st.parked = false
			stale = append(stale, st)
			continue
		}
		remaining = append(remaining, st)
	}
	p.idle = remaining
	p.mu.Unlock()

	if len(stale) > 0 {
		p.log.Debug("retiring idle workers", logger.Int("count", len(stale)))
	}
	for _, st := range stale {
		st.ch <- Job{stop: true}
	}
}

// close stops idle workers now and busy ones as they finish
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, st := range idle {
		st.retired = true
	}
	p.mu.Unlock()
	close(p.done)
	p.cond.Broadcast()

	for _, st := range idle {
		st.ch <- Job{stop: true}
	}
}
