package worker

import (
	"fmt"

	"github.com/jc2409/jsonify/internal/logger"
)

// Job is one unit of work belonging to a run.
type Job struct {
	RunID string
	// Exec runs on a worker goroutine.
	Exec func()
	// Abort runs instead of Exec when the job is dropped before starting,
	// and after Exec if Exec panics.
	Abort func()

	stop bool
}

func (j Job) abort() {
	if j.Abort != nil {
		j.Abort()
	}
}

type Worker struct {
	pool       *workerPool
	jobChannel chan Job
}

func newWorker(pool *workerPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.execute(job)
			if !w.pool.release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.log.Error("job panicked", logger.String("run_id", job.RunID), logger.String("panic", fmt.Sprint(r)))
			job.abort()
		}
	}()
	if job.Exec != nil {
		job.Exec()
	}
}
