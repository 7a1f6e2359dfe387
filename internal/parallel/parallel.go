// Package parallel drives a fixed pool of worker protocol connections,
// keeping at most one job in flight per connection and handing each
// idle connection the next job as soon as it completes.
package parallel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/metrics"
	"github.com/pigsty-io/physback/internal/protocol"
)

// Job is one unit of work to hand to a worker's open session.
type Job struct {
	ID      string      // worker command id to open a session against, reused across jobs from the same queue
	Param   interface{} // marshaled as the process command's param
	Label   string      // for logging/metrics only
}

// JobResult pairs a Job with its outcome.
type JobResult struct {
	Job    Job
	Result *protocol.Result
	Err    error
}

// Worker is one pooled connection: a protocol client plus how to
// dispose of the underlying transport (process, pipe, socket).
type Worker struct {
	Client *protocol.Client
	Close  func() error

	sessionID uint64
	sessionOf string
	busy      bool
}

// JobSource returns the next job to run, or ok=false when no more work
// remains. Run's dispatch loop calls it one call at a time, outside the
// executor's lock; a call that blocks stalls dispatch to every worker.
type JobSource func() (Job, bool)

// Executor runs jobs from a JobSource across a fixed worker pool,
// guaranteeing at most one job in flight per worker at any time.
type Executor struct {
	ProtocolTimeout time.Duration // poll loop wakes at most every ProtocolTimeout/2

	workers []*Worker
	next    JobSource

	mu   sync.Mutex
	done bool
}

// New builds an executor over an already-connected worker pool.
func New(workers []*Worker, next JobSource, protocolTimeout time.Duration) *Executor {
	return &Executor{
		workers:         workers,
		next:            next,
		ProtocolTimeout: protocolTimeout,
	}
}

// Run dispatches jobs to idle workers until the JobSource is exhausted
// and every in-flight job has returned, then closes every connection.
// It returns once all results have been delivered to resultFn.
func (e *Executor) Run(resultFn func(JobResult)) error {
	defer e.closeAll()

	metrics.WorkersTotal.Set(float64(len(e.workers)))
	defer metrics.WorkersTotal.Set(0)

	poll := e.ProtocolTimeout / 2
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	inFlight := 0
	type done struct {
		w   *Worker
		res JobResult
	}
	doneCh := make(chan done, len(e.workers))

	dispatch := func(w *Worker) bool {
		e.mu.Lock()
		shutdown := e.done
		e.mu.Unlock()
		if shutdown {
			return false
		}
		job, ok := e.next()
		if !ok {
			return false
		}
		w.busy = true
		inFlight++
		metrics.WorkersActive.Inc()
		go func(w *Worker, job Job) {
			var res *protocol.Result
			var err error
			if w.sessionID == 0 || w.sessionOf != job.ID {
				if w.sessionID != 0 {
					_ = w.Client.Close(w.sessionID)
				}
				sid, oerr := w.Client.Open(job.ID)
				if oerr != nil {
					doneCh <- done{w, JobResult{Job: job, Err: oerr}}
					return
				}
				w.sessionID = sid
				w.sessionOf = job.ID
			}
			res, err = w.Client.Process(w.sessionID, job.Param)
			doneCh <- done{w, JobResult{Job: job, Result: res, Err: err}}
		}(w, job)
		return true
	}

	for _, w := range e.workers {
		dispatch(w)
	}
	if inFlight == 0 {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for inFlight > 0 {
		select {
		case d := <-doneCh:
			inFlight--
			d.w.busy = false
			metrics.WorkersActive.Dec()
			metrics.JobsCompleted.Inc()
			if d.res.Err != nil {
				metrics.JobsFailed.Inc()
			}
			resultFn(d.res)
			dispatch(d.w)
		case <-ticker.C:
			// wake periodically so a stalled worker's deadline can surface
		}
	}
	return nil
}

// Shutdown cancels every in-flight session and marks the executor done;
// a subsequent Run call will dispatch no further work.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
	for _, w := range e.workers {
		if w.sessionID != 0 {
			_ = w.Client.Cancel(w.sessionID)
		}
	}
}

func (e *Executor) closeAll() {
	for _, w := range e.workers {
		if w.sessionID != 0 {
			_ = w.Client.Close(w.sessionID)
		}
		_ = w.Client.Exit()
		if w.Close != nil {
			_ = w.Close()
		}
	}
}

// DecodeResult unmarshals a job's returned Data frames (concatenated) as
// JSON into out, the common case for file-backup/file-restore/verify-file
// workers that report a structured outcome.
func DecodeResult(res *protocol.Result, out interface{}) error {
	if res == nil {
		return errkind.New(errkind.KindProtocolError, "parallel.DecodeResult", fmt.Errorf("nil result"))
	}
	if err := json.Unmarshal(protocol.DataGet(res), out); err != nil {
		return errkind.New(errkind.KindJsonFormatError, "parallel.DecodeResult", err)
	}
	return nil
}

// QueueSource builds a JobSource over a fixed, pre-ordered slice of
// jobs — the common case, where the caller has already sorted a
// target's files size-descending before handing them to the executor.
func QueueSource(jobs []Job) JobSource {
	i := 0
	var mu sync.Mutex
	return func() (Job, bool) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(jobs) {
			return Job{}, false
		}
		j := jobs[i]
		i++
		return j, true
	}
}
