package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/workflow"
)

// TimeoutMessage is the error recorded when the poll budget is exhausted.
// Distinct from an execution failure: the run may still finish out-of-band.
const TimeoutMessage = "timed out waiting for the executor; the job may still complete later"

// sweepBatch bounds how many in-flight jobs one recovery sweep considers.
const sweepBatch = 100

// HistoryQuerier is the slice of the executor client the poller needs.
type HistoryQuerier interface {
	RunHistory(ctx context.Context, executeID string) ([]workflow.Execution, error)
}

// ProcessingLister lists jobs still in flight so the recovery sweep can
// re-engage watches lost to a full queue or a process restart.
type ProcessingLister interface {
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// pollTask tracks one dispatched run until it terminates or the attempt
// budget is spent.
type pollTask struct {
	jobID     string
	executeID string
}

// Poller is the fallback result-acquisition strategy: a bounded worker pool
// querying the executor's run history on a fixed cadence. A background sweep
// re-enqueues any processing job that has no active watch, so a job is never
// stranded when Watch fails or the process restarts mid-flight.
type Poller struct {
	querier  HistoryQuerier
	lister   ProcessingLister
	manager  *Manager
	log      *logger.Logger
	attempts int
	interval time.Duration
	workers  int

	tasks chan pollTask
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	tracking map[string]bool
	stopped  bool
}

// NewPoller creates a poller. attempts*interval bounds how long a single
// watch lasts.
func NewPoller(querier HistoryQuerier, lister ProcessingLister, manager *Manager, log *logger.Logger, attempts int, interval time.Duration, workers int) *Poller {
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		querier:  querier,
		lister:   lister,
		manager:  manager,
		log:      log.WithField(logger.FieldStrategy, "poll"),
		attempts: attempts,
		interval: interval,
		workers:  workers,
		tasks:    make(chan pollTask, workers*2),
		quit:     make(chan struct{}),
		tracking: make(map[string]bool),
	}
}

// Start launches the worker pool and the recovery sweep. Workers drain until
// Stop is called and the queue is empty, or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, open := <-p.tasks:
					if !open {
						return
					}
					p.track(ctx, task)
					p.forget(task.jobID)
				}
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.sweep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-p.quit:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop closes the queue and waits for in-flight watches to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	close(p.quit)
	close(p.tasks)
	p.wg.Wait()
}

// Watch enqueues a dispatched job for tracking. Already-watched jobs are a
// no-op. Returns an error when the queue is full rather than blocking the
// submission path; the sweep picks the job up on its next pass.
func (p *Poller) Watch(jobID, executeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("poller stopped, job %s not watched", jobID)
	}
	if p.tracking[jobID] {
		return nil
	}

	select {
	case p.tasks <- pollTask{jobID: jobID, executeID: executeID}:
		p.tracking[jobID] = true
		return nil
	default:
		return fmt.Errorf("poll queue full, job %s not watched", jobID)
	}
}

func (p *Poller) forget(jobID string) {
	p.mu.Lock()
	delete(p.tracking, jobID)
	p.mu.Unlock()
}

// sweep re-enqueues processing jobs without an active watch. Runs once at
// startup, which also resumes jobs left in flight by a previous process.
func (p *Poller) sweep(ctx context.Context) {
	jobs, err := p.lister.ListByStatus(ctx, domain.JobStatusProcessing, sweepBatch)
	if err != nil {
		p.log.WithError(err).Warn("recovery sweep query failed")
		return
	}
	for i := range jobs {
		job := &jobs[i]
		if job.ExecuteID == "" {
			continue
		}
		if err := p.Watch(job.ID, job.ExecuteID); err != nil {
			// Queue full or stopping; remaining jobs wait for the next pass.
			return
		}
	}
}

// track runs the attempt loop for one job. A transient query error counts
// against the budget and is retried after the normal delay.
func (p *Poller) track(ctx context.Context, task pollTask) {
	log := p.log.WithFields(logger.Fields{
		logger.FieldJobID:     task.jobID,
		logger.FieldExecuteID: task.executeID,
	})

	for attempt := 1; attempt <= p.attempts; attempt++ {
		execs, err := p.querier.RunHistory(ctx, task.executeID)
		if err != nil {
			log.WithField(logger.FieldAttempt, attempt).WithError(err).Warn("history query failed, will retry")
		} else if len(execs) > 0 {
			exec := execs[0]
			switch exec.ExecuteStatus {
			case workflow.ExecStatusSuccess:
				p.finishSuccess(ctx, task.jobID, exec, log)
				return
			case workflow.ExecStatusFailed:
				msg := exec.ErrorMessage
				if msg == "" {
					msg = "execution failed"
				}
				p.finish(ctx, task.jobID, msg, log)
				return
			}
			// any other status: still running
		}

		// Synthetic progress for UI feedback only, capped below done.
		progress := attempt * 5
		if progress > 95 {
			progress = 95
		}
		p.manager.PublishProgress(ctx, task.jobID, progress)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}

	log.Warn("poll budget exhausted")
	p.finish(ctx, task.jobID, TimeoutMessage, log)
}

func (p *Poller) finishSuccess(ctx context.Context, jobID string, exec workflow.Execution, log *logger.Logger) {
	result, err := workflow.ParseOutput(exec.Output)
	if err != nil {
		p.finish(ctx, jobID, fmt.Sprintf("result parse failed: %v", err), log)
		return
	}
	if err := p.manager.Complete(ctx, jobID, result); err != nil && err != ErrTerminal {
		log.WithError(err).Error("failed to finalize job")
	}
}

func (p *Poller) finish(ctx context.Context, jobID, message string, log *logger.Logger) {
	if err := p.manager.Fail(ctx, jobID, message); err != nil && err != ErrTerminal {
		log.WithError(err).Error("failed to finalize job")
	}
}
