// Package service holds the application services sitting between the HTTP
// handlers and the job ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"github.com/shuwen-lab/cliptext/internal/workflow"
)

// ErrInvalidInput marks a submission rejected before any state was created.
var ErrInvalidInput = errors.New("invalid input")

// Dispatcher is the slice of the executor client the submitter needs.
type Dispatcher interface {
	Run(ctx context.Context, req workflow.RunRequest) (string, error)
}

// Watcher is notified of dispatched jobs when the poll strategy is active.
// Nil in callback mode.
type Watcher interface {
	Watch(jobID, executeID string) error
}

// SubmitRequest carries one job submission.
type SubmitRequest struct {
	OwnerID string
	Kind    string
	URL     string
}

// SubmitService validates submissions, creates the ledger record, and
// dispatches the work to the external executor.
type SubmitService struct {
	repo       *repository.JobRepository
	dispatcher Dispatcher
	watcher    Watcher
	log        *logger.Logger
}

// NewSubmitService creates a submit service. watcher may be nil.
func NewSubmitService(repo *repository.JobRepository, dispatcher Dispatcher, watcher Watcher, log *logger.Logger) *SubmitService {
	return &SubmitService{
		repo:       repo,
		dispatcher: dispatcher,
		watcher:    watcher,
		log:        log.WithField(logger.FieldComponent, "submit"),
	}
}

// Submit creates a pending job and dispatches it. On dispatch failure the
// job is marked failed before the error is returned, so no record is left
// pending forever. The returned job reflects the post-dispatch state.
func (s *SubmitService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Kind:      req.Kind,
		SourceURL: strings.TrimSpace(req.URL),
		Status:    domain.JobStatusPending,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	log := s.log.WithFields(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldOwnerID: job.OwnerID,
	})

	executeID, err := s.dispatcher.Run(ctx, workflow.RunRequest{
		Input:         job.SourceURL,
		CorrelationID: job.ID,
		UserID:        job.OwnerID,
	})
	if err != nil {
		log.WithError(err).Error("dispatch failed")
		if failErr := s.repo.Fail(ctx, job.ID, err.Error()); failErr != nil {
			log.WithError(failErr).Error("failed to mark job failed after dispatch error")
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = err.Error()
		return job, err
	}

	if err := s.repo.SetDispatched(ctx, job.ID, executeID); err != nil {
		return job, fmt.Errorf("record dispatch of job %s: %w", job.ID, err)
	}
	job.Status = domain.JobStatusProcessing
	job.ExecuteID = executeID

	log.WithField(logger.FieldExecuteID, executeID).Info("job dispatched")

	if s.watcher != nil {
		if err := s.watcher.Watch(job.ID, executeID); err != nil {
			// The poller's recovery sweep re-engages unwatched jobs.
			log.WithError(err).Warn("watch not engaged at submission")
		}
	}

	return job, nil
}

// Get returns a job scoped to its owner; cross-owner reads come back as
// not-found rather than leaking existence.
func (s *SubmitService) Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

// List returns an owner's recent jobs.
func (s *SubmitService) List(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}

func validate(req SubmitRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if req.Kind != domain.JobKindVideoContent {
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, req.Kind)
	}
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q is not a valid http(s) link", ErrInvalidInput, raw)
	}
	return nil
}
