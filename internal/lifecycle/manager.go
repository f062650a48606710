// Package lifecycle owns the terminal half of a job's life: every result
// acquisition strategy converges here so that a job is finalized exactly
// once and every observer sees the same record.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/repository"
)

// ErrTerminal is returned when a job was already finalized by another path.
// Callers treat it as an idempotent no-op, not a failure.
var ErrTerminal = errors.New("job already in a terminal state")

// Notifier delivers the one user-facing notification for a terminal job.
type Notifier interface {
	NotifyTerminal(ctx context.Context, job *domain.Job) error
}

// Archiver copies a completed job's media into owned storage and returns the
// rewritten references.
type Archiver interface {
	Archive(ctx context.Context, job *domain.Job) (cover, videoURL string, err error)
}

// Manager finalizes jobs and drives the post-terminal side effects.
type Manager struct {
	repo     *repository.JobRepository
	hub      *Hub
	notifier Notifier
	archiver Archiver
	log      *logger.Logger
}

// NewManager creates a lifecycle manager. notifier and archiver may be nil
// when the corresponding feature is disabled.
func NewManager(repo *repository.JobRepository, hub *Hub, notifier Notifier, archiver Archiver, log *logger.Logger) *Manager {
	return &Manager{
		repo:     repo,
		hub:      hub,
		notifier: notifier,
		archiver: archiver,
		log:      log,
	}
}

// Complete finalizes a job as successful. Duplicate completions return
// ErrTerminal without touching the record.
func (m *Manager) Complete(ctx context.Context, jobID string, result domain.JobResult) error {
	err := m.repo.Complete(ctx, jobID, result)
	if errors.Is(err, repository.ErrStale) {
		m.recoverNotification(ctx, jobID)
		return ErrTerminal
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}

	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", jobID, err)
	}

	m.archive(ctx, job)
	m.hub.Publish(*job)
	m.notify(ctx, job)
	return nil
}

// Fail finalizes a job as failed. Duplicate failures return ErrTerminal
// without touching the record.
func (m *Manager) Fail(ctx context.Context, jobID, errorMessage string) error {
	err := m.repo.Fail(ctx, jobID, errorMessage)
	if errors.Is(err, repository.ErrStale) {
		m.recoverNotification(ctx, jobID)
		return ErrTerminal
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}

	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", jobID, err)
	}

	m.hub.Publish(*job)
	m.notify(ctx, job)
	return nil
}

// PublishProgress persists a synthetic progress value and pushes the updated
// snapshot to watchers. Terminal jobs are untouched.
func (m *Manager) PublishProgress(ctx context.Context, jobID string, progress int) {
	if err := m.repo.SetProgress(ctx, jobID, progress); err != nil {
		m.log.WithField(logger.FieldJobID, jobID).WithError(err).Warn("failed to persist progress")
		return
	}
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return
	}
	if !job.Status.IsTerminal() {
		m.hub.Publish(*job)
	}
}

// archive rewrites result media into owned storage. Best effort: a failure
// leaves the original references in place.
func (m *Manager) archive(ctx context.Context, job *domain.Job) {
	if m.archiver == nil {
		return
	}

	cover, videoURL, err := m.archiver.Archive(ctx, job)
	if err != nil {
		m.log.WithField(logger.FieldJobID, job.ID).WithError(err).Warn("media archive failed")
		return
	}
	if err := m.repo.UpdateResultURLs(ctx, job.ID, cover, videoURL); err != nil {
		m.log.WithField(logger.FieldJobID, job.ID).WithError(err).Warn("failed to rewrite result URLs")
		return
	}
	job.Result.Cover = cover
	job.Result.VideoURL = videoURL
}

// recoverNotification re-runs the notification for a job that was finalized
// earlier but whose post-terminal side effects were cut short, for instance
// by a reload failure or a crash between the terminal update and the send.
// The CAS guard keeps delivery at most once, so a redelivered callback or a
// duplicate poll outcome heals the gap instead of no-oping past it.
func (m *Manager) recoverNotification(ctx context.Context, jobID string) {
	if m.notifier == nil {
		return
	}

	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil || !job.Status.IsTerminal() || job.NotificationSent {
		return
	}
	m.notify(ctx, job)
}

// notify fires the per-job notification behind the NotificationSent guard.
// The guard flips before the send: a duplicate finalizer racing through here
// loses the conditional update and never reaches the sender.
func (m *Manager) notify(ctx context.Context, job *domain.Job) {
	if m.notifier == nil {
		return
	}

	won, err := m.repo.MarkNotified(ctx, job.ID)
	if err != nil {
		m.log.WithField(logger.FieldJobID, job.ID).WithError(err).Error("notification guard update failed")
		return
	}
	if !won {
		return
	}

	if err := m.notifier.NotifyTerminal(ctx, job); err != nil {
		// Delivery failure never rolls back the terminal transition.
		m.log.WithField(logger.FieldJobID, job.ID).WithError(err).Error("notification delivery failed")
	}
}
