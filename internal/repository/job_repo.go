package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shuwen-lab/cliptext/internal/domain"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no job matches the lookup.
var ErrNotFound = errors.New("job not found")

// ErrStale is returned when a conditional update matched no rows, meaning the
// job had already moved past the expected state.
var ErrStale = errors.New("job state changed concurrently")

// JobRepository handles job ledger operations.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListByOwner retrieves an owner's jobs, newest first.
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListByStatus retrieves jobs in a given status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// SetDispatched records the executor's execution token and advances the job
// from pending to processing. The conditional WHERE keeps ExecuteID immutable
// once set.
func (r *JobRepository) SetDispatched(ctx context.Context, id, executeID string) error {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ? AND (execute_id = '' OR execute_id IS NULL)", id, domain.JobStatusPending).
		Updates(map[string]interface{}{
			"execute_id": executeID,
			"status":     domain.JobStatusProcessing,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// SetProgress updates the synthetic progress percentage for a job still in
// flight. Terminal jobs are left untouched.
func (r *JobRepository) SetProgress(ctx context.Context, id string, progress int) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing}).
		Update("progress", progress).Error
}

// Complete moves a job to the completed state with its result. The update is
// a single conditional statement so that concurrent finalizers cannot both
// win; losing callers get ErrStale.
func (r *JobRepository) Complete(ctx context.Context, id string, result domain.JobResult) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusCompleted,
			"progress":         100,
			"result_title":     result.Title,
			"result_content":   result.Content,
			"result_cover":     result.Cover,
			"result_video_url": result.VideoURL,
			"completed_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// Fail moves a job to the failed state with an error message. Result columns
// are never written on this path, preserving the result-iff-completed
// invariant.
func (r *JobRepository) Fail(ctx context.Context, id, errorMessage string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"error_message": errorMessage,
			"completed_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MarkNotified flips the notification guard from false to true. The check and
// the set are one conditional UPDATE, giving compare-and-swap semantics: only
// one caller ever observes true.
func (r *JobRepository) MarkNotified(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND notification_sent = ?", id, false).
		Update("notification_sent", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateResultURLs rewrites the stored media references after archiving.
func (r *JobRepository) UpdateResultURLs(ctx context.Context, id, cover, videoURL string) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusCompleted).
		Updates(map[string]interface{}{
			"result_cover":     cover,
			"result_video_url": videoURL,
		}).Error
}
