package domain

import "time"

// JobStatus represents the lifecycle state of an extraction job.
// Transitions are forward-only: pending -> processing -> completed|failed.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition may occur from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only lifecycle.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// JobKindVideoContent is the only registered job kind; the field exists so
// additional workflow kinds can be added without schema changes.
const JobKindVideoContent = "get_video_content"

// JobResult holds the structured output of a successful extraction.
type JobResult struct {
	Title    string `gorm:"type:text" json:"title"`
	Content  string `gorm:"type:text" json:"content"`
	Cover    string `gorm:"type:text" json:"cover"`
	VideoURL string `gorm:"type:text" json:"video_url"`
}

// Empty reports whether the result carries no data.
func (r JobResult) Empty() bool {
	return r.Title == "" && r.Content == "" && r.Cover == "" && r.VideoURL == ""
}

// Job is one user-requested unit of asynchronous extraction work and its
// outcome. The job ID doubles as the correlation token passed to the
// external workflow executor.
type Job struct {
	ID        string `gorm:"type:text;primaryKey" json:"id"`
	OwnerID   string `gorm:"type:text;not null;index" json:"owner_id"`
	Kind      string `gorm:"type:text;not null" json:"kind"`
	SourceURL string `gorm:"type:text;not null" json:"source_url"`

	Status   JobStatus `gorm:"default:pending;index" json:"status"`
	Progress int       `gorm:"default:0" json:"progress"`

	// ExecuteID is the executor's execution token, assigned once at
	// dispatch and immutable afterwards.
	ExecuteID string `gorm:"type:text;index" json:"execute_id,omitempty"`

	Result       JobResult `gorm:"embedded;embeddedPrefix:result_" json:"-"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`

	NotificationSent bool `gorm:"default:false" json:"notification_sent"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// ResultPayload returns the extraction result, or nil unless the job reached
// completed. Keeps the result-iff-completed invariant at the read boundary
// regardless of what the storage driver scanned into the embedded columns.
func (j *Job) ResultPayload() *JobResult {
	if j.Status != JobStatusCompleted {
		return nil
	}
	r := j.Result
	return &r
}
