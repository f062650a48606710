package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *JobRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM jobs")
	})
	return NewJobRepository(db)
}

func newPendingJob(t *testing.T, repo *JobRepository, owner string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Kind:      domain.JobKindVideoContent,
		SourceURL: "https://v.douyin.com/abc",
		Status:    domain.JobStatusPending,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetDispatched(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := newPendingJob(t, repo, "owner-1")

	if err := repo.SetDispatched(ctx, job.ID, "exec-1"); err != nil {
		t.Fatalf("SetDispatched: %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.JobStatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
	if got.ExecuteID != "exec-1" {
		t.Errorf("execute_id = %q, want exec-1", got.ExecuteID)
	}

	// The execution token is immutable once set.
	if err := repo.SetDispatched(ctx, job.ID, "exec-2"); !errors.Is(err, ErrStale) {
		t.Errorf("second dispatch: err = %v, want ErrStale", err)
	}
	got, _ = repo.GetByID(ctx, job.ID)
	if got.ExecuteID != "exec-1" {
		t.Errorf("execute_id overwritten to %q", got.ExecuteID)
	}
}

func TestListByStatusReturnsOnlyMatching(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	inFlight := newPendingJob(t, repo, "owner-1")
	if err := repo.SetDispatched(ctx, inFlight.ID, "exec-lbs"); err != nil {
		t.Fatalf("SetDispatched: %v", err)
	}
	done := newPendingJob(t, repo, "owner-1")
	if err := repo.Fail(ctx, done.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := repo.ListByStatus(ctx, domain.JobStatusProcessing, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(got) != 1 || got[0].ID != inFlight.ID {
		t.Fatalf("processing jobs = %+v, want only %s", got, inFlight.ID)
	}
}

func TestCompleteSetsResultExactlyOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := newPendingJob(t, repo, "owner-1")
	if err := repo.SetDispatched(ctx, job.ID, "exec-c"); err != nil {
		t.Fatalf("SetDispatched: %v", err)
	}

	result := domain.JobResult{Title: "T", Content: "C", Cover: "P", VideoURL: "https://cdn/x.mp4"}
	if err := repo.Complete(ctx, job.ID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := repo.GetByID(ctx, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Result != result {
		t.Errorf("result = %+v, want %+v", got.Result, result)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.ResultPayload() == nil {
		t.Error("ResultPayload() nil for completed job")
	}

	// A second terminal attempt must lose the conditional update.
	if err := repo.Complete(ctx, job.ID, domain.JobResult{Title: "other"}); !errors.Is(err, ErrStale) {
		t.Errorf("duplicate Complete: err = %v, want ErrStale", err)
	}
	if err := repo.Fail(ctx, job.ID, "late failure"); !errors.Is(err, ErrStale) {
		t.Errorf("Fail after Complete: err = %v, want ErrStale", err)
	}
	got, _ = repo.GetByID(ctx, job.ID)
	if got.Result.Title != "T" {
		t.Errorf("result overwritten: %+v", got.Result)
	}
}

func TestFailLeavesResultEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := newPendingJob(t, repo, "owner-1")

	if err := repo.Fail(ctx, job.ID, "executor exploded"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _ := repo.GetByID(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "executor exploded" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if got.ResultPayload() != nil {
		t.Error("ResultPayload() non-nil for failed job")
	}
	if !got.Result.Empty() {
		t.Errorf("result columns written on failure: %+v", got.Result)
	}
}

func TestMarkNotifiedFlipsOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := newPendingJob(t, repo, "owner-1")
	if err := repo.Fail(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	first, err := repo.MarkNotified(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if !first {
		t.Fatal("first MarkNotified returned false")
	}

	second, err := repo.MarkNotified(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if second {
		t.Error("second MarkNotified returned true; guard must flip exactly once")
	}
}

func TestSetProgressSkipsTerminalJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := newPendingJob(t, repo, "owner-1")

	if err := repo.SetProgress(ctx, job.ID, 45); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, _ := repo.GetByID(ctx, job.ID)
	if got.Progress != 45 {
		t.Errorf("progress = %d, want 45", got.Progress)
	}

	if err := repo.Complete(ctx, job.ID, domain.JobResult{Title: "T"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := repo.SetProgress(ctx, job.ID, 10); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, _ = repo.GetByID(ctx, job.ID)
	if got.Progress != 100 {
		t.Errorf("terminal progress mutated to %d", got.Progress)
	}
}

func TestListByOwnerScoping(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, "owner-a")
	newPendingJob(t, repo, "owner-a")
	newPendingJob(t, repo, "owner-b")

	jobs, err := repo.ListByOwner(ctx, "owner-a", 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("len = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.OwnerID != "owner-a" {
			t.Errorf("cross-owner job leaked: %s", j.OwnerID)
		}
	}
}
