package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type countingNotifier struct {
	calls int32
	fail  bool
}

func (n *countingNotifier) NotifyTerminal(ctx context.Context, job *domain.Job) error {
	atomic.AddInt32(&n.calls, 1)
	if n.fail {
		return errors.New("delivery refused")
	}
	return nil
}

type fakeArchiver struct {
	cover string
	video string
	err   error
}

func (a *fakeArchiver) Archive(ctx context.Context, job *domain.Job) (string, string, error) {
	return a.cover, a.video, a.err
}

func newTestManager(t *testing.T, notifier Notifier, archiver Archiver) (*Manager, *repository.JobRepository) {
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
	t.Cleanup(func() { db.Exec("DELETE FROM jobs") })

	repo := repository.NewJobRepository(db)
	log := logger.New(&logger.Config{Level: "error", Format: "json"})
	return NewManager(repo, NewHub(4, 16), notifier, archiver, log), repo
}

func seedJob(t *testing.T, repo *repository.JobRepository) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:        uuid.New().String(),
		OwnerID:   "owner-1",
		Kind:      domain.JobKindVideoContent,
		SourceURL: "https://v.douyin.com/abc",
		Status:    domain.JobStatusPending,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.SetDispatched(context.Background(), job.ID, "exec-"+job.ID[:8]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return job
}

func TestDuplicateFinalizationRecoversMissedNotification(t *testing.T) {
	notifier := &countingNotifier{}
	mgr, repo := newTestManager(t, notifier, nil)
	job := seedJob(t, repo)

	// Terminal in the store but the notification never went out, as left
	// behind by a crash or reload failure after the conditional update won.
	if err := repo.Complete(context.Background(), job.ID, domain.JobResult{Title: "T"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := mgr.Fail(context.Background(), job.ID, "late duplicate"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}

	if got := atomic.LoadInt32(&notifier.calls); got != 1 {
		t.Fatalf("notifier calls = %d, want 1 (recovered on duplicate)", got)
	}
	stored, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != domain.JobStatusCompleted || stored.Result.Title != "T" {
		t.Fatalf("duplicate mutated the record: %+v", stored)
	}
	if !stored.NotificationSent {
		t.Fatal("notification guard not consumed by recovery")
	}

	// A further duplicate finds the guard consumed and sends nothing.
	if err := mgr.Complete(context.Background(), job.ID, domain.JobResult{Title: "X"}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}
	if got := atomic.LoadInt32(&notifier.calls); got != 1 {
		t.Fatalf("notifier calls = %d after second duplicate, want 1", got)
	}
}

func TestCompletePublishesAndNotifiesOnce(t *testing.T) {
	notifier := &countingNotifier{}
	mgr, repo := newTestManager(t, notifier, nil)
	job := seedJob(t, repo)
	ctx := context.Background()

	ch, cancel, _ := mgr.hub.Subscribe(job.ID)
	defer cancel()

	result := domain.JobResult{Title: "T", Content: "C", Cover: "P", VideoURL: "https://cdn/x.mp4"}
	if err := mgr.Complete(ctx, job.ID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.Status != domain.JobStatusCompleted {
			t.Errorf("published status = %s", snap.Status)
		}
	default:
		t.Error("no snapshot published to hub")
	}

	if got := atomic.LoadInt32(&notifier.calls); got != 1 {
		t.Errorf("notifier calls = %d, want 1", got)
	}

	// Duplicate delivery of the same terminal outcome is an idempotent no-op.
	if err := mgr.Complete(ctx, job.ID, result); !errors.Is(err, ErrTerminal) {
		t.Errorf("duplicate Complete err = %v, want ErrTerminal", err)
	}
	if err := mgr.Fail(ctx, job.ID, "late"); !errors.Is(err, ErrTerminal) {
		t.Errorf("Fail after Complete err = %v, want ErrTerminal", err)
	}
	if got := atomic.LoadInt32(&notifier.calls); got != 1 {
		t.Errorf("notifier calls after duplicates = %d, want 1", got)
	}

	stored, _ := repo.GetByID(ctx, job.ID)
	if !stored.NotificationSent {
		t.Error("notification_sent not set")
	}
}

func TestNotificationFailureDoesNotAffectJob(t *testing.T) {
	notifier := &countingNotifier{fail: true}
	mgr, repo := newTestManager(t, notifier, nil)
	job := seedJob(t, repo)
	ctx := context.Background()

	if err := mgr.Fail(ctx, job.ID, "executor reported failure"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	stored, _ := repo.GetByID(ctx, job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	// The guard stays consumed even though delivery failed; the observed
	// design logs and moves on rather than re-sending.
	if !stored.NotificationSent {
		t.Error("notification_sent not set after failed delivery")
	}
}

func TestCompleteWithArchiverRewritesURLs(t *testing.T) {
	archiver := &fakeArchiver{cover: "https://media.internal/c.jpg", video: "https://media.internal/v.mp4"}
	mgr, repo := newTestManager(t, nil, archiver)
	job := seedJob(t, repo)
	ctx := context.Background()

	if err := mgr.Complete(ctx, job.ID, domain.JobResult{Cover: "https://cdn/p.jpg", VideoURL: "https://cdn/x.mp4"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stored, _ := repo.GetByID(ctx, job.ID)
	if stored.Result.Cover != archiver.cover || stored.Result.VideoURL != archiver.video {
		t.Errorf("result URLs not rewritten: %+v", stored.Result)
	}
}

func TestArchiveFailureKeepsOriginalURLs(t *testing.T) {
	archiver := &fakeArchiver{err: errors.New("bucket gone")}
	mgr, repo := newTestManager(t, nil, archiver)
	job := seedJob(t, repo)
	ctx := context.Background()

	if err := mgr.Complete(ctx, job.ID, domain.JobResult{Cover: "https://cdn/p.jpg", VideoURL: "https://cdn/x.mp4"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stored, _ := repo.GetByID(ctx, job.ID)
	if stored.Result.Cover != "https://cdn/p.jpg" || stored.Result.VideoURL != "https://cdn/x.mp4" {
		t.Errorf("original URLs lost on archive failure: %+v", stored.Result)
	}
	if stored.Status != domain.JobStatusCompleted {
		t.Errorf("archive failure affected terminal status: %s", stored.Status)
	}
}

func TestPublishProgress(t *testing.T) {
	mgr, repo := newTestManager(t, nil, nil)
	job := seedJob(t, repo)
	ctx := context.Background()

	ch, cancel, _ := mgr.hub.Subscribe(job.ID)
	defer cancel()

	mgr.PublishProgress(ctx, job.ID, 35)

	select {
	case snap := <-ch:
		if snap.Progress != 35 {
			t.Errorf("published progress = %d", snap.Progress)
		}
	default:
		t.Error("no progress snapshot published")
	}
}
