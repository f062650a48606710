package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shuwen-lab/cliptext/internal/api/middleware"
	"github.com/shuwen-lab/cliptext/internal/config"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/lifecycle"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"github.com/shuwen-lab/cliptext/internal/service"
	"github.com/shuwen-lab/cliptext/internal/workflow"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testWebhookSecret = "test-webhook-secret"

type stubDispatcher struct {
	executeID string
	err       error
}

func (d *stubDispatcher) Run(ctx context.Context, req workflow.RunRequest) (string, error) {
	return d.executeID, d.err
}

type testServer struct {
	router  *gin.Engine
	repo    *repository.JobRepository
	manager *lifecycle.Manager
	hub     *lifecycle.Hub
}

func newTestServer(t *testing.T, strategy string, dispatcher service.Dispatcher) *testServer {
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
	hub := lifecycle.NewHub(8, 16)
	log := logger.New(&logger.Config{Level: "error", Format: "json"})
	manager := lifecycle.NewManager(repo, hub, nil, nil, log)
	submitSvc := service.NewSubmitService(repo, dispatcher, nil, log)

	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.CORS.AllowAllOrigins = true
	cfg.Acquisition.Strategy = strategy
	cfg.Webhook.Secret = testWebhookSecret
	cfg.Webhook.FreshnessWindow = 10 * time.Minute

	return &testServer{
		router:  SetupRouter(cfg, submitSvc, manager, repo, hub, log),
		repo:    repo,
		manager: manager,
		hub:     hub,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type jobPayload struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Kind         string            `json:"kind"`
	Status       domain.JobStatus  `json:"status"`
	Progress     int               `json:"progress"`
	Result       *domain.JobResult `json:"result"`
	ErrorMessage string            `json:"error_message"`
}

func (s *testServer) do(t *testing.T, method, path, owner string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope from %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func (s *testServer) postCallback(t *testing.T, body map[string]interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/executor", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderCallbackTimestamp, ts)
	req.Header.Set(middleware.HeaderCallbackSignature, middleware.Sign(testWebhookSecret, ts, raw))

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

// executorOutput builds the double-encoded output payload the executor emits.
func executorOutput(t *testing.T, title, content, photo, url string) string {
	t.Helper()
	inner, err := json.Marshal(map[string]string{
		"title": title, "content": content, "photo": photo, "url": url,
	})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	outer, err := json.Marshal(map[string]string{"Output": string(inner)})
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}
	return string(outer)
}

func decodeJob(t *testing.T, env envelope) jobPayload {
	t.Helper()
	var job jobPayload
	if err := json.Unmarshal(env.Data, &job); err != nil {
		t.Fatalf("decode job from %s: %v", env.Data, err)
	}
	return job
}

func TestSubmitCallbackRoundTrip(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-rt"})

	w, env := s.do(t, http.MethodPost, "/api/v1/jobs", "owner-1", map[string]string{
		"kind": domain.JobKindVideoContent,
		"url":  "https://v.douyin.com/abc123",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
	}
	submitted := decodeJob(t, env)
	if submitted.Status != domain.JobStatusProcessing {
		t.Fatalf("submitted status = %s", submitted.Status)
	}
	if submitted.Result != nil {
		t.Fatal("result present before completion")
	}

	w, _ = s.postCallback(t, map[string]interface{}{
		"correlation_id": submitted.ID,
		"status":         "Success",
		"output":         executorOutput(t, "T", "C", "P", "https://cdn/x.mp4"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d: %s", w.Code, w.Body.String())
	}

	w, env = s.do(t, http.MethodGet, "/api/v1/jobs/"+submitted.ID, "owner-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	final := decodeJob(t, env)
	if final.Status != domain.JobStatusCompleted || final.Progress != 100 {
		t.Fatalf("final job = %s progress %d", final.Status, final.Progress)
	}
	if final.Result == nil {
		t.Fatal("completed job has no result")
	}
	want := domain.JobResult{Title: "T", Content: "C", Cover: "P", VideoURL: "https://cdn/x.mp4"}
	if *final.Result != want {
		t.Fatalf("result = %+v, want %+v", *final.Result, want)
	}
}

func TestDuplicateCallbackIsNoOp(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-dup"})

	_, env := s.do(t, http.MethodPost, "/api/v1/jobs", "owner-1", map[string]string{
		"url": "https://v.douyin.com/abc123",
	})
	job := decodeJob(t, env)

	success := map[string]interface{}{
		"correlation_id": job.ID,
		"status":         "Success",
		"output":         executorOutput(t, "T", "C", "P", "https://cdn/x.mp4"),
	}
	if w, _ := s.postCallback(t, success); w.Code != http.StatusOK {
		t.Fatalf("first callback status = %d", w.Code)
	}

	// A redelivered failure for the same run must not overwrite anything.
	w, _ := s.postCallback(t, map[string]interface{}{
		"correlation_id": job.ID,
		"status":         "Failed",
		"error_message":  "late duplicate",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate callback status = %d, want 200 no-op", w.Code)
	}

	stored, err := s.repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s after duplicate, want completed", stored.Status)
	}
	if stored.Result.Title != "T" {
		t.Fatalf("result overwritten: %+v", stored.Result)
	}
}

func TestCallbackUnknownCorrelationID(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-x"})

	w, env := s.postCallback(t, map[string]interface{}{
		"correlation_id": "no-such-job",
		"status":         "Failed",
		"error_message":  "boom",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if env.Code != "NOT_FOUND" {
		t.Fatalf("code = %q", env.Code)
	}
}

func TestCallbackRouteAbsentInPollMode(t *testing.T) {
	s := newTestServer(t, config.StrategyPoll, &stubDispatcher{executeID: "exec-p"})

	w, _ := s.postCallback(t, map[string]interface{}{
		"correlation_id": "anything",
		"status":         "Success",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: poll mode must not expose the callback route", w.Code)
	}
}

func TestJobRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-a"})

	w, env := s.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if env.Code != "UNAUTHORIZED" {
		t.Fatalf("code = %q", env.Code)
	}
}

func TestJobVisibilityScopedToOwner(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-s"})

	_, env := s.do(t, http.MethodPost, "/api/v1/jobs", "owner-1", map[string]string{
		"url": "https://v.douyin.com/abc123",
	})
	job := decodeJob(t, env)

	w, _ := s.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, "owner-2", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-owner get status = %d, want 404", w.Code)
	}

	_, env = s.do(t, http.MethodGet, "/api/v1/jobs", "owner-2", nil)
	var listing struct {
		Jobs  []jobPayload `json:"jobs"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(env.Data, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Count != 0 {
		t.Fatalf("owner-2 sees %d jobs", listing.Count)
	}
}

func TestSubmitRejectedByExecutor(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{err: workflow.ErrRejected})

	w, env := s.do(t, http.MethodPost, "/api/v1/jobs", "owner-1", map[string]string{
		"url": "https://v.douyin.com/abc123",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	if env.Code != "EXECUTOR_REJECTED" {
		t.Fatalf("code = %q", env.Code)
	}
	job := decodeJob(t, env)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
}

func TestWatchTerminalJobYieldsOneEvent(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-w"})

	_, env := s.do(t, http.MethodPost, "/api/v1/jobs", "owner-1", map[string]string{
		"url": "https://v.douyin.com/abc123",
	})
	job := decodeJob(t, env)
	if err := s.manager.Fail(context.Background(), job.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/events", nil)
	req.Header.Set("X-User-ID", "owner-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if got := strings.Count(body, "event:job"); got != 1 {
		t.Fatalf("event count = %d in %q", got, body)
	}
	if !strings.Contains(body, `"status":"failed"`) {
		t.Fatalf("terminal snapshot missing from %q", body)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	s := newTestServer(t, config.StrategyCallback, &stubDispatcher{executeID: "exec-live"})
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	_, env := s.do(t, http.MethodPost, "/api/v1/jobs", "owner-1", map[string]string{
		"url": "https://v.douyin.com/abc123",
	})
	job := decodeJob(t, env)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/jobs/"+job.ID+"/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-User-ID", "owner-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch request: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// First event is the processing snapshot.
	if line := readEventData(t, reader); !strings.Contains(line, `"status":"processing"`) {
		t.Fatalf("first event = %q", line)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.manager.Complete(context.Background(), job.ID, domain.JobResult{Title: "T"})
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no terminal event before deadline")
		default:
		}
		line := readEventData(t, reader)
		if strings.Contains(line, `"status":"completed"`) {
			if !strings.Contains(line, `"title":"T"`) {
				t.Fatalf("terminal event missing result: %q", line)
			}
			return
		}
	}
}

func readEventData(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}
