package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"gigovert/config"
	"gigovert/models"
	"gigovert/services"
)

// fakeDispatchQueue records the bookkeeping calls the pool makes, standing
// in for the Redis lists.
type fakeDispatchQueue struct {
	mu         sync.Mutex
	processing []string
	acked      []string
	failed     []string
	statuses   map[string]models.Status
}

func newFakeDispatchQueue() *fakeDispatchQueue {
	return &fakeDispatchQueue{statuses: make(map[string]models.Status)}
}

func (f *fakeDispatchQueue) pop(context.Context) (string, error) {
	return "", redis.Nil
}

func (f *fakeDispatchQueue) ack(_ context.Context, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, raw)
	for i, entry := range f.processing {
		if entry == raw {
			f.processing = append(f.processing[:i], f.processing[i+1:]...)
			break
		}
	}
}

func (f *fakeDispatchQueue) markFailed(_ context.Context, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, raw)
}

func (f *fakeDispatchQueue) setTerminalStatus(_ context.Context, jobID string, status models.Status, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = status
}

func (f *fakeDispatchQueue) processingEntries(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processing...), nil
}

type fakeConverter struct {
	mu        sync.Mutex
	outputDir string
	calls     []string
	err       error
	panicMsg  string
}

func (f *fakeConverter) Convert(_ context.Context, sourcePath, fromFormat, toFormat, jobID string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobID)
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return "", f.err
	}
	path := f.ArtifactPath(jobID, toFormat)
	if err := os.WriteFile(path, []byte("converted"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeConverter) ArtifactPath(jobID, toFormat string) string {
	return filepath.Join(f.outputDir, jobID+"_converted."+strings.ToLower(toFormat))
}

type fakeFetcher struct {
	dir string
	ext string
	err error
}

func (f *fakeFetcher) Fetch(_ context.Context, url, toFormat, jobID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, jobID+"_source."+f.ext)
	if err := os.WriteFile(path, []byte("downloaded"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newTestPool(t *testing.T) (*Pool, *services.MemoryStore, *fakeConverter, *fakeFetcher, *services.HealthMonitor) {
	t.Helper()

	cfg := &config.Config{
		DownloadTimeout: 60,
		ConvertTimeout:  60,
		CleanupInterval: 3600,
		RetentionAge:    86400,
	}
	store := services.NewMemoryStore()
	converter := &fakeConverter{outputDir: t.TempDir()}
	fetcher := &fakeFetcher{dir: t.TempDir(), ext: "webm"}
	health := services.NewHealthMonitor()
	files, err := services.NewFileStore(t.TempDir(), converter.outputDir, 1<<20)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	pool := NewPool(cfg, newFakeDispatchQueue(), store, converter, fetcher, files, nil, health)
	return pool, store, converter, fetcher, health
}

func processingPayload(t *testing.T, jobID string, enqueuedAt time.Time) string {
	t.Helper()
	raw, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: enqueuedAt})
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	return string(raw)
}

// claimAndStart puts a job into processing under the given owner, the state
// a worker leaves behind when it dies mid-job.
func claimAndStart(t *testing.T, store *services.MemoryStore, job *models.Job, owner string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.Claim(ctx, job.JobID, owner)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := claimed.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := store.Update(ctx, claimed, owner); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func enqueueTestJob(t *testing.T, store *services.MemoryStore, job *models.Job) *Message {
	t.Helper()
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return &Message{JobID: job.JobID}
}

func TestProcessJobSuccess(t *testing.T) {
	t.Parallel()

	pool, store, converter, _, health := newTestPool(t)
	ctx := context.Background()

	job := models.NewJob("wav", "mp3")
	job.SourceFilePath = "/uploads/in.wav"
	msg := enqueueTestJob(t, store, job)

	pool.processJob(ctx, 1, msg)

	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.Progress != models.ProgressDone {
		t.Fatalf("progress = %d, want %d", got.Progress, models.ProgressDone)
	}
	if got.ConvertedFilePath == "" {
		t.Fatal("completed job must record its artifact path")
	}
	if got.Owner != "" {
		t.Fatalf("completed job still owned by %q", got.Owner)
	}
	if len(converter.calls) != 1 {
		t.Fatalf("converter calls = %v, want one", converter.calls)
	}

	snap := health.Snapshot()
	if snap.SuccessfulConversions != 1 || snap.FailedConversions != 0 {
		t.Fatalf("health = %+v", snap)
	}
}

func TestProcessJobConverterFailure(t *testing.T) {
	t.Parallel()

	pool, store, converter, _, health := newTestPool(t)
	converter.err = &services.ToolError{Tool: "ffmpeg", ExitCode: 1, Output: "invalid data found"}
	ctx := context.Background()

	job := models.NewJob("wav", "mp3")
	job.SourceFilePath = "/uploads/in.wav"
	msg := enqueueTestJob(t, store, job)

	pool.processJob(ctx, 2, msg)

	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "ffmpeg") || !strings.Contains(got.ErrorMessage, "invalid data found") {
		t.Fatalf("failure detail lost the cause: %q", got.ErrorMessage)
	}
	// Progress stays where the pipeline stopped, not reset.
	if got.Progress != models.ProgressSourceReady {
		t.Fatalf("progress = %d, want %d", got.Progress, models.ProgressSourceReady)
	}

	snap := health.Snapshot()
	if snap.FailedConversions != 1 {
		t.Fatalf("health = %+v", snap)
	}
}

func TestProcessJobPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	pool, store, converter, _, _ := newTestPool(t)
	converter.panicMsg = "index out of range"
	ctx := context.Background()

	job := models.NewJob("wav", "mp3")
	job.SourceFilePath = "/uploads/in.wav"
	msg := enqueueTestJob(t, store, job)

	pool.processJob(ctx, 3, msg)

	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "unexpected worker fault") {
		t.Fatalf("panic detail missing: %q", got.ErrorMessage)
	}
}

func TestProcessJobDownloadFailure(t *testing.T) {
	t.Parallel()

	pool, store, converter, fetcher, _ := newTestPool(t)
	fetcher.err = &services.DownloadError{Message: "downloaded file not found"}
	ctx := context.Background()

	job := models.NewJob(models.SourceYouTube, "mp3")
	job.SourceURL = "https://youtu.be/abc123"
	msg := enqueueTestJob(t, store, job)

	pool.processJob(ctx, 4, msg)

	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "downloaded file not found") {
		t.Fatalf("download detail missing: %q", got.ErrorMessage)
	}
	if len(converter.calls) != 0 {
		t.Fatal("converter must not run when the download fails")
	}
}

func TestProcessJobRemoteExtensionMatchIsStagedNotConverted(t *testing.T) {
	t.Parallel()

	pool, store, converter, fetcher, _ := newTestPool(t)
	fetcher.ext = "mp3"
	ctx := context.Background()

	job := models.NewJob(models.SourceYouTube, "mp3")
	job.SourceURL = "https://youtu.be/abc123"
	msg := enqueueTestJob(t, store, job)

	pool.processJob(ctx, 5, msg)

	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.ErrorMessage)
	}
	if len(converter.calls) != 0 {
		t.Fatal("download already in the target format must not be converted")
	}
	data, err := os.ReadFile(got.ConvertedFilePath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if string(data) != "downloaded" {
		t.Fatalf("artifact content = %q, want the staged download", data)
	}
}

func TestProcessJobAlreadyClaimedIsNoOp(t *testing.T) {
	t.Parallel()

	pool, store, converter, _, _ := newTestPool(t)
	ctx := context.Background()

	job := models.NewJob("wav", "mp3")
	job.SourceFilePath = "/uploads/in.wav"
	msg := enqueueTestJob(t, store, job)

	if _, err := store.Claim(ctx, job.JobID, "worker-99"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	pool.processJob(ctx, 6, msg)

	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusQueued || got.Owner != "worker-99" {
		t.Fatalf("claimed job was touched: %s owned by %q", got.Status, got.Owner)
	}
	if len(converter.calls) != 0 {
		t.Fatal("converter must not run for a job another worker owns")
	}
}

func TestProcessJobConcurrentWorkersKeepRecordsDisjoint(t *testing.T) {
	t.Parallel()

	pool, store, _, _, health := newTestPool(t)
	ctx := context.Background()

	const jobs = 8
	msgs := make([]*Message, 0, jobs)
	for i := 0; i < jobs; i++ {
		job := models.NewJob("wav", "mp3")
		job.SourceFilePath = "/uploads/in.wav"
		msgs = append(msgs, enqueueTestJob(t, store, job))
	}

	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(workerID int, msg *Message) {
			defer wg.Done()
			pool.processJob(ctx, workerID, msg)
		}(i+1, msg)
	}
	wg.Wait()

	for _, msg := range msgs {
		got, err := store.Get(ctx, msg.JobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != models.StatusCompleted {
			t.Fatalf("job %s = %s (error: %s)", msg.JobID, got.Status, got.ErrorMessage)
		}
	}
	if snap := health.Snapshot(); snap.SuccessfulConversions != jobs {
		t.Fatalf("health = %+v, want %d successes", snap, jobs)
	}
}

func TestRecoverStaleJobsForceFailsLostWork(t *testing.T) {
	t.Parallel()

	pool, store, _, _, health := newTestPool(t)
	q := pool.queue.(*fakeDispatchQueue)
	ctx := context.Background()

	stale := models.NewJob("wav", "mp3")
	stale.SourceFilePath = "/uploads/in.wav"
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	claimAndStart(t, store, stale, "worker-7")
	staleRaw := processingPayload(t, stale.JobID, time.Now().Add(-3*time.Hour))

	fresh := models.NewJob("wav", "mp3")
	fresh.SourceFilePath = "/uploads/in.wav"
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	claimAndStart(t, store, fresh, "worker-8")
	freshRaw := processingPayload(t, fresh.JobID, time.Now())

	// A payload whose job already reached a terminal state: the entry is
	// dropped from the processing list but the record is left alone.
	done := models.NewJob("png", "jpg")
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	claimed, err := store.Claim(ctx, done.JobID, "worker-9")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := claimed.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := claimed.Complete("/outputs/done.jpg"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := store.Update(ctx, claimed, "worker-9"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	doneRaw := processingPayload(t, done.JobID, time.Now().Add(-3*time.Hour))

	q.processing = []string{staleRaw, freshRaw, doneRaw, "not json"}

	pool.recoverStaleJobs(ctx)

	got, err := store.Get(ctx, stale.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("stale job = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "deadline") {
		t.Fatalf("stale job detail = %q", got.ErrorMessage)
	}
	if got.Owner != "" {
		t.Fatalf("stale job still owned by %q", got.Owner)
	}
	if len(q.failed) != 1 || q.failed[0] != staleRaw {
		t.Fatalf("failed list = %v, want only the stale payload", q.failed)
	}
	if q.statuses[stale.JobID] != models.StatusFailed {
		t.Fatalf("terminal status mirror = %v", q.statuses)
	}

	gotFresh, err := store.Get(ctx, fresh.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotFresh.Status != models.StatusProcessing || gotFresh.Owner != "worker-8" {
		t.Fatalf("fresh job was touched: %s owned by %q", gotFresh.Status, gotFresh.Owner)
	}
	if len(q.processing) != 1 || q.processing[0] != freshRaw {
		t.Fatalf("processing list = %v, want only the fresh payload", q.processing)
	}

	gotDone, err := store.Get(ctx, done.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotDone.Status != models.StatusCompleted {
		t.Fatalf("terminal job was touched: %s", gotDone.Status)
	}

	if snap := health.Snapshot(); snap.FailedConversions != 1 {
		t.Fatalf("health = %+v, want one recorded failure", snap)
	}
}
