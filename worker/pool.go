package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gigovert/config"
	"gigovert/models"
	"gigovert/services"

	"github.com/redis/go-redis/v9"
)

// Converter is the uniform convert(source, target) contract the executor
// drives. Satisfied by services.Converter.
type Converter interface {
	Convert(ctx context.Context, sourcePath, fromFormat, toFormat, jobID string) (string, error)
	ArtifactPath(jobID, toFormat string) string
}

// Fetcher downloads remote media sources. Satisfied by services.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url, toFormat, jobID string) (string, error)
}

// dispatchQueue is the queue bookkeeping the pool drives. Satisfied by
// *Queue; tests substitute a fake so the executor and the recovery sweep
// run without Redis.
type dispatchQueue interface {
	pop(ctx context.Context) (string, error)
	ack(ctx context.Context, raw string)
	markFailed(ctx context.Context, raw string)
	setTerminalStatus(ctx context.Context, jobID string, status models.Status, errorMsg string)
	processingEntries(ctx context.Context) ([]string, error)
}

// Pool runs the bounded set of conversion workers. Each worker owns exactly
// one job at a time from pickup to terminal state; jobs never share mutable
// state beyond the store, and each worker only touches its own job's record.
type Pool struct {
	config    *config.Config
	queue     dispatchQueue
	store     models.JobStore
	converter Converter
	fetcher   Fetcher
	files     *services.FileStore
	s3        *services.S3Service
	health    *services.HealthMonitor
}

func NewPool(
	cfg *config.Config,
	queue dispatchQueue,
	store models.JobStore,
	converter Converter,
	fetcher Fetcher,
	files *services.FileStore,
	s3 *services.S3Service,
	health *services.HealthMonitor,
) *Pool {
	return &Pool{
		config:    cfg,
		queue:     queue,
		store:     store,
		converter: converter,
		fetcher:   fetcher,
		files:     files,
		s3:        s3,
		health:    health,
	}
}

// StartWorker consumes the pending queue until ctx is cancelled.
func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
			result, err := p.queue.pop(ctx)

			if errors.Is(err, redis.Nil) {
				// Timeout, no jobs available
				continue
			}

			if err != nil {
				if ctx.Err() != nil {
					log.Printf("[Worker %d] Shutting down", workerID)
					return
				}
				log.Printf("[Worker %d] Redis error: %v", workerID, err)
				time.Sleep(5 * time.Second)
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(result), &msg); err != nil {
				log.Printf("[Worker %d] Failed to parse queue message: %v", workerID, err)
				p.queue.ack(ctx, result)
				continue
			}

			p.processJob(ctx, workerID, &msg)
			p.queue.ack(ctx, result)
		}
	}
}

// processJob drives one job from claim to a terminal state. Every failure
// inside the pipeline, including panics, ends as a failed transition on this
// job; nothing escapes to other workers or the process.
func (p *Pool) processJob(ctx context.Context, workerID int, msg *Message) {
	owner := fmt.Sprintf("worker-%d", workerID)

	job, err := p.store.Claim(ctx, msg.JobID, owner)
	if err != nil {
		log.Printf("[Worker %d] Failed to claim job %s: %v", workerID, msg.JobID, err)
		return
	}

	log.Printf("[Worker %d] Processing job %s (%s -> %s)",
		workerID, job.JobID, job.FromFormat, job.ToFormat)
	startTime := time.Now()

	if err := p.runPipeline(ctx, workerID, job, owner); err != nil {
		p.failJob(ctx, workerID, job, owner, err)
		return
	}

	p.queue.setTerminalStatus(ctx, job.JobID, models.StatusCompleted, "")
	p.health.IncrementConversion(true)
	log.Printf("[Worker %d] Job %s completed successfully (%.2fs)",
		workerID, job.JobID, time.Since(startTime).Seconds())
}

// runPipeline executes fetch and convert phases and records the completed
// transition. Phase failures come back as typed error values; a panic is
// converted into an error at this boundary.
func (p *Pool) runPipeline(ctx context.Context, workerID int, job *models.Job, owner string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected worker fault: %v", r)
		}
	}()

	if err := job.Start(); err != nil {
		return err
	}
	if err := p.store.Update(ctx, job, owner); err != nil {
		return err
	}

	sourcePath := job.SourceFilePath
	fromFormat := strings.ToLower(job.FromFormat)
	remote := job.SourceURL != ""

	if remote {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.DownloadTimeout)*time.Second)
		fetched, fetchErr := p.fetcher.Fetch(fetchCtx, job.SourceURL, job.ToFormat, job.JobID)
		cancel()
		if fetchErr != nil {
			return fetchErr
		}
		sourcePath = fetched
		fromFormat = strings.TrimPrefix(strings.ToLower(filepath.Ext(fetched)), ".")
	}

	if err := job.Advance(models.ProgressSourceReady); err != nil {
		return err
	}
	if err := p.store.Update(ctx, job, owner); err != nil {
		return err
	}

	var artifactPath string
	if remote && fromFormat == strings.ToLower(job.ToFormat) {
		// yt-dlp already delivered the target format; stage it as the artifact.
		artifactPath = p.converter.ArtifactPath(job.JobID, job.ToFormat)
		if renameErr := os.Rename(sourcePath, artifactPath); renameErr != nil {
			return fmt.Errorf("failed to stage downloaded artifact: %w", renameErr)
		}
	} else {
		convertCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.ConvertTimeout)*time.Second)
		converted, convErr := p.converter.Convert(convertCtx, sourcePath, fromFormat, job.ToFormat, job.JobID)
		cancel()
		if convErr != nil {
			return convErr
		}
		artifactPath = converted
	}

	if err := job.Complete(artifactPath); err != nil {
		return err
	}
	if err := p.store.Update(ctx, job, owner); err != nil {
		return err
	}

	if p.s3 != nil {
		if offloadErr := p.s3.OffloadArtifact(ctx, artifactPath); offloadErr != nil {
			// Offload is retention only; the local artifact is authoritative.
			log.Printf("[Worker %d] Failed to offload artifact for job %s: %v", workerID, job.JobID, offloadErr)
		}
	}
	return nil
}

// failJob records the failed transition with the cause attached verbatim.
func (p *Pool) failJob(ctx context.Context, workerID int, job *models.Job, owner string, cause error) {
	detail := cause.Error()
	log.Printf("[Worker %d] Job %s failed: %s", workerID, job.JobID, detail)

	if job.Status == models.StatusQueued {
		// Claim succeeded but the processing transition never landed.
		_ = job.Start()
	}
	if !job.Status.IsTerminal() {
		if err := job.Fail(detail); err != nil {
			log.Printf("[Worker %d] Failed to mark job %s failed: %v", workerID, job.JobID, err)
		}
	}
	if err := p.store.Update(ctx, job, owner); err != nil {
		log.Printf("[Worker %d] Failed to persist failure for job %s: %v", workerID, job.JobID, err)
	}

	p.queue.setTerminalStatus(ctx, job.JobID, models.StatusFailed, detail)
	p.health.IncrementConversion(false)
}

// MaintenanceLoop sweeps stale processing-queue entries and aged files until
// ctx is cancelled.
func (p *Pool) MaintenanceLoop(ctx context.Context) {
	recovery := time.NewTicker(5 * time.Minute)
	defer recovery.Stop()
	cleanup := time.NewTicker(time.Duration(p.config.CleanupInterval) * time.Second)
	defer cleanup.Stop()

	log.Println("[Maintenance] Starting stale-job recovery and file cleanup loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Maintenance] Shutting down")
			return
		case <-recovery.C:
			p.recoverStaleJobs(ctx)
		case <-cleanup.C:
			if removed := p.files.CleanupAged(time.Duration(p.config.RetentionAge) * time.Second); removed > 0 {
				log.Printf("[Maintenance] Removed %d aged files", removed)
			}
		}
	}
}

// recoverStaleJobs force-fails jobs whose worker died mid-processing: their
// payload is still on the processing list long after any legitimate run
// would have finished. The lease override is logged; this is the only writer
// that bypasses job ownership.
func (p *Pool) recoverStaleJobs(ctx context.Context) {
	entries, err := p.queue.processingEntries(ctx)
	if err != nil {
		log.Printf("[Maintenance] Failed to read processing queue: %v", err)
		return
	}

	staleAfter := time.Duration(p.config.DownloadTimeout+p.config.ConvertTimeout)*time.Second + 10*time.Minute

	recovered := 0
	for _, raw := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			p.queue.ack(ctx, raw)
			continue
		}
		if time.Since(msg.EnqueuedAt) < staleAfter {
			continue
		}

		p.queue.ack(ctx, raw)
		job, err := p.store.Get(ctx, msg.JobID)
		if err != nil {
			continue
		}
		if job.Status.IsTerminal() {
			continue
		}

		detail := fmt.Sprintf("worker lost: job exceeded the processing deadline of %s", staleAfter)
		log.Printf("[Maintenance] Forcing job %s to failed (lease owner %q is gone)", msg.JobID, job.Owner)
		if err := p.store.ForceFail(ctx, msg.JobID, detail); err != nil {
			log.Printf("[Maintenance] Failed to force-fail job %s: %v", msg.JobID, err)
			continue
		}
		p.queue.markFailed(ctx, raw)
		p.queue.setTerminalStatus(ctx, msg.JobID, models.StatusFailed, detail)
		p.health.IncrementConversion(false)
		recovered++
	}

	if recovered > 0 {
		log.Printf("[Maintenance] Recovered %d stale jobs", recovered)
	}
}
