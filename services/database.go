package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gigovert/models"

	_ "github.com/lib/pq"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id              TEXT PRIMARY KEY,
	from_format         TEXT NOT NULL,
	to_format           TEXT NOT NULL,
	status              TEXT NOT NULL,
	progress            INTEGER NOT NULL DEFAULT 0,
	source_file_path    TEXT NOT NULL DEFAULT '',
	source_url          TEXT NOT NULL DEFAULT '',
	converted_file_path TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	owner               TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at);
`

// DatabaseStore is the Postgres-backed job store.
type DatabaseStore struct {
	db *sql.DB
}

func NewDatabaseStore(databaseURL string) (*DatabaseStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(jobsSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure jobs schema: %w", err)
	}

	return &DatabaseStore{db: db}, nil
}

func (d *DatabaseStore) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, from_format, to_format, status, progress,
			source_file_path, source_url, converted_file_path,
			error_message, owner, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := d.db.ExecContext(ctx, query,
		job.JobID,
		job.FromFormat,
		job.ToFormat,
		job.Status,
		job.Progress,
		job.SourceFilePath,
		job.SourceURL,
		job.ConvertedFilePath,
		job.ErrorMessage,
		job.Owner,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

const jobColumns = `job_id, from_format, to_format, status, progress,
	source_file_path, source_url, converted_file_path,
	error_message, owner, created_at, updated_at`

func (d *DatabaseStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// Claim records owner as the exclusive writer of a queued, unowned job and
// returns the fresh record. A job that is already owned or past queued fails
// with ErrJobClaimed.
func (d *DatabaseStore) Claim(ctx context.Context, jobID, owner string) (*models.Job, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET owner = $2, updated_at = $3
		 WHERE job_id = $1 AND owner = '' AND status = $4`,
		jobID, owner, time.Now().UTC(), models.StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if rows == 0 {
		if _, getErr := d.Get(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, models.ErrJobClaimed
	}
	return d.Get(ctx, jobID)
}

// Update persists the job record. The write is rejected unless owner holds
// the lease; a terminal status releases it.
func (d *DatabaseStore) Update(ctx context.Context, job *models.Job, owner string) error {
	storedOwner := owner
	if job.Status.IsTerminal() {
		storedOwner = ""
	}
	result, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = $2, progress = $3, converted_file_path = $4,
			error_message = $5, owner = $6, updated_at = $7
		 WHERE job_id = $1 AND owner = $8`,
		job.JobID,
		job.Status,
		job.Progress,
		job.ConvertedFilePath,
		job.ErrorMessage,
		storedOwner,
		job.UpdatedAt,
		owner,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if rows == 0 {
		if _, getErr := d.Get(ctx, job.JobID); getErr != nil {
			return getErr
		}
		return models.ErrNotOwner
	}
	return nil
}

// ForceFail marks a non-terminal job failed regardless of ownership. Used
// only by stale-job recovery when the owning worker is gone.
func (d *DatabaseStore) ForceFail(ctx context.Context, jobID, detail string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, error_message = $3, owner = '', updated_at = $4
		 WHERE job_id = $1 AND status NOT IN ($5, $6)`,
		jobID, models.StatusFailed, detail, time.Now().UTC(),
		models.StatusCompleted, models.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to force-fail job: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		if _, getErr := d.Get(ctx, jobID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (d *DatabaseStore) CountByStatus(ctx context.Context, status models.Status) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func (d *DatabaseStore) RecentStats(ctx context.Context, since time.Time) (models.Stats, error) {
	stats := models.Stats{ByConversion: make(map[string]models.ConversionStats)}

	rows, err := d.db.QueryContext(ctx,
		`SELECT from_format, to_format, status FROM jobs WHERE created_at >= $1`, since)
	if err != nil {
		return stats, fmt.Errorf("failed to query recent jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, to string
		var status models.Status
		if err := rows.Scan(&from, &to, &status); err != nil {
			return stats, fmt.Errorf("failed to scan recent job: %w", err)
		}
		tallyJob(&stats, from, to, status)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to iterate recent jobs: %w", err)
	}
	return stats, nil
}

func (d *DatabaseStore) Close() error {
	return d.db.Close()
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.JobID,
		&job.FromFormat,
		&job.ToFormat,
		&job.Status,
		&job.Progress,
		&job.SourceFilePath,
		&job.SourceURL,
		&job.ConvertedFilePath,
		&job.ErrorMessage,
		&job.Owner,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

func tallyJob(stats *models.Stats, from, to string, status models.Status) {
	stats.Total++
	key := fmt.Sprintf("%s -> %s", from, to)
	entry := stats.ByConversion[key]
	entry.Total++
	switch status {
	case models.StatusCompleted:
		stats.Completed++
		entry.Completed++
	case models.StatusFailed:
		stats.Failed++
		entry.Failed++
	}
	stats.ByConversion[key] = entry
}
