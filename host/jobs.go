package host

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emfacilities/emfac/db"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the job store schema.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// JobStatus is the state of a downstream job.
type JobStatus string

const (
	JobCopied    JobStatus = "copied"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
)

// Job is a downstream protocol run forked by the batch launcher.
type Job struct {
	ID            string
	Template      string
	InputPath     string
	Batch         int
	Status        JobStatus
	Prerequisites []string
	Error         string
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	UpdatedAt     time.Time
}

// Launcher is the host's copy/schedule pair for downstream runs.
type Launcher interface {
	// CopyProtocol clones template into a new job reading input.
	CopyProtocol(ctx context.Context, template, input string, batch int) (*Job, error)
	// ScheduleProtocol queues job to run after every prerequisite job.
	ScheduleProtocol(ctx context.Context, job *Job, prerequisites ...string) error
}

// JobStore is a SQLite-backed Launcher. The host runner dequeues
// scheduled jobs in seal order.
type JobStore struct {
	db    *sql.DB
	clock clock.Clock
	log   *zap.SugaredLogger
}

// NewJobStore wraps an already migrated database.
func NewJobStore(handle *sql.DB, c clock.Clock, log *zap.SugaredLogger) *JobStore {
	return &JobStore{db: handle, clock: clock.OrReal(c), log: logger.OrNop(log).Named("jobs")}
}

// OpenJobStore opens (creating if needed) the job store at path.
func OpenJobStore(path string, c clock.Clock, log *zap.SugaredLogger) (*JobStore, error) {
	handle, err := db.OpenWithMigrations(path, Migrations(), log)
	if err != nil {
		return nil, errors.Wrap(err, "open job store")
	}
	return NewJobStore(handle, c, log), nil
}

// Close closes the underlying database.
func (s *JobStore) Close() error { return s.db.Close() }

func (s *JobStore) CopyProtocol(ctx context.Context, template, input string, batch int) (*Job, error) {
	if template == "" {
		return nil, errors.NewInvalidParameter("template", "downstream protocol template is empty")
	}
	now := s.clock.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Template:  template,
		InputPath: input,
		Batch:     batch,
		Status:    JobCopied,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downstream_jobs (id, template, input_path, batch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Template, job.InputPath, job.Batch, job.Status, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to copy protocol")
	}
	return job, nil
}

func (s *JobStore) ScheduleProtocol(ctx context.Context, job *Job, prerequisites ...string) error {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE downstream_jobs SET status = ?, prerequisites = ?, scheduled_at = ?, updated_at = ?
		WHERE id = ?`,
		JobScheduled, strings.Join(prerequisites, ","), now, now, job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to schedule job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", job.ID)
	}
	job.Status = JobScheduled
	job.Prerequisites = append([]string(nil), prerequisites...)
	job.ScheduledAt = &now
	job.UpdatedAt = now

	s.log.Infow("Downstream job scheduled",
		logger.FieldJobID, job.ID,
		logger.FieldBatch, job.Batch,
		logger.FieldPath, job.InputPath,
		"prerequisites", prerequisites,
		logger.FieldSymbol, sym.Seal,
	)
	return nil
}

// SetStatus records the outcome the host observed for a job. A failed
// downstream job is recorded, never propagated to the launcher.
func (s *JobStore) SetStatus(ctx context.Context, id string, status JobStatus, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE downstream_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		status, msg, s.clock.Now().UTC(), id,
	)
	return errors.Wrapf(err, "failed to update job %s", id)
}

// Get returns one job.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+" WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	return job, err
}

// List returns jobs in creation (seal) order, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, status *JobStatus) ([]*Job, error) {
	query := selectJobs
	var args []any
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, *status)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

const selectJobs = `SELECT id, template, input_path, batch, status, prerequisites, error,
	created_at, scheduled_at, updated_at FROM downstream_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		prereqs   string
		scheduled sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Template, &job.InputPath, &job.Batch, &job.Status, &prereqs,
		&job.Error, &job.CreatedAt, &scheduled, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan job")
	}
	if prereqs != "" {
		job.Prerequisites = strings.Split(prereqs, ",")
	}
	if scheduled.Valid {
		t := scheduled.Time
		job.ScheduledAt = &t
	}
	return &job, nil
}
