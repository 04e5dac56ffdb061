package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence of tasks and their history, and of the tags they search through.
// It implements both [tagscepter.Store] and [tagscepter.TagSequence].
type Store struct {
	db *sql.DB
}

var (
	_ tagscepter.Store       = (*Store)(nil)
	_ tagscepter.TagSequence = (*Store)(nil)
)

// New creates a new Store with the given database path. ":memory:" creates a throwaway database
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway, and every connection to :memory: would see its own database
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ImportTags inserts the passed tags and returns how many of them were new.
// Tags are immutable, so tags whose ID is already known are skipped.
func (s *Store) ImportTags(ctx context.Context, tags ...tagscepter.Tag) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	imported := 0
	for _, tag := range tags {
		if tag.ID == "" || tag.BranchID == "" {
			return 0, fmt.Errorf("%w: tag %q has no id or branch", tagscepter.ErrInvalidArgument, tag.ID)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tags (id, branch_id, sequence_number, commit_hash, author, message, date)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, tag.ID, tag.BranchID, tag.SequenceNumber, tag.CommitHash, tag.Author, tag.Message, nullTime(tag.Date))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return 0, errors.Join(fmt.Errorf("%w: sequence number %d of tag %s is already taken on branch %s",
					tagscepter.ErrInvalidArgument, tag.SequenceNumber, tag.ID, tag.BranchID), err)
			}
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		imported += int(n)
	}

	return imported, tx.Commit()
}

const tagColumns = `id, branch_id, sequence_number, commit_hash, author, message, date`

func (s *Store) Tag(ctx context.Context, tagID string) (tagscepter.Tag, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id = ?`, tagID)
	tag, err := scanTag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tagscepter.Tag{}, fmt.Errorf("%w: tag %s", tagscepter.ErrNotFound, tagID)
	}
	return tag, err
}

func (s *Store) PositionOf(ctx context.Context, tagID string) (int, error) {
	tag, err := s.Tag(ctx, tagID)
	if err != nil {
		return 0, err
	}
	return tag.SequenceNumber, nil
}

func (s *Store) TagAt(ctx context.Context, branchID string, sequenceNumber int) (tagscepter.Tag, error) {
	if err := s.branchExists(ctx, branchID); err != nil {
		return tagscepter.Tag{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE branch_id = ? AND sequence_number = ?`, branchID, sequenceNumber)
	tag, err := scanTag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tagscepter.Tag{}, fmt.Errorf("%w: no tag with sequence number %d on branch %s", tagscepter.ErrNotFound, sequenceNumber, branchID)
	}
	return tag, err
}

func (s *Store) CountBetween(ctx context.Context, branchID string, start, end int) (int, error) {
	if err := s.branchExists(ctx, branchID); err != nil {
		return 0, err
	}
	if start > end {
		start, end = end, start
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE branch_id = ? AND sequence_number > ? AND sequence_number < ?`,
		branchID, start, end).Scan(&count)
	return count, err
}

func (s *Store) TagsBetween(ctx context.Context, branchID string, start, end int) ([]tagscepter.Tag, error) {
	if err := s.branchExists(ctx, branchID); err != nil {
		return nil, err
	}
	if start > end {
		start, end = end, start
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE branch_id = ? AND sequence_number >= ? AND sequence_number <= ? ORDER BY sequence_number`,
		branchID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []tagscepter.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *Store) branchExists(ctx context.Context, branchID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tags WHERE branch_id = ?)`, branchID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: branch %s", tagscepter.ErrNotFound, branchID)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, task *tagscepter.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, branch_id, good_tag_id, bad_tag_id, build_service, status, current_iteration,
			final_problematic_tag_id, resolution_notes, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_iteration = excluded.current_iteration,
			final_problematic_tag_id = excluded.final_problematic_tag_id,
			resolution_notes = excluded.resolution_notes,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.ProjectID,
		task.BranchID,
		task.GoodTagID,
		task.BadTagID,
		task.BuildService,
		string(task.Status),
		task.CurrentIteration,
		task.FinalProblematicTagID,
		task.ResolutionNotes,
		task.ErrorMessage,
		task.CreatedAt,
		task.UpdatedAt,
	)
	return err
}

const taskColumns = `id, project_id, branch_id, good_tag_id, bad_tag_id, build_service, status, current_iteration,
	final_problematic_tag_id, resolution_notes, error_message, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*tagscepter.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", tagscepter.ErrNotFound, id)
	}
	return task, err
}

func (s *Store) ListTasks(ctx context.Context, status tagscepter.TaskStatus) ([]*tagscepter.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*tagscepter.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"feedback", "build_jobs", "iterations"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE task_id = ?`, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: task %s", tagscepter.ErrNotFound, id)
	}
	return tx.Commit()
}

func (s *Store) SaveIteration(ctx context.Context, it *tagscepter.Iteration) error {
	generated, err := json.Marshal(it.CandidatesGenerated)
	if err != nil {
		return err
	}
	selected, err := json.Marshal(it.SelectedCandidates)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iterations (id, task_id, number, search_range_start, search_range_end, candidates_generated, selected_candidates, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			candidates_generated = excluded.candidates_generated,
			selected_candidates = excluded.selected_candidates,
			completed_at = excluded.completed_at
	`,
		it.ID,
		it.TaskID,
		it.Number,
		it.SearchRangeStart,
		it.SearchRangeEnd,
		string(generated),
		string(selected),
		it.CreatedAt,
		nullTimePtr(it.CompletedAt),
	)
	return err
}

func (s *Store) ListIterations(ctx context.Context, taskID string) ([]*tagscepter.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, number, search_range_start, search_range_end, candidates_generated, selected_candidates, created_at, completed_at
		FROM iterations WHERE task_id = ? ORDER BY number
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var its []*tagscepter.Iteration
	for rows.Next() {
		var it tagscepter.Iteration
		var generated, selected string
		var completedAt sql.NullTime
		if err := rows.Scan(&it.ID, &it.TaskID, &it.Number, &it.SearchRangeStart, &it.SearchRangeEnd, &generated, &selected, &it.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(generated), &it.CandidatesGenerated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(selected), &it.SelectedCandidates); err != nil {
			return nil, err
		}
		it.CompletedAt = timePtr(completedAt)
		its = append(its, &it)
	}
	return its, rows.Err()
}

func (s *Store) SaveBuildJob(ctx context.Context, job *tagscepter.BuildJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_jobs (id, task_id, iteration_id, tag_id, build_service, external_build_id, status, failure_reason, attempts, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_build_id = excluded.external_build_id,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		job.ID,
		job.TaskID,
		job.IterationID,
		job.TagID,
		job.BuildService,
		job.ExternalBuildID,
		string(job.Status),
		job.FailureReason,
		job.Attempts,
		job.CreatedAt,
		nullTimePtr(job.StartedAt),
		nullTimePtr(job.CompletedAt),
	)
	return err
}

const buildJobColumns = `id, task_id, iteration_id, tag_id, build_service, external_build_id, status, failure_reason, attempts, created_at, started_at, completed_at`

func (s *Store) GetBuildJob(ctx context.Context, id string) (*tagscepter.BuildJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildJobColumns+` FROM build_jobs WHERE id = ?`, id)
	job, err := scanBuildJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: build job %s", tagscepter.ErrNotFound, id)
	}
	return job, err
}

func (s *Store) GetBuildJobByExternalID(ctx context.Context, buildService, externalBuildID string) (*tagscepter.BuildJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildJobColumns+` FROM build_jobs WHERE build_service = ? AND external_build_id = ? ORDER BY rowid DESC LIMIT 1`,
		buildService, externalBuildID)
	job, err := scanBuildJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: build %s of service %s", tagscepter.ErrNotFound, externalBuildID, buildService)
	}
	return job, err
}

func (s *Store) ListBuildJobs(ctx context.Context, taskID string) ([]*tagscepter.BuildJob, error) {
	return s.queryBuildJobs(ctx, `SELECT `+buildJobColumns+` FROM build_jobs WHERE task_id = ? ORDER BY rowid`, taskID)
}

func (s *Store) ListUnfinishedBuildJobs(ctx context.Context) ([]*tagscepter.BuildJob, error) {
	return s.queryBuildJobs(ctx, `SELECT `+buildJobColumns+` FROM build_jobs WHERE status IN (?, ?) ORDER BY rowid`,
		string(tagscepter.BuildPending), string(tagscepter.BuildRunning))
}

func (s *Store) queryBuildJobs(ctx context.Context, query string, args ...interface{}) ([]*tagscepter.BuildJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*tagscepter.BuildJob
	for rows.Next() {
		job, err := scanBuildJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) SaveFeedback(ctx context.Context, fb *tagscepter.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, task_id, iteration_id, build_job_id, tag_id, feedback_type, notes, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fb.ID,
		fb.TaskID,
		fb.IterationID,
		fb.BuildJobID,
		fb.TagID,
		string(fb.Type),
		fb.Notes,
		fb.CreatedBy,
		fb.CreatedAt,
	)
	return err
}

func (s *Store) ListFeedback(ctx context.Context, taskID string) ([]*tagscepter.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, iteration_id, build_job_id, tag_id, feedback_type, notes, created_by, created_at
		FROM feedback WHERE task_id = ? ORDER BY rowid
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feedback []*tagscepter.Feedback
	for rows.Next() {
		var fb tagscepter.Feedback
		var feedbackType string
		if err := rows.Scan(&fb.ID, &fb.TaskID, &fb.IterationID, &fb.BuildJobID, &fb.TagID, &feedbackType, &fb.Notes, &fb.CreatedBy, &fb.CreatedAt); err != nil {
			return nil, err
		}
		fb.Type = tagscepter.FeedbackType(feedbackType)
		feedback = append(feedback, &fb)
	}
	return feedback, rows.Err()
}

// scanner is implemented by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanTag(row scanner) (tagscepter.Tag, error) {
	var tag tagscepter.Tag
	var date sql.NullTime
	if err := row.Scan(&tag.ID, &tag.BranchID, &tag.SequenceNumber, &tag.CommitHash, &tag.Author, &tag.Message, &date); err != nil {
		return tagscepter.Tag{}, err
	}
	if date.Valid {
		tag.Date = date.Time
	}
	return tag, nil
}

func scanTask(row scanner) (*tagscepter.Task, error) {
	var task tagscepter.Task
	var status string
	err := row.Scan(&task.ID, &task.ProjectID, &task.BranchID, &task.GoodTagID, &task.BadTagID, &task.BuildService, &status, &task.CurrentIteration,
		&task.FinalProblematicTagID, &task.ResolutionNotes, &task.ErrorMessage, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = tagscepter.TaskStatus(status)
	return &task, nil
}

func scanBuildJob(row scanner) (*tagscepter.BuildJob, error) {
	var job tagscepter.BuildJob
	var status string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.TaskID, &job.IterationID, &job.TagID, &job.BuildService, &job.ExternalBuildID, &status, &job.FailureReason, &job.Attempts,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Status = tagscepter.BuildStatus(status)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
