package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// TaskRepository abstracts all database access for tasks and their files.
type TaskRepository interface {
	Create(ctx context.Context, in CreateTaskInput) (*domain.Task, []*domain.TaskFile, error)
	FindByID(ctx context.Context, id int64) (*domain.Task, error)
	FindByNumber(ctx context.Context, taskNumber string) (*domain.Task, error)
	ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*domain.Task, int, error)
	ClaimPending(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*domain.Task, error)
	ClaimFailedForRetry(ctx context.Context, cooldown time.Duration, limit, maxRetries int) ([]domain.RetryClaim, error)
	Update(ctx context.Context, id int64, guard domain.TaskGuard, u domain.TaskUpdate) (*domain.Task, error)
	CountCreatedSince(ctx context.Context, userID int64, since time.Time) (int, error)
	CountByStatus(ctx context.Context, userID int64) (map[domain.Status]int, error)
	Files(ctx context.Context, taskID int64) ([]*domain.TaskFile, error)
	UpdateFile(ctx context.Context, fileID int64, u domain.FileUpdate) error
}

// CreateTaskInput carries everything persisted by Create in one transaction.
// Files is called once the task number is allocated so uploads can be
// stored under it; an error from Files rolls the whole creation back.
// Discard is called when creation fails after Files ran. It runs before
// the transaction ends, while no other submission can hold the same task
// number, so it may remove what Files wrote.
type CreateTaskInput struct {
	Task    *domain.Task
	Files   func(taskNumber string) ([]*domain.TaskFile, error)
	Discard func(taskNumber string)
	Event   *domain.DomainEvent
}

type taskRepository struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
// loc decides the calendar day embedded in task numbers.
func NewTaskRepository(pool *pgxpool.Pool, loc *time.Location) TaskRepository {
	if loc == nil {
		loc = time.Local
	}
	return &taskRepository{pool: pool, loc: loc}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// taskColumns renders the task select list, optionally qualified by alias.
func taskColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	cols := []string{
		p + "id", p + "task_number", p + "user_id", p + "status", p + "process_type",
		p + "priority", p + "total_files", p + "processed_files",
		"COALESCE(" + p + "current_step, '')", "COALESCE(" + p + "resume_stage, '')",
		p + "progress::float8", p + "retry_count",
		"COALESCE(" + p + "error_message, '')",
		p + "created_at", p + "updated_at", p + "started_at", p + "completed_at", p + "dispatched_at",
	}
	return strings.Join(cols, ", ")
}

func (r *taskRepository) Create(ctx context.Context, in CreateTaskInput) (*domain.Task, []*domain.TaskFile, error) {
	task := in.Task
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin create task: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	prefix := domain.TaskNumberPrefix(task.UserID, task.CreatedAt.In(r.loc))

	// Serialise serial allocation for one user and day.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, prefix); err != nil {
		return nil, nil, fmt.Errorf("lock task number prefix %s: %w", prefix, err)
	}

	var last string
	err = tx.QueryRow(ctx, `
		SELECT task_number FROM tasks
		WHERE left(task_number, length($1)) = $1
		ORDER BY id DESC
		LIMIT 1
	`, prefix).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("read last task number for %s: %w", prefix, err)
	}
	number, err := domain.NextTaskNumber(task.UserID, task.CreatedAt.In(r.loc), last)
	if err != nil {
		return nil, nil, err
	}
	task.TaskNumber = number

	committed := false
	if in.Discard != nil {
		// Registered after the rollback defer so it runs first.
		defer func() {
			if !committed {
				in.Discard(number)
			}
		}()
	}

	var files []*domain.TaskFile
	if in.Files != nil {
		if files, err = in.Files(number); err != nil {
			return nil, nil, err
		}
	}
	task.TotalFiles = len(files)

	err = tx.QueryRow(ctx, `
		INSERT INTO tasks
			(task_number, user_id, status, process_type, priority, total_files, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id, updated_at
	`,
		task.TaskNumber, task.UserID, string(task.Status), string(task.ProcessType),
		task.Priority, task.TotalFiles, task.CreatedAt,
	).Scan(&task.ID, &task.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert task %s: %w", number, err)
	}

	for _, f := range files {
		f.TaskID = task.ID
		err := tx.QueryRow(ctx, `
			INSERT INTO task_files
				(task_id, original_filename, stored_path, file_size, mime_type, file_type, status, metadata)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`,
			f.TaskID, f.OriginalFilename, f.StoredPath, f.FileSize, f.MimeType,
			string(f.FileType), string(f.Status), nullJSON(f.Metadata),
		).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("insert file %s for task %s: %w", f.OriginalFilename, number, err)
		}
	}

	if in.Event != nil {
		in.Event.AggregateID = number
		if err := insertEvent(ctx, tx, in.Event); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit task %s: %w", number, err)
	}
	committed = true
	return task, files, nil
}

func (r *taskRepository) FindByID(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns("")+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

func (r *taskRepository) FindByNumber(ctx context.Context, taskNumber string) (*domain.Task, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns("")+` FROM tasks WHERE task_number = $1`, taskNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskNumber: taskNumber}
	}
	return task, err
}

func (r *taskRepository) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*domain.Task, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks for user %d: %w", userID, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns("")+`
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks for user %d: %w", userID, err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ClaimPending selects dispatchable pending tasks and stamps dispatched_at
// so concurrent sweeps skip them until lease expires.
func (r *taskRepository) ClaimPending(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM tasks
			WHERE status = 'pending'
			  AND retry_count < $1
			  AND (dispatched_at IS NULL OR dispatched_at < now() - make_interval(secs => $2))
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET dispatched_at = now()
		FROM picked
		WHERE t.id = picked.id
		RETURNING `+taskColumns("t"),
		maxRetries, lease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	domain.SortForDispatch(tasks)
	return tasks, nil
}

// ClaimFailedForRetry moves failed tasks whose cooldown has elapsed back to
// pending, incrementing retry_count and clearing the error in the same
// statement. The error each task carried is returned alongside it.
func (r *taskRepository) ClaimFailedForRetry(ctx context.Context, cooldown time.Duration, limit, maxRetries int) ([]domain.RetryClaim, error) {
	rows, err := r.pool.Query(ctx, `
		WITH picked AS (
			SELECT id, COALESCE(error_message, '') AS previous_error FROM tasks
			WHERE status = 'failed'
			  AND retry_count < $1
			  AND updated_at <= now() - make_interval(secs => $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'pending',
		    retry_count = t.retry_count + 1,
		    error_message = NULL,
		    processed_files = 0,
		    progress = 0,
		    dispatched_at = now(),
		    updated_at = now()
		FROM picked
		WHERE t.id = picked.id
		RETURNING `+taskColumns("t")+`, picked.previous_error`,
		maxRetries, cooldown.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim failed tasks: %w", err)
	}
	defer rows.Close()

	var claims []domain.RetryClaim
	var tasks []*domain.Task
	for rows.Next() {
		var prev string
		task, err := scanTaskExtra(rows, &prev)
		if err != nil {
			return nil, err
		}
		claims = append(claims, domain.RetryClaim{Task: task, PreviousError: prev})
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim failed tasks: %w", err)
	}

	domain.SortForDispatch(tasks)
	byID := make(map[int64]domain.RetryClaim, len(claims))
	for _, c := range claims {
		byID[c.Task.ID] = c
	}
	ordered := make([]domain.RetryClaim, 0, len(tasks))
	for _, t := range tasks {
		ordered = append(ordered, byID[t.ID])
	}
	return ordered, nil
}

// Update applies u only when guard matches the row at write time. A row that
// exists but does not match yields a *domain.StatusConflictError.
func (r *taskRepository) Update(ctx context.Context, id int64, guard domain.TaskGuard, u domain.TaskUpdate) (*domain.Task, error) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = now()"}
	if u.Status != nil {
		sets = append(sets, "status = "+arg(string(*u.Status)))
	}
	if u.CurrentStep != nil {
		sets = append(sets, "current_step = NULLIF("+arg(*u.CurrentStep)+", '')")
	}
	if u.ResumeStage != nil {
		sets = append(sets, "resume_stage = NULLIF("+arg(string(*u.ResumeStage))+", '')")
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = NULLIF("+arg(*u.ErrorMessage)+", '')")
	}
	if u.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	switch {
	case u.Completed:
		sets = append(sets, "completed_at = now()", "processed_files = total_files", "progress = 100")
	case u.IncrementProcessed:
		sets = append(sets,
			"processed_files = processed_files + 1",
			"progress = COALESCE(ROUND((processed_files + 1) * 100.0 / NULLIF(total_files, 0), 2), 0)")
	case u.ResetProgress:
		sets = append(sets, "processed_files = 0", "progress = 0")
	}
	if u.Started {
		sets = append(sets, "started_at = COALESCE(started_at, now())")
	}
	if u.Dispatched {
		sets = append(sets, "dispatched_at = now()")
	} else if u.ClearDispatch {
		sets = append(sets, "dispatched_at = NULL")
	}

	where := []string{"id = $1"}
	if len(guard.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(guard.Statuses))+")")
	}
	if guard.RetriesBelow > 0 {
		where = append(where, "retry_count < "+arg(guard.RetriesBelow))
	}
	if guard.ProcessedBelowTotal {
		where = append(where, "processed_files < total_files")
	}
	if u.IncrementProcessed {
		// Only Completed brings processed_files up to total_files.
		where = append(where, "processed_files + 1 < total_files")
	}

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + taskColumns("")

	task, err := scanTask(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}

	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read status of task %d: %w", id, err)
	}
	return nil, &domain.StatusConflictError{TaskID: id, Current: domain.Status(current)}
}

func (r *taskRepository) CountCreatedSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks for user %d since %s: %w", userID, since.Format(time.RFC3339), err)
	}
	return n, nil
}

func (r *taskRepository) CountByStatus(ctx context.Context, userID int64) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, count(*) FROM tasks WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status for user %d: %w", userID, err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *taskRepository) Files(ctx context.Context, taskID int64) ([]*domain.TaskFile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, original_filename, stored_path, file_size, mime_type, file_type, status,
		       COALESCE(processing_step, ''), COALESCE(processed_path, ''), metadata,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM task_files
		WHERE task_id = $1
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list files for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var files []*domain.TaskFile
	for rows.Next() {
		var f domain.TaskFile
		var fileType, status string
		err := rows.Scan(
			&f.ID, &f.TaskID, &f.OriginalFilename, &f.StoredPath, &f.FileSize, &f.MimeType,
			&fileType, &status, &f.ProcessingStep, &f.ProcessedPath, &f.Metadata,
			&f.ErrorMessage, &f.CreatedAt, &f.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task file: %w", err)
		}
		f.FileType = domain.FileType(fileType)
		f.Status = domain.FileStatus(status)
		files = append(files, &f)
	}
	return files, rows.Err()
}

func (r *taskRepository) UpdateFile(ctx context.Context, fileID int64, u domain.FileUpdate) error {
	args := []any{fileID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	sets := []string{"updated_at = now()"}
	if u.Status != nil {
		sets = append(sets, "status = "+arg(string(*u.Status)))
	}
	if u.ProcessingStep != nil {
		sets = append(sets, "processing_step = NULLIF("+arg(*u.ProcessingStep)+", '')")
	}
	if u.ProcessedPath != nil {
		sets = append(sets, "processed_path = NULLIF("+arg(*u.ProcessedPath)+", '')")
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = NULLIF("+arg(*u.ErrorMessage)+", '')")
	}

	tag, err := r.pool.Exec(ctx, "UPDATE task_files SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("update task file %d: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task file %d: no such file", fileID)
	}
	return nil
}

func statusStrings(ss []domain.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// scanTask reads a task row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped so callers can map it to a not-found error.
func scanTask(row pgx.Row) (*domain.Task, error) {
	return scanTaskExtra(row)
}

func scanTaskExtra(row pgx.Row, extra ...any) (*domain.Task, error) {
	var task domain.Task
	var status, processType, resumeStage string
	dest := []any{
		&task.ID, &task.TaskNumber, &task.UserID, &status, &processType,
		&task.Priority, &task.TotalFiles, &task.ProcessedFiles,
		&task.CurrentStep, &resumeStage, &task.Progress, &task.RetryCount, &task.ErrorMessage,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt, &task.DispatchedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	task.ProcessType = domain.ProcessType(processType)
	task.ResumeStage = domain.Stage(resumeStage)
	return &task, nil
}
