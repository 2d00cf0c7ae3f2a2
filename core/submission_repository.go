package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Submission represents one judge request stored in DB.
type Submission struct {
	ID                 int64              `json:"id"`
	TS                 time.Time          `json:"ts"`
	EvaluationStatusID *int64             `json:"evaluation_status_id"`
	UserID             string             `json:"user_id"`
	LectureID          int64              `json:"lecture_id"`
	AssignmentID       int64              `json:"assignment_id"`
	Eval               bool               `json:"eval"`
	Progress           SubmissionProgress `json:"progress"`
	TotalTask          int32              `json:"total_task"`
	CompletedTask      int32              `json:"completed_task"`
	Result             *Verdict           `json:"result"`
	Message            *string            `json:"message"`
	Detail             *string            `json:"detail"`
	Score              *int32             `json:"score"`
	TimeMS             *int32             `json:"timeMS"`
	MemoryKB           *int32             `json:"memoryKB"`
}

// Batched reports whether the submission belongs to a batch evaluation.
func (s Submission) Batched() bool {
	return s.EvaluationStatusID != nil
}

// UploadedFile is a file registered for a submission. path is relative to UPLOAD_DIR.
type UploadedFile struct {
	ID           int64  `json:"id"`
	SubmissionID int64  `json:"submission_id"`
	Path         string `json:"path"`
}

// JudgeResult is the per-testcase record written by the worker, including a
// snapshot of the testcase expectations at judging time.
type JudgeResult struct {
	ID               int64   `json:"id"`
	SubmissionID     int64   `json:"submission_id"`
	TestCaseID       int64   `json:"test_case_id"`
	Result           Verdict `json:"result"`
	TimeMS           int32   `json:"timeMS"`
	MemoryKB         int32   `json:"memoryKB"`
	ExitCode         int32   `json:"exit_code"`
	Stdout           string  `json:"stdout"`
	Stderr           string  `json:"stderr"`
	ExpectedStdin    *string `json:"expected_stdin"`
	ExpectedStdout   *string `json:"expected_stdout"`
	ExpectedStderr   *string `json:"expected_stderr"`
	ExpectedExitCode int32   `json:"expected_exit_code"`
}

// SubmissionListFilter narrows paginated submission reads.
type SubmissionListFilter struct {
	UserID      string // non-empty restricts to one owner
	IncludeEval bool   // false filters eval=true rows out
}

// SubmissionRepository defines persistence operations for submissions and
// their owned uploaded files / judge results.
type SubmissionRepository interface {
	Create(ctx context.Context, evaluationStatusID *int64, userID string, lectureID, assignmentID int64, eval bool) (*Submission, error)
	FindByID(ctx context.Context, id int64) (*Submission, error)
	Update(ctx context.Context, s *Submission) error
	MarkQueued(ctx context.Context, id int64) error
	List(ctx context.Context, filter SubmissionListFilter, page, perPage int) ([]Submission, int, error)
	ListByEvaluationStatus(ctx context.Context, evaluationStatusID int64) ([]Submission, error)
	CountByBatch(ctx context.Context, batchID int64) (done int, total int, err error)
	RegisterUploadedFile(ctx context.Context, submissionID int64, relPath string) (*UploadedFile, error)
	ListUploadedFiles(ctx context.Context, submissionID int64) ([]UploadedFile, error)
	ListJudgeResults(ctx context.Context, submissionID int64) ([]JudgeResult, error)
}

// PgSubmissionRepository is a pgx implementation.
// NOTE: Expects tables `submissions`, `uploaded_files`, `judge_results`,
// `evaluation_statuses` to exist.
type PgSubmissionRepository struct {
	db *pgxpool.Pool
}

func NewPgSubmissionRepository(db *pgxpool.Pool) *PgSubmissionRepository {
	return &PgSubmissionRepository{db: db}
}

const submissionColumns = `id, ts, evaluation_status_id, user_id, lecture_id, assignment_id, eval, progress, total_task, completed_task, result, message, detail, score, time_ms, memory_kb`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	var progress string
	var result *string
	if err := row.Scan(
		&s.ID, &s.TS, &s.EvaluationStatusID, &s.UserID, &s.LectureID, &s.AssignmentID,
		&s.Eval, &progress, &s.TotalTask, &s.CompletedTask, &result,
		&s.Message, &s.Detail, &s.Score, &s.TimeMS, &s.MemoryKB,
	); err != nil {
		return nil, err
	}
	s.Progress = SubmissionProgress(progress)
	if result != nil {
		v := Verdict(*result)
		s.Result = &v
	}
	return &s, nil
}

func (r *PgSubmissionRepository) Create(ctx context.Context, evaluationStatusID *int64, userID string, lectureID, assignmentID int64, eval bool) (*Submission, error) {
	const q = `INSERT INTO submissions (ts, evaluation_status_id, user_id, lecture_id, assignment_id, eval, progress, total_task, completed_task)
VALUES (NOW(),$1,$2,$3,$4,$5,'pending',0,0)
RETURNING ` + submissionColumns
	s, err := scanSubmission(r.db.QueryRow(ctx, q, evaluationStatusID, userID, lectureID, assignmentID, eval))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return s, nil
}

func (r *PgSubmissionRepository) FindByID(ctx context.Context, id int64) (*Submission, error) {
	const q = `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1`
	s, err := scanSubmission(r.db.QueryRow(ctx, q, id))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return s, nil
}

// Update persists the mutable judge-state columns of the row.
func (r *PgSubmissionRepository) Update(ctx context.Context, s *Submission) error {
	if !ValidProgress(s.Progress) {
		return fmt.Errorf("invalid progress: %q", s.Progress)
	}
	if s.Result != nil && !ValidVerdict(*s.Result) {
		return fmt.Errorf("invalid result: %q", *s.Result)
	}
	if s.Progress == ProgressDone && s.Result == nil {
		return errors.New("a done submission must carry a result")
	}
	if s.CompletedTask < 0 || s.CompletedTask > s.TotalTask {
		return fmt.Errorf("completed_task %d out of range (total %d)", s.CompletedTask, s.TotalTask)
	}
	const q = `UPDATE submissions
SET progress=$1, total_task=$2, completed_task=$3, result=$4, message=$5, detail=$6, score=$7, time_ms=$8, memory_kb=$9
WHERE id=$10`
	var result *string
	if s.Result != nil {
		v := string(*s.Result)
		result = &v
	}
	ct, err := r.db.Exec(ctx, q,
		string(s.Progress), s.TotalTask, s.CompletedTask, result,
		s.Message, s.Detail, s.Score, s.TimeMS, s.MemoryKB, s.ID,
	)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkQueued transitions a pending submission into the judge queue.
func (r *PgSubmissionRepository) MarkQueued(ctx context.Context, id int64) error {
	const q = `UPDATE submissions SET progress='queued' WHERE id=$1 AND progress='pending'`
	ct, err := r.db.Exec(ctx, q, id)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgSubmissionRepository) List(ctx context.Context, filter SubmissionListFilter, page, perPage int) ([]Submission, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}

	filters := []string{"TRUE"}
	args := []interface{}{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		filters = append(filters, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if !filter.IncludeEval {
		filters = append(filters, "eval=FALSE")
	}
	where := strings.Join(filters, " AND ")

	countQuery := `SELECT COUNT(*) FROM submissions WHERE ` + where
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+submissionColumns+` FROM submissions WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	argsWithPage := append(append([]interface{}{}, args...), perPage, (page-1)*perPage)
	rows, err := r.db.Query(ctx, query, argsWithPage...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]Submission, 0, perPage)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *s)
	}
	return items, total, rows.Err()
}

func (r *PgSubmissionRepository) ListByEvaluationStatus(ctx context.Context, evaluationStatusID int64) ([]Submission, error) {
	const q = `SELECT ` + submissionColumns + ` FROM submissions WHERE evaluation_status_id=$1 ORDER BY id`
	rows, err := r.db.Query(ctx, q, evaluationStatusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountByBatch derives (done, total) from the committed child submissions of a batch.
func (r *PgSubmissionRepository) CountByBatch(ctx context.Context, batchID int64) (int, int, error) {
	const q = `SELECT COUNT(*) FILTER (WHERE s.progress='done'), COUNT(*)
FROM submissions s
JOIN evaluation_statuses es ON es.id = s.evaluation_status_id
WHERE es.batch_id=$1`
	var done, total int
	if err := r.db.QueryRow(ctx, q, batchID).Scan(&done, &total); err != nil {
		return 0, 0, err
	}
	return done, total, nil
}

func (r *PgSubmissionRepository) RegisterUploadedFile(ctx context.Context, submissionID int64, relPath string) (*UploadedFile, error) {
	const q = `INSERT INTO uploaded_files (submission_id, path) VALUES ($1,$2) RETURNING id`
	var id int64
	if err := r.db.QueryRow(ctx, q, submissionID, relPath).Scan(&id); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &UploadedFile{ID: id, SubmissionID: submissionID, Path: relPath}, nil
}

func (r *PgSubmissionRepository) ListUploadedFiles(ctx context.Context, submissionID int64) ([]UploadedFile, error) {
	const q = `SELECT id, submission_id, path FROM uploaded_files WHERE submission_id=$1 ORDER BY id`
	rows, err := r.db.Query(ctx, q, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UploadedFile
	for rows.Next() {
		var f UploadedFile
		if err := rows.Scan(&f.ID, &f.SubmissionID, &f.Path); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PgSubmissionRepository) ListJudgeResults(ctx context.Context, submissionID int64) ([]JudgeResult, error) {
	const q = `SELECT id, submission_id, test_case_id, result, time_ms, memory_kb, exit_code, stdout, stderr,
expected_stdin, expected_stdout, expected_stderr, expected_exit_code
FROM judge_results WHERE submission_id=$1 ORDER BY id`
	rows, err := r.db.Query(ctx, q, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JudgeResult
	for rows.Next() {
		var jr JudgeResult
		var result string
		if err := rows.Scan(&jr.ID, &jr.SubmissionID, &jr.TestCaseID, &result, &jr.TimeMS, &jr.MemoryKB,
			&jr.ExitCode, &jr.Stdout, &jr.Stderr,
			&jr.ExpectedStdin, &jr.ExpectedStdout, &jr.ExpectedStderr, &jr.ExpectedExitCode); err != nil {
			return nil, err
		}
		jr.Result = Verdict(result)
		out = append(out, jr)
	}
	return out, rows.Err()
}
