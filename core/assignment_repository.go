package core

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Lecture is one class meeting's assignment bundle with a public window.
type Lecture struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// IsPublic reports whether now is inside [start_date, end_date).
func (l Lecture) IsPublic(now time.Time) bool {
	return !now.Before(l.StartDate) && now.Before(l.EndDate)
}

// Problem is one exercise within a lecture, keyed by (lecture_id, assignment_id).
type Problem struct {
	LectureID       int64  `json:"lecture_id"`
	AssignmentID    int64  `json:"assignment_id"`
	Title           string `json:"title"`
	DescriptionPath string `json:"-"`
	TimeMS          int32  `json:"timeMS"`
	MemoryMB        int32  `json:"memoryMB"`

	RequiredFiles []RequiredFile `json:"required_files,omitempty"`
	ArrangedFiles []ArrangedFile `json:"arranged_files,omitempty"`
	Executables   []Executable   `json:"executables,omitempty"`
	TestCases     []TestCase     `json:"test_cases,omitempty"`
}

// RequiredFile is a filename the submitter must provide.
type RequiredFile struct {
	Name string `json:"name"`
}

// ArrangedFile is prepositioned into the worker workspace; eval marks it grader-only.
type ArrangedFile struct {
	Eval bool   `json:"eval"`
	Name string `json:"name"`
	Path string `json:"-"`
}

// Executable is a build artefact expected after compilation.
type Executable struct {
	Eval bool   `json:"eval"`
	Name string `json:"name"`
}

// TestCase is one judge test; stdin/stdout/stderr are blob paths.
type TestCase struct {
	ID          int64   `json:"id"`
	Eval        bool    `json:"eval"`
	Type        string  `json:"type"`
	Score       int     `json:"score"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Command     string  `json:"command"`
	Args        *string `json:"args"`
	StdinPath   *string `json:"-"`
	StdoutPath  *string `json:"-"`
	StderrPath  *string `json:"-"`
	ExitCode    int32   `json:"exit_code"`
}

// AssignmentRepository exposes reads over the pre-seeded lecture/problem taxonomy.
// Every problem read takes includeEval; when false the grader-only children
// (eval=true) are filtered out before returning.
type AssignmentRepository interface {
	GetLecture(ctx context.Context, lectureID int64) (*Lecture, error)
	ListLectures(ctx context.Context) ([]Lecture, error)
	GetProblem(ctx context.Context, lectureID, assignmentID int64, includeEval bool, detail bool) (*Problem, error)
	ListProblems(ctx context.Context, lectureID int64, includeEval bool, detail bool) ([]Problem, error)
}

// PgAssignmentRepository is a pgx implementation.
// NOTE: Expects tables `lectures`, `problems`, `required_files`,
// `arranged_files`, `executables`, `test_cases` to exist.
type PgAssignmentRepository struct {
	db *pgxpool.Pool
}

func NewPgAssignmentRepository(db *pgxpool.Pool) *PgAssignmentRepository {
	return &PgAssignmentRepository{db: db}
}

func (r *PgAssignmentRepository) GetLecture(ctx context.Context, lectureID int64) (*Lecture, error) {
	const q = `SELECT id, title, start_date, end_date FROM lectures WHERE id=$1`
	var l Lecture
	if err := r.db.QueryRow(ctx, q, lectureID).Scan(&l.ID, &l.Title, &l.StartDate, &l.EndDate); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &l, nil
}

func (r *PgAssignmentRepository) ListLectures(ctx context.Context) ([]Lecture, error) {
	const q = `SELECT id, title, start_date, end_date FROM lectures ORDER BY id`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lecture
	for rows.Next() {
		var l Lecture
		if err := rows.Scan(&l.ID, &l.Title, &l.StartDate, &l.EndDate); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PgAssignmentRepository) GetProblem(ctx context.Context, lectureID, assignmentID int64, includeEval bool, detail bool) (*Problem, error) {
	const q = `SELECT lecture_id, assignment_id, title, description_path, time_ms, memory_mb
FROM problems WHERE lecture_id=$1 AND assignment_id=$2`
	var p Problem
	if err := r.db.QueryRow(ctx, q, lectureID, assignmentID).Scan(
		&p.LectureID, &p.AssignmentID, &p.Title, &p.DescriptionPath, &p.TimeMS, &p.MemoryMB,
	); err != nil {
		return nil, wrapStoreErr(err)
	}
	if err := r.loadChildren(ctx, &p, includeEval, detail); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PgAssignmentRepository) ListProblems(ctx context.Context, lectureID int64, includeEval bool, detail bool) ([]Problem, error) {
	const q = `SELECT lecture_id, assignment_id, title, description_path, time_ms, memory_mb
FROM problems WHERE lecture_id=$1 ORDER BY assignment_id`
	rows, err := r.db.Query(ctx, q, lectureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Problem
	for rows.Next() {
		var p Problem
		if err := rows.Scan(&p.LectureID, &p.AssignmentID, &p.Title, &p.DescriptionPath, &p.TimeMS, &p.MemoryMB); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadChildren(ctx, &out[i], includeEval, detail); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// loadChildren fills the problem-owned child sets. RequiredFiles always load;
// the eval-flagged children load only with detail=true and are filtered to
// eval=false when includeEval is false.
func (r *PgAssignmentRepository) loadChildren(ctx context.Context, p *Problem, includeEval bool, detail bool) error {
	required, err := r.listRequiredFiles(ctx, p.LectureID, p.AssignmentID)
	if err != nil {
		return err
	}
	p.RequiredFiles = required
	if !detail {
		return nil
	}

	evalFilter := ""
	if !includeEval {
		evalFilter = " AND eval=FALSE"
	}

	arrangedQ := `SELECT eval, name, path FROM arranged_files WHERE lecture_id=$1 AND assignment_id=$2` + evalFilter + ` ORDER BY name`
	rows, err := r.db.Query(ctx, arrangedQ, p.LectureID, p.AssignmentID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var a ArrangedFile
		if err := rows.Scan(&a.Eval, &a.Name, &a.Path); err != nil {
			rows.Close()
			return err
		}
		p.ArrangedFiles = append(p.ArrangedFiles, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	execQ := `SELECT eval, name FROM executables WHERE lecture_id=$1 AND assignment_id=$2` + evalFilter + ` ORDER BY name`
	rows, err = r.db.Query(ctx, execQ, p.LectureID, p.AssignmentID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var e Executable
		if err := rows.Scan(&e.Eval, &e.Name); err != nil {
			rows.Close()
			return err
		}
		p.Executables = append(p.Executables, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tcQ := `SELECT id, eval, type, score, title, description, command, args, stdin_path, stdout_path, stderr_path, exit_code
FROM test_cases WHERE lecture_id=$1 AND assignment_id=$2` + evalFilter + ` ORDER BY id`
	rows, err = r.db.Query(ctx, tcQ, p.LectureID, p.AssignmentID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.ID, &tc.Eval, &tc.Type, &tc.Score, &tc.Title, &tc.Description,
			&tc.Command, &tc.Args, &tc.StdinPath, &tc.StdoutPath, &tc.StderrPath, &tc.ExitCode); err != nil {
			rows.Close()
			return err
		}
		p.TestCases = append(p.TestCases, tc)
	}
	rows.Close()
	return rows.Err()
}

func (r *PgAssignmentRepository) listRequiredFiles(ctx context.Context, lectureID, assignmentID int64) ([]RequiredFile, error) {
	const q = `SELECT name FROM required_files WHERE lecture_id=$1 AND assignment_id=$2 ORDER BY name`
	rows, err := r.db.Query(ctx, q, lectureID, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequiredFile
	for rows.Next() {
		var f RequiredFile
		if err := rows.Scan(&f.Name); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
