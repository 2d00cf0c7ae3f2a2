package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchSubmission is a grader-initiated bulk job over one lecture.
// A batch is queued while the totals are NULL, running while complete < total,
// done when complete == total.
type BatchSubmission struct {
	ID            int64     `json:"id"`
	TS            time.Time `json:"ts"`
	UserID        string    `json:"user_id"`
	LectureID     int64     `json:"lecture_id"`
	Message       string    `json:"message"`
	CompleteJudge *int32    `json:"complete_judge"`
	TotalJudge    *int32    `json:"total_judge"`
}

// EvaluationStatus is the per-student slot within a batch.
type EvaluationStatus struct {
	ID         int64                 `json:"id"`
	BatchID    int64                 `json:"batch_id"`
	UserID     string                `json:"user_id"`
	Status     EvaluationStatusValue `json:"status"`
	Result     *Verdict              `json:"result"`
	UploadDir  *string               `json:"upload_dir"`
	ReportPath *string               `json:"report_path"`
	SubmitDate *time.Time            `json:"submit_date"`
}

// BatchRepository defines persistence operations for batch submissions and
// their evaluation-status children.
type BatchRepository interface {
	CreateBatch(ctx context.Context, userID string, lectureID int64) (*BatchSubmission, error)
	FindBatchByID(ctx context.Context, id int64) (*BatchSubmission, error)
	UpdateBatch(ctx context.Context, b *BatchSubmission) error
	ListBatches(ctx context.Context, page, perPage int) ([]BatchSubmission, int, error)
	CreateEvaluationStatus(ctx context.Context, es *EvaluationStatus) (*EvaluationStatus, error)
	UpdateEvaluationStatus(ctx context.Context, es *EvaluationStatus) error
	ListEvaluationStatuses(ctx context.Context, batchID int64) ([]EvaluationStatus, error)
	FindEvaluationStatus(ctx context.Context, batchID int64, userID string) (*EvaluationStatus, error)
	FindEvaluationStatusByID(ctx context.Context, id int64) (*EvaluationStatus, error)
}

// PgBatchRepository is a pgx implementation.
// NOTE: Expects tables `batch_submissions` and `evaluation_statuses` to exist.
type PgBatchRepository struct {
	db *pgxpool.Pool
}

func NewPgBatchRepository(db *pgxpool.Pool) *PgBatchRepository {
	return &PgBatchRepository{db: db}
}

func (r *PgBatchRepository) CreateBatch(ctx context.Context, userID string, lectureID int64) (*BatchSubmission, error) {
	const q = `INSERT INTO batch_submissions (ts, user_id, lecture_id, message)
VALUES (NOW(),$1,$2,'') RETURNING id, ts`
	b := BatchSubmission{UserID: userID, LectureID: lectureID}
	if err := r.db.QueryRow(ctx, q, userID, lectureID).Scan(&b.ID, &b.TS); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &b, nil
}

func (r *PgBatchRepository) FindBatchByID(ctx context.Context, id int64) (*BatchSubmission, error) {
	const q = `SELECT id, ts, user_id, lecture_id, message, complete_judge, total_judge
FROM batch_submissions WHERE id=$1`
	var b BatchSubmission
	if err := r.db.QueryRow(ctx, q, id).Scan(
		&b.ID, &b.TS, &b.UserID, &b.LectureID, &b.Message, &b.CompleteJudge, &b.TotalJudge,
	); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &b, nil
}

func (r *PgBatchRepository) UpdateBatch(ctx context.Context, b *BatchSubmission) error {
	const q = `UPDATE batch_submissions SET message=$1, complete_judge=$2, total_judge=$3 WHERE id=$4`
	ct, err := r.db.Exec(ctx, q, b.Message, b.CompleteJudge, b.TotalJudge, b.ID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgBatchRepository) ListBatches(ctx context.Context, page, perPage int) ([]BatchSubmission, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	const countQ = `SELECT COUNT(*) FROM batch_submissions`
	var total int
	if err := r.db.QueryRow(ctx, countQ).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, ts, user_id, lecture_id, message, complete_judge, total_judge
FROM batch_submissions ORDER BY id DESC LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]BatchSubmission, 0, perPage)
	for rows.Next() {
		var b BatchSubmission
		if err := rows.Scan(&b.ID, &b.TS, &b.UserID, &b.LectureID, &b.Message, &b.CompleteJudge, &b.TotalJudge); err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *PgBatchRepository) CreateEvaluationStatus(ctx context.Context, es *EvaluationStatus) (*EvaluationStatus, error) {
	const q = `INSERT INTO evaluation_statuses (batch_id, user_id, status, result, upload_dir, report_path, submit_date)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`
	var result *string
	if es.Result != nil {
		v := string(*es.Result)
		result = &v
	}
	out := *es
	if err := r.db.QueryRow(ctx, q,
		es.BatchID, es.UserID, string(es.Status), result, es.UploadDir, es.ReportPath, es.SubmitDate,
	).Scan(&out.ID); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &out, nil
}

func (r *PgBatchRepository) UpdateEvaluationStatus(ctx context.Context, es *EvaluationStatus) error {
	const q = `UPDATE evaluation_statuses
SET status=$1, result=$2, upload_dir=$3, report_path=$4, submit_date=$5 WHERE id=$6`
	var result *string
	if es.Result != nil {
		v := string(*es.Result)
		result = &v
	}
	ct, err := r.db.Exec(ctx, q, string(es.Status), result, es.UploadDir, es.ReportPath, es.SubmitDate, es.ID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvaluationStatus(scan func(dest ...any) error) (*EvaluationStatus, error) {
	var es EvaluationStatus
	var status string
	var result *string
	if err := scan(&es.ID, &es.BatchID, &es.UserID, &status, &result, &es.UploadDir, &es.ReportPath, &es.SubmitDate); err != nil {
		return nil, err
	}
	es.Status = EvaluationStatusValue(status)
	if result != nil {
		v := Verdict(*result)
		es.Result = &v
	}
	return &es, nil
}

func (r *PgBatchRepository) ListEvaluationStatuses(ctx context.Context, batchID int64) ([]EvaluationStatus, error) {
	const q = `SELECT id, batch_id, user_id, status, result, upload_dir, report_path, submit_date
FROM evaluation_statuses WHERE batch_id=$1 ORDER BY user_id`
	rows, err := r.db.Query(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvaluationStatus
	for rows.Next() {
		es, err := scanEvaluationStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *es)
	}
	return out, rows.Err()
}

func (r *PgBatchRepository) FindEvaluationStatusByID(ctx context.Context, id int64) (*EvaluationStatus, error) {
	const q = `SELECT id, batch_id, user_id, status, result, upload_dir, report_path, submit_date
FROM evaluation_statuses WHERE id=$1`
	es, err := scanEvaluationStatus(r.db.QueryRow(ctx, q, id).Scan)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return es, nil
}

func (r *PgBatchRepository) FindEvaluationStatus(ctx context.Context, batchID int64, userID string) (*EvaluationStatus, error) {
	const q = `SELECT id, batch_id, user_id, status, result, upload_dir, report_path, submit_date
FROM evaluation_statuses WHERE batch_id=$1 AND user_id=$2`
	es, err := scanEvaluationStatus(r.db.QueryRow(ctx, q, batchID, userID).Scan)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return es, nil
}
