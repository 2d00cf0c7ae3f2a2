package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// studentFolderPattern matches the manaba export folder naming:
// {9-digit student id}@{13-digit internal id}.
var studentFolderPattern = regexp.MustCompile(`^\d{9}@\d{13}$`)

// BatchOrchestrator expands a grader ZIP-of-ZIPs into evaluation-status rows
// and one submission per (student, problem). Per-student failures are
// accumulated into the batch message and never abort the whole batch.
type BatchOrchestrator struct {
	cfg         Config
	assignments AssignmentRepository
	submissions SubmissionRepository
	batches     BatchRepository
	users       UserRepository
	notifier    QueueNotifier
	now         func() time.Time
}

func NewBatchOrchestrator(cfg Config, assignments AssignmentRepository, submissions SubmissionRepository, batches BatchRepository, users UserRepository, notifier QueueNotifier) *BatchOrchestrator {
	return &BatchOrchestrator{
		cfg:         cfg,
		assignments: assignments,
		submissions: submissions,
		batches:     batches,
		users:       users,
		notifier:    notifier,
		now:         time.Now,
	}
}

// BatchJudge registers the batch row up front (so callers can begin polling),
// expands the workspace, walks the roster and fans out submissions.
func (o *BatchOrchestrator) BatchJudge(ctx context.Context, user *UserRecord, lectureID int64, eval bool, zipName string, zipReader io.Reader) (*BatchSubmission, error) {
	if eval && !user.Role.Privileged() {
		return nil, ErrForbidden
	}
	lecture, err := o.assignments.GetLecture(ctx, lectureID)
	if err != nil {
		return nil, err
	}
	if !user.Role.Privileged() && !lecture.IsPublic(o.now()) {
		return nil, ErrNotFound
	}

	problems, err := o.assignments.ListProblems(ctx, lectureID, eval, true)
	if err != nil {
		return nil, err
	}

	batch, err := o.batches.CreateBatch(ctx, user.UserID, lectureID)
	if err != nil {
		return nil, err
	}

	var messages strings.Builder

	batchRelDir := filepath.Join("batch", fmt.Sprintf("%s-%d", batch.TS.Format(uploadTimestampLayout), batch.ID))
	batchDir := filepath.Join(o.cfg.UploadDir, batchRelDir)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return nil, err
	}

	rosterPath, err := o.expandWorkspace(ctx, lectureID, zipName, zipReader, batchDir, &messages)
	if err != nil {
		_ = os.RemoveAll(batchDir)
		return nil, err
	}

	roster, found := ParseRoster(rosterPath)
	if !found {
		_ = os.RemoveAll(batchDir)
		return nil, badRequestf("reportlist.xlsxまたはreportlist.xlsが存在しません")
	}

	statuses := o.walkRoster(ctx, roster, batchDir, batchRelDir, lectureID, &messages)

	totalJudge := int32(0)
	for _, es := range statuses {
		es.BatchID = batch.ID
		esRecord, err := o.batches.CreateEvaluationStatus(ctx, &es)
		if err != nil {
			return nil, err
		}
		if esRecord.Status == StatusNonSubmitted {
			continue
		}
		if esRecord.UploadDir == nil {
			messages.WriteString(fmt.Sprintf("%sの提出フォルダが存在しません\n", esRecord.UserID))
			esRecord.Status = StatusNonSubmitted
			if err := o.batches.UpdateEvaluationStatus(ctx, esRecord); err != nil {
				return nil, err
			}
			continue
		}

		uploadAbs := filepath.Join(o.cfg.UploadDir, *esRecord.UploadDir)
		for _, problem := range problems {
			sub, err := o.submissions.Create(ctx, &esRecord.ID, esRecord.UserID, problem.LectureID, problem.AssignmentID, eval)
			if err != nil {
				return nil, err
			}
			totalJudge++
			for _, rf := range problem.RequiredFiles {
				if _, err := os.Stat(filepath.Join(uploadAbs, rf.Name)); err != nil {
					continue
				}
				if _, err := o.submissions.RegisterUploadedFile(ctx, sub.ID, filepath.Join(*esRecord.UploadDir, rf.Name)); err != nil {
					return nil, err
				}
			}
			if err := o.submissions.MarkQueued(ctx, sub.ID); err != nil {
				return nil, err
			}
			o.notifier.NotifyQueued(ctx, sub.ID)
		}
	}

	complete := int32(0)
	batch.Message = messages.String()
	batch.CompleteJudge = &complete
	batch.TotalJudge = &totalJudge
	if err := o.batches.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// expandWorkspace extracts the grader ZIP into a temp workspace, locates the
// report list, copies it into the batch dir and unfolds each known student's
// inner ZIP. Returns the copied roster path.
func (o *BatchOrchestrator) expandWorkspace(ctx context.Context, lectureID int64, zipName string, zipReader io.Reader, batchDir string, messages *strings.Builder) (string, error) {
	workspace, err := os.MkdirTemp("", "batch-workspace-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workspace)

	stagedZip := filepath.Join(workspace, "upload.zip")
	if err := writeUploadFile(stagedZip, zipReader); err != nil {
		return "", err
	}
	extractDir := filepath.Join(workspace, "extracted")
	if err := extractZipTo(stagedZip, extractDir); err != nil {
		return "", badRequestf("%s", err.Error())
	}

	currentDir := extractDir
	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		// Everything under one folder: descend.
		currentDir = filepath.Join(currentDir, entries[0].Name())
	} else if len(entries) > 1 {
		// __MACOSX and friends next to the archive-named folder: descend into
		// the archive-named one.
		stem := strings.TrimSuffix(zipName, filepath.Ext(zipName))
		if fi, err := os.Stat(filepath.Join(currentDir, stem)); err == nil && fi.IsDir() {
			currentDir = filepath.Join(currentDir, stem)
		}
	}

	rosterSrc := filepath.Join(currentDir, "reportlist.xlsx")
	if _, err := os.Stat(rosterSrc); err != nil {
		rosterSrc = filepath.Join(currentDir, "reportlist.xls")
		if _, err := os.Stat(rosterSrc); err != nil {
			return "", badRequestf("reportlist.xlsxまたはreportlist.xlsが存在しません")
		}
	}
	rosterDst := filepath.Join(batchDir, filepath.Base(rosterSrc))
	if err := copyFile(rosterSrc, rosterDst); err != nil {
		return "", err
	}

	studentDirs, err := os.ReadDir(currentDir)
	if err != nil {
		return "", err
	}
	for _, d := range studentDirs {
		if !d.IsDir() || !studentFolderPattern.MatchString(d.Name()) {
			continue
		}
		userID := strings.SplitN(d.Name(), "@", 2)[0]

		exists, err := o.users.Exists(ctx, userID)
		if err != nil {
			return "", err
		}
		if !exists {
			messages.WriteString(fmt.Sprintf("%sはユーザDBに登録されていません\n", userID))
			continue
		}

		innerZip := filepath.Join(currentDir, d.Name(), fmt.Sprintf("class%d.zip", lectureID))
		if _, err := os.Stat(innerZip); err != nil {
			messages.WriteString(fmt.Sprintf("%sは提出済みであるにも関わらず、class%d.zipを提出していません\n", userID, lectureID))
			continue
		}

		dest := filepath.Join(batchDir, userID)
		if err := UnfoldZip(innerZip, dest); err != nil {
			messages.WriteString(fmt.Sprintf("%sのZipファイルの解凍中にエラーが発生しました: %s\n", userID, err.Error()))
			_ = os.RemoveAll(dest)
			continue
		}
	}
	return rosterDst, nil
}

// walkRoster normalises the report list into evaluation-status rows for the
// 履修生 entries. Rows that cannot be judged are skipped with a message.
func (o *BatchOrchestrator) walkRoster(ctx context.Context, roster []RosterRow, batchDir, batchRelDir string, lectureID int64, messages *strings.Builder) []EvaluationStatus {
	reportName := fmt.Sprintf("report%d.pdf", lectureID)
	var out []EvaluationStatus
	for _, row := range roster {
		if row.Role != "履修生" {
			continue
		}
		if row.StudentID == "" {
			messages.WriteString(fmt.Sprintf("%d行目の学籍番号が空です\n", row.RowNumber))
			continue
		}
		exists, err := o.users.Exists(ctx, row.StudentID)
		if err != nil || !exists {
			messages.WriteString(fmt.Sprintf("%d行目のユーザがDBに登録されていません: %s\n", row.RowNumber, row.StudentID))
			continue
		}

		status := ParseRosterSubmissionStatus(row.Submission)
		if status != StatusNonSubmitted && row.SubmitDate == nil {
			messages.WriteString(fmt.Sprintf("%d行目の提出日時が提出済みであるにも関わらず空です。遅延判定ができません\n", row.RowNumber))
			continue
		}

		es := EvaluationStatus{
			UserID: row.StudentID,
			Status: status,
		}
		if status == StatusNonSubmitted {
			out = append(out, es)
			continue
		}

		userDir := filepath.Join(batchDir, row.StudentID)
		if _, err := os.Stat(userDir); err != nil {
			messages.WriteString(fmt.Sprintf("%d行目のユーザは提出済みであるにも関わらず、フォルダが存在しません\n", row.RowNumber))
			continue
		}
		uploadRel := filepath.Join(batchRelDir, row.StudentID)
		es.UploadDir = &uploadRel
		if _, err := os.Stat(filepath.Join(userDir, reportName)); err == nil {
			reportRel := filepath.Join(uploadRel, reportName)
			es.ReportPath = &reportRel
		}
		es.SubmitDate = row.SubmitDate
		out = append(out, es)
	}
	return out
}

// copyFile copies src to dst, overwriting dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
