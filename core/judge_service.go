package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrBadRequest marks malformed-input failures. Concrete instances are
// badRequestError values whose message carries the user-facing reason.
var ErrBadRequest = errors.New("bad request")

type badRequestError struct {
	reason string
}

func (e badRequestError) Error() string { return e.reason }

func (e badRequestError) Is(target error) bool { return target == ErrBadRequest }

func badRequestf(format string, args ...any) error {
	return badRequestError{reason: fmt.Sprintf(format, args...)}
}

const uploadTimestampLayout = "2006-01-02-15-04-05"

// UploadInput is one file streamed from the request body.
type UploadInput struct {
	Name   string
	Reader io.Reader
}

// JudgeService implements submission ingestion: single judge requests and the
// whole-lecture self check.
type JudgeService struct {
	cfg         Config
	assignments AssignmentRepository
	submissions SubmissionRepository
	notifier    QueueNotifier
	now         func() time.Time
}

func NewJudgeService(cfg Config, assignments AssignmentRepository, submissions SubmissionRepository, notifier QueueNotifier) *JudgeService {
	return &JudgeService{cfg: cfg, assignments: assignments, submissions: submissions, notifier: notifier, now: time.Now}
}

// checkLectureAccess enforces the eval/public gates for non-privileged callers.
// A non-public lecture is reported as NotFound so students cannot learn of its
// existence.
func (s *JudgeService) checkLectureAccess(ctx context.Context, user *UserRecord, lectureID int64, eval bool) (*Lecture, error) {
	if eval && !user.Role.Privileged() {
		return nil, ErrForbidden
	}
	lecture, err := s.assignments.GetLecture(ctx, lectureID)
	if err != nil {
		return nil, err
	}
	if !user.Role.Privileged() && !lecture.IsPublic(s.now()) {
		return nil, ErrNotFound
	}
	return lecture, nil
}

// SingleJudge accepts a file set for one (lecture, assignment), persists the
// uploads and creates a submission in queued.
func (s *JudgeService) SingleJudge(ctx context.Context, user *UserRecord, lectureID, assignmentID int64, eval bool, files []UploadInput) (*Submission, error) {
	if _, err := s.checkLectureAccess(ctx, user, lectureID, eval); err != nil {
		return nil, err
	}
	if _, err := s.assignments.GetProblem(ctx, lectureID, assignmentID, eval, false); err != nil {
		return nil, err
	}

	sub, err := s.submissions.Create(ctx, nil, user.UserID, lectureID, assignmentID, eval)
	if err != nil {
		return nil, err
	}

	// Files are copied outside any DB transaction; a failure here leaves an
	// orphaned pending submission the worker will surface as file-not-found.
	relDir := filepath.Join(user.UserID, fmt.Sprintf("%s-%d", sub.TS.Format(uploadTimestampLayout), sub.ID))
	absDir := filepath.Join(s.cfg.UploadDir, relDir)
	if _, err := os.Stat(absDir); err == nil {
		if err := os.RemoveAll(absDir); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	for _, f := range files {
		if err := writeUploadFile(filepath.Join(absDir, f.Name), f.Reader); err != nil {
			return nil, err
		}
		if _, err := s.submissions.RegisterUploadedFile(ctx, sub.ID, filepath.Join(relDir, f.Name)); err != nil {
			return nil, err
		}
	}

	if err := s.submissions.MarkQueued(ctx, sub.ID); err != nil {
		return nil, err
	}
	sub.Progress = ProgressQueued
	s.notifier.NotifyQueued(ctx, sub.ID)
	return sub, nil
}

// SelfCheck accepts the student's final class{lecture_id}.zip, expands it and
// derives one submission per problem of the lecture. When the report PDF is
// missing, a single done/FN submission is returned instead.
func (s *JudgeService) SelfCheck(ctx context.Context, user *UserRecord, lectureID int64, eval bool, zipName string, zipReader io.Reader) ([]Submission, error) {
	if !user.Role.Privileged() {
		return nil, ErrForbidden
	}
	if _, err := s.assignments.GetLecture(ctx, lectureID); err != nil {
		return nil, err
	}

	wantName := fmt.Sprintf("class%d.zip", lectureID)
	if zipName != wantName {
		return nil, badRequestf("zipファイル名が不正です。%sを提出してください", wantName)
	}

	problems, err := s.assignments.ListProblems(ctx, lectureID, eval, true)
	if err != nil {
		return nil, err
	}
	if len(problems) == 0 {
		return nil, ErrNotFound
	}

	relDir := filepath.Join(user.UserID, "format-check", fmt.Sprintf("%d", lectureID), s.now().Format(uploadTimestampLayout))
	absDir := filepath.Join(s.cfg.UploadDir, relDir)
	if _, err := os.Stat(absDir); err == nil {
		if err := os.RemoveAll(absDir); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	// Stage the archive in a temp dir, then unfold into the upload tree.
	tempDir, err := os.MkdirTemp("", "format-check-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)
	stagedZip := filepath.Join(tempDir, zipName)
	if err := writeUploadFile(stagedZip, zipReader); err != nil {
		return nil, err
	}
	if err := UnfoldZip(stagedZip, absDir); err != nil {
		_ = os.RemoveAll(absDir)
		return nil, badRequestf("%s", err.Error())
	}

	reportName := fmt.Sprintf("report%d.pdf", lectureID)
	reportAbs := filepath.Join(absDir, reportName)
	if _, err := os.Stat(reportAbs); err != nil {
		// No report: one FN submission against the first problem, nothing queued.
		sub, err := s.submissions.Create(ctx, nil, user.UserID, problems[0].LectureID, problems[0].AssignmentID, eval)
		if err != nil {
			return nil, err
		}
		fn := VerdictFN
		msg := "フォーマットチェック: ZIPファイルにレポートが含まれていません"
		zero := int32(0)
		sub.Progress = ProgressDone
		sub.Result = &fn
		sub.Message = &msg
		sub.Detail = &reportName
		sub.Score = &zero
		sub.TimeMS = &zero
		sub.MemoryKB = &zero
		if err := s.submissions.Update(ctx, sub); err != nil {
			return nil, err
		}
		return []Submission{*sub}, nil
	}

	out := make([]Submission, 0, len(problems))
	for _, problem := range problems {
		sub, err := s.submissions.Create(ctx, nil, user.UserID, problem.LectureID, problem.AssignmentID, eval)
		if err != nil {
			return nil, err
		}
		// Register whichever required files exist; missing ones are the
		// worker's to report.
		for _, rf := range problem.RequiredFiles {
			if _, err := os.Stat(filepath.Join(absDir, rf.Name)); err != nil {
				continue
			}
			if _, err := s.submissions.RegisterUploadedFile(ctx, sub.ID, filepath.Join(relDir, rf.Name)); err != nil {
				return nil, err
			}
		}
		if _, err := s.submissions.RegisterUploadedFile(ctx, sub.ID, filepath.Join(relDir, reportName)); err != nil {
			return nil, err
		}
		if err := s.submissions.MarkQueued(ctx, sub.ID); err != nil {
			return nil, err
		}
		sub.Progress = ProgressQueued
		s.notifier.NotifyQueued(ctx, sub.ID)
		out = append(out, *sub)
	}
	return out, nil
}

// writeUploadFile streams src to dst, creating or truncating it.
func writeUploadFile(dst string, src io.Reader) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, src)
	return err
}
