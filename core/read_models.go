package core

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ResultService derives the eventually-consistent read models: batch progress
// recomputed from child rows, and the per-student verdict roll-up.
type ResultService struct {
	cfg         Config
	assignments AssignmentRepository
	submissions SubmissionRepository
	batches     BatchRepository
}

func NewResultService(cfg Config, assignments AssignmentRepository, submissions SubmissionRepository, batches BatchRepository) *ResultService {
	return &ResultService{cfg: cfg, assignments: assignments, submissions: submissions, batches: batches}
}

// RefreshBatchProgress recomputes (complete_judge, total_judge) from the
// committed child submissions when the batch is not done yet, and persists the
// counts. Idempotent: with no intervening submission change a second run
// produces identical values.
func (s *ResultService) RefreshBatchProgress(ctx context.Context, b *BatchSubmission) error {
	if b.TotalJudge == nil || b.CompleteJudge == nil {
		// Still queued: the orchestrator has not written totals yet.
		return nil
	}
	if *b.CompleteJudge == *b.TotalJudge {
		return nil
	}
	done, total, err := s.submissions.CountByBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	complete := int32(done)
	totalCount := int32(total)
	b.CompleteJudge = &complete
	b.TotalJudge = &totalCount
	return s.batches.UpdateBatch(ctx, b)
}

// AggregateBatchResults fills the per-student roll-up verdict for every
// evaluation status of a completed batch whose result is still null. The
// roll-up is the max of the child submissions' results under the verdict
// order; a student with no child submissions stays null.
func (s *ResultService) AggregateBatchResults(ctx context.Context, b *BatchSubmission) error {
	if b.TotalJudge == nil || b.CompleteJudge == nil || *b.CompleteJudge != *b.TotalJudge {
		return nil
	}
	statuses, err := s.batches.ListEvaluationStatuses(ctx, b.ID)
	if err != nil {
		return err
	}
	for i := range statuses {
		es := &statuses[i]
		if es.Result != nil {
			continue
		}
		subs, err := s.submissions.ListByEvaluationStatus(ctx, es.ID)
		if err != nil {
			return err
		}
		var verdicts []Verdict
		for _, sub := range subs {
			if sub.Result != nil {
				verdicts = append(verdicts, *sub.Result)
			}
		}
		agg, ok := AggregateVerdicts(verdicts)
		if !ok {
			continue
		}
		es.Result = &agg
		if err := s.batches.UpdateEvaluationStatus(ctx, es); err != nil {
			return err
		}
	}
	return nil
}

// SubmissionFileKind selects which file set a bundle read returns.
type SubmissionFileKind string

const (
	FileKindUploaded SubmissionFileKind = "uploaded"
	FileKindArranged SubmissionFileKind = "arranged"
)

// BuildSubmissionFilesZip assembles the uploaded or arranged file set of a
// submission as a ZIP in a fresh temp directory. The caller serves the file
// and must invoke cleanup once the response body has been sent.
func (s *ResultService) BuildSubmissionFilesZip(ctx context.Context, sub *Submission, kind SubmissionFileKind) (zipPath string, cleanup func(), err error) {
	var entries []string // absolute source paths
	var names []string   // archive entry names

	switch kind {
	case FileKindUploaded:
		files, err := s.submissions.ListUploadedFiles(ctx, sub.ID)
		if err != nil {
			return "", nil, err
		}
		for _, f := range files {
			entries = append(entries, filepath.Join(s.cfg.UploadDir, f.Path))
			names = append(names, filepath.Base(f.Path))
		}
	case FileKindArranged:
		problem, err := s.assignments.GetProblem(ctx, sub.LectureID, sub.AssignmentID, sub.Eval, true)
		if err != nil {
			return "", nil, err
		}
		for _, af := range problem.ArrangedFiles {
			entries = append(entries, af.Path)
			names = append(names, af.Name)
		}
	default:
		return "", nil, badRequestf("typeはuploadedまたはarrangedを指定してください")
	}

	tempDir, err := os.MkdirTemp("", "file-bundle-*")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { _ = os.RemoveAll(tempDir) }

	zipPath = filepath.Join(tempDir, fmt.Sprintf("submission-%d-%s.zip", sub.ID, kind))
	if err := writeZipOfFiles(zipPath, entries, names); err != nil {
		cleanup()
		return "", nil, err
	}
	return zipPath, cleanup, nil
}

// BuildDirZip bundles a whole directory tree (a student's expanded batch
// upload) into a ZIP under a fresh temp directory.
func BuildDirZip(srcDir, baseName string) (zipPath string, cleanup func(), err error) {
	tempDir, err := os.MkdirTemp("", "file-bundle-*")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { _ = os.RemoveAll(tempDir) }

	zipPath = filepath.Join(tempDir, baseName+".zip")
	out, err := os.Create(zipPath)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		zw.Close()
		cleanup()
		return "", nil, err
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return zipPath, cleanup, nil
}

// writeZipOfFiles writes the named source files into a new archive. Sources
// that are missing on disk are skipped rather than failing the bundle.
func writeZipOfFiles(zipPath string, sources, names []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for i, src := range sources {
		in, err := os.Open(src)
		if err != nil {
			continue
		}
		w, err := zw.Create(names[i])
		if err != nil {
			in.Close()
			zw.Close()
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			in.Close()
			zw.Close()
			return err
		}
		in.Close()
	}
	return zw.Close()
}
