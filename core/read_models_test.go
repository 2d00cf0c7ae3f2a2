package core

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestResultService(t *testing.T) (*ResultService, *fakeSubmissions, *fakeBatches, string) {
	t.Helper()
	uploadDir := t.TempDir()
	cfg := Config{UploadDir: uploadDir}
	subs := newFakeSubmissions()
	batches := newFakeBatches()
	svc := NewResultService(cfg, testLectureFixture(time.Now()), subs, batches)
	return svc, subs, batches, uploadDir
}

func i32(v int32) *int32 { return &v }

func TestRefreshBatchProgressSkipsQueuedBatch(t *testing.T) {
	svc, _, batches, _ := newTestResultService(t)
	b, _ := batches.CreateBatch(context.Background(), "m001", 1)

	if err := svc.RefreshBatchProgress(context.Background(), b); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if b.TotalJudge != nil || b.CompleteJudge != nil {
		t.Fatalf("queued batch must keep null totals")
	}
}

func TestRefreshBatchProgressRecomputesAndIsIdempotent(t *testing.T) {
	svc, subs, batches, _ := newTestResultService(t)
	ctx := context.Background()

	b, _ := batches.CreateBatch(ctx, "m001", 1)
	es, _ := batches.CreateEvaluationStatus(ctx, &EvaluationStatus{BatchID: b.ID, UserID: "100000001", Status: StatusSubmitted})

	s1, _ := subs.Create(ctx, &es.ID, "100000001", 1, 1, true)
	s2, _ := subs.Create(ctx, &es.ID, "100000001", 1, 2, true)
	_ = subs.MarkQueued(ctx, s1.ID)
	_ = subs.MarkQueued(ctx, s2.ID)

	b.CompleteJudge = i32(0)
	b.TotalJudge = i32(2)
	_ = batches.UpdateBatch(ctx, b)

	// One child finishes.
	done := VerdictAC
	s1.Progress = ProgressDone
	s1.Result = &done
	_ = subs.Update(ctx, s1)

	if err := svc.RefreshBatchProgress(ctx, b); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if *b.CompleteJudge != 1 || *b.TotalJudge != 2 {
		t.Fatalf("progress (%d,%d) want (1,2)", *b.CompleteJudge, *b.TotalJudge)
	}

	// Idempotent: no intervening change, identical counts.
	if err := svc.RefreshBatchProgress(ctx, b); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if *b.CompleteJudge != 1 || *b.TotalJudge != 2 {
		t.Fatalf("second refresh changed the counts")
	}
}

func TestAggregateBatchResults(t *testing.T) {
	svc, subs, batches, _ := newTestResultService(t)
	ctx := context.Background()

	b, _ := batches.CreateBatch(ctx, "m001", 1)
	es, _ := batches.CreateEvaluationStatus(ctx, &EvaluationStatus{BatchID: b.ID, UserID: "100000001", Status: StatusSubmitted})
	esEmpty, _ := batches.CreateEvaluationStatus(ctx, &EvaluationStatus{BatchID: b.ID, UserID: "100000002", Status: StatusNonSubmitted})

	ac, wa := VerdictAC, VerdictWA
	s1, _ := subs.Create(ctx, &es.ID, "100000001", 1, 1, true)
	s1.Progress = ProgressDone
	s1.Result = &ac
	_ = subs.Update(ctx, s1)
	s2, _ := subs.Create(ctx, &es.ID, "100000001", 1, 2, true)
	s2.Progress = ProgressDone
	s2.Result = &wa
	_ = subs.Update(ctx, s2)

	b.CompleteJudge = i32(2)
	b.TotalJudge = i32(2)
	_ = batches.UpdateBatch(ctx, b)

	if err := svc.AggregateBatchResults(ctx, b); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	got, _ := batches.FindEvaluationStatusByID(ctx, es.ID)
	if got.Result == nil || *got.Result != VerdictWA {
		t.Fatalf("aggregated result %v want WA", got.Result)
	}
	empty, _ := batches.FindEvaluationStatusByID(ctx, esEmpty.ID)
	if empty.Result != nil {
		t.Fatalf("a student with no submissions must stay null")
	}
}

func TestAggregateBatchResultsSkipsRunningBatch(t *testing.T) {
	svc, _, batches, _ := newTestResultService(t)
	ctx := context.Background()

	b, _ := batches.CreateBatch(ctx, "m001", 1)
	es, _ := batches.CreateEvaluationStatus(ctx, &EvaluationStatus{BatchID: b.ID, UserID: "100000001", Status: StatusSubmitted})
	b.CompleteJudge = i32(1)
	b.TotalJudge = i32(2)
	_ = batches.UpdateBatch(ctx, b)

	if err := svc.AggregateBatchResults(ctx, b); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	got, _ := batches.FindEvaluationStatusByID(ctx, es.ID)
	if got.Result != nil {
		t.Fatalf("a running batch must not be aggregated")
	}
}

func TestBuildSubmissionFilesZipUploaded(t *testing.T) {
	svc, subs, _, uploadDir := newTestResultService(t)
	ctx := context.Background()

	sub, _ := subs.Create(ctx, nil, "s001", 1, 1, false)
	rel := filepath.Join("s001", "2025-07-01-12-00-00-1")
	if err := os.MkdirAll(filepath.Join(uploadDir, rel), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(uploadDir, rel, "main.c"), []byte("int main(void){return 0;}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _ = subs.RegisterUploadedFile(ctx, sub.ID, filepath.Join(rel, "main.c"))

	zipPath, cleanup, err := svc.BuildSubmissionFilesZip(ctx, sub, FileKindUploaded)
	if err != nil {
		t.Fatalf("build zip: %v", err)
	}
	defer cleanup()

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "main.c" {
		t.Fatalf("unexpected bundle contents: %v", zr.File)
	}

	tempDir := filepath.Dir(zipPath)
	cleanup()
	if _, err := os.Stat(tempDir); !os.IsNotExist(err) {
		t.Fatalf("cleanup must remove the temp dir")
	}
}

func TestBuildDirZip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "main.c"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "report1.pdf"), []byte("%PDF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	zipPath, cleanup, err := BuildDirZip(src, "100000001")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Fatalf("entries %d want 2", len(zr.File))
	}
}
