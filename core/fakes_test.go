package core

import (
	"context"
	"fmt"
	"time"
)

// In-memory repository doubles shared by the service tests.

type fakeUsers struct {
	m map[string]*UserRecord
}

func newFakeUsers(users ...UserRecord) *fakeUsers {
	f := &fakeUsers{m: map[string]*UserRecord{}}
	for i := range users {
		u := users[i]
		f.m[u.UserID] = &u
	}
	return f
}

func (f *fakeUsers) FindByUserID(_ context.Context, userID string) (*UserRecord, error) {
	u, ok := f.m[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) Exists(_ context.Context, userID string) (bool, error) {
	_, ok := f.m[userID]
	return ok, nil
}

func (f *fakeUsers) Create(_ context.Context, input UserCreateInput) (*UserRecord, error) {
	if _, ok := f.m[input.UserID]; ok {
		return nil, ErrConflict
	}
	u := &UserRecord{
		UserID:          input.UserID,
		Username:        input.Username,
		Email:           input.Email,
		HashedPassword:  input.HashedPassword,
		Role:            input.Role,
		Disabled:        input.Disabled,
		CreatedAt:       time.Now(),
		ActiveStartDate: input.ActiveStartDate,
		ActiveEndDate:   input.ActiveEndDate,
	}
	f.m[input.UserID] = u
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) Update(_ context.Context, userID string, input UserUpdateInput) error {
	u, ok := f.m[userID]
	if !ok {
		return ErrNotFound
	}
	if input.Username != nil {
		u.Username = *input.Username
	}
	if input.HashedPassword != nil {
		u.HashedPassword = *input.HashedPassword
	}
	if input.Disabled != nil {
		u.Disabled = *input.Disabled
	}
	return nil
}

func (f *fakeUsers) Delete(_ context.Context, userID string) error {
	if _, ok := f.m[userID]; !ok {
		return ErrNotFound
	}
	delete(f.m, userID)
	return nil
}

func (f *fakeUsers) HasAdmin(_ context.Context) (bool, error) {
	for _, u := range f.m {
		if u.Role == RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) List(_ context.Context, page, perPage int) ([]UserListItem, int, error) {
	return nil, len(f.m), nil
}

type fakeSubmissions struct {
	nextID int64
	rows   map[int64]*Submission
	files  map[int64][]UploadedFile
	judges map[int64][]JudgeResult
}

func newFakeSubmissions() *fakeSubmissions {
	return &fakeSubmissions{
		rows:   map[int64]*Submission{},
		files:  map[int64][]UploadedFile{},
		judges: map[int64][]JudgeResult{},
	}
}

func (f *fakeSubmissions) Create(_ context.Context, evaluationStatusID *int64, userID string, lectureID, assignmentID int64, eval bool) (*Submission, error) {
	f.nextID++
	s := &Submission{
		ID:                 f.nextID,
		TS:                 time.Now().Truncate(time.Second),
		EvaluationStatusID: evaluationStatusID,
		UserID:             userID,
		LectureID:          lectureID,
		AssignmentID:       assignmentID,
		Eval:               eval,
		Progress:           ProgressPending,
	}
	f.rows[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) FindByID(_ context.Context, id int64) (*Submission, error) {
	s, ok := f.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) Update(_ context.Context, s *Submission) error {
	if _, ok := f.rows[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}

func (f *fakeSubmissions) MarkQueued(_ context.Context, id int64) error {
	s, ok := f.rows[id]
	if !ok || s.Progress != ProgressPending {
		return ErrNotFound
	}
	s.Progress = ProgressQueued
	return nil
}

func (f *fakeSubmissions) List(_ context.Context, filter SubmissionListFilter, page, perPage int) ([]Submission, int, error) {
	var out []Submission
	for _, s := range f.rows {
		if filter.UserID != "" && s.UserID != filter.UserID {
			continue
		}
		if !filter.IncludeEval && s.Eval {
			continue
		}
		out = append(out, *s)
	}
	return out, len(out), nil
}

func (f *fakeSubmissions) ListByEvaluationStatus(_ context.Context, evaluationStatusID int64) ([]Submission, error) {
	var out []Submission
	for _, s := range f.rows {
		if s.EvaluationStatusID != nil && *s.EvaluationStatusID == evaluationStatusID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSubmissions) CountByBatch(_ context.Context, batchID int64) (int, int, error) {
	// batch linkage is resolved through the evaluation-status fake in tests
	// that need it; here we count every batched submission.
	done, total := 0, 0
	for _, s := range f.rows {
		if s.EvaluationStatusID == nil {
			continue
		}
		total++
		if s.Progress == ProgressDone {
			done++
		}
	}
	return done, total, nil
}

func (f *fakeSubmissions) RegisterUploadedFile(_ context.Context, submissionID int64, relPath string) (*UploadedFile, error) {
	uf := UploadedFile{ID: int64(len(f.files[submissionID]) + 1), SubmissionID: submissionID, Path: relPath}
	f.files[submissionID] = append(f.files[submissionID], uf)
	return &uf, nil
}

func (f *fakeSubmissions) ListUploadedFiles(_ context.Context, submissionID int64) ([]UploadedFile, error) {
	return f.files[submissionID], nil
}

func (f *fakeSubmissions) ListJudgeResults(_ context.Context, submissionID int64) ([]JudgeResult, error) {
	return f.judges[submissionID], nil
}

type fakeBatches struct {
	nextBatchID  int64
	nextStatusID int64
	batches      map[int64]*BatchSubmission
	statuses     map[int64]*EvaluationStatus
}

func newFakeBatches() *fakeBatches {
	return &fakeBatches{batches: map[int64]*BatchSubmission{}, statuses: map[int64]*EvaluationStatus{}}
}

func (f *fakeBatches) CreateBatch(_ context.Context, userID string, lectureID int64) (*BatchSubmission, error) {
	f.nextBatchID++
	b := &BatchSubmission{ID: f.nextBatchID, TS: time.Now().Truncate(time.Second), UserID: userID, LectureID: lectureID}
	f.batches[b.ID] = b
	cp := *b
	return &cp, nil
}

func (f *fakeBatches) FindBatchByID(_ context.Context, id int64) (*BatchSubmission, error) {
	b, ok := f.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBatches) UpdateBatch(_ context.Context, b *BatchSubmission) error {
	if _, ok := f.batches[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	f.batches[b.ID] = &cp
	return nil
}

func (f *fakeBatches) ListBatches(_ context.Context, page, perPage int) ([]BatchSubmission, int, error) {
	var out []BatchSubmission
	for _, b := range f.batches {
		out = append(out, *b)
	}
	return out, len(out), nil
}

func (f *fakeBatches) CreateEvaluationStatus(_ context.Context, es *EvaluationStatus) (*EvaluationStatus, error) {
	f.nextStatusID++
	cp := *es
	cp.ID = f.nextStatusID
	f.statuses[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeBatches) UpdateEvaluationStatus(_ context.Context, es *EvaluationStatus) error {
	if _, ok := f.statuses[es.ID]; !ok {
		return ErrNotFound
	}
	cp := *es
	f.statuses[es.ID] = &cp
	return nil
}

func (f *fakeBatches) ListEvaluationStatuses(_ context.Context, batchID int64) ([]EvaluationStatus, error) {
	var out []EvaluationStatus
	for _, es := range f.statuses {
		if es.BatchID == batchID {
			out = append(out, *es)
		}
	}
	return out, nil
}

func (f *fakeBatches) FindEvaluationStatus(_ context.Context, batchID int64, userID string) (*EvaluationStatus, error) {
	for _, es := range f.statuses {
		if es.BatchID == batchID && es.UserID == userID {
			cp := *es
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeBatches) FindEvaluationStatusByID(_ context.Context, id int64) (*EvaluationStatus, error) {
	es, ok := f.statuses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *es
	return &cp, nil
}

type fakeAssignments struct {
	lectures map[int64]Lecture
	problems map[int64][]Problem
}

func (f *fakeAssignments) GetLecture(_ context.Context, lectureID int64) (*Lecture, error) {
	l, ok := f.lectures[lectureID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (f *fakeAssignments) ListLectures(_ context.Context) ([]Lecture, error) {
	var out []Lecture
	for _, l := range f.lectures {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeAssignments) GetProblem(_ context.Context, lectureID, assignmentID int64, includeEval bool, detail bool) (*Problem, error) {
	for _, p := range f.problems[lectureID] {
		if p.AssignmentID == assignmentID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeAssignments) ListProblems(_ context.Context, lectureID int64, includeEval bool, detail bool) ([]Problem, error) {
	return f.problems[lectureID], nil
}

type fakeNotifier struct {
	queued []int64
}

func (f *fakeNotifier) NotifyQueued(_ context.Context, submissionID int64) {
	f.queued = append(f.queued, submissionID)
}

func (f *fakeNotifier) PendingCount(_ context.Context) (int64, error) {
	return int64(len(f.queued)), nil
}

type fakeLogins struct {
	m map[string]*LoginHistory
}

func newFakeLogins() *fakeLogins {
	return &fakeLogins{m: map[string]*LoginHistory{}}
}

func loginKey(userID string, loginAt time.Time) string {
	return fmt.Sprintf("%s|%d", userID, loginAt.Unix())
}

func (f *fakeLogins) Add(_ context.Context, lh LoginHistory) error {
	key := loginKey(lh.UserID, lh.LoginAt)
	if _, ok := f.m[key]; ok {
		return ErrConflict
	}
	f.m[key] = &lh
	return nil
}

func (f *fakeLogins) Get(_ context.Context, userID string, loginAt time.Time) (*LoginHistory, error) {
	lh, ok := f.m[loginKey(userID, loginAt)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lh
	return &cp, nil
}

func (f *fakeLogins) Update(_ context.Context, lh LoginHistory) error {
	key := loginKey(lh.UserID, lh.LoginAt)
	if _, ok := f.m[key]; !ok {
		return ErrNotFound
	}
	f.m[key] = &lh
	return nil
}

func (f *fakeLogins) Remove(_ context.Context, userID string, loginAt time.Time) error {
	delete(f.m, loginKey(userID, loginAt))
	return nil
}

func (f *fakeLogins) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, lh := range f.m {
		if lh.LogoutAt.Before(before) {
			delete(f.m, k)
			n++
		}
	}
	return n, nil
}
