package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"redpen/api/internal/annotate"
	"redpen/api/internal/config"
	"redpen/api/internal/store"
	"redpen/api/internal/suggest"
)

type fakeStore struct {
	pingFn                    func(context.Context) error
	getUserByIDFn             func(context.Context, string) (store.User, error)
	getUserByEmailFn          func(context.Context, string) (store.User, error)
	isEnrolledFn              func(context.Context, string, string) (bool, error)
	getAssignmentFn           func(context.Context, string) (store.Assignment, error)
	upsertSubmissionFn        func(context.Context, store.Submission) (string, error)
	saveSubmissionContentFn   func(context.Context, string, string, string) error
	getSubmissionFn           func(context.Context, string) (store.Submission, error)
	getSubmissionForStudentFn func(context.Context, string, string) (store.Submission, error)
	updateSubmissionStatusFn  func(context.Context, string, string) error
	insertReviewFn            func(context.Context, store.Review) error
	getReviewFn               func(context.Context, string) (store.Review, error)
	getReviewBySubmissionFn   func(context.Context, string) (*store.Review, error)
	updateReviewVersionFn     func(context.Context, string, string) error
	finalizeReviewFn          func(context.Context, string, float64, string) error
	replaceAnnotationsFn      func(context.Context, string, []store.SavedAnnotation) ([]store.SavedAnnotation, error)
	listAnnotationsFn         func(context.Context, string) ([]store.SavedAnnotation, error)
	saveRefreshSessionFn      func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn    func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn    func(context.Context, string) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Prof. Lee", Role: "grader"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, errors.New("no rows")
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error  { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error)  { return false, nil }
func (f *fakeStore) InsertCourse(context.Context, store.Course) error            { return nil }
func (f *fakeStore) GetCourse(context.Context, string) (store.Course, error)     { return store.Course{}, nil }
func (f *fakeStore) ListCourses(context.Context) ([]store.Course, error)         { return nil, nil }
func (f *fakeStore) ListCoursesForStudent(context.Context, string) ([]store.Course, error) {
	return nil, nil
}
func (f *fakeStore) EnrollStudent(context.Context, store.Enrollment) error { return nil }
func (f *fakeStore) IsEnrolled(ctx context.Context, courseID, userID string) (bool, error) {
	if f.isEnrolledFn != nil {
		return f.isEnrolledFn(ctx, courseID, userID)
	}
	return true, nil
}
func (f *fakeStore) InsertAssignment(context.Context, store.Assignment) error { return nil }
func (f *fakeStore) GetAssignment(ctx context.Context, assignmentID string) (store.Assignment, error) {
	if f.getAssignmentFn != nil {
		return f.getAssignmentFn(ctx, assignmentID)
	}
	return store.Assignment{ID: assignmentID, CourseID: "crs-1", Title: "Essay 1"}, nil
}
func (f *fakeStore) ListAssignments(context.Context, string) ([]store.Assignment, error) {
	return nil, nil
}
func (f *fakeStore) UpsertSubmission(ctx context.Context, sub store.Submission) (string, error) {
	if f.upsertSubmissionFn != nil {
		return f.upsertSubmissionFn(ctx, sub)
	}
	return sub.ID, nil
}
func (f *fakeStore) SaveSubmissionContent(ctx context.Context, submissionID, text, version string) error {
	if f.saveSubmissionContentFn != nil {
		return f.saveSubmissionContentFn(ctx, submissionID, text, version)
	}
	return nil
}
func (f *fakeStore) GetSubmission(ctx context.Context, submissionID string) (store.Submission, error) {
	if f.getSubmissionFn != nil {
		return f.getSubmissionFn(ctx, submissionID)
	}
	return store.Submission{ID: submissionID, AssignmentID: "asg-1", StudentID: "usr-student", Status: "submitted"}, nil
}
func (f *fakeStore) GetSubmissionForStudent(ctx context.Context, assignmentID, studentID string) (store.Submission, error) {
	if f.getSubmissionForStudentFn != nil {
		return f.getSubmissionForStudentFn(ctx, assignmentID, studentID)
	}
	return store.Submission{}, errors.New("no rows")
}
func (f *fakeStore) ListSubmissions(context.Context, string) ([]store.Submission, error) {
	return nil, nil
}
func (f *fakeStore) UpdateSubmissionStatus(ctx context.Context, submissionID, status string) error {
	if f.updateSubmissionStatusFn != nil {
		return f.updateSubmissionStatusFn(ctx, submissionID, status)
	}
	return nil
}
func (f *fakeStore) UpdateSubmissionAttachment(context.Context, string, string) error { return nil }
func (f *fakeStore) InsertReview(ctx context.Context, review store.Review) error {
	if f.insertReviewFn != nil {
		return f.insertReviewFn(ctx, review)
	}
	return nil
}
func (f *fakeStore) GetReview(ctx context.Context, reviewID string) (store.Review, error) {
	if f.getReviewFn != nil {
		return f.getReviewFn(ctx, reviewID)
	}
	return store.Review{}, errors.New("no rows")
}
func (f *fakeStore) GetReviewBySubmission(ctx context.Context, submissionID string) (*store.Review, error) {
	if f.getReviewBySubmissionFn != nil {
		return f.getReviewBySubmissionFn(ctx, submissionID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateReviewStatus(context.Context, string, string) error { return nil }
func (f *fakeStore) UpdateReviewVersion(ctx context.Context, reviewID, version string) error {
	if f.updateReviewVersionFn != nil {
		return f.updateReviewVersionFn(ctx, reviewID, version)
	}
	return nil
}
func (f *fakeStore) FinalizeReview(ctx context.Context, reviewID string, score float64, feedback string) error {
	if f.finalizeReviewFn != nil {
		return f.finalizeReviewFn(ctx, reviewID, score, feedback)
	}
	return nil
}
func (f *fakeStore) ReplaceAnnotations(ctx context.Context, reviewID string, rows []store.SavedAnnotation) ([]store.SavedAnnotation, error) {
	if f.replaceAnnotationsFn != nil {
		return f.replaceAnnotationsFn(ctx, reviewID, rows)
	}
	saved := make([]store.SavedAnnotation, len(rows))
	for i, row := range rows {
		row.ID = int64(i + 1)
		row.ReviewID = reviewID
		saved[i] = row
	}
	return saved, nil
}
func (f *fakeStore) ListAnnotations(ctx context.Context, reviewID string) ([]store.SavedAnnotation, error) {
	if f.listAnnotationsFn != nil {
		return f.listAnnotationsFn(ctx, reviewID)
	}
	return nil, nil
}
func (f *fakeStore) SummaryCounts(context.Context) (int, int, int, error) { return 2, 5, 3, nil }
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, errors.New("no rows")
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

type fakeText struct {
	commitFn        func(submissionID, text, author, message string) (store.VersionInfo, error)
	headTextFn      func(submissionID string) (string, store.VersionInfo, error)
	textByVersionFn func(submissionID, hash string) (string, error)
	historyFn       func(submissionID string, limit int) ([]store.VersionInfo, error)
}

func (f *fakeText) Commit(submissionID, text, author, message string) (store.VersionInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(submissionID, text, author, message)
	}
	return store.VersionInfo{Hash: "commit-1"}, nil
}
func (f *fakeText) HeadText(submissionID string) (string, store.VersionInfo, error) {
	if f.headTextFn != nil {
		return f.headTextFn(submissionID)
	}
	return "The quick brown fox jumps over the lazy dog.", store.VersionInfo{Hash: "commit-1"}, nil
}
func (f *fakeText) TextByVersion(submissionID, hash string) (string, error) {
	if f.textByVersionFn != nil {
		return f.textByVersionFn(submissionID, hash)
	}
	return "The quick brown fox jumps over the lazy dog.", nil
}
func (f *fakeText) History(submissionID string, limit int) ([]store.VersionInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(submissionID, limit)
	}
	return nil, nil
}

type fakeSuggester struct {
	suggestFn func(ctx context.Context, selectedText string) (string, error)
	analyzeFn func(ctx context.Context, text string) ([]suggest.Candidate, error)
}

func (f *fakeSuggester) Suggest(ctx context.Context, selectedText string) (string, error) {
	if f.suggestFn != nil {
		return f.suggestFn(ctx, selectedText)
	}
	return "Consider rephrasing this.", nil
}
func (f *fakeSuggester) Analyze(ctx context.Context, text string) ([]suggest.Candidate, error) {
	if f.analyzeFn != nil {
		return f.analyzeFn(ctx, text)
	}
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		CORSOrigin: "http://localhost:3000",
	}
}

func newTestService(fs *fakeStore, ft *fakeText) *Service {
	return newService(testConfig(), fs, fs, ft, nil)
}

func graderSession() Session {
	return Session{UserID: "usr-grader", UserName: "Prof. Lee", Role: "grader"}
}

func TestSessionRoundTrip(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Prof. Lee", Role: "grader"}, nil
		},
	}
	svc := newTestService(fs, &fakeText{})

	session, err := svc.CreateSession(context.Background(), "usr-grader")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.UserID != "usr-grader" || parsed.Role != "grader" {
		t.Errorf("unexpected parsed session: %+v", parsed)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	var savedHashes []string
	var revokedHash string
	fs := &fakeStore{
		saveRefreshSessionFn: func(_ context.Context, tokenHash, _ string, _ time.Time) error {
			savedHashes = append(savedHashes, tokenHash)
			return nil
		},
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			return store.User{ID: "usr-grader", DisplayName: "Prof. Lee", Role: "grader"}, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			revokedHash = tokenHash
			return nil
		},
	}
	svc := newTestService(fs, &fakeText{})

	first, err := svc.CreateSession(context.Background(), "usr-grader")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if revokedHash == "" {
		t.Error("old refresh session was not revoked")
	}
	if len(savedHashes) != 2 {
		t.Errorf("expected 2 saved refresh sessions, got %d", len(savedHashes))
	}
}

func TestSubmitTextRequiresEnrollment(t *testing.T) {
	fs := &fakeStore{
		isEnrolledFn: func(context.Context, string, string) (bool, error) { return false, nil },
	}
	svc := newTestService(fs, &fakeText{})

	_, err := svc.SubmitText(context.Background(), Session{UserID: "usr-s", Role: "student"}, "asg-1", "Essay", "some text")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSubmitTextCommitsAndSaves(t *testing.T) {
	var savedVersion string
	fs := &fakeStore{
		saveSubmissionContentFn: func(_ context.Context, _, _, version string) error {
			savedVersion = version
			return nil
		},
	}
	ft := &fakeText{
		commitFn: func(_, text, author, message string) (store.VersionInfo, error) {
			if text != "My essay text." {
				t.Errorf("unexpected committed text %q", text)
			}
			if message != "Initial submission" {
				t.Errorf("unexpected commit message %q", message)
			}
			return store.VersionInfo{Hash: "abc123"}, nil
		},
	}
	svc := newTestService(fs, ft)

	payload, err := svc.SubmitText(context.Background(), Session{UserID: "usr-s", UserName: "Jordan P.", Role: "student"}, "asg-1", "Essay", "My essay text.")
	if err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if savedVersion != "abc123" {
		t.Errorf("submission content saved with version %q, want abc123", savedVersion)
	}
	if payload["textVersion"] != "abc123" || payload["status"] != "submitted" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestOpenReviewRestoresSavedAnnotations(t *testing.T) {
	fs := &fakeStore{
		getReviewBySubmissionFn: func(context.Context, string) (*store.Review, error) {
			return &store.Review{ID: "rev-1", SubmissionID: "sub-1", GraderName: "Prof. Lee", Status: "saved", TextVersion: "commit-1"}, nil
		},
		listAnnotationsFn: func(context.Context, string) ([]store.SavedAnnotation, error) {
			return []store.SavedAnnotation{
				{ID: 7, ReviewID: "rev-1", Start: 4, End: 9, Body: "Vague.", Author: "Prof. Lee", Provenance: "human", Color: "#fde68a"},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeText{})

	payload, err := svc.OpenReview(context.Background(), graderSession(), "sub-1")
	if err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	annotations, ok := payload["annotations"].([]annotate.Annotation)
	if !ok || len(annotations) != 1 {
		t.Fatalf("expected one restored annotation, got %v", payload["annotations"])
	}
	if annotations[0].DurableID != "7" {
		t.Errorf("restored annotation durable id = %q, want 7", annotations[0].DurableID)
	}
}

func TestOpenReviewDropsStaleAnnotations(t *testing.T) {
	var updatedVersion string
	fs := &fakeStore{
		getReviewBySubmissionFn: func(context.Context, string) (*store.Review, error) {
			return &store.Review{ID: "rev-1", SubmissionID: "sub-1", Status: "saved", TextVersion: "old-commit"}, nil
		},
		updateReviewVersionFn: func(_ context.Context, _, version string) error {
			updatedVersion = version
			return nil
		},
	}
	svc := newTestService(fs, &fakeText{})

	payload, err := svc.OpenReview(context.Background(), graderSession(), "sub-1")
	if err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	if payload["staleAnnotationsDropped"] != true {
		t.Error("expected staleAnnotationsDropped flag")
	}
	if updatedVersion != "commit-1" {
		t.Errorf("review version updated to %q, want commit-1", updatedVersion)
	}
}

func TestOpenReviewRejectsFinalized(t *testing.T) {
	fs := &fakeStore{
		getReviewBySubmissionFn: func(context.Context, string) (*store.Review, error) {
			return &store.Review{ID: "rev-1", SubmissionID: "sub-1", Status: "finalized", TextVersion: "commit-1"}, nil
		},
	}
	svc := newTestService(fs, &fakeText{})

	_, err := svc.OpenReview(context.Background(), graderSession(), "sub-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "REVIEW_FINALIZED" {
		t.Fatalf("expected REVIEW_FINALIZED, got %v", err)
	}
}

func TestAnnotationLifecycle(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	payload, err := svc.AddAnnotation(reviewID, 4, 9, "Vague word choice.", session)
	if err != nil {
		t.Fatalf("AddAnnotation failed: %v", err)
	}
	ann, ok := payload["annotation"].(annotate.Annotation)
	if !ok {
		t.Fatalf("annotation missing from payload: %v", payload)
	}
	if ann.Author != "Prof. Lee" || ann.Provenance != annotate.ProvenanceHuman {
		t.Errorf("unexpected annotation: %+v", ann)
	}

	if _, err := svc.UpdateAnnotation(reviewID, ann.ID, "Pick a stronger word."); err != nil {
		t.Fatalf("UpdateAnnotation failed: %v", err)
	}

	if _, err := svc.RemoveAnnotation(reviewID, ann.ID); err != nil {
		t.Fatalf("RemoveAnnotation failed: %v", err)
	}
	if _, err := svc.RemoveAnnotation(reviewID, ann.ID); !errors.Is(err, annotate.ErrNotFound) {
		t.Errorf("second remove should report not found, got %v", err)
	}
}

func TestResolveAnnotationByContent(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	payload, err := svc.AddAnnotation(reviewID, 4, 9, "Vague word choice.", session)
	if err != nil {
		t.Fatalf("AddAnnotation failed: %v", err)
	}
	added := payload["annotation"].(annotate.Annotation)

	resolved, err := svc.ResolveAnnotation(reviewID, 4, 9, "Vague word choice.")
	if err != nil {
		t.Fatalf("ResolveAnnotation failed: %v", err)
	}
	if got := resolved["annotation"].(annotate.Annotation); got.ID != added.ID {
		t.Errorf("resolved wrong annotation: got %s, want %s", got.ID, added.ID)
	}

	if _, err := svc.ResolveAnnotation(reviewID, 4, 9, "never written"); !errors.Is(err, annotate.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unmatched content, got %v", err)
	}
}

func TestAddAnnotationRejectsInvalidRange(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	if _, err := svc.AddAnnotation(reviewID, 10, 5, "backwards", session); !errors.Is(err, annotate.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := svc.AddAnnotation(reviewID, 0, 10000, "past end", session); !errors.Is(err, annotate.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestMapReviewSelection(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	// Text is "The quick brown fox jumps over the lazy dog."
	payload, err := svc.MapReviewSelection(reviewID, annotate.Point{Fragment: 0, Offset: 4}, "quick")
	if err != nil {
		t.Fatalf("MapReviewSelection failed: %v", err)
	}
	if payload["start"] != 4 || payload["end"] != 9 {
		t.Errorf("unexpected mapping: %v", payload)
	}

	if _, err := svc.MapReviewSelection(reviewID, annotate.Point{Fragment: 0, Offset: 0}, "zebra"); err == nil {
		t.Error("mismatched selection should not map")
	}
}

func TestSaveReviewAssignsDurableIDs(t *testing.T) {
	var replaced []store.SavedAnnotation
	fs := &fakeStore{
		replaceAnnotationsFn: func(_ context.Context, reviewID string, rows []store.SavedAnnotation) ([]store.SavedAnnotation, error) {
			saved := make([]store.SavedAnnotation, len(rows))
			for i, row := range rows {
				row.ID = int64(100 + i)
				row.ReviewID = reviewID
				saved[i] = row
			}
			replaced = saved
			return saved, nil
		},
	}
	svc := newTestService(fs, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	if _, err := svc.AddAnnotation(reviewID, 4, 9, "Vague.", session); err != nil {
		t.Fatalf("AddAnnotation failed: %v", err)
	}
	if _, err := svc.AddAnnotation(reviewID, 16, 19, "Good detail.", session); err != nil {
		t.Fatalf("AddAnnotation failed: %v", err)
	}

	payload, err := svc.SaveReview(context.Background(), reviewID)
	if err != nil {
		t.Fatalf("SaveReview failed: %v", err)
	}
	if len(replaced) != 2 {
		t.Fatalf("expected 2 persisted annotations, got %d", len(replaced))
	}
	annotations, ok := payload["annotations"].([]annotate.Annotation)
	if !ok || len(annotations) != 2 {
		t.Fatalf("unexpected annotations payload: %v", payload["annotations"])
	}
	if annotations[0].DurableID != "100" || annotations[1].DurableID != "101" {
		t.Errorf("durable ids not fed back: %q, %q", annotations[0].DurableID, annotations[1].DurableID)
	}
}

func TestAnalyzeAppliesCandidates(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	svc.SetSuggest(&fakeSuggester{
		analyzeFn: func(_ context.Context, text string) ([]suggest.Candidate, error) {
			return []suggest.Candidate{
				{Start: 4, End: 9, Text: "Weak adjective."},
				{Start: 50, End: 60, Text: "Out of range."},
			}, nil
		},
	})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	payload, err := svc.AnalyzeReview(context.Background(), reviewID)
	if err != nil {
		t.Fatalf("AnalyzeReview failed: %v", err)
	}
	if payload["applied"] != 1 {
		t.Errorf("applied = %v, want 1 (invalid candidate skipped)", payload["applied"])
	}
	annotations := payload["annotations"].([]annotate.Annotation)
	if len(annotations) != 1 || annotations[0].Provenance != annotate.ProvenanceAI {
		t.Errorf("expected one AI annotation, got %+v", annotations)
	}
}

func TestAnalyzeDiscardsStaleBatch(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	// The resubmission lands while the analysis is in flight.
	svc.SetSuggest(&fakeSuggester{
		analyzeFn: func(ctx context.Context, text string) ([]suggest.Candidate, error) {
			svc.resetOpenReview(ctx, "sub-1", "Entirely new draft text.", "commit-2")
			return []suggest.Candidate{{Start: 0, End: 3, Text: "On the old text."}}, nil
		},
	})

	payload, err := svc.AnalyzeReview(context.Background(), reviewID)
	if err != nil {
		t.Fatalf("AnalyzeReview failed: %v", err)
	}
	if payload["discarded"] != true || payload["applied"] != 0 {
		t.Errorf("stale batch should be discarded, got %v", payload)
	}
	annotations := payload["annotations"].([]annotate.Annotation)
	if len(annotations) != 0 {
		t.Errorf("no annotations should survive the reset, got %+v", annotations)
	}
}

func TestFinalizeReviewValidatesScore(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	_, err := svc.FinalizeReview(context.Background(), reviewID, 150, "too generous")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFinalizeReviewClosesSession(t *testing.T) {
	var finalScore float64
	var submissionStatus string
	fs := &fakeStore{
		finalizeReviewFn: func(_ context.Context, _ string, score float64, _ string) error {
			finalScore = score
			return nil
		},
		updateSubmissionStatusFn: func(_ context.Context, _, status string) error {
			submissionStatus = status
			return nil
		},
	}
	svc := newTestService(fs, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	payload, err := svc.FinalizeReview(context.Background(), reviewID, 87.5, "Strong argument.")
	if err != nil {
		t.Fatalf("FinalizeReview failed: %v", err)
	}
	if finalScore != 87.5 || submissionStatus != "graded" {
		t.Errorf("finalize side effects wrong: score=%v status=%q", finalScore, submissionStatus)
	}
	if payload["status"] != "finalized" {
		t.Errorf("unexpected payload: %v", payload)
	}

	if _, err := svc.AddAnnotation(reviewID, 0, 3, "late", session); err == nil {
		t.Error("annotating a finalized review should fail")
	}
}

func TestStudentSeesOnlyFinalizedReview(t *testing.T) {
	review := store.Review{ID: "rev-1", SubmissionID: "sub-1", GraderName: "Prof. Lee", Status: "saved", TextVersion: "commit-1"}
	fs := &fakeStore{
		getReviewFn: func(context.Context, string) (store.Review, error) { return review, nil },
		getSubmissionFn: func(_ context.Context, submissionID string) (store.Submission, error) {
			return store.Submission{ID: submissionID, StudentID: "usr-student", Status: "under_review"}, nil
		},
	}
	svc := newTestService(fs, &fakeText{})
	student := Session{UserID: "usr-student", UserName: "Jordan P.", Role: "student"}

	_, err := svc.ReviewPayload(context.Background(), student, "rev-1", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected forbidden before finalize, got %v", err)
	}

	score := 87.5
	review.Status = "finalized"
	review.Score = &score
	payload, err := svc.ReviewPayload(context.Background(), student, "rev-1", "")
	if err != nil {
		t.Fatalf("ReviewPayload after finalize failed: %v", err)
	}
	if payload["score"] != 87.5 || payload["status"] != "finalized" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestReviewSessionExpires(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	session := graderSession()

	if _, err := svc.OpenReview(context.Background(), session, "sub-1"); err != nil {
		t.Fatalf("OpenReview failed: %v", err)
	}
	reviewID := openedReviewID(t, svc)

	svc.reviewMu.Lock()
	svc.reviewSessions[reviewID].expiresAt = time.Now().Add(-time.Minute)
	svc.reviewMu.Unlock()

	_, err := svc.AddAnnotation(reviewID, 0, 3, "late", session)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "REVIEW_SESSION_EXPIRED" {
		t.Fatalf("expected REVIEW_SESSION_EXPIRED, got %v", err)
	}
}

// openedReviewID returns the id of the single live review session.
func openedReviewID(t *testing.T, svc *Service) string {
	t.Helper()
	svc.reviewMu.Lock()
	defer svc.reviewMu.Unlock()
	if len(svc.reviewSessions) != 1 {
		t.Fatalf("expected exactly one review session, got %d", len(svc.reviewSessions))
	}
	for id := range svc.reviewSessions {
		return id
	}
	return ""
}
