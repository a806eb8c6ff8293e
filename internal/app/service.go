package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"redpen/api/internal/annotate"
	"redpen/api/internal/auth"
	"redpen/api/internal/authpw"
	"redpen/api/internal/config"
	"redpen/api/internal/export"
	"redpen/api/internal/rbac"
	"redpen/api/internal/search"
	"redpen/api/internal/store"
	"redpen/api/internal/suggest"
	"redpen/api/internal/textrepo"
	"redpen/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertCourse(context.Context, store.Course) error
	GetCourse(context.Context, string) (store.Course, error)
	ListCourses(context.Context) ([]store.Course, error)
	ListCoursesForStudent(context.Context, string) ([]store.Course, error)
	EnrollStudent(context.Context, store.Enrollment) error
	IsEnrolled(context.Context, string, string) (bool, error)
	InsertAssignment(context.Context, store.Assignment) error
	GetAssignment(context.Context, string) (store.Assignment, error)
	ListAssignments(context.Context, string) ([]store.Assignment, error)
	UpsertSubmission(context.Context, store.Submission) (string, error)
	SaveSubmissionContent(context.Context, string, string, string) error
	GetSubmission(context.Context, string) (store.Submission, error)
	GetSubmissionForStudent(context.Context, string, string) (store.Submission, error)
	ListSubmissions(context.Context, string) ([]store.Submission, error)
	UpdateSubmissionStatus(context.Context, string, string) error
	UpdateSubmissionAttachment(context.Context, string, string) error
	InsertReview(context.Context, store.Review) error
	GetReview(context.Context, string) (store.Review, error)
	GetReviewBySubmission(context.Context, string) (*store.Review, error)
	UpdateReviewStatus(context.Context, string, string) error
	UpdateReviewVersion(context.Context, string, string) error
	FinalizeReview(context.Context, string, float64, string) error
	ReplaceAnnotations(context.Context, string, []store.SavedAnnotation) ([]store.SavedAnnotation, error)
	ListAnnotations(context.Context, string) ([]store.SavedAnnotation, error)
	SummaryCounts(context.Context) (int, int, int, error)
}

// textService is the submission version store (git-backed).
type textService interface {
	Commit(submissionID, text, author, message string) (store.VersionInfo, error)
	HeadText(submissionID string) (string, store.VersionInfo, error)
	TextByVersion(submissionID, hash string) (string, error)
	History(submissionID string, limit int) ([]store.VersionInfo, error)
}

// refreshStore holds refresh sessions; PostgresStore and session.RedisStore
// both satisfy it.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// suggester is the AI-suggestion collaborator.
type suggester interface {
	Suggest(ctx context.Context, selectedText string) (string, error)
	Analyze(ctx context.Context, text string) ([]suggest.Candidate, error)
}

// blobStore stores submission attachments and exported reports.
type blobStore interface {
	EnsureBucket(ctx context.Context) error
	PutAttachment(ctx context.Context, submissionID, filename string, reader io.Reader, size int64, contentType string) (string, error)
	PutReport(ctx context.Context, reviewID, filename string, data []byte, contentType string) (string, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// mailer sends grading notifications.
type mailer interface {
	IsConfigured() bool
	SendGradePostedEmail(to, studentName, assignmentTitle, score, reviewURL string) error
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

// reviewSession is one grader's live annotation workspace for a submission.
// The engine holds the canonical text and the working annotation set; nothing
// in it is durable until SaveReview. The engine is not safe for concurrent
// use, so every access goes through mu.
type reviewSession struct {
	reviewID     string
	submissionID string
	graderID     string
	graderName   string
	textVersion  string // content repo commit hash the engine text came from
	mu           sync.Mutex
	engine       *annotate.Store
	expiresAt    time.Time
}

type Service struct {
	cfg      config.Config
	store    dataStore
	text     textService
	search   *search.Service
	sessions refreshStore

	suggest  suggester
	blob     blobStore
	email    mailer
	authpw   *authpw.Service
	exporter *export.Service

	reviewTTL      time.Duration
	reviewMu       sync.Mutex
	reviewSessions map[string]*reviewSession
}

func New(cfg config.Config, dataStore *store.PostgresStore, textService *textrepo.Service, searchService *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, textService, searchService)
}

// NewWithSessionStore keeps refresh sessions in an external store (Redis)
// instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, textService *textrepo.Service, searchService *search.Service) *Service {
	return newService(cfg, dataStore, sessions, textService, searchService)
}

func newService(cfg config.Config, data dataStore, sessions refreshStore, text textService, searchService *search.Service) *Service {
	s := &Service{
		cfg:            cfg,
		store:          data,
		text:           text,
		search:         searchService,
		sessions:       sessions,
		reviewTTL:      2 * time.Hour,
		reviewSessions: make(map[string]*reviewSession),
	}
	s.exporter = export.NewService(&exportStore{store: data, text: text})
	return s
}

func (s *Service) SetAuthPassword(svc *authpw.Service) { s.authpw = svc }
func (s *Service) SetSuggest(client suggester)         { s.suggest = client }
func (s *Service) SetBlob(b blobStore)                 { s.blob = b }
func (s *Service) SetEmail(m mailer)                   { s.email = m }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) BlobConfigured() bool { return s.blob != nil }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Bootstrap performs best-effort startup work: making sure the attachment
// bucket exists and backfilling the search indexes from Postgres.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.blob != nil {
		if err := s.blob.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The Redis backend only stores the owning user ID, so always reload
	// the user record for current name and role.
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// NotifyVerification emails a signup verification link, fire and forget.
func (s *Service) NotifyVerification(to, name, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	url := strings.TrimRight(s.cfg.CORSOrigin, "/") + "/verify-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, name, url); err != nil {
			log.Printf("app: send verification email: %v", err)
		}
	}()
}

// NotifyPasswordReset emails a password reset link, fire and forget.
func (s *Service) NotifyPasswordReset(to, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	url := strings.TrimRight(s.cfg.CORSOrigin, "/") + "/reset-password?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, to, url); err != nil {
			log.Printf("app: send reset email: %v", err)
		}
	}()
}

// ---- courses and assignments ----

func (s *Service) CreateCourse(ctx context.Context, name, code, description string, session Session) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("course name is required", nil)
	}
	course := store.Course{
		ID:          util.NewID("crs"),
		Name:        name,
		Code:        strings.TrimSpace(code),
		Description: strings.TrimSpace(description),
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertCourse(ctx, course); err != nil {
		return nil, err
	}
	return coursePayload(course), nil
}

func (s *Service) ListCourses(ctx context.Context, session Session) ([]map[string]any, error) {
	var (
		courses []store.Course
		err     error
	)
	if rbac.Normalize(session.Role) == rbac.RoleStudent {
		courses, err = s.store.ListCoursesForStudent(ctx, session.UserID)
	} else {
		courses, err = s.store.ListCourses(ctx)
	}
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(courses))
	for _, course := range courses {
		items = append(items, coursePayload(course))
	}
	return items, nil
}

func (s *Service) GetCourse(ctx context.Context, courseID string, session Session) (map[string]any, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent {
		enrolled, err := s.store.IsEnrolled(ctx, courseID, session.UserID)
		if err != nil {
			return nil, err
		}
		if !enrolled {
			return nil, forbidden("not enrolled in this course")
		}
	}
	return coursePayload(course), nil
}

func (s *Service) EnrollStudent(ctx context.Context, courseID, studentEmail string) (map[string]any, error) {
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(studentEmail))
	if err != nil {
		return nil, notFound("no account for that email")
	}
	enrollment := store.Enrollment{
		ID:       util.NewID("enr"),
		CourseID: courseID,
		UserID:   user.ID,
	}
	if err := s.store.EnrollStudent(ctx, enrollment); err != nil {
		return nil, err
	}
	return map[string]any{
		"courseId":    courseID,
		"studentId":   user.ID,
		"studentName": user.DisplayName,
	}, nil
}

func (s *Service) CreateAssignment(ctx context.Context, courseID, title, instructions string, dueAt *time.Time, session Session) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("assignment title is required", nil)
	}
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	assignment := store.Assignment{
		ID:           util.NewID("asg"),
		CourseID:     courseID,
		Title:        title,
		Instructions: instructions,
		DueAt:        dueAt,
		CreatedBy:    session.UserID,
	}
	if err := s.store.InsertAssignment(ctx, assignment); err != nil {
		return nil, err
	}
	return assignmentPayload(assignment), nil
}

func (s *Service) ListAssignments(ctx context.Context, courseID string, session Session) ([]map[string]any, error) {
	if rbac.Normalize(session.Role) == rbac.RoleStudent {
		enrolled, err := s.store.IsEnrolled(ctx, courseID, session.UserID)
		if err != nil {
			return nil, err
		}
		if !enrolled {
			return nil, forbidden("not enrolled in this course")
		}
	}
	assignments, err := s.store.ListAssignments(ctx, courseID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(assignments))
	for _, assignment := range assignments {
		items = append(items, assignmentPayload(assignment))
	}
	return items, nil
}

func (s *Service) GetAssignment(ctx context.Context, assignmentID string, session Session) (map[string]any, error) {
	assignment, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent {
		enrolled, err := s.store.IsEnrolled(ctx, assignment.CourseID, session.UserID)
		if err != nil {
			return nil, err
		}
		if !enrolled {
			return nil, forbidden("not enrolled in this course")
		}
	}
	return assignmentPayload(assignment), nil
}

// ---- submissions ----

// SubmitText records a submission (or resubmission) of assignment text by the
// session user. The text is committed to the submission's content repo and the
// commit hash becomes the new text version.
func (s *Service) SubmitText(ctx context.Context, session Session, assignmentID, title, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationError("submission text is required", nil)
	}
	assignment, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	enrolled, err := s.store.IsEnrolled(ctx, assignment.CourseID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, forbidden("not enrolled in this course")
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = assignment.Title
	}

	message := "Initial submission"
	if existing, err := s.store.GetSubmissionForStudent(ctx, assignmentID, session.UserID); err == nil && existing.ID != "" {
		message = "Resubmission"
	}

	submissionID, err := s.store.UpsertSubmission(ctx, store.Submission{
		ID:           util.NewID("sub"),
		AssignmentID: assignmentID,
		StudentID:    session.UserID,
		Title:        title,
		Status:       "submitted",
	})
	if err != nil {
		return nil, err
	}

	commit, err := s.text.Commit(submissionID, text, session.UserName, message)
	if err != nil {
		return nil, fmt.Errorf("commit submission text: %w", err)
	}
	if err := s.store.SaveSubmissionContent(ctx, submissionID, text, commit.Hash); err != nil {
		return nil, err
	}

	// An open review now points at superseded text. Its engine resets so any
	// in-flight AI analysis result gets discarded on arrival.
	s.resetOpenReview(ctx, submissionID, text, commit.Hash)

	if s.search != nil {
		s.search.IndexSubmission(search.SubmissionRecord{
			ID:           submissionID,
			Title:        title,
			Content:      text,
			AssignmentID: assignmentID,
			CourseID:     assignment.CourseID,
			StudentName:  session.UserName,
			Status:       "submitted",
		})
	}

	return map[string]any{
		"id":          submissionID,
		"title":       title,
		"textVersion": commit.Hash,
		"status":      "submitted",
		"message":     message,
	}, nil
}

func (s *Service) ListSubmissions(ctx context.Context, assignmentID string) ([]map[string]any, error) {
	submissions, err := s.store.ListSubmissions(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(submissions))
	for _, sub := range submissions {
		items = append(items, submissionPayload(sub))
	}
	return items, nil
}

func (s *Service) GetSubmission(ctx context.Context, submissionID string, session Session) (map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent && sub.StudentID != session.UserID {
		return nil, forbidden("not your submission")
	}
	text, head, err := s.text.HeadText(submissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission text: %w", err)
	}
	payload := submissionPayload(sub)
	payload["text"] = text
	payload["textVersion"] = head.Hash
	return payload, nil
}

func (s *Service) SubmissionHistory(ctx context.Context, submissionID string, limit int, session Session) ([]map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent && sub.StudentID != session.UserID {
		return nil, forbidden("not your submission")
	}
	if limit <= 0 {
		limit = 20
	}
	versions, err := s.text.History(submissionID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"hash":      v.Hash,
			"message":   strings.TrimSpace(v.Message),
			"author":    v.Author,
			"createdAt": v.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) AttachFile(ctx context.Context, session Session, submissionID, filename string, reader io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.blob == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage not configured", nil)
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent && sub.StudentID != session.UserID {
		return nil, forbidden("not your submission")
	}
	key, err := s.blob.PutAttachment(ctx, submissionID, filename, reader, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}
	if err := s.store.UpdateSubmissionAttachment(ctx, submissionID, key); err != nil {
		return nil, err
	}
	return map[string]any{"attachmentKey": key}, nil
}

func (s *Service) AttachmentURL(ctx context.Context, session Session, submissionID string) (map[string]any, error) {
	if s.blob == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage not configured", nil)
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent && sub.StudentID != session.UserID {
		return nil, forbidden("not your submission")
	}
	if sub.AttachmentKey == "" {
		return nil, notFound("submission has no attachment")
	}
	url, err := s.blob.PresignedGetURL(ctx, sub.AttachmentKey, 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("presign attachment: %w", err)
	}
	return map[string]any{"url": url}, nil
}

// ---- review sessions ----

// OpenReview starts (or resumes) grading a submission. It loads the head text
// into a fresh annotation engine, replays any previously saved annotations
// that still match the text version, and parks the engine in memory keyed by
// review id.
func (s *Service) OpenReview(ctx context.Context, session Session, submissionID string) (map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	review, err := s.store.GetReviewBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	text, head, err := s.text.HeadText(submissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission text: %w", err)
	}

	if review == nil {
		review = &store.Review{
			ID:           util.NewID("rev"),
			SubmissionID: submissionID,
			GraderID:     session.UserID,
			GraderName:   session.UserName,
			Status:       "open",
			TextVersion:  head.Hash,
		}
		if err := s.store.InsertReview(ctx, *review); err != nil {
			return nil, err
		}
	}
	if review.Status == "finalized" {
		return nil, conflict("REVIEW_FINALIZED", "Review is already finalized")
	}

	engine := annotate.NewStore(annotate.NewText(text))

	droppedStale := false
	if review.TextVersion == head.Hash {
		saved, err := s.store.ListAnnotations(ctx, review.ID)
		if err != nil {
			return nil, err
		}
		if len(saved) > 0 {
			if err := engine.ReplaceAll(savedToEngine(saved)); err != nil {
				return nil, fmt.Errorf("restore annotations: %w", err)
			}
		}
	} else {
		// Student resubmitted since the last save; offsets no longer apply.
		droppedStale = true
		if err := s.store.UpdateReviewVersion(ctx, review.ID, head.Hash); err != nil {
			return nil, err
		}
		review.TextVersion = head.Hash
	}

	rs := &reviewSession{
		reviewID:     review.ID,
		submissionID: submissionID,
		graderID:     session.UserID,
		graderName:   session.UserName,
		textVersion:  head.Hash,
		engine:       engine,
		expiresAt:    time.Now().Add(s.reviewTTL),
	}
	s.reviewMu.Lock()
	s.reviewSessions[review.ID] = rs
	s.reviewMu.Unlock()

	if sub.Status == "submitted" {
		if err := s.store.UpdateSubmissionStatus(ctx, submissionID, "under_review"); err != nil {
			return nil, err
		}
	}

	rs.mu.Lock()
	payload := s.renderPayload(rs, "")
	rs.mu.Unlock()
	payload["reviewId"] = review.ID
	payload["submissionId"] = submissionID
	payload["status"] = review.Status
	payload["grader"] = review.GraderName
	if droppedStale {
		payload["staleAnnotationsDropped"] = true
	}
	return payload, nil
}

// resetOpenReview swaps the engine text under any live review session for the
// submission. Annotations are cleared; the old ones were anchored to offsets
// in text that no longer exists.
func (s *Service) resetOpenReview(ctx context.Context, submissionID, text, textVersion string) {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	for _, rs := range s.reviewSessions {
		if rs.submissionID != submissionID {
			continue
		}
		rs.mu.Lock()
		rs.engine.Reset(annotate.NewText(text))
		rs.textVersion = textVersion
		rs.mu.Unlock()
		if err := s.store.UpdateReviewVersion(ctx, rs.reviewID, textVersion); err != nil {
			log.Printf("app: update review version after resubmission: %v", err)
		}
	}
}

func (s *Service) reviewSession(reviewID string) (*reviewSession, error) {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	rs, ok := s.reviewSessions[reviewID]
	if !ok {
		return nil, domainError(http.StatusConflict, "REVIEW_NOT_OPEN", "Review session not open; open the review first", nil)
	}
	if time.Now().After(rs.expiresAt) {
		delete(s.reviewSessions, reviewID)
		return nil, domainError(http.StatusConflict, "REVIEW_SESSION_EXPIRED", "Review session expired; open the review again", nil)
	}
	rs.expiresAt = time.Now().Add(s.reviewTTL)
	return rs, nil
}

func (s *Service) closeReviewSession(reviewID string) {
	s.reviewMu.Lock()
	delete(s.reviewSessions, reviewID)
	s.reviewMu.Unlock()
}

// ReviewPayload returns the current state of a review. Graders with a live
// session see unsaved work; everyone else gets the persisted state, students
// only after the review is finalized.
func (s *Service) ReviewPayload(ctx context.Context, session Session, reviewID, activeID string) (map[string]any, error) {
	s.reviewMu.Lock()
	rs, live := s.reviewSessions[reviewID]
	s.reviewMu.Unlock()
	if live && rs.graderID == session.UserID {
		rs.mu.Lock()
		payload := s.renderPayload(rs, activeID)
		rs.mu.Unlock()
		payload["reviewId"] = reviewID
		payload["submissionId"] = rs.submissionID
		return payload, nil
	}
	return s.persistedReviewPayload(ctx, session, reviewID, activeID)
}

func (s *Service) persistedReviewPayload(ctx context.Context, session Session, reviewID, activeID string) (map[string]any, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubmission(ctx, review.SubmissionID)
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleStudent {
		if sub.StudentID != session.UserID {
			return nil, forbidden("not your submission")
		}
		if review.Status != "finalized" {
			return nil, forbidden("review is not finalized yet")
		}
	}

	text, err := s.text.TextByVersion(review.SubmissionID, review.TextVersion)
	if err != nil {
		return nil, fmt.Errorf("load reviewed text: %w", err)
	}
	saved, err := s.store.ListAnnotations(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	canonical := annotate.NewText(text)
	annotations := savedToEngine(saved)
	segments := annotate.Render(canonical, annotations, activeID)

	payload := map[string]any{
		"reviewId":     review.ID,
		"submissionId": review.SubmissionID,
		"status":       review.Status,
		"grader":       review.GraderName,
		"feedback":     review.Feedback,
		"text":         text,
		"textVersion":  review.TextVersion,
		"segments":     segments,
		"paragraphs":   annotate.Paragraphs(segments),
		"annotations":  annotations,
	}
	if review.Score != nil {
		payload["score"] = *review.Score
	}
	return payload, nil
}

func (s *Service) renderPayload(rs *reviewSession, activeID string) map[string]any {
	annotations := rs.engine.All()
	segments := annotate.Render(rs.engine.Text(), annotations, activeID)
	return map[string]any{
		"text":        rs.engine.Text().String(),
		"textVersion": rs.textVersion,
		"segments":    segments,
		"paragraphs":  annotate.Paragraphs(segments),
		"annotations": annotations,
	}
}

// ---- annotation operations ----

// MapReviewSelection converts a browser selection (fragment index + offset
// within it, plus the selected string) into canonical text offsets.
func (s *Service) MapReviewSelection(reviewID string, anchor annotate.Point, selected string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	segments := annotate.Render(rs.engine.Text(), rs.engine.All(), "")
	rs.mu.Unlock()
	mapped, ok := annotate.MapSelection(annotate.FragmentValues(segments), anchor, selected)
	if !ok {
		return nil, validationError("selection could not be mapped to the text", nil)
	}
	return map[string]any{
		"start": mapped.Start,
		"end":   mapped.End,
	}, nil
}

func (s *Service) AddAnnotation(reviewID string, start, end int, body string, session Session) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ann, err := rs.engine.Add(start, end, body, session.UserName, annotate.ProvenanceHuman)
	if err != nil {
		return nil, err
	}
	payload := s.renderPayload(rs, ann.ID)
	payload["annotation"] = ann
	return payload, nil
}

func (s *Service) UpdateAnnotation(reviewID, annotationID, body string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ann, err := rs.engine.Update(annotationID, body)
	if err != nil {
		return nil, err
	}
	payload := s.renderPayload(rs, ann.ID)
	payload["annotation"] = ann
	return payload, nil
}

// ResolveAnnotation finds an annotation by its content triple. Saving a
// review replaces the annotation set, so clients holding a pointer across
// a save re-resolve it here instead of trusting a remembered id.
func (s *Service) ResolveAnnotation(reviewID string, start, end int, body string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ann, ok := rs.engine.Resolve(start, end, body)
	if !ok {
		return nil, annotate.ErrNotFound
	}
	payload := s.renderPayload(rs, ann.ID)
	payload["annotation"] = ann
	return payload, nil
}

func (s *Service) RemoveAnnotation(reviewID, annotationID string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.engine.Remove(annotationID) {
		return nil, annotate.ErrNotFound
	}
	return s.renderPayload(rs, ""), nil
}

// ---- AI-assisted review ----

// SuggestForSelection asks the collaborator for feedback on a selected span.
// The suggestion is returned to the grader, not yet an annotation; accepting
// it goes through AcceptSuggestion.
func (s *Service) SuggestForSelection(ctx context.Context, reviewID string, start, end int) (map[string]any, error) {
	if s.suggest == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SUGGEST_UNAVAILABLE", "AI suggestions not configured", nil)
	}
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	text := rs.engine.Text()
	if start < 0 || end > text.Len() || start >= end {
		rs.mu.Unlock()
		return nil, annotate.ErrInvalidRange
	}
	selected := text.Slice(start, end)
	rs.mu.Unlock()
	suggestion, err := s.suggest.Suggest(ctx, selected)
	if err != nil {
		return nil, fmt.Errorf("suggestion service: %w", err)
	}
	return map[string]any{
		"start":      start,
		"end":        end,
		"selected":   selected,
		"suggestion": suggestion,
	}, nil
}

// AcceptSuggestion records a collaborator suggestion the grader approved as an
// annotation with AI provenance.
func (s *Service) AcceptSuggestion(reviewID string, start, end int, body string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ann, err := rs.engine.Add(start, end, body, rs.graderName, annotate.ProvenanceAI)
	if err != nil {
		return nil, err
	}
	payload := s.renderPayload(rs, ann.ID)
	payload["annotation"] = ann
	return payload, nil
}

// AnalyzeReview sends the whole submission text to the collaborator and
// applies the returned span candidates as AI-provenance annotations. If the
// text changed while the analysis was in flight the batch is discarded
// without error; the grader just sees zero applied.
func (s *Service) AnalyzeReview(ctx context.Context, reviewID string) (map[string]any, error) {
	if s.suggest == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SUGGEST_UNAVAILABLE", "AI suggestions not configured", nil)
	}
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	capturedVersion := rs.engine.Text().Version()
	text := rs.engine.Text().String()
	rs.mu.Unlock()

	candidates, err := s.suggest.Analyze(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("analysis service: %w", err)
	}

	engineCandidates := make([]annotate.Candidate, 0, len(candidates))
	for _, c := range candidates {
		engineCandidates = append(engineCandidates, annotate.Candidate{
			Start: c.Start,
			End:   c.End,
			Body:  c.Text,
		})
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	added, err := rs.engine.ApplySuggestions(capturedVersion, engineCandidates, "Redpen Assistant")
	if errors.Is(err, annotate.ErrStaleText) {
		payload := s.renderPayload(rs, "")
		payload["applied"] = 0
		payload["discarded"] = true
		return payload, nil
	}
	if err != nil {
		return nil, err
	}

	payload := s.renderPayload(rs, "")
	payload["applied"] = len(added)
	payload["added"] = added
	return payload, nil
}

// ---- save, grade, export ----

// SaveReview persists the engine's annotation set. The database assigns
// durable ids, which are fed back into the engine so later renders can mark
// saved annotations active by either id.
func (s *Service) SaveReview(ctx context.Context, reviewID string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	if err := s.persistAnnotations(ctx, rs); err != nil {
		return nil, err
	}
	if err := s.store.UpdateReviewStatus(ctx, reviewID, "saved"); err != nil {
		return nil, err
	}
	if err := s.store.UpdateReviewVersion(ctx, reviewID, rs.textVersion); err != nil {
		return nil, err
	}

	rs.mu.Lock()
	payload := s.renderPayload(rs, "")
	rs.mu.Unlock()
	payload["reviewId"] = reviewID
	payload["status"] = "saved"
	return payload, nil
}

func (s *Service) persistAnnotations(ctx context.Context, rs *reviewSession) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	items := rs.engine.All()
	rows := make([]store.SavedAnnotation, 0, len(items))
	for _, ann := range items {
		rows = append(rows, store.SavedAnnotation{
			Start:      ann.Start,
			End:        ann.End,
			Body:       ann.Body,
			Author:     ann.Author,
			Provenance: string(ann.Provenance),
			Color:      ann.Color,
			CreatedAt:  ann.CreatedAt,
		})
	}
	saved, err := s.store.ReplaceAnnotations(ctx, rs.reviewID, rows)
	if err != nil {
		return err
	}

	// ReplaceAnnotations inserts in the order given, so rows pair up with the
	// engine set positionally.
	for i := range items {
		if i < len(saved) {
			items[i].DurableID = strconv.FormatInt(saved[i].ID, 10)
		}
	}
	if err := rs.engine.ReplaceAll(items); err != nil {
		return fmt.Errorf("reload saved annotations: %w", err)
	}

	s.indexAnnotations(ctx, rs, saved)
	return nil
}

func (s *Service) indexAnnotations(ctx context.Context, rs *reviewSession, saved []store.SavedAnnotation) {
	if s.search == nil || len(saved) == 0 {
		return
	}
	sub, err := s.store.GetSubmission(ctx, rs.submissionID)
	if err != nil {
		log.Printf("app: load submission for indexing: %v", err)
		return
	}
	assignment, err := s.store.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		log.Printf("app: load assignment for indexing: %v", err)
		return
	}
	records := make([]search.AnnotationRecord, 0, len(saved))
	for _, ann := range saved {
		records = append(records, search.AnnotationRecord{
			ID:           strconv.FormatInt(ann.ID, 10),
			Body:         ann.Body,
			Author:       ann.Author,
			Provenance:   ann.Provenance,
			SubmissionID: rs.submissionID,
			AssignmentID: sub.AssignmentID,
			CourseID:     assignment.CourseID,
		})
	}
	s.search.IndexAnnotations(records)
}

// FinalizeReview saves outstanding annotations, records the score and
// feedback, marks the submission graded, and notifies the student.
func (s *Service) FinalizeReview(ctx context.Context, reviewID string, score float64, feedback string) (map[string]any, error) {
	rs, err := s.reviewSession(reviewID)
	if err != nil {
		return nil, err
	}
	if score < 0 || score > 100 {
		return nil, validationError("score must be between 0 and 100", nil)
	}
	if err := s.persistAnnotations(ctx, rs); err != nil {
		return nil, err
	}
	if err := s.store.UpdateReviewVersion(ctx, reviewID, rs.textVersion); err != nil {
		return nil, err
	}
	if err := s.store.FinalizeReview(ctx, reviewID, score, feedback); err != nil {
		return nil, conflict("FINALIZE_FAILED", err.Error())
	}
	if err := s.store.UpdateSubmissionStatus(ctx, rs.submissionID, "graded"); err != nil {
		return nil, err
	}

	s.notifyGradePosted(ctx, rs.submissionID, reviewID, score)
	s.closeReviewSession(reviewID)

	return map[string]any{
		"reviewId": reviewID,
		"status":   "finalized",
		"score":    score,
		"feedback": feedback,
	}, nil
}

func (s *Service) notifyGradePosted(ctx context.Context, submissionID, reviewID string, score float64) {
	if !s.SMTPConfigured() {
		return
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		log.Printf("app: load submission for grade email: %v", err)
		return
	}
	student, err := s.store.GetUserByID(ctx, sub.StudentID)
	if err != nil {
		log.Printf("app: load student for grade email: %v", err)
		return
	}
	assignment, err := s.store.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		log.Printf("app: load assignment for grade email: %v", err)
		return
	}
	reviewURL := strings.TrimRight(s.cfg.CORSOrigin, "/") + "/reviews/" + reviewID
	go func() {
		if err := s.email.SendGradePostedEmail(student.Email, student.DisplayName, assignment.Title, export.FormatScore(score), reviewURL); err != nil {
			log.Printf("app: send grade email: %v", err)
		}
	}()
}

// ExportReview renders a review report. When object storage is configured the
// report is also archived there.
func (s *Service) ExportReview(ctx context.Context, reviewID string, format export.Format, includeAnnotations bool) (*export.Result, error) {
	result, err := s.exporter.Export(ctx, export.Request{
		ReviewID:           reviewID,
		Format:             format,
		IncludeAnnotations: includeAnnotations,
	})
	if err != nil {
		return nil, err
	}
	if s.blob != nil {
		if _, err := s.blob.PutReport(ctx, reviewID, result.Filename, result.Data, result.MimeType); err != nil {
			log.Printf("app: archive report: %v", err)
		}
	}
	return result, nil
}

// ---- search and dashboard ----

func (s *Service) Search(ctx context.Context, q, filterType, courseID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:           q,
		FilterType:     search.ResultType(filterType),
		FilterCourseID: courseID,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	courses, submissions, pending, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"courses":        courses,
		"submissions":    submissions,
		"pendingReviews": pending,
	}, nil
}

// ---- payload helpers ----

func coursePayload(course store.Course) map[string]any {
	return map[string]any{
		"id":          course.ID,
		"name":        course.Name,
		"code":        course.Code,
		"description": course.Description,
		"createdBy":   course.CreatedBy,
	}
}

func assignmentPayload(assignment store.Assignment) map[string]any {
	payload := map[string]any{
		"id":           assignment.ID,
		"courseId":     assignment.CourseID,
		"title":        assignment.Title,
		"instructions": assignment.Instructions,
	}
	if assignment.DueAt != nil {
		payload["dueAt"] = assignment.DueAt
	}
	return payload
}

func submissionPayload(sub store.Submission) map[string]any {
	return map[string]any{
		"id":            sub.ID,
		"assignmentId":  sub.AssignmentID,
		"studentId":     sub.StudentID,
		"studentName":   sub.StudentName,
		"title":         sub.Title,
		"textVersion":   sub.TextVersion,
		"status":        sub.Status,
		"hasAttachment": sub.AttachmentKey != "",
		"submittedAt":   sub.SubmittedAt,
	}
}

func savedToEngine(saved []store.SavedAnnotation) []annotate.Annotation {
	annotations := make([]annotate.Annotation, 0, len(saved))
	for _, row := range saved {
		annotations = append(annotations, annotate.Annotation{
			DurableID:  strconv.FormatInt(row.ID, 10),
			Start:      row.Start,
			End:        row.End,
			Body:       row.Body,
			Author:     row.Author,
			Provenance: annotate.Provenance(row.Provenance),
			Color:      row.Color,
			CreatedAt:  row.CreatedAt,
		})
	}
	return annotations
}

// ---- export adapter ----

// exportStore bridges the export package's narrow view of the data onto the
// main store and the content repo.
type exportStore struct {
	store dataStore
	text  textService
}

func (e *exportStore) GetReview(ctx context.Context, reviewID string) (export.ReviewInfo, error) {
	review, err := e.store.GetReview(ctx, reviewID)
	if err != nil {
		return export.ReviewInfo{}, err
	}
	info := export.ReviewInfo{
		ID:           review.ID,
		SubmissionID: review.SubmissionID,
		GraderName:   review.GraderName,
		Status:       review.Status,
		Feedback:     review.Feedback,
		TextVersion:  review.TextVersion,
		FinalizedAt:  review.UpdatedAt,
	}
	if review.Score != nil {
		info.Score = export.FormatScore(*review.Score)
	}
	return info, nil
}

func (e *exportStore) GetSubmission(ctx context.Context, submissionID string) (export.SubmissionInfo, error) {
	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return export.SubmissionInfo{}, err
	}
	return export.SubmissionInfo{
		ID:           sub.ID,
		AssignmentID: sub.AssignmentID,
		Title:        sub.Title,
		StudentName:  sub.StudentName,
	}, nil
}

func (e *exportStore) GetAssignment(ctx context.Context, assignmentID string) (export.AssignmentInfo, error) {
	assignment, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return export.AssignmentInfo{}, err
	}
	return export.AssignmentInfo{
		ID:       assignment.ID,
		CourseID: assignment.CourseID,
		Title:    assignment.Title,
	}, nil
}

func (e *exportStore) GetCourse(ctx context.Context, courseID string) (export.CourseInfo, error) {
	course, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return export.CourseInfo{}, err
	}
	return export.CourseInfo{ID: course.ID, Name: course.Name}, nil
}

func (e *exportStore) ListAnnotations(ctx context.Context, reviewID string) ([]export.AnnotationInfo, error) {
	saved, err := e.store.ListAnnotations(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	items := make([]export.AnnotationInfo, 0, len(saved))
	for _, row := range saved {
		items = append(items, export.AnnotationInfo{
			ID:         strconv.FormatInt(row.ID, 10),
			Start:      row.Start,
			End:        row.End,
			Body:       row.Body,
			Author:     row.Author,
			Provenance: row.Provenance,
			Color:      row.Color,
			CreatedAt:  row.CreatedAt,
		})
	}
	return items, nil
}

func (e *exportStore) GetSubmissionText(ctx context.Context, submissionID, version string) (string, error) {
	if version == "" {
		text, _, err := e.text.HeadText(submissionID)
		return text, err
	}
	return e.text.TextByVersion(submissionID, version)
}
