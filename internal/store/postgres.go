package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE LOWER(email) = LOWER($1)
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- sessions ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- courses ----

func (s *PostgresStore) InsertCourse(ctx context.Context, course Course) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, name, code, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, course.ID, course.Name, course.Code, course.Description, course.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert course: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, courseID string) (Course, error) {
	var course Course
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, description, created_by, created_at FROM courses WHERE id=$1
	`, courseID).Scan(&course.ID, &course.Name, &course.Code, &course.Description, &course.CreatedBy, &course.CreatedAt)
	if err != nil {
		return Course{}, err
	}
	return course, nil
}

func (s *PostgresStore) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, description, created_by, created_at FROM courses ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		var course Course
		if err := rows.Scan(&course.ID, &course.Name, &course.Code, &course.Description, &course.CreatedBy, &course.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, course)
	}
	return courses, rows.Err()
}

func (s *PostgresStore) ListCoursesForStudent(ctx context.Context, userID string) ([]Course, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.code, c.description, c.created_by, c.created_at
		FROM courses c
		JOIN enrollments e ON e.course_id = c.id
		WHERE e.user_id = $1
		ORDER BY c.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list courses for student: %w", err)
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		var course Course
		if err := rows.Scan(&course.ID, &course.Name, &course.Code, &course.Description, &course.CreatedBy, &course.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, course)
	}
	return courses, rows.Err()
}

func (s *PostgresStore) EnrollStudent(ctx context.Context, enrollment Enrollment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, course_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (course_id, user_id) DO NOTHING
	`, enrollment.ID, enrollment.CourseID, enrollment.UserID)
	if err != nil {
		return fmt.Errorf("enroll student: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsEnrolled(ctx context.Context, courseID, userID string) (bool, error) {
	var enrolled bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM enrollments WHERE course_id=$1 AND user_id=$2)
	`, courseID, userID).Scan(&enrolled)
	if err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return enrolled, nil
}

// ---- assignments ----

func (s *PostgresStore) InsertAssignment(ctx context.Context, assignment Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, course_id, title, instructions, due_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, assignment.ID, assignment.CourseID, assignment.Title, assignment.Instructions, assignment.DueAt, assignment.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	var a Assignment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, title, instructions, due_at, created_by, created_at
		FROM assignments WHERE id=$1
	`, assignmentID).Scan(&a.ID, &a.CourseID, &a.Title, &a.Instructions, &a.DueAt, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, courseID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, title, instructions, due_at, created_by, created_at
		FROM assignments WHERE course_id=$1 ORDER BY created_at
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.CourseID, &a.Title, &a.Instructions, &a.DueAt, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// ---- submissions ----

// UpsertSubmission inserts or refreshes the row for (assignment, student) and
// returns the id actually stored, which on resubmission is the original one.
func (s *PostgresStore) UpsertSubmission(ctx context.Context, sub Submission) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO submissions (id, assignment_id, student_id, title, text_version, attachment_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (assignment_id, student_id) DO UPDATE
		SET title=EXCLUDED.title, text_version=EXCLUDED.text_version,
			attachment_key=CASE WHEN EXCLUDED.attachment_key <> '' THEN EXCLUDED.attachment_key ELSE submissions.attachment_key END,
			status=EXCLUDED.status, updated_at=NOW()
		RETURNING id
	`, sub.ID, sub.AssignmentID, sub.StudentID, sub.Title, sub.TextVersion, sub.AttachmentKey, sub.Status).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert submission: %w", err)
	}
	return id, nil
}

// SaveSubmissionContent keeps the searchable text snapshot and head version in
// sync with the content repo after a (re)submission.
func (s *PostgresStore) SaveSubmissionContent(ctx context.Context, submissionID, content, textVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET content=$2, text_version=$3, updated_at=NOW() WHERE id=$1
	`, submissionID, content, textVersion)
	if err != nil {
		return fmt.Errorf("save submission content: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	const query = `
		SELECT s.id, s.assignment_id, s.student_id, u.display_name, s.title, s.text_version,
			s.attachment_key, s.status, s.submitted_at, s.updated_at
		FROM submissions s
		JOIN users u ON u.id = s.student_id
		WHERE s.id=$1
	`
	var sub Submission
	err := s.db.QueryRowContext(ctx, query, submissionID).Scan(
		&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.StudentName, &sub.Title, &sub.TextVersion,
		&sub.AttachmentKey, &sub.Status, &sub.SubmittedAt, &sub.UpdatedAt)
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *PostgresStore) GetSubmissionForStudent(ctx context.Context, assignmentID, studentID string) (Submission, error) {
	const query = `
		SELECT s.id, s.assignment_id, s.student_id, u.display_name, s.title, s.text_version,
			s.attachment_key, s.status, s.submitted_at, s.updated_at
		FROM submissions s
		JOIN users u ON u.id = s.student_id
		WHERE s.assignment_id=$1 AND s.student_id=$2
	`
	var sub Submission
	err := s.db.QueryRowContext(ctx, query, assignmentID, studentID).Scan(
		&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.StudentName, &sub.Title, &sub.TextVersion,
		&sub.AttachmentKey, &sub.Status, &sub.SubmittedAt, &sub.UpdatedAt)
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, assignmentID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.assignment_id, s.student_id, u.display_name, s.title, s.text_version,
			s.attachment_key, s.status, s.submitted_at, s.updated_at
		FROM submissions s
		JOIN users u ON u.id = s.student_id
		WHERE s.assignment_id=$1
		ORDER BY s.submitted_at
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.StudentName, &sub.Title, &sub.TextVersion,
			&sub.AttachmentKey, &sub.Status, &sub.SubmittedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) UpdateSubmissionAttachment(ctx context.Context, submissionID, attachmentKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET attachment_key=$2, updated_at=NOW() WHERE id=$1`, submissionID, attachmentKey)
	if err != nil {
		return fmt.Errorf("update submission attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubmissionStatus(ctx context.Context, submissionID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET status=$2, updated_at=NOW() WHERE id=$1`, submissionID, status)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	return nil
}

// ---- reviews ----

func (s *PostgresStore) InsertReview(ctx context.Context, review Review) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, submission_id, grader_id, status, text_version)
		VALUES ($1, $2, $3, $4, $5)
	`, review.ID, review.SubmissionID, review.GraderID, review.Status, review.TextVersion)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReview(ctx context.Context, reviewID string) (Review, error) {
	const query = `
		SELECT r.id, r.submission_id, r.grader_id, u.display_name, r.status, r.score, r.feedback,
			r.text_version, r.created_at, r.updated_at
		FROM reviews r
		JOIN users u ON u.id = r.grader_id
		WHERE r.id=$1
	`
	var review Review
	err := s.db.QueryRowContext(ctx, query, reviewID).Scan(
		&review.ID, &review.SubmissionID, &review.GraderID, &review.GraderName, &review.Status,
		&review.Score, &review.Feedback, &review.TextVersion, &review.CreatedAt, &review.UpdatedAt)
	if err != nil {
		return Review{}, err
	}
	return review, nil
}

func (s *PostgresStore) GetReviewBySubmission(ctx context.Context, submissionID string) (*Review, error) {
	const query = `
		SELECT r.id, r.submission_id, r.grader_id, u.display_name, r.status, r.score, r.feedback,
			r.text_version, r.created_at, r.updated_at
		FROM reviews r
		JOIN users u ON u.id = r.grader_id
		WHERE r.submission_id=$1
	`
	var review Review
	err := s.db.QueryRowContext(ctx, query, submissionID).Scan(
		&review.ID, &review.SubmissionID, &review.GraderID, &review.GraderName, &review.Status,
		&review.Score, &review.Feedback, &review.TextVersion, &review.CreatedAt, &review.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &review, nil
}

func (s *PostgresStore) UpdateReviewVersion(ctx context.Context, reviewID, textVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET text_version=$2, updated_at=NOW() WHERE id=$1
	`, reviewID, textVersion)
	if err != nil {
		return fmt.Errorf("update review version: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateReviewStatus(ctx context.Context, reviewID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status=$2, updated_at=NOW() WHERE id=$1 AND status <> 'finalized'
	`, reviewID, status)
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeReview(ctx context.Context, reviewID string, score float64, feedback string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status='finalized', score=$2, feedback=$3, updated_at=NOW()
		WHERE id=$1 AND status <> 'finalized'
	`, reviewID, score, feedback)
	if err != nil {
		return fmt.Errorf("finalize review: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize review rows: %w", err)
	}
	if affected == 0 {
		return errors.New("review missing or already finalized")
	}
	return nil
}

// ---- annotations ----

// ReplaceAnnotations swaps the persisted annotation set for a review in one
// transaction and returns the rows with their database-assigned ids, ordered
// by start offset then creation time. The caller feeds these back into the
// engine via ReplaceAll.
func (s *PostgresStore) ReplaceAnnotations(ctx context.Context, reviewID string, annotations []SavedAnnotation) ([]SavedAnnotation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin annotations tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE review_id=$1`, reviewID); err != nil {
		return nil, fmt.Errorf("clear annotations: %w", err)
	}

	saved := make([]SavedAnnotation, 0, len(annotations))
	for _, ann := range annotations {
		row := ann
		row.ReviewID = reviewID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO annotations (review_id, start_offset, end_offset, body, author, provenance, color, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, reviewID, ann.Start, ann.End, ann.Body, ann.Author, ann.Provenance, ann.Color, ann.CreatedAt).Scan(&row.ID)
		if err != nil {
			return nil, fmt.Errorf("insert annotation: %w", err)
		}
		saved = append(saved, row)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit annotations tx: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, reviewID string) ([]SavedAnnotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, review_id, start_offset, end_offset, body, author, provenance, color, created_at
		FROM annotations WHERE review_id=$1
		ORDER BY start_offset, created_at, id
	`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var annotations []SavedAnnotation
	for rows.Next() {
		var ann SavedAnnotation
		if err := rows.Scan(&ann.ID, &ann.ReviewID, &ann.Start, &ann.End, &ann.Body, &ann.Author,
			&ann.Provenance, &ann.Color, &ann.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, ann)
	}
	return annotations, rows.Err()
}

// ---- dashboard ----

func (s *PostgresStore) SummaryCounts(ctx context.Context) (courses, submissions, pendingReviews int, err error) {
	const query = `
		SELECT
			(SELECT count(*) FROM courses),
			(SELECT count(*) FROM submissions),
			(SELECT count(*) FROM submissions WHERE status <> 'graded')
	`
	if err = s.db.QueryRowContext(ctx, query).Scan(&courses, &submissions, &pendingReviews); err != nil {
		err = fmt.Errorf("summary counts: %w", err)
	}
	return courses, submissions, pendingReviews, err
}
