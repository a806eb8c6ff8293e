package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Course struct {
	ID          string
	Name        string
	Code        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

type Enrollment struct {
	ID        string
	CourseID  string
	UserID    string
	CreatedAt time.Time
}

type Assignment struct {
	ID           string
	CourseID     string
	Title        string
	Instructions string
	DueAt        *time.Time
	CreatedBy    string
	CreatedAt    time.Time
}

// Submission is one student's work for one assignment. The text itself lives
// in the per-submission content repo; TextVersion is the head commit hash.
type Submission struct {
	ID            string
	AssignmentID  string
	StudentID     string
	StudentName   string
	Title         string
	TextVersion   string
	AttachmentKey string
	Status        string // submitted, under_review, graded
	SubmittedAt   time.Time
	UpdatedAt     time.Time
}

type Review struct {
	ID           string
	SubmissionID string
	GraderID     string
	GraderName   string
	Status       string // open, saved, finalized
	Score        *float64
	Feedback     string
	TextVersion  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SavedAnnotation is the persisted form of an engine annotation. ID is the
// durable identifier, assigned by the database on insert; the engine-local id
// is deliberately not stored.
type SavedAnnotation struct {
	ID         int64
	ReviewID   string
	Start      int
	End        int
	Body       string
	Author     string
	Provenance string
	Color      string
	CreatedAt  time.Time
}

type VersionInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
