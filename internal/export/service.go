package export

import (
	"context"
	"fmt"
	"html/template"
	"sort"
	"strconv"
	"time"

	"redpen/api/internal/annotate"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetReview(ctx context.Context, reviewID string) (ReviewInfo, error)
	GetSubmission(ctx context.Context, submissionID string) (SubmissionInfo, error)
	GetAssignment(ctx context.Context, assignmentID string) (AssignmentInfo, error)
	GetCourse(ctx context.Context, courseID string) (CourseInfo, error)
	ListAnnotations(ctx context.Context, reviewID string) ([]AnnotationInfo, error)
	GetSubmissionText(ctx context.Context, submissionID, version string) (string, error)
}

// ReviewInfo holds review metadata
type ReviewInfo struct {
	ID           string
	SubmissionID string
	GraderName   string
	Status       string
	Score        string
	Feedback     string
	TextVersion  string
	FinalizedAt  time.Time
}

// SubmissionInfo holds submission metadata
type SubmissionInfo struct {
	ID           string
	AssignmentID string
	Title        string
	StudentName  string
}

// AssignmentInfo holds assignment metadata
type AssignmentInfo struct {
	ID       string
	CourseID string
	Title    string
}

// CourseInfo holds course metadata
type CourseInfo struct {
	ID   string
	Name string
}

// AnnotationInfo holds one saved annotation
type AnnotationInfo struct {
	ID         string
	Start      int
	End        int
	Body       string
	Author     string
	Provenance string
	Color      string
	CreatedAt  time.Time
}

// Service provides review report export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a review report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	review, err := s.store.GetReview(ctx, req.ReviewID)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}

	sub, err := s.store.GetSubmission(ctx, review.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}

	assignment, err := s.store.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	course, err := s.store.GetCourse(ctx, assignment.CourseID)
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}

	// Pin the text to the version the review was made against so the
	// highlights line up even if the student resubmitted afterwards.
	content, err := s.store.GetSubmissionText(ctx, review.SubmissionID, review.TextVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	var annotations []AnnotationInfo
	if req.IncludeAnnotations {
		annotations, err = s.store.ListAnnotations(ctx, req.ReviewID)
		if err != nil {
			return nil, fmt.Errorf("list annotations: %w", err)
		}
	}

	data := buildTemplateData(review, sub, assignment, course, content, annotations)

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, sub.Title)
	case FormatDOCX:
		return exportDOCX(html, sub.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func buildTemplateData(review ReviewInfo, sub SubmissionInfo, assignment AssignmentInfo, course CourseInfo, content string, annotations []AnnotationInfo) TemplateData {
	text := annotate.NewText(content)
	engineAnnotations := make([]annotate.Annotation, 0, len(annotations))
	for _, a := range annotations {
		engineAnnotations = append(engineAnnotations, annotate.Annotation{
			ID:         a.ID,
			Start:      a.Start,
			End:        a.End,
			Body:       a.Body,
			Author:     a.Author,
			Provenance: annotate.Provenance(a.Provenance),
			Color:      a.Color,
			CreatedAt:  a.CreatedAt,
		})
	}

	data := TemplateData{
		Title:           sub.Title,
		StudentName:     sub.StudentName,
		GraderName:      review.GraderName,
		CourseName:      course.Name,
		AssignmentTitle: assignment.Title,
		Score:           review.Score,
		Feedback:        review.Feedback,
		ContentHTML:     template.HTML(AnnotatedHTML(content, engineAnnotations)),
		FinalizedAt:     review.FinalizedAt,
		Annotations:     []TemplateAnnotation{},
	}

	// The comment list mirrors the footnote numbers assigned during rendering.
	segments := annotate.Render(text, engineAnnotations, "")
	refs := annotationRefs(segments)
	for _, a := range engineAnnotations {
		number, ok := refs[a.ID]
		if !ok {
			// Not rendered (invalid span or fully covered); leave it out.
			continue
		}
		excerpt := ""
		if a.Start >= 0 && a.End <= text.Len() && a.Start < a.End {
			excerpt = clampExcerpt(text.Slice(a.Start, a.End))
		}
		data.Annotations = append(data.Annotations, TemplateAnnotation{
			Number:     number,
			Body:       a.Body,
			Author:     a.Author,
			Provenance: string(a.Provenance),
			Color:      a.Color,
			Excerpt:    excerpt,
		})
	}
	sort.Slice(data.Annotations, func(i, j int) bool {
		return data.Annotations[i].Number < data.Annotations[j].Number
	})
	return data
}

func clampExcerpt(s string) string {
	const max = 120
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// FormatScore renders a numeric score for templates, dropping trailing zeros.
func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
