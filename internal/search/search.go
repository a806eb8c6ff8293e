package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSubmission ResultType = "submission"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	SubmissionID string     `json:"submissionId"`
	AssignmentID string     `json:"assignmentId"`
	CourseID     string     `json:"courseId"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCourseID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexSubmission(sub SubmissionRecord) error
	IndexAnnotation(a AnnotationRecord) error
	DeleteSubmission(id string) error
	DeleteAnnotation(id string) error
}

// SubmissionRecord is the data we index for a submission.
type SubmissionRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	AssignmentID string `json:"assignmentId"`
	CourseID     string `json:"courseId"`
	StudentName  string `json:"studentName"`
	Status       string `json:"status"`
}

// AnnotationRecord is the data we index for a saved annotation.
type AnnotationRecord struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	Author       string `json:"author"`
	Provenance   string `json:"provenance"`
	SubmissionID string `json:"submissionId"`
	AssignmentID string `json:"assignmentId"`
	CourseID     string `json:"courseId"`
}
