package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across submissions and annotations using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Submissions sub-query
	if q.FilterType == "" || q.FilterType == ResultSubmission {
		subWhere := "s.fts @@ " + tsQuery
		if q.FilterCourseID != "" {
			subWhere += fmt.Sprintf(" AND a.course_id = $%d", argN)
			args = append(args, q.FilterCourseID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'submission'::text AS type, s.id, s.title,
				ts_headline('english', coalesce(s.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS submission_id, s.assignment_id, a.course_id,
				ts_rank(s.fts, %s) AS rank
			FROM submissions s
			JOIN assignments a ON a.id = s.assignment_id
			WHERE %s`, tsQuery, tsQuery, subWhere))
	}

	// Annotations sub-query
	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		annWhere := "ann.fts @@ " + tsQuery
		if q.FilterCourseID != "" {
			annWhere += fmt.Sprintf(" AND a.course_id = $%d", argN)
			args = append(args, q.FilterCourseID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, ann.id::text, ann.author AS title,
				ts_headline('english', coalesce(ann.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS submission_id, s.assignment_id, a.course_id,
				ts_rank(ann.fts, %s) AS rank
			FROM annotations ann
			JOIN reviews r ON r.id = ann.review_id
			JOIN submissions s ON s.id = r.submission_id
			JOIN assignments a ON a.id = s.assignment_id
			WHERE %s`, tsQuery, tsQuery, annWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, submission_id, assignment_id, course_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SubmissionID, &r.AssignmentID, &r.CourseID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SubmissionRecord, []AnnotationRecord, error) {
	subRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.title, coalesce(s.content, ''), s.assignment_id, a.course_id, u.name, s.status
		FROM submissions s
		JOIN assignments a ON a.id = s.assignment_id
		JOIN users u ON u.id = s.student_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load submissions: %w", err)
	}
	defer subRows.Close()

	submissions := make([]SubmissionRecord, 0)
	for subRows.Next() {
		var s SubmissionRecord
		if err := subRows.Scan(&s.ID, &s.Title, &s.Content, &s.AssignmentID, &s.CourseID, &s.StudentName, &s.Status); err != nil {
			return nil, nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, s)
	}
	if err := subRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate submissions: %w", err)
	}

	annRows, err := p.db.QueryContext(ctx, `
		SELECT ann.id::text, ann.body, ann.author, ann.provenance, s.id, s.assignment_id, a.course_id
		FROM annotations ann
		JOIN reviews r ON r.id = ann.review_id
		JOIN submissions s ON s.id = r.submission_id
		JOIN assignments a ON a.id = s.assignment_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annRows.Next() {
		var rec AnnotationRecord
		if err := annRows.Scan(&rec.ID, &rec.Body, &rec.Author, &rec.Provenance, &rec.SubmissionID, &rec.AssignmentID, &rec.CourseID); err != nil {
			return nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, rec)
	}
	if err := annRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return submissions, annotations, nil
}
