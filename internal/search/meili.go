package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSubmissions = "redpen_submissions"
	idxAnnotations = "redpen_annotations"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// Returns a client that reports unhealthy if the initial connection fails;
// the health loop keeps retrying in the background.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSubmissions,
			primaryKey: "id",
			filterable: []string{"courseId", "assignmentId", "status"},
			searchable: []string{"title", "content", "studentName"},
		},
		{
			uid:        idxAnnotations,
			primaryKey: "id",
			filterable: []string{"courseId", "assignmentId", "submissionId", "provenance"},
			searchable: []string{"body", "author"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxSubmissions, ResultSubmission},
		{idxAnnotations, ResultAnnotation},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		if q.FilterCourseID != "" {
			sr.Filter = []string{fmt.Sprintf("courseId = %q", q.FilterCourseID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxSubmissions:
		return ResultSubmission
	case idxAnnotations:
		return ResultAnnotation
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.SubmissionID = decodeString(hit, "submissionId")
	r.AssignmentID = decodeString(hit, "assignmentId")
	r.CourseID = decodeString(hit, "courseId")

	switch rtyp {
	case ResultSubmission:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
		r.SubmissionID = r.ID // the submission's own ID
	case ResultAnnotation:
		r.Title = firstNonBlank(decodeFormattedString(hit, "author"), decodeString(hit, "author"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSubmission adds or updates a submission in the search index.
func (m *Meili) IndexSubmission(sub SubmissionRecord) error {
	_, err := m.client.Index(idxSubmissions).AddDocuments([]SubmissionRecord{sub}, nil)
	return err
}

// IndexAnnotation adds or updates an annotation in the search index.
func (m *Meili) IndexAnnotation(a AnnotationRecord) error {
	_, err := m.client.Index(idxAnnotations).AddDocuments([]AnnotationRecord{a}, nil)
	return err
}

// DeleteSubmission removes a submission from the search index.
func (m *Meili) DeleteSubmission(id string) error {
	_, err := m.client.Index(idxSubmissions).DeleteDocument(id, nil)
	return err
}

// DeleteAnnotation removes an annotation from the search index.
func (m *Meili) DeleteAnnotation(id string) error {
	_, err := m.client.Index(idxAnnotations).DeleteDocument(id, nil)
	return err
}

// IndexSubmissions bulk-indexes submissions.
func (m *Meili) IndexSubmissions(subs []SubmissionRecord) error {
	if len(subs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSubmissions).AddDocuments(subs, nil)
	return err
}

// IndexAnnotations bulk-indexes annotations.
func (m *Meili) IndexAnnotations(annotations []AnnotationRecord) error {
	if len(annotations) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAnnotations).AddDocuments(annotations, nil)
	return err
}
