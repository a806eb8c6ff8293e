package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSubmission indexes a submission (fire-and-forget to Meilisearch).
func (s *Service) IndexSubmission(sub SubmissionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSubmission(sub); err != nil {
			log.Printf("search: index submission %s: %v", sub.ID, err)
		}
	}()
}

// IndexAnnotations indexes a batch of saved annotations (fire-and-forget).
func (s *Service) IndexAnnotations(annotations []AnnotationRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(annotations) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexAnnotations(annotations); err != nil {
			log.Printf("search: index annotations: %v", err)
		}
	}()
}

// DeleteSubmission removes a submission from the search index (fire-and-forget).
func (s *Service) DeleteSubmission(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSubmission(id); err != nil {
			log.Printf("search: delete submission %s: %v", id, err)
		}
	}()
}

// DeleteAnnotation removes an annotation from the search index (fire-and-forget).
func (s *Service) DeleteAnnotation(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(id); err != nil {
			log.Printf("search: delete annotation %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	submissions, annotations, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(submissions) > 0 {
		if err := s.meili.IndexSubmissions(submissions); err != nil {
			log.Printf("search: reindex submissions: %v", err)
		}
	}
	if len(annotations) > 0 {
		if err := s.meili.IndexAnnotations(annotations); err != nil {
			log.Printf("search: reindex annotations: %v", err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
