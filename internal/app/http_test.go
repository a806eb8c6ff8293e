package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"redpen/api/internal/store"
)

func authHeader(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return "Bearer " + session.Token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	server := NewHTTPServer(svc, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}
	svc := newTestService(fs, &fakeText{})
	server := NewHTTPServer(svc, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if payload["status"] != "not_ready" {
		t.Errorf("expected not_ready, got %v", payload["status"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	server := NewHTTPServer(svc, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/courses", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED code, got %v", payload["code"])
	}
}

func TestStudentCannotCreateCourse(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Jordan P.", Role: "student"}, nil
		},
	}
	svc := newTestService(fs, &fakeText{})
	server := NewHTTPServer(svc, "*")
	token := authHeader(t, svc, "usr-student")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/courses", token, map[string]any{"name": "ENG 201"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestStudentCannotOpenReview(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Jordan P.", Role: "student"}, nil
		},
	}
	svc := newTestService(fs, &fakeText{})
	server := NewHTTPServer(svc, "*")
	token := authHeader(t, svc, "usr-student")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/submissions/sub-1/review", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReviewAnnotationFlow(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	server := NewHTTPServer(svc, "*")
	token := authHeader(t, svc, "usr-grader")

	rr, payload := doJSON(t, server, http.MethodPost, "/api/submissions/sub-1/review", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("open review: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	reviewID, _ := payload["reviewId"].(string)
	if reviewID == "" {
		t.Fatalf("missing reviewId in %v", payload)
	}
	if payload["textVersion"] != "commit-1" {
		t.Errorf("unexpected text version %v", payload["textVersion"])
	}

	// Map a browser selection to canonical offsets first.
	rr, payload = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/reviews/%s/selection", reviewID), token, map[string]any{
		"fragment": 0,
		"offset":   4,
		"selected": "quick",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("map selection: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["start"] != float64(4) || payload["end"] != float64(9) {
		t.Fatalf("unexpected mapping: %v", payload)
	}

	rr, payload = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/reviews/%s/annotations", reviewID), token, map[string]any{
		"start": 4,
		"end":   9,
		"body":  "Vague word choice.",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add annotation: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	ann, _ := payload["annotation"].(map[string]any)
	annID, _ := ann["id"].(string)
	if annID == "" {
		t.Fatalf("missing annotation id in %v", payload)
	}
	segments, _ := payload["segments"].([]any)
	if len(segments) != 3 {
		t.Errorf("expected 3 segments around a single highlight, got %d", len(segments))
	}

	rr, _ = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/api/reviews/%s/annotations/%s", reviewID, annID), token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove annotation: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, _ = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/api/reviews/%s/annotations/%s", reviewID, annID), token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("double remove: expected 404, got %d", rr.Code)
	}
}

func TestAddAnnotationInvalidRangeMapsTo422(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	server := NewHTTPServer(svc, "*")
	token := authHeader(t, svc, "usr-grader")

	rr, payload := doJSON(t, server, http.MethodPost, "/api/submissions/sub-1/review", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("open review failed: %d", rr.Code)
	}
	reviewID := payload["reviewId"].(string)

	rr, payload = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/reviews/%s/annotations", reviewID), token, map[string]any{
		"start": 9,
		"end":   4,
		"body":  "backwards",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "INVALID_RANGE" {
		t.Errorf("expected INVALID_RANGE, got %v", payload["code"])
	}
}

func TestSignInUnavailableWithoutAuthService(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	server := NewHTTPServer(svc, "*")

	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "jordan@example.edu",
		"password": "hunter22",
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if payload["code"] != "AUTH_UNAVAILABLE" {
		t.Errorf("expected AUTH_UNAVAILABLE, got %v", payload["code"])
	}
}

func TestCORSHeadersOnPreflight(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeText{})
	server := NewHTTPServer(svc, "http://localhost:3000")

	req := httptest.NewRequest(http.MethodOptions, "/api/courses", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected CORS origin %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}
