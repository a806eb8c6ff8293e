package suggest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSuggest(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/suggest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			SelectedText string `json:"selectedText"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBody = body.SelectedText
		_ = json.NewEncoder(w).Encode(map[string]string{"suggestion": "Consider a stronger topic sentence."})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token")
	suggestion, err := client.Suggest(context.Background(), "This essay is about cats.")
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if suggestion != "Consider a stronger topic sentence." {
		t.Errorf("unexpected suggestion: %q", suggestion)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("missing bearer token, got %q", gotAuth)
	}
	if gotBody != "This essay is about cats." {
		t.Errorf("selected text not forwarded: %q", gotBody)
	}
}

func TestAnalyze(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"suggestions": []Candidate{
				{Start: 0, End: 4, Text: "Weak opener."},
				{Start: 10, End: 20, Text: "Needs a citation."},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	candidates, err := client.Analyze(context.Background(), "Some essay text to analyze.")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[1].Text != "Needs a citation." {
		t.Errorf("unexpected candidate: %+v", candidates[1])
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.Suggest(context.Background(), "text"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
