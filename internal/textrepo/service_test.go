package textrepo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSubmissionVersionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.Commit("sub-1", "My essay, first draft.", "Jordan P.", "Initial submission")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "sub-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, err := svc.Commit("sub-1", "My essay, revised after feedback.", "Jordan P.", "Resubmission")
	if err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
	if second.Hash == first.Hash {
		t.Fatal("expected a new version hash for changed text")
	}

	text, head, err := svc.HeadText("sub-1")
	if err != nil {
		t.Fatalf("HeadText() error = %v", err)
	}
	if text != "My essay, revised after feedback." {
		t.Fatalf("unexpected head text: %q", text)
	}
	if head.Hash != second.Hash {
		t.Fatalf("head should be the latest commit: %s != %s", head.Hash, second.Hash)
	}

	old, err := svc.TextByVersion("sub-1", first.Hash)
	if err != nil {
		t.Fatalf("TextByVersion() error = %v", err)
	}
	if old != "My essay, first draft." {
		t.Fatalf("unexpected first-version text: %q", old)
	}

	history, err := svc.History("sub-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	if history[0].Hash != second.Hash {
		t.Fatal("expected newest version first")
	}
	if history[0].Author != "Jordan P." {
		t.Fatalf("unexpected author: %s", history[0].Author)
	}
}

func TestHeadTextUnknownSubmission(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.HeadText("missing"); err == nil {
		t.Fatal("expected error for unknown submission")
	}
}
