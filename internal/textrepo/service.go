// Package textrepo stores submission text in per-submission git repositories,
// one commit per (re)submission, so graders can see exactly what changed
// between versions and reviews can pin the commit they were made against.
package textrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"redpen/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "submission.txt"

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records a new version of the submission text, initializing the repo
// on first submission, and returns the commit hash as the text version.
func (s *Service) Commit(submissionID, text, author, message string) (store.VersionInfo, error) {
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(submissionID)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = s.initRepo(path)
	}
	if err != nil {
		return store.VersionInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.VersionInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	if err := os.WriteFile(filepath.Join(path, contentFile), []byte(text), 0o644); err != nil {
		return store.VersionInfo{}, fmt.Errorf("write submission text: %w", err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return store.VersionInfo{}, fmt.Errorf("git add submission text: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.redpen.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.VersionInfo{}, fmt.Errorf("commit submission text: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.VersionInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersionInfo(commitObj), nil
}

// HeadText returns the latest submission text and its version info.
func (s *Service) HeadText(submissionID string) (string, store.VersionInfo, error) {
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(submissionID))
	if err != nil {
		return "", store.VersionInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return "", store.VersionInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", store.VersionInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	text, err := readTextFromCommit(commitObj)
	if err != nil {
		return "", store.VersionInfo{}, err
	}
	return text, toVersionInfo(commitObj), nil
}

// TextByVersion returns the submission text at a specific commit.
func (s *Service) TextByVersion(submissionID, hash string) (string, error) {
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(submissionID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	commitObj, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readTextFromCommit(commitObj)
}

// History lists submission versions, newest first.
func (s *Service) History(submissionID string, limit int) ([]store.VersionInfo, error) {
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(submissionID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.VersionInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersionInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) initRepo(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(submissionID string) string {
	return filepath.Join(s.baseDir, submissionID)
}

func (s *Service) submissionLock(submissionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[submissionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[submissionID] = lock
	return lock
}

func toVersionInfo(commitObj *object.Commit) store.VersionInfo {
	return store.VersionInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func readTextFromCommit(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read content bytes: %w", err)
	}
	return string(bytes), nil
}

func sanitizeEmail(name string) string {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	cleaned = strings.ReplaceAll(cleaned, " ", ".")
	if cleaned == "" {
		return "reviewer"
	}
	return cleaned
}
