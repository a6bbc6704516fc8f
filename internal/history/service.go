// Package history keeps a git repository per notebook and commits the cell
// list as checkpoints.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"codyx/collab/internal/protocol"
)

const cellsFile = "cells.json"

var ErrNoHistory = errors.New("history: notebook has no checkpoints")

// Entry is one cell as recorded in a checkpoint. Timestamps are left out so
// that a checkpoint only changes when cell content, kind or order changes.
type Entry struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Position string `json:"position"`
	Content  string `json:"content"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

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

// Checkpoint commits the cells if they differ from the last checkpoint. The
// bool reports whether a commit was made; otherwise the head is returned.
func (s *Service) Checkpoint(notebookID string, cells []protocol.Cell, author, message string) (Commit, bool, error) {
	lock := s.notebookLock(notebookID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(notebookID)
	if err != nil {
		return Commit{}, false, err
	}

	payload, err := json.MarshalIndent(Entries(cells), "", "  ")
	if err != nil {
		return Commit{}, false, fmt.Errorf("marshal cells: %w", err)
	}
	payload = append(payload, '\n')

	head, err := headCommit(repo)
	if err != nil && !errors.Is(err, ErrNoHistory) {
		return Commit{}, false, err
	}
	if head != nil {
		current, err := readFile(head)
		if err != nil {
			return Commit{}, false, err
		}
		if string(current) == string(payload) {
			return toCommit(head), false, nil
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), cellsFile), payload, 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", cellsFile, err)
	}
	if _, err := worktree.Add(cellsFile); err != nil {
		return Commit{}, false, fmt.Errorf("git add cells: %w", err)
	}
	if message == "" {
		message = "Checkpoint"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@peers.codyx.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit cells: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

// History lists checkpoints newest first. A notebook without a repository
// has an empty history.
func (s *Service) History(notebookID string, limit int) ([]Commit, error) {
	lock := s.notebookLock(notebookID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Commit, 0)
	repo, err := git.PlainOpen(s.repoPath(notebookID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if errors.Is(err, ErrNoHistory) {
		return items, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// EntriesAt returns the cells recorded by a checkpoint. The hash may be
// abbreviated.
func (s *Service) EntriesAt(notebookID, hash string) ([]Entry, error) {
	lock := s.notebookLock(notebookID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(notebookID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	data, err := readFile(commitObj)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", cellsFile, err)
	}
	return entries, nil
}

// Entries converts cells to checkpoint entries in document order.
func Entries(cells []protocol.Cell) []Entry {
	entries := make([]Entry, 0, len(cells))
	for _, c := range cells {
		entries = append(entries, Entry{ID: c.ID, Type: c.Kind, Position: c.Position, Content: c.Content})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Position != entries[j].Position {
			return entries[i].Position < entries[j].Position
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func (s *Service) ensureRepo(notebookID string) (*git.Repository, error) {
	path := s.repoPath(notebookID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(notebookID string) string {
	return filepath.Join(s.baseDir, notebookID)
}

func (s *Service) notebookLock(notebookID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[notebookID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[notebookID] = lock
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func readFile(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(cellsFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", cellsFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", cellsFile, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cellsFile, err)
	}
	return data, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "peer"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
