package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"codyx/collab/internal/protocol"
)

func cells(contents ...string) []protocol.Cell {
	out := make([]protocol.Cell, 0, len(contents))
	for i, c := range contents {
		out = append(out, protocol.Cell{
			ID:         fmt.Sprintf("c%d", i),
			NotebookID: "nb-1",
			Content:    c,
			Kind:       protocol.KindText,
			Position:   string(rune('b' + i)),
		})
	}
	return out
}

func TestCheckpointLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	history, err := svc.History("nb-1", 10)
	if err != nil {
		t.Fatalf("History() before checkpoint error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}

	first, created, err := svc.Checkpoint("nb-1", cells("one", "two"), "Avery", "Initial")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if !created || first.Hash == "" {
		t.Fatalf("expected a commit, got %+v created=%v", first, created)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "nb-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	same, created, err := svc.Checkpoint("nb-1", cells("one", "two"), "Avery", "Again")
	if err != nil {
		t.Fatalf("Checkpoint() unchanged error = %v", err)
	}
	if created || same.Hash != first.Hash {
		t.Fatalf("unchanged checkpoint must not commit: %+v created=%v", same, created)
	}

	second, created, err := svc.Checkpoint("nb-1", cells("one", "two", "three"), "Blair Doe", "")
	if err != nil || !created {
		t.Fatalf("Checkpoint() second error = %v created=%v", err, created)
	}
	if second.Message != "Checkpoint" || second.Author != "Blair Doe" {
		t.Fatalf("unexpected commit %+v", second)
	}

	history, err = svc.History("nb-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash {
		t.Fatalf("unexpected history %+v", history)
	}
	limited, err := svc.History("nb-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit=1) = %v, %v", limited, err)
	}

	old, err := svc.EntriesAt("nb-1", first.Hash)
	if err != nil {
		t.Fatalf("EntriesAt() error = %v", err)
	}
	if len(old) != 2 || old[1].Content != "two" {
		t.Fatalf("unexpected cells %+v", old)
	}
}

func TestCheckpointIgnoresTimestampsAndInputOrder(t *testing.T) {
	svc := New(t.TempDir())
	in := cells("a", "b")
	if _, _, err := svc.Checkpoint("nb-1", in, "Avery", "one"); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	reordered := []protocol.Cell{in[1], in[0]}
	reordered[0].UpdatedAt = reordered[0].UpdatedAt.Add(1e9)
	_, created, err := svc.Checkpoint("nb-1", reordered, "Avery", "two")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if created {
		t.Fatal("expected no commit when only timestamps and slice order differ")
	}
}

func TestEntriesAtUnknownHash(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.Checkpoint("nb-1", cells("a"), "Avery", "one"); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if _, err := svc.EntriesAt("nb-1", "deadbee"); err == nil {
		t.Fatal("expected error for unknown hash")
	}
	if _, err := svc.EntriesAt("nb-missing", "deadbee"); err == nil {
		t.Fatal("expected error for missing repo")
	}
}

func TestConcurrentCheckpoints(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, _, err := svc.Checkpoint("nb-1", cells(fmt.Sprintf("v%02d", idx)), "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Checkpoint() concurrent error = %v", err)
	}
	history, err := svc.History("nb-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}

func TestDiff(t *testing.T) {
	from := []Entry{
		{ID: "a", Content: "x", Position: "b"},
		{ID: "b", Content: "y", Position: "c"},
		{ID: "c", Content: "z", Position: "d"},
	}
	to := []Entry{
		{ID: "a", Content: "x", Position: "e"},
		{ID: "b", Content: "y2", Position: "f"},
		{ID: "d", Content: "new", Position: "g"},
	}
	got := Diff(from, to)
	want := []Change{
		{CellID: "a", Kind: ChangeMoved},
		{CellID: "b", Kind: ChangeEdited},
		{CellID: "c", Kind: ChangeRemoved},
		{CellID: "d", Kind: ChangeAdded},
	}
	if len(got) != len(want) {
		t.Fatalf("Diff() = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Diff()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if len(Diff(from, from)) != 0 {
		t.Fatal("expected no changes")
	}
}
