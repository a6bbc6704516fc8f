package notebook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func cell(id, pos, content string, age time.Duration) Cell {
	return Cell{ID: id, NotebookID: "nb", Content: content, Kind: "text", Position: pos, UpdatedAt: t0.Add(age)}
}

func ids(cells []Cell) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.ID)
	}
	return out
}

func TestMergeReplacesDeletesAndAdds(t *testing.T) {
	local := []Cell{cell("A", "a", "old", 0), cell("B", "b", "b", 0)}
	incoming := []Cell{cell("C", "c", "c", 0), cell("A", "a", "new", time.Minute)}

	got := Merge(local, incoming)
	assert.Equal(t, []string{"A", "C"}, ids(got))
	assert.Equal(t, "new", got[0].Content)
}

func TestMergeKeepsStrictlyNewerLocal(t *testing.T) {
	local := []Cell{cell("A", "a", "mine", time.Minute)}
	incoming := []Cell{cell("A", "a", "theirs", 0)}
	assert.Equal(t, "mine", Merge(local, incoming)[0].Content)

	tie := []Cell{cell("A", "a", "theirs", time.Minute)}
	assert.Equal(t, "theirs", Merge(local, tie)[0].Content, "ties go to incoming")
}

func TestMergeIgnoresTimestampWhenFieldsMatch(t *testing.T) {
	local := []Cell{cell("A", "a", "same", 0)}
	incoming := []Cell{cell("A", "a", "same", time.Hour)}
	got := Merge(local, incoming)
	assert.Equal(t, t0, got[0].UpdatedAt)
}

func TestMergeSortsByPositionThenID(t *testing.T) {
	incoming := []Cell{cell("z", "m", "", 0), cell("b", "c", "", 0), cell("a", "m", "", 0)}
	assert.Equal(t, []string{"b", "a", "z"}, ids(Merge(nil, incoming)))
}

func TestMergeDedupesIncoming(t *testing.T) {
	incoming := []Cell{cell("A", "a", "first", time.Minute), cell("A", "a", "older", 0), {Position: "b"}}
	got := Merge(nil, incoming)
	assert.Equal(t, []string{"A"}, ids(got))
	assert.Equal(t, "first", got[0].Content)
}

func TestMergeIsDeterministicAndIdempotent(t *testing.T) {
	local := []Cell{
		cell("A", "a", "a1", time.Minute),
		cell("B", "b", "b1", 0),
		cell("D", "d", "d1", 2*time.Minute),
	}
	incoming := []Cell{
		cell("D", "d", "d2", time.Minute),
		cell("A", "a", "a2", 0),
		cell("E", "e", "e", 0),
		cell("B", "bb", "b2", time.Minute),
	}
	once := Merge(local, incoming)
	assert.Equal(t, once, Merge(local, incoming))
	assert.Equal(t, once, Merge(once, incoming))

	assert.Equal(t, []string{"A", "B", "D", "E"}, ids(once))
	assert.Equal(t, "a1", once[0].Content)
	assert.Equal(t, "b2", once[1].Content)
	assert.Equal(t, "d1", once[2].Content)
}
