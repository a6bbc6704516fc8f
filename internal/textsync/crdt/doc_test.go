package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndDelete(t *testing.T) {
	d := NewDoc("a")
	ops := d.Insert(0, "héllo")
	assert.Len(t, ops, 5)
	assert.Equal(t, "héllo", d.Text())
	assert.Equal(t, 5, d.Len())

	d.Insert(5, " world")
	d.Insert(0, ">")
	assert.Equal(t, ">héllo world", d.Text())

	dels := d.Delete(1, 6)
	assert.Len(t, dels, 6)
	assert.Equal(t, ">world", d.Text())
	assert.False(t, d.Empty())

	// past the end appends
	d.Insert(99, "!")
	assert.Equal(t, ">world!", d.Text())
}

func TestConcurrentInsertsAtSamePlace(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	opsA := a.Insert(0, "ab")
	opsB := b.Insert(0, "xy")

	a.Apply(opsB)
	b.Apply(opsA)
	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "xyab", a.Text())
}

// history builds three replicas that edit concurrently and returns every
// operation they produced along with the converged text.
func history(t *testing.T) ([]Op, string) {
	t.Helper()
	a := NewDoc("a")
	base := a.Insert(0, "hello")

	b := NewDoc("b")
	b.Apply(base)
	opsB := b.Insert(5, " world")
	opsB = append(opsB, b.Delete(0, 1)...)

	c := NewDoc("c")
	c.Apply(base)
	opsC := c.Insert(0, "Say: ")

	all := append(append(append([]Op{}, base...), opsB...), opsC...)
	ref := NewDoc("ref")
	ref.Apply(all)
	require.Zero(t, ref.Pending())
	return all, ref.Text()
}

func TestArrivalOrderAndDuplicatesDoNotMatter(t *testing.T) {
	all, want := history(t)
	assert.Equal(t, "Say: ello world", want)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		ops := append([]Op{}, all...)
		for j := 0; j < 5; j++ {
			ops = append(ops, all[rng.Intn(len(all))])
		}
		rng.Shuffle(len(ops), func(x, y int) { ops[x], ops[y] = ops[y], ops[x] })

		batch := NewDoc("batch")
		batch.Apply(ops)
		require.Equal(t, want, batch.Text(), "round %d", i)
		require.Zero(t, batch.Pending())

		single := NewDoc("single")
		for _, op := range ops {
			single.Apply([]Op{op})
		}
		require.Equal(t, want, single.Text(), "round %d one at a time", i)
	}
}

func TestOperationsWaitForTheirReference(t *testing.T) {
	src := NewDoc("a")
	ins := src.Insert(0, "ab")
	del := src.Delete(0, 1)

	d := NewDoc("b")
	assert.False(t, d.Apply(del))
	assert.False(t, d.Apply(ins[1:]))
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, "", d.Text())

	assert.True(t, d.Apply(ins[:1]))
	assert.Zero(t, d.Pending())
	assert.Equal(t, "b", d.Text())
}

func TestApplyIgnoresDuplicates(t *testing.T) {
	src := NewDoc("a")
	ops := src.Insert(0, "abc")
	d := NewDoc("b")
	assert.True(t, d.Apply(ops))
	assert.False(t, d.Apply(ops))
	assert.Equal(t, "abc", d.Text())

	del := src.Delete(1, 1)
	assert.True(t, d.Apply(del))
	assert.False(t, d.Apply(del))
	assert.Equal(t, "ac", d.Text())
}

func TestLocalClockFollowsRemote(t *testing.T) {
	a := NewDoc("a")
	a.Insert(0, "0123456789")
	b := NewDoc("b")
	b.Apply(a.Snapshot())
	op := b.Insert(10, "!")
	assert.Equal(t, uint64(11), op[0].ID.Clock)
}

func TestSnapshotCarriesTombstones(t *testing.T) {
	a := NewDoc("a")
	a.Insert(0, "abcdef")
	a.Delete(1, 2)
	snap := a.Snapshot()

	b := NewDoc("b")
	b.Apply(snap)
	assert.Equal(t, "adef", b.Text())

	// An edit typed against the restored copy merges back cleanly.
	ops := b.Insert(1, "X")
	a.Apply(ops)
	assert.Equal(t, "aXdef", a.Text())
}

func TestSeedOpsMergeToOneCopy(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	a.Apply(SeedOps("print(1)"))
	b.Apply(SeedOps("print(1)"))
	a.Apply(b.Snapshot())
	b.Apply(a.Snapshot())
	assert.Equal(t, "print(1)", a.Text())
	assert.Equal(t, "print(1)", b.Text())

	assert.NotEqual(t, SeedOps("x")[0].ID.Client, SeedOps("y")[0].ID.Client)
}
