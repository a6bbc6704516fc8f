package orderkey

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadAlphabets(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrInvalidAlphabet)

	_, err = New("aab")
	require.ErrorIs(t, err, ErrInvalidAlphabet)

	_, err = New("cba")
	require.ErrorIs(t, err, ErrInvalidAlphabet)

	k, err := New("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", k.Alphabet())
}

func TestFirstMidLast(t *testing.T) {
	assert.Equal(t, "0", First())
	assert.Equal(t, "i", Mid())
	assert.Equal(t, "z", Last())

	even := MustNew("abcd")
	assert.Equal(t, "c", even.Mid())
	odd := MustNew("abc")
	assert.Equal(t, "b", odd.Mid())
}

func TestBetweenExamples(t *testing.T) {
	cases := []struct {
		before, after, want string
	}{
		{"", "", "h"},
		{"", "b", "5"},
		{"a", "", "n"},
		{"a", "c", "b"},
		{"a", "b", "ah"},
		{"aa", "ab", "aah"},
		// The upper bound stops constraining once the prefix sorts below it.
		{"a", "b0", "ah"},
		{"a", "a01", "a00h"},
		{"a", "a00", "a0"},
		{"", "1", "0h"},
		{"", "2", "1"},
	}
	for _, tc := range cases {
		got, err := Between(tc.before, tc.after)
		require.NoError(t, err, "Between(%q, %q)", tc.before, tc.after)
		assert.Equal(t, tc.want, got, "Between(%q, %q)", tc.before, tc.after)
		if tc.before != "" {
			assert.Greater(t, got, tc.before)
		}
		if tc.after != "" {
			assert.Less(t, got, tc.after)
		}
	}
}

func TestBetweenErrors(t *testing.T) {
	_, err := Between("INVALID", "b")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Between("a", "hello!")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Between("a", "a")
	require.ErrorIs(t, err, ErrOutOfOrder)

	_, err = Between("b", "a")
	require.ErrorIs(t, err, ErrOutOfOrder)

	_, err = Between("0", "00")
	require.ErrorIs(t, err, ErrNoSpace)

	_, err = Between("", "0")
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestBetweenIsDeterministic(t *testing.T) {
	a, err := Between("abc", "abd")
	require.NoError(t, err)
	b, err := Between("abc", "abd")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBetweenProperty(t *testing.T) {
	keys := []string{"", "0", "00", "01", "0z", "1", "5", "a", "a0", "a1", "ah", "az", "b", "h", "hh", "y", "yz", "z", "zz", "zzz"}
	sort.Strings(keys)
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			lo, hi := keys[i], keys[j]
			got, err := Between(lo, hi)
			if err != nil {
				require.ErrorIs(t, err, ErrNoSpace, "Between(%q, %q)", lo, hi)
				continue
			}
			if lo != "" {
				assert.Greater(t, got, lo, "Between(%q, %q)", lo, hi)
			}
			assert.Less(t, got, hi, "Between(%q, %q)", lo, hi)
		}
	}
}

func TestDensityExhaustion(t *testing.T) {
	// Squeeze towards the lower bound until the keyspace reports NoSpace.
	lo, hi := "a", "b"
	for i := 0; i < 500; i++ {
		mid, err := Between(lo, hi)
		if err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			return
		}
		require.Greater(t, mid, lo)
		require.Less(t, mid, hi)
		hi = mid
	}
	// Never exhausting is also fine: the key simply grows.
	assert.True(t, strings.HasPrefix(hi, "a"))
}

func TestSmallAlphabet(t *testing.T) {
	k := MustNew("ab")
	lo, hi := "a", "b"
	for i := 0; i < 64; i++ {
		mid, err := k.Between(lo, hi)
		require.NoError(t, err)
		require.Greater(t, mid, lo)
		require.Less(t, mid, hi)
		require.False(t, strings.HasSuffix(mid, "a"), "generated key %q ends in the minimum symbol", mid)
		if i%2 == 0 {
			hi = mid
		} else {
			lo = mid
		}
	}

	// Only a bound that itself ends in the minimum symbol can close the gap.
	_, err := k.Between("a", "aa")
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestFrontInsertsNeverExhaust(t *testing.T) {
	head := ""
	for i := 0; i < 200; i++ {
		key, err := Between("", head)
		require.NoError(t, err)
		if head != "" {
			require.Less(t, key, head)
		}
		head = key
	}
}

func TestGenerateKeys(t *testing.T) {
	keys, err := GenerateKeys("a", "c", 10)
	require.NoError(t, err)
	require.Len(t, keys, 10)
	assert.Greater(t, keys[0], "a")
	for i := 0; i+1 < len(keys); i++ {
		assert.Less(t, keys[i], keys[i+1])
	}
	assert.Less(t, keys[len(keys)-1], "c")

	_, err = GenerateKeys("a", "z", 0)
	require.ErrorIs(t, err, ErrInvalidCount)
	_, err = GenerateKeys("a", "z", -1)
	require.ErrorIs(t, err, ErrInvalidCount)

	open, err := GenerateKeys("", "", 3)
	require.NoError(t, err)
	assert.True(t, sort.StringsAreSorted(open))
}

func TestInsertionOrderIsPreservedBySort(t *testing.T) {
	// Repeatedly insert at the front, the back and the middle; sorting the
	// keys must reproduce the logical order.
	order := []string{}
	insert := func(idx int) {
		var before, after string
		if idx > 0 {
			before = order[idx-1]
		}
		if idx < len(order) {
			after = order[idx]
		}
		key, err := Between(before, after)
		require.NoError(t, err)
		order = append(order, "")
		copy(order[idx+1:], order[idx:])
		order[idx] = key
	}
	for i := 0; i < 60; i++ {
		switch i % 3 {
		case 0:
			insert(0)
		case 1:
			insert(len(order))
		default:
			insert(len(order) / 2)
		}
	}
	sorted := append([]string(nil), order...)
	sort.Strings(sorted)
	assert.Equal(t, order, sorted)
}
