// Package orderkey generates fractional-index position keys. Keys are plain
// strings over a fixed alphabet and sort lexicographically in the same order
// as the items they position, so an item can be placed between any two
// neighbours without renumbering the rest.
package orderkey

import (
	"errors"
	"fmt"
)

// DefaultAlphabet is base-36: digits then lowercase letters, in byte order.
const DefaultAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	ErrInvalidAlphabet = errors.New("orderkey: alphabet must contain unique, non-empty symbols")
	ErrInvalidKey      = errors.New("orderkey: invalid key")
	ErrOutOfOrder      = errors.New("orderkey: before key must be < after key")
	ErrNoSpace         = errors.New("orderkey: no space between keys")
	ErrInvalidCount    = errors.New("orderkey: count must be a positive integer")
)

// Keyspace computes keys over one alphabet. It is immutable and safe for
// concurrent use.
type Keyspace struct {
	alphabet string
	index    [256]int
}

// Default is the base-36 keyspace used for cell positions.
var Default = MustNew(DefaultAlphabet)

// New builds a keyspace. The alphabet must be single-byte symbols listed in
// strictly ascending byte order so that string comparison agrees with symbol
// order.
func New(alphabet string) (*Keyspace, error) {
	if alphabet == "" {
		return nil, ErrInvalidAlphabet
	}
	k := &Keyspace{alphabet: alphabet}
	for i := range k.index {
		k.index[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		ch := alphabet[i]
		if k.index[ch] != -1 {
			return nil, ErrInvalidAlphabet
		}
		if i > 0 && ch <= alphabet[i-1] {
			return nil, fmt.Errorf("%w: symbols must be in ascending order", ErrInvalidAlphabet)
		}
		k.index[ch] = i
	}
	return k, nil
}

// MustNew is New that panics on a bad alphabet.
func MustNew(alphabet string) *Keyspace {
	k, err := New(alphabet)
	if err != nil {
		panic(err)
	}
	return k
}

func (k *Keyspace) Alphabet() string { return k.alphabet }

func (k *Keyspace) base() int { return len(k.alphabet) }

func (k *Keyspace) First() string { return k.alphabet[:1] }

func (k *Keyspace) Mid() string {
	i := k.base() / 2
	return k.alphabet[i : i+1]
}

func (k *Keyspace) Last() string {
	i := k.base() - 1
	return k.alphabet[i:]
}

// Valid reports whether key consists only of alphabet symbols. The empty
// key is valid and means "no bound".
func (k *Keyspace) Valid(key string) bool {
	for i := 0; i < len(key); i++ {
		if k.index[key[i]] == -1 {
			return false
		}
	}
	return true
}

// Between returns a key strictly between before and after. An empty bound
// is open: before defaults to the minimum and after to one past the maximum.
//
// The walk compares the bounds symbol by symbol. At the first position where
// a symbol fits strictly inside the bounds it returns the prefix plus the
// midpoint symbol. Otherwise it copies the lower symbol and moves on; once
// that prefix sorts below after, the upper bound stops constraining later
// positions.
func (k *Keyspace) Between(before, after string) (string, error) {
	if !k.Valid(before) {
		return "", fmt.Errorf("%w: before key %q", ErrInvalidKey, before)
	}
	if !k.Valid(after) {
		return "", fmt.Errorf("%w: after key %q", ErrInvalidKey, after)
	}
	if before != "" && after != "" && before >= after {
		return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, before, after)
	}

	out := make([]byte, 0, len(before)+1)
	upperOpen := after == ""
	for pos := 0; ; pos++ {
		lo := -1
		if pos < len(before) {
			lo = k.index[before[pos]]
		}
		hi := k.base()
		if !upperOpen && pos < len(after) {
			hi = k.index[after[pos]]
		}

		if lo+1 < hi {
			mid := (lo + hi) / 2
			if mid > 0 {
				return string(append(out, k.alphabet[mid])), nil
			}
			// A key ending in the minimum symbol leaves no room below
			// it, so prefer the next symbol or descend one level.
			if hi > 1 {
				return string(append(out, k.alphabet[1])), nil
			}
			out = append(out, k.alphabet[0])
			upperOpen = true
			continue
		}
		if lo == -1 {
			// before is exhausted and after continues with the minimum
			// symbol. out is a prefix of after here.
			if pos+1 < len(after) {
				out = append(out, k.alphabet[0])
				continue
			}
			if len(out) > len(before) {
				return string(out), nil
			}
			return "", fmt.Errorf("%w: %q and %q", ErrNoSpace, before, after)
		}

		out = append(out, before[pos])
		if lo < hi {
			upperOpen = true
		}
	}
}

// GenerateKeys allocates count ascending keys inside (before, after), each
// produced key becoming the lower bound for the next.
func (k *Keyspace) GenerateKeys(before, after string, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	keys := make([]string, 0, count)
	cur := before
	for i := 0; i < count; i++ {
		key, err := k.Between(cur, after)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		cur = key
	}
	return keys, nil
}

func First() string { return Default.First() }

func Mid() string { return Default.Mid() }

func Last() string { return Default.Last() }

// Between computes a key in the default keyspace.
func Between(before, after string) (string, error) {
	return Default.Between(before, after)
}

// GenerateKeys allocates keys in the default keyspace.
func GenerateKeys(before, after string, count int) ([]string, error) {
	return Default.GenerateKeys(before, after, count)
}
