package notebook

import "sort"

// Merge folds a peer's full cell list into the local one. The incoming list
// is authoritative for membership: local cells it lacks were deleted
// remotely. For cells on both sides the local copy survives only when it
// matches or is strictly newer. The result is sorted by position.
//
// Merge is deterministic and Merge(Merge(l, r), r) equals Merge(l, r).
func Merge(local, incoming []Cell) []Cell {
	mine := make(map[string]Cell, len(local))
	for _, c := range local {
		mine[c.ID] = c
	}
	theirs := dedupe(incoming)

	out := make([]Cell, 0, len(theirs))
	for _, in := range theirs {
		if loc, ok := mine[in.ID]; ok && (sameCell(loc, in) || loc.UpdatedAt.After(in.UpdatedAt)) {
			out = append(out, loc)
			continue
		}
		out = append(out, in)
	}
	sortCells(out)
	return out
}

// dedupe keeps one entry per id, preferring the newest and then the latest
// in the list.
func dedupe(cells []Cell) []Cell {
	index := make(map[string]int, len(cells))
	out := make([]Cell, 0, len(cells))
	for _, c := range cells {
		if c.ID == "" {
			continue
		}
		if i, ok := index[c.ID]; ok {
			if !out[i].UpdatedAt.After(c.UpdatedAt) {
				out[i] = c
			}
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}

func sameCell(a, b Cell) bool {
	return a.Content == b.Content && a.Kind == b.Kind && a.Position == b.Position
}

func sortCells(cells []Cell) {
	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].Position != cells[j].Position {
			return cells[i].Position < cells[j].Position
		}
		return cells[i].ID < cells[j].ID
	})
}

func equalCells(a, b []Cell) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !sameCell(a[i], b[i]) || !a[i].UpdatedAt.Equal(b[i].UpdatedAt) {
			return false
		}
	}
	return true
}
