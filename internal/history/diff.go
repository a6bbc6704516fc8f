package history

import "sort"

// Change kinds reported by Diff.
const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
	ChangeEdited  = "edited"
	ChangeMoved   = "moved"
)

type Change struct {
	CellID string `json:"cellId"`
	Kind   string `json:"kind"`
}

// Diff lists per-cell changes between two checkpoints, sorted by cell id. A
// cell both edited and moved is reported as edited.
func Diff(from, to []Entry) []Change {
	before := make(map[string]Entry, len(from))
	for _, e := range from {
		before[e.ID] = e
	}
	changes := make([]Change, 0)
	seen := make(map[string]bool, len(to))
	for _, e := range to {
		seen[e.ID] = true
		old, ok := before[e.ID]
		switch {
		case !ok:
			changes = append(changes, Change{CellID: e.ID, Kind: ChangeAdded})
		case old.Content != e.Content || old.Type != e.Type:
			changes = append(changes, Change{CellID: e.ID, Kind: ChangeEdited})
		case old.Position != e.Position:
			changes = append(changes, Change{CellID: e.ID, Kind: ChangeMoved})
		}
	}
	for _, e := range from {
		if !seen[e.ID] {
			changes = append(changes, Change{CellID: e.ID, Kind: ChangeRemoved})
		}
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].CellID < changes[j].CellID
	})
	return changes
}
