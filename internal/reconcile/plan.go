package reconcile

import (
	"slices"
	"time"

	"confsync/internal/remote"
)

// Plan is the work one cycle has to do.
type Plan struct {
	// Changed holds the ids whose content must be fetched: keys absent from
	// the cache and keys whose modification time differs from the cached one.
	Changed []int64

	// Deleted holds cached keys absent from the snapshot.
	Deleted []remote.Key
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Changed) == 0 && len(p.Deleted) == 0
}

// Diff compares the cached modification times with a remote snapshot.
//
// Times are compared for exact equality. Malformed snapshot rows are
// neither fetched nor deleted: the key exists remotely but its version is
// unknown, so the local copy is left alone.
func Diff(cached map[remote.Key]time.Time, snapshot map[remote.Key]remote.Status) Plan {
	var p Plan
	for key, st := range snapshot {
		if st.Malformed {
			continue
		}
		mod, ok := cached[key]
		if !ok || !mod.Equal(st.ModifiedTime) {
			p.Changed = append(p.Changed, st.ID)
		}
	}
	for key := range cached {
		if _, ok := snapshot[key]; !ok {
			p.Deleted = append(p.Deleted, key)
		}
	}
	slices.Sort(p.Changed)
	slices.SortFunc(p.Deleted, compareKey)
	return p
}
