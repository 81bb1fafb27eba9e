package engine

import (
	"math"
	"time"

	"github.com/autotier/autotier/internal/metastore"
)

// FileView is the transient picture of one regular file built during a
// tiering pass: its stat data plus its attached metadata record. Views live
// only for the duration of one pass; flushing a view writes the record back.
type FileView struct {
	// RelPath is the path relative to the mount point (the store key).
	RelPath string
	// BackendPath is where the file currently lives.
	BackendPath string
	Size        int64

	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	AtimeSec  int64
	AtimeUsec int64

	// TierIndex is the owning tier's position in the tier slice.
	TierIndex int

	Meta *metastore.FileMeta
}

// CalcPopularity folds the accesses since the last pass into the smoothed
// accesses-per-hour figure. period is the wall of the pass interval in
// seconds; the damping grows with file age so young files react quickly and
// old files change slowly. The access counter is consumed.
func (fv *FileView) CalcPopularity(period float64, now time.Time, startDamping, damping, multiplier, slope float64) {
	if period <= 0 {
		return
	}
	var usageFrequency float64
	if fv.Meta.AccessCount > 0 {
		usageFrequency = float64(fv.Meta.AccessCount) / period
	}

	age := now.Sub(fv.Ctime).Seconds() + period/2
	d := math.Min(age*slope+startDamping, damping) / period
	if d < 1.0 {
		d = 1.0
	}
	fv.Meta.Popularity = multiplier*usageFrequency/d + (1.0-1.0/d)*fv.Meta.Popularity
	fv.Meta.AccessCount = 0
}

// Hotter orders views for placement: descending popularity, ties broken by
// most recent access (seconds, then microseconds).
func (fv *FileView) Hotter(other *FileView) bool {
	if fv.Meta.Popularity != other.Meta.Popularity {
		return fv.Meta.Popularity > other.Meta.Popularity
	}
	if fv.AtimeSec != other.AtimeSec {
		return fv.AtimeSec > other.AtimeSec
	}
	return fv.AtimeUsec > other.AtimeUsec
}
