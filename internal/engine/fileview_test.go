package engine

import (
	"testing"
	"time"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/metastore"
)

func view(popularity float64, accesses uint64, ctimeAge time.Duration) *FileView {
	now := time.Now()
	return &FileView{
		Ctime: now.Add(-ctimeAge),
		Meta:  &metastore.FileMeta{Popularity: popularity, AccessCount: accesses},
	}
}

func calc(fv *FileView, period float64) {
	fv.CalcPopularity(period, time.Now(),
		config.DefaultStartDamping, config.DefaultDamping,
		config.DefaultMultiplier, config.DefaultSlope)
}

func TestPopularityRisesWithAccesses(t *testing.T) {
	busy := view(100, 1000, time.Hour)
	idle := view(100, 0, time.Hour)

	calc(busy, 1000)
	calc(idle, 1000)

	if busy.Meta.Popularity <= 100 {
		t.Errorf("access burst should raise popularity, got %f", busy.Meta.Popularity)
	}
	if idle.Meta.Popularity >= 100 {
		t.Errorf("no accesses should decay popularity, got %f", idle.Meta.Popularity)
	}
	if busy.Meta.AccessCount != 0 || idle.Meta.AccessCount != 0 {
		t.Error("access count must reset after the calculation")
	}
}

func TestPopularityOldFilesChangeSlowly(t *testing.T) {
	young := view(100, 100, time.Minute)
	old := view(100, 100, 30*24*time.Hour)

	calc(young, 1000)
	calc(old, 1000)

	if young.Meta.Popularity <= old.Meta.Popularity {
		t.Errorf("young file should react faster: young %f, old %f",
			young.Meta.Popularity, old.Meta.Popularity)
	}
}

func TestPopularityZeroPeriodIsNoop(t *testing.T) {
	fv := view(42, 7, time.Hour)
	calc(fv, 0)
	if fv.Meta.Popularity != 42 || fv.Meta.AccessCount != 7 {
		t.Error("zero period must leave the view untouched")
	}
}

func TestHotterOrdering(t *testing.T) {
	hot := &FileView{Meta: &metastore.FileMeta{Popularity: 10}}
	cold := &FileView{Meta: &metastore.FileMeta{Popularity: 1}}
	if !hot.Hotter(cold) || cold.Hotter(hot) {
		t.Error("higher popularity must sort first")
	}

	a := &FileView{Meta: &metastore.FileMeta{Popularity: 5}, AtimeSec: 100, AtimeUsec: 9}
	b := &FileView{Meta: &metastore.FileMeta{Popularity: 5}, AtimeSec: 100, AtimeUsec: 3}
	if !a.Hotter(b) {
		t.Error("equal popularity ties break on microseconds of atime")
	}

	c := &FileView{Meta: &metastore.FileMeta{Popularity: 5}, AtimeSec: 200}
	if !c.Hotter(a) {
		t.Error("equal popularity ties break on seconds of atime first")
	}
}
