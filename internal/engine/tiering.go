package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/tier"
)

// LockFile under the run path marks a pass in progress, across processes.
const LockFile = "autotier.lock"

// hidePattern matches in-flight move targets, skipped by the crawl.
var hidePattern = regexp.MustCompile(`^\..*\.autotier\.hide$`)

// TierNow runs one full pass: crawl, popularity, sort, simulate, move.
// Returns false without retrying when another pass holds the lock.
func (e *Engine) TierNow() bool {
	if !e.passMu.TryLock() {
		e.log.Warn("autotier already moving files")
		if e.metrics != nil {
			e.metrics.RecordPassBusy()
		}
		return false
	}
	defer e.passMu.Unlock()

	lockPath := filepath.Join(e.cfg.RunPath, LockFile)
	if err := acquireLock(lockPath); err != nil {
		e.log.Warnf("autotier already moving files: %v", err)
		if e.metrics != nil {
			e.metrics.RecordPassBusy()
		}
		return false
	}
	defer releaseLock(lockPath)

	passID := uuid.NewString()[:8]
	e.log.Debugf("pass %s: gathering files", passID)

	e.mu.Lock()
	e.tiering = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.tiering = false
		e.mu.Unlock()
	}()

	files, pinnedBytes := e.crawl()
	e.calcPopularity(files)
	e.log.Debugf("pass %s: sorting %d files", passID, len(files))
	sort.Slice(files, func(i, j int) bool { return files[i].Hotter(files[j]) })
	e.simulate(files, pinnedBytes)
	e.moveFiles()
	e.flush(files)

	if e.metrics != nil {
		e.metrics.RecordPass()
		for _, t := range e.tiers {
			e.metrics.SetTierStats(t.ID(), t.Usage(), t.QuotaBytes(), t.Capacity())
		}
	}
	e.log.Debugf("pass %s: tiering complete", passID)
	return true
}

// Tiering reports whether a pass is currently running in this process.
func (e *Engine) Tiering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tiering
}

// crawl walks each tier in preference order building the working set of
// non-pinned files. Symlinks and in-flight move targets are skipped. Pinned
// files stay off the working set but their bytes are returned per tier so
// the simulation reserves room for them. Live usage counters are reset to
// what the crawl actually saw.
func (e *Engine) crawl() ([]*FileView, []int64) {
	var files []*FileView
	pinnedBytes := make([]int64, len(e.tiers))

	for idx, t := range e.tiers {
		var usage int64
		root := t.Path()
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				e.log.Warnf("crawl: %v", err)
				return nil
			}
			if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if hidePattern.MatchString(d.Name()) {
				return nil
			}
			fv, err := e.buildView(path, root, idx)
			if err != nil {
				e.log.Warnf("crawl: %v", err)
				return nil
			}
			usage += fv.Size
			if fv.Meta.Pinned {
				pinnedBytes[idx] += fv.Size
				// flush immediately; pinned views are dropped here
				if err := e.store.Put(fv.RelPath, fv.Meta); err != nil {
					e.log.Warnf("crawl: %v", err)
				}
				return nil
			}
			files = append(files, fv)
			return nil
		})
		if err != nil {
			e.log.Warnf("crawl of tier %s failed: %v", t.ID(), err)
		}
		t.SetUsage(usage)
	}
	return files, pinnedBytes
}

// buildView stats one file and loads (or creates) its metadata record.
func (e *Engine) buildView(path, tierPath string, tierIndex int) (*FileView, error) {
	relPath, err := filepath.Rel(tierPath, path)
	if err != nil {
		return nil, fmt.Errorf("cannot relativize %s: %w", path, err)
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return nil, fmt.Errorf("lstat of %s failed: %w", path, err)
	}

	meta, err := e.store.Get(relPath)
	if err != nil {
		// untracked file found in a tier: adopt it where it sits
		meta = metastore.NewFileMeta(tierPath)
		if err := e.store.Put(relPath, meta); err != nil {
			return nil, err
		}
	}

	return &FileView{
		RelPath:     relPath,
		BackendPath: path,
		Size:        st.Size,
		Atime:       time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:       time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime:       time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		AtimeSec:    st.Atim.Sec,
		AtimeUsec:   st.Atim.Nsec / 1000,
		TierIndex:   tierIndex,
		Meta:        meta,
	}, nil
}

// calcPopularity folds this interval's accesses into each file's smoothed
// popularity. The interval is measured on the monotonic clock; file age is
// wall time since that is what ctime is.
func (e *Engine) calcPopularity(files []*FileView) {
	now := time.Now()
	period := now.Sub(e.lastPass).Seconds()
	e.lastPass = now
	if period <= 0 {
		if e.cfg.TierPeriod > 0 {
			period = float64(e.cfg.TierPeriod)
		} else {
			return
		}
	}
	e.log.Debugf("real period for popularity calc: %f", period)
	for _, fv := range files {
		fv.CalcPopularity(period, now, e.cfg.StartDamping, e.cfg.Damping, e.cfg.Multiplier, e.cfg.Slope)
	}
}

// simulate walks the sorted working set with a cursor starting at the
// fastest tier, spilling to slower tiers as each fills. The slowest tier
// takes the overflow. Files whose simulated tier differs from their current
// one are queued to move.
func (e *Engine) simulate(files []*FileView, pinnedBytes []int64) {
	for idx, t := range e.tiers {
		t.ResetSim()
		t.AddSim(pinnedBytes[idx])
	}
	cursor := 0
	for _, fv := range files {
		if e.tiers[cursor].FullTest(fv.Size) && cursor+1 < len(e.tiers) {
			cursor++
		}
		t := e.tiers[cursor]
		t.AddSim(fv.Size)
		if fv.TierIndex != cursor {
			t.Enqueue(e.pending(fv))
		}
	}
}

// pending builds the move-queue entry for a view, with the commit callback
// that rewrites the metadata record and settles the usage counters.
func (e *Engine) pending(fv *FileView) *tier.Pending {
	return &tier.Pending{
		RelPath:   fv.RelPath,
		Source:    fv.BackendPath,
		Size:      fv.Size,
		Atime:     fv.Atime,
		Mtime:     fv.Mtime,
		Committed: func(dst *tier.Tier) error { return e.commitMove(fv, dst) },
	}
}

// commitMove runs after a successful move: metadata first, then counters.
func (e *Engine) commitMove(fv *FileView, dst *tier.Tier) error {
	e.tiers[fv.TierIndex].SubUsage(fv.Size)
	dst.AddUsage(fv.Size)
	fv.Meta.TierPath = dst.Path()
	fv.BackendPath = filepath.Join(dst.Path(), fv.RelPath)
	if e.metrics != nil {
		e.metrics.RecordMove(dst.ID(), fv.Size)
	}
	return e.store.Put(fv.RelPath, fv.Meta)
}

// moveFiles launches one worker per tier, each draining its own incoming
// queue, and joins them before the pass ends.
func (e *Engine) moveFiles() {
	e.log.Debug("moving files")
	var wg sync.WaitGroup
	for _, t := range e.tiers {
		wg.Add(1)
		go func(t *tier.Tier) {
			defer wg.Done()
			t.TransferAll(e.cfg.CopyBufferSize, e.isOpen, e.conflicts, e.log)
		}(t)
	}
	wg.Wait()
}

// flush writes back every surviving view's metadata record, destroying the
// working set.
func (e *Engine) flush(files []*FileView) {
	for _, fv := range files {
		if err := e.store.Put(fv.RelPath, fv.Meta); err != nil {
			e.log.Warnf("flush: %v", err)
		}
	}
}

// moveToTier moves one file into dst immediately (pin processing).
func (e *Engine) moveToTier(relPath string, meta *metastore.FileMeta, dst *tier.Tier) {
	source := filepath.Join(meta.TierPath, relPath)
	if e.isOpen(source) {
		e.log.Warnf("pin: file is open by another process: %s", source)
		return
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(source, &st); err != nil {
		e.log.Warnf("pin: lstat of %s failed: %v", source, err)
		return
	}
	src := e.tierByPath(meta.TierPath)
	dst.Enqueue(&tier.Pending{
		RelPath: relPath,
		Source:  source,
		Size:    st.Size,
		Atime:   time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:   time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Committed: func(d *tier.Tier) error {
			if src != nil {
				src.SubUsage(st.Size)
			}
			d.AddUsage(st.Size)
			meta.TierPath = d.Path()
			if e.metrics != nil {
				e.metrics.RecordMove(d.ID(), st.Size)
			}
			return e.store.Put(relPath, meta)
		},
	})
	dst.TransferAll(e.cfg.CopyBufferSize, e.isOpen, e.conflicts, e.log)
}

// tierByPath finds the tier whose backend path matches.
func (e *Engine) tierByPath(path string) *tier.Tier {
	for _, t := range e.tiers {
		if t.Path() == path {
			return t
		}
	}
	return nil
}

// acquireLock creates the lock file with exclusive-create semantics.
func acquireLock(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("lock file exists: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

// releaseLock removes the lock file.
func releaseLock(path string) {
	_ = os.Remove(path)
}
