// Package tier represents one backend directory of the tiered filesystem:
// its quota, live usage counters, and the file move protocol used by the
// tiering engine.
package tier

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/autotier/autotier/internal/config"
)

// Tier is one backend directory. Identity fields are immutable after
// construction; usage is guarded by its own mutex because FUSE request
// threads and the tiering engine both update it.
type Tier struct {
	id           string
	path         string
	capacity     int64
	quotaBytes   int64
	quotaPercent float64

	usageMu sync.Mutex
	usage   int64

	// simUsage and incoming are scratch state touched only by the tiering
	// thread during one pass.
	simUsage int64
	incoming []*Pending
}

// Pending is one file queued to move into this tier during a pass.
type Pending struct {
	// RelPath is the path relative to the mount point.
	RelPath string
	// Source is the absolute backend path the file currently lives at.
	Source string
	Size   int64
	Atime  time.Time
	Mtime  time.Time
	// Committed is called after a successful move so the owner can update
	// metadata and usage counters.
	Committed func(dst *Tier) error
}

// New builds a Tier from its config section, reading the backing
// filesystem's capacity and resolving the quota to bytes.
func New(cfg config.TierConfig) (*Tier, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(cfg.Path, &st); err != nil {
		return nil, fmt.Errorf("statfs failed on %s: %w", cfg.Path, err)
	}
	capacity := int64(st.Blocks) * st.Frsize

	t := &Tier{
		id:           cfg.ID,
		path:         cfg.Path,
		capacity:     capacity,
		quotaBytes:   cfg.QuotaBytes,
		quotaPercent: cfg.QuotaPercent,
	}
	if t.quotaBytes < 0 {
		t.quotaBytes = int64(float64(capacity) * t.quotaPercent / 100.0)
	} else if t.quotaPercent < 0 {
		t.quotaPercent = float64(t.quotaBytes) * 100.0 / float64(capacity)
	}
	return t, nil
}

// ID returns the friendly name from the config section header.
func (t *Tier) ID() string { return t.id }

// Path returns the absolute backend directory.
func (t *Tier) Path() string { return t.path }

// Capacity returns the size of the backing filesystem in bytes.
func (t *Tier) Capacity() int64 { return t.capacity }

// QuotaBytes returns the quota resolved to bytes.
func (t *Tier) QuotaBytes() int64 { return t.quotaBytes }

// QuotaPercent returns the quota as a percent of capacity.
func (t *Tier) QuotaPercent() float64 { return t.quotaPercent }

// Usage returns the live usage counter.
func (t *Tier) Usage() int64 {
	t.usageMu.Lock()
	defer t.usageMu.Unlock()
	return t.usage
}

// UsagePercent returns live usage as a percent of capacity.
func (t *Tier) UsagePercent() float64 {
	return float64(t.Usage()) * 100.0 / float64(t.capacity)
}

// SetUsage replaces the usage counter with the value accumulated by a crawl.
func (t *Tier) SetUsage(usage int64) {
	t.usageMu.Lock()
	defer t.usageMu.Unlock()
	t.usage = usage
}

// AddUsage adds delta bytes to the usage counter.
func (t *Tier) AddUsage(delta int64) {
	t.usageMu.Lock()
	defer t.usageMu.Unlock()
	t.usage += delta
}

// SubUsage subtracts delta bytes from the usage counter, clamping at zero.
func (t *Tier) SubUsage(delta int64) {
	t.usageMu.Lock()
	defer t.usageMu.Unlock()
	t.usage -= delta
	if t.usage < 0 {
		t.usage = 0
	}
}

// SwapUsage applies the size change of a rewritten file.
func (t *Tier) SwapUsage(oldSize, newSize int64) {
	t.usageMu.Lock()
	defer t.usageMu.Unlock()
	t.usage += newSize - oldSize
	if t.usage < 0 {
		t.usage = 0
	}
}

// OverQuota reports whether live usage exceeds the quota.
func (t *Tier) OverQuota() bool {
	return t.Usage() > t.quotaBytes
}

// ResetSim clears the simulated usage for a new pass.
func (t *Tier) ResetSim() { t.simUsage = 0 }

// AddSim adds a file's size to the simulated usage.
func (t *Tier) AddSim(size int64) { t.simUsage += size }

// SimUsage returns the simulated usage.
func (t *Tier) SimUsage() int64 { return t.simUsage }

// FullTest reports whether placing a file of the given size here would
// exceed the quota in the current simulation.
func (t *Tier) FullTest(size int64) bool {
	return t.simUsage+size > t.quotaBytes
}

// Enqueue queues a file to be moved into this tier when TransferAll runs.
func (t *Tier) Enqueue(p *Pending) {
	t.incoming = append(t.incoming, p)
}

// IncomingLen returns the number of queued moves.
func (t *Tier) IncomingLen() int { return len(t.incoming) }

// TransferAll drains the incoming queue, moving each file into this tier via
// the move protocol. Files reported open by isOpen are skipped and retried
// next pass. A single file's failure is a warning, not a pass failure.
func (t *Tier) TransferAll(bufSize int64, isOpen func(string) bool, conflicts *ConflictLog, log *zap.SugaredLogger) {
	for _, p := range t.incoming {
		if isOpen(p.Source) {
			log.Warnf("file is open by another process: %s", p.Source)
			continue
		}
		if err := t.moveIn(p, bufSize, conflicts, log); err != nil {
			log.Warnf("failed to move %s to tier %s: %v", p.Source, t.id, err)
			continue
		}
		if p.Committed != nil {
			if err := p.Committed(t); err != nil {
				log.Warnf("failed to commit move of %s: %v", p.RelPath, err)
			}
		}
	}
	t.incoming = nil
	t.simUsage = 0
}
