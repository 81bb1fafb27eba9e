// Package fuse exposes the tiered filesystem to the kernel's user-space
// driver. One path-based dispatcher owns the routing logic — directories are
// replicated to every tier, regular files are routed to their owning tier
// through the metadata store — and thin mount bindings adapt it to the FUSE
// library in use.
package fuse

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/metrics"
	"github.com/autotier/autotier/internal/tier"
)

// Tiering is the engine surface the facade needs: a nudge for the periodic
// loop and a synchronous pass for out-of-space writes.
type Tiering interface {
	// Wake nudges the tiering thread out of its sleep.
	Wake()
	// TierNow runs one pass synchronously; false means another pass was
	// already running.
	TierNow() bool
}

// Config holds the facade's knobs.
type Config struct {
	// StrictPeriod suppresses event-driven tiering: quota overruns wait
	// for the next periodic pass and ENOSPC is returned to the caller.
	StrictPeriod bool
}

// Dispatcher routes every filesystem operation to the correct backend tier.
type Dispatcher struct {
	tiers   []*tier.Tier
	store   *metastore.Store
	open    *OpenFileSet
	tiering Tiering
	config  Config
	metrics *metrics.Collector
	log     *zap.SugaredLogger

	mu      sync.Mutex
	handles map[uint64]*handle
	nextFH  uint64
}

// handle is the per-descriptor state: the backend path the descriptor was
// opened against and the file size at open time, used for the usage delta
// on release.
type handle struct {
	file        *os.File
	backendPath string
	relPath     string
	sizeAtOpen  int64
	owner       *tier.Tier
	written     bool
}

// NewDispatcher wires the facade.
func NewDispatcher(tiers []*tier.Tier, store *metastore.Store, open *OpenFileSet,
	tiering Tiering, config Config, collector *metrics.Collector, log *zap.SugaredLogger) *Dispatcher {

	return &Dispatcher{
		tiers:   tiers,
		store:   store,
		open:    open,
		tiering: tiering,
		config:  config,
		metrics: collector,
		log:     log,
		handles: make(map[uint64]*handle),
		nextFH:  1,
	}
}

// OpenFiles returns the open-file multiset, for the tiering engine.
func (d *Dispatcher) OpenFiles() *OpenFileSet { return d.open }

// fastest returns the first tier in preference order.
func (d *Dispatcher) fastest() *tier.Tier { return d.tiers[0] }

// rel normalizes a visible path from the driver into a mount-relative path.
func rel(path string) string {
	return strings.TrimPrefix(filepath.Clean(path), "/")
}

// isDir reports whether the visible path is a directory, decided by lstat on
// the fastest tier (directories are replicated everywhere, so any tier would
// agree; the fastest is authoritative).
func (d *Dispatcher) isDir(relPath string) bool {
	info, err := os.Lstat(filepath.Join(d.fastest().Path(), relPath))
	return err == nil && info.IsDir()
}

// resolveFile maps a visible file path to its owning tier's backend path.
func (d *Dispatcher) resolveFile(relPath string) (*metastore.FileMeta, string, syscall.Errno) {
	meta, err := d.store.Get(relPath)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, "", syscall.ENOENT
		}
		d.log.Warnf("metadata lookup of %q failed: %v", relPath, err)
		return nil, "", syscall.EIO
	}
	return meta, filepath.Join(meta.TierPath, relPath), 0
}

// tierByPath returns the tier owning the given absolute backend path.
func (d *Dispatcher) tierByPath(backendPath string) *tier.Tier {
	for _, t := range d.tiers {
		if strings.HasPrefix(backendPath, t.Path()+string(filepath.Separator)) || backendPath == t.Path() {
			return t
		}
	}
	return nil
}

// tierByID returns the tier with the given friendly name, or nil.
func (d *Dispatcher) tierByID(id string) *tier.Tier {
	for _, t := range d.tiers {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// newHandle registers per-descriptor state and returns its handle number.
func (d *Dispatcher) newHandle(h *handle) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	fh := d.nextFH
	d.nextFH++
	d.handles[fh] = h
	return fh
}

// getHandle looks up per-descriptor state.
func (d *Dispatcher) getHandle(fh uint64) *handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[fh]
}

// dropHandle removes per-descriptor state.
func (d *Dispatcher) dropHandle(fh uint64) *handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handles[fh]
	delete(d.handles, fh)
	return h
}

// errno converts a backend error to the errno forwarded to the driver.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var en syscall.Errno
	if errors.As(err, &en) {
		return en
	}
	var perr *fs.PathError
	if errors.As(err, &perr) {
		return errno(perr.Err)
	}
	var lerr *os.LinkError
	if errors.As(err, &lerr) {
		return errno(lerr.Err)
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	}
	return syscall.EIO
}

// record counts the operation in the metrics registry.
func (d *Dispatcher) record(op string, errc syscall.Errno) {
	if d.metrics != nil {
		d.metrics.RecordOp(op, errc != 0)
	}
}

// fileSize returns the lstat size of a backend path.
func fileSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return -1, err
	}
	return info.Size(), nil
}
