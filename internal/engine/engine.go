// Package engine runs the tiering scheduler: a periodic pass that crawls the
// tiers, ranks files by popularity, simulates placement under the quotas,
// and moves files between tiers. It also consumes the ad-hoc work queue fed
// by the control server (oneshot, pin, unpin).
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/metrics"
	"github.com/autotier/autotier/internal/tier"
)

// WorkKind discriminates ad-hoc work items.
type WorkKind int

const (
	// WorkOneshot requests an immediate tiering pass.
	WorkOneshot WorkKind = iota
	// WorkPin pins paths to a named tier and moves them there.
	WorkPin
	// WorkUnpin clears the pinned flag on paths.
	WorkUnpin
)

// Work is one queued ad-hoc request.
type Work struct {
	Kind   WorkKind
	TierID string
	Paths  []string
}

// Engine composes the pieces the scheduler needs: the store and tier slice
// shared with the facade, the sleep/cancel primitives, the ad-hoc queue,
// and the inter-process lock-file guard.
type Engine struct {
	cfg       *config.Config
	tiers     []*tier.Tier
	store     *metastore.Store
	conflicts *tier.ConflictLog
	metrics   *metrics.Collector
	log       *zap.SugaredLogger
	isOpen    func(string) bool

	// mu guards stop, queue, and the condition variable; every loop
	// predicate rechecks stop under it.
	mu    sync.Mutex
	cond  *sync.Cond
	stop  bool
	queue []Work

	// passMu serializes passes within the process; the lock file
	// serializes them across processes.
	passMu sync.Mutex

	lastPass  time.Time
	tiering   bool
	startedAt time.Time
}

// New wires an engine. isOpen is consulted before every move; nil means no
// open-file tracking (tests).
func New(cfg *config.Config, tiers []*tier.Tier, store *metastore.Store,
	conflicts *tier.ConflictLog, collector *metrics.Collector,
	isOpen func(string) bool, log *zap.SugaredLogger) *Engine {

	if isOpen == nil {
		isOpen = func(string) bool { return false }
	}
	e := &Engine{
		cfg:       cfg,
		tiers:     tiers,
		store:     store,
		conflicts: conflicts,
		metrics:   collector,
		log:       log,
		isOpen:    isOpen,
		startedAt: time.Now(),
		lastPass:  time.Now(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Tiers returns the shared tier slice.
func (e *Engine) Tiers() []*tier.Tier { return e.tiers }

// Conflicts returns the conflict log.
func (e *Engine) Conflicts() *tier.ConflictLog { return e.conflicts }

// StrictPeriod reports whether event-driven tiering is suppressed.
func (e *Engine) StrictPeriod() bool { return e.cfg.StrictPeriod }

// Enqueue adds an ad-hoc work item and wakes the loop.
func (e *Engine) Enqueue(w Work) {
	e.mu.Lock()
	e.queue = append(e.queue, w)
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Wake nudges the loop out of its sleep, used by the facade when a tier
// runs past its quota. Unless strict period is on, a pass is queued while
// any tier is over its quota.
func (e *Engine) Wake() {
	if !e.cfg.StrictPeriod {
		for _, t := range e.tiers {
			if t.OverQuota() {
				e.Enqueue(Work{Kind: WorkOneshot})
				return
			}
		}
	}
	e.cond.Broadcast()
}

// Stop sets the stop flag and wakes the loop; Run returns at the next safe
// point, never mid-move.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stop = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

// stopped reads the stop flag.
func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stop
}

// Run is the tiering thread's loop. With a negative period it only services
// queued work; otherwise it runs a pass every period, servicing queued work
// and quota wakeups in between.
func (e *Engine) Run() {
	e.log.Info("autotier started")
	if e.cfg.TierPeriod < 0 {
		e.lastPass = time.Now()
		for !e.stopped() {
			e.runQueued()
			e.sleep(nil)
		}
		return
	}

	period := time.Duration(e.cfg.TierPeriod) * time.Second
	e.lastPass = time.Now().Add(-period)
	for {
		deadline := time.Now().Add(period)
		e.TierNow()
		for !e.stopped() && time.Now().Before(deadline) {
			e.runQueued()
			e.sleep(&deadline)
		}
		if e.stopped() {
			return
		}
	}
}

// sleep blocks on the condition variable until woken or, when a deadline is
// given, until it expires. The timer goroutine is the only way to bound a
// cond wait; it re-broadcasts at the deadline.
func (e *Engine) sleep(deadline *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop || len(e.queue) > 0 {
		return
	}
	if deadline == nil {
		e.cond.Wait()
		return
	}
	remaining := time.Until(*deadline)
	if remaining <= 0 {
		return
	}
	timer := time.AfterFunc(remaining, func() { e.cond.Broadcast() })
	defer timer.Stop()
	e.cond.Wait()
}

// runQueued drains the ad-hoc queue.
func (e *Engine) runQueued() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.stop {
			e.mu.Unlock()
			return
		}
		w := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		switch w.Kind {
		case WorkOneshot:
			e.TierNow()
		case WorkPin:
			e.pinFiles(w.TierID, w.Paths)
			e.TierNow()
		case WorkUnpin:
			e.unpinFiles(w.Paths)
		}
	}
}

// pinFiles sets the pinned flag and moves each file into the named tier.
func (e *Engine) pinFiles(tierID string, paths []string) {
	var dst *tier.Tier
	for _, t := range e.tiers {
		if t.ID() == tierID {
			dst = t
			break
		}
	}
	if dst == nil {
		e.log.Warnf("pin: tier does not exist: %q", tierID)
		return
	}

	for _, p := range paths {
		relPath := metastore.NormalizeKey(p)
		meta, err := e.store.Get(relPath)
		if err != nil {
			e.log.Warnf("pin: no metadata for %q: %v", relPath, err)
			continue
		}
		meta.Pinned = true
		if err := e.store.Put(relPath, meta); err != nil {
			e.log.Warnf("pin: %v", err)
			continue
		}
		if meta.TierPath != dst.Path() {
			e.moveToTier(relPath, meta, dst)
		}
	}
}

// unpinFiles clears the pinned flag; the next pass is free to move them.
func (e *Engine) unpinFiles(paths []string) {
	for _, p := range paths {
		relPath := metastore.NormalizeKey(p)
		meta, err := e.store.Get(relPath)
		if err != nil {
			e.log.Warnf("unpin: no metadata for %q: %v", relPath, err)
			continue
		}
		meta.Pinned = false
		if err := e.store.Put(relPath, meta); err != nil {
			e.log.Warnf("unpin: %v", err)
		}
	}
}
