package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/logger"
	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/tier"
)

const kib = 1024

// testEngine builds an engine over fresh tiers with the given quotas.
func testEngine(t *testing.T, quotas ...int64) (*Engine, []*tier.Tier, *metastore.Store) {
	t.Helper()

	cfg := &config.Config{
		TierPeriod:     1000,
		CopyBufferSize: 4 * kib,
		RunPath:        t.TempDir(),
		StartDamping:   config.DefaultStartDamping,
		Damping:        config.DefaultDamping,
		Multiplier:     config.DefaultMultiplier,
		Slope:          config.DefaultSlope,
	}

	var tiers []*tier.Tier
	for i, q := range quotas {
		tc := config.TierConfig{
			ID:           []string{"fast", "slow", "cold"}[i%3],
			Path:         t.TempDir(),
			QuotaBytes:   q,
			QuotaPercent: -1,
		}
		tr, err := tier.New(tc)
		require.NoError(t, err)
		tiers = append(tiers, tr)
	}

	store, err := metastore.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conflicts := tier.NewConflictLog(cfg.RunPath)
	eng := New(cfg, tiers, store, conflicts, nil, nil, logger.Nop())
	return eng, tiers, store
}

// seedFile drops a file on a tier and gives it a metadata record.
func seedFile(t *testing.T, store *metastore.Store, tr *tier.Tier, rel string, size int, popularity float64, pinned bool) {
	t.Helper()
	path := filepath.Join(tr.Path(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	meta := metastore.NewFileMeta(tr.Path())
	meta.Popularity = popularity
	meta.Pinned = pinned
	require.NoError(t, store.Put(rel, meta))
}

func TestTwoTierPromotion(t *testing.T) {
	eng, tiers, store := testEngine(t, 60*kib, 10*1024*kib)
	fast, slow := tiers[0], tiers[1]

	// the hot file on the slow tier outranks the cold one on the fast
	// tier, and both together exceed the fast quota
	seedFile(t, store, slow, "a.bin", 50*kib, 1000, false)
	seedFile(t, store, fast, "b.bin", 30*kib, 10, false)

	require.True(t, eng.TierNow())

	assert.FileExists(t, filepath.Join(fast.Path(), "a.bin"))
	assert.NoFileExists(t, filepath.Join(slow.Path(), "a.bin"))
	assert.FileExists(t, filepath.Join(slow.Path(), "b.bin"))
	assert.NoFileExists(t, filepath.Join(fast.Path(), "b.bin"))

	assert.Equal(t, int64(50*kib), fast.Usage())
	assert.Equal(t, int64(30*kib), slow.Usage())

	meta, err := store.Get("a.bin")
	require.NoError(t, err)
	assert.Equal(t, fast.Path(), meta.TierPath)
	meta, err = store.Get("b.bin")
	require.NoError(t, err)
	assert.Equal(t, slow.Path(), meta.TierPath)
}

func TestQuotaOverflowOnLastTier(t *testing.T) {
	eng, tiers, store := testEngine(t, 10*kib, 10*kib)
	fast, slow := tiers[0], tiers[1]

	for _, name := range []string{"f1", "f2", "f3", "f4"} {
		seedFile(t, store, fast, name, 6*kib, 100, false)
	}

	require.True(t, eng.TierNow())

	countFiles := func(tr *tier.Tier) int {
		entries, err := os.ReadDir(tr.Path())
		require.NoError(t, err)
		return len(entries)
	}
	assert.Equal(t, 1, countFiles(fast), "only one 6 KiB file fits a 10 KiB quota")
	assert.Equal(t, 3, countFiles(slow), "the last tier takes the overflow, no file is dropped")

	assert.Equal(t, int64(6*kib), fast.Usage())
	assert.Equal(t, int64(18*kib), slow.Usage())
	assert.Greater(t, slow.Usage(), slow.QuotaBytes())
}

func TestPinOverridesPopularity(t *testing.T) {
	eng, tiers, store := testEngine(t, 100*kib, 10*1024*kib)
	slow := tiers[1]

	seedFile(t, store, slow, "keep", 2*kib, 1e6, true)

	require.True(t, eng.TierNow())

	assert.FileExists(t, filepath.Join(slow.Path(), "keep"))
	assert.NoFileExists(t, filepath.Join(tiers[0].Path(), "keep"))
	meta, err := store.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, slow.Path(), meta.TierPath)
	assert.True(t, meta.Pinned)
}

func TestPinnedBytesReserveSimBudget(t *testing.T) {
	eng, tiers, store := testEngine(t, 10*kib, 10*1024*kib)
	fast, slow := tiers[0], tiers[1]

	// 6 KiB pinned on fast leaves no room for another 6 KiB file
	seedFile(t, store, fast, "pinned", 6*kib, 1, true)
	seedFile(t, store, slow, "hot", 6*kib, 1000, false)

	require.True(t, eng.TierNow())

	assert.FileExists(t, filepath.Join(fast.Path(), "pinned"))
	assert.FileExists(t, filepath.Join(slow.Path(), "hot"),
		"hot file must not displace the pinned budget on the fast tier")
}

func TestCrawlAdoptsUntrackedFiles(t *testing.T) {
	eng, tiers, store := testEngine(t, 100*kib, 10*1024*kib)
	slow := tiers[1]

	// no metadata record for this file
	path := filepath.Join(slow.Path(), "stray.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, kib), 0o644))

	require.True(t, eng.TierNow())

	meta, err := store.Get("stray.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, meta.TierPath)
}

func TestCrawlSkipsHiddenAndSymlinks(t *testing.T) {
	eng, tiers, store := testEngine(t, 100*kib, 10*1024*kib)
	fast := tiers[0]

	hidden := filepath.Join(fast.Path(), ".part.bin.autotier.hide")
	require.NoError(t, os.WriteFile(hidden, make([]byte, kib), 0o644))
	require.NoError(t, os.Symlink(hidden, filepath.Join(fast.Path(), "lnk")))

	require.True(t, eng.TierNow())

	_, err := store.Get(".part.bin.autotier.hide")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
	_, err = store.Get("lnk")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestPassSetsLiveUsageFromCrawl(t *testing.T) {
	eng, tiers, store := testEngine(t, 10*1024*kib, 10*1024*kib)
	fast := tiers[0]

	seedFile(t, store, fast, "a", 3*kib, 10, false)
	seedFile(t, store, fast, "b", 4*kib, 10, false)
	fast.SetUsage(999999) // stale counter, corrected by the crawl

	require.True(t, eng.TierNow())
	assert.Equal(t, int64(7*kib), fast.Usage())
}

func TestBusyWhenLockHeld(t *testing.T) {
	eng, _, _ := testEngine(t, 100*kib, 10*1024*kib)

	lock := filepath.Join(eng.cfg.RunPath, LockFile)
	require.NoError(t, os.WriteFile(lock, []byte("1\n"), 0o644))
	assert.False(t, eng.TierNow(), "a held lock file means busy, no retry")
	require.NoError(t, os.Remove(lock))
	assert.True(t, eng.TierNow())

	// and the lock must be gone after a completed pass
	_, err := os.Lstat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestPinWorkMovesFile(t *testing.T) {
	eng, tiers, store := testEngine(t, 100*kib, 10*1024*kib)
	fast, slow := tiers[0], tiers[1]

	seedFile(t, store, fast, "d/keep.bin", 2*kib, 1000, false)

	eng.pinFiles("slow", []string{"d/keep.bin"})

	assert.FileExists(t, filepath.Join(slow.Path(), "d", "keep.bin"))
	assert.NoFileExists(t, filepath.Join(fast.Path(), "d", "keep.bin"))
	meta, err := store.Get("d/keep.bin")
	require.NoError(t, err)
	assert.True(t, meta.Pinned)
	assert.Equal(t, slow.Path(), meta.TierPath)

	// pinned: a pass must leave it on the slow tier
	require.True(t, eng.TierNow())
	assert.FileExists(t, filepath.Join(slow.Path(), "d", "keep.bin"))

	eng.unpinFiles([]string{"d/keep.bin"})
	meta, err = store.Get("d/keep.bin")
	require.NoError(t, err)
	assert.False(t, meta.Pinned)
}

func TestStopUnblocksRun(t *testing.T) {
	eng, _, _ := testEngine(t, 100*kib, 10*1024*kib)
	eng.cfg.TierPeriod = config.TierPeriodDisabled

	done := make(chan struct{})
	go func() {
		eng.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	eng.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestOneshotWorkRunsPass(t *testing.T) {
	eng, tiers, store := testEngine(t, 100*kib, 10*1024*kib)
	eng.cfg.TierPeriod = config.TierPeriodDisabled
	fast, slow := tiers[0], tiers[1]

	seedFile(t, store, slow, "a.bin", 50*kib, 1000, false)

	done := make(chan struct{})
	go func() {
		eng.Run()
		close(done)
	}()

	eng.Enqueue(Work{Kind: WorkOneshot})
	require.Eventually(t, func() bool {
		_, err := os.Lstat(filepath.Join(fast.Path(), "a.bin"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "oneshot must trigger a pass")

	eng.Stop()
	<-done
}
