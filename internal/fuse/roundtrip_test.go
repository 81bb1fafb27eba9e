package fuse

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/engine"
	"github.com/autotier/autotier/internal/logger"
	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/tier"
)

// TestWriteSurvivesTieringPass is the round-trip law: bytes written before a
// pass read back identically afterwards, even when the pass moved the file
// to another tier.
func TestWriteSurvivesTieringPass(t *testing.T) {
	cfg := &config.Config{
		TierPeriod:     1000,
		CopyBufferSize: 512, // force several copy chunks
		RunPath:        t.TempDir(),
		StartDamping:   config.DefaultStartDamping,
		Damping:        config.DefaultDamping,
		Multiplier:     config.DefaultMultiplier,
		Slope:          config.DefaultSlope,
	}

	var tiers []*tier.Tier
	for i, id := range []string{"fast", "slow"} {
		quota := int64(1 << 30)
		if i == 0 {
			quota = 1024 // nothing fits on the fast tier
		}
		tr, err := tier.New(config.TierConfig{
			ID: id, Path: t.TempDir(), QuotaBytes: quota, QuotaPercent: -1,
		})
		require.NoError(t, err)
		tiers = append(tiers, tr)
	}
	fast, slow := tiers[0], tiers[1]

	store, err := metastore.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	openFiles := NewOpenFileSet()
	conflicts := tier.NewConflictLog(cfg.RunPath)
	eng := engine.New(cfg, tiers, store, conflicts, nil, openFiles.IsOpen, logger.Nop())
	d := NewDispatcher(tiers, store, openFiles, eng, Config{}, nil, logger.Nop())

	payload := bytes.Repeat([]byte("tiered data "), 400) // 4800 bytes

	fh, errc := d.Create("/data.bin", os.O_RDWR, 0o644, -1, -1)
	require.Equal(t, syscall.Errno(0), errc)
	n, errc := d.Write(fh, payload, 0)
	require.Equal(t, syscall.Errno(0), errc)
	require.Equal(t, len(payload), n)
	require.Equal(t, syscall.Errno(0), d.Release(fh))

	require.True(t, eng.TierNow())

	// the file no longer fits the fast quota and must have been demoted
	assert.NoFileExists(t, filepath.Join(fast.Path(), "data.bin"))
	assert.FileExists(t, filepath.Join(slow.Path(), "data.bin"))
	meta, err := store.Get("data.bin")
	require.NoError(t, err)
	assert.Equal(t, slow.Path(), meta.TierPath)

	fh, errc = d.Open("/data.bin", os.O_RDONLY, -1, -1)
	require.Equal(t, syscall.Errno(0), errc)
	buf := make([]byte, len(payload)+16)
	n, errc = d.Read(fh, buf, 0)
	require.Equal(t, syscall.Errno(0), errc)
	assert.Equal(t, payload, buf[:n], "content must survive the move")
	require.Equal(t, syscall.Errno(0), d.Release(fh))
}

// TestOpenFileBlocksMove is the open-during-move law: a file held open is
// skipped by the pass and stays readable on its original tier.
func TestOpenFileBlocksMove(t *testing.T) {
	cfg := &config.Config{
		TierPeriod:     1000,
		CopyBufferSize: 4096,
		RunPath:        t.TempDir(),
		StartDamping:   config.DefaultStartDamping,
		Damping:        config.DefaultDamping,
		Multiplier:     config.DefaultMultiplier,
		Slope:          config.DefaultSlope,
	}

	var tiers []*tier.Tier
	for i, id := range []string{"fast", "slow"} {
		quota := int64(1 << 30)
		if i == 0 {
			quota = 4 // force demotion of anything on fast
		}
		tr, err := tier.New(config.TierConfig{
			ID: id, Path: t.TempDir(), QuotaBytes: quota, QuotaPercent: -1,
		})
		require.NoError(t, err)
		tiers = append(tiers, tr)
	}
	fast := tiers[0]

	store, err := metastore.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	openFiles := NewOpenFileSet()
	conflicts := tier.NewConflictLog(cfg.RunPath)
	eng := engine.New(cfg, tiers, store, conflicts, nil, openFiles.IsOpen, logger.Nop())
	d := NewDispatcher(tiers, store, openFiles, eng, Config{}, nil, logger.Nop())

	fh, errc := d.Create("/hot.bin", os.O_RDWR, 0o644, -1, -1)
	require.Equal(t, syscall.Errno(0), errc)
	_, errc = d.Write(fh, []byte("held open"), 0)
	require.Equal(t, syscall.Errno(0), errc)

	// pass runs while the descriptor is still open
	require.True(t, eng.TierNow())
	assert.FileExists(t, filepath.Join(fast.Path(), "hot.bin"),
		"open files are skipped this pass")

	// the write completes against the original tier
	_, errc = d.Write(fh, []byte(" and growing"), 9)
	require.Equal(t, syscall.Errno(0), errc)
	require.Equal(t, syscall.Errno(0), d.Release(fh))

	// with the file closed the next pass may demote it
	require.True(t, eng.TierNow())
	assert.NoFileExists(t, filepath.Join(fast.Path(), "hot.bin"))
	assert.FileExists(t, filepath.Join(tiers[1].Path(), "hot.bin"))
}
