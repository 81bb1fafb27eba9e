package control

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/engine"
	"github.com/autotier/autotier/internal/logger"
	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/metrics"
	"github.com/autotier/autotier/internal/tier"
)

const mountPoint = "/mnt/autotier"

func startServer(t *testing.T) (*Server, *config.Config, *metastore.Store) {
	t.Helper()

	cfg := &config.Config{
		LogLevel:       1,
		TierPeriod:     config.TierPeriodDisabled,
		CopyBufferSize: 4096,
		RunPath:        t.TempDir(),
		StartDamping:   config.DefaultStartDamping,
		Damping:        config.DefaultDamping,
		Multiplier:     config.DefaultMultiplier,
		Slope:          config.DefaultSlope,
	}

	var tiers []*tier.Tier
	for _, id := range []string{"fast", "slow"} {
		tr, err := tier.New(config.TierConfig{
			ID: id, Path: t.TempDir(), QuotaBytes: 1 << 20, QuotaPercent: -1,
		})
		require.NoError(t, err)
		tiers = append(tiers, tr)
		cfg.Tiers = append(cfg.Tiers, config.TierConfig{
			ID: id, Path: tr.Path(), QuotaBytes: 1 << 20, QuotaPercent: -1,
		})
	}

	store, err := metastore.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conflicts := tier.NewConflictLog(cfg.RunPath)
	eng := engine.New(cfg, tiers, store, conflicts, nil, nil, logger.Nop())

	server, err := NewServer(cfg, eng, store, metrics.New(), mountPoint, logger.Nop())
	require.NoError(t, err)

	go server.Run()
	t.Cleanup(func() {
		server.Stop()
		time.Sleep(20 * time.Millisecond)
	})
	return server, cfg, store
}

func TestStatusJSON(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"status", "json"})
	require.NoError(t, err)
	require.NotEmpty(t, response)
	assert.Equal(t, "OK", response[0])

	var doc struct {
		Version  string `json:"version"`
		Combined struct {
			Path string `json:"path"`
		} `json:"combined"`
		Tiers []struct {
			Name string `json:"name"`
		} `json:"tiers"`
		Conflicts struct {
			HasConflicts bool `json:"has_conflicts"`
		} `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal([]byte(response[1]), &doc))
	assert.Equal(t, Version, doc.Version)
	assert.Equal(t, mountPoint, doc.Combined.Path)
	require.Len(t, doc.Tiers, 2)
	assert.Equal(t, "fast", doc.Tiers[0].Name)
	assert.False(t, doc.Conflicts.HasConflicts)
}

func TestStatusTable(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"status", "table"})
	require.NoError(t, err)
	require.NotEmpty(t, response)
	assert.Equal(t, "OK", response[0])

	body := response[1:]
	require.GreaterOrEqual(t, len(body), 4, "header, rule, combined, two tiers")
	assert.Contains(t, body[0], "Tier")
	assert.Contains(t, body[2], "combined")
}

func TestStatusBadSelector(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"status", "xml"})
	require.NoError(t, err)
	assert.Equal(t, "ERR", response[0])
}

func TestConfigDump(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"config"})
	require.NoError(t, err)
	assert.Equal(t, "OK", response[0])
	joined := ""
	for _, l := range response[1:] {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "[Global]")
	assert.Contains(t, joined, "[fast]")
	assert.Contains(t, joined, "[slow]")
}

func TestWhichTier(t *testing.T) {
	_, cfg, store := startServer(t)

	meta := metastore.NewFileMeta(cfg.Tiers[1].Path)
	require.NoError(t, store.Put("a/b.bin", meta))

	response, err := Send(cfg.RunPath, []string{"which-tier", mountPoint + "/a/b.bin", mountPoint + "/nope"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(response), 4)
	assert.Equal(t, "OK", response[0])
	assert.Equal(t, "a/b.bin : slow", response[2])
	assert.Equal(t, "nope : not found", response[3])
}

func TestListPinsAndPopularity(t *testing.T) {
	_, cfg, store := startServer(t)

	pinned := metastore.NewFileMeta(cfg.Tiers[0].Path)
	pinned.Pinned = true
	require.NoError(t, store.Put("keep.bin", pinned))
	require.NoError(t, store.Put("plain.bin", metastore.NewFileMeta(cfg.Tiers[0].Path)))

	response, err := Send(cfg.RunPath, []string{"list-pins"})
	require.NoError(t, err)
	assert.Equal(t, "OK", response[0])
	joined := ""
	for _, l := range response {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "keep.bin")
	assert.NotContains(t, joined, "plain.bin")

	response, err = Send(cfg.RunPath, []string{"list-popularity"})
	require.NoError(t, err)
	assert.Equal(t, "OK", response[0])
	joined = ""
	for _, l := range response {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "plain.bin")
}

func TestOneshotQueued(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"oneshot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"OK", "Work queued."}, response)

	response, err = Send(cfg.RunPath, []string{"oneshot", "extra"})
	require.NoError(t, err)
	assert.Equal(t, "ERR", response[0])
}

func TestPinValidation(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"pin", "nosuch", mountPoint + "/f"})
	require.NoError(t, err)
	assert.Equal(t, "ERR", response[0])

	response, err = Send(cfg.RunPath, []string{"pin", "fast", "/elsewhere/f"})
	require.NoError(t, err)
	assert.Equal(t, "ERR", response[0])

	response, err = Send(cfg.RunPath, []string{"pin", "fast", mountPoint + "/f"})
	require.NoError(t, err)
	assert.Equal(t, []string{"OK", "Work queued."}, response)
}

func TestUnknownCommand(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"frobnicate"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ERR", "Not a command."}, response)
}

func TestMetricsCommand(t *testing.T) {
	_, cfg, _ := startServer(t)

	response, err := Send(cfg.RunPath, []string{"metrics"})
	require.NoError(t, err)
	assert.Equal(t, "OK", response[0])
	joined := ""
	for _, l := range response[1:] {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "autotier_tier_passes_total")
}

func TestSendWithoutDaemon(t *testing.T) {
	_, err := Send(t.TempDir(), []string{"status", "table"})
	assert.ErrorIs(t, err, ErrNoDaemon)
}
