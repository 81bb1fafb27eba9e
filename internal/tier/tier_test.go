package tier

import (
	"testing"

	"github.com/autotier/autotier/internal/config"
)

func newTestTier(t *testing.T, id string, quotaBytes int64) *Tier {
	t.Helper()
	tr, err := New(config.TierConfig{
		ID:           id,
		Path:         t.TempDir(),
		QuotaBytes:   quotaBytes,
		QuotaPercent: -1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

func TestQuotaResolution(t *testing.T) {
	tr := newTestTier(t, "fast", 1024)
	if tr.QuotaBytes() != 1024 {
		t.Errorf("expected quota 1024, got %d", tr.QuotaBytes())
	}
	if tr.QuotaPercent() < 0 {
		t.Error("percent should be derived from bytes")
	}
	if tr.Capacity() <= 0 {
		t.Error("capacity should come from statfs")
	}
}

func TestQuotaFromPercent(t *testing.T) {
	tr, err := New(config.TierConfig{
		ID:           "half",
		Path:         t.TempDir(),
		QuotaBytes:   -1,
		QuotaPercent: 50,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	want := int64(float64(tr.Capacity()) * 0.5)
	if got := tr.QuotaBytes(); got != want {
		t.Errorf("expected quota %d, got %d", want, got)
	}
}

func TestUsageCounters(t *testing.T) {
	tr := newTestTier(t, "t", 1<<20)

	tr.AddUsage(100)
	tr.AddUsage(50)
	if got := tr.Usage(); got != 150 {
		t.Errorf("expected usage 150, got %d", got)
	}
	tr.SubUsage(60)
	if got := tr.Usage(); got != 90 {
		t.Errorf("expected usage 90, got %d", got)
	}
	tr.SwapUsage(90, 200)
	if got := tr.Usage(); got != 200 {
		t.Errorf("expected usage 200, got %d", got)
	}
	tr.SubUsage(1000)
	if got := tr.Usage(); got != 0 {
		t.Errorf("usage must clamp at zero, got %d", got)
	}
	tr.SetUsage(42)
	if got := tr.Usage(); got != 42 {
		t.Errorf("expected usage 42, got %d", got)
	}
}

func TestOverQuota(t *testing.T) {
	tr := newTestTier(t, "t", 100)
	tr.SetUsage(100)
	if tr.OverQuota() {
		t.Error("usage equal to quota is not over quota")
	}
	tr.AddUsage(1)
	if !tr.OverQuota() {
		t.Error("expected over quota")
	}
}

func TestFullTestSim(t *testing.T) {
	tr := newTestTier(t, "t", 100)

	if tr.FullTest(100) {
		t.Error("empty sim should fit a quota-sized file")
	}
	if !tr.FullTest(101) {
		t.Error("oversized file must not fit")
	}
	tr.AddSim(60)
	if tr.FullTest(40) {
		t.Error("60+40 fits exactly")
	}
	if !tr.FullTest(41) {
		t.Error("60+41 exceeds the quota")
	}
	tr.ResetSim()
	if tr.SimUsage() != 0 {
		t.Errorf("expected sim usage 0 after reset, got %d", tr.SimUsage())
	}
}
