// Package config loads the INI configuration file: a [Global] section and one
// section per tier, ordered fastest first by position in the file.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// TierPeriodDisabled makes the tiering engine event-driven only.
const TierPeriodDisabled = -1

// DefaultMetadataPath is the base directory for the run path when the config
// does not name one.
const DefaultMetadataPath = "/var/lib/autotier"

// Popularity smoothing defaults. Multiplier scales usage frequency to
// accesses per hour; damping grows linearly with file age from StartDamping
// to Damping over one week.
const (
	DefaultStartDamping = 50000.0
	DefaultDamping      = 1000000.0
	DefaultMultiplier   = 3600.0

	week         = 7.0 * 24.0 * 3600.0
	DefaultSlope = (DefaultDamping - DefaultStartDamping) / week
)

// AvgUsage is the assumed accesses per second of a brand new file
// (40 hours per week), used to seed its popularity.
const AvgUsage = 0.238

// globalKeys is the set of recognized [Global] keys; anything else warns.
var globalKeys = map[string]bool{
	"Log Level":        true,
	"Tier Period":      true,
	"Strict Period":    true,
	"Copy Buffer Size": true,
	"Metadata Path":    true,
	"Start Damping":    true,
	"Damping":          true,
	"Multiplier":       true,
	"Slope":            true,
}

// tierKeys is the set of recognized keys in a tier section.
var tierKeys = map[string]bool{
	"Path":  true,
	"Quota": true,
}

// TierConfig is one tier section. QuotaBytes is -1 when the quota was given
// as a percent only; QuotaPercent is -1 when given as bytes only.
type TierConfig struct {
	ID           string
	Path         string
	QuotaBytes   int64
	QuotaPercent float64
}

// Config is the parsed configuration.
type Config struct {
	LogLevel       int
	TierPeriod     int64 // seconds; negative means event-driven only
	StrictPeriod   bool
	CopyBufferSize int64
	MetadataPath   string

	StartDamping float64
	Damping      float64
	Multiplier   float64
	Slope        float64

	Tiers []TierConfig

	// RunPath is MetadataPath/<hash of the config path>, so several
	// instances with different configs do not share state.
	RunPath string
}

// defaults returns a Config with every global key at its default.
func defaults() *Config {
	return &Config{
		LogLevel:       1,
		TierPeriod:     TierPeriodDisabled,
		StrictPeriod:   false,
		CopyBufferSize: 1024 * 1024,
		MetadataPath:   DefaultMetadataPath,
		StartDamping:   DefaultStartDamping,
		Damping:        DefaultDamping,
		Multiplier:     DefaultMultiplier,
		Slope:          DefaultSlope,
	}
}

// Load reads the config at path. A missing file is not an error: a commented
// template is written and re-read, producing a config that fails Validate
// until the user fills in the tier sections.
func Load(path string, log *zap.SugaredLogger) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Infof("no config file at %s, writing template", path)
		if err := writeTemplate(path); err != nil {
			return nil, err
		}
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	c := defaults()
	if err := c.loadGlobal(f, log); err != nil {
		return nil, err
	}
	if err := c.loadTiers(f, log); err != nil {
		return nil, err
	}

	c.RunPath = filepath.Join(c.MetadataPath, hashPath(path))
	return c, nil
}

func (c *Config) loadGlobal(f *ini.File, log *zap.SugaredLogger) error {
	sec, err := f.GetSection("Global")
	if err != nil {
		log.Warn("no [Global] section in config, using defaults")
		return nil
	}
	for _, key := range sec.Keys() {
		if !globalKeys[key.Name()] {
			log.Warnf("unknown config key [Global] %q ignored", key.Name())
			continue
		}
		switch key.Name() {
		case "Log Level":
			v, err := key.Int()
			if err != nil {
				return fmt.Errorf("invalid Log Level %q: %w", key.String(), err)
			}
			if v < 0 {
				v = 0
			} else if v > 2 {
				v = 2
			}
			c.LogLevel = v
		case "Tier Period":
			v, err := key.Int64()
			if err != nil {
				return fmt.Errorf("invalid Tier Period %q: %w", key.String(), err)
			}
			c.TierPeriod = v
		case "Strict Period":
			v, err := key.Bool()
			if err != nil {
				return fmt.Errorf("invalid Strict Period %q: %w", key.String(), err)
			}
			c.StrictPeriod = v
		case "Copy Buffer Size":
			v, err := units.RAMInBytes(key.String())
			if err != nil {
				return fmt.Errorf("invalid Copy Buffer Size %q: %w", key.String(), err)
			}
			c.CopyBufferSize = v
		case "Metadata Path":
			c.MetadataPath = key.String()
		case "Start Damping":
			v, err := key.Float64()
			if err != nil {
				return fmt.Errorf("invalid Start Damping %q: %w", key.String(), err)
			}
			c.StartDamping = v
		case "Damping":
			v, err := key.Float64()
			if err != nil {
				return fmt.Errorf("invalid Damping %q: %w", key.String(), err)
			}
			c.Damping = v
		case "Multiplier":
			v, err := key.Float64()
			if err != nil {
				return fmt.Errorf("invalid Multiplier %q: %w", key.String(), err)
			}
			c.Multiplier = v
		case "Slope":
			v, err := key.Float64()
			if err != nil {
				return fmt.Errorf("invalid Slope %q: %w", key.String(), err)
			}
			c.Slope = v
		}
	}
	return nil
}

func (c *Config) loadTiers(f *ini.File, log *zap.SugaredLogger) error {
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || strings.EqualFold(name, "global") {
			continue
		}
		tc := TierConfig{
			ID:           name,
			QuotaBytes:   -1,
			QuotaPercent: -1,
		}
		for _, key := range sec.Keys() {
			if !tierKeys[key.Name()] {
				log.Warnf("unknown config key [%s] %q ignored", name, key.Name())
				continue
			}
			switch key.Name() {
			case "Path":
				tc.Path = key.String()
			case "Quota":
				bytes, percent, err := ParseQuota(key.String())
				if err != nil {
					return fmt.Errorf("tier %q: %w", name, err)
				}
				tc.QuotaBytes = bytes
				tc.QuotaPercent = percent
			}
		}
		c.Tiers = append(c.Tiers, tc)
	}
	return nil
}

// ParseQuota parses a quota value: either "<number>%" or a byte size with an
// SI or IEC unit ("30 GiB", "500MB"). Exactly one of the returned values is
// set; the other is -1. An empty quota means 100% of capacity.
func ParseQuota(s string) (bytes int64, percent float64, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1, 100.0, nil
	}
	if strings.HasSuffix(s, "%") {
		var p float64
		if _, err := fmt.Sscanf(strings.TrimSuffix(s, "%"), "%f", &p); err != nil {
			return -1, -1, fmt.Errorf("invalid quota percent %q: %w", s, err)
		}
		if p < 0 || p > 100 {
			return -1, -1, fmt.Errorf("quota percent out of range: %q", s)
		}
		return -1, p, nil
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return -1, -1, fmt.Errorf("invalid quota %q: %w", s, err)
	}
	return b, -1, nil
}

// Validate checks the loaded config for fatal mistakes and creates the run
// path. It is separate from Load so the admin tool can read an incomplete
// config for the `config` command.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	if len(c.Tiers) == 1 {
		return fmt.Errorf("only one tier is defined, two or more are needed")
	}
	seen := make(map[string]bool)
	for _, t := range c.Tiers {
		if t.Path == "" {
			return fmt.Errorf("tier %q has no Path", t.ID)
		}
		if !filepath.IsAbs(t.Path) {
			return fmt.Errorf("tier %q: Path must be absolute: %q", t.ID, t.Path)
		}
		info, err := os.Stat(t.Path)
		if err != nil {
			return fmt.Errorf("tier %q: cannot access Path: %w", t.ID, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("tier %q: Path is not a directory: %q", t.ID, t.Path)
		}
		if seen[t.Path] {
			return fmt.Errorf("tier %q: Path %q used by more than one tier", t.ID, t.Path)
		}
		seen[t.Path] = true
	}
	if !filepath.IsAbs(c.MetadataPath) {
		return fmt.Errorf("Metadata Path must be absolute: %q", c.MetadataPath)
	}
	if err := os.MkdirAll(c.RunPath, 0o755); err != nil {
		return fmt.Errorf("cannot create run path %s: %w", c.RunPath, err)
	}
	return nil
}

// Dump renders the effective configuration in config-file form, for the
// `config` admin command.
func (c *Config) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Global]\n")
	fmt.Fprintf(&b, "Log Level = %d\n", c.LogLevel)
	fmt.Fprintf(&b, "Tier Period = %d\n", c.TierPeriod)
	fmt.Fprintf(&b, "Strict Period = %t\n", c.StrictPeriod)
	fmt.Fprintf(&b, "Copy Buffer Size = %s\n", units.BytesSize(float64(c.CopyBufferSize)))
	fmt.Fprintf(&b, "Metadata Path = %s\n", c.MetadataPath)
	for _, t := range c.Tiers {
		fmt.Fprintf(&b, "\n[%s]\n", t.ID)
		fmt.Fprintf(&b, "Path = %s\n", t.Path)
		switch {
		case t.QuotaBytes >= 0:
			fmt.Fprintf(&b, "Quota = %s\n", units.BytesSize(float64(t.QuotaBytes)))
		case t.QuotaPercent >= 0:
			fmt.Fprintf(&b, "Quota = %.4g %%\n", t.QuotaPercent)
		}
	}
	return b.String()
}

// hashPath derives a stable directory name from the config path.
func hashPath(path string) string {
	h := fnv.New64a()
	h.Write([]byte(path))
	return fmt.Sprintf("%d", h.Sum64())
}

const template = `# autotier config
[Global]                       # global settings
Log Level = 1                  # 0 = quiet, 1 = normal, 2 = debug
Tier Period = 1000             # number of seconds between file move batches
Copy Buffer Size = 1 MiB       # size of buffer for moving files between tiers
Metadata Path = /var/lib/autotier

[Tier 1]                       # tier name
Path =                         # full path to tier storage pool
Quota =                        # absolute or % usage to keep tier under
# Quota format: x (%|B|MB|MiB|KB|KiB|TB|TiB|...)
# Example: Quota = 5.3 TiB

[Tier 2]
Path =
Quota =
# ... (add as many tiers as you like)
`

// writeTemplate creates the parent directory and writes the commented
// starter config.
func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return fmt.Errorf("cannot write config template: %w", err)
	}
	return nil
}
