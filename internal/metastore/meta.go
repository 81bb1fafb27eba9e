package metastore

import (
	"encoding/json"
	"fmt"

	"github.com/autotier/autotier/internal/config"
)

// FileMeta is the persisted record for one regular file or symlink, keyed by
// its path relative to the mount point.
type FileMeta struct {
	// TierPath is the absolute backend path of the tier owning the file.
	TierPath string `json:"tier_path"`
	// AccessCount counts accesses since the last popularity calculation.
	AccessCount uint64 `json:"access_count"`
	// Popularity is the smoothed accesses per hour.
	Popularity float64 `json:"popularity"`
	// Pinned files are never moved by the tiering engine.
	Pinned bool `json:"pinned"`
}

// NewFileMeta returns the record for a file just created on the given tier.
// Popularity starts at the average usage assumption rather than zero so new
// files are not immediately demoted.
func NewFileMeta(tierPath string) *FileMeta {
	return &FileMeta{
		TierPath:   tierPath,
		Popularity: config.DefaultMultiplier * config.AvgUsage,
	}
}

// Touch records one access.
func (m *FileMeta) Touch() {
	m.AccessCount++
}

func (m *FileMeta) encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize file metadata: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte) (*FileMeta, error) {
	var m FileMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize file metadata: %w", err)
	}
	return &m, nil
}
