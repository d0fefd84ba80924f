// Package collector is the boundary to the out-of-scope scraping
// pipeline: it only reads the canonical snapshot files the collector
// drops off, one JSON array per region.
package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"estate-tracker/models"
	"estate-tracker/utils"
)

// Loader reads and normalises snapshot files. Normalisation is purely
// cosmetic (whitespace); structural validation such as a missing
// external_id is left to the reconciler, which accounts for it.
type Loader struct {
	logger *utils.Logger
}

// NewLoader creates a Loader with the given logger.
func NewLoader(logger *utils.Logger) *Loader {
	return &Loader{logger: logger}
}

// DiscoverSnapshots maps region code → snapshot path for every .json
// file in dir. The region code is the file's base name, the convention
// the collector writes with.
func DiscoverSnapshots(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("collector: read snapshot dir %q: %w", dir, err)
	}

	snapshots := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		region := strings.TrimSuffix(entry.Name(), ".json")
		snapshots[region] = filepath.Join(dir, entry.Name())
	}
	return snapshots, nil
}

// LoadSnapshot decodes one region's snapshot file.
func (ld *Loader) LoadSnapshot(path string) ([]*models.CanonicalListing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector: read snapshot %q: %w", path, err)
	}

	var snapshot []*models.CanonicalListing
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("collector: decode snapshot %q: %w", path, err)
	}

	for _, item := range snapshot {
		item.ExternalID = strings.TrimSpace(item.ExternalID)
		item.TradeType = strings.ToLower(strings.TrimSpace(item.TradeType))
		item.Address = normaliseText(item.Address)
	}

	ld.logger.Debug("[collector] %s: %d snapshot entries", path, len(snapshot))
	return snapshot, nil
}

// normaliseText strips leading/trailing whitespace and collapses
// internal whitespace.
func normaliseText(s string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
