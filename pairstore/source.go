package pairstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SourcePair is one loose (raw, rendered) screenshot pair awaiting packaging.
type SourcePair struct {
	ProfileID    string
	RawPath      string
	RenderedPath string
}

// sourceMetadata mirrors the crawler's dataset_metadata.json.
type sourceMetadata struct {
	Records []sourceRecord `json:"records"`
}

type sourceRecord struct {
	HTMLFile       string   `json:"html_file"`
	Screenshots    []string `json:"screenshots"`
	RawScreenshots []string `json:"raw_screenshots"`
}

// SourceScan summarises how a metadata file was turned into source pairs.
type SourceScan struct {
	Pairs   []SourcePair
	Missing map[string]int // per profile, records lacking one side of the pair
}

// LoadSourceManifest reads the crawler metadata at path and returns, in record order,
// every pair whose two files exist. A rendered file belongs to a profile when its
// name ends in "_<profile>.png", a raw file when it ends in "_<profile>_raw.png".
func LoadSourceManifest(path, renderedDir, rawDir string, profiles []string, logger *slog.Logger) (*SourceScan, error) {
	if logger == nil {
		logger = discardLogger()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source metadata: %w", err)
	}
	var meta sourceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode source metadata %s: %w", path, err)
	}

	scan := &SourceScan{Missing: make(map[string]int)}

	// Profiles are packed one after another so each profile's indices are contiguous.
	for _, profile := range profiles {
		for _, rec := range meta.Records {
			rendered := findFor(rec.Screenshots, "_"+profile+".png")
			raw := findFor(rec.RawScreenshots, "_"+profile+"_raw.png")
			if rendered == "" || raw == "" {
				scan.Missing[profile]++
				continue
			}

			renderedPath := filepath.Join(renderedDir, rendered)
			rawPath := filepath.Join(rawDir, raw)
			if !isFile(renderedPath) || !isFile(rawPath) {
				logger.Debug("source pair missing on disk",
					"profile", profile, "raw", rawPath, "rendered", renderedPath)
				scan.Missing[profile]++
				continue
			}

			scan.Pairs = append(scan.Pairs, SourcePair{
				ProfileID:    profile,
				RawPath:      rawPath,
				RenderedPath: renderedPath,
			})
		}
	}
	return scan, nil
}

// findFor returns the first name ending in suffix. The crawler names files
// "<page>_<profile>.png" and "<page>_<profile>_raw.png", so a suffix match keeps
// "Dell" from claiming "Dell_S2722QC" screenshots.
func findFor(names []string, suffix string) string {
	for _, n := range names {
		if strings.HasSuffix(n, suffix) {
			return n
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
