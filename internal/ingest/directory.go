package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// DirStats summarizes a directory scan.
type DirStats struct {
	Scanned uint32
	Matched uint32
	Hidden  uint32
	Failed  uint32
}

// ScanDirectory walks root and returns every receipt file it can ingest, sorted
// by path. Hidden files and directories are skipped when skipHidden is set.
func ScanDirectory(root string, skipHidden bool) ([]string, DirStats, error) {
	var stats DirStats
	if strings.TrimSpace(root) == "" {
		return nil, stats, errors.New("root is required")
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		stats.Scanned++
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			stats.Hidden++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, stats, nil
}

// AllowedExt reports whether ext (with or without the dot) is a receipt format.
func AllowedExt(ext string) bool {
	return constants.MimeForExt(ext) != ""
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// LoadFile reads a receipt from disk into an extraction request. Files larger
// than maxBytes are rejected before they are read in full.
func LoadFile(path string, maxBytes int64) (entity.ExtractionRequest, string, error) {
	mime := constants.MimeForExt(filepath.Ext(path))
	if mime == "" {
		return entity.ExtractionRequest{}, "", fmt.Errorf("%s: unsupported extension", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return entity.ExtractionRequest{}, "", err
	}
	defer func() { _ = f.Close() }()

	r := io.Reader(f)
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return entity.ExtractionRequest{}, "", fmt.Errorf("read %s: %w", path, err)
	}
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		return entity.ExtractionRequest{}, "", fmt.Errorf("%s: larger than %d bytes", path, maxBytes)
	}
	sum := sha256.Sum256(content)
	return entity.NewExtractionRequest(content, mime, filepath.Base(path)), hex.EncodeToString(sum[:]), nil
}
