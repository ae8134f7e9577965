package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/mapscrape/internal/listing"
	"github.com/jmylchreest/mapscrape/internal/logger"
)

// ArtifactSuffix follows the query in every export file name.
const ArtifactSuffix = " - mapscrape output"

// ErrNoArtifact is returned by Latest when nothing matches the query.
var ErrNoArtifact = errors.New("no export found for query")

// ErrUnsafePath is returned by SafeJoin for names that escape the directory.
var ErrUnsafePath = errors.New("unsafe file name")

// BaseName returns the export file name for query, without extension. The
// same query always yields the same name.
func BaseName(query string) string {
	return sanitizeFileName(query) + ArtifactSuffix
}

// Export writes records to dir in the given format and returns the file's
// path. The file is written to a temporary name and renamed into place, so
// a reader never sees a partial export. An existing export for the same
// query and format is replaced.
func Export(dir, query string, format Format, records []listing.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	path := filepath.Join(dir, BaseName(query)+format.Extension())

	tmp, err := os.CreateTemp(dir, ".mapscrape-*"+format.Extension())
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := NewWriter(tmp, format)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if err := w.WriteAll(records); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write records: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move export into place: %w", err)
	}

	logger.Info("export written", "path", path, "format", format, "records", len(records))
	return path, nil
}

// Latest returns the most recently modified export for query in dir.
func Latest(dir, query string) (string, error) {
	pattern := filepath.Join(dir, escapeGlob(BaseName(query))+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}

	var latest string
	var latestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest, latestMod = m, mod
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w: %q", ErrNoArtifact, query)
	}
	return latest, nil
}

// SafeJoin resolves a user-supplied file name inside dir, rejecting anything
// that is not a plain file name.
func SafeJoin(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, name), nil
}

// sanitizeFileName replaces characters that are unsafe in file names.
func sanitizeFileName(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "query"
	}
	return out
}

// escapeGlob quotes glob metacharacters.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]\`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
