package pipeline

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob patterns for the artifacts workers leave behind when they do
// not record an explicit path in the document.
const (
	touchstonePattern = "**/*.s*p"
	reportPattern     = "**/*.html"
)

// findArtifact returns the newest file under root matching the glob
// pattern, or "" when nothing matches.
func findArtifact(root, pattern string) string {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, match := range matches {
		full := filepath.Join(root, filepath.FromSlash(match))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = full
			newestMod = info.ModTime()
		}
	}
	return newest
}
