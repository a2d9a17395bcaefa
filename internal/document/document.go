// Package document implements the shared pipeline document.
// One JSON file per workflow session carries all data between stages;
// stage processes read it, merge their keys, and write it back whole.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt marks a document file that exists but does not parse.
// Readers must treat this as terminal; the accessor never repairs files.
var ErrCorrupt = errors.New("document corrupt")

// Document is an open-ended key/value set. No key is reserved by the
// orchestration core; stage contracts are a per-deployment agreement.
type Document map[string]any

// Read loads the document at path. A missing file yields an empty
// document so the first pipeline stage can materialize it.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, nil
		}
		return nil, fmt.Errorf("read document %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Write replaces the document at path atomically: the full JSON is
// staged to a temp file in the same directory and renamed over the
// target, so readers only ever observe a complete, committed document.
func Write(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("stage document: %w", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(append(data, '\n'))
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stage document: %w", werr)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

// GetString returns the string at key, or "" when absent or not a string.
func (d Document) GetString(key string) string {
	if v, ok := d[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetBool returns the bool at key, false when absent.
func (d Document) GetBool(key string) bool {
	if v, ok := d[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// GetMap returns the nested object at key, nil when absent.
func (d Document) GetMap(key string) map[string]any {
	if v, ok := d[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// GetSlice returns the array at key, nil when absent.
func (d Document) GetSlice(key string) []any {
	if v, ok := d[key]; ok {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}

// Has reports whether every named key is present.
func (d Document) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := d[k]; !ok {
			return false
		}
	}
	return true
}

// MissingKeys returns the subset of keys absent from the document.
// Downstream stages use this to fail fast instead of proceeding on
// defaults silently.
func (d Document) MissingKeys(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := d[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
