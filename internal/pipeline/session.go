package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joss/siflow/internal/document"
)

// Session is one pipeline workspace: a timestamped directory holding a
// copy of the layout and the shared project document. Everything a run
// produces lands under Dir.
type Session struct {
	// Dir is the session directory.
	Dir string

	// DocumentPath is the project document inside Dir.
	DocumentPath string

	// LayoutPath is the copied layout inside Dir.
	LayoutPath string
}

// NewSession creates <root>/<design>_<timestamp>, copies the layout in
// and materializes the initial project document. Layouts may be plain
// files (.brd) or directories (.aedb).
func NewSession(root, layoutPath, edbVersion string) (*Session, error) {
	info, err := os.Stat(layoutPath)
	if err != nil {
		return nil, fmt.Errorf("layout not found: %w", err)
	}

	design := strings.TrimSuffix(filepath.Base(layoutPath), filepath.Ext(layoutPath))
	dir := filepath.Join(root, fmt.Sprintf("%s_%s", design, time.Now().Format("20060102_150405")))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(layoutPath))
	if info.IsDir() {
		err = copyDir(layoutPath, dest)
	} else {
		err = copyFile(layoutPath, dest)
	}
	if err != nil {
		return nil, fmt.Errorf("copy layout: %w", err)
	}

	s := &Session{
		Dir:          dir,
		DocumentPath: filepath.Join(dir, "project.json"),
		LayoutPath:   dest,
	}

	doc := document.Document{
		"design":      design,
		"layout_path": dest,
		"edb_version": edbVersion,
	}
	if err := document.Write(s.DocumentPath, doc); err != nil {
		return nil, fmt.Errorf("write project document: %w", err)
	}
	return s, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}
