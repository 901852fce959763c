package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/groundloop/patchbay/internal/defaults"
)

// runInit initializes a patchbay working directory: the data directory
// for persistent state and a commented example config. Files that
// already exist are reported and left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing patchbay workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "patchbay.yaml")
	created, err := writeIfMissing(configPath, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  • %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit patchbay.yaml to add your servers, then check it with: patchbay validate")
	return nil
}

// writeIfMissing writes content to path unless the file already exists,
// so init never clobbers user customizations. It reports whether the
// file was created.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
