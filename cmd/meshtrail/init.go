package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meshtrail/meshtrail/internal/defaults"
)

// runInit initializes a Meshtrail working directory with default files.
// It creates the db directory and writes the example config. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Meshtrail workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	// 0600: the config may carry broker passwords.
	configPath := filepath.Join(dir, "meshtrail.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit meshtrail.yaml, then run: meshtrail serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting the outcome on w. Init never overwrites user
// customizations.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if os.IsExist(err) {
			fmt.Fprintf(w, "  - %s exists, skipping\n", path)
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
