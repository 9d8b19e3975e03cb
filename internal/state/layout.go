package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// InitLayout creates the frozen runtime directory tree and empty state files
// under root. It is idempotent: existing files are left untouched, and a
// path whose type conflicts with the layout (file where a directory belongs,
// or the reverse) is an error.
func InitLayout(root, backend string) error {
	dirs := []string{StateDir, CheckpointsDir, ArtifactsDir, HandoffDir}
	for _, rel := range dirs {
		path := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", rel)
			}
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", rel, err)
		}
	}

	if backend == BackendSQLite {
		// The database file carries the state domains; creating the schema
		// is the whole initialisation.
		st, err := NewSQLiteStore(root)
		if err != nil {
			return err
		}
		return st.Close()
	}

	seeds := map[string]string{
		PipelineStateFile: "{}\n",
		EventsFile:        "",
		LeasesFile:        "{\n  \"schema_version\": \"1.0.0\",\n  \"leases\": []\n}\n",
		HeartbeatFile:     "{}\n",
	}
	for _, rel := range RequiredStateFiles {
		path := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return fmt.Errorf("path exists and is not a file: %s", rel)
			}
			continue
		}
		if err := os.WriteFile(path, []byte(seeds[rel]), 0o644); err != nil {
			return fmt.Errorf("create %s: %w", rel, err)
		}
	}
	return nil
}

// ValidateLayout checks that every required path exists with the right type.
func ValidateLayout(root, backend string) error {
	if backend == BackendSQLite {
		path := filepath.Join(root, filepath.FromSlash(SQLiteFile))
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("missing required file: %s", SQLiteFile)
		}
		if info.IsDir() {
			return fmt.Errorf("required path is not a file: %s", SQLiteFile)
		}
		return nil
	}
	for _, rel := range RequiredStateFiles {
		path := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("missing required file: %s", rel)
		}
		if info.IsDir() {
			return fmt.Errorf("required path is not a file: %s", rel)
		}
	}
	return nil
}
