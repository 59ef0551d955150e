package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/paths"
)

// BackupCount is how many previous versions Save keeps as path.bak, path.bak.1, ...
const BackupCount = 5

// Save writes cfg to path as YAML. An existing file is kept as path.bak and
// older backups shift down one slot.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := backup(path, prev); err != nil {
			L_warn("config: backup failed, saving anyway", "path", path, "error", err)
		}
	}

	if err := writeAtomic(path, buf.Bytes(), 0600); err != nil {
		return err
	}
	L_info("config: saved", "path", path)
	return nil
}

// backupName returns the name of backup slot i (0 is the newest).
func backupName(path string, i int) string {
	if i == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, i)
}

// backup shifts existing backups one slot older, dropping the last, and
// writes prev into the newest slot.
func backup(path string, prev []byte) error {
	for i := BackupCount - 2; i >= 0; i-- {
		from, to := backupName(path, i), backupName(path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			L_trace("config: backup rotation skipped", "from", from, "error", err)
		}
	}
	if err := os.WriteFile(backupName(path, 0), prev, 0600); err != nil {
		return err
	}
	L_debug("config: previous version kept", "path", backupName(path, 0))
	return nil
}

// writeAtomic replaces path with data through a temp file in the same
// directory, so the watcher never reloads a partial file.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chatstream-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	err = func() error {
		defer tmp.Close()
		if err := tmp.Chmod(perm); err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			return err
		}
		return tmp.Sync()
	}()
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
