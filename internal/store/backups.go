package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

const backupPrefix = "openclaw-"

// Backup describes one retained configuration snapshot.
type Backup struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// backupCurrent copies the config file as it stands into the backups
// directory. Called with the store mutex held, before every replace. No
// config file yet means nothing to back up.
func (s *Store) backupCurrent() error {
	data, err := os.ReadFile(s.paths.Config)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config for backup: %w", err)
	}

	if err := os.MkdirAll(s.paths.Backups, 0o755); err != nil {
		return fmt.Errorf("create backups directory: %w", err)
	}
	name := backupPrefix + time.Now().UTC().Format("20060102-150405.000000000") + ".json"
	if err := os.WriteFile(filepath.Join(s.paths.Backups, name), data, 0o600); err != nil {
		return fmt.Errorf("write backup %s: %w", name, err)
	}
	return s.pruneBackups()
}

// pruneBackups keeps the newest `retention` backups and removes the rest.
func (s *Store) pruneBackups() error {
	names, err := s.backupNames()
	if err != nil {
		return err
	}
	if len(names) <= s.retention {
		return nil
	}
	// Timestamped names sort oldest-first lexically.
	removed := 0
	for _, name := range names[:len(names)-s.retention] {
		if err := os.Remove(filepath.Join(s.paths.Backups, name)); err != nil {
			s.logger.Warn("prune backup failed", "name", name, "error", err)
			continue
		}
		removed++
	}
	if s.metrics != nil && removed > 0 {
		s.metrics.BackupsPruned.Add(context.Background(), int64(removed))
	}
	return nil
}

func (s *Store) backupNames() ([]string, error) {
	entries, err := os.ReadDir(s.paths.Backups)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PruneBackups applies the retention bound outside the write path, for
// periodic cleanup of snapshots dropped in by hand.
func (s *Store) PruneBackups() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneBackups()
}

// Backups lists retained snapshots, newest first.
func (s *Store) Backups() ([]Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.backupNames()
	if err != nil {
		return nil, err
	}

	out := make([]Backup, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		info, err := os.Stat(filepath.Join(s.paths.Backups, names[i]))
		if err != nil {
			continue
		}
		out = append(out, Backup{
			Name:      names[i],
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	return out, nil
}

// Rollback restores one backup as the live configuration. The replaced file
// is itself backed up first, so a rollback can be undone.
func (s *Store) Rollback(ctx context.Context, name string) error {
	if name != filepath.Base(name) || !strings.HasPrefix(name, backupPrefix) {
		return fmt.Errorf("invalid backup name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := otelpkg.StartSpan(ctx, tracer, "store.rollback", otelpkg.AttrBackup.String(name))
	defer span.End()

	data, err := os.ReadFile(filepath.Join(s.paths.Backups, name))
	if err != nil {
		return fmt.Errorf("read backup %s: %w", name, err)
	}
	if err := s.backupCurrent(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.paths.Home, configFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.paths.Config); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	s.cached = nil
	s.logger.Info("configuration rolled back", "backup", name)
	if s.auditor != nil {
		s.auditor.Event(ctx, "config.rollback", name)
	}
	return nil
}
