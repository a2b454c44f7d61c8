package durable

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"layerlog/pkg/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupManager keeps versioned pre-write copies of destination files.
// Before any write that is not a fresh-file create, the current target
// is copied to `<path>.bak.<version>` (plus a codec suffix when
// compression is on). The last N versions per path are retained, the
// oldest pruned on confirmation.
type BackupManager struct {
	retention int
	codec     Codec
	logger    *logrus.Logger

	mu       sync.Mutex
	versions map[string]uint64 // highest version handed out per path
}

// NewBackupManager validates the durable configuration and returns a
// manager.
func NewBackupManager(cfg types.DurableConfig, logger *logrus.Logger) (*BackupManager, error) {
	codec, err := ParseCodec(cfg.BackupCodec)
	if err != nil {
		return nil, err
	}
	retention := cfg.BackupRetention
	if retention <= 0 {
		retention = 3
	}
	return &BackupManager{
		retention: retention,
		codec:     codec,
		logger:    logger,
		versions:  make(map[string]uint64),
	}, nil
}

// Backup copies the current content of path to a new backup version.
// A missing target is a fresh-file create and needs no backup; the
// returned entry is nil in that case.
func (bm *BackupManager) Backup(path string) (*types.BackupEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup %s: read target: %w", path, err)
	}

	version := bm.nextVersion(path)
	compressed, err := bm.codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("backup %s: compress: %w", path, err)
	}

	name := fmt.Sprintf("%s.bak.%d%s", path, version, bm.codec.Ext())
	if err := AtomicWrite(name, compressed, 0o600); err != nil {
		return nil, fmt.Errorf("backup %s: %w", path, err)
	}

	entry := &types.BackupEntry{
		Path:      path,
		Version:   version,
		AttemptID: uuid.NewString(),
		Codec:     string(bm.codec),
		CreatedAt: time.Now(),
	}

	bm.logger.WithFields(logrus.Fields{
		"path":    path,
		"version": version,
		"codec":   string(bm.codec),
	}).Debug("Backup version created")

	return entry, nil
}

// Confirm acknowledges that the write protected by entry succeeded and
// prunes versions beyond the retention count. An unconfirmed backup is
// never pruned, so a failed write always keeps its pre-write copy.
func (bm *BackupManager) Confirm(entry *types.BackupEntry) {
	if entry == nil {
		return
	}
	if err := bm.prune(entry.Path); err != nil {
		bm.logger.WithError(err).WithField("path", entry.Path).Warn("Backup prune failed")
	}
}

// Restore returns the decompressed content of the most recent backup
// for path.
func (bm *BackupManager) Restore(path string) ([]byte, *types.BackupEntry, error) {
	entries, err := bm.Versions(path)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("restore %s: no backup versions", path)
	}

	newest := entries[len(entries)-1]
	name := backupFileName(path, newest)
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, nil, fmt.Errorf("restore %s: read %s: %w", path, name, err)
	}
	data, err := Codec(newest.Codec).Decompress(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("restore %s: decompress %s: %w", path, name, err)
	}
	return data, &newest, nil
}

// Versions lists the on-disk backup entries for path, oldest first.
func (bm *BackupManager) Versions(path string) ([]types.BackupEntry, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup versions %s: %w", path, err)
	}

	var entries []types.BackupEntry
	prefix := base + ".bak."
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), prefix) {
			continue
		}
		version, codec, ok := parseBackupSuffix(de.Name()[len(prefix):])
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, types.BackupEntry{
			Path:      path,
			Version:   version,
			Codec:     string(codec),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}

// nextVersion returns a version strictly above anything on disk or
// previously handed out for path.
func (bm *BackupManager) nextVersion(path string) uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if _, seen := bm.versions[path]; !seen {
		if entries, err := bm.Versions(path); err == nil && len(entries) > 0 {
			bm.versions[path] = entries[len(entries)-1].Version
		}
	}
	bm.versions[path]++
	return bm.versions[path]
}

// prune removes the oldest versions beyond retention.
func (bm *BackupManager) prune(path string) error {
	entries, err := bm.Versions(path)
	if err != nil {
		return err
	}
	for len(entries) > bm.retention {
		oldest := entries[0]
		entries = entries[1:]
		if err := os.Remove(backupFileName(path, oldest)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func backupFileName(path string, entry types.BackupEntry) string {
	return fmt.Sprintf("%s.bak.%d%s", path, entry.Version, Codec(entry.Codec).Ext())
}

// parseBackupSuffix splits "<version>[<codec-ext>]".
func parseBackupSuffix(s string) (uint64, Codec, bool) {
	codec := codecForExt(s)
	s = strings.TrimSuffix(s, codec.Ext())
	version, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, CodecNone, false
	}
	return version, codec, true
}
