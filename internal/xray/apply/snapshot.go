// Package apply owns the config application pipeline: snapshot, validate,
// write, reload or restart, verify, and roll back on failure.
package apply

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"oneui/internal/shared/logger"
)

// SnapshotMeta describes one stored config snapshot.
type SnapshotMeta struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	Reason     string    `json:"reason"`
	ConfigPath string    `json:"configPath"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
}

// SnapshotStore keeps point-in-time copies of the live config file under a
// dedicated directory, pruned to a bounded retention.
type SnapshotStore struct {
	dir       string
	retention int
	logger    logger.Interface
}

func NewSnapshotStore(dir string, retention int, log logger.Interface) *SnapshotStore {
	if retention <= 0 {
		retention = 20
	}
	if retention > 500 {
		retention = 500
	}
	return &SnapshotStore{dir: dir, retention: retention, logger: log.Named("snapshot")}
}

// newSnapshotID builds the snapshot identity: the UTC timestamp with
// colons flattened to dashes, plus a short random suffix so snapshots in
// the same second never collide.
func newSnapshotID(now time.Time) string {
	stamp := strings.ReplaceAll(now.UTC().Format(time.RFC3339), ":", "-")
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return stamp + "-" + hex.EncodeToString(suffix)
}

// Capture stores a copy of the given config bytes and returns its metadata.
// Pruning failures are logged, never propagated.
func (s *SnapshotStore) Capture(configBytes []byte, reason string) (SnapshotMeta, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	now := time.Now()
	id := newSnapshotID(now)
	meta := SnapshotMeta{
		ID:         id,
		CreatedAt:  now.UTC(),
		Reason:     reason,
		ConfigPath: s.configPath(id),
		Size:       int64(len(configBytes)),
		SHA256:     fmt.Sprintf("%x", sha256.Sum256(configBytes)),
	}

	if err := os.WriteFile(s.configPath(meta.ID), configBytes, 0o644); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to write snapshot config: %w", err)
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to encode snapshot meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), raw, 0o644); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to write snapshot meta: %w", err)
	}

	if err := s.prune(); err != nil {
		s.logger.Warnw("snapshot pruning failed", "error", err)
	}
	return meta, nil
}

// List returns all snapshot metadata, newest first. Entries with an
// unreadable meta file are skipped.
func (s *SnapshotStore) List() ([]SnapshotMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot dir: %w", err)
	}

	var metas []SnapshotMeta
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warnw("failed to read snapshot meta", "file", name, "error", err)
			continue
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			s.logger.Warnw("failed to parse snapshot meta", "file", name, "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(a, b int) bool {
		if metas[a].CreatedAt.Equal(metas[b].CreatedAt) {
			return metas[a].ID > metas[b].ID
		}
		return metas[a].CreatedAt.After(metas[b].CreatedAt)
	})
	return metas, nil
}

// Read returns the stored config bytes and metadata for a snapshot.
func (s *SnapshotStore) Read(id string) ([]byte, SnapshotMeta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, SnapshotMeta{}, fmt.Errorf("snapshot %s not found: %w", id, err)
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, SnapshotMeta{}, fmt.Errorf("snapshot %s meta corrupt: %w", id, err)
	}
	configBytes, err := os.ReadFile(s.configPath(id))
	if err != nil {
		return nil, SnapshotMeta{}, fmt.Errorf("snapshot %s config missing: %w", id, err)
	}
	return configBytes, meta, nil
}

func (s *SnapshotStore) prune() error {
	metas, err := s.List()
	if err != nil {
		return err
	}
	for _, meta := range metas[min(len(metas), s.retention):] {
		if err := os.Remove(s.configPath(meta.ID)); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(s.metaPath(meta.ID)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *SnapshotStore) configPath(id string) string {
	return filepath.Join(s.dir, id+".config.json")
}

func (s *SnapshotStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}
