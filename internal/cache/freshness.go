// Package cache implements the freshness/cache manager (C4): on open, it
// decides whether a cached content file must be repopulated from the
// remote object, and if so drives the parallel range downloader (C2) to
// refill it.
package cache

import (
	"context"
	"fmt"

	"github.com/cloudshelf/objectfs/internal/clock"
	"github.com/cloudshelf/objectfs/internal/download"
	"github.com/cloudshelf/objectfs/internal/logger"
	"github.com/cloudshelf/objectfs/internal/metadata"
	"github.com/cloudshelf/objectfs/internal/metrics"
	"github.com/cloudshelf/objectfs/internal/objectstore"
)

// Manager implements EnsureFresh against a metadata store, an object
// store and a downloader.
type Manager struct {
	Store      *metadata.Store
	Objects    objectstore.ObjectStore
	Downloader *download.Downloader
	Clock      clock.Clock
}

// EnsureFresh is the sole operation C6 calls on open: it compares the
// remote object's current version against attrs.VersionTag and, on
// mismatch, repopulates the cached content file, updates and persists the
// inode's attributes, and returns them. If attrs is already fresh, or the
// inode has no remote key (a locally-created file never yet synced), attrs
// is returned unchanged and untouched on disk.
//
// The check runs on every open; there is no periodic background refresh,
// and once a handle is open no further freshness check occurs for the
// lifetime of that handle (reads see a snapshot).
func (m *Manager) EnsureFresh(ctx context.Context, attrs metadata.InodeAttributes) (metadata.InodeAttributes, error) {
	if attrs.Kind != metadata.KindFile || attrs.RemoteKey == "" {
		return attrs, nil
	}

	stat, err := m.Objects.Stat(ctx, attrs.RemoteKey)
	if err != nil {
		return metadata.InodeAttributes{}, fmt.Errorf("cache: stat %q: %w", attrs.RemoteKey, err)
	}

	if stat.VersionTag == attrs.VersionTag && attrs.VersionTag != "" {
		metrics.CacheHits.Inc()
		return attrs, nil
	}
	metrics.CacheMisses.Inc()

	logger.Infof("refreshing cache for inode %d (%q): %q -> %q", attrs.Inode, attrs.RemoteKey, attrs.VersionTag, stat.VersionTag)

	localPath := m.Store.ContentPath(attrs.Inode)
	if _, err := m.Downloader.Download(ctx, attrs.RemoteKey, localPath, stat.ContentLength); err != nil {
		// Partial downloads leave the local file in an undefined state; we
		// must not update version_tag, so the next open retries.
		return metadata.InodeAttributes{}, fmt.Errorf("cache: refreshing inode %d from %q: %w", attrs.Inode, attrs.RemoteKey, err)
	}

	now := m.Clock.Now()
	attrs.Size = uint64(stat.ContentLength)
	attrs.LastModified = toTimestamp(stat.LastModified.Unix(), int32(stat.LastModified.Nanosecond()))
	attrs.LastMetadataChanged = toTimestamp(now.Unix(), int32(now.Nanosecond()))
	// A freshly-repopulated file must not retain a setuid grant from a stale
	// cache; setgid is only cleared when it isn't being used for mandatory
	// locking (see metadata.ClearSuidSgid).
	attrs.Mode = metadata.ClearSuidSgid(attrs.Mode)
	attrs.VersionTag = stat.VersionTag

	if err := m.Store.StoreInode(attrs); err != nil {
		return metadata.InodeAttributes{}, fmt.Errorf("cache: persisting refreshed inode %d: %w", attrs.Inode, err)
	}

	return attrs, nil
}

func toTimestamp(seconds int64, nanos int32) metadata.Timestamp {
	return metadata.Timestamp{Seconds: seconds, Nanos: nanos}
}
