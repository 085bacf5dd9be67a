// Package seed implements directory seeding (C5): the one-time recursive
// walk of the remote bucket that populates the metadata store with an
// inode for every remote object and prefix, run once at mount init before
// the FUSE dispatcher accepts any request.
package seed

import (
	"context"
	"fmt"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/cloudshelf/objectfs/internal/logger"
	"github.com/cloudshelf/objectfs/internal/metadata"
	"github.com/cloudshelf/objectfs/internal/objectstore"
)

// Root is the well-known inode number of the mount point, matching
// fuseops.RootInodeID.
const Root = uint64(fuseops.RootInodeID)

// Walk populates store with one inode per object/prefix reachable from the
// bucket root, unless the root inode already exists, in which case Walk
// returns immediately without touching the bucket: the walk runs once at
// mount init, and subsequent mounts against an already-seeded data
// directory short-circuit.
//
// uid/gid are the owner stamped on every seeded inode; mode is the fixed
// permission bits used for seeded files and directories alike (0o777 for
// both kinds).
func Walk(ctx context.Context, store *metadata.Store, objects objectstore.ObjectStore, uid, gid uint32, mode uint32) error {
	if store.RootExists(Root) {
		logger.Debugf("seed: root inode %d already present, skipping bucket walk", Root)
		return nil
	}

	logger.Infof("seed: walking bucket from root prefix")

	root := metadata.InodeAttributes{
		Inode:      Root,
		Kind:       metadata.KindDir,
		Mode:       mode,
		Hardlinks:  2, // itself plus its own "."
		UID:        uid,
		GID:        gid,
		RemoteKey:  "",
		VersionTag: "",
	}

	dir := metadata.NewDirectoryDescriptor()
	dir.Put(".", metadata.DirEntry{Inode: Root, Kind: metadata.KindDir})
	// The root has no parent to point ".." at, so it points to itself.
	dir.Put("..", metadata.DirEntry{Inode: Root, Kind: metadata.KindDir})

	if err := store.StoreInode(root); err != nil {
		return fmt.Errorf("seed: persisting root inode: %w", err)
	}
	if err := store.StoreDir(Root, dir); err != nil {
		return fmt.Errorf("seed: persisting root directory: %w", err)
	}

	w := &walker{ctx: ctx, store: store, objects: objects, uid: uid, gid: gid, mode: mode}
	return w.recurse("", Root, dir)
}

type walker struct {
	ctx     context.Context
	store   *metadata.Store
	objects objectstore.ObjectStore
	uid     uint32
	gid     uint32
	mode    uint32
}

// recurse lists the immediate children of prefix, seeds one inode per
// child, inserts each into parentDir, and descends into any sub-prefix.
// parentDir is assumed already loaded in memory; it is persisted once after
// all of its children have been added, rather than once per child. A
// sub-prefix's descriptor is thus written twice: once holding "." and ".."
// before the descent, and once more if the descent added children.
func (w *walker) recurse(prefix string, parentInode uint64, parentDir *metadata.DirectoryDescriptor) error {
	logger.Infof("seed: listing prefix %q", prefix)

	children, err := w.objects.List(w.ctx, prefix)
	if err != nil {
		return fmt.Errorf("seed: listing %q: %w", prefix, err)
	}

	dirty := false
	for _, name := range children {
		if name == "" {
			continue
		}
		fullPath := prefix + name

		isFile, err := w.objects.IsFile(w.ctx, fullPath)
		if err != nil {
			return fmt.Errorf("seed: checking %q: %w", fullPath, err)
		}

		inode, err := w.store.AllocateInode(Root)
		if err != nil {
			return fmt.Errorf("seed: allocating inode for %q: %w", fullPath, err)
		}

		if isFile {
			logger.Tracef("seed: file %q -> inode %d", fullPath, inode)
			attrs := metadata.InodeAttributes{
				Inode:      inode,
				Kind:       metadata.KindFile,
				Mode:       w.mode,
				Hardlinks:  1,
				UID:        w.uid,
				GID:        w.gid,
				RemoteKey:  fullPath,
				VersionTag: "",
			}
			if err := w.store.StoreInode(attrs); err != nil {
				return fmt.Errorf("seed: persisting inode %d (%q): %w", inode, fullPath, err)
			}
			parentDir.Put(name, metadata.DirEntry{Inode: inode, Kind: metadata.KindFile})
			dirty = true
			continue
		}

		logger.Tracef("seed: sub-prefix %q -> inode %d", fullPath, inode)
		childPrefix := fullPath + "/"
		childDir := metadata.NewDirectoryDescriptor()
		childDir.Put(".", metadata.DirEntry{Inode: inode, Kind: metadata.KindDir})
		childDir.Put("..", metadata.DirEntry{Inode: parentInode, Kind: metadata.KindDir})

		attrs := metadata.InodeAttributes{
			Inode:      inode,
			Kind:       metadata.KindDir,
			Mode:       w.mode,
			Hardlinks:  2,
			UID:        w.uid,
			GID:        w.gid,
			RemoteKey:  childPrefix,
			VersionTag: "",
		}
		if err := w.store.StoreInode(attrs); err != nil {
			return fmt.Errorf("seed: persisting inode %d (%q): %w", inode, childPrefix, err)
		}
		if err := w.store.StoreDir(inode, childDir); err != nil {
			return fmt.Errorf("seed: persisting directory %d (%q): %w", inode, childPrefix, err)
		}
		parentDir.Put(name, metadata.DirEntry{Inode: inode, Kind: metadata.KindDir})
		dirty = true

		if err := w.recurse(childPrefix, inode, childDir); err != nil {
			return err
		}
	}

	if dirty {
		if err := w.store.StoreDir(parentInode, parentDir); err != nil {
			return fmt.Errorf("seed: persisting directory %d: %w", parentInode, err)
		}
	}
	return nil
}
