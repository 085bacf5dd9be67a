// Package fs implements the FUSE operation dispatcher (C6): lookup,
// getattr, open, read, write, create, opendir, readdir and unlink, wired
// against the metadata store (C3), the freshness/cache manager (C4) and
// the object store (C1).
package fs

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/cloudshelf/objectfs/internal/cache"
	"github.com/cloudshelf/objectfs/internal/clock"
	"github.com/cloudshelf/objectfs/internal/logger"
	"github.com/cloudshelf/objectfs/internal/metadata"
	"github.com/cloudshelf/objectfs/internal/seed"
)

// Config bundles the dependencies a FileSystem needs. Direct-I/O is a mount
// option rather than a per-op one in this design, so it is applied via
// fuse.MountConfig by the caller that mounts the returned server rather than
// here.
type Config struct {
	Store *metadata.Store
	Cache *cache.Manager
	Clock clock.Clock
}

// FileSystem implements fuseutil.FileSystem (via fuseutil.NewFileSystemServer)
// against a persistent metadata store. It keeps no in-memory inode cache of
// its own — every operation re-reads current state from disk — so the only
// mutable state it owns directly is the handle counter and the
// handle->inode map.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	// No caller may hold an inode lock while acquiring mu: there are none,
	// since the dispatcher never blocks one op on another beyond mu itself.
	mu syncutil.InvariantMutex

	store *metadata.Store
	cache *cache.Manager
	clock clock.Clock

	nextHandle uint64                      // GUARDED_BY(mu)
	handles    map[fuseops.HandleID]uint64 // handle -> owning inode, GUARDED_BY(mu)
}

// New returns a FileSystem ready to be wrapped with
// fuseutil.NewFileSystemServer. If the root inode does not yet exist on
// disk, callers must run seed.Walk before mounting; New itself performs no
// I/O against cfg.Store beyond what checkInvariants touches.
func New(cfg Config) *FileSystem {
	fs := &FileSystem{
		store:      cfg.Store,
		cache:      cfg.Cache,
		clock:      cfg.Clock,
		nextHandle: 1,
		handles:    make(map[fuseops.HandleID]uint64),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs
}

func (fs *FileSystem) checkInvariants() {
	// INVARIANT: the handle counter never collides with the capability bits
	// packed into the top two bits of a HandleID (see handle.go).
	if fs.nextHandle&handleReadFlag != 0 || fs.nextHandle&handleWriteFlag != 0 {
		panic(fmt.Sprintf("handle counter overflowed into capability bits: %#x", fs.nextHandle))
	}
}

// allocateHandle mints a new handle for inode and records the owning inode
// so a later Release*HandleOp (which carries only the handle, not the
// inode) can find its way back to the inode whose open_file_handles count
// it must decrement.
func (fs *FileSystem) allocateHandle(inode uint64, mode accessMode) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h := encodeHandle(fs.nextHandle, mode)
	fs.nextHandle++
	fs.handles[h] = inode
	return h
}

// releaseHandle drops the handle's inode mapping and decrements the
// inode's open_file_handles, gc'ing it if that was the last reference.
func (fs *FileSystem) releaseHandle(h fuseops.HandleID) error {
	fs.mu.Lock()
	inode, ok := fs.handles[h]
	if ok {
		delete(fs.handles, h)
	}
	fs.mu.Unlock()
	if !ok {
		return nil
	}

	attrs, err := fs.store.LoadInode(inode)
	if err == metadata.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fs: loading inode %d on release: %w", inode, err)
	}
	if attrs.OpenFileHandles > 0 {
		attrs.OpenFileHandles--
	}
	if err := fs.store.StoreInode(attrs); err != nil {
		return fmt.Errorf("fs: persisting inode %d on release: %w", inode, err)
	}
	if _, err := fs.store.GCInode(attrs); err != nil {
		return fmt.Errorf("fs: gc inode %d on release: %w", inode, err)
	}
	return nil
}

func (fs *FileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

// toFuseAttrs converts a persisted InodeAttributes into the wire format the
// kernel expects.
func toFuseAttrs(attrs metadata.InodeAttributes) fuseops.InodeAttributes {
	mode := os.FileMode(attrs.Mode & 0o7777)
	if attrs.Kind == metadata.KindDir {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:   attrs.Size,
		Nlink:  uint64(attrs.Hardlinks),
		Mode:   mode,
		Atime:  timeFromTimestamp(attrs.LastAccessed),
		Mtime:  timeFromTimestamp(attrs.LastModified),
		Ctime:  timeFromTimestamp(attrs.LastMetadataChanged),
		Uid:    attrs.UID,
		Gid:    attrs.GID,
	}
}

// posixModeFromFileMode maps a kernel-supplied os.FileMode (as carried by
// CreateFileOp.Mode) onto the 12-bit POSIX mode InodeAttributes.Mode
// stores. os.FileMode.Perm() only returns the low 9 permission bits; the
// setuid/setgid/sticky bits live in Go's separate ModeSetuid/ModeSetgid/
// ModeSticky high bits and must be folded in explicitly, or a sticky
// creation request is silently dropped.
func posixModeFromFileMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

func timeFromTimestamp(ts metadata.Timestamp) time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

func timestampFromTime(t time.Time) metadata.Timestamp {
	return metadata.Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// LookUpInode implements inode lookup: reject overlong names,
// require X_OK on the parent, then resolve the child via the parent's
// directory descriptor without ever consulting the remote store.
func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	if len(op.Name) > 255 {
		return syscall.ENAMETOOLONG
	}

	parent, err := fs.store.LoadInode(uint64(op.Parent))
	if err != nil {
		return translateStoreErr(err)
	}
	if err := checkAccess(parent.UID, parent.GID, parent.Mode, op.Header.Uid, op.Header.Gid, xOK); err != nil {
		return err
	}

	dir, err := fs.store.LoadDir(uint64(op.Parent))
	if err != nil {
		return translateStoreErr(err)
	}
	entry, ok := dir.Get(op.Name)
	if !ok {
		return fuse.ENOENT
	}

	child, err := fs.store.LoadInode(entry.Inode)
	if err != nil {
		return translateStoreErr(err)
	}

	op.Entry.Child = fuseops.InodeID(child.Inode)
	op.Entry.Attributes = toFuseAttrs(child)
	return nil
}

// GetInodeAttributes implements getattr.
func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	attrs, err := fs.store.LoadInode(uint64(op.Inode))
	if err != nil {
		return translateStoreErr(err)
	}
	op.Attributes = toFuseAttrs(attrs)
	return nil
}

// OpenFile implements open: flag decoding, C4 freshness,
// check_access, open_file_handles bookkeeping, and handle allocation. A
// read-only open carrying FMODE_EXEC (the kernel's internal exec(2) path) is
// checked against X_OK rather than R_OK.
func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	mode, err := decodeOpenFlags(uint32(op.Flags))
	if err != nil {
		return err
	}

	attrs, err := fs.store.LoadInode(uint64(op.Inode))
	if err != nil {
		return translateStoreErr(err)
	}

	attrs, err = fs.cache.EnsureFresh(op.Context(), attrs)
	if err != nil {
		logger.Errorf("open: refreshing inode %d: %v", op.Inode, err)
		return fuse.EIO
	}

	if err := checkAccess(attrs.UID, attrs.GID, attrs.Mode, op.Header.Uid, op.Header.Gid, accessMask(mode)); err != nil {
		return err
	}

	attrs.OpenFileHandles++
	if err := fs.store.StoreInode(attrs); err != nil {
		return fmt.Errorf("fs: persisting inode %d: %w", attrs.Inode, err)
	}

	op.Handle = fs.allocateHandle(attrs.Inode, mode)
	return nil
}

// ReadFile implements read: reject handles without the read
// bit, clamp the requested range to the file's current size, and read the
// clamped range with positional I/O.
func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	if op.Offset < 0 {
		return fuse.EINVAL
	}
	if !handleReadable(op.Handle) {
		return syscall.EACCES
	}

	attrs, err := fs.store.LoadInode(uint64(op.Inode))
	if err != nil {
		return translateStoreErr(err)
	}

	remaining := int64(attrs.Size) - op.Offset
	if remaining < 0 {
		remaining = 0
	}
	length := int64(op.Size)
	if length > remaining {
		length = remaining
	}

	f, err := os.Open(fs.store.ContentPath(attrs.Inode))
	if err != nil {
		return fuse.ENOENT
	}
	defer f.Close()

	buf := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(buf, op.Offset); err != nil {
			return fuse.EIO
		}
	}
	op.Data = buf
	return nil
}

// WriteFile implements write: require the write bit, write at
// the given offset, grow size if the write extended the file, clear
// SUID/SGID and touch mtimes, and persist. Writes never reach the remote
// object.
func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	if !handleWritable(op.Handle) {
		return syscall.EACCES
	}

	attrs, err := fs.store.LoadInode(uint64(op.Inode))
	if err != nil {
		return translateStoreErr(err)
	}

	f, err := os.OpenFile(fs.store.ContentPath(attrs.Inode), os.O_WRONLY, 0o644)
	if err != nil {
		return syscall.EBADF
	}
	defer f.Close()

	if _, err := f.WriteAt(op.Data, op.Offset); err != nil {
		return fuse.EIO
	}

	now := fs.clock.Now()
	attrs.LastModified = timestampFromTime(now)
	attrs.LastMetadataChanged = timestampFromTime(now)
	if end := op.Offset + int64(len(op.Data)); end > int64(attrs.Size) {
		attrs.Size = uint64(end)
	}
	attrs.Mode = metadata.ClearSuidSgid(attrs.Mode)

	if err := fs.store.StoreInode(attrs); err != nil {
		return fmt.Errorf("fs: persisting inode %d: %w", attrs.Inode, err)
	}
	return nil
}

// CreateFile implements create.
func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	mode, err := decodeOpenFlags(uint32(op.Flags))
	if err != nil {
		return err
	}

	parent, err := fs.store.LoadInode(uint64(op.Parent))
	if err != nil {
		return translateStoreErr(err)
	}
	if err := checkAccess(parent.UID, parent.GID, parent.Mode, op.Header.Uid, op.Header.Gid, wOK); err != nil {
		return err
	}

	dir, err := fs.store.LoadDir(uint64(op.Parent))
	if err != nil {
		return translateStoreErr(err)
	}
	if _, exists := dir.Get(op.Name); exists {
		return fuse.EEXIST
	}

	reqMode := posixModeFromFileMode(op.Mode)
	if op.Header.Uid != 0 {
		// Non-root callers may not request SUID/SGID on creation; sticky is
		// left alone since it carries no privilege of its own.
		reqMode &^= 0o4000 | 0o2000
	}

	gid := op.Header.Gid
	if parent.Mode&0o2000 != 0 {
		gid = parent.GID
	}

	inode, err := fs.store.AllocateInode(seed.Root)
	if err != nil {
		return fmt.Errorf("fs: allocating inode: %w", err)
	}

	now := fs.clock.Now()
	ts := timestampFromTime(now)
	attrs := metadata.InodeAttributes{
		Inode:               inode,
		Kind:                metadata.KindFile,
		Mode:                reqMode,
		Hardlinks:           1,
		OpenFileHandles:     1,
		UID:                 op.Header.Uid,
		GID:                 gid,
		LastAccessed:        ts,
		LastModified:        ts,
		LastMetadataChanged: ts,
	}
	if err := fs.store.StoreInode(attrs); err != nil {
		return fmt.Errorf("fs: persisting inode %d: %w", inode, err)
	}
	if err := os.WriteFile(fs.store.ContentPath(inode), nil, 0o644); err != nil {
		return fmt.Errorf("fs: creating contents %d: %w", inode, err)
	}

	dir.Put(op.Name, metadata.DirEntry{Inode: inode, Kind: metadata.KindFile})
	if err := fs.store.StoreDir(uint64(op.Parent), dir); err != nil {
		return fmt.Errorf("fs: persisting parent dir %d: %w", op.Parent, err)
	}

	parent.LastModified = ts
	parent.LastMetadataChanged = ts
	if err := fs.store.StoreInode(parent); err != nil {
		return fmt.Errorf("fs: persisting parent inode %d: %w", op.Parent, err)
	}

	op.Entry.Child = fuseops.InodeID(inode)
	op.Entry.Attributes = toFuseAttrs(attrs)
	op.Handle = fs.allocateHandle(inode, mode)
	return nil
}

// OpenDir implements opendir: identical bookkeeping to open,
// minus the freshness check, since directories have no remote content to
// refresh.
func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	mode, err := decodeOpenFlags(uint32(op.Flags))
	if err != nil {
		return err
	}

	attrs, err := fs.store.LoadInode(uint64(op.Inode))
	if err != nil {
		return translateStoreErr(err)
	}

	mask := 0
	if mode.readable {
		mask |= rOK
	}
	if err := checkAccess(attrs.UID, attrs.GID, attrs.Mode, op.Header.Uid, op.Header.Gid, mask); err != nil {
		return err
	}

	attrs.OpenFileHandles++
	if err := fs.store.StoreInode(attrs); err != nil {
		return fmt.Errorf("fs: persisting inode %d: %w", attrs.Inode, err)
	}

	op.Handle = fs.allocateHandle(attrs.Inode, mode)
	return nil
}

// ReadDir implements readdir: deterministic order, 1-based
// resumable offsets.
func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	dir, err := fs.store.LoadDir(uint64(op.Inode))
	if err != nil {
		return translateStoreErr(err)
	}

	var data []byte
	for i, pair := range dir.Entries(int(op.Offset)) {
		dt := fuseutil.DT_File
		if pair.Entry.Kind == metadata.KindDir {
			dt = fuseutil.DT_Directory
		}
		d := fuseops.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fuseops.InodeID(pair.Entry.Inode),
			Name:   pair.Name,
			Type:   dt,
		}
		scratch := make([]byte, directEntrySize(d))
		n := fuseutil.WriteDirent(scratch, d)
		if n == 0 {
			break
		}
		if len(data)+n > op.Size {
			break
		}
		data = append(data, scratch[:n]...)
	}
	op.Data = data
	return nil
}

// directEntrySize overestimates the encoded size of a dirent enough to
// safely size a scratch buffer for fuseutil.WriteDirent's fit check; the
// function returns 0 into a too-small buffer rather than erroring.
func directEntrySize(d fuseops.Dirent) int {
	const headerSize = 8 + 8 + 4 + 4
	pad := 0
	if len(d.Name)%8 != 0 {
		pad = 8 - len(d.Name)%8
	}
	return headerSize + len(d.Name) + pad
}

// Unlink implements unlink: W_OK on the parent, the sticky-bit
// rule, hardlink decrement, gc_inode, and directory/parent bookkeeping.
func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) error {
	parent, err := fs.store.LoadInode(uint64(op.Parent))
	if err != nil {
		return translateStoreErr(err)
	}
	if err := checkAccess(parent.UID, parent.GID, parent.Mode, op.Header.Uid, op.Header.Gid, wOK); err != nil {
		return err
	}

	dir, err := fs.store.LoadDir(uint64(op.Parent))
	if err != nil {
		return translateStoreErr(err)
	}
	entry, ok := dir.Get(op.Name)
	if !ok {
		return fuse.ENOENT
	}

	child, err := fs.store.LoadInode(entry.Inode)
	if err != nil {
		return translateStoreErr(err)
	}

	if parent.Mode&0o1000 != 0 &&
		op.Header.Uid != 0 &&
		op.Header.Uid != parent.UID &&
		op.Header.Uid != child.UID {
		return syscall.EACCES
	}

	now := timestampFromTime(fs.clock.Now())
	if child.Hardlinks > 0 {
		child.Hardlinks--
	}
	child.LastMetadataChanged = now
	if err := fs.store.StoreInode(child); err != nil {
		return fmt.Errorf("fs: persisting inode %d: %w", child.Inode, err)
	}
	if _, err := fs.store.GCInode(child); err != nil {
		return fmt.Errorf("fs: gc inode %d: %w", child.Inode, err)
	}

	dir.Remove(op.Name)
	if err := fs.store.StoreDir(uint64(op.Parent), dir); err != nil {
		return fmt.Errorf("fs: persisting parent dir %d: %w", op.Parent, err)
	}

	parent.LastModified = now
	parent.LastMetadataChanged = now
	if err := fs.store.StoreInode(parent); err != nil {
		return fmt.Errorf("fs: persisting parent inode %d: %w", op.Parent, err)
	}
	return nil
}

// ReleaseFileHandle implements the decrement side of open's open_file_handles
// bookkeeping, running gc_inode in case a concurrent unlink already dropped
// hardlinks to zero while this handle was outstanding.
func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	return fs.releaseHandle(op.Handle)
}

// ReleaseDirHandle mirrors ReleaseFileHandle for directory handles.
func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	return fs.releaseHandle(op.Handle)
}

// ForgetInode is a no-op: FileSystem never pins inodes in memory across
// calls, so there is no per-inode lookup count to release.
func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	return nil
}

func translateStoreErr(err error) error {
	if err == metadata.ErrNotFound {
		return fuse.ENOENT
	}
	return fmt.Errorf("fs: %w", err)
}
