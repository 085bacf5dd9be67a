package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Store is the persistent inode/directory metadata store (C3). It keeps no
// in-memory cache of inode state: every operation is a full-file read or
// write against $data_dir, each write a full rewrite with truncate rather
// than an in-place patch. Callers (the FUSE dispatcher, C6) are
// responsible for serializing access the way a single dispatcher thread
// naturally does; Store only guards the superblock counter itself, since a
// future parallel dispatcher might allocate inodes concurrently.
type Store struct {
	dataDir string

	mu      sync.Mutex // guards superblock read-modify-write
	counter uint64
	loaded  bool
}

// NewStore creates the inodes/ and contents/ subdirectories under dataDir
// if they do not already exist, and returns a Store rooted there.
func NewStore(dataDir string) (*Store, error) {
	for _, sub := range []string{"inodes", "contents"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("metadata: creating %s: %w", sub, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) superblockPath() string {
	return filepath.Join(s.dataDir, "superblock")
}

func (s *Store) inodePath(n uint64) string {
	return filepath.Join(s.dataDir, "inodes", strconv.FormatUint(n, 10))
}

// ContentPath returns the path to the cache/content file for inode n. For
// files this holds raw cached bytes; for directories, an encoded
// DirectoryDescriptor.
func (s *Store) ContentPath(n uint64) string {
	return filepath.Join(s.dataDir, "contents", strconv.FormatUint(n, 10))
}

// RootExists reports whether the root inode has already been persisted,
// used by directory seeding (C5) to skip re-walking the bucket on repeat
// mounts.
func (s *Store) RootExists(root uint64) bool {
	_, err := os.Stat(s.inodePath(root))
	return err == nil
}

func (s *Store) loadCounterLocked(root uint64) error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.superblockPath())
	if os.IsNotExist(err) {
		s.counter = root
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("metadata: reading superblock: %w", err)
	}
	counter, err := DecodeSuperblock(data)
	if err != nil {
		return fmt.Errorf("metadata: decoding superblock: %w", err)
	}
	s.counter = counter
	s.loaded = true
	return nil
}

// maxInode is the highest inode number the allocator will hand out: file
// handles pack a counter into their low 62 bits and capability flags into
// the top two (see internal/fs), so inode numbers must stay below 1<<62 to
// keep the two numbering spaces from ever colliding.
const maxInode = uint64(1)<<62 - 1

// AllocateInode seeds the superblock from root on first use, then persists
// counter+1 before returning it, so the allocator never hands out an ID it
// has not first durably reserved (I3).
func (s *Store) AllocateInode(root uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadCounterLocked(root); err != nil {
		return 0, err
	}
	next := s.counter + 1
	if next > maxInode {
		return 0, fmt.Errorf("metadata: inode counter exhausted (%d exceeds %d)", next, maxInode)
	}
	if err := os.WriteFile(s.superblockPath(), EncodeSuperblock(next), 0o644); err != nil {
		return 0, fmt.Errorf("metadata: persisting superblock: %w", err)
	}
	s.counter = next
	return next, nil
}

// LoadInode reads and decodes the attribute record for inode n, returning
// ErrNotFound if it does not exist.
func (s *Store) LoadInode(n uint64) (InodeAttributes, error) {
	data, err := os.ReadFile(s.inodePath(n))
	if os.IsNotExist(err) {
		return InodeAttributes{}, ErrNotFound
	}
	if err != nil {
		return InodeAttributes{}, fmt.Errorf("metadata: reading inode %d: %w", n, err)
	}
	attrs, err := DecodeInodeAttributes(data)
	if err != nil {
		return InodeAttributes{}, fmt.Errorf("metadata: corrupt inode %d: %w", n, err)
	}
	return attrs, nil
}

// StoreInode overwrites the attribute record for attrs.Inode.
func (s *Store) StoreInode(attrs InodeAttributes) error {
	data := EncodeInodeAttributes(attrs)
	if err := os.WriteFile(s.inodePath(attrs.Inode), data, 0o644); err != nil {
		return fmt.Errorf("metadata: writing inode %d: %w", attrs.Inode, err)
	}
	return nil
}

// LoadDir reads and decodes the directory descriptor for inode n.
func (s *Store) LoadDir(n uint64) (*DirectoryDescriptor, error) {
	data, err := os.ReadFile(s.ContentPath(n))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: reading dir %d: %w", n, err)
	}
	d, err := DecodeDirectoryDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("metadata: corrupt dir %d: %w", n, err)
	}
	return d, nil
}

// StoreDir overwrites the directory descriptor for inode n.
func (s *Store) StoreDir(n uint64, d *DirectoryDescriptor) error {
	data := EncodeDirectoryDescriptor(d)
	if err := os.WriteFile(s.ContentPath(n), data, 0o644); err != nil {
		return fmt.Errorf("metadata: writing dir %d: %w", n, err)
	}
	return nil
}

// GCInode removes both the inode record and its content file once the
// inode has zero hardlinks and zero open handles (I1 in reverse: the pair
// is removed atomically with respect to callers because the dispatcher is
// serial). It is idempotent: calling it again after the files are already
// gone is not an error.
func (s *Store) GCInode(attrs InodeAttributes) (bool, error) {
	if attrs.Hardlinks != 0 || attrs.OpenFileHandles != 0 {
		return false, nil
	}
	if err := os.Remove(s.inodePath(attrs.Inode)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("metadata: removing inode %d: %w", attrs.Inode, err)
	}
	if err := os.Remove(s.ContentPath(attrs.Inode)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("metadata: removing contents %d: %w", attrs.Inode, err)
	}
	return true, nil
}
