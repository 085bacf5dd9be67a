package fs

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshelf/objectfs/internal/cache"
	"github.com/cloudshelf/objectfs/internal/clock"
	"github.com/cloudshelf/objectfs/internal/download"
	"github.com/cloudshelf/objectfs/internal/metadata"
	"github.com/cloudshelf/objectfs/internal/objectstore"
	"github.com/cloudshelf/objectfs/internal/seed"
)

const testUID, testGID uint32 = 1000, 1000

type testFixture struct {
	fs      *FileSystem
	store   *metadata.Store
	objects *objectstore.FakeStore
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	tf := newUnseededFixture(t)
	require.NoError(t, seed.Walk(context.Background(), tf.store, tf.objects, testUID, testGID, 0o777))
	return tf
}

// newUnseededFixture builds a fixture whose metadata store has not been
// seeded yet, so a test can populate the bucket before its own seed.Walk
// call (Walk does nothing once the root inode exists).
func newUnseededFixture(t *testing.T) *testFixture {
	t.Helper()
	store, err := metadata.NewStore(t.TempDir())
	require.NoError(t, err)
	objects := objectstore.NewFakeStore()
	fc := clock.NewFakeClock(time.Unix(1_700_000_000, 0))

	mgr := &cache.Manager{
		Store:      store,
		Objects:    objects,
		Downloader: download.New(objects, 1<<20, 4),
		Clock:      fc,
	}

	return &testFixture{
		fs:      New(Config{Store: store, Cache: mgr, Clock: fc}),
		store:   store,
		objects: objects,
		clock:   fc,
	}
}

// createFile persists a local-only (never-synced) file inode as a child of
// parent, mirroring what CreateFile produces, without going through the
// dispatcher.
func (tf *testFixture) createFile(t *testing.T, parent uint64, name string, mode uint32) uint64 {
	t.Helper()
	inode, err := tf.store.AllocateInode(seed.Root)
	require.NoError(t, err)

	attrs := metadata.InodeAttributes{
		Inode:     inode,
		Kind:      metadata.KindFile,
		Mode:      mode,
		Hardlinks: 1,
		UID:       testUID,
		GID:       testGID,
	}
	require.NoError(t, tf.store.StoreInode(attrs))
	require.NoError(t, os.WriteFile(tf.store.ContentPath(inode), nil, 0o644))

	dir, err := tf.store.LoadDir(parent)
	require.NoError(t, err)
	dir.Put(name, metadata.DirEntry{Inode: inode, Kind: metadata.KindFile})
	require.NoError(t, tf.store.StoreDir(parent, dir))

	return inode
}

func header() fuseops.OpHeader {
	return fuseops.OpHeader{Uid: testUID, Gid: testGID}
}

func TestLookUpInodeFindsSeededFile(t *testing.T) {
	tf := newUnseededFixture(t)
	tf.objects.Put("hello.txt", []byte("hi"), time.Now())
	require.NoError(t, seed.Walk(context.Background(), tf.store, tf.objects, testUID, testGID, 0o777))

	op := &fuseops.LookUpInodeOp{Header: header(), Parent: fuseops.InodeID(seed.Root), Name: "hello.txt"}
	require.NoError(t, tf.fs.LookUpInode(op))
	assert.NotZero(t, op.Entry.Child)
	assert.Equal(t, os.FileMode(0o777), op.Entry.Attributes.Mode)
}

func TestLookUpInodeNotFound(t *testing.T) {
	tf := newFixture(t)
	op := &fuseops.LookUpInodeOp{Header: header(), Parent: fuseops.InodeID(seed.Root), Name: "nope"}
	err := tf.fs.LookUpInode(op)
	assert.Equal(t, fuse.ENOENT, err)
}

func TestLookUpInodeRejectsOverlongName(t *testing.T) {
	tf := newFixture(t)
	longName := make([]byte, 256)
	for i := range longName {
		longName[i] = 'a'
	}
	op := &fuseops.LookUpInodeOp{Header: header(), Parent: fuseops.InodeID(seed.Root), Name: string(longName)}
	err := tf.fs.LookUpInode(op)
	assert.Equal(t, syscall.ENAMETOOLONG, err)
}

func TestLookUpInodeRequiresExecuteOnParent(t *testing.T) {
	tf := newFixture(t)
	// Strip execute bits from root so a non-owner, non-root caller is denied.
	root, err := tf.store.LoadInode(seed.Root)
	require.NoError(t, err)
	root.Mode = 0o600
	require.NoError(t, tf.store.StoreInode(root))

	op := &fuseops.LookUpInodeOp{
		Header: fuseops.OpHeader{Uid: 2000, Gid: 2000},
		Parent: fuseops.InodeID(seed.Root),
		Name:   "anything",
	}
	err = tf.fs.LookUpInode(op)
	assert.Equal(t, syscall.EACCES, err)
}

func TestGetInodeAttributesReturnsCurrentState(t *testing.T) {
	tf := newFixture(t)
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.InodeID(seed.Root)}
	require.NoError(t, tf.fs.GetInodeAttributes(op))
	assert.Equal(t, uint32(2), uint32(op.Attributes.Nlink))
}

func TestOpenFileLocalOnlySkipsFreshnessCheck(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "local.txt", 0o644)

	op := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_RDONLY)}
	require.NoError(t, tf.fs.OpenFile(op))
	assert.True(t, handleReadable(op.Handle))
	assert.False(t, handleWritable(op.Handle))

	attrs, err := tf.store.LoadInode(inode)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), attrs.OpenFileHandles)
}

func TestOpenFileRejectsBadFlagCombination(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "local.txt", 0o644)

	op := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_RDONLY) | uint32(syscall.O_TRUNC)}
	err := tf.fs.OpenFile(op)
	assert.Equal(t, syscall.EACCES, err)
}

func TestOpenFileDeniesWriteWithoutPermission(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "ro.txt", 0o444)

	op := &fuseops.OpenFileOp{
		Header: fuseops.OpHeader{Uid: testUID, Gid: testGID},
		Inode:  fuseops.InodeID(inode),
		Flags:  uint32(syscall.O_WRONLY),
	}
	err := tf.fs.OpenFile(op)
	assert.Equal(t, syscall.EACCES, err)
}

func TestOpenFileRemoteAlreadyFreshSkipsDownload(t *testing.T) {
	tf := newUnseededFixture(t)
	tf.objects.Put("remote.txt", []byte("content"), time.Now())
	require.NoError(t, seed.Walk(context.Background(), tf.store, tf.objects, testUID, testGID, 0o777))

	rootDir, err := tf.store.LoadDir(seed.Root)
	require.NoError(t, err)
	entry, ok := rootDir.Get("remote.txt")
	require.True(t, ok)

	stat, err := tf.objects.Stat(context.Background(), "remote.txt")
	require.NoError(t, err)

	attrs, err := tf.store.LoadInode(entry.Inode)
	require.NoError(t, err)
	attrs.VersionTag = stat.VersionTag
	require.NoError(t, tf.store.StoreInode(attrs))

	op := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(entry.Inode), Flags: uint32(syscall.O_RDONLY)}
	require.NoError(t, tf.fs.OpenFile(op))
}

func TestReadWriteRoundTrip(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "rw.txt", 0o644)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_RDWR)}
	require.NoError(t, tf.fs.OpenFile(openOp))

	writeOp := &fuseops.WriteFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Offset: 0, Data: []byte("hello")}
	require.NoError(t, tf.fs.WriteFile(writeOp))

	readOp := &fuseops.ReadFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Offset: 0, Size: 100}
	require.NoError(t, tf.fs.ReadFile(readOp))
	assert.Equal(t, "hello", string(readOp.Data))

	attrs, err := tf.store.LoadInode(inode)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), attrs.Size)
}

func TestReadClampsAtEOF(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "clamp.txt", 0o644)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_RDWR)}
	require.NoError(t, tf.fs.OpenFile(openOp))
	require.NoError(t, tf.fs.WriteFile(&fuseops.WriteFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Data: []byte("abc")}))

	readOp := &fuseops.ReadFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Offset: 1, Size: 100}
	require.NoError(t, tf.fs.ReadFile(readOp))
	assert.Equal(t, "bc", string(readOp.Data))

	// Past EOF entirely: zero bytes, no error.
	pastOp := &fuseops.ReadFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Offset: 10, Size: 5}
	require.NoError(t, tf.fs.ReadFile(pastOp))
	assert.Empty(t, pastOp.Data)
}

func TestReadRejectsHandleWithoutReadBit(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "wo.txt", 0o644)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_WRONLY)}
	require.NoError(t, tf.fs.OpenFile(openOp))

	readOp := &fuseops.ReadFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Offset: 0, Size: 10}
	err := tf.fs.ReadFile(readOp)
	assert.Equal(t, syscall.EACCES, err)
}

func TestWriteRejectsHandleWithoutWriteBit(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "ro2.txt", 0o644)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_RDONLY)}
	require.NoError(t, tf.fs.OpenFile(openOp))

	writeOp := &fuseops.WriteFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Data: []byte("x")}
	err := tf.fs.WriteFile(writeOp)
	assert.Equal(t, syscall.EACCES, err)
}

func TestWriteClearsSetuidSetgid(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "suid.txt", 0o6755)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_WRONLY)}
	require.NoError(t, tf.fs.OpenFile(openOp))
	require.NoError(t, tf.fs.WriteFile(&fuseops.WriteFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Data: []byte("x")}))

	attrs, err := tf.store.LoadInode(inode)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o755), attrs.Mode)
}

// TestWritePreservesSetgidWithoutGroupExecute covers the conditional half of
// clearing SGID: a setgid file with no group-execute bit is using setgid for
// mandatory record locking, not group-ownership inheritance, and a write
// must leave it in place.
func TestWritePreservesSetgidWithoutGroupExecute(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "lock.txt", 0o2700)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_WRONLY)}
	require.NoError(t, tf.fs.OpenFile(openOp))
	require.NoError(t, tf.fs.WriteFile(&fuseops.WriteFileOp{Inode: fuseops.InodeID(inode), Handle: openOp.Handle, Data: []byte("x")}))

	attrs, err := tf.store.LoadInode(inode)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o2700), attrs.Mode)
}

func TestCreateFileBasic(t *testing.T) {
	tf := newFixture(t)
	op := &fuseops.CreateFileOp{
		Header: header(),
		Parent: fuseops.InodeID(seed.Root),
		Name:   "new.txt",
		Mode:   0o644,
		Flags:  uint32(syscall.O_RDWR),
	}
	require.NoError(t, tf.fs.CreateFile(op))
	assert.NotZero(t, op.Entry.Child)
	assert.NotZero(t, op.Handle)

	dir, err := tf.store.LoadDir(seed.Root)
	require.NoError(t, err)
	_, ok := dir.Get("new.txt")
	assert.True(t, ok)
}

func TestCreateFileRejectsDuplicateName(t *testing.T) {
	tf := newFixture(t)
	tf.createFile(t, seed.Root, "dup.txt", 0o644)

	op := &fuseops.CreateFileOp{Header: header(), Parent: fuseops.InodeID(seed.Root), Name: "dup.txt", Mode: 0o644, Flags: uint32(syscall.O_RDWR)}
	err := tf.fs.CreateFile(op)
	assert.Equal(t, fuse.EEXIST, err)
}

func TestCreateFileMasksSetuidSetgidForNonRoot(t *testing.T) {
	tf := newFixture(t)
	op := &fuseops.CreateFileOp{
		Header: fuseops.OpHeader{Uid: 2000, Gid: 2000},
		Parent: fuseops.InodeID(seed.Root),
		Name:   "nonroot.txt",
		Mode:   os.FileMode(0o755) | os.ModeSetuid | os.ModeSetgid,
		Flags:  uint32(syscall.O_RDWR),
	}
	require.NoError(t, tf.fs.CreateFile(op))
	assert.Equal(t, os.FileMode(0o755), op.Entry.Attributes.Mode&os.FileMode(0o7777))
}

// TestCreateFilePreservesStickyBit covers the finding that os.FileMode.Perm()
// discards sticky along with setuid/setgid: sticky carries no privilege of
// its own, so it must survive creation even for a non-root caller.
func TestCreateFilePreservesStickyBit(t *testing.T) {
	tf := newFixture(t)
	op := &fuseops.CreateFileOp{
		Header: fuseops.OpHeader{Uid: 2000, Gid: 2000},
		Parent: fuseops.InodeID(seed.Root),
		Name:   "sticky.txt",
		Mode:   os.FileMode(0o755) | os.ModeSticky,
		Flags:  uint32(syscall.O_RDWR),
	}
	require.NoError(t, tf.fs.CreateFile(op))

	attrs, err := tf.store.LoadInode(uint64(op.Entry.Child))
	require.NoError(t, err)
	assert.Equal(t, uint32(0o1755), attrs.Mode)
}

func TestCreateFileInheritsGIDUnderSGIDParent(t *testing.T) {
	tf := newFixture(t)
	root, err := tf.store.LoadInode(seed.Root)
	require.NoError(t, err)
	root.Mode |= 0o2000
	root.GID = 42
	require.NoError(t, tf.store.StoreInode(root))

	op := &fuseops.CreateFileOp{
		Header: fuseops.OpHeader{Uid: testUID, Gid: 7777},
		Parent: fuseops.InodeID(seed.Root),
		Name:   "inherited.txt",
		Mode:   0o644,
		Flags:  uint32(syscall.O_RDWR),
	}
	require.NoError(t, tf.fs.CreateFile(op))
	assert.Equal(t, uint32(42), op.Entry.Attributes.Gid)
}

func TestOpenDirAndReadDirListsSeededEntries(t *testing.T) {
	tf := newUnseededFixture(t)
	tf.objects.Put("a.txt", []byte("1"), time.Now())
	tf.objects.Put("b.txt", []byte("2"), time.Now())
	require.NoError(t, seed.Walk(context.Background(), tf.store, tf.objects, testUID, testGID, 0o777))

	openOp := &fuseops.OpenDirOp{Header: header(), Inode: fuseops.InodeID(seed.Root), Flags: uint32(syscall.O_RDONLY)}
	require.NoError(t, tf.fs.OpenDir(openOp))

	readOp := &fuseops.ReadDirOp{Inode: fuseops.InodeID(seed.Root), Handle: openOp.Handle, Offset: 0, Size: 4096}
	require.NoError(t, tf.fs.ReadDir(readOp))
	assert.NotEmpty(t, readOp.Data)
}

func TestReadDirRespectsSizeLimit(t *testing.T) {
	tf := newFixture(t)
	for i := 0; i < 20; i++ {
		tf.createFile(t, seed.Root, string(rune('a'+i))+".txt", 0o644)
	}

	openOp := &fuseops.OpenDirOp{Header: header(), Inode: fuseops.InodeID(seed.Root), Flags: uint32(syscall.O_RDONLY)}
	require.NoError(t, tf.fs.OpenDir(openOp))

	readOp := &fuseops.ReadDirOp{Inode: fuseops.InodeID(seed.Root), Handle: openOp.Handle, Offset: 0, Size: 32}
	require.NoError(t, tf.fs.ReadDir(readOp))
	assert.LessOrEqual(t, len(readOp.Data), 32)
}

func TestUnlinkRemovesEntryAndGCsInode(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "doomed.txt", 0o644)

	op := &fuseops.UnlinkOp{Header: header(), Parent: fuseops.InodeID(seed.Root), Name: "doomed.txt"}
	require.NoError(t, tf.fs.Unlink(op))

	dir, err := tf.store.LoadDir(seed.Root)
	require.NoError(t, err)
	_, ok := dir.Get("doomed.txt")
	assert.False(t, ok)

	_, err = tf.store.LoadInode(inode)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestUnlinkRespectsStickyBit(t *testing.T) {
	tf := newFixture(t)
	root, err := tf.store.LoadInode(seed.Root)
	require.NoError(t, err)
	root.Mode |= 0o1000
	root.UID = 1
	require.NoError(t, tf.store.StoreInode(root))

	inode := tf.createFile(t, seed.Root, "owned-by-2000.txt", 0o666)
	attrs, err := tf.store.LoadInode(inode)
	require.NoError(t, err)
	attrs.UID = 2000
	require.NoError(t, tf.store.StoreInode(attrs))

	op := &fuseops.UnlinkOp{
		Header: fuseops.OpHeader{Uid: 3000, Gid: 3000},
		Parent: fuseops.InodeID(seed.Root),
		Name:   "owned-by-2000.txt",
	}
	err = tf.fs.Unlink(op)
	assert.Equal(t, syscall.EACCES, err)
}

func TestReleaseFileHandleDecrementsAndGCs(t *testing.T) {
	tf := newFixture(t)
	inode := tf.createFile(t, seed.Root, "transient.txt", 0o644)

	openOp := &fuseops.OpenFileOp{Header: header(), Inode: fuseops.InodeID(inode), Flags: uint32(syscall.O_RDONLY)}
	require.NoError(t, tf.fs.OpenFile(openOp))

	unlinkOp := &fuseops.UnlinkOp{Header: header(), Parent: fuseops.InodeID(seed.Root), Name: "transient.txt"}
	require.NoError(t, tf.fs.Unlink(unlinkOp))

	// Hardlinks are now zero but the handle is still open, so the inode must
	// survive until release.
	_, err := tf.store.LoadInode(inode)
	require.NoError(t, err)

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}
	require.NoError(t, tf.fs.ReleaseFileHandle(releaseOp))

	_, err = tf.store.LoadInode(inode)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestForgetInodeIsNoOp(t *testing.T) {
	tf := newFixture(t)
	assert.NoError(t, tf.fs.ForgetInode(&fuseops.ForgetInodeOp{ID: fuseops.InodeID(seed.Root)}))
}
