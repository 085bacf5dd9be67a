package fs

import "github.com/jacobsa/fuse/fuseops"

// Each file handle packs a monotonic counter into its low 62 bits and a
// read/write capability pair into its top two. Inode numbers must stay
// below 1<<62 (see metadata's maxInode) so the two numbering spaces never collide if a
// caller were to mix them up.
const (
	handleReadFlag    uint64 = 1 << 63
	handleWriteFlag   uint64 = 1 << 62
	handleCounterMask uint64 = handleWriteFlag - 1
)

func encodeHandle(counter uint64, mode accessMode) fuseops.HandleID {
	h := counter & handleCounterMask
	if mode.readable {
		h |= handleReadFlag
	}
	if mode.writable {
		h |= handleWriteFlag
	}
	return fuseops.HandleID(h)
}

func handleReadable(h fuseops.HandleID) bool {
	return uint64(h)&handleReadFlag != 0
}

func handleWritable(h fuseops.HandleID) bool {
	return uint64(h)&handleWriteFlag != 0
}
