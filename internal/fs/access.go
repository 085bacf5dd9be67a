package fs

import (
	"syscall"

	"github.com/jacobsa/fuse"
)

// POSIX access-mode bits, named the way <unistd.h> names them.
const (
	fOK = 0
	xOK = 1
	wOK = 2
	rOK = 4
)

// fmodeExec is the kernel's FMODE_EXEC bit, folded into O_RDONLY opens that
// originate from the exec(2) path rather than a plain open(2) call.
const fmodeExec = 0x20

// checkAccess implements check_access(file_uid, file_gid, file_mode,
// caller_uid, caller_gid, mask): root bypasses read/write checks entirely
// and is only held to the execute bit, everyone else is matched against
// whichever of the owner/group/other permission triplets applies to them.
//
// Returned as a bare syscall.Errno rather than a fuse.* alias: jacobsa/fuse
// accepts any error implementing an Errno() method, and syscall.Errno
// already does, without depending on fuse exporting a constant of the same
// name for every errno this package needs.
func checkAccess(fileUID, fileGID, fileMode, callerUID, callerGID uint32, mask int) error {
	if mask == fOK {
		return nil
	}

	if callerUID == 0 {
		if mask&xOK != 0 && fileMode&0o111 == 0 {
			return syscall.EACCES
		}
		return nil
	}

	var triplet uint32
	switch {
	case callerUID == fileUID:
		triplet = (fileMode >> 6) & 0o7
	case callerGID == fileGID:
		triplet = (fileMode >> 3) & 0o7
	default:
		triplet = fileMode & 0o7
	}

	if uint32(mask)&^triplet != 0 {
		return syscall.EACCES
	}
	return nil
}

// accessMode is the decoded result of an open/create flags field.
type accessMode struct {
	readable bool
	writable bool
	// execOrigin is set when a read-only open carries FMODE_EXEC: the check
	// against the file's permission bits must use X_OK instead of R_OK, even
	// though the resulting handle is still only readable.
	execOrigin bool
}

// decodeOpenFlags applies the open-flag rule: exactly one of
// O_RDONLY/O_WRONLY/O_RDWR must be set, and O_RDONLY combined with O_TRUNC is
// rejected outright (truncating a file opened read-only makes no sense).
func decodeOpenFlags(flags uint32) (accessMode, error) {
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		if int(flags)&syscall.O_TRUNC != 0 {
			return accessMode{}, syscall.EACCES
		}
		return accessMode{readable: true, execOrigin: flags&fmodeExec != 0}, nil
	case syscall.O_WRONLY:
		return accessMode{writable: true}, nil
	case syscall.O_RDWR:
		return accessMode{readable: true, writable: true}, nil
	default:
		return accessMode{}, fuse.EINVAL
	}
}

// accessMask returns the check_access mask mode's capabilities require: a
// read-only handle opened from the exec path is checked for X_OK rather
// than R_OK, per the kernel's FMODE_EXEC convention.
func accessMask(mode accessMode) int {
	mask := 0
	if mode.writable {
		mask |= wOK
	}
	if mode.readable {
		if mode.execOrigin {
			mask |= xOK
		} else {
			mask |= rOK
		}
	}
	return mask
}
