// Package perms resolves the UID and GID objectfs should report for files
// it creates, mirroring gcsfuse's internal/perms helper.
package perms

import (
	"fmt"
	"os/user"
	"strconv"
)

// MyUserAndGroup returns the UID and GID of the user running this process.
func MyUserAndGroup() (uid uint32, gid uint32, err error) {
	u, err := user.Current()
	if err != nil {
		err = fmt.Errorf("user.Current: %w", err)
		return
	}

	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		err = fmt.Errorf("parsing uid %q: %w", u.Uid, err)
		return
	}

	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		err = fmt.Errorf("parsing gid %q: %w", u.Gid, err)
		return
	}

	uid = uint32(uid64)
	gid = uint32(gid64)
	return
}
