package download

import (
	"golang.org/x/sys/unix"

	"github.com/cloudshelf/objectfs/internal/logger"
)

// ChooseConcurrency derives a reasonable default download concurrency from
// the process's file-descriptor limit, the way gcsfuse's legacy
// ChooseTempDirLimitNumFiles derives a temp-file budget from
// RLIMIT_NOFILE. It is only consulted when --download-concurrency is set to
// zero or less; the flag itself defaults to DefaultConcurrency.
func ChooseConcurrency() int {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		logger.Warnf("failed to query RLIMIT_NOFILE, using default download concurrency %d: %v", DefaultConcurrency, err)
		return DefaultConcurrency
	}

	// Heuristic: use about an eighth of the limit, since each in-flight
	// block holds one HTTP connection open, but cap it well below the
	// "reasonable ceiling" the legacy temp-file heuristic used, since
	// concurrency also bounds memory at concurrency*blockSize.
	limit := rlimit.Cur / 8
	const ceiling = 32
	if limit > ceiling {
		limit = ceiling
	}
	if limit < 1 {
		limit = DefaultConcurrency
	}
	return int(limit)
}
