// Package objectstore implements the ObjectStore client contract (C1): a
// thin, logically-immutable wrapper around the remote bucket exposing
// exactly the operations the rest of objectfs needs (stat, whole/ranged
// reads, listing, existence checks).
package objectstore

import (
	"context"
	"fmt"
	"time"
)

// Stat is the subset of remote object metadata the freshness protocol and
// directory seeding need.
type Stat struct {
	ContentLength int64
	LastModified  time.Time
	// VersionTag is the opaque remote version identifier compared against
	// InodeAttributes.VersionTag. Implementations prefer a strong identifier
	// (e.g. GCS object generation) over last-modified time when available.
	VersionTag string
}

// ObjectStore is the contract C6/C4/C5 depend on. Implementations must be
// safe for concurrent use by multiple goroutines once constructed.
type ObjectStore interface {
	// Exists reports whether key names an object in the bucket.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns metadata for key. It returns an error satisfying
	// errors.Is(err, ErrNotExist) if key does not name an object.
	Stat(ctx context.Context, key string) (Stat, error)

	// IsFile reports whether key names an object (true) as opposed to only
	// existing as a prefix of other objects (false). Used during seeding
	// (C5) to distinguish files from sub-prefixes.
	IsFile(ctx context.Context, key string) (bool, error)

	// Read fetches the entire object named by key.
	Read(ctx context.Context, key string) ([]byte, error)

	// RangeRead fetches the half-open byte range [start, end) of key.
	RangeRead(ctx context.Context, key string, start, end int64) ([]byte, error)

	// List returns the immediate child names (one path segment past prefix,
	// with any trailing delimiter stripped) present under prefix, the way a
	// bucket "directory" listing would. A returned name may be either a file
	// or a sub-prefix; callers that need to know which call IsFile on
	// prefix+name.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotExist is wrapped by Stat/Read/RangeRead implementations when the
// requested object does not exist remotely.
var ErrNotExist = fmt.Errorf("objectstore: object does not exist")
