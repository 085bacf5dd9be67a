package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"cloud.google.com/go/storage"

	"github.com/cloudshelf/objectfs/cfg"
	"github.com/cloudshelf/objectfs/internal/cache"
	"github.com/cloudshelf/objectfs/internal/clock"
	"github.com/cloudshelf/objectfs/internal/download"
	"github.com/cloudshelf/objectfs/internal/fs"
	"github.com/cloudshelf/objectfs/internal/logger"
	"github.com/cloudshelf/objectfs/internal/metadata"
	"github.com/cloudshelf/objectfs/internal/metrics"
	"github.com/cloudshelf/objectfs/internal/objectstore"
	"github.com/cloudshelf/objectfs/internal/perms"
	"github.com/cloudshelf/objectfs/internal/seed"
)

// mountPermissionError wraps a mount failure known to stem from missing
// kernel/FUSE permissions (typically user_allow_other), so Execute can map
// it to exit code 2 per the CLI contract.
type mountPermissionError struct{ cause error }

func (e *mountPermissionError) Error() string { return e.cause.Error() }
func (e *mountPermissionError) Unwrap() error  { return e.cause }

// mountExitCode reports the process exit code a mount-time error should
// produce: 2 for a detected permission failure, otherwise "not ok" so the
// caller falls back to its default.
func mountExitCode(err error) (int, bool) {
	var permErr *mountPermissionError
	if errors.As(err, &permErr) {
		return 2, true
	}
	return 0, false
}

func isPermissionMountError(err error) bool {
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "user_allow_other")
}

func runMount(ctx context.Context, c *cfg.Config) error {
	severity, err := logger.ParseSeverity(c.LogSeverity)
	if err != nil {
		return err
	}
	logger.Init(c.LogFormat, severity)

	dataDir, err := resolveDataDir(c.DataDir, c.BucketName)
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %q: %w", dataDir, err)
	}

	store, err := metadata.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating storage client: %w", err)
	}
	objects := objectstore.NewGCSStore(gcsClient, c.BucketName)

	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		return fmt.Errorf("resolving uid/gid: %w", err)
	}

	if !store.RootExists(seed.Root) {
		logger.Infof("seeding metadata store from bucket %q", c.BucketName)
		if err := seed.Walk(ctx, store, objects, uid, gid, 0o777); err != nil {
			return fmt.Errorf("seeding from bucket: %w", err)
		}
	}

	concurrency := c.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = download.ChooseConcurrency()
	}
	downloader := download.New(objects, int64(c.DownloadBlockSizeMb)<<20, concurrency)
	mgr := &cache.Manager{
		Store:      store,
		Objects:    objects,
		Downloader: downloader,
		Clock:      clock.RealClock{},
	}

	server := fuseutil.NewFileSystemServer(fs.New(fs.Config{
		Store: store,
		Cache: mgr,
		Clock: clock.RealClock{},
	}))

	mountCfg := &fuse.MountConfig{
		FSName:     "objectfs",
		Subtype:    "objectfs",
		VolumeName: filepath.Base(c.BucketName),
		Options:    map[string]string{},
	}
	if c.AllowRoot {
		mountCfg.Options["allow_root"] = ""
	}
	if c.DirectIO {
		mountCfg.Options["direct_io"] = ""
	}

	go serveMetrics()

	logger.Infof("mounting bucket %q at %q", c.BucketName, c.MountPoint)
	mfs, err := fuse.Mount(c.MountPoint, server, mountCfg)
	if err != nil {
		if isPermissionMountError(err) {
			return &mountPermissionError{cause: err}
		}
		return fmt.Errorf("mount: %w", err)
	}

	if c.AutoUnmount {
		defer fuse.Unmount(c.MountPoint)
	}

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}
	return nil
}

// resolveDataDir returns dataDir if set, else a bucket-scoped subdirectory
// of the user's cache directory.
func resolveDataDir(dataDir, bucketName string) (string, error) {
	if dataDir != "" {
		return filepath.Abs(dataDir)
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, cfg.DefaultDataDirName, bucketName), nil
}

// serveMetrics exposes the Prometheus registry on an ephemeral loopback
// port; a failure here is logged, not fatal, since metrics are diagnostic.
func serveMetrics() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Warnf("metrics listener failed: %v", err)
		return
	}
	logger.Infof("serving metrics on http://%s/metrics", ln.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.Serve(ln, mux); err != nil {
		logger.Warnf("metrics server stopped: %v", err)
	}
}
