// Package download implements the parallel range downloader (C2): given a
// remote key, a local path and a desired concurrency, it fetches the
// object in fixed-size blocks and writes each at its correct offset in a
// preallocated local file.
package download

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cloudshelf/objectfs/internal/metrics"
	"github.com/cloudshelf/objectfs/internal/objectstore"
)

// Defaults mirror the "small, e.g. 4" concurrency figure and a 64 MiB
// block size.
const (
	DefaultBlockSize   = 64 << 20
	DefaultConcurrency = 4
)

// Downloader fetches whole objects to local files using bounded-concurrency
// ranged reads against an ObjectStore. It holds no metadata-store state of
// its own: populating inode attributes after a successful download is the
// caller's responsibility (C4).
type Downloader struct {
	store       objectstore.ObjectStore
	blockSize   int64
	concurrency int
}

// New returns a Downloader reading through store. A blockSize or
// concurrency of <= 0 falls back to the package defaults.
func New(store objectstore.ObjectStore, blockSize int64, concurrency int) *Downloader {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Downloader{store: store, blockSize: blockSize, concurrency: concurrency}
}

type block struct {
	start, end int64
}

func blocksFor(size, blockSize int64) []block {
	if size == 0 {
		return nil
	}
	var blocks []block
	for start := int64(0); start < size; start += blockSize {
		end := start + blockSize
		if end > size {
			end = size
		}
		blocks = append(blocks, block{start: start, end: end})
	}
	return blocks
}

// Download populates localPath with the full contents of remoteKey,
// fetched as concurrent ranged reads of at most d.blockSize bytes each, and
// returns the number of bytes written.
//
// Content is staged into a uuid-suffixed sibling of localPath and only
// renamed over it once every block has landed, so a reader holding a
// handle open on a previously-valid cache file never observes a
// partially-populated one. On any per-block error the first error
// encountered is returned, the staging file is removed, and localPath is
// left exactly as it was before the call; callers must not update a
// cache's version_tag on failure, so that the next attempt retries from
// scratch.
func (d *Downloader) Download(ctx context.Context, remoteKey, localPath string, objectSize int64) (n int64, err error) {
	start := time.Now()
	defer func() {
		metrics.DownloadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.DownloadErrors.Inc()
		}
	}()

	stagingPath := fmt.Sprintf("%s.tmp-%s", localPath, uuid.NewString())
	f, err := os.Create(stagingPath)
	if err != nil {
		return 0, fmt.Errorf("download: creating %q: %w", stagingPath, err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(stagingPath)
		}
	}()

	if err := f.Truncate(objectSize); err != nil {
		return 0, fmt.Errorf("download: preallocating %q to %d bytes: %w", stagingPath, objectSize, err)
	}

	blocks := blocksFor(objectSize, d.blockSize)
	if len(blocks) == 0 {
		if err := f.Close(); err != nil {
			return 0, fmt.Errorf("download: closing %q: %w", stagingPath, err)
		}
		if err := os.Rename(stagingPath, localPath); err != nil {
			return 0, fmt.Errorf("download: publishing %q: %w", localPath, err)
		}
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(d.concurrency))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		bytesDone int64
	)

	for _, b := range blocks {
		b := b
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			data, err := d.store.RangeRead(ctx, remoteKey, b.start, b.end)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("download: range [%d,%d) of %q: %w", b.start, b.end, remoteKey, err)
					cancel()
				}
				mu.Unlock()
				return
			}

			// WriteAt performs a positional write, needing no lock around the
			// shared file handle; each block owns a disjoint byte range.
			if _, err := f.WriteAt(data, b.start); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("download: writing block at %d of %q: %w", b.start, localPath, err)
					cancel()
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			bytesDone += int64(len(data))
			mu.Unlock()
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return 0, firstErr
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("download: closing %q: %w", stagingPath, err)
	}
	if err := os.Rename(stagingPath, localPath); err != nil {
		return 0, fmt.Errorf("download: publishing %q: %w", localPath, err)
	}

	metrics.DownloadBytes.Add(float64(bytesDone))
	return bytesDone, nil
}
