package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeObject is one entry in a FakeStore.
type fakeObject struct {
	data         []byte
	lastModified time.Time
}

// FakeStore is an in-memory ObjectStore used by tests in place of a real
// bucket, the way gcsfuse's fs/fstesting package exercises the filesystem
// against an in-memory bucket rather than live GCS. VersionTag here is a
// content hash rather than a GCS generation number, since there is no real
// generation counter to expose; EnsureFresh (C4) treats it opaquely either
// way.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{objects: make(map[string]*fakeObject)}
}

// Put creates or overwrites the object at key with data, stamping its
// modification time with now.
func (f *FakeStore) Put(key string, data []byte, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = &fakeObject{data: cp, lastModified: now}
}

// Delete removes the object at key, if present.
func (f *FakeStore) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
}

func versionTagFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (f *FakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *FakeStore) Stat(ctx context.Context, key string) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return Stat{}, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return Stat{
		ContentLength: int64(len(o.data)),
		LastModified:  o.lastModified,
		VersionTag:    versionTagFor(o.data),
	}, nil
}

func (f *FakeStore) IsFile(ctx context.Context, key string) (bool, error) {
	return f.Exists(ctx, key)
}

func (f *FakeStore) Read(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	return cp, nil
}

func (f *FakeStore) RangeRead(ctx context.Context, key string, start, end int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if start < 0 || end > int64(len(o.data)) || start > end {
		return nil, fmt.Errorf("objectstore: range [%d,%d) out of bounds for %q (len %d)", start, end, key, len(o.data))
	}
	cp := make([]byte, end-start)
	copy(cp, o.data[start:end])
	return cp, nil
}

func (f *FakeStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]struct{})
	var names []string
	for key := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}
