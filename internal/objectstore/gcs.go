package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsStore implements ObjectStore against a single Cloud Storage bucket,
// the way gcsfuse's own gcs.Bucket wraps a pre-bound bucket handle.
type gcsStore struct {
	bucket *storage.BucketHandle
}

// NewGCSStore returns an ObjectStore backed by the named GCS bucket using
// client, a pre-authenticated storage client; construction/auth wiring is
// left to the caller.
func NewGCSStore(client *storage.Client, bucketName string) ObjectStore {
	return &gcsStore{bucket: client.Bucket(bucketName)}
}

func (s *gcsStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objectstore: stat %q: %w", key, err)
	}
	return true, nil
}

func (s *gcsStore) Stat(ctx context.Context, key string) (Stat, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Stat{}, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if err != nil {
		return Stat{}, fmt.Errorf("objectstore: stat %q: %w", key, err)
	}
	return Stat{
		ContentLength: attrs.Size,
		LastModified:  attrs.Updated,
		VersionTag:    strconv.FormatInt(attrs.Generation, 10),
	}, nil
}

func (s *gcsStore) IsFile(ctx context.Context, key string) (bool, error) {
	return s.Exists(ctx, key)
}

func (s *gcsStore) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %q: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *gcsStore) RangeRead(ctx context.Context, key string, start, end int64) ([]byte, error) {
	r, err := s.bucket.Object(key).NewRangeReader(ctx, start, end-start)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: range read %q [%d,%d): %w", key, start, end, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
		}
		switch {
		case attrs.Prefix != "":
			names = append(names, strings.TrimSuffix(attrs.Prefix[len(prefix):], "/"))
		case attrs.Name != "":
			names = append(names, attrs.Name[len(prefix):])
		}
	}
	return names, nil
}
