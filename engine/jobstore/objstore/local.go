// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package objstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/jobflow/pkg/errors"
)

const tempFilePrefix = ".tmp-"

// LocalBucket stores objects as files under a directory. Writes go to a
// temporary file which is synced and renamed into place.
type LocalBucket struct {
	root string
}

var _ Bucket = (*LocalBucket)(nil)

// NewLocalBucket returns a bucket rooted at dir. The directory is created
// lazily on the first write.
func NewLocalBucket(dir string) (*LocalBucket, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &LocalBucket{root: abs}, nil
}

// Root returns the absolute directory of the bucket.
func (b *LocalBucket) Root() string {
	return b.root
}

func (b *LocalBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// Put implements Bucket.
func (b *LocalBucket) Put(_ context.Context, key string, r io.Reader) error {
	target := b.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	f, err := os.CreateTemp(dir, tempFilePrefix+filepath.Base(target)+"-*")
	if err != nil {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	tmpName := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return nil
}

// Get implements Bucket.
func (b *LocalBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return f, nil
}

// Delete implements Bucket. Deleting a missing key succeeds.
func (b *LocalBucket) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return nil
}

// Exists implements Bucket.
func (b *LocalBucket) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.WrapError(errors.ErrJobStoreIO, err)
}

// List implements Bucket.
func (b *LocalBucket) List(ctx context.Context, prefix string, fn func(key string) error) error {
	var keys []string
	// Walk the directory holding the prefix, then filter by the full prefix.
	dir := ""
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		dir = prefix[:i+1]
	}
	base := b.path(dir)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll implements Bucket.
func (b *LocalBucket) DeleteAll(_ context.Context) error {
	if err := os.RemoveAll(b.root); err != nil {
		return errors.WrapError(errors.ErrJobStoreIO, err)
	}
	log.Info("removed local job store directory", zap.String("path", b.root))
	return nil
}

// Close implements Bucket.
func (b *LocalBucket) Close() error {
	return nil
}
