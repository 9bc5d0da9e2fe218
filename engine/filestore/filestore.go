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

package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultCacheLimit        = 1 << 30
	defaultUploadConcurrency = 4
	cacheDirName             = "jobflow-cache"
)

// Config configures the file store of a job attempt.
type Config struct {
	// WorkDir is where local temporary files are created.
	WorkDir string `toml:"work-dir" json:"work-dir"`
	// CacheDir holds cached blobs. Defaults to a directory under WorkDir.
	CacheDir string `toml:"cache-dir" json:"cache-dir"`
	// CacheLimit bounds the cache size in bytes.
	CacheLimit int64 `toml:"cache-limit" json:"cache-limit"`
	// UploadConcurrency bounds the number of blobs uploaded at once.
	UploadConcurrency int `toml:"upload-concurrency" json:"upload-concurrency"`
}

// Adjust fills default values.
func (c *Config) Adjust() {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.WorkDir, cacheDirName)
	}
	if c.CacheLimit <= 0 {
		c.CacheLimit = defaultCacheLimit
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = defaultUploadConcurrency
	}
}

// FileStore gives a job body local scratch space and access to the global
// blobs of the run. Blobs written through it are uploaded in the background
// and only guaranteed durable after Flush returns nil. Deletions of global
// blobs are deferred until the job commits.
type FileStore struct {
	ctx     context.Context
	store   jobstore.JobStore
	cache   *Cache
	tempDir string
	sem     *semaphore.Weighted
	logger  *zap.Logger

	mu             sync.Mutex
	uploads        *errgroup.Group
	staged         map[model.BlobID]string
	pendingDeletes []model.BlobID
	closed         bool
}

// New creates a file store for one job attempt. cache may be nil, in which
// case one is opened from cfg. ctx bounds background uploads.
func New(ctx context.Context, cfg *Config, store jobstore.JobStore, cache *Cache) (*FileStore, error) {
	adjusted := *cfg
	adjusted.Adjust()
	cfg = &adjusted
	if cache == nil {
		var err error
		if cache, err = NewCache(cfg.CacheDir, cfg.CacheLimit); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, errors.Trace(err)
	}
	tempDir, err := os.MkdirTemp(cfg.WorkDir, "jobflow-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &FileStore{
		ctx:     ctx,
		store:   store,
		cache:   cache,
		tempDir: tempDir,
		sem:     semaphore.NewWeighted(int64(cfg.UploadConcurrency)),
		logger:  log.L().With(zap.String("temp-dir", tempDir)),
		uploads: &errgroup.Group{},
		staged:  make(map[model.BlobID]string),
	}, nil
}

// LocalTempDir creates a new directory private to this job attempt.
func (fs *FileStore) LocalTempDir() (string, error) {
	dir, err := os.MkdirTemp(fs.tempDir, "dir-")
	return dir, errors.Trace(err)
}

// LocalTempFile creates a new empty file private to this job attempt.
func (fs *FileStore) LocalTempFile() (string, error) {
	f, err := os.CreateTemp(fs.tempDir, "file-")
	if err != nil {
		return "", errors.Trace(err)
	}
	return f.Name(), errors.Trace(f.Close())
}

// DeleteLocalFile removes a local file. Missing files are ignored.
func (fs *FileStore) DeleteLocalFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// WriteGlobalFile schedules the upload of the file at path as a new blob and
// returns its ID. The file is copied first, so the caller may modify or
// delete it right away.
func (fs *FileStore) WriteGlobalFile(ctx context.Context, path string) (model.BlobID, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer f.Close()
	return fs.WriteGlobalStream(ctx, f)
}

// WriteGlobalStream is WriteGlobalFile for the content of r.
func (fs *FileStore) WriteGlobalStream(ctx context.Context, r io.Reader) (model.BlobID, error) {
	if err := fs.checkClosed(); err != nil {
		return "", err
	}
	staging, err := os.CreateTemp(fs.tempDir, "upload-")
	if err != nil {
		return "", errors.Trace(err)
	}
	_, err = io.Copy(staging, r)
	if cerr := staging.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(staging.Name())
		return "", errors.Trace(err)
	}

	id := model.NewBlobID()
	fs.mu.Lock()
	fs.staged[id] = staging.Name()
	uploads := fs.uploads
	fs.mu.Unlock()

	uploads.Go(func() error {
		return fs.upload(id, staging.Name())
	})
	return id, nil
}

func (fs *FileStore) upload(id model.BlobID, staging string) error {
	if err := fs.sem.Acquire(fs.ctx, 1); err != nil {
		return errors.Trace(err)
	}
	defer fs.sem.Release(1)

	f, err := os.Open(staging)
	if err != nil {
		return errors.Trace(err)
	}
	err = fs.store.PutBlob(fs.ctx, id, f)
	f.Close()
	if err != nil {
		fs.logger.Warn("failed to upload blob", zap.String("blob-id", string(id)), zap.Error(err))
		return err
	}

	fs.mu.Lock()
	delete(fs.staged, id)
	fs.mu.Unlock()
	if _, err := fs.cache.Adopt(id, staging); err != nil {
		// The blob is durable, only the local copy is lost.
		fs.logger.Warn("failed to cache uploaded blob", zap.String("blob-id", string(id)), zap.Error(err))
		_ = os.Remove(staging)
	}
	return nil
}

// ReadGlobalFile makes a local copy of blob id at userPath and returns the
// path. An empty userPath picks a fresh temporary path.
func (fs *FileStore) ReadGlobalFile(ctx context.Context, id model.BlobID, userPath string) (string, error) {
	rc, err := fs.ReadGlobalStream(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if userPath == "" {
		userPath = filepath.Join(fs.tempDir, "read-"+string(id))
	}
	if err := os.MkdirAll(filepath.Dir(userPath), 0o700); err != nil {
		return "", errors.Trace(err)
	}
	out, err := os.Create(userPath)
	if err != nil {
		return "", errors.Trace(err)
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(userPath)
		return "", errors.Trace(err)
	}
	return userPath, nil
}

// ReadGlobalStream opens blob id, preferring the local cache and blobs this
// attempt is still uploading.
func (fs *FileStore) ReadGlobalStream(ctx context.Context, id model.BlobID) (io.ReadCloser, error) {
	if err := fs.checkClosed(); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	staging, ok := fs.staged[id]
	fs.mu.Unlock()
	if ok {
		if f, err := os.Open(staging); err == nil {
			return f, nil
		}
	}
	if p, ok := fs.cache.Lookup(id); ok {
		if f, err := os.Open(p); err == nil {
			return f, nil
		}
	}

	rc, err := fs.store.ReadBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	p, err := fs.cache.Insert(id, rc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	return f, errors.Trace(err)
}

// ImportFile copies the file at url, a local path or an s3:// URL, into a
// new blob. Unlike WriteGlobalFile the blob is durable once it returns.
func (fs *FileStore) ImportFile(ctx context.Context, url string) (model.BlobID, error) {
	if err := fs.checkClosed(); err != nil {
		return "", err
	}
	return jobstore.ImportFile(ctx, fs.store, url)
}

// ExportFile copies blob id to url. Blobs this attempt is still uploading
// are exported from their local copy.
func (fs *FileStore) ExportFile(ctx context.Context, id model.BlobID, url string) error {
	rc, err := fs.ReadGlobalStream(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	return jobstore.WriteURL(ctx, url, rc)
}

// DeleteGlobalFile marks blob id for deletion once the job commits.
func (fs *FileStore) DeleteGlobalFile(id model.BlobID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pendingDeletes = append(fs.pendingDeletes, id)
}

// PendingDeletes returns the blobs marked by DeleteGlobalFile.
func (fs *FileStore) PendingDeletes() []model.BlobID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]model.BlobID(nil), fs.pendingDeletes...)
}

// DeletePendingBlobs removes the blobs marked by DeleteGlobalFile from the
// job store and the cache. It must only be called after the job committed.
func (fs *FileStore) DeletePendingBlobs(ctx context.Context) error {
	var errs error
	for _, id := range fs.PendingDeletes() {
		fs.cache.Remove(id)
		if err := fs.store.DeleteBlob(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Flush waits until every scheduled upload finished.
func (fs *FileStore) Flush(ctx context.Context) error {
	fs.mu.Lock()
	uploads := fs.uploads
	fs.uploads = &errgroup.Group{}
	fs.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- uploads.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Close waits for outstanding uploads and removes the local scratch space.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	uploads := fs.uploads
	fs.mu.Unlock()

	return multierr.Combine(uploads.Wait(), errors.Trace(os.RemoveAll(fs.tempDir)))
}

func (fs *FileStore) checkClosed() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return errors.ErrFileStoreClosed.GenWithStackByArgs()
	}
	return nil
}
