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
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const cacheTempPrefix = ".tmp-"

// Cache is an on-disk copy of blobs keyed by blob ID. Several file stores
// of the same process share one Cache. The total size of the cached files
// is kept under the configured limit by evicting the least recently used
// blobs, except that the most recent blob is always kept.
type Cache struct {
	dir   string
	limit int64

	mu   sync.Mutex
	lru  *lru.Cache
	used int64
}

// NewCache opens a cache rooted at dir. Blobs already present in dir, left
// by an earlier process on the same node, are adopted oldest first.
func NewCache(dir string, limit int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Cache{dir: dir, limit: limit}
	l, err := lru.NewWithEvict(math.MaxInt32, c.onEvicted)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.lru = l

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	type existing struct {
		id   model.BlobID
		info os.FileInfo
	}
	var found []existing
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), cacheTempPrefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, existing{id: model.BlobID(e.Name()), info: info})
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].info.ModTime().Before(found[j].info.ModTime())
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range found {
		c.addLocked(f.id, f.info.Size())
	}
	return c, nil
}

// onEvicted runs inside lru calls, which are only made with mu held.
func (c *Cache) onEvicted(key, value interface{}) {
	c.used -= value.(int64)
	id := key.(model.BlobID)
	if err := os.Remove(c.path(id)); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove evicted blob from cache",
			zap.String("blob-id", string(id)), zap.Error(err))
	}
}

func (c *Cache) path(id model.BlobID) string {
	return filepath.Join(c.dir, string(id))
}

func (c *Cache) addLocked(id model.BlobID, size int64) {
	if old, ok := c.lru.Peek(id); ok {
		c.used -= old.(int64)
	}
	c.lru.Add(id, size)
	c.used += size
	for c.used > c.limit && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// Lookup returns the path of the cached copy of id.
func (c *Cache) Lookup(id model.BlobID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(id); !ok {
		return "", false
	}
	p := c.path(id)
	if _, err := os.Stat(p); err != nil {
		// Removed behind our back, e.g. by another process sharing dir.
		c.lru.Remove(id)
		return "", false
	}
	return p, true
}

// Insert stores the content of r as the cached copy of id.
func (c *Cache) Insert(id model.BlobID, r io.Reader) (string, error) {
	f, err := os.CreateTemp(c.dir, cacheTempPrefix)
	if err != nil {
		return "", errors.Trace(err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", errors.Trace(err)
	}
	return c.commit(id, f.Name(), size)
}

// Adopt moves the file at src into the cache as the copy of id. src is
// copied when it cannot be renamed, e.g. across file systems.
func (c *Cache) Adopt(id model.BlobID, src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", errors.Trace(err)
	}
	tmp := filepath.Join(c.dir, cacheTempPrefix+string(id))
	if err := os.Rename(src, tmp); err != nil {
		in, err := os.Open(src)
		if err != nil {
			return "", errors.Trace(err)
		}
		defer in.Close()
		p, err := c.Insert(id, in)
		if err == nil {
			_ = os.Remove(src)
		}
		return p, err
	}
	return c.commit(id, tmp, info.Size())
}

func (c *Cache) commit(id model.BlobID, tmp string, size int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.path(id)
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Trace(err)
	}
	c.addLocked(id, size)
	return p, nil
}

// Remove drops the cached copy of id, if any.
func (c *Cache) Remove(id model.BlobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Remove(id) {
		_ = os.Remove(c.path(id))
	}
}

// Used returns the bytes currently cached.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
