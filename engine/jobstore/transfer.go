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


package jobstore

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/jobflow/engine/jobstore/objstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
)

// location is an object outside the job store, addressed by a key in a
// bucket.
type location struct {
	s3  *objstore.S3Config
	dir string
	key string
}

// parseLocation understands the URLs accepted by ImportFile and ExportFile:
//
//	file:/abs/path or /abs/path         local file
//	s3://bucket/key?region=&endpoint=   S3 object, options as in Open
func parseLocation(rawURL string) (location, error) {
	scheme, rest, found := strings.Cut(rawURL, ":")
	switch {
	case !found || len(scheme) == 1:
		rest = rawURL
	case scheme == SchemeFile:
		rest = strings.TrimPrefix(rest, "//")
	case scheme == SchemeS3:
		cfg, err := parseS3Locator(rawURL)
		if err != nil {
			return location{}, errors.WrapError(errors.ErrUnsupportedURL, err, rawURL)
		}
		key := cfg.Prefix
		if key == "" {
			return location{}, errors.ErrUnsupportedURL.GenWithStackByArgs(rawURL)
		}
		cfg.Prefix = ""
		return location{s3: &cfg, key: key}, nil
	default:
		return location{}, errors.ErrUnsupportedURL.GenWithStackByArgs(rawURL)
	}
	if rest == "" || strings.HasSuffix(rest, "/") {
		return location{}, errors.ErrUnsupportedURL.GenWithStackByArgs(rawURL)
	}
	path := filepath.Clean(rest)
	return location{dir: filepath.Dir(path), key: filepath.Base(path)}, nil
}

func (loc location) open(ctx context.Context) (objstore.Bucket, error) {
	if loc.s3 != nil {
		return objstore.NewS3Bucket(ctx, *loc.s3)
	}
	return objstore.NewLocalBucket(loc.dir)
}

// ImportFile copies the object at rawURL into a new blob of store.
func ImportFile(ctx context.Context, store JobStore, rawURL string) (model.BlobID, error) {
	loc, err := parseLocation(rawURL)
	if err != nil {
		return "", err
	}
	bucket, err := loc.open(ctx)
	if err != nil {
		return "", err
	}
	defer bucket.Close()
	rc, err := bucket.Get(ctx, loc.key)
	if objstore.IsNotFound(err) {
		return "", errors.ErrInvalidArgument.GenWithStackByArgs("nothing to import at " + rawURL)
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()
	id, err := store.WriteBlob(ctx, rc)
	if err != nil {
		return "", err
	}
	log.Info("imported file", zap.String("url", Redact(rawURL)), zap.String("blob-id", string(id)))
	return id, nil
}

// ExportFile copies blob id of store to rawURL, replacing what is there.
func ExportFile(ctx context.Context, store JobStore, id model.BlobID, rawURL string) error {
	rc, err := store.ReadBlob(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	return WriteURL(ctx, rawURL, rc)
}

// WriteURL stores the content of r at rawURL. The object only becomes
// visible once all of r has been written.
func WriteURL(ctx context.Context, rawURL string, r io.Reader) error {
	loc, err := parseLocation(rawURL)
	if err != nil {
		return err
	}
	bucket, err := loc.open(ctx)
	if err != nil {
		return err
	}
	defer bucket.Close()
	if err := bucket.Put(ctx, loc.key, r); err != nil {
		return err
	}
	log.Info("exported file", zap.String("url", Redact(rawURL)))
	return nil
}
