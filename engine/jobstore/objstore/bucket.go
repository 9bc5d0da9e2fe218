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
	"bytes"
	"context"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/pingcap/jobflow/pkg/errors"
)

// ErrObjectNotFound is returned by a Bucket when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Bucket is a flat key/value object namespace. Keys use '/' as separator.
// Put must be atomic: a reader sees either the old object or the whole new
// one. Objects are streamed, never held in memory as a whole.
type Bucket interface {
	Put(ctx context.Context, key string, r io.Reader) error
	// Get fails with ErrObjectNotFound if key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List calls fn with every key under prefix in lexical order.
	List(ctx context.Context, prefix string, fn func(key string) error) error
	// DeleteAll removes every object of the bucket namespace.
	DeleteAll(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err tells that a key does not exist.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrObjectNotFound
}

// A frame is the magic, the data, then the SHA-256 of the data. The
// checksum trails so a frame can be written while the data streams through.
var frameMagic = []byte("JFB1")

const frameTrailerLen = sha256.Size

// frameReader returns the frame of the content of r.
func frameReader(r io.Reader) io.Reader {
	h := sha256.New()
	return io.MultiReader(bytes.NewReader(frameMagic), io.TeeReader(r, h), &sumReader{h: h})
}

// sumReader yields the sum of h once everything before it has been read.
type sumReader struct {
	h   hash.Hash
	sum []byte
}

func (s *sumReader) Read(p []byte) (int, error) {
	if s.sum == nil {
		s.sum = s.h.Sum(nil)
	}
	if len(s.sum) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.sum)
	s.sum = s.sum[n:]
	return n, nil
}

// unframeReader strips the frame of an object while reading it. It holds
// back the last bytes read until the end of the object, where they are
// checked against the sum of everything delivered.
type unframeReader struct {
	key     string
	src     io.ReadCloser
	h       hash.Hash
	started bool
	eof     bool
	pending []byte
	chunk   []byte
	err     error
}

func newUnframeReader(key string, src io.ReadCloser) *unframeReader {
	return &unframeReader{key: key, src: src, h: sha256.New()}
}

func (u *unframeReader) Read(p []byte) (int, error) {
	if u.err != nil {
		return 0, u.err
	}
	if !u.started {
		magic := make([]byte, len(frameMagic))
		if _, err := io.ReadFull(u.src, magic); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				u.err = errors.ErrJobStoreCorrupted.GenWithStackByArgs(u.key, "bad frame header")
			} else {
				u.err = errors.WrapError(errors.ErrJobStoreIO, err)
			}
			return 0, u.err
		}
		if !bytes.Equal(magic, frameMagic) {
			u.err = errors.ErrJobStoreCorrupted.GenWithStackByArgs(u.key, "bad frame header")
			return 0, u.err
		}
		u.started = true
		u.chunk = make([]byte, 32<<10)
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if avail := len(u.pending) - frameTrailerLen; avail > 0 {
			n := copy(p, u.pending[:avail])
			u.h.Write(p[:n])
			u.pending = u.pending[n:]
			return n, nil
		}
		if u.eof {
			if len(u.pending) != frameTrailerLen || !bytes.Equal(u.h.Sum(nil), u.pending) {
				u.err = errors.ErrJobStoreCorrupted.GenWithStackByArgs(u.key, "checksum mismatch")
			} else {
				u.err = io.EOF
			}
			return 0, u.err
		}
		n, err := u.src.Read(u.chunk)
		u.pending = append(u.pending, u.chunk[:n]...)
		if err == io.EOF {
			u.eof = true
		} else if err != nil {
			u.err = errors.WrapError(errors.ErrJobStoreIO, err)
			return 0, u.err
		}
	}
}

func (u *unframeReader) Close() error {
	return u.src.Close()
}

// decodeFrame checks and strips the frame of raw.
func decodeFrame(key string, raw []byte) ([]byte, error) {
	return io.ReadAll(newUnframeReader(key, io.NopCloser(bytes.NewReader(raw))))
}
