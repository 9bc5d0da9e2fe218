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

package errors

import (
	stderrors "errors"

	"github.com/pingcap/errors"
)

// Re-export the helpers of pingcap/errors so that callers only import this package.
var (
	New       = errors.New
	Errorf    = errors.Errorf
	Trace     = errors.Trace
	Annotate  = errors.Annotate
	Annotatef = errors.Annotatef
	Cause     = errors.Cause
	As        = stderrors.As
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// Is reports whether err or any error in its cause chain matches target.
// Normalized errors match by RFC code, so errors generated by
// GenWithStackByArgs or Wrap still match their definition.
func Is(err, target error) bool {
	rfcTarget, ok := target.(*errors.Error)
	if !ok {
		return stderrors.Is(err, target)
	}
	for err != nil {
		if rfcErr, ok := err.(*errors.Error); ok && rfcErr.RFCCode() == rfcTarget.RFCCode() {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}

// IsRetryable returns whether err is a transient job store failure that
// callers may retry.
func IsRetryable(err error) bool {
	return Is(err, ErrJobStoreIO)
}

// IsNotFound returns whether err reports a missing job, blob or shared file.
func IsNotFound(err error) bool {
	return Is(err, ErrJobNotFound) || Is(err, ErrBlobNotFound) || Is(err, ErrSharedFileNotFound)
}
