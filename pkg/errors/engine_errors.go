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
	"github.com/pingcap/errors"
)

// all jobflow engine errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("JOBFLOW:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("JOBFLOW:ErrInvalidArgument"),
	)
	ErrConfigDecode = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("JOBFLOW:ErrConfigDecode"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"unknown config items: %s",
		errors.RFCCodeText("JOBFLOW:ErrConfigUnknownItem"),
	)
	ErrInvalidRequirement = errors.Normalize(
		"invalid resource requirement %q",
		errors.RFCCodeText("JOBFLOW:ErrInvalidRequirement"),
	)

	// job store related errors
	ErrJobNotFound = errors.Normalize(
		"job %s not found in job store",
		errors.RFCCodeText("JOBFLOW:ErrJobNotFound"),
	)
	ErrJobAlreadyExists = errors.Normalize(
		"job %s already exists in job store",
		errors.RFCCodeText("JOBFLOW:ErrJobAlreadyExists"),
	)
	ErrBlobNotFound = errors.Normalize(
		"blob %s not found in job store",
		errors.RFCCodeText("JOBFLOW:ErrBlobNotFound"),
	)
	ErrSharedFileNotFound = errors.Normalize(
		"shared file %s not found in job store",
		errors.RFCCodeText("JOBFLOW:ErrSharedFileNotFound"),
	)
	ErrJobStoreExists = errors.Normalize(
		"job store %s already exists, restart it or clean it first",
		errors.RFCCodeText("JOBFLOW:ErrJobStoreExists"),
	)
	ErrJobStoreNotFound = errors.Normalize(
		"job store %s does not exist",
		errors.RFCCodeText("JOBFLOW:ErrJobStoreNotFound"),
	)
	ErrJobStoreIO = errors.Normalize(
		"job store io failed",
		errors.RFCCodeText("JOBFLOW:ErrJobStoreIO"),
	)
	ErrJobStoreCorrupted = errors.Normalize(
		"job store record %s is corrupted: %s",
		errors.RFCCodeText("JOBFLOW:ErrJobStoreCorrupted"),
	)
	ErrInvalidLocator = errors.Normalize(
		"invalid job store locator %q",
		errors.RFCCodeText("JOBFLOW:ErrInvalidLocator"),
	)
	ErrJobStoreClosed = errors.Normalize(
		"job store is closed",
		errors.RFCCodeText("JOBFLOW:ErrJobStoreClosed"),
	)

	// batch system related errors
	ErrInsufficientResources = errors.Normalize(
		"requesting more %s than available, requested: %s, available: %s",
		errors.RFCCodeText("JOBFLOW:ErrInsufficientResources"),
	)
	ErrBatchSystemClosed = errors.Normalize(
		"batch system is closed",
		errors.RFCCodeText("JOBFLOW:ErrBatchSystemClosed"),
	)
	ErrUnknownBatchHandle = errors.Normalize(
		"unknown batch handle %s",
		errors.RFCCodeText("JOBFLOW:ErrUnknownBatchHandle"),
	)
	ErrBatchCommandFailed = errors.Normalize(
		"batch system command %s failed",
		errors.RFCCodeText("JOBFLOW:ErrBatchCommandFailed"),
	)
	ErrUnknownBatchSystem = errors.Normalize(
		"unknown batch system %q",
		errors.RFCCodeText("JOBFLOW:ErrUnknownBatchSystem"),
	)

	// worker related errors
	ErrJobBodyNotRegistered = errors.Normalize(
		"job body %q is not registered",
		errors.RFCCodeText("JOBFLOW:ErrJobBodyNotRegistered"),
	)
	ErrJobBodyFailed = errors.Normalize(
		"job %s body failed",
		errors.RFCCodeText("JOBFLOW:ErrJobBodyFailed"),
	)
	ErrJobGraphCycle = errors.Normalize(
		"adding successor %s to %s creates a cycle",
		errors.RFCCodeText("JOBFLOW:ErrJobGraphCycle"),
	)
	ErrJobAlreadyCompleted = errors.Normalize(
		"job %s is already completed",
		errors.RFCCodeText("JOBFLOW:ErrJobAlreadyCompleted"),
	)
	ErrFileStoreClosed = errors.Normalize(
		"file store is closed",
		errors.RFCCodeText("JOBFLOW:ErrFileStoreClosed"),
	)
	ErrPromiseNotFulfilled = errors.Normalize(
		"promise of job %s is not fulfilled",
		errors.RFCCodeText("JOBFLOW:ErrPromiseNotFulfilled"),
	)
	ErrUnsupportedURL = errors.Normalize(
		"unsupported url %q",
		errors.RFCCodeText("JOBFLOW:ErrUnsupportedURL"),
	)

	// leader related errors
	ErrFailedJobs = errors.Normalize(
		"the job store %s contains %d failed jobs",
		errors.RFCCodeText("JOBFLOW:ErrFailedJobs"),
	)
	ErrUnsatisfiableRequirement = errors.Normalize(
		"job %s requires %s which can never be satisfied",
		errors.RFCCodeText("JOBFLOW:ErrUnsatisfiableRequirement"),
	)
	ErrRunAborted = errors.Normalize(
		"run aborted: %s",
		errors.RFCCodeText("JOBFLOW:ErrRunAborted"),
	)
	ErrRootJobMissing = errors.Normalize(
		"root job is missing from job store %s",
		errors.RFCCodeText("JOBFLOW:ErrRootJobMissing"),
	)

	// autoscaler related errors
	ErrProvisionFailed = errors.Normalize(
		"provision %d nodes of type %s failed",
		errors.RFCCodeText("JOBFLOW:ErrProvisionFailed"),
	)
	ErrNoNodeTypeFits = errors.Normalize(
		"no node type can fit requirement %s",
		errors.RFCCodeText("JOBFLOW:ErrNoNodeTypeFits"),
	)
)
