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

package model

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/pingcap/jobflow/pkg/errors"
)

// MilliCores is a count of CPU cores in thousandths.
type MilliCores int64

// ParseCores parses a plain decimal core count such as "0.5" or "2".
// Fractions finer than a milli-core are rounded up.
func ParseCores(s string) (MilliCores, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.WrapError(errors.ErrInvalidRequirement, err, s)
	}
	if d.IsNegative() {
		return 0, errors.ErrInvalidRequirement.GenWithStackByArgs(s)
	}
	return MilliCores(d.Shift(3).Ceil().IntPart()), nil
}

// String renders the core count as a decimal.
func (c MilliCores) String() string {
	return decimal.New(int64(c), -3).String()
}

// ParseSize parses a byte size with an optional decimal or binary suffix,
// e.g. "100M", "2Gi", "512KiB". Suffixes are case-insensitive.
func ParseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.WrapError(errors.ErrInvalidRequirement, err, s)
	}
	return n, nil
}

// Requirements is the resource shape a job asks for or a node offers.
type Requirements struct {
	Cores       MilliCores `json:"cores"`
	Memory      uint64     `json:"memory"`
	Disk        uint64     `json:"disk"`
	Preemptable bool       `json:"preemptable"`
}

// ParseRequirements builds Requirements from the textual forms accepted in
// configs and on the command line.
func ParseRequirements(cores, memory, disk string, preemptable bool) (Requirements, error) {
	var (
		r   = Requirements{Preemptable: preemptable}
		err error
	)
	if cores != "" {
		if r.Cores, err = ParseCores(cores); err != nil {
			return r, err
		}
	}
	if memory != "" {
		if r.Memory, err = ParseSize(memory); err != nil {
			return r, err
		}
	}
	if disk != "" {
		if r.Disk, err = ParseSize(disk); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Fits reports whether r can be placed within capacity. A job that is not
// preemptable never fits a preemptable capacity.
func (r Requirements) Fits(capacity Requirements) bool {
	if !r.Preemptable && capacity.Preemptable {
		return false
	}
	return r.Cores <= capacity.Cores &&
		r.Memory <= capacity.Memory &&
		r.Disk <= capacity.Disk
}

// FitsSize is Fits ignoring preemptability.
func (r Requirements) FitsSize(capacity Requirements) bool {
	return r.Cores <= capacity.Cores &&
		r.Memory <= capacity.Memory &&
		r.Disk <= capacity.Disk
}

// Add returns the element-wise sum. The preemptable flag of r is kept.
func (r Requirements) Add(o Requirements) Requirements {
	r.Cores += o.Cores
	r.Memory += o.Memory
	r.Disk += o.Disk
	return r
}

// Sub returns the element-wise difference, floored at zero.
func (r Requirements) Sub(o Requirements) Requirements {
	r.Cores -= o.Cores
	if r.Cores < 0 {
		r.Cores = 0
	}
	r.Memory = subFloor(r.Memory, o.Memory)
	r.Disk = subFloor(r.Disk, o.Disk)
	return r
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Less orders shapes by memory, then cores, then disk.
func (r Requirements) Less(o Requirements) bool {
	if r.Memory != o.Memory {
		return r.Memory < o.Memory
	}
	if r.Cores != o.Cores {
		return r.Cores < o.Cores
	}
	return r.Disk < o.Disk
}

// IsZero reports whether r asks for nothing.
func (r Requirements) IsZero() bool {
	return r.Cores == 0 && r.Memory == 0 && r.Disk == 0
}

// String implements fmt.Stringer.
func (r Requirements) String() string {
	return fmt.Sprintf("cores=%s memory=%s disk=%s preemptable=%t",
		r.Cores, units.BytesSize(float64(r.Memory)), units.BytesSize(float64(r.Disk)), r.Preemptable)
}
