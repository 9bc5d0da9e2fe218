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

package sqlstore

import (
	"time"
)

// jobRecord is a row of the job table.
type jobRecord struct {
	ID        string    `gorm:"column:id;type:varchar(128);primaryKey"`
	Data      []byte    `gorm:"column:data;type:longblob;not null"`
	Checksum  string    `gorm:"column:checksum;type:char(64);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's Tabler.
func (jobRecord) TableName() string { return "jobflow_jobs" }

type blobRecord struct {
	ID        string    `gorm:"column:id;type:varchar(64);primaryKey"`
	Data      []byte    `gorm:"column:data;type:longblob;not null"`
	Checksum  string    `gorm:"column:checksum;type:char(64);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (blobRecord) TableName() string { return "jobflow_blobs" }

type sharedRecord struct {
	Name      string    `gorm:"column:name;type:varchar(255);primaryKey"`
	Data      []byte    `gorm:"column:data;type:longblob;not null"`
	Checksum  string    `gorm:"column:checksum;type:char(64);not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (sharedRecord) TableName() string { return "jobflow_shared" }

type statsRecord struct {
	Seq       uint64    `gorm:"column:seq;primaryKey;autoIncrement"`
	Data      []byte    `gorm:"column:data;type:longblob;not null"`
	Consumed  bool      `gorm:"column:consumed;index:idx_consumed;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (statsRecord) TableName() string { return "jobflow_stats" }

var globalModels = []interface{}{
	&jobRecord{},
	&blobRecord{},
	&sharedRecord{},
	&statsRecord{},
}
