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
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
)

const slowLogThreshold = 500 * time.Millisecond

// Store is a job store kept in a SQL database through gorm. Each record
// carries a SHA-256 of its data which is verified on read.
type Store struct {
	locator string
	db      *gorm.DB
	// sqlitePath is set for sqlite stores so Destroy can remove the file.
	sqlitePath string

	retainStats atomic.Bool
	closed      atomic.Bool
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: NewOrmLogger(log.L(),
			WithSlowThreshold(slowLogThreshold),
			WithIgnoreTraceRecordNotFoundErr()),
	}
}

// OpenSQLite opens a job store in a sqlite file.
func OpenSQLite(ctx context.Context, locator, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	// sqlite allows a single writer, serialize in-process access.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return &Store{locator: locator, db: db, sqlitePath: path}, nil
}

// OpenMySQL opens a job store in a MySQL compatible database.
func OpenMySQL(ctx context.Context, locator, dsn string) (*Store, error) {
	if !strings.Contains(dsn, "parseTime=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}
	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return &Store{locator: locator, db: db}, nil
}

// NewWithConn builds a MySQL flavored store over an existing connection.
func NewWithConn(locator string, conn *sql.DB) (*Store, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), gormConfig())
	if err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreIO, err)
	}
	return &Store{locator: locator, db: db}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	return errors.WrapError(errors.ErrJobStoreIO, err)
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, errors.ErrJobStoreClosed.GenWithStackByArgs()
	}
	return s.db.WithContext(ctx), nil
}

// Locator returns the locator the store was opened with.
func (s *Store) Locator() string {
	return s.locator
}

// Initialize creates the tables and writes the manifest of a new run.
func (s *Store) Initialize(ctx context.Context, m *model.Manifest) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(globalModels...); err != nil {
		return wrapDBError(err)
	}
	var count int64
	if err := db.Model(&sharedRecord{}).
		Where("name = ?", model.ManifestFileName).
		Count(&count).Error; err != nil {
		return wrapDBError(err)
	}
	if count > 0 {
		return errors.ErrJobStoreExists.GenWithStackByArgs(s.locator)
	}
	return s.UpdateManifest(ctx, m)
}

// Resume reads the manifest of an existing run.
func (s *Store) Resume(ctx context.Context) (*model.Manifest, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if !db.Migrator().HasTable(&sharedRecord{}) {
		return nil, errors.ErrJobStoreNotFound.GenWithStackByArgs(s.locator)
	}
	data, err := s.readShared(ctx, model.ManifestFileName)
	if err != nil {
		if errors.Is(err, errors.ErrSharedFileNotFound) {
			return nil, errors.ErrJobStoreNotFound.GenWithStackByArgs(s.locator)
		}
		return nil, err
	}
	m, err := model.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	s.retainStats.Store(m.StatsEnabled)
	return m, nil
}

// UpdateManifest replaces the manifest.
func (s *Store) UpdateManifest(ctx context.Context, m *model.Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := s.WriteShared(ctx, model.ManifestFileName, bytes.NewReader(data)); err != nil {
		return err
	}
	s.retainStats.Store(m.StatsEnabled)
	return nil
}

// Destroy drops every table of the store.
func (s *Store) Destroy(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Migrator().DropTable(globalModels...); err != nil {
		return wrapDBError(err)
	}
	if s.sqlitePath != "" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(s.sqlitePath + suffix); err != nil && !os.IsNotExist(err) {
				return errors.WrapError(errors.ErrJobStoreIO, err)
			}
		}
	}
	log.Info("destroyed sql job store", zap.String("locator", s.locator))
	return nil
}

// CreateJob persists a new job record with a fresh ID.
func (s *Store) CreateJob(ctx context.Context, spec *model.JobSpec) (*model.Job, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	job := model.NewJob(model.NewJobIDFor(spec), spec)
	job.UpdatedAt = time.Now()
	data, err := job.Encode()
	if err != nil {
		return nil, err
	}
	rec := &jobRecord{ID: string(job.ID), Data: data, Checksum: checksum(data)}
	if err := db.Create(rec).Error; err != nil {
		return nil, wrapDBError(err)
	}
	return job, nil
}

// Load reads a job record.
func (s *Store) Load(ctx context.Context, id model.JobID) (*model.Job, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec jobRecord
	if err := db.Where("id = ?", string(id)).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrJobNotFound.GenWithStackByArgs(id)
		}
		return nil, wrapDBError(err)
	}
	if checksum(rec.Data) != rec.Checksum {
		return nil, errors.ErrJobStoreCorrupted.GenWithStackByArgs(id, "checksum mismatch")
	}
	return model.DecodeJob(id, rec.Data)
}

// Update replaces a job record.
func (s *Store) Update(ctx context.Context, job *model.Job) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now()
	data, err := job.Encode()
	if err != nil {
		return err
	}
	result := db.Model(&jobRecord{}).
		Where("id = ?", string(job.ID)).
		Updates(map[string]interface{}{
			"data":       data,
			"checksum":   checksum(data),
			"updated_at": job.UpdatedAt,
		})
	if result.Error != nil {
		return wrapDBError(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrJobNotFound.GenWithStackByArgs(job.ID)
	}
	return nil
}

// Delete removes a job record.
func (s *Store) Delete(ctx context.Context, id model.JobID) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapDBError(db.Where("id = ?", string(id)).Delete(&jobRecord{}).Error)
}

// Exists reports whether a job record exists.
func (s *Store) Exists(ctx context.Context, id model.JobID) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var count int64
	if err := db.Model(&jobRecord{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return false, wrapDBError(err)
	}
	return count > 0, nil
}

// Jobs calls fn with every job record.
func (s *Store) Jobs(ctx context.Context, fn func(*model.Job) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	var ids []string
	if err := db.Model(&jobRecord{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return wrapDBError(err)
	}
	for _, id := range ids {
		job, err := s.Load(ctx, model.JobID(id))
		if err != nil {
			if errors.Is(err, errors.ErrJobNotFound) {
				continue
			}
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}

// CreatedBy lists the job rows whose primary key starts with the prefix of
// creator.
func (s *Store) CreatedBy(ctx context.Context, creator model.JobID) ([]model.JobID, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.Model(&jobRecord{}).Where("id LIKE ?", model.CreatedPrefix(creator)+"%").
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapDBError(err)
	}
	res := make([]model.JobID, 0, len(ids))
	for _, id := range ids {
		res = append(res, model.JobID(id))
	}
	return res, nil
}

// WriteBlob stores the content of r under a new blob ID.
func (s *Store) WriteBlob(ctx context.Context, r io.Reader) (model.BlobID, error) {
	id := model.NewBlobID()
	if err := s.PutBlob(ctx, id, r); err != nil {
		return "", err
	}
	return id, nil
}

// PutBlob stores the content of r under id. Writing an existing ID
// replaces the content, which only happens when an upload is retried.
func (s *Store) PutBlob(ctx context.Context, id model.BlobID, r io.Reader) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	rec := &blobRecord{ID: string(id), Data: data, Checksum: checksum(data), CreatedAt: time.Now()}
	return wrapDBError(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "checksum"}),
	}).Create(rec).Error)
}

// ReadBlob returns the content of a blob after verifying its checksum.
func (s *Store) ReadBlob(ctx context.Context, id model.BlobID) (io.ReadCloser, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec blobRecord
	if err := db.Where("id = ?", string(id)).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrBlobNotFound.GenWithStackByArgs(id)
		}
		return nil, wrapDBError(err)
	}
	if checksum(rec.Data) != rec.Checksum {
		return nil, errors.ErrJobStoreCorrupted.GenWithStackByArgs(id, "checksum mismatch")
	}
	return io.NopCloser(bytes.NewReader(rec.Data)), nil
}

// DeleteBlob removes a blob.
func (s *Store) DeleteBlob(ctx context.Context, id model.BlobID) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapDBError(db.Where("id = ?", string(id)).Delete(&blobRecord{}).Error)
}

// BlobExists reports whether a blob exists.
func (s *Store) BlobExists(ctx context.Context, id model.BlobID) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var count int64
	if err := db.Model(&blobRecord{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return false, wrapDBError(err)
	}
	return count > 0, nil
}

// WriteShared upserts the named shared file.
func (s *Store) WriteShared(ctx context.Context, name string, r io.Reader) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	rec := &sharedRecord{Name: name, Data: data, Checksum: checksum(data), UpdatedAt: time.Now()}
	return wrapDBError(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "checksum", "updated_at"}),
	}).Create(rec).Error)
}

// ReadShared reads the named shared file.
func (s *Store) ReadShared(ctx context.Context, name string) (io.ReadCloser, error) {
	data, err := s.readShared(ctx, name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) readShared(ctx context.Context, name string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec sharedRecord
	if err := db.Where("name = ?", name).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrSharedFileNotFound.GenWithStackByArgs(name)
		}
		return nil, wrapDBError(err)
	}
	if checksum(rec.Data) != rec.Checksum {
		return nil, errors.ErrJobStoreCorrupted.GenWithStackByArgs(name, "checksum mismatch")
	}
	return rec.Data, nil
}

// AppendStats appends a stats record.
func (s *Store) AppendStats(ctx context.Context, rec *model.StatsRecord) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	return wrapDBError(db.Create(&statsRecord{Data: data}).Error)
}

// ReadStats delivers every unconsumed stats record once.
func (s *Store) ReadStats(ctx context.Context, fn func(*model.StatsRecord) error) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var recs []statsRecord
	if err := db.Where("consumed = ?", false).Order("seq").Find(&recs).Error; err != nil {
		return 0, wrapDBError(err)
	}
	count := 0
	for _, rec := range recs {
		stats, err := model.DecodeStats(fmt.Sprintf("stats-%d", rec.Seq), rec.Data)
		if err != nil {
			return count, err
		}
		if err := fn(stats); err != nil {
			return count, err
		}
		count++
		q := db.Model(&statsRecord{}).Where("seq = ?", rec.Seq)
		if s.retainStats.Load() {
			err = q.Update("consumed", true).Error
		} else {
			err = q.Delete(&statsRecord{}).Error
		}
		if err != nil {
			return count, wrapDBError(err)
		}
	}
	return count, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}
