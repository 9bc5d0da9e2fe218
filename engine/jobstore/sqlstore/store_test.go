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
	"context"
	stderrors "errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s, err := NewWithConn("mysql://mock", db)
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, s.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return s, mock
}

func TestLoadIOErrorIsRetryable(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `jobflow_jobs` WHERE id = ?")).
		WillReturnError(stderrors.New("connection reset by peer"))

	_, err := s.Load(context.Background(), "j1")
	require.True(t, errors.Is(err, errors.ErrJobStoreIO))
	require.True(t, errors.IsRetryable(err))
}

func TestLoadNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `jobflow_jobs` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "data", "checksum", "created_at", "updated_at"}))

	_, err := s.Load(context.Background(), "j1")
	require.True(t, errors.Is(err, errors.ErrJobNotFound))
	require.False(t, errors.IsRetryable(err))
}

func TestLoadChecksumMismatch(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `jobflow_jobs` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "data", "checksum", "created_at", "updated_at"}).
			AddRow("j1", []byte(`{"id":"j1"}`), strings.Repeat("0", 64), now, now))

	_, err := s.Load(context.Background(), "j1")
	require.True(t, errors.Is(err, errors.ErrJobStoreCorrupted))
}

func TestUpdateDeletedJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `jobflow_jobs` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), model.NewJob("gone", &model.JobSpec{}))
	require.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestSQLiteCreatedBy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(ctx, "sqlite:"+path, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Initialize(ctx, &model.Manifest{RunID: "run"}))

	parent, err := s.CreateJob(ctx, &model.JobSpec{Name: "parent"})
	require.NoError(t, err)
	a, err := s.CreateJob(ctx, &model.JobSpec{Name: "a", CreatorID: parent.ID})
	require.NoError(t, err)
	b, err := s.CreateJob(ctx, &model.JobSpec{Name: "b", CreatorID: parent.ID})
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, &model.JobSpec{Name: "c", CreatorID: a.ID})
	require.NoError(t, err)

	got, err := s.CreatedBy(ctx, parent.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []model.JobID{a.ID, b.ID}, got)
}

func TestSQLiteStatsConsumedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(ctx, "sqlite:"+path, path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Initialize(ctx, &model.Manifest{RunID: "run", StatsEnabled: true}))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendStats(ctx, &model.StatsRecord{JobID: "j", Attempt: i}))
	}
	var attempts []int
	n, err := s.ReadStats(ctx, func(rec *model.StatsRecord) error {
		attempts = append(attempts, rec.Attempt)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int{0, 1, 2}, attempts)

	n, err = s.ReadStats(ctx, func(*model.StatsRecord) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.Destroy(ctx))
	require.NoFileExists(t, path)
}
