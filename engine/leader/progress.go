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

package leader

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pingcap/jobflow/engine/model"
	"go.uber.org/zap"
)

// StatsTotals sums the statistics workers appended during the run.
type StatsTotals struct {
	Attempts  int
	Succeeded int
	WallTime  time.Duration
	CPUTime   time.Duration
	MaxRSS    uint64
}

func (t *StatsTotals) add(rec *model.StatsRecord) {
	t.Attempts++
	if rec.Succeeded {
		t.Succeeded++
	}
	t.WallTime += rec.WallTime
	t.CPUTime += rec.CPUTime
	if rec.MaxRSS > t.MaxRSS {
		t.MaxRSS = rec.MaxRSS
	}
}

func (l *Leader) persistProgress(ctx context.Context) {
	p := &model.Progress{
		RunID:     l.manifest.RunID,
		UpdatedAt: l.clock.Now(),
	}
	l.ready.each(func(job *model.Job) {
		p.Ready = append(p.Ready, job.ID)
	})
	for id := range l.byJob {
		p.Issued = append(p.Issued, id)
	}
	for id := range l.failed {
		p.Failed = append(p.Failed, id)
	}
	sortIDs(p.Issued)
	sortIDs(p.Failed)
	data, err := p.Encode()
	if err == nil {
		err = l.store.WriteShared(ctx, model.ProgressFileName, bytes.NewReader(data))
	}
	if err != nil {
		l.logger.Warn("persist progress failed", zap.Error(err))
	}
}

func sortIDs(ids []model.JobID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func (l *Leader) aggregateStats(ctx context.Context) error {
	ticker := l.clock.Ticker(l.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		l.drainStats(ctx)
	}
}

// drainStats consumes the stats records appended since the last call and
// surfaces the messages jobs logged.
func (l *Leader) drainStats(ctx context.Context) {
	_, err := l.store.ReadStats(ctx, func(rec *model.StatsRecord) error {
		l.stats.add(rec)
		for _, msg := range rec.Logs {
			fields := []zap.Field{
				zap.String("job-id", string(rec.JobID)),
				zap.String("job-name", rec.JobName),
				zap.String("text", msg.Text),
			}
			switch msg.Level {
			case "debug":
				l.logger.Debug("job message", fields...)
			case "warn":
				l.logger.Warn("job message", fields...)
			case "error":
				l.logger.Error("job message", fields...)
			default:
				l.logger.Info("job message", fields...)
			}
		}
		if l.manifest.StatsEnabled {
			l.logger.Debug("job attempt stats",
				zap.String("job-id", string(rec.JobID)), zap.Int("attempt", rec.Attempt),
				zap.Bool("succeeded", rec.Succeeded), zap.Duration("wall-time", rec.WallTime),
				zap.Duration("cpu-time", rec.CPUTime), zap.Uint64("max-rss", rec.MaxRSS))
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		l.logger.Warn("read stats failed", zap.Error(err))
	}
}

// Stats returns the totals of the statistics read so far. It must not be
// called while Run is in progress.
func (l *Leader) Stats() StatsTotals {
	return l.stats
}
