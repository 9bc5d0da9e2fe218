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
	"github.com/google/btree"
	"github.com/pingcap/jobflow/engine/model"
)

type readyItem struct {
	job *model.Job
	seq uint64
}

// readyQueue orders ready jobs largest requirement first and FIFO among
// equal requirements.
type readyQueue struct {
	tree *btree.BTreeG[readyItem]
	byID map[model.JobID]readyItem
	seq  uint64
}

func readyLess(a, b readyItem) bool {
	ra, rb := a.job.Requirements, b.job.Requirements
	if rb.Less(ra) {
		return true
	}
	if ra.Less(rb) {
		return false
	}
	return a.seq < b.seq
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		tree: btree.NewG[readyItem](16, readyLess),
		byID: make(map[model.JobID]readyItem),
	}
}

// push adds job unless it is queued already.
func (q *readyQueue) push(job *model.Job) bool {
	if _, ok := q.byID[job.ID]; ok {
		return false
	}
	q.seq++
	item := readyItem{job: job, seq: q.seq}
	q.tree.ReplaceOrInsert(item)
	q.byID[job.ID] = item
	return true
}

// pop removes the largest job.
func (q *readyQueue) pop() (*model.Job, bool) {
	item, ok := q.tree.DeleteMin()
	if !ok {
		return nil, false
	}
	delete(q.byID, item.job.ID)
	return item.job, true
}

func (q *readyQueue) remove(id model.JobID) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	q.tree.Delete(item)
	delete(q.byID, id)
	return true
}

func (q *readyQueue) contains(id model.JobID) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *readyQueue) len() int {
	return q.tree.Len()
}

// each visits the queued jobs in issue order.
func (q *readyQueue) each(fn func(*model.Job)) {
	q.tree.Ascend(func(item readyItem) bool {
		fn(item.job)
		return true
	})
}
