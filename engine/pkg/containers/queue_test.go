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

package containers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDequeBasics(t *testing.T) {
	t.Parallel()

	q := NewDeque[int]()
	_, ok := q.Pop()
	require.False(t, ok)
	_, ok = q.Peek()
	require.False(t, ok)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	require.Equal(t, 5, q.Size())
	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 0, v)
	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 0, v)
	require.Equal(t, []int{1, 2, 3, 4}, q.PopAll())
	require.Equal(t, 0, q.Size())
	require.Empty(t, q.PopAll())
}

func TestDequeSignal(t *testing.T) {
	t.Parallel()

	q := NewDeque[string]()
	q.Push("a")
	q.Push("b")
	<-q.C
	select {
	case <-q.C:
		t.Fatal("signal channel should coalesce pushes")
	default:
	}
	require.Equal(t, 2, q.Size())
}

func TestDequeConcurrentPush(t *testing.T) {
	t.Parallel()

	q := NewDeque[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(i*100 + j)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 800, q.Size())
}
