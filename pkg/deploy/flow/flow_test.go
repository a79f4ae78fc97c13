/*
Copyright 2025 The RangeForge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// trace records task completion order.
type trace struct {
	mu    sync.Mutex
	order []TaskID
}

func (tr *trace) task(id TaskID) TaskFn {
	return func(context.Context) error {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		tr.order = append(tr.order, id)
		return nil
	}
}

func (tr *trace) index(id TaskID) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, got := range tr.order {
		if got == id {
			return i
		}
	}
	return -1
}

func TestRunRespectsDependencies(t *testing.T) {
	tr := &trace{}
	g := NewGraph("chain")
	g.Add(Task{Name: "a", Fn: tr.task("a")})
	g.Add(Task{Name: "b", Fn: tr.task("b"), Dependencies: NewTaskIDs("a")})
	g.Add(Task{Name: "c", Fn: tr.task("c"), Dependencies: NewTaskIDs("b")})
	g.Add(Task{Name: "d", Fn: tr.task("d")})
	require.Equal(t, 4, g.Len())

	err := g.Compile().Run(context.Background(), Opts{Log: logr.Discard()})
	require.NoError(t, err)

	require.Len(t, tr.order, 4)
	assert.Less(t, tr.index("a"), tr.index("b"))
	assert.Less(t, tr.index("b"), tr.index("c"))
	assert.GreaterOrEqual(t, tr.index("d"), 0)
}

func TestFailureSkipsDependents(t *testing.T) {
	tr := &trace{}
	boom := faults.New(faults.QuotaExceeded, "no room")

	g := NewGraph("partial")
	g.Add(Task{Name: "a", Fn: func(context.Context) error { return boom }})
	g.Add(Task{Name: "b", Fn: tr.task("b"), Dependencies: NewTaskIDs("a")})
	g.Add(Task{Name: "c", Fn: tr.task("c")})

	err := g.Compile().Run(context.Background(), Opts{Log: logr.Discard()})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.QuotaExceeded))
	assert.Contains(t, err.Error(), "task a")

	assert.Equal(t, -1, tr.index("b"), "dependent of the failed task must not run")
	assert.GreaterOrEqual(t, tr.index("c"), 0, "independent task keeps going")
}

func TestSharedSemaphoreBoundsParallelism(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		high     int
	)
	work := func(context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > high {
			high = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	g := NewGraph("bounded")
	for _, id := range []TaskID{"t1", "t2", "t3", "t4", "t5", "t6"} {
		g.Add(Task{Name: id, Fn: work})
	}

	err := g.Compile().Run(context.Background(), Opts{
		Log: logr.Discard(),
		Sem: semaphore.NewWeighted(2),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, high, 2)
	assert.Zero(t, inFlight)
}

func TestDeadlineStopsLaunches(t *testing.T) {
	tr := &trace{}
	g := NewGraph("late")
	g.Add(Task{Name: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	g.Add(Task{Name: "after", Fn: tr.task("after"), Dependencies: NewTaskIDs("slow")})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := g.Compile().Run(ctx, Opts{Log: logr.Discard()})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Timeout))
	assert.Equal(t, -1, tr.index("after"))
}

func TestAddPanicsOnMalformedGraph(t *testing.T) {
	ok := func(context.Context) error { return nil }

	g := NewGraph("bad")
	g.Add(Task{Name: "a", Fn: ok})

	assert.Panics(t, func() { g.Add(Task{Name: "a", Fn: ok}) })
	assert.Panics(t, func() { g.Add(Task{Name: "b", Fn: ok, Dependencies: NewTaskIDs("ghost")}) })
	assert.Panics(t, func() { g.Add(Task{Name: "c"}) })
}

func TestTaskIDSets(t *testing.T) {
	base := NewTaskIDs("gw")
	tenant := base.Copy().Insert("db", "web")

	assert.True(t, tenant.Has("gw"))
	assert.True(t, tenant.Has("db"))
	assert.False(t, base.Has("db"), "Copy must not alias the original")
	assert.Equal(t, []TaskID{"db", "gw", "web"}, tenant.List())
}
