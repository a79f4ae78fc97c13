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

// Package flow runs named tasks in dependency order. The deployment
// engine compiles each lab graph into a flow; dependency ordering
// lives here, backend pacing lives with the caller through a shared
// semaphore, so one busy deploy cannot monopolize clone capacity.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// TaskID names one task inside a graph.
type TaskID string

// TaskIDs is a set of task names.
type TaskIDs map[TaskID]struct{}

// NewTaskIDs builds a set from the given names.
func NewTaskIDs(ids ...TaskID) TaskIDs {
	s := make(TaskIDs, len(ids))
	return s.Insert(ids...)
}

// Insert adds the names and returns the set for chaining.
func (s TaskIDs) Insert(ids ...TaskID) TaskIDs {
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s TaskIDs) Has(id TaskID) bool {
	_, ok := s[id]
	return ok
}

// Copy returns an independent set with the same members.
func (s TaskIDs) Copy() TaskIDs {
	out := make(TaskIDs, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// List returns the members sorted.
func (s TaskIDs) List() []TaskID {
	out := make([]TaskID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TaskFn is one task's payload.
type TaskFn func(ctx context.Context) error

// Task is a named unit of work plus the tasks it waits for.
type Task struct {
	Name         TaskID
	Fn           TaskFn
	Dependencies TaskIDs
}

// Graph collects tasks before compilation. Add validates eagerly and
// panics on a malformed graph: callers build task sets from intents
// that already passed validation, so a duplicate name or an unknown
// dependency here is a programming error, not an input error.
type Graph struct {
	name  string
	order []TaskID
	tasks map[TaskID]Task
}

// NewGraph returns an empty graph with the given display name.
func NewGraph(name string) *Graph {
	return &Graph{name: name, tasks: map[TaskID]Task{}}
}

// Add inserts the task. Every dependency must already be in the
// graph, which forces callers to add tasks in topological order.
func (g *Graph) Add(t Task) {
	if t.Fn == nil {
		panic(fmt.Sprintf("flow %q: task %q has no function", g.name, t.Name))
	}
	if _, ok := g.tasks[t.Name]; ok {
		panic(fmt.Sprintf("flow %q: task %q added twice", g.name, t.Name))
	}
	for dep := range t.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			panic(fmt.Sprintf("flow %q: task %q depends on unknown task %q", g.name, t.Name, dep))
		}
	}
	g.tasks[t.Name] = t
	g.order = append(g.order, t.Name)
}

// Len returns the number of tasks added so far.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Compile resolves dependency counts and fan-out edges into a
// runnable Flow.
func (g *Graph) Compile() *Flow {
	nodes := make(map[TaskID]*node, len(g.tasks))
	for _, id := range g.order {
		nodes[id] = &node{fn: g.tasks[id].Fn}
	}
	for _, id := range g.order {
		for dep := range g.tasks[id].Dependencies {
			nodes[dep].targets = append(nodes[dep].targets, id)
			nodes[id].required++
		}
	}
	for _, n := range nodes {
		sort.Slice(n.targets, func(i, j int) bool { return n.targets[i] < n.targets[j] })
	}
	return &Flow{name: g.name, order: append([]TaskID(nil), g.order...), nodes: nodes}
}

type node struct {
	fn       TaskFn
	targets  []TaskID
	required int
}

// Flow is a compiled task graph, ready to run.
type Flow struct {
	name  string
	order []TaskID
	nodes map[TaskID]*node
}

// Opts tunes one Run.
type Opts struct {
	Log logr.Logger

	// Sem bounds how many task functions execute at once. The caller
	// owns it, so sharing one semaphore across flows bounds them
	// collectively. Nil runs whatever the dependency order releases.
	Sem *semaphore.Weighted
}

// Run executes the flow. A task starts once every dependency
// succeeded; tasks downstream of a failure never start, while
// independent branches keep going. Run returns the accumulated task
// errors, plus the context's fault when the context expired before
// the graph drained.
func (f *Flow) Run(ctx context.Context, opts Opts) error {
	e := &execution{
		flow:    f,
		opts:    opts,
		log:     opts.Log.WithValues("flow", f.name),
		pending: make(map[TaskID]int, len(f.nodes)),
		done:    make(chan result),
	}
	for id, n := range f.nodes {
		e.pending[id] = n.required
	}
	return e.run(ctx)
}

type result struct {
	id  TaskID
	err error
}

type execution struct {
	flow    *Flow
	opts    Opts
	log     logr.Logger
	pending map[TaskID]int
	active  int
	done    chan result
	errs    *multierror.Error
}

func (e *execution) run(ctx context.Context) error {
	for _, id := range e.flow.order {
		if e.flow.nodes[id].required == 0 {
			e.launch(ctx, id)
		}
	}
	for e.active > 0 {
		r := <-e.done
		e.active--
		if r.err != nil {
			e.log.Error(r.err, "task failed", "task", r.id)
			e.errs = multierror.Append(e.errs, fmt.Errorf("task %s: %w", r.id, r.err))
			continue
		}
		e.log.V(1).Info("task done", "task", r.id)
		for _, t := range e.flow.nodes[r.id].targets {
			e.pending[t]--
			if e.pending[t] == 0 && ctx.Err() == nil {
				e.launch(ctx, t)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		e.errs = multierror.Append(e.errs, ctxFault(e.flow.name, err))
	}
	return e.errs.ErrorOrNil()
}

func (e *execution) launch(ctx context.Context, id TaskID) {
	e.active++
	fn := e.flow.nodes[id].fn
	go func() {
		if e.opts.Sem != nil {
			if err := e.opts.Sem.Acquire(ctx, 1); err != nil {
				e.done <- result{id: id, err: faults.Wrap(err, faults.CancelRequested, "waiting for a task slot")}
				return
			}
			defer e.opts.Sem.Release(1)
		}
		e.log.V(1).Info("task starting", "task", id)
		e.done <- result{id: id, err: fn(ctx)}
	}()
}

func ctxFault(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(err, faults.CancelRequested, "flow %s interrupted", name)
	}
	return faults.Wrap(err, faults.Timeout, "flow %s ran out of time", name)
}
