// Package graph implements the interruptible workflow engine: a directed
// node graph stepped by an executor, with suspend/resume interrupts and
// durable checkpoints.
//
// 节点通过状态增量（StateDelta）修改会话状态，执行器是唯一的状态写入方。
package graph

import (
	"context"
	"fmt"

	"github.com/BaSui01/edwflow/types"
)

// Outcome is the disposition a node reports after running.
type Outcome int

const (
	// OutcomeContinue hands control to the routing table.
	OutcomeContinue Outcome = iota
	// OutcomeSuspend pauses the session awaiting external input.
	OutcomeSuspend
	// OutcomeTerminate ends the pipeline run for this message.
	OutcomeTerminate
)

// NodeResult is what a node execution produces: a disposition, a state
// delta, and the ordered events to stream out once the delta is applied.
type NodeResult struct {
	Outcome Outcome
	Delta   types.StateDelta
	Events  []types.OutboundEvent
	// Prompt is the question shown to the user, set iff Outcome is Suspend.
	Prompt string
}

// Continue builds a continue result.
func Continue(delta types.StateDelta, events ...types.OutboundEvent) NodeResult {
	return NodeResult{Outcome: OutcomeContinue, Delta: delta, Events: events}
}

// Suspend builds a suspend result carrying the prompt for the user.
func Suspend(prompt string, delta types.StateDelta, events ...types.OutboundEvent) NodeResult {
	return NodeResult{Outcome: OutcomeSuspend, Delta: delta, Events: events, Prompt: prompt}
}

// Terminate builds a terminate result.
func Terminate(delta types.StateDelta, events ...types.OutboundEvent) NodeResult {
	return NodeResult{Outcome: OutcomeTerminate, Delta: delta, Events: events}
}

// NodeFunc runs one node against a read-only snapshot of session state.
// A non-nil error means the execution failed; retryable errors are retried
// by the executor up to the configured attempt budget.
type NodeFunc func(ctx context.Context, st *types.WorkflowState) (NodeResult, error)

// RouteFunc picks the next node after a continue outcome. Returning
// types.NodeDone terminates the run.
type RouteFunc func(st *types.WorkflowState) string

// Graph is an immutable node graph. Build it once at startup and share it
// across sessions; per-session data lives only in WorkflowState.
type Graph struct {
	entry  string
	nodes  map[string]NodeFunc
	routes map[string]RouteFunc
}

// NewGraph creates an empty graph with the given entry node id.
func NewGraph(entry string) *Graph {
	return &Graph{
		entry:  entry,
		nodes:  make(map[string]NodeFunc),
		routes: make(map[string]RouteFunc),
	}
}

// AddNode registers a node under id.
func (g *Graph) AddNode(id string, fn NodeFunc) *Graph {
	g.nodes[id] = fn
	return g
}

// AddRoute registers the routing function applied after id continues.
func (g *Graph) AddRoute(id string, fn RouteFunc) *Graph {
	g.routes[id] = fn
	return g
}

// AddEdge registers a static successor for id.
func (g *Graph) AddEdge(id, next string) *Graph {
	g.routes[id] = func(*types.WorkflowState) string { return next }
	return g
}

// Entry returns the entry node id.
func (g *Graph) Entry() string { return g.entry }

// Node looks up a node by id.
func (g *Graph) Node(id string) (NodeFunc, bool) {
	fn, ok := g.nodes[id]
	return fn, ok
}

// NextNode applies routing for id. A missing route terminates the run.
func (g *Graph) NextNode(id string, st *types.WorkflowState) string {
	route, ok := g.routes[id]
	if !ok {
		return types.NodeDone
	}
	return route(st)
}

// Validate checks that the entry and every static route target exist.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("graph entry node %q not registered", g.entry)
	}
	return nil
}
