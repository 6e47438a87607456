// Package lockdag implements the lock-order DAG: lazy node
// registration, a 128x128-bit allowed-edge matrix, and a per-process
// bounded acquisition stack used to flag "suspicious" (non-fatal) lock
// ordering at acquire time. Grounded on
// original_source/kernel/lock_dag.c and kernel/include/lock_dag.h.
package lockdag

import (
	"fmt"
	"log"
	"sync"
)

const (
	// MaxNodes matches LOCKDAG_MAX_NODES.
	MaxNodes = 128
	// StackDepth matches LOCKDAG_STACK_DEPTH.
	StackDepth = 32
)

// / Node names one lock-acquisition site in the DAG. Id is assigned
// / lazily on first registration (-1 until then), matching the
// / LOCKDAG_NODE(label) macro's { .name = label, .id = -1 } literal.
type Node struct {
	Name string
	id   int
}

// / NewNode returns an unregistered node, ready to pass to any
// / borrowlock.New call; registration happens lazily on first use.
func NewNode(name string) *Node {
	return &Node{Name: name, id: -1}
}

type entry struct {
	node *Node
	key  uintptr
}

// / Context is a process's bounded acquisition stack. Overflow is
// / counted, never fatal: pushing past StackDepth just stops growing,
// / matching lock_dag.c's lockdag_push.
type Context struct {
	stack    [StackDepth]entry
	depth    int
	Overflow int
}

var (
	mu       sync.Mutex
	nodes    [MaxNodes]*Node
	nextID   int
	allowed  [MaxNodes][MaxNodes]bool
	suspWarn = log.Printf
	counts   [MaxNodes]int64
)

// registerLocked assigns node an id if it doesn't have one, growing
// the node table. Caller holds mu.
func registerLocked(n *Node) int {
	if n.id >= 0 {
		return n.id
	}
	if nextID >= MaxNodes {
		panic("lockdag: node capacity exceeded")
	}
	id := nextID
	nextID++
	n.id = id
	nodes[id] = n
	log.Printf("lockdag: registered node %s as %d\n", n.Name, id)
	return id
}

/// Register assigns n a stable id, idempotently.
func Register(n *Node) int {
	mu.Lock()
	defer mu.Unlock()
	return registerLocked(n)
}

/// AllowEdge declares that acquiring "to" while already holding "from"
/// is expected policy, not a suspicious ordering. Both nodes must
/// already be registered.
func AllowEdge(from, to *Node) error {
	mu.Lock()
	defer mu.Unlock()
	if from.id < 0 || to.id < 0 {
		return fmt.Errorf("lockdag: cannot allow edge for unregistered node")
	}
	allowed[from.id][to.id] = true
	return nil
}

func edgeAllowed(from, to int) bool {
	if from < 0 || to < 0 {
		return true
	}
	return allowed[from][to]
}

/// RecordAcquire registers node if needed, checks the edge from the
/// context's top-of-stack node to node, logging a non-fatal warning
/// on an unexpected ordering, then pushes {node,key} onto ctx's stack.
func RecordAcquire(ctx *Context, n *Node, key uintptr) {
	mu.Lock()
	id := registerLocked(n)
	var prev *entry
	if ctx.depth > 0 {
		prev = &ctx.stack[ctx.depth-1]
	}
	if prev != nil && !edgeAllowed(prev.node.id, id) {
		suspWarn("lockdag: suspicious edge %s -> %s (key=%#x)\n", prev.node.Name, n.Name, key)
	}
	counts[id]++
	mu.Unlock()

	if ctx.depth >= StackDepth {
		ctx.Overflow++
		return
	}
	ctx.stack[ctx.depth] = entry{node: n, key: key}
	ctx.depth++
}

/// RecordRelease pops the matching {node,key} pair, searching
/// backward from the top the way lockdag_pop does, truncating the
/// stack at the found entry.
func RecordRelease(ctx *Context, n *Node, key uintptr) {
	for i := ctx.depth - 1; i >= 0; i-- {
		if ctx.stack[i].node == n && ctx.stack[i].key == key {
			ctx.depth = i
			return
		}
	}
}

/// Depth reports the context's current stack depth, for diagnostics.
func (ctx *Context) Depth() int { return ctx.depth }

// / NodeCounts returns the acquisition count recorded against every
// / registered node, keyed by name, for diag's profile snapshot.
func NodeCounts() map[string]int64 {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]int64, nextID)
	for i := 0; i < nextID; i++ {
		if nodes[i] != nil {
			out[nodes[i].Name] = counts[i]
		}
	}
	return out
}

// resetForTest clears all global DAG state; used only by tests that
// need a fresh node/edge table between cases.
func resetForTest() {
	namedMu.Lock()
	named = map[string]*Node{}
	namedMu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	nodes = [MaxNodes]*Node{}
	nextID = 0
	allowed = [MaxNodes][MaxNodes]bool{}
	counts = [MaxNodes]int64{}
}
