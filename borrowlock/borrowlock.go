// Package borrowlock implements BorrowLock: a spinlock augmented with
// a deadlock-chain check and lock-DAG bookkeeping. Grounded on
// original_source/kernel/9front-port/lock_borrow.c and
// kernel/include/lock_borrow.h. The header (and exchange.c's actual
// call site) declare a 3-argument constructor
// borrow_lock_init(BorrowLock*, uintptr, LockDagNode*); the .c body in
// the retrieval pack only takes 2 and appears stale, so this package
// follows the header/call-site contract.
package borrowlock

import (
	"fmt"
	"sync"

	"borrowreg"
	"defs"
	"lockdag"
)

// maxDeadlockHops matches lock_borrow.c's 100-iteration wait-chain
// walk limit.
const maxDeadlockHops = 100

// / Process is the subset of a process's state BorrowLock needs to
// / detect deadlock and record lock-DAG transitions: the key it is
// / currently blocked waiting for, and its per-process DAG stack.
// / proc.Proc_t implements this.
type Process interface {
	WaitKey() uintptr
	SetWaitKey(uintptr)
	DagCtx() *lockdag.Context
}

// / Lock wraps a mutex with a registry-tracked key and a lock-DAG
// / node, matching BorrowLock{Lock, key, dag_node}.
type Lock struct {
	mu   sync.Mutex
	key  uintptr
	node *lockdag.Node
	reg  *borrowreg.Registry
}

// / New constructs a BorrowLock over key, registered under node in the
// / lock-order DAG and tracked for ownership/deadlock purposes in reg.
func New(key uintptr, node *lockdag.Node, reg *borrowreg.Registry) *Lock {
	lockdag.Register(node)
	return &Lock{key: key, node: node, reg: reg}
}

// checkDeadlock walks the wait-for chain starting at l's key: if the
// process currently blocking on that key is itself waiting on a key
// that eventually traces back to p, that's a cycle. Matches
// borrow_check_deadlock's up-to-100-hop walk, panicking both on a
// detected cycle and on exceeding the hop limit (a chain that long is
// itself a bug, not a recoverable condition).
func (l *Lock) checkDeadlock(p Process) {
	waitKey := l.key
	for i := 0; i < maxDeadlockHops; i++ {
		owner := l.reg.GetOwner(waitKey)
		if owner == nil {
			return
		}
		if owner == Process(p) {
			panic(fmt.Sprintf("deadlock detected: process re-enters wait chain at key %#x", waitKey))
		}
		holder, ok := owner.(Process)
		if !ok {
			return
		}
		nextKey := holder.WaitKey()
		if nextKey == 0 {
			return
		}
		waitKey = nextKey
	}
	panic("deadlock check: exceeded loop limit")
}

// / Lock acquires the underlying mutex on behalf of p, first checking
// / for a deadlock cycle and recording the acquisition with both the
// / borrow registry (panicking "recursive acquire" on EALREADY, as any
// / other error here is an invariant violation since l.key is wholly
// / owned by this lock) and the lock-order DAG. p may be nil for
// / kernel-context acquisitions with no associated process, in which
// / case only the bare mutex is taken.
func (l *Lock) Lock(p Process) {
	if p == nil {
		l.mu.Lock()
		return
	}
	p.SetWaitKey(l.key)
	l.checkDeadlock(p)
	l.mu.Lock()
	p.SetWaitKey(0)

	if e := l.reg.Acquire(Process(p), l.key); e != 0 {
		l.mu.Unlock()
		if e == defs.EALREADY {
			panic("recursive acquire")
		}
		panic(fmt.Sprintf("borrowlock: acquire failed: %v", e))
	}
	lockdag.RecordAcquire(p.DagCtx(), l.node, l.key)
}

// / Unlock releases l on behalf of p, clearing its registry record and
// / popping the lock-DAG stack entry before releasing the mutex.
func (l *Lock) Unlock(p Process) {
	if p != nil {
		if e := l.reg.Release(Process(p), l.key); e != 0 {
			panic(fmt.Sprintf("borrowlock: release of unheld lock: %v", e))
		}
		lockdag.RecordRelease(p.DagCtx(), l.node, l.key)
	}
	l.mu.Unlock()
}
