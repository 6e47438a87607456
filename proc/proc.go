// Package proc implements the minimal process structure the core
// memory subsystems need: an address space, a lock-DAG context, and
// the wait-key bookkeeping borrowlock.Lock uses for deadlock chain
// walking. Grounded on vm/as.go's Vm_t embedding style and
// original_source/kernel/include/lock_dag.h's LockDagContext.
package proc

import (
	"sync"
	"sync/atomic"

	"borrowreg"
	"lockdag"
	"ownership"
	"pageown"
	"vm"
)

var nextPid int64

// / Proc_t is a process: its address space, the lock-DAG stack
// / borrowlock consults on every acquire/release, and the key it is
// / currently blocked waiting on (0 when runnable). Pointer identity
// / is this process's Holder value throughout pageown/borrowreg/
// / exchange, matching the original's bare Proc* comparisons.
type Proc_t struct {
	Pid int64
	As  *vm.Vm_t

	mu      sync.Mutex
	waitKey uintptr
	dag     lockdag.Context
}

// / New allocates a fresh process with its own address space.
func New() (*Proc_t, bool) {
	as, ok := vm.NewAs()
	if !ok {
		return nil, false
	}
	return &Proc_t{Pid: atomic.AddInt64(&nextPid, 1), As: as}, true
}

// / WaitKey returns the resource key p is currently blocked acquiring,
// / or 0 if p isn't waiting on anything. Implements borrowlock.Process.
func (p *Proc_t) WaitKey() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitKey
}

// / SetWaitKey records the key p is about to block on (or clears it
// / with 0 once the lock is acquired). Implements borrowlock.Process.
func (p *Proc_t) SetWaitKey(key uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitKey = key
}

// / DagCtx returns p's lock-order DAG stack. Implements
// / borrowlock.Process.
func (p *Proc_t) DagCtx() *lockdag.Context {
	return &p.dag
}

// / Cleanup tears down a dying process in three steps: it first frees
// / its address space's top-level table, then releases every page it
// / owns or borrows, and finally every generic resource it owns or
// / borrows. Neither CleanupProcess walk reads the page tables.
func (p *Proc_t) Cleanup(owns *pageown.Table, reg *borrowreg.Registry) (pagesReclaimed, resourcesReclaimed int) {
	p.As.Free()
	pagesReclaimed = owns.CleanupProcess(ownership.Holder(p))
	resourcesReclaimed = reg.CleanupProcess(ownership.Holder(p))
	return
}
