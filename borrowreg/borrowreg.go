// Package borrowreg implements the generic borrow registry: the same
// ownership state machine as pageown, keyed by a bare uintptr instead
// of a page frame number, backed by a hashed bucket store since
// records must be created and freed on demand rather than living in a
// fixed array. Grounded directly on
// original_source/kernel/borrowchecker.c.
package borrowreg

import (
	"fmt"
	"sync"

	"defs"
	"hashtable"
	"ownership"
)

// / DefaultBuckets matches borrowchecker.c's borrowpool.nbuckets = 1024.
const DefaultBuckets = 1024

// / Registry is the hashed, on-demand-allocated counterpart to
// / pageown.Table. A single mutex serializes every operation, matching
// / borrowchecker.c's single ilock(&borrowpool.lock): resource keys
// / here are arbitrary kernel handles, not physical pages, so there is
// / no per-bucket hot path worth the extra locking complexity.
type Registry struct {
	mu    sync.Mutex
	table *hashtable.Hashtable_t
	pool  ownership.Pool[uintptr]
}

// / New creates an empty registry with nbuckets hash buckets.
func New(nbuckets int) *Registry {
	if nbuckets <= 0 {
		nbuckets = DefaultBuckets
	}
	return &Registry{table: hashtable.MkHash(nbuckets)}
}

func (r *Registry) find(key uintptr) *ownership.Owner[uintptr] {
	v, ok := r.table.Get(key)
	if !ok {
		return nil
	}
	return v.(*ownership.Owner[uintptr])
}

func (r *Registry) findOrCreate(key uintptr) *ownership.Owner[uintptr] {
	if own := r.find(key); own != nil {
		return own
	}
	own := &ownership.Owner[uintptr]{Key: key}
	r.table.Set(key, own)
	return own
}

// freeIfEmpty drops a now-unused record from the table, matching
// borrow_cleanup_process's xfree(owner) call: unlike pageown's fixed
// array, a hashed record with nothing left to say about it (Free
// state, no borrowers) must be reclaimed or the bucket chains grow
// without bound across process lifetimes.
func (r *Registry) freeIfEmpty(own *ownership.Owner[uintptr]) {
	if own.State == ownership.Free && own.SharedCount == 0 && own.MutBorrower == nil {
		r.table.Del(own.Key)
	}
}

/// Acquire claims exclusive ownership of key for p.
func (r *Registry) Acquire(p ownership.Holder, key uintptr) defs.Err_t {
	if p == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.findOrCreate(key)
	if e := own.Acquire(p); e != 0 {
		r.freeIfEmpty(own)
		return e
	}
	r.pool.Nowned++
	return 0
}

/// Release drops p's exclusive ownership of key.
func (r *Registry) Release(p ownership.Holder, key uintptr) defs.Err_t {
	if p == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.Release(p); e != 0 {
		return e
	}
	r.pool.Nowned--
	r.freeIfEmpty(own)
	return 0
}

/// Transfer moves ownership of key from "from" to "to".
func (r *Registry) Transfer(from, to ownership.Holder, key uintptr) defs.Err_t {
	if from == nil || to == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	return own.Transfer(from, to)
}

/// BorrowShared adds borrower to key's shared-reader set.
func (r *Registry) BorrowShared(owner, borrower ownership.Holder, key uintptr) defs.Err_t {
	if owner == nil || borrower == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	wasShared := own.SharedCount > 0
	if e := own.BorrowShared(owner, borrower); e != 0 {
		return e
	}
	if !wasShared {
		r.pool.Nshared++
	}
	return 0
}

/// BorrowMut installs borrower as key's sole mutable borrower.
func (r *Registry) BorrowMut(owner, borrower ownership.Holder, key uintptr) defs.Err_t {
	if owner == nil || borrower == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.BorrowMut(owner, borrower); e != 0 {
		return e
	}
	r.pool.Nmut++
	return 0
}

/// ReturnShared removes borrower from key's shared-reader set.
func (r *Registry) ReturnShared(borrower ownership.Holder, key uintptr) defs.Err_t {
	if borrower == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.ReturnShared(borrower); e != 0 {
		return e
	}
	if own.SharedCount == 0 {
		r.pool.Nshared--
	}
	r.freeIfEmpty(own)
	return 0
}

/// ReturnMut clears key's mutable borrow.
func (r *Registry) ReturnMut(borrower ownership.Holder, key uintptr) defs.Err_t {
	if borrower == nil {
		return defs.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.ReturnMut(borrower); e != 0 {
		return e
	}
	r.pool.Nmut--
	r.freeIfEmpty(own)
	return 0
}

/// IsOwned reports whether key has a live record in any state but Free.
func (r *Registry) IsOwned(key uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	return own != nil && own.State != ownership.Free
}

/// GetOwner returns key's current owner, or nil.
func (r *Registry) GetOwner(key uintptr) ownership.Holder {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return nil
	}
	return own.OwnerHolder
}

/// GetState returns key's ownership state (Free if no record exists).
func (r *Registry) GetState(key uintptr) ownership.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return ownership.Free
	}
	return own.State
}

/// CanBorrowShared reports whether key could accept a new shared borrow.
func (r *Registry) CanBorrowShared(key uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	return own != nil && own.CanBorrowShared()
}

/// CanBorrowMut reports whether key could accept a mutable borrow.
func (r *Registry) CanBorrowMut(key uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	return own != nil && own.CanBorrowMut()
}

/// SetBorrowDeadline records the deadline (nanoseconds, caller's
/// clock) for key's outstanding borrow.
func (r *Registry) SetBorrowDeadline(key uintptr, deadlineNs int64) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	own.BorrowDeadlineNs = deadlineNs
	return 0
}

/// ExpiredBorrows returns every key whose outstanding borrow's
/// deadline has passed nowNs, for reaper's sweep.
func (r *Registry) ExpiredBorrows(nowNs int64) []uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uintptr
	for _, pair := range r.table.Elems() {
		own := pair.Value.(*ownership.Owner[uintptr])
		if own.BorrowDeadlineNs > 0 && own.BorrowDeadlineNs < nowNs && (own.MutBorrower != nil || own.SharedCount > 0) {
			out = append(out, own.Key)
		}
	}
	return out
}

/// ForceReturn clears whatever borrow is outstanding on key, reaper's
/// enforcement action once a deadline has passed.
func (r *Registry) ForceReturn(key uintptr) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return defs.EINVAL
	}
	switch {
	case own.MutBorrower != nil:
		own.MutBorrower = nil
		own.State = ownership.Exclusive
		own.BorrowDeadlineNs = 0
		r.pool.Nmut--
		r.freeIfEmpty(own)
		return 0
	case own.SharedCount > 0:
		for i := range own.SharedBorrowers {
			own.SharedBorrowers[i] = nil
		}
		own.SharedCount = 0
		own.State = ownership.Exclusive
		own.BorrowDeadlineNs = 0
		r.pool.Nshared--
		r.freeIfEmpty(own)
		return 0
	default:
		return defs.ENOTFOUND
	}
}

/// CleanupProcess force-releases every resource p owns or borrows and
/// frees now-empty records, matching borrow_cleanup_process's walk of
/// every bucket.
func (r *Registry) CleanupProcess(p ownership.Holder) int {
	if p == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cleaned := 0
	for _, pair := range r.table.Elems() {
		own := pair.Value.(*ownership.Owner[uintptr])
		owned, mutB, sharedB := own.CleanupHolder(p)
		if owned {
			r.pool.Nowned--
			cleaned++
		}
		if mutB {
			r.pool.Nmut--
			if !owned {
				cleaned++
			}
		}
		if sharedB {
			if own.SharedCount == 0 {
				r.pool.Nshared--
			}
			if !owned {
				cleaned++
			}
		}
		r.freeIfEmpty(own)
	}
	return cleaned
}

/// Stats reports the registry's live owned/shared/mut counters.
func (r *Registry) Stats() (nowned, nshared, nmut int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool.Nowned, r.pool.Nshared, r.pool.Nmut
}

/// DumpResource renders one resource's record as text, matching
/// borrow_dump_resource's format.
func (r *Registry) DumpResource(key uintptr) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.find(key)
	if own == nil {
		return fmt.Sprintf("key %#x: no record", key)
	}
	return fmt.Sprintf("key %#x: state=%s owner=%v shared=%d mut=%v transfers=%d borrows=%d",
		key, own.State, own.OwnerHolder, own.SharedCount, own.MutBorrower,
		own.TransferCount, own.BorrowCount)
}
