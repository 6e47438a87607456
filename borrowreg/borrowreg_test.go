package borrowreg

import (
	"testing"

	"defs"
	"ownership"
)

func TestAcquireReleaseFreesRecord(t *testing.T) {
	r := New(0)
	owner := "owner"
	key := uintptr(0x1000)

	if e := r.Acquire(&owner, key); e != 0 {
		t.Fatalf("Acquire: got %v, want 0", e)
	}
	if !r.IsOwned(key) {
		t.Errorf("IsOwned should report true")
	}
	if e := r.Release(&owner, key); e != 0 {
		t.Fatalf("Release: got %v, want 0", e)
	}
	if r.IsOwned(key) {
		t.Errorf("IsOwned should report false after release")
	}
	// The record should have been reclaimed, so a stale borrower
	// lookup sees no record at all, same as an unused key.
	if e := r.ReturnShared(&owner, key); e != defs.EINVAL {
		t.Errorf("ReturnShared on freed record = %v, want EINVAL", e)
	}
}

func TestBorrowMutExcludesShared(t *testing.T) {
	r := New(0)
	owner, mutB, reader := "owner", "mutb", "reader"
	key := uintptr(0x2000)
	r.Acquire(&owner, key)

	if e := r.BorrowMut(&owner, &mutB, key); e != 0 {
		t.Fatalf("BorrowMut: got %v, want 0", e)
	}
	if e := r.BorrowShared(&owner, &reader, key); e != defs.EMUTBORROW {
		t.Errorf("BorrowShared while mut-lent = %v, want EMUTBORROW", e)
	}
	if e := r.ReturnMut(&mutB, key); e != 0 {
		t.Fatalf("ReturnMut: got %v, want 0", e)
	}
	if r.GetState(key) != ownership.Exclusive {
		t.Errorf("state after return = %v, want Exclusive", r.GetState(key))
	}
}

func TestBorrowDeadlineSweep(t *testing.T) {
	r := New(0)
	owner, reader := "owner", "reader"
	key := uintptr(0x3000)
	r.Acquire(&owner, key)
	r.BorrowShared(&owner, &reader, key)
	r.SetBorrowDeadline(key, 100)

	if expired := r.ExpiredBorrows(50); len(expired) != 0 {
		t.Errorf("ExpiredBorrows before deadline = %v, want empty", expired)
	}
	expired := r.ExpiredBorrows(200)
	if len(expired) != 1 || expired[0] != key {
		t.Fatalf("ExpiredBorrows after deadline = %v, want [%v]", expired, key)
	}
	if e := r.ForceReturn(key); e != 0 {
		t.Fatalf("ForceReturn: got %v, want 0", e)
	}
	if e := r.ForceReturn(key); e != defs.ENOTFOUND {
		t.Errorf("ForceReturn with nothing outstanding = %v, want ENOTFOUND", e)
	}
}

func TestCleanupProcess(t *testing.T) {
	r := New(0)
	owner := "owner"
	r.Acquire(&owner, 0x10)
	r.Acquire(&owner, 0x20)
	other := "other"
	r.Acquire(&other, 0x30)

	cleaned := r.CleanupProcess(&owner)
	if cleaned != 2 {
		t.Errorf("CleanupProcess = %d, want 2", cleaned)
	}
	if r.IsOwned(0x10) || r.IsOwned(0x20) {
		t.Errorf("owner's keys should be gone after cleanup")
	}
	if !r.IsOwned(0x30) {
		t.Errorf("unrelated key should be untouched")
	}
}

func TestDefaultBucketsOnNonPositive(t *testing.T) {
	r := New(-1)
	owner := "owner"
	if e := r.Acquire(&owner, 1); e != 0 {
		t.Fatalf("Acquire on fallback-bucket registry failed: %v", e)
	}
}
