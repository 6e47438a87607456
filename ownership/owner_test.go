package ownership

import (
	"testing"

	"defs"
)

func TestAcquireRelease(t *testing.T) {
	var o Owner[int]
	alice, bob := "alice", "bob"

	if e := o.Acquire(&alice); e != 0 {
		t.Fatalf("Acquire: got %v, want 0", e)
	}
	if o.State != Exclusive {
		t.Errorf("state = %v, want Exclusive", o.State)
	}
	if e := o.Acquire(&bob); e != defs.EALREADY {
		t.Errorf("second Acquire = %v, want EALREADY", e)
	}
	if e := o.Release(&bob); e != defs.ENOTOWNER {
		t.Errorf("Release by non-owner = %v, want ENOTOWNER", e)
	}
	if e := o.Release(&alice); e != 0 {
		t.Fatalf("Release: got %v, want 0", e)
	}
	if o.State != Free {
		t.Errorf("state after release = %v, want Free", o.State)
	}
}

func TestTransferMoveSemantics(t *testing.T) {
	var o Owner[int]
	alice, bob := "alice", "bob"
	o.Acquire(&alice)

	if e := o.Transfer(&bob, &alice); e != defs.ENOTOWNER {
		t.Fatalf("Transfer by non-owner = %v, want ENOTOWNER", e)
	}
	if e := o.Transfer(&alice, &bob); e != 0 {
		t.Fatalf("Transfer: got %v, want 0", e)
	}
	if o.OwnerHolder != Holder(&bob) {
		t.Errorf("owner after transfer = %v, want bob", o.OwnerHolder)
	}
	if o.TransferCount != 1 {
		t.Errorf("TransferCount = %d, want 1", o.TransferCount)
	}
}

func TestBorrowSharedExclusiveXOR(t *testing.T) {
	var o Owner[int]
	owner, r1 := "owner", "reader1"
	o.Acquire(&owner)

	if e := o.BorrowShared(&owner, &r1); e != 0 {
		t.Fatalf("BorrowShared: got %v, want 0", e)
	}
	if o.State != SharedOwned {
		t.Errorf("state = %v, want SharedOwned", o.State)
	}
	mutBorrower := "mutborrower"
	if e := o.BorrowMut(&owner, &mutBorrower); e != defs.ESHAREDBORROW {
		t.Errorf("BorrowMut while shared = %v, want ESHAREDBORROW", e)
	}
}

func TestBorrowMutExcludesShared(t *testing.T) {
	var o Owner[int]
	owner, mutB, reader := "owner", "mutborrower", "reader"
	o.Acquire(&owner)
	if e := o.BorrowMut(&owner, &mutB); e != 0 {
		t.Fatalf("BorrowMut: got %v, want 0", e)
	}
	if o.State != MutLent {
		t.Errorf("state = %v, want MutLent", o.State)
	}
	if e := o.BorrowShared(&owner, &reader); e != defs.EMUTBORROW {
		t.Errorf("BorrowShared while mut-lent = %v, want EMUTBORROW", e)
	}
	if e := o.ReturnMut(&reader); e != defs.ENOTBORROWED {
		t.Errorf("ReturnMut by non-borrower = %v, want ENOTBORROWED", e)
	}
	if e := o.ReturnMut(&mutB); e != 0 {
		t.Fatalf("ReturnMut: got %v, want 0", e)
	}
	if o.State != Exclusive {
		t.Errorf("state after return = %v, want Exclusive", o.State)
	}
}

func TestSharedBorrowersCapacity(t *testing.T) {
	var o Owner[int]
	owner := "owner"
	o.Acquire(&owner)

	readers := make([]string, MaxSharedBorrows+1)
	for i := range readers {
		readers[i] = "reader"
		if e := o.BorrowShared(&owner, &readers[i]); i < MaxSharedBorrows {
			if e != 0 {
				t.Fatalf("BorrowShared #%d: got %v, want 0", i, e)
			}
		} else if e != defs.ENOMEM {
			t.Errorf("BorrowShared past capacity = %v, want ENOMEM", e)
		}
	}
}

func TestReleaseBlockedWhileBorrowed(t *testing.T) {
	var o Owner[int]
	owner, reader := "owner", "reader"
	o.Acquire(&owner)
	o.BorrowShared(&owner, &reader)

	if e := o.Release(&owner); e != defs.EBORROWED {
		t.Errorf("Release while borrowed = %v, want EBORROWED", e)
	}
	if e := o.ReturnShared(&reader); e != 0 {
		t.Fatalf("ReturnShared: got %v, want 0", e)
	}
	if o.State != Exclusive {
		t.Errorf("state after last return = %v, want Exclusive", o.State)
	}
	if e := o.Release(&owner); e != 0 {
		t.Errorf("Release after borrows cleared = %v, want 0", e)
	}
}

func TestCleanupHolderClearsEverything(t *testing.T) {
	var o Owner[int]
	owner := "owner"
	o.Acquire(&owner)
	reader := "reader"
	o.BorrowShared(&owner, &reader)

	owned, mutBorrowed, sharedBorrowed := o.CleanupHolder(&owner)
	if !owned || mutBorrowed || sharedBorrowed {
		t.Errorf("CleanupHolder(owner) = (%v,%v,%v), want (true,false,false)", owned, mutBorrowed, sharedBorrowed)
	}
	if o.State != Free {
		t.Errorf("state after owner cleanup = %v, want Free", o.State)
	}
	if o.SharedCount != 0 {
		t.Errorf("SharedCount after owner cleanup = %d, want 0", o.SharedCount)
	}
}

func TestCanBorrowPredicates(t *testing.T) {
	var o Owner[int]
	if o.CanBorrowShared() || o.CanBorrowMut() {
		t.Fatalf("Free resource should not be borrowable")
	}
	owner := "owner"
	o.Acquire(&owner)
	if !o.CanBorrowShared() || !o.CanBorrowMut() {
		t.Errorf("Exclusive resource should accept either borrow kind")
	}
	mutB := "mutb"
	o.BorrowMut(&owner, &mutB)
	if o.CanBorrowShared() || o.CanBorrowMut() {
		t.Errorf("MutLent resource should accept no further borrows")
	}
}
