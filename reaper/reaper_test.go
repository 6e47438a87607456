package reaper

import (
	"testing"

	"borrowreg"
	"mem"
	"pageown"
)

func pa(n int) mem.Pa_t { return mem.Pa_t(n) << mem.PGSHIFT }

func TestSweepOnceForceReturnsExpiredBorrows(t *testing.T) {
	owns := pageown.New(4)
	reg := borrowreg.New(0)

	owner := "owner"
	reader := "reader"
	owns.Acquire(&owner, pa(1), 0)
	owns.BorrowShared(&owner, &reader, pa(1), 0)
	owns.SetBorrowDeadline(pa(1), 100)

	regOwner := "reg-owner"
	regBorrower := "reg-borrower"
	reg.Acquire(&regOwner, 0x1000)
	reg.BorrowMut(&regOwner, &regBorrower, 0x1000)
	reg.SetBorrowDeadline(0x1000, 100)

	var now int64 = 50
	s := New(owns, reg, func() int64 { return now })

	s.sweepOnce()
	if _, nshared, _ := owns.Stats(); nshared != 1 {
		t.Fatalf("sweep before deadline should not touch outstanding borrows, nshared=%d", nshared)
	}

	now = 200
	s.sweepOnce()

	if _, nshared, _ := owns.Stats(); nshared != 0 {
		t.Errorf("expired shared borrow should have been force-returned, nshared=%d", nshared)
	}
	if _, _, nmut := reg.Stats(); nmut != 0 {
		t.Errorf("expired mutable borrow should have been force-returned, nmut=%d", nmut)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	owns := pageown.New(1)
	reg := borrowreg.New(0)
	s := New(owns, reg, func() int64 { return 0 })
	if err := s.Start("not a valid cron spec"); err == nil {
		t.Errorf("Start with a malformed spec should return an error")
	}
}
