package borrowlock

import (
	"testing"

	"borrowreg"
	"lockdag"
)

type testProc struct {
	name string
	key  uintptr
	dag  lockdag.Context
}

func (p *testProc) WaitKey() uintptr       { return p.key }
func (p *testProc) SetWaitKey(k uintptr)   { p.key = k }
func (p *testProc) DagCtx() *lockdag.Context { return &p.dag }

func TestLockUnlockRoundTrip(t *testing.T) {
	reg := borrowreg.New(0)
	node := lockdag.NewNode("test-borrowlock-basic")
	l := New(0xabc, node, reg)
	p := &testProc{name: "p1"}

	l.Lock(p)
	if reg.GetOwner(0xabc) != Process(p) {
		t.Errorf("registry should record p as the lock's owner while held")
	}
	l.Unlock(p)
	if reg.IsOwned(0xabc) {
		t.Errorf("registry record should be released after Unlock")
	}
}

func TestNilProcessUsesBareMutex(t *testing.T) {
	reg := borrowreg.New(0)
	node := lockdag.NewNode("test-borrowlock-nilproc")
	l := New(0xdef, node, reg)

	l.Lock(nil)
	l.Unlock(nil)
	if reg.IsOwned(0xdef) {
		t.Errorf("a nil-process lock/unlock should never touch the registry")
	}
}

func TestRecursiveAcquirePanics(t *testing.T) {
	reg := borrowreg.New(0)
	node := lockdag.NewNode("test-borrowlock-recursive")
	l := New(0x111, node, reg)
	p := &testProc{name: "p1"}

	defer func() {
		if recover() == nil {
			t.Errorf("recursive acquire should panic")
		}
	}()
	l.Lock(p)
	l.Lock(p)
}

func TestUnlockOfUnheldLockPanics(t *testing.T) {
	reg := borrowreg.New(0)
	node := lockdag.NewNode("test-borrowlock-unheld")
	l := New(0x222, node, reg)
	p := &testProc{name: "p1"}

	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of an unheld lock should panic")
		}
	}()
	l.Unlock(p)
}
