package vm

import (
	"os"
	"testing"

	"mem"
)

const testNPages = 256

func TestMain(m *testing.M) {
	mem.Phys_init(testNPages)
	os.Exit(m.Run())
}

func TestNewAsAndFree(t *testing.T) {
	as, ok := NewAs()
	if !ok {
		t.Fatalf("NewAs failed")
	}
	if as.Pmap == nil {
		t.Fatalf("NewAs returned a nil Pmap")
	}
	as.Free()
}

func TestMapWalkUnmapRoundTrip(t *testing.T) {
	as, ok := NewAs()
	if !ok {
		t.Fatalf("NewAs failed")
	}
	defer as.Free()

	_, leafPa, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}

	const va = uintptr(0x400000)
	if !as.MapPage(as.Pmap, va, leafPa, mem.PTE_W|mem.PTE_U) {
		t.Fatalf("MapPage failed")
	}

	pte, ok := as.WalkVA(va, false)
	if !ok || pte == nil {
		t.Fatalf("WalkVA after MapPage failed")
	}
	if *pte&mem.PTE_P == 0 {
		t.Errorf("mapped PTE should be present")
	}
	if *pte&mem.PTE_ADDR != leafPa&mem.PTE_ADDR {
		t.Errorf("mapped PTE address = %#x, want %#x", *pte&mem.PTE_ADDR, leafPa)
	}

	gotPa, present := as.UnmapPage(as.Pmap, va)
	if !present {
		t.Fatalf("UnmapPage reported not present")
	}
	if gotPa&mem.PTE_ADDR != leafPa&mem.PTE_ADDR {
		t.Errorf("UnmapPage returned %#x, want %#x", gotPa, leafPa)
	}

	if _, present := as.UnmapPage(as.Pmap, va); present {
		t.Errorf("UnmapPage of an already-unmapped va should report not present")
	}
}

func TestWalkWithoutCreateReturnsFalse(t *testing.T) {
	as, ok := NewAs()
	if !ok {
		t.Fatalf("NewAs failed")
	}
	defer as.Free()

	if _, ok := as.WalkVA(0x800000, false); ok {
		t.Errorf("WalkVA(create=false) on an unmapped region should fail")
	}
}
