package mem

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	Phys_init(64)
	os.Exit(m.Run())
}

func TestRefpgNewZeroed(t *testing.T) {
	pg, pa, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	if pa&PGOFFSET != 0 {
		t.Errorf("returned physical address %#x is not page-aligned", pa)
	}
	for _, w := range pg {
		if w != 0 {
			t.Fatalf("Refpg_new should return a zeroed page")
		}
	}
}

func TestRefcountUpDown(t *testing.T) {
	_, pa, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	if got := Physmem.Refcnt(pa); got != 0 {
		t.Fatalf("fresh page refcount = %d, want 0", got)
	}
	Physmem.Refup(pa)
	if got := Physmem.Refcnt(pa); got != 1 {
		t.Errorf("refcount after Refup = %d, want 1", got)
	}
	if freed := Physmem.Refdown(pa); !freed {
		t.Errorf("Refdown from 1 should report freed once the count reaches 0")
	}
}

func TestPmapNewIsUsable(t *testing.T) {
	pmap, pa, ok := Physmem.Pmap_new()
	if !ok {
		t.Fatalf("Pmap_new failed")
	}
	if pmap == nil {
		t.Fatalf("Pmap_new returned a nil pmap")
	}
	for _, e := range pmap {
		if e != 0 {
			t.Fatalf("a fresh pmap should start with no entries mapped")
		}
	}
	Physmem.Refup(pa)
	Physmem.Dec_pmap(pa)
}

func TestPgbitsRoundTrip(t *testing.T) {
	const va = uintptr(0x7f0000401000)
	l4, l3, l2, l1 := Pgbits(va)
	if l4 >= 512 || l3 >= 512 || l2 >= 512 || l1 >= 512 {
		t.Errorf("Pgbits indices out of range: %d %d %d %d", l4, l3, l2, l1)
	}
}
