package util

import "testing"

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Errorf("Min(3,5) != 3")
	}
	if Min(uint(7), uint(2)) != 2 {
		t.Errorf("Min(7,2) != 2")
	}
}

func TestRounddownRoundup(t *testing.T) {
	if got := Rounddown(13, 4); got != 12 {
		t.Errorf("Rounddown(13,4) = %d, want 12", got)
	}
	if got := Roundup(13, 4); got != 16 {
		t.Errorf("Roundup(13,4) = %d, want 16", got)
	}
	if got := Roundup(16, 4); got != 16 {
		t.Errorf("Roundup(16,4) = %d, want 16 (already aligned)", got)
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 4, 2, 0x11223344)
	if got := Readn(buf, 4, 2); got != 0x11223344 {
		t.Errorf("Readn after Writen = %#x, want 0x11223344", got)
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	buf := make([]uint8, 4)
	defer func() {
		if recover() == nil {
			t.Errorf("Readn past the end of the slice should panic")
		}
	}()
	Readn(buf, 4, 2)
}
