package defs

import "testing"

func TestErrStringKnown(t *testing.T) {
	if got := ENOTOWNER.String(); got != "not owner" {
		t.Errorf("ENOTOWNER.String() = %q, want %q", got, "not owner")
	}
}

func TestErrStringUnknown(t *testing.T) {
	var e Err_t = 99
	if got := e.String(); got != "err 99" {
		t.Errorf("String() of unknown code = %q, want %q", got, "err 99")
	}
}

func TestErrstrFormat(t *testing.T) {
	got := Errstr("vmlend_mut", ESHAREDBORROW)
	want := "vmlend_mut: has shared borrows"
	if got != want {
		t.Errorf("Errstr() = %q, want %q", got, want)
	}
}
