package defs

import "fmt"

/// Err_t is the propagation type returned by every core entry point.
/// Zero means success; a nonzero value is one of the positive codes in
/// the table below. Callers never receive a panic for an argument error
/// -- panics are reserved for invariant violations.
type Err_t int

// / Error codes shared by the page ownership table, the generic borrow
// / registry, and the exchange channel. Names and meanings follow the
// / taxonomy fixed by the design: a kind is never repurposed for a
// / different meaning across subsystems.
const (
	EINVAL       Err_t = 1  /// argument violated a static precondition
	EALREADY     Err_t = 2  /// resource must be Free but was owned
	ENOTOWNER    Err_t = 3  /// caller is not the registered owner
	EBORROWED    Err_t = 4  /// owner-level op attempted while borrowed
	EMUTBORROW   Err_t = 5  /// shared borrow attempted while mut-lent
	ESHAREDBORROW Err_t = 6 /// mut borrow attempted while shared-owned
	ENOTBORROWED Err_t = 7  /// return attempted by a non-borrower
	ENOMEM       Err_t = 8  /// allocation failed
	ENOTFOUND    Err_t = 9  /// no record for the given key
	ENOTEXCHANGE Err_t = 10 /// handle does not name a live PFN
	EFAULT       Err_t = 11 /// address not mapped / not resolvable
	ENAMETOOLONG Err_t = 12 /// string exceeded caller's buffer
	EBADARG      Err_t = 13 /// length/address failed alignment or bound checks
	ENOHEAP      Err_t = 14 /// kernel heap budget exhausted mid-operation
)

var errnames = map[Err_t]string{
	EINVAL:        "invalid argument",
	EALREADY:      "already owned",
	ENOTOWNER:     "not owner",
	EBORROWED:     "has shared or mutable borrows",
	EMUTBORROW:    "mutably borrowed",
	ESHAREDBORROW: "has shared borrows",
	ENOTBORROWED:  "not a registered borrower",
	ENOMEM:        "out of memory",
	ENOTFOUND:     "no such key",
	ENOTEXCHANGE:  "not a live exchange handle",
	EFAULT:        "bad address",
	ENAMETOOLONG:  "name too long",
	EBADARG:       "misaligned or out-of-range argument",
	ENOHEAP:       "kernel heap exhausted",
}

/// String renders the reason text alone, e.g. "has shared borrows";
/// Errstr adds the "syscall: " prefix.
func (e Err_t) String() string {
	if e < 0 {
		e = -e
	}
	if s, ok := errnames[e]; ok {
		return s
	}
	return fmt.Sprintf("err %d", int(e))
}

/// Errstr renders the named-syscall variant of String, matching the
/// wire format the device surface and syscall bridges report to
/// userspace.
func Errstr(syscall string, e Err_t) string {
	return fmt.Sprintf("%s: %s", syscall, e.String())
}
