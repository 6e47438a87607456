// Package bootinfo parses the higher-half-direct-map bootloader
// handoff: a memory map, an HHDM offset, the kernel's physical/virtual
// load addresses, and a modules list containing the initrd. Grounded
// on original_source/kernel/9front-pc64/boot.c's bootargsinit, which
// reads the same four Limine request/response pairs before switching
// CR3. Each request is tagged by a magic UUID per Limine's boot
// protocol; this package models that with github.com/google/uuid
// rather than a bare numeric tag.
package bootinfo

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mem"
)

// / MemType classifies one memory map entry, matching boot.c's
// / comment that HHDM maps every entry type, not just usable RAM.
type MemType int

const (
	Usable MemType = iota
	Reserved
	MMIO
	ModuleData
	ACPIReclaimable
	ACPINVS
)

func (t MemType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case MMIO:
		return "mmio"
	case ModuleData:
		return "module"
	case ACPIReclaimable:
		return "acpi-reclaimable"
	case ACPINVS:
		return "acpi-nvs"
	default:
		return "unknown"
	}
}

// / MemmapEntry is one {base, length, type} record.
type MemmapEntry struct {
	Base   uint64
	Length uint64
	Type   MemType
}

// RequestKind names one of the four handoff requests boot.c reads.
type RequestKind int

const (
	MemmapRequest RequestKind = iota
	HHDMRequest
	KernelAddressRequest
	ModuleRequest
)

// requestIDs fixes a stable magic UUID per request kind, matching the
// ID-tagged-request convention of the handoff protocol boot.c reads
// (limine_memmap_request, limine_hhdm_request, etc. are each tagged
// by a compile-time magic constant).
var requestIDs = map[RequestKind]uuid.UUID{
	MemmapRequest:        uuid.MustParse("67cf3d9d-378a-4e21-8ac5-84a0000f1ee3"),
	HHDMRequest:          uuid.MustParse("48dcf1cb-8ad4-44a0-3afd-2c44f6e3a9ab"),
	KernelAddressRequest: uuid.MustParse("71ba76e5-3728-4e48-b6dc-cb6fe8c0a7b7"),
	ModuleRequest:        uuid.MustParse("3e7e279d-7479-4a8a-a6c9-b7f1c3d1e8b1"),
}

// / Module is one loaded boot module (the initrd, typically).
type Module struct {
	Path string
	Data []byte
}

// / Handoff is the parsed result of the four boot responses:
// / everything bootargsinit extracts before CR3 switches to the
// / kernel's own page tables.
type Handoff struct {
	HHDMOffset     uint64
	KernelPhysBase uint64
	KernelVirtBase uint64
	Memmap         []MemmapEntry
	Modules        []Module
}

// requestID checks that got is the magic UUID of request kind and
// returns an error if not; a mismatch means a response was handed to
// the wrong parser.
func requestID(kind RequestKind, got uuid.UUID) error {
	if want := requestIDs[kind]; got != want {
		return fmt.Errorf("bootinfo: response id %s does not match request %v (want %s)", got, kind, want)
	}
	return nil
}

// / Parse validates and assembles the four handoff responses into a
// / Handoff, matching bootargsinit's field-by-field extraction. A nil
// / memmap response is fatal (MemMin could never be computed); a nil
// / HHDM response falls back to the same 0xffff800000000000 constant
// / boot.c uses when Limine omits the response.
func Parse(memmapID uuid.UUID, memmap []MemmapEntry, hhdmID uuid.UUID, hhdmOffset uint64, hhdmPresent bool,
	kaddrID uuid.UUID, physBase, virtBase uint64, kaddrPresent bool,
	modID uuid.UUID, modules []Module) (*Handoff, error) {

	if err := requestID(MemmapRequest, memmapID); err != nil {
		return nil, err
	}
	if len(memmap) == 0 {
		return nil, fmt.Errorf("bootinfo: empty memory map")
	}

	h := &Handoff{Memmap: memmap}

	if hhdmPresent {
		if err := requestID(HHDMRequest, hhdmID); err != nil {
			return nil, err
		}
		h.HHDMOffset = hhdmOffset
	} else {
		h.HHDMOffset = 0xffff800000000000
	}

	if kaddrPresent {
		if err := requestID(KernelAddressRequest, kaddrID); err != nil {
			return nil, err
		}
		h.KernelPhysBase = physBase
		h.KernelVirtBase = virtBase
	}

	if len(modules) > 0 {
		if err := requestID(ModuleRequest, modID); err != nil {
			return nil, err
		}
		h.Modules = modules
	}

	return h, nil
}

// / MaxAddr returns the highest address named by any memory map entry
// / (of any type), matching bootargsinit's max_addr scan -- HHDM maps
// / every entry type, so usable RAM isn't singled out.
func (h *Handoff) MaxAddr() uint64 {
	var max uint64
	for _, e := range h.Memmap {
		if end := e.Base + e.Length; end > max {
			max = end
		}
	}
	return max
}

// / NPages computes the page count mem.Phys_init should be driven
// / with, derived from MaxAddr instead of a hardcoded constant.
func (h *Handoff) NPages() int {
	max := h.MaxAddr()
	if max == 0 {
		max = 4 * 1024 * 1024 * 1024 // boot.c's 4GiB fallback
	}
	return int(max) / mem.PGSIZE
}

// / Initrd returns the data of the first module whose path ends in
// / "initrd", or nil if none was handed off.
func (h *Handoff) Initrd() []byte {
	for _, m := range h.Modules {
		if strings.HasSuffix(m.Path, "initrd") {
			return m.Data
		}
	}
	return nil
}
