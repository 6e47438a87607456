// Package initrd parses a POSIX ustar archive handed off by the
// bootloader as a boot module, indexing regular files by name for
// later lookup. Grounded on
// original_source/kernel/9front-pc64/initrd.c's initrd_init/
// initrd_find/initrd_read. Parsing itself rides stdlib archive/tar --
// no example repo in the retrieval pack wires a tar library, and
// archive/tar is the idiomatic, well-tested answer for ustar, so this
// is one of the deliberately stdlib-based parts of the tree.
package initrd

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// / File is one regular-file entry from the archive: its (possibly
// / "./"-stripped) name, and its contents.
type File struct {
	Name string
	Data []byte
}

// / Archive is the parsed, name-indexed initrd, matching the
// / initrd_root linked list's role but addressable by map lookup.
type Archive struct {
	files map[string]File
	order []string
}

// / Parse walks data as a ustar archive and returns the regular files
// / it contains, stripping a leading "./" the way initrd_init does.
// / Directory entries, symlinks, and other non-regular types are
// / skipped, matching initrd_init's typeflag == '0' check.
func Parse(data []byte) (*Archive, error) {
	a := &Archive{files: make(map[string]File)}
	r := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("initrd: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("initrd: reading %q: %w", name, err)
		}
		a.files[name] = File{Name: name, Data: buf}
		a.order = append(a.order, name)
	}
	return a, nil
}

func stripSlash(path string) string {
	return strings.TrimPrefix(path, "/")
}

// / Find returns the file named path (a leading "/" is stripped, as
// / initrd_find does), or ok=false if no such file exists.
func (a *Archive) Find(path string) (File, bool) {
	f, ok := a.files[stripSlash(path)]
	return f, ok
}

// / Size returns the size of the named file, or 0 if it doesn't exist,
// / matching initrd_filesize's zero-on-miss contract.
func (a *Archive) Size(path string) int {
	f, ok := a.files[stripSlash(path)]
	if !ok {
		return 0
	}
	return len(f.Data)
}

// / Read copies up to len(buf) bytes starting at offset from the named
// / file into buf, returning the number of bytes copied (clamped to
// / the file's remaining length) or -1 if the file doesn't exist,
// / matching initrd_read's return contract.
func (a *Archive) Read(path string, buf []byte, offset int) int {
	f, ok := a.files[stripSlash(path)]
	if !ok {
		return -1
	}
	if offset >= len(f.Data) {
		return 0
	}
	return copy(buf, f.Data[offset:])
}

// / List returns every file name in the archive, in the order
// / encountered, matching initrd_list's walk order.
func (a *Archive) List() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// / BootName applies the bin/-prefix-stripping rule initrd_register
// / uses when exposing archive files under /boot/.
func BootName(name string) string {
	return strings.TrimPrefix(name, "bin/")
}
