package initrd

import (
	"archive/tar"
	"bytes"
	"testing"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestParseFindAndRead(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"./bin/init": "#!/bin/sh\necho hi\n",
		"etc/motd":   "welcome\n",
	})

	a, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	f, ok := a.Find("bin/init")
	if !ok {
		t.Fatalf("Find(bin/init) missing, leading ./ should have been stripped")
	}
	if string(f.Data) != "#!/bin/sh\necho hi\n" {
		t.Errorf("file contents = %q", f.Data)
	}

	if _, ok := a.Find("/etc/motd"); !ok {
		t.Errorf("Find should strip a leading slash")
	}
	if _, ok := a.Find("nonexistent"); ok {
		t.Errorf("Find(nonexistent) should report false")
	}
}

func TestSizeAndReadOffsets(t *testing.T) {
	data := buildArchive(t, map[string]string{"file.txt": "0123456789"})
	a, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := a.Size("file.txt"); got != 10 {
		t.Errorf("Size = %d, want 10", got)
	}
	if got := a.Size("missing"); got != 0 {
		t.Errorf("Size(missing) = %d, want 0", got)
	}

	buf := make([]byte, 4)
	n := a.Read("file.txt", buf, 3)
	if n != 4 || string(buf) != "3456" {
		t.Errorf("Read(offset 3) = %d, %q, want 4, %q", n, buf, "3456")
	}
	if n := a.Read("file.txt", buf, 100); n != 0 {
		t.Errorf("Read past EOF = %d, want 0", n)
	}
	if n := a.Read("missing", buf, 0); n != -1 {
		t.Errorf("Read(missing) = %d, want -1", n)
	}
}

func TestListReturnsEveryFile(t *testing.T) {
	data := buildArchive(t, map[string]string{"a": "1", "b": "2"})
	a, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := len(a.List()); got != 2 {
		t.Fatalf("List length = %d, want 2", got)
	}
}

func TestBootName(t *testing.T) {
	if got := BootName("bin/init"); got != "init" {
		t.Errorf("BootName(bin/init) = %q, want %q", got, "init")
	}
	if got := BootName("etc/motd"); got != "etc/motd" {
		t.Errorf("BootName(etc/motd) = %q, want unchanged", got)
	}
}
