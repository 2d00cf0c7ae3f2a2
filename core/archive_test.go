package core

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

// writeTestZip creates a zip at path with the given name->content entries.
func writeTestZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func dirEntries(t *testing.T, dir string) map[string]bool {
	t.Helper()
	out := map[string]bool{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		out[e.Name()] = e.IsDir()
	}
	return out
}

func TestUnfoldZipFlatLayout(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "class1.zip")
	writeTestZip(t, zipPath, map[string]string{
		"main.c":      "int main(void){return 0;}\n",
		"Makefile":    "all:\n\tgcc main.c\n",
		"report1.pdf": "%PDF-1.4",
	})

	dest := filepath.Join(tmp, "dest")
	if err := UnfoldZip(zipPath, dest); err != nil {
		t.Fatalf("unfold: %v", err)
	}

	got := dirEntries(t, dest)
	for _, name := range []string{"main.c", "Makefile", "report1.pdf"} {
		if isDir, ok := got[name]; !ok || isDir {
			t.Fatalf("missing flat file %s in %v", name, got)
		}
	}
	if len(got) != 3 {
		t.Fatalf("unexpected extra entries: %v", got)
	}
}

func TestUnfoldZipFlattensSingleRootDir(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "class1.zip")
	writeTestZip(t, zipPath, map[string]string{
		"class1/main.c":   "int main(void){return 0;}\n",
		"class1/Makefile": "all:\n",
	})

	dest := filepath.Join(tmp, "dest")
	if err := UnfoldZip(zipPath, dest); err != nil {
		t.Fatalf("unfold: %v", err)
	}

	got := dirEntries(t, dest)
	if _, ok := got["main.c"]; !ok {
		t.Fatalf("shell dir not flattened: %v", got)
	}
	if _, ok := got["class1"]; ok {
		t.Fatalf("shell dir still present: %v", got)
	}
}

func TestUnfoldZipRejectsNonZipName(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "class1.tar.gz")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := UnfoldZip(path, filepath.Join(tmp, "dest")); err == nil {
		t.Fatalf("non-zip name must be rejected")
	}
}

func TestUnfoldZipRejectsEmptyArchive(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "empty.zip")
	writeTestZip(t, zipPath, map[string]string{})
	if err := UnfoldZip(zipPath, filepath.Join(tmp, "dest")); err == nil {
		t.Fatalf("empty archive must be rejected")
	}
}

func TestUnfoldZipRejectsNestedDirectory(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "class1.zip")
	writeTestZip(t, zipPath, map[string]string{
		"main.c":     "int main(void){return 0;}\n",
		"src/util.c": "void f(void){}\n",
	})
	if err := UnfoldZip(zipPath, filepath.Join(tmp, "dest")); err == nil {
		t.Fatalf("leftover subdirectory must be rejected")
	}
}

func TestUnfoldZipRejectsNestedZip(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "class1.zip")
	writeTestZip(t, zipPath, map[string]string{
		"main.c":    "int main(void){return 0;}\n",
		"inner.zip": "PK\x03\x04",
	})
	if err := UnfoldZip(zipPath, filepath.Join(tmp, "dest")); err == nil {
		t.Fatalf("nested zip must be rejected")
	}
}

func TestUnfoldZipRejectsOversizedArchive(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "big.zip")
	// 31MiB of zeros compresses to almost nothing but trips the
	// uncompressed-size ceiling.
	writeTestZip(t, zipPath, map[string]string{
		"big.bin": string(make([]byte, 31*1024*1024)),
	})
	if err := UnfoldZip(zipPath, filepath.Join(tmp, "dest")); err == nil {
		t.Fatalf("oversized archive must be rejected")
	}
}

func TestUnfoldZipRejectsPathTraversal(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "evil.zip")
	writeTestZip(t, zipPath, map[string]string{
		"../escape.txt": "x",
	})
	if err := UnfoldZip(zipPath, filepath.Join(tmp, "dest")); err == nil {
		t.Fatalf("path traversal must be rejected")
	}
}
