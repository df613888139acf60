package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	if err := WriteFileAtomic(path, []byte(`{"v":1}`), 0o644); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"v":2}`), 0o644); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Fatalf("expected second content, got %s", data)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestRemoveIfExistsIgnoresMissingFile(t *testing.T) {
	if err := RemoveIfExists(filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}

func TestIsTempName(t *testing.T) {
	if !IsTempName(".state.json.tmp-123") {
		t.Fatalf("expected dot-prefixed name to be temp")
	}
	if IsTempName("20260101_000000_abc.json") {
		t.Fatalf("expected record name not to be temp")
	}
}
