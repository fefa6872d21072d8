package configstore

import (
	"path/filepath"
	"testing"
)

func TestOpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := s.Get("anything"); ok {
		t.Fatal("expected empty store for missing file")
	}
}

func TestSetGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, ok := s.Get("k"); !ok || got != "v" {
		t.Fatalf("get: got (%q, %v), want (%q, true)", got, ok, "v")
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Set("tail/foo/offset", "1024"); err != nil {
		t.Fatalf("set: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok := s2.Get("tail/foo/offset"); !ok || got != "1024" {
		t.Fatalf("get after reopen: got (%q, %v), want (%q, true)", got, ok, "1024")
	}
}

func TestKeyBuilders(t *testing.T) {
	if got := TailOffsetKey("/var/log/x"); got != "tail//var/log/x/offset" {
		t.Fatalf("TailOffsetKey: got %q", got)
	}
	if got := TailCtimeKey("/var/log/x"); got != "tail//var/log/x/ctime" {
		t.Fatalf("TailCtimeKey: got %q", got)
	}
	if got := ProbeLastRunKey("health"); got != "probe/health/last_run" {
		t.Fatalf("ProbeLastRunKey: got %q", got)
	}
}
