package settingsstore

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kvstore", "settings.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestGetMissingKey(t *testing.T) {
	s, _ := openTestStore(t)

	_, found, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("found = true, want false for missing key")
	}
}

func TestSetAndGet(t *testing.T) {
	s, _ := openTestStore(t)

	existing, existed, err := s.Set("app_services.config", "v1")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if existed {
		t.Errorf("existed = true, want false on first Set; existing = %q", existing)
	}

	value, found, err := s.Get("app_services.config")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || value != "v1" {
		t.Errorf("Get() = (%q, %v), want (\"v1\", true)", value, found)
	}
}

func TestSetReturnsPreviousValue(t *testing.T) {
	s, _ := openTestStore(t)

	if _, _, err := s.Set("key", "old"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	existing, existed, err := s.Set("key", "new")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !existed || existing != "old" {
		t.Errorf("Set() = (%q, %v), want (\"old\", true)", existing, existed)
	}
}

func TestDelete(t *testing.T) {
	s, _ := openTestStore(t)

	if _, _, err := s.Set("key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Delete("key"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, found, err := s.Get("key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("found = true after Delete, want false")
	}

	// Deleting an already-absent key is not an error.
	if err := s.Delete("key"); err != nil {
		t.Errorf("Delete() on missing key error = %v, want nil", err)
	}
}

func TestKeys(t *testing.T) {
	s, _ := openTestStore(t)

	for _, k := range []string{"b", "a", "c"} {
		if _, _, err := s.Set(k, "x"); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestRemoveAllDeletesDirectory(t *testing.T) {
	s, path := openTestStore(t)

	if _, _, err := s.Set("key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := s.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}

	if _, err := os.Stat(filepath.Dir(path)); !os.IsNotExist(err) {
		t.Errorf("kvstore directory still exists after RemoveAll(): err = %v", err)
	}
}
