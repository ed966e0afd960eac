package visitor

import (
	"path/filepath"
	"testing"
)

func TestStore_RoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state", "visitor.txt"))

	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load on absent file: %v", err)
	}
	if id != "" {
		t.Errorf("absent file yields %q, want empty", id)
	}

	if err := s.Save("visitor-20260829"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, err = s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id != "visitor-20260829" {
		t.Errorf("Load = %q, want visitor-20260829", id)
	}

	if err := s.Save("visitor-other"); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	if id, _ := s.Load(); id != "visitor-other" {
		t.Errorf("Load after overwrite = %q", id)
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "visitor.txt"))

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear on absent file: %v", err)
	}
	if err := s.Save("v1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if id, _ := s.Load(); id != "" {
		t.Errorf("Load after Clear = %q, want empty", id)
	}
}
