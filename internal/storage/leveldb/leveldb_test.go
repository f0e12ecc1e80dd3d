package leveldb

import (
	"path/filepath"
	"testing"

	"github.com/mmynk/iouflow/internal/storage/storagetest"
)

func TestDatabase(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "notary"), 0, 0)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	storagetest.TestNotaryStore(t, db)
}

func TestInMemory(t *testing.T) {
	db, err := NewInMemory()
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	storagetest.TestNotaryStore(t, db)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notary")
	db, err := New(path, 0, 0)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	storagetest.TestNotaryStore(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = New(path, 0, 0)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()
	// A fresh fixture set must not collide with what was persisted.
	storagetest.TestNotaryStore(t, db)
}
