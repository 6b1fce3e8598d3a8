package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *LevelDB {
	t.Helper()
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLevelDBGetSet(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: got %v want ErrNotFound", err)
	}
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: %q %v", got, err)
	}
}

func TestLevelDBBatchAndIterator(t *testing.T) {
	db := openTestDB(t)
	if err := db.Set([]byte("keystore:key:c"), []byte("3")); err != nil {
		t.Fatal(err)
	}
	b := db.NewBatch()
	b.Set([]byte("keystore:key:b"), []byte("2"))
	b.Set([]byte("keystore:key:a"), []byte("1"))
	b.Set([]byte("identity:list"), []byte("[]"))
	if _, err := db.Get([]byte("keystore:key:a")); !errors.Is(err, ErrNotFound) {
		t.Fatal("batch applied before Write")
	}
	if err := b.Write(); err != nil {
		t.Fatal(err)
	}

	it := db.NewIterator([]byte("keystore:key:"))
	defer it.Release()
	var keys, vals []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		vals = append(vals, string(bytes.Clone(it.Value())))
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 || keys[0] != "keystore:key:a" || keys[1] != "keystore:key:b" || keys[2] != "keystore:key:c" {
		t.Errorf("keys: %v", keys)
	}
	if len(vals) != 3 || vals[0] != "1" || vals[1] != "2" || vals[2] != "3" {
		t.Errorf("values: %v", vals)
	}
}

func TestLevelDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := NewLevelDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Set([]byte("keystore:meta"), []byte("m")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db, err = NewLevelDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if got, err := db.Get([]byte("keystore:meta")); err != nil || string(got) != "m" {
		t.Errorf("after reopen: %q %v", got, err)
	}
}
