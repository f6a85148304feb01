package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: err = %v, want %v", err, ErrNotFound)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("get = %q, want v", got)
	}
	ok, err := db.Has([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("has = %v, %v, want true", ok, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key: err = %v, want %v", err, ErrNotFound)
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("original")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'X'
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("original")) {
		t.Fatalf("stored value mutated through caller slice: %q", got)
	}
	got[0] = 'Y'
	again, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !bytes.Equal(again, []byte("original")) {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
}

func TestMemDBIteratePrefixOrdered(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	for _, k := range []string{"b/2", "a/1", "b/1", "b/3", "c/1"} {
		if err := db.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	var visited []string
	err := db.IteratePrefix([]byte("b/"), func(key, value []byte) bool {
		visited = append(visited, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []string{"b/1", "b/2", "b/3"}
	if len(visited) != len(want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited[%d] = %s, want %s", i, visited[i], want[i])
		}
	}
}

func TestMemDBIteratePrefixStopsEarly(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	for _, k := range []string{"p/1", "p/2", "p/3"} {
		if err := db.Put([]byte(k), nil); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	count := 0
	err := db.IteratePrefix([]byte("p/"), func(key, value []byte) bool {
		count++
		return count < 2
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 2 {
		t.Fatalf("visited %d keys, want 2", count)
	}
}
