package cache

import (
	"testing"
	"time"
)

func TestTTLMap_SetGet(t *testing.T) {
	m := NewTTLMap[string, int]()
	m.Set("a", 1, time.Minute)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("want 1, got %d (%v)", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("missing key must not be found")
	}
}

func TestTTLMap_Expiry(t *testing.T) {
	m := NewTTLMap[string, string]()
	m.Set("a", "v", 10*time.Millisecond)

	if _, ok := m.Get("a"); !ok {
		t.Fatal("fresh value must be served")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Get("a"); ok {
		t.Fatal("expired value must not be served")
	}
}

func TestTTLMap_ZeroTTLNeverExpires(t *testing.T) {
	m := NewTTLMap[string, string]()
	m.Set("a", "v", 0)
	time.Sleep(5 * time.Millisecond)
	if _, ok := m.Get("a"); !ok {
		t.Fatal("zero ttl must not expire")
	}
}

func TestTTLMap_DeleteAndPurge(t *testing.T) {
	m := NewTTLMap[string, int]()
	m.Set("a", 1, time.Minute)
	m.Set("b", 2, time.Minute)

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("deleted key still present")
	}

	m.Purge()
	if _, ok := m.Get("b"); ok {
		t.Fatal("purge must clear all entries")
	}
}
