package store

import (
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db)
}

func TestPutGet_VersionIncrements(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("k", "v1", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, version, ok, err := s.Get("k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if value != "v1" || version != 1 {
		t.Fatalf("expected v1/1, got %s/%d", value, version)
	}

	if err := s.Put("k", "v2", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, version, _, _ = s.Get("k")
	if value != "v2" || version != 2 {
		t.Fatalf("expected v2/2, got %s/%d", value, version)
	}
}

func TestGet_MissingKey(t *testing.T) {
	s := newTestStore(t)
	_, _, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to report ok=false")
	}
}

func TestCompareAndSwap_CreateIfAbsent(t *testing.T) {
	s := newTestStore(t)

	committed, err := s.CompareAndSwap("cursor", "1", 0, 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !committed {
		t.Fatal("expected create-if-absent to commit")
	}

	// A second create against the now-present key must lose.
	committed, err = s.CompareAndSwap("cursor", "2", 0, 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if committed {
		t.Fatal("expected second create to report a conflict")
	}

	value, version, _, _ := s.Get("cursor")
	if value != "1" || version != 1 {
		t.Fatalf("expected 1/1, got %s/%d", value, version)
	}
}

func TestCompareAndSwap_VersionMatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("cursor", "0", 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	committed, err := s.CompareAndSwap("cursor", "1", 1, 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !committed {
		t.Fatal("expected cas at version 1 to commit")
	}

	// Stale version loses.
	committed, err = s.CompareAndSwap("cursor", "9", 1, 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if committed {
		t.Fatal("expected stale cas to report a conflict")
	}

	value, version, _, _ := s.Get("cursor")
	if value != "1" || version != 2 {
		t.Fatalf("expected 1/2, got %s/%d", value, version)
	}
}

func TestExpiredEntry_TreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	if err := s.Put("k", "v", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, ok, _ := s.Get("k"); !ok {
		t.Fatal("expected live entry")
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, _, ok, _ := s.Get("k"); ok {
		t.Fatal("expected expired entry to be absent")
	}

	// Create-if-absent succeeds over the expired leftover.
	committed, err := s.CompareAndSwap("k", "fresh", 0, 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !committed {
		t.Fatal("expected create over expired entry to commit")
	}
	value, _, ok, _ := s.Get("k")
	if !ok || value != "fresh" {
		t.Fatalf("expected fresh value, got %q ok=%v", value, ok)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{
		SessionKey("acc-1", "conv-a"),
		SessionKey("acc-1", "conv-b"),
		SessionKey("acc-10", "conv-c"),
		CredentialKey("acc-1"),
	} {
		if err := s.Put(key, "x", 0); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	if err := s.DeletePrefix(SessionPrefix("acc-1")); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}

	if _, _, ok, _ := s.Get(SessionKey("acc-1", "conv-a")); ok {
		t.Fatal("expected acc-1 bindings to be gone")
	}
	if _, _, ok, _ := s.Get(SessionKey("acc-10", "conv-c")); !ok {
		t.Fatal("expected acc-10 binding to survive")
	}
	if _, _, ok, _ := s.Get(CredentialKey("acc-1")); !ok {
		t.Fatal("expected credential entry to survive")
	}
}

func TestDelete_AbsentKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("nope"); err != nil {
		t.Fatalf("delete absent key: %v", err)
	}
}
