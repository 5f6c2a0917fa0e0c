package registry

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/store"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.KVEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db, store.New(db))
}

func testAccount(id string) *models.Account {
	return &models.Account{
		ID:         id,
		TeamID:     "team-1",
		SecureCSes: "ses",
		HostCOses:  "oses",
		Csesidx:    "idx-" + id,
	}
}

func TestCreate_AssignsID(t *testing.T) {
	r := newTestRegistry(t)
	acc := testAccount("")
	if err := r.Create(acc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if acc.ID == "" {
		t.Fatal("expected generated id")
	}
	if !acc.Available {
		t.Fatal("expected new account to be available")
	}
}

func TestList_Ordering(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Now()
	for i, id := range []string{"b", "a", "c"} {
		acc := testAccount(id)
		acc.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := r.Create(acc); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	accounts, err := r.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{accounts[0].ID, accounts[1].ID, accounts[2].ID}
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected creation order %v, got %v", want, got)
		}
	}
}

func TestSetAvailability_RequiresReason(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(testAccount("acc-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.SetAvailability("acc-1", false, ""); err == nil {
		t.Fatal("expected disabling without a reason to fail")
	}

	if err := r.SetAvailability("acc-1", false, "cookies revoked"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	acc, err := r.Get("acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Available {
		t.Fatal("expected account to be unavailable")
	}
	if acc.UnavailableReason != "cookies revoked" || acc.UnavailableTime == nil {
		t.Fatalf("expected reason and timestamp, got %q / %v", acc.UnavailableReason, acc.UnavailableTime)
	}

	if err := r.SetAvailability("acc-1", true, ""); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	acc, _ = r.Get("acc-1")
	if !acc.Available || acc.UnavailableReason != "" || acc.UnavailableTime != nil {
		t.Fatal("expected re-enable to clear reason and timestamp")
	}
}

func TestSetAvailability_FirstTransitionWins(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(testAccount("acc-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.SetAvailability("acc-1", false, "first cause"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// A second disable arriving behind the first is a no-op, keeping the
	// original cause and timestamp authoritative.
	if err := r.SetAvailability("acc-1", false, "second cause"); err != nil {
		t.Fatalf("redundant disable: %v", err)
	}

	acc, err := r.Get("acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.UnavailableReason != "first cause" {
		t.Fatalf("expected first recorded reason to survive, got %q", acc.UnavailableReason)
	}

	if err := r.SetAvailability("acc-1", true, ""); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if err := r.SetAvailability("acc-1", true, ""); err != nil {
		t.Fatalf("redundant re-enable: %v", err)
	}
	acc, _ = r.Get("acc-1")
	if !acc.Available {
		t.Fatal("expected account to stay available")
	}
}

func TestListAvailable_SkipsDisabled(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Create(testAccount(id)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := r.SetAvailability("b", false, "test"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	accounts, err := r.ListAvailable()
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 available accounts, got %d", len(accounts))
	}
	for _, acc := range accounts {
		if acc.ID == "b" {
			t.Fatal("disabled account must not be listed")
		}
	}
}

func TestUpdate_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Update("ghost", map[string]interface{}{"team_id": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_CascadesStoreEntries(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(testAccount("acc-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	kv := r.kv
	for _, key := range []string{
		store.CredentialKey("acc-1"),
		store.FailureKey("acc-1"),
		store.SessionKey("acc-1", "conv-a"),
		store.SessionKey("acc-1", "conv-b"),
	} {
		if err := kv.Put(key, "x", 0); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	if err := r.Delete("acc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := r.Get("acc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected account gone, got %v", err)
	}
	for _, key := range []string{
		store.CredentialKey("acc-1"),
		store.FailureKey("acc-1"),
		store.SessionKey("acc-1", "conv-a"),
		store.SessionKey("acc-1", "conv-b"),
	} {
		if _, _, ok, _ := kv.Get(key); ok {
			t.Fatalf("expected %s to be removed", key)
		}
	}
}

func TestDelete_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Delete("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
