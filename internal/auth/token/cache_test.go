package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/store"
	"gorm.io/gorm"
)

type fakeExchanger struct {
	calls int32
	err   error
	delay time.Duration
}

func (f *fakeExchanger) FetchSigningKey(ctx context.Context, acc *models.Account) (string, []byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", nil, f.err
	}
	return "key-1", []byte("0123456789abcdef"), nil
}

func newTestKV(t *testing.T) *store.Store {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store.New(db)
}

func testAcc() *models.Account {
	return &models.Account{ID: "acc-1", Csesidx: "cses-1", TeamID: "team-1"}
}

func TestGetValidToken_CachesAcrossCalls(t *testing.T) {
	ex := &fakeExchanger{}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	first, err := c.GetValidToken(context.Background(), testAcc())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.GetValidToken(context.Background(), testAcc())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second {
		t.Fatal("expected cached token to be reused")
	}
	if n := atomic.LoadInt32(&ex.calls); n != 1 {
		t.Fatalf("expected 1 exchange, got %d", n)
	}
}

func TestGetValidToken_RefreshesAfterExpiry(t *testing.T) {
	ex := &fakeExchanger{}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	base := time.Now()
	c.now = func() time.Time { return base }
	if _, err := c.GetValidToken(context.Background(), testAcc()); err != nil {
		t.Fatalf("first call: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := c.GetValidToken(context.Background(), testAcc()); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if n := atomic.LoadInt32(&ex.calls); n != 2 {
		t.Fatalf("expected refresh after expiry, got %d exchanges", n)
	}
}

func TestGetValidToken_ConcurrentSingleExchange(t *testing.T) {
	ex := &fakeExchanger{delay: 20 * time.Millisecond}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetValidToken(context.Background(), testAcc()); err != nil {
				t.Errorf("concurrent call: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&ex.calls); n != 1 {
		t.Fatalf("expected concurrent calls to collapse into 1 exchange, got %d", n)
	}
}

type ctxCheckExchanger struct {
	calls int32
}

func (f *ctxCheckExchanger) FetchSigningKey(ctx context.Context, acc *models.Account) (string, []byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return "key-1", []byte("0123456789abcdef"), nil
}

func TestGetValidToken_RefreshOutlivesCallerCancel(t *testing.T) {
	ex := &ctxCheckExchanger{}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The exchange runs detached, so waiters queued behind a cancelled
	// caller still get a token.
	tok, err := c.GetValidToken(ctx, testAcc())
	if err != nil {
		t.Fatalf("expected detached exchange to succeed, got %v", err)
	}
	if tok == "" {
		t.Fatal("expected a token")
	}
	if n := atomic.LoadInt32(&ex.calls); n != 1 {
		t.Fatalf("expected 1 exchange, got %d", n)
	}
}

func TestGetValidToken_ExchangeFailure(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("status 403: forbidden")}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	_, err := c.GetValidToken(context.Background(), testAcc())
	var xerr *CredentialExchangeError
	if !errors.As(err, &xerr) {
		t.Fatalf("expected CredentialExchangeError, got %v", err)
	}
	if xerr.AccountID != "acc-1" {
		t.Fatalf("expected account id in error, got %s", xerr.AccountID)
	}
	if !IsPermanentExchangeError(xerr.Err) {
		t.Fatal("expected 403 to be permanent")
	}
}

func TestInvalidate_ForcesFreshExchange(t *testing.T) {
	ex := &fakeExchanger{}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	if _, err := c.GetValidToken(context.Background(), testAcc()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := c.Invalidate("acc-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.GetValidToken(context.Background(), testAcc()); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if n := atomic.LoadInt32(&ex.calls); n != 2 {
		t.Fatalf("expected invalidate to force a new exchange, got %d", n)
	}
}

func TestExpiringSoon(t *testing.T) {
	ex := &fakeExchanger{}
	c := NewCache(newTestKV(t), ex, time.Minute, nil)

	if !c.ExpiringSoon("acc-1", time.Second) {
		t.Fatal("absent credential must report expiring")
	}

	base := time.Now()
	c.now = func() time.Time { return base }
	if _, err := c.GetValidToken(context.Background(), testAcc()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if c.ExpiringSoon("acc-1", time.Second) {
		t.Fatal("fresh credential must not report expiring")
	}
	if !c.ExpiringSoon("acc-1", 2*time.Minute) {
		t.Fatal("credential within margin must report expiring")
	}
}

func TestIsPermanentExchangeError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "unauthorized", errText: "upstream getoxsrf failed: status 401: no session", permanent: true},
		{name: "forbidden", errText: "upstream getoxsrf failed: status 403: wrong team", permanent: true},
		{name: "revoked", errText: "cookie has been revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "server error", errText: "status 500: internal", permanent: false},
		{name: "nil", errText: "", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.errText != "" {
				err = errors.New(tt.errText)
			}
			if got := IsPermanentExchangeError(err); got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}
