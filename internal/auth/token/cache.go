// Package token caches the derived bearer token for each account in the
// durable store and de-duplicates concurrent refreshes.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nanlv11/business-gemini-pool/internal/auth/signer"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/metrics"
	"github.com/nanlv11/business-gemini-pool/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL trims the signed 5 minute lifetime, leaving headroom so a
// token is never used past real expiry even under clock or scheduling skew.
const DefaultCacheTTL = 4 * time.Minute

// Exchanger fetches the upstream signing key for an account.
type Exchanger interface {
	FetchSigningKey(ctx context.Context, acc *models.Account) (keyID string, key []byte, err error)
}

// CredentialExchangeError reports that the upstream rejected the raw
// credentials of an account. Callers treat it as an account-health signal.
type CredentialExchangeError struct {
	AccountID string
	Err       error
}

func (e *CredentialExchangeError) Error() string {
	return fmt.Sprintf("credential exchange failed for account %s: %v", e.AccountID, e.Err)
}

func (e *CredentialExchangeError) Unwrap() error { return e.Err }

// cachedCredential is the stored value under credentials/{accountID}.
type cachedCredential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache hands out valid bearer tokens, refreshing on demand. The stored value
// is replaced wholesale on refresh; concurrent refreshes for the same account
// collapse into one upstream call per process via singleflight.
type Cache struct {
	kv        *store.Store
	exchanger Exchanger
	ttl       time.Duration
	metrics   *metrics.Metrics
	group     singleflight.Group
	now       func() time.Time
}

// NewCache creates a credential cache. A non-positive ttl selects DefaultCacheTTL.
func NewCache(kv *store.Store, exchanger Exchanger, ttl time.Duration, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{kv: kv, exchanger: exchanger, ttl: ttl, metrics: m, now: time.Now}
}

// GetValidToken returns a cached unexpired token for the account, or performs
// the upstream exchange and caches the result.
func (c *Cache) GetValidToken(ctx context.Context, acc *models.Account) (string, error) {
	if tok, ok := c.cached(acc.ID); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(acc.ID, func() (interface{}, error) {
		// A waiter that queued behind the winning refresh finds the fresh
		// token here without a second exchange.
		if tok, ok := c.cached(acc.ID); ok {
			return tok, nil
		}
		// The outcome is shared by every waiter, so the exchange must not
		// die with whichever caller happened to start it.
		return c.refresh(context.WithoutCancel(ctx), acc)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next use forces a fresh exchange.
func (c *Cache) Invalidate(accountID string) error {
	return c.kv.Delete(store.CredentialKey(accountID))
}

// ExpiringSoon reports whether the cached token is absent or within margin of
// its trimmed expiry. Used by the pre-warm sweep.
func (c *Cache) ExpiringSoon(accountID string, margin time.Duration) bool {
	raw, _, ok, err := c.kv.Get(store.CredentialKey(accountID))
	if err != nil || !ok {
		return true
	}
	var cred cachedCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return true
	}
	return !cred.ExpiresAt.After(c.now().Add(margin))
}

func (c *Cache) cached(accountID string) (string, bool) {
	raw, _, ok, err := c.kv.Get(store.CredentialKey(accountID))
	if err != nil {
		log.Printf("⚠️ Credential cache read failed for %s: %v", accountID, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	var cred cachedCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return "", false
	}
	if !cred.ExpiresAt.After(c.now()) {
		return "", false
	}
	return cred.Token, true
}

func (c *Cache) refresh(ctx context.Context, acc *models.Account) (string, error) {
	keyID, key, err := c.exchanger.FetchSigningKey(ctx, acc)
	if err != nil {
		c.metrics.RecordExchange(false)
		return "", &CredentialExchangeError{AccountID: acc.ID, Err: err}
	}

	now := c.now()
	tok, err := signer.Sign(key, keyID, acc.Csesidx, now)
	if err != nil {
		c.metrics.RecordExchange(false)
		return "", &CredentialExchangeError{AccountID: acc.ID, Err: err}
	}

	cred := cachedCredential{Token: tok, ExpiresAt: now.Add(c.ttl)}
	raw, _ := json.Marshal(cred)
	if err := c.kv.Put(store.CredentialKey(acc.ID), string(raw), c.ttl); err != nil {
		// The token itself is still good for this request.
		log.Printf("⚠️ Failed to cache credential for %s: %v", acc.ID, err)
	}
	c.metrics.RecordExchange(true)
	log.Printf("✅ Refreshed credential for account %s (expires %s)", acc.ID, cred.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

// IsPermanentExchangeError reports whether an exchange failure indicates
// revoked or invalid raw credentials rather than a transient fault.
func IsPermanentExchangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"status 401",
		"status 403",
		"unauthorized",
		"forbidden",
		"invalid",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
