// Package session maps (account, conversation) pairs to upstream session ids,
// creating sessions lazily and reusing them across turns.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/store"
)

// DefaultBindingTTL bounds how long an idle binding survives in the store.
// Recreating a session after that is cheap.
const DefaultBindingTTL = 24 * time.Hour

// UploadConversationKey is the shared per-account conversation that context
// file uploads bind to.
const UploadConversationKey = "files"

// Creator is the external session-creation capability.
type Creator interface {
	CreateSession(ctx context.Context, token string, acc *models.Account) (string, error)
}

// Binder resolves session bindings through the durable store.
type Binder struct {
	kv      *store.Store
	creator Creator
	ttl     time.Duration
}

// New creates a binder. A non-positive ttl selects DefaultBindingTTL.
func New(kv *store.Store, creator Creator, ttl time.Duration) *Binder {
	if ttl <= 0 {
		ttl = DefaultBindingTTL
	}
	return &Binder{kv: kv, creator: creator, ttl: ttl}
}

// GetOrCreate returns the bound session id for the pair, creating one
// upstream on first use. Two racing creators both succeed upstream and the
// later write wins; the orphaned session simply goes unused.
func (b *Binder) GetOrCreate(ctx context.Context, tok string, acc *models.Account, conversationKey string) (string, error) {
	key := store.SessionKey(acc.ID, conversationKey)

	if sessionID, _, ok, err := b.kv.Get(key); err == nil && ok {
		return sessionID, nil
	} else if err != nil {
		return "", fmt.Errorf("read session binding: %w", err)
	}

	sessionID, err := b.creator.CreateSession(ctx, tok, acc)
	if err != nil {
		return "", err
	}
	if err := b.kv.Put(key, sessionID, b.ttl); err != nil {
		// The session still works for this request.
		log.Printf("⚠️ Failed to persist session binding %s: %v", key, err)
	}
	log.Printf("🆕 Created upstream session %s for account %s", sessionID, acc.ID)
	return sessionID, nil
}

// Invalidate drops the binding so the next turn creates a fresh session.
func (b *Binder) Invalidate(accountID, conversationKey string) error {
	return b.kv.Delete(store.SessionKey(accountID, conversationKey))
}
