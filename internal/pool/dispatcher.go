// Package pool orchestrates one inbound request across the rotation core:
// pick an account, obtain its token, resolve its session, issue the upstream
// call, and feed failures back into account health.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nanlv11/business-gemini-pool/internal/auth/token"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/metrics"
	"github.com/nanlv11/business-gemini-pool/internal/registry"
	"github.com/nanlv11/business-gemini-pool/internal/rotation"
	"github.com/nanlv11/business-gemini-pool/internal/session"
	"github.com/nanlv11/business-gemini-pool/internal/store"
	"github.com/nanlv11/business-gemini-pool/internal/upstream"
)

// DefaultFailureThreshold is how many consecutive dispatch failures flip an
// account unavailable. A single transient blip never does.
const DefaultFailureThreshold = 3

// AssistClient is the slice of the upstream client the dispatcher drives.
type AssistClient interface {
	StreamAssist(ctx context.Context, tok string, acc *models.Account, sessionName string, parts []upstream.QueryPart, fileIDs []string) (*upstream.ChatResult, error)
	AddContextFile(ctx context.Context, tok string, acc *models.Account, sessionName, filename, mimeType string, content []byte) (string, error)
}

// ChatRequest is the normalized inbound request the routing layer hands over.
type ChatRequest struct {
	Model           string
	Parts           []upstream.QueryPart
	FileIDs         []string
	ConversationKey string
}

// Dispatch is the successful outcome of one chat turn.
type Dispatch struct {
	AccountID string
	SessionID string
	Token     string
	Result    *upstream.ChatResult
}

// Upload is the successful outcome of one context file upload.
type Upload struct {
	AccountID      string
	SessionID      string
	UpstreamFileID string
}

// Dispatcher wires the scheduler, credential cache, session binder and
// upstream client together.
type Dispatcher struct {
	registry  *registry.Registry
	scheduler *rotation.Scheduler
	tokens    *token.Cache
	binder    *session.Binder
	client    AssistClient
	kv        *store.Store
	threshold int
	metrics   *metrics.Metrics
}

// New creates a dispatcher. A non-positive threshold selects DefaultFailureThreshold.
func New(reg *registry.Registry, sched *rotation.Scheduler, tokens *token.Cache, binder *session.Binder, client AssistClient, kv *store.Store, threshold int, m *metrics.Metrics) *Dispatcher {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Dispatcher{
		registry:  reg,
		scheduler: sched,
		tokens:    tokens,
		binder:    binder,
		client:    client,
		kv:        kv,
		threshold: threshold,
		metrics:   m,
	}
}

// Send runs one chat turn. Credential and auth rejections disable the failing
// account and retry the pick against the remaining pool; a rejected session is
// recreated once; any other upstream failure counts toward the account's
// consecutive-failure threshold and fails the request.
func (d *Dispatcher) Send(ctx context.Context, req *ChatRequest) (*Dispatch, error) {
	start := time.Now()
	dispatch, err := d.send(ctx, req)
	d.metrics.RecordDispatch(resultLabel(err), time.Since(start))
	return dispatch, err
}

func (d *Dispatcher) send(ctx context.Context, req *ChatRequest) (*Dispatch, error) {
	attempts := d.attemptBudget()
	var lastErr error

	for i := 0; i < attempts; i++ {
		acc, err := d.scheduler.Pick()
		if err != nil {
			return nil, err
		}

		dispatch, err := d.tryAccount(ctx, acc, req)
		if err == nil {
			d.registry.Touch(acc.ID)
			d.clearFailures(acc.ID)
			return dispatch, nil
		}
		lastErr = err

		if !d.accountAttributable(acc, err) {
			// A rejected session already spent its one recreate; the failure
			// is tied to the binding, not the account.
			if !upstream.IsSessionRejected(err) {
				d.recordFailure(acc.ID, err)
			}
			return nil, err
		}
		// Account disabled; let the next iteration pick a different one.
	}
	return nil, lastErr
}

func (d *Dispatcher) tryAccount(ctx context.Context, acc *models.Account, req *ChatRequest) (*Dispatch, error) {
	tok, err := d.tokens.GetValidToken(ctx, acc)
	if err != nil {
		return nil, err
	}

	sessionID, err := d.binder.GetOrCreate(ctx, tok, acc, req.ConversationKey)
	if err != nil {
		return nil, err
	}

	result, err := d.client.StreamAssist(ctx, tok, acc, sessionID, req.Parts, req.FileIDs)
	if upstream.IsSessionRejected(err) {
		log.Printf("🔁 Session %s rejected for account %s, recreating", sessionID, acc.ID)
		if invErr := d.binder.Invalidate(acc.ID, req.ConversationKey); invErr != nil {
			log.Printf("⚠️ Failed to invalidate session binding for %s: %v", acc.ID, invErr)
		}
		sessionID, err = d.binder.GetOrCreate(ctx, tok, acc, req.ConversationKey)
		if err == nil {
			result, err = d.client.StreamAssist(ctx, tok, acc, sessionID, req.Parts, req.FileIDs)
		}
	}
	if err != nil {
		return nil, err
	}

	return &Dispatch{AccountID: acc.ID, SessionID: sessionID, Token: tok, Result: result}, nil
}

// UploadContext uploads a file through the same rotation core. Uploads share
// one per-account conversation so follow-up chat turns can reference them.
func (d *Dispatcher) UploadContext(ctx context.Context, filename, mimeType string, content []byte) (*Upload, error) {
	attempts := d.attemptBudget()
	var lastErr error

	for i := 0; i < attempts; i++ {
		acc, err := d.scheduler.Pick()
		if err != nil {
			return nil, err
		}

		upload, err := d.tryUpload(ctx, acc, filename, mimeType, content)
		if err == nil {
			d.registry.Touch(acc.ID)
			d.clearFailures(acc.ID)
			return upload, nil
		}
		lastErr = err

		if !d.accountAttributable(acc, err) {
			if !upstream.IsSessionRejected(err) {
				d.recordFailure(acc.ID, err)
			}
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) tryUpload(ctx context.Context, acc *models.Account, filename, mimeType string, content []byte) (*Upload, error) {
	tok, err := d.tokens.GetValidToken(ctx, acc)
	if err != nil {
		return nil, err
	}

	sessionID, err := d.binder.GetOrCreate(ctx, tok, acc, session.UploadConversationKey)
	if err != nil {
		return nil, err
	}

	fileID, err := d.client.AddContextFile(ctx, tok, acc, sessionID, filename, mimeType, content)
	if upstream.IsSessionRejected(err) {
		if invErr := d.binder.Invalidate(acc.ID, session.UploadConversationKey); invErr != nil {
			log.Printf("⚠️ Failed to invalidate upload session binding for %s: %v", acc.ID, invErr)
		}
		sessionID, err = d.binder.GetOrCreate(ctx, tok, acc, session.UploadConversationKey)
		if err == nil {
			fileID, err = d.client.AddContextFile(ctx, tok, acc, sessionID, filename, mimeType, content)
		}
	}
	if err != nil {
		return nil, err
	}

	return &Upload{AccountID: acc.ID, SessionID: sessionID, UpstreamFileID: fileID}, nil
}

// PrewarmCredentials refreshes soon-to-expire cached tokens for every
// available account. Permanent exchange failures disable the account so the
// scheduler stops offering it.
func (d *Dispatcher) PrewarmCredentials(ctx context.Context, margin time.Duration) {
	accounts, err := d.registry.ListAvailable()
	if err != nil {
		log.Printf("⚠️ Prewarm sweep failed to list accounts: %v", err)
		return
	}

	for i := range accounts {
		acc := &accounts[i]
		if !d.tokens.ExpiringSoon(acc.ID, margin) {
			continue
		}
		if _, err := d.tokens.GetValidToken(ctx, acc); err != nil {
			var xerr *token.CredentialExchangeError
			if errors.As(err, &xerr) && token.IsPermanentExchangeError(xerr.Err) {
				d.disable(acc.ID, xerr.Error())
				continue
			}
			log.Printf("⏳ Transient prewarm failure for account %s: %v", acc.ID, err)
		}
	}
}

// accountAttributable handles failures that condemn the account itself.
// Returns true when the account was disabled and the caller should pick again.
func (d *Dispatcher) accountAttributable(acc *models.Account, err error) bool {
	var xerr *token.CredentialExchangeError
	if errors.As(err, &xerr) {
		d.disable(acc.ID, xerr.Error())
		if invErr := d.tokens.Invalidate(acc.ID); invErr != nil {
			log.Printf("⚠️ Failed to invalidate credential for %s: %v", acc.ID, invErr)
		}
		return true
	}
	if upstream.IsAuthError(err) {
		d.disable(acc.ID, err.Error())
		if invErr := d.tokens.Invalidate(acc.ID); invErr != nil {
			log.Printf("⚠️ Failed to invalidate credential for %s: %v", acc.ID, invErr)
		}
		return true
	}
	return false
}

// Health transitions are advisory: a failed write never fails the request.
func (d *Dispatcher) disable(accountID, reason string) {
	if err := d.registry.SetAvailability(accountID, false, reason); err != nil {
		log.Printf("⚠️ Failed to mark account %s unavailable: %v", accountID, err)
	}
}

func (d *Dispatcher) recordFailure(accountID string, cause error) {
	key := store.FailureKey(accountID)
	count := 0
	if raw, _, ok, err := d.kv.Get(key); err == nil && ok {
		count, _ = strconv.Atoi(raw)
	}
	count++

	if count >= d.threshold {
		d.disable(accountID, fmt.Sprintf("%d consecutive dispatch failures, last: %v", count, cause))
		if err := d.kv.Delete(key); err != nil {
			log.Printf("⚠️ Failed to reset failure counter for %s: %v", accountID, err)
		}
		return
	}
	if err := d.kv.Put(key, strconv.Itoa(count), 0); err != nil {
		log.Printf("⚠️ Failed to record dispatch failure for %s: %v", accountID, err)
	}
	log.Printf("⚠️ Dispatch failure %d/%d for account %s: %v", count, d.threshold, accountID, cause)
}

func (d *Dispatcher) clearFailures(accountID string) {
	if err := d.kv.Delete(store.FailureKey(accountID)); err != nil {
		log.Printf("⚠️ Failed to clear failure counter for %s: %v", accountID, err)
	}
}

func (d *Dispatcher) attemptBudget() int {
	accounts, err := d.registry.ListAvailable()
	if err != nil || len(accounts) == 0 {
		return 1
	}
	return len(accounts)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, rotation.ErrExhausted):
		return "exhausted"
	case errors.Is(err, rotation.ErrRotationUnavailable):
		return "rotation_unavailable"
	default:
		var xerr *token.CredentialExchangeError
		if errors.As(err, &xerr) {
			return "credential_failed"
		}
		return "failed"
	}
}
