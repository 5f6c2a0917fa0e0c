// Package rotation selects the next upstream account for each inbound request
// through a durable round-robin cursor. The cursor lives in the shared store
// and advances only through compare-and-swap, so rotation stays fair across
// concurrent requests, multiple processes and restarts.
package rotation

import (
	"errors"
	"strconv"

	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/metrics"
	"github.com/nanlv11/business-gemini-pool/internal/registry"
	"github.com/nanlv11/business-gemini-pool/internal/store"
)

var (
	// ErrExhausted means no account is currently available.
	ErrExhausted = errors.New("no available accounts")
	// ErrRotationUnavailable means cursor contention did not resolve within
	// the retry budget. Safe to retry the whole request.
	ErrRotationUnavailable = errors.New("rotation cursor contention not resolved")
)

// DefaultMaxRetries caps the pick retry loop. Contention beyond this is not
// expected in normal operation.
const DefaultMaxRetries = 8

// Scheduler is a pure selector over whatever the registry currently reports.
// It never mutates account health.
type Scheduler struct {
	registry   *registry.Registry
	kv         *store.Store
	maxRetries int
	metrics    *metrics.Metrics
}

// New creates a scheduler. A non-positive maxRetries selects DefaultMaxRetries.
func New(reg *registry.Registry, kv *store.Store, maxRetries int, m *metrics.Metrics) *Scheduler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Scheduler{registry: reg, kv: kv, maxRetries: maxRetries, metrics: m}
}

// Pick returns the next available account. The stored cursor names the next
// candidate slot: a pick serves filtered[cursor mod K] and commits
// (served index + 1) mod K. An account set change between read and commit is
// handled by the retry re-filtering against the current set.
func (s *Scheduler) Pick() (*models.Account, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		accounts, err := s.registry.ListAvailable()
		if err != nil {
			return nil, err
		}
		s.metrics.SetAvailableAccounts(len(accounts))
		if len(accounts) == 0 {
			return nil, ErrExhausted
		}

		raw, version, ok, err := s.kv.Get(store.RotationCursorKey)
		if err != nil {
			return nil, err
		}
		cursor := 0
		if ok {
			if v, convErr := strconv.Atoi(raw); convErr == nil && v >= 0 {
				cursor = v
			}
		}

		idx := cursor % len(accounts)
		next := (idx + 1) % len(accounts)

		committed, err := s.kv.CompareAndSwap(store.RotationCursorKey, strconv.Itoa(next), version, 0)
		if err != nil {
			return nil, err
		}
		if committed {
			acc := accounts[idx]
			s.metrics.RecordPick(acc.ID)
			return &acc, nil
		}
		// Another request advanced the cursor first; retry with fresh state.
		s.metrics.RecordPickConflict()
	}
	return nil, ErrRotationUnavailable
}
