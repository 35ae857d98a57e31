package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"betapp/internal/domain"
)

// errSuperseded is returned by Attach when a later Begin or DetachAll made
// its set obsolete before it went live.
var errSuperseded = errors.New("subscription set superseded")

// SubscriptionManager owns one set of push subscriptions. Begin releases the
// current set and hands out a ticket; only the set attached under the newest
// ticket is kept, so at most one set is ever live.
type SubscriptionManager struct {
	gw   domain.Gateway
	name string
	log  *slog.Logger

	mu   sync.Mutex
	gen  uint64
	subs []domain.Subscription
}

func NewSubscriptionManager(gw domain.Gateway, name string, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		gw:   gw,
		name: name,
		log:  logger.With("component", "subscriptions", "set", name),
	}
}

// Begin releases the live set and returns the ticket for its replacement.
func (m *SubscriptionManager) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked()
	m.gen++
	return m.gen
}

// Attach subscribes scopes for ticket, all delivering to handler. The lock
// is not held while subscribing. If any scope fails, or ticket is no longer
// the newest, none of the new set is kept.
func (m *SubscriptionManager) Attach(ctx context.Context, ticket uint64, handler func(domain.Event), scopes ...domain.Scope) error {
	if !m.current(ticket) {
		return errSuperseded
	}

	subs := make([]domain.Subscription, 0, len(scopes))
	for _, scope := range scopes {
		sub, err := m.gw.Subscribe(ctx, scope, handler)
		if err != nil {
			release(subs)
			return fmt.Errorf("subscribe %s: %w", scope, err)
		}
		subs = append(subs, sub)
	}

	m.mu.Lock()
	if ticket != m.gen {
		m.mu.Unlock()
		release(subs)
		m.log.Debug("dropped stale set", "scopes", len(subs))
		return errSuperseded
	}
	m.subs = subs
	m.mu.Unlock()
	m.log.Debug("attached", "scopes", len(subs))
	return nil
}

// DetachAll releases every live subscription and invalidates outstanding
// tickets.
func (m *SubscriptionManager) DetachAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked()
	m.gen++
}

func (m *SubscriptionManager) current(ticket uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ticket == m.gen
}

func (m *SubscriptionManager) detachLocked() {
	var errs []error
	for _, s := range m.subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m.subs) > 0 {
		m.log.Debug("detached", "scopes", len(m.subs))
	}
	m.subs = nil
	if err := errors.Join(errs...); err != nil {
		m.log.Warn("unsubscribe failed", "error", err)
	}
}

func release(subs []domain.Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}
