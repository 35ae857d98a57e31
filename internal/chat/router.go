package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"betapp/internal/domain"
)

// DefaultAttachTimeout bounds each subscription attach the router makes.
const DefaultAttachTimeout = 10 * time.Second

// Router feeds server-pushed changes into the stores. It keeps one
// subscription set for the current identity's conversations and one for
// the active conversation's messages.
type Router struct {
	gw      domain.Gateway
	session domain.Session
	convs   *ConversationStore
	msgs    *MessageStore
	log     *slog.Logger

	convSubs      *SubscriptionManager
	msgSubs       *SubscriptionManager
	attachTimeout time.Duration

	// mu serializes scope changes: identity changes, open/close and
	// reconnects. It is never held across a subscribe. Push handlers must
	// not take it.
	mu       sync.Mutex
	active   string
	detachFn []func()

	ctxMu sync.RWMutex
	ctx   context.Context

	// At most one conversation refresh runs for pushes; pushes arriving
	// meanwhile set dirty and are folded into one more pass.
	refreshMu  sync.Mutex
	refreshing bool
	dirty      bool
	refreshWG  sync.WaitGroup
}

func NewRouter(gw domain.Gateway, session domain.Session, convs *ConversationStore, msgs *MessageStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		gw:            gw,
		session:       session,
		convs:         convs,
		msgs:          msgs,
		log:           logger.With("component", "router"),
		convSubs:      NewSubscriptionManager(gw, "conversations", logger),
		msgSubs:       NewSubscriptionManager(gw, "messages", logger),
		attachTimeout: DefaultAttachTimeout,
		ctx:           context.Background(),
	}
}

// SetAttachTimeout changes how long one attach may wait on the transport.
// Call it before Start.
func (r *Router) SetAttachTimeout(d time.Duration) {
	if d > 0 {
		r.attachTimeout = d
	}
}

// ConversationScopes are the change feeds for rows naming me in either
// participant slot.
func ConversationScopes(me domain.Identity) []domain.Scope {
	return []domain.Scope{
		{Table: TableConversations, Events: []domain.EventType{domain.EventAll}, Filter: domain.Eq("user_id", string(me))},
		{Table: TableConversations, Events: []domain.EventType{domain.EventAll}, Filter: domain.Eq("user_id2", string(me))},
	}
}

// MessageScope is the insert feed of one conversation.
func MessageScope(conversationID string) domain.Scope {
	return domain.Scope{
		Table:  TableMessages,
		Events: []domain.EventType{domain.EventInsert},
		Filter: domain.Eq("chat_id", conversationID),
	}
}

// Start follows identity changes and transport reconnects, and attaches the
// conversation scope for whoever is signed in now. ctx bounds background
// work started by pushes and reconnects.
func (r *Router) Start(ctx context.Context) {
	r.ctxMu.Lock()
	r.ctx = ctx
	r.ctxMu.Unlock()

	r.mu.Lock()
	r.detachFn = append(r.detachFn,
		r.session.OnChange(r.identityChanged),
		r.gw.OnReconnect(r.reconnected),
	)
	r.mu.Unlock()

	r.identityChanged(r.session.CurrentIdentity())
}

// Stop unregisters the listeners, releases every subscription and waits for
// a push-triggered refresh still in flight.
func (r *Router) Stop() {
	r.mu.Lock()
	for _, fn := range r.detachFn {
		fn()
	}
	r.detachFn = nil
	r.msgSubs.DetachAll()
	r.convSubs.DetachAll()
	r.mu.Unlock()

	r.refreshWG.Wait()
}

// Active returns the conversation whose messages are subscribed, or "".
func (r *Router) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Open makes conversationID the active conversation: the previous message
// subscription is torn down, the new one attached, then history is loaded.
// History is loaded even when the attach fails; the next reconnect retries it.
func (r *Router) Open(ctx context.Context, conversationID string) error {
	if r.session.CurrentIdentity() == "" {
		return domain.ErrNotAuthenticated
	}
	if conversationID == "" {
		return fmt.Errorf("%w: conversation is required", domain.ErrValidation)
	}

	r.mu.Lock()
	ticket := r.msgSubs.Begin()
	r.active = conversationID
	r.msgs.Activate(conversationID)
	r.mu.Unlock()

	attachErr := r.attach(ctx, r.msgSubs, ticket, r.onMessage, MessageScope(conversationID))
	if attachErr != nil {
		r.log.Warn("message subscription failed", "conversation", conversationID, "error", attachErr)
	}
	loadErr := r.msgs.Load(ctx, conversationID)
	return errors.Join(attachErr, loadErr)
}

// Close clears the active conversation and its subscription.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgSubs.DetachAll()
	r.active = ""
	r.msgs.Activate("")
}

func (r *Router) identityChanged(id domain.Identity) {
	r.mu.Lock()
	r.msgSubs.DetachAll()
	ticket := r.convSubs.Begin()
	r.active = ""
	r.msgs.Reset()
	r.convs.Reset()
	ctx := r.baseContext()
	r.mu.Unlock()

	if id == "" {
		r.log.Info("signed out, chat state cleared")
		return
	}
	if err := r.attach(ctx, r.convSubs, ticket, r.onConversation, ConversationScopes(id)...); err != nil {
		r.log.Warn("conversation subscription failed", "identity", string(id), "error", err)
	}
	r.convs.Refresh(ctx)
}

// reconnected re-attaches both scopes from the state current now, then
// refetches to cover changes missed while disconnected.
func (r *Router) reconnected() {
	r.mu.Lock()
	me := r.session.CurrentIdentity()
	active := r.active
	ctx := r.baseContext()
	if me == "" {
		r.mu.Unlock()
		return
	}
	convTicket := r.convSubs.Begin()
	var msgTicket uint64
	if active != "" {
		msgTicket = r.msgSubs.Begin()
	}
	r.mu.Unlock()

	if err := r.attach(ctx, r.convSubs, convTicket, r.onConversation, ConversationScopes(me)...); err != nil {
		r.log.Warn("re-attach conversation scope failed", "error", err)
	}
	if active != "" {
		if err := r.attach(ctx, r.msgSubs, msgTicket, r.onMessage, MessageScope(active)); err != nil {
			r.log.Warn("re-attach message scope failed", "conversation", active, "error", err)
		}
	}

	r.log.Info("resubscribed after reconnect", "active", active)
	r.convs.Refresh(ctx)
	if active != "" {
		if err := r.msgs.Load(ctx, active); err != nil {
			r.log.Warn("reload after reconnect failed", "conversation", active, "error", err)
		}
	}
}

// attach runs one bounded Attach. A set superseded by a later scope change
// is not an error.
func (r *Router) attach(ctx context.Context, m *SubscriptionManager, ticket uint64, handler func(domain.Event), scopes ...domain.Scope) error {
	ctx, cancel := context.WithTimeout(ctx, r.attachTimeout)
	defer cancel()
	err := m.Attach(ctx, ticket, handler, scopes...)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

func (r *Router) onMessage(ev domain.Event) {
	if ev.Type != domain.EventInsert {
		return
	}
	var m domain.Message
	if err := ev.New.Decode(&m); err != nil {
		r.log.Warn("undecodable message event", "error", err)
		return
	}
	r.msgs.Append(m)
}

// onConversation runs on the transport's reader, so the refresh happens
// elsewhere.
func (r *Router) onConversation(ev domain.Event) {
	r.log.Debug("conversation changed", "type", string(ev.Type), "id", ev.Row().String("id"))
	r.scheduleRefresh()
}

func (r *Router) scheduleRefresh() {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if r.refreshing {
		r.dirty = true
		return
	}
	r.refreshing = true
	r.refreshWG.Add(1)
	go r.refreshLoop()
}

func (r *Router) refreshLoop() {
	defer r.refreshWG.Done()
	for {
		r.convs.Refresh(r.baseContext())

		r.refreshMu.Lock()
		if !r.dirty {
			r.refreshing = false
			r.refreshMu.Unlock()
			return
		}
		r.dirty = false
		r.refreshMu.Unlock()
	}
}

func (r *Router) baseContext() context.Context {
	r.ctxMu.RLock()
	defer r.ctxMu.RUnlock()
	return r.ctx
}
