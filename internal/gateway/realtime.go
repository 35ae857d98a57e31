package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"betapp/internal/domain"
)

// Phoenix channel events used by the realtime service.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"
	EventSystem          = "system"

	TopicPhoenix = "phoenix"
	TopicPrefix  = "realtime:"
)

var errDisconnected = fmt.Errorf("%w: realtime connection lost", domain.ErrTransport)

// Frame is one message on the realtime websocket.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// ChangeFilter is one postgres_changes entry of a join request.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// JoinPayload is the payload of a phx_join frame.
type JoinPayload struct {
	Config struct {
		PostgresChanges []ChangeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

// ReplyPayload is the payload of a phx_reply frame.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ChangePayload is the payload of a postgres_changes frame.
type ChangePayload struct {
	Data struct {
		Type            domain.EventType `json:"type"`
		Schema          string           `json:"schema"`
		Table           string           `json:"table"`
		Record          domain.Record    `json:"record"`
		OldRecord       domain.Record    `json:"old_record"`
		CommitTimestamp time.Time        `json:"commit_timestamp"`
	} `json:"data"`
}

// ChangeFilters renders a scope as join entries, one per event type.
func ChangeFilters(scope domain.Scope) []ChangeFilter {
	filter := ""
	if scope.Filter.IsCondition() {
		filter = fmt.Sprintf("%s=%s.%s", scope.Filter.Column, scope.Filter.Op, scope.Filter.Value)
	}
	events := scope.Events
	if len(events) == 0 {
		events = []domain.EventType{domain.EventAll}
	}
	out := make([]ChangeFilter, 0, len(events))
	for _, e := range events {
		out = append(out, ChangeFilter{Event: string(e), Schema: "public", Table: scope.Table, Filter: filter})
	}
	return out
}

// RealtimeOptions configures a Realtime client.
type RealtimeOptions struct {
	URL            string
	Token          func() string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	JoinTimeout    time.Duration
	Logger         *slog.Logger
}

// Realtime is a reconnecting client for the Phoenix-protocol change feed.
// Channels do not survive a reconnect; callers re-subscribe from an
// OnReconnect listener.
type Realtime struct {
	opts RealtimeOptions
	log  *slog.Logger

	mu          sync.Mutex
	conn        *connection
	ready       chan struct{}
	channels    map[string]*channel
	listeners   map[int]func()
	nextID      int
	ref         uint64
	connected   bool
	missedJoin  bool
	cancel      context.CancelFunc
	stopped     chan struct{}
	startedOnce sync.Once
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan ReplyPayload
	done    chan struct{}
}

func (c *connection) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

type channel struct {
	rt      *Realtime
	topic   string
	scope   domain.Scope
	onEvent func(domain.Event)
	conn    *connection

	// dispatch holds the read lock; Unsubscribe takes the write lock so no
	// callback is running once it returns.
	mu     sync.RWMutex
	closed bool
}

func NewRealtime(opts RealtimeOptions) *Realtime {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{
		opts:      opts,
		log:       logger.With("component", "realtime"),
		ready:     make(chan struct{}),
		channels:  make(map[string]*channel),
		listeners: make(map[int]func()),
		stopped:   make(chan struct{}),
	}
}

// Start runs the connect loop in the background until ctx is done or
// Close is called.
func (r *Realtime) Start(ctx context.Context) {
	r.startedOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()
		go r.run(ctx)
	})
}

// Close stops the connect loop and closes the websocket.
func (r *Realtime) Close() {
	r.mu.Lock()
	cancel := r.cancel
	conn := r.conn
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.ws.Close()
	}
	<-r.stopped
}

// OnReconnect registers fn to run each time the connection is restored
// after a drop, and on the first connect if a Subscribe gave up waiting for
// it. fn runs on its own goroutine.
func (r *Realtime) OnReconnect(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Subscribe joins a new channel for scope and blocks until the server
// acknowledges the join.
func (r *Realtime) Subscribe(ctx context.Context, scope domain.Scope, onEvent func(domain.Event)) (domain.Subscription, error) {
	if scope.Table == "" {
		return nil, fmt.Errorf("%w: subscription needs a table", domain.ErrValidation)
	}
	if !scope.Filter.IsZero() && !scope.Filter.IsCondition() {
		return nil, fmt.Errorf("%w: subscription filter must be a single condition", domain.ErrValidation)
	}

	conn, err := r.waitConnected(ctx)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		rt:      r,
		topic:   TopicPrefix + uuid.NewString(),
		scope:   scope,
		onEvent: onEvent,
		conn:    conn,
	}

	var join JoinPayload
	join.Config.PostgresChanges = ChangeFilters(scope)
	join.AccessToken = r.opts.Token()
	payload, err := json.Marshal(join)
	if err != nil {
		return nil, fmt.Errorf("marshal join: %w", err)
	}

	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return nil, errDisconnected
	}
	ref := r.nextRef()
	wait := make(chan ReplyPayload, 1)
	conn.pending[ref] = wait
	r.channels[ch.topic] = ch
	r.mu.Unlock()

	fail := func(err error) (domain.Subscription, error) {
		r.mu.Lock()
		delete(conn.pending, ref)
		delete(r.channels, ch.topic)
		r.mu.Unlock()
		return nil, err
	}

	frame := Frame{Topic: ch.topic, Event: EventJoin, Payload: payload, Ref: ref, JoinRef: ref}
	if err := conn.write(frame); err != nil {
		return fail(fmt.Errorf("%w: send join: %v", domain.ErrTransport, err))
	}

	timer := time.NewTimer(r.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-wait:
		if !ok {
			return fail(errDisconnected)
		}
		if reply.Status != "ok" {
			return fail(joinError(reply))
		}
	case <-conn.done:
		return fail(errDisconnected)
	case <-timer.C:
		return fail(fmt.Errorf("%w: join %s timed out", domain.ErrTransport, scope))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	r.log.Debug("channel joined", "topic", ch.topic, "scope", scope.String())
	return ch, nil
}

func joinError(reply ReplyPayload) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(reply.Response, &body)
	if body.Reason == "" {
		body.Reason = reply.Status
	}
	return &domain.Error{Kind: domain.ErrNotAuthenticated, Message: "join rejected: " + body.Reason}
}

func (c *channel) Scope() domain.Scope { return c.scope }

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	r := c.rt
	r.mu.Lock()
	delete(r.channels, c.topic)
	live := r.conn == c.conn
	ref := r.nextRef()
	r.mu.Unlock()

	if !live {
		return nil
	}
	err := c.conn.write(Frame{Topic: c.topic, Event: EventLeave, Payload: json.RawMessage("{}"), Ref: ref})
	if err != nil {
		return fmt.Errorf("%w: send leave: %v", domain.ErrTransport, err)
	}
	return nil
}

func (c *channel) dispatch(ev domain.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.onEvent(ev)
}

func (c *channel) kill() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// nextRef must be called with r.mu held.
func (r *Realtime) nextRef() string {
	r.ref++
	return strconv.FormatUint(r.ref, 10)
}

// waitConnected waits at most JoinTimeout for a live connection. A caller
// that gives up is recorded so the next connect notifies reconnect
// listeners even if it is the first one.
func (r *Realtime) waitConnected(ctx context.Context) (*connection, error) {
	timer := time.NewTimer(r.opts.JoinTimeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		conn, ready := r.conn, r.ready
		r.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-r.stopped:
			return nil, errDisconnected
		case <-timer.C:
			r.markMissedJoin()
			return nil, fmt.Errorf("%w: realtime not connected after %s", domain.ErrTransport, r.opts.JoinTimeout)
		case <-ctx.Done():
			r.markMissedJoin()
			return nil, ctx.Err()
		}
	}
}

func (r *Realtime) markMissedJoin() {
	r.mu.Lock()
	r.missedJoin = true
	r.mu.Unlock()
}

func (r *Realtime) run(ctx context.Context) {
	defer close(r.stopped)
	for {
		err := r.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("realtime disconnected", "error", err, "retry_in", r.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.ReconnectDelay):
		}
	}
}

func (r *Realtime) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, r.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	conn := &connection{
		ws:      ws,
		pending: make(map[string]chan ReplyPayload),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.conn = conn
	close(r.ready)
	reconnected := r.connected
	notify := r.connected || r.missedJoin
	r.connected = true
	r.missedJoin = false
	var listeners []func()
	if notify {
		for _, fn := range r.listeners {
			listeners = append(listeners, fn)
		}
	}
	r.mu.Unlock()

	r.log.Info("realtime connected", "reconnect", reconnected)
	defer r.teardown(conn)

	go r.heartbeat(ctx, conn)
	for _, fn := range listeners {
		go fn()
	}

	return r.readLoop(conn)
}

// teardown forgets the connection, fails pending joins and kills every
// channel joined on it.
func (r *Realtime) teardown(conn *connection) {
	_ = conn.ws.Close()

	r.mu.Lock()
	close(conn.done)
	if r.conn == conn {
		r.conn = nil
		r.ready = make(chan struct{})
	}
	for ref, wait := range conn.pending {
		close(wait)
		delete(conn.pending, ref)
	}
	var dead []*channel
	for topic, ch := range r.channels {
		if ch.conn == conn {
			dead = append(dead, ch)
			delete(r.channels, topic)
		}
	}
	r.mu.Unlock()

	for _, ch := range dead {
		ch.kill()
	}
}

func (r *Realtime) heartbeat(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.ws.Close()
			return
		case <-conn.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			ref := r.nextRef()
			r.mu.Unlock()
			f := Frame{Topic: TopicPhoenix, Event: EventHeartbeat, Payload: json.RawMessage("{}"), Ref: ref}
			if err := conn.write(f); err != nil {
				r.log.Debug("heartbeat failed", "error", err)
				_ = conn.ws.Close()
				return
			}
		}
	}
}

func (r *Realtime) readLoop(conn *connection) error {
	for {
		_ = conn.ws.SetReadDeadline(time.Now().Add(2 * r.opts.Heartbeat))
		var f Frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return err
		}
		r.handle(f)
	}
}

func (r *Realtime) handle(f Frame) {
	switch f.Event {
	case EventReply:
		var reply ReplyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			r.log.Debug("bad reply", "error", err)
			return
		}
		r.mu.Lock()
		var wait chan ReplyPayload
		if r.conn != nil {
			wait = r.conn.pending[f.Ref]
			delete(r.conn.pending, f.Ref)
		}
		r.mu.Unlock()
		if wait != nil {
			wait <- reply
		}

	case EventPostgresChanges:
		r.mu.Lock()
		ch := r.channels[f.Topic]
		r.mu.Unlock()
		if ch == nil {
			return
		}
		var p ChangePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			r.log.Warn("bad change payload", "topic", f.Topic, "error", err)
			return
		}
		ch.dispatch(domain.Event{
			Type:            p.Data.Type,
			Table:           p.Data.Table,
			New:             p.Data.Record,
			Old:             p.Data.OldRecord,
			CommitTimestamp: p.Data.CommitTimestamp,
		})

	case EventError, EventClose:
		r.mu.Lock()
		ch := r.channels[f.Topic]
		delete(r.channels, f.Topic)
		r.mu.Unlock()
		if ch != nil {
			r.log.Warn("channel closed by server", "topic", f.Topic, "event", f.Event, "scope", ch.scope.String())
			ch.kill()
		}

	case EventSystem:
	default:
		r.log.Debug("unhandled frame", "topic", f.Topic, "event", f.Event)
	}
}
