package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"betapp/internal/domain"
	"betapp/internal/gateway"
	"betapp/internal/security"
	"betapp/internal/store"
)

const (
	// idleTimeout closes connections that stop sending heartbeats.
	idleTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

type rowVisibility interface {
	Visible(ctx context.Context, me, table, id string) (bool, error)
}

// Hub keeps the realtime connections and fans committed changes out to the
// channels whose filters match and whose user may read the row.
type Hub struct {
	tokens   *security.TokenService
	rows     rowVisibility
	anonKey  string
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]*channelSub
}

// channelSub is one joined topic: the user it was joined as and its filters.
type channelSub struct {
	me       string
	matchers []matcher
}

func NewHub(tokens *security.TokenService, rows rowVisibility, anonKey string, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		tokens:  tokens,
		rows:    rows,
		anonKey: anonKey,
		log:     logger.With("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     makeCheckOrigin(allowedOrigins),
		},
		conns: make(map[*conn]struct{}),
	}
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		m[strings.TrimRight(o, "/")] = struct{}{}
	}
	return m
}

func makeCheckOrigin(allowedOrigins []string) func(*http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, wildcard := allowed["*"]
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients do not send an Origin header.
		if origin == "" || wildcard {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[u.Scheme+"://"+u.Host]
		return ok
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws, topics: make(map[string]*channelSub)}
	h.register(c)
	defer func() {
		h.unregister(c)
		_ = ws.Close()
	}()
	h.log.Debug("realtime client connected", "remote", r.RemoteAddr)

	for {
		_ = ws.SetReadDeadline(time.Now().Add(idleTimeout))
		var f gateway.Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("realtime read ended", "error", err)
			}
			return
		}
		h.handle(c, f)
	}
}

func (h *Hub) handle(c *conn, f gateway.Frame) {
	switch f.Event {
	case gateway.EventHeartbeat:
		c.reply(f, "ok", nil)

	case gateway.EventJoin:
		sub, err := h.join(f.Payload)
		if err != nil {
			h.log.Debug("join rejected", "topic", f.Topic, "error", err)
			c.reply(f, "error", map[string]string{"reason": err.Error()})
			return
		}
		c.mu.Lock()
		c.topics[f.Topic] = sub
		c.mu.Unlock()
		c.reply(f, "ok", map[string]any{"postgres_changes": len(sub.matchers)})

	case gateway.EventLeave:
		c.mu.Lock()
		delete(c.topics, f.Topic)
		c.mu.Unlock()
		c.reply(f, "ok", nil)

	default:
		c.reply(f, "error", map[string]string{"reason": "unknown event " + f.Event})
	}
}

func (h *Hub) join(payload json.RawMessage) (*channelSub, error) {
	var join gateway.JoinPayload
	if err := json.Unmarshal(payload, &join); err != nil {
		return nil, fmt.Errorf("malformed join payload")
	}
	sub := &channelSub{}
	if join.AccessToken != "" && join.AccessToken != h.anonKey {
		claims, err := h.tokens.ParseAccess(join.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("invalid access token")
		}
		sub.me = claims.Subject
	}
	for _, cf := range join.Config.PostgresChanges {
		m, err := parseChangeFilter(cf)
		if err != nil {
			return nil, err
		}
		sub.matchers = append(sub.matchers, m)
	}
	return sub, nil
}

// Publish delivers committed changes to every matching channel whose user
// can read the changed row.
func (h *Hub) Publish(ctx context.Context, changes []store.Change) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	for _, ch := range changes {
		var p gateway.ChangePayload
		p.Data.Type = ch.Type
		p.Data.Schema = "public"
		p.Data.Table = ch.Table
		p.Data.Record = ch.Row
		p.Data.OldRecord = ch.Old
		p.Data.CommitTimestamp = time.Now().UTC()
		raw, err := json.Marshal(p)
		if err != nil {
			h.log.Error("encode change", "table", ch.Table, "error", err)
			continue
		}

		visible := make(map[string]bool)
		for _, c := range conns {
			for _, topic := range c.matching(ch) {
				me := topic.sub.me
				ok, seen := visible[me]
				if !seen {
					ok = h.canRead(ctx, me, ch)
					visible[me] = ok
				}
				if !ok {
					continue
				}
				if err := c.write(gateway.Frame{Topic: topic.name, Event: gateway.EventPostgresChanges, Payload: raw}); err != nil {
					h.log.Debug("dropping realtime client", "error", err)
					_ = c.ws.Close()
					break
				}
			}
		}
	}
}

func (h *Hub) canRead(ctx context.Context, me string, ch store.Change) bool {
	ok, err := h.rows.Visible(ctx, me, ch.Table, ch.Row.String("id"))
	if err != nil {
		h.log.Warn("visibility check failed", "table", ch.Table, "error", err)
		return false
	}
	return ok
}

type joinedTopic struct {
	name string
	sub  *channelSub
}

func (c *conn) matching(ch store.Change) []joinedTopic {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []joinedTopic
	for name, sub := range c.topics {
		for _, m := range sub.matchers {
			if m.matches(ch) {
				out = append(out, joinedTopic{name: name, sub: sub})
				break
			}
		}
	}
	return out
}

func (c *conn) write(f gateway.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *conn) reply(f gateway.Frame, status string, response any) {
	if response == nil {
		response = struct{}{}
	}
	resp, _ := json.Marshal(response)
	payload, _ := json.Marshal(gateway.ReplyPayload{Status: status, Response: resp})
	_ = c.write(gateway.Frame{
		Topic:   f.Topic,
		Event:   gateway.EventReply,
		Payload: payload,
		Ref:     f.Ref,
		JoinRef: f.JoinRef,
	})
}

// matcher is a parsed postgres_changes entry.
type matcher struct {
	event  domain.EventType
	table  string
	column string
	op     domain.Op
	value  string
}

func parseChangeFilter(cf gateway.ChangeFilter) (matcher, error) {
	if cf.Schema != "" && cf.Schema != "public" {
		return matcher{}, fmt.Errorf("unknown schema %q", cf.Schema)
	}
	t, ok := store.Tables[cf.Table]
	if !ok {
		return matcher{}, fmt.Errorf("unknown table %q", cf.Table)
	}
	m := matcher{event: domain.EventType(cf.Event), table: cf.Table}
	switch m.event {
	case domain.EventAll, domain.EventInsert, domain.EventUpdate, domain.EventDelete:
	default:
		return matcher{}, fmt.Errorf("unknown event %q", cf.Event)
	}
	if cf.Filter == "" {
		return m, nil
	}

	col, rest, ok := strings.Cut(cf.Filter, "=")
	if !ok {
		return matcher{}, fmt.Errorf("malformed filter %q", cf.Filter)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return matcher{}, fmt.Errorf("malformed filter %q", cf.Filter)
	}
	if !t.HasColumn(col) {
		return matcher{}, fmt.Errorf("unknown column %q", col)
	}
	switch domain.Op(op) {
	case domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpLt:
	default:
		return matcher{}, fmt.Errorf("unsupported filter operator %q", op)
	}
	m.column, m.op, m.value = col, domain.Op(op), val
	return m, nil
}

func (m matcher) matches(ch store.Change) bool {
	if ch.Table != m.table {
		return false
	}
	if m.event != domain.EventAll && m.event != ch.Type {
		return false
	}
	if m.column == "" {
		return true
	}
	v := ch.Row.String(m.column)
	switch m.op {
	case domain.OpEq:
		return v == m.value
	case domain.OpNeq:
		return v != m.value
	case domain.OpGt:
		return v > m.value
	case domain.OpLt:
		return v < m.value
	}
	return false
}
