package chat

import (
	"context"
	"fmt"
	"log/slog"

	"betapp/internal/domain"
)

// Change tags a notification from Client.OnChange.
type Change int

const (
	ConversationsChanged Change = iota + 1
	MessagesChanged
)

func (c Change) String() string {
	switch c {
	case ConversationsChanged:
		return "conversations"
	case MessagesChanged:
		return "messages"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// Client is what a presentation layer talks to: read models plus intents.
type Client struct {
	Conversations *ConversationStore
	Messages      *MessageStore
	Router        *Router

	session domain.Session
}

func NewClient(gw domain.Gateway, session domain.Session, logger *slog.Logger) *Client {
	convs := NewConversationStore(gw, session, logger)
	msgs := NewMessageStore(gw, session, logger)
	return &Client{
		Conversations: convs,
		Messages:      msgs,
		Router:        NewRouter(gw, session, convs, msgs, logger),
		session:       session,
	}
}

// Start begins routing live updates; see Router.Start.
func (c *Client) Start(ctx context.Context) {
	c.Router.Start(ctx)
}

func (c *Client) Stop() {
	c.Router.Stop()
}

// OnChange registers fn for changes to either read model.
func (c *Client) OnChange(fn func(Change)) func() {
	a := c.Conversations.OnChange(func() { fn(ConversationsChanged) })
	b := c.Messages.OnChange(func() { fn(MessagesChanged) })
	return func() {
		a()
		b()
	}
}

// Me is the signed-in identity, or "".
func (c *Client) Me() domain.Identity {
	return c.session.CurrentIdentity()
}

// Peer returns the other participant's profile, or nil if not loaded.
func (c *Client) Peer(conv domain.ConversationWithPeer) *domain.Profile {
	return Peer(conv, c.session.CurrentIdentity())
}

// PeerName is the display name of the other participant.
func (c *Client) PeerName(conv domain.ConversationWithPeer) string {
	me := c.session.CurrentIdentity()
	return DisplayName(Peer(conv, me), PeerID(conv.Conversation, me))
}

func (c *Client) RefreshConversations(ctx context.Context) {
	c.Conversations.Refresh(ctx)
}

func (c *Client) OpenConversation(ctx context.Context, id string) error {
	return c.Router.Open(ctx, id)
}

func (c *Client) CloseConversation() {
	c.Router.Close()
}

// StartConversation finds or creates the conversation with peer.
func (c *Client) StartConversation(ctx context.Context, peer domain.Identity) (domain.Conversation, error) {
	return c.Conversations.UpsertOrCreate(ctx, peer)
}

// Send posts text to the active conversation.
func (c *Client) Send(ctx context.Context, text string) (domain.Message, error) {
	active := c.Messages.Active()
	if active == "" {
		return domain.Message{}, fmt.Errorf("%w: no conversation is open", domain.ErrInvalidOperation)
	}
	return c.Messages.Send(ctx, active, text)
}

// MessagePeer sends text to peer, starting the conversation first if needed.
func (c *Client) MessagePeer(ctx context.Context, peer domain.Identity, text string) (domain.Conversation, domain.Message, error) {
	if _, err := validText(text); err != nil {
		return domain.Conversation{}, domain.Message{}, err
	}
	conv, err := c.StartConversation(ctx, peer)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, err
	}
	msg, err := c.Messages.Send(ctx, conv.ID, text)
	if err != nil {
		return conv, domain.Message{}, err
	}
	return conv, msg, nil
}
