package domain

import (
	"encoding/json"
	"time"
)

// Identity is the opaque user id issued by the identity provider.
type Identity string

// Profile is the display projection of a user joined onto conversations.
type Profile struct {
	ID          Identity `json:"id"`
	DisplayName *string  `json:"name"`
	Username    *string  `json:"username"`
	AvatarURL   *string  `json:"avatar_url,omitempty"`
}

// Conversation is a direct-message pairing between two identities.
// The two slots are unordered conceptually; at most one row exists per pair.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA Identity  `json:"user_id"`
	ParticipantB Identity  `json:"user_id2"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationWithPeer is a conversation joined with both participant profiles.
// A profile is nil until the backend has returned it.
type ConversationWithPeer struct {
	Conversation
	ProfileA *Profile `json:"user1"`
	ProfileB *Profile `json:"user2"`
}

// Message is an immutable chat message.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"chat_id"`
	SenderID       Identity        `json:"sent_by"`
	Text           string          `json:"text"`
	Media          json.RawMessage `json:"media,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Tokens is the result of a credential exchange with the identity provider.
type Tokens struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	TokenType    string `json:"token_type" yaml:"token_type"`
	ExpiresIn    int    `json:"expires_in" yaml:"-"`
}
