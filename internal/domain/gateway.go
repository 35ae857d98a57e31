package domain

import (
	"context"
	"encoding/json"
)

// Gateway is the stateless boundary to the managed backend.
type Gateway interface {
	Query(ctx context.Context, q Query) ([]Record, error)
	Insert(ctx context.Context, table string, record any) (Record, error)
	Update(ctx context.Context, table, id string, patch any) (Record, error)
	RPC(ctx context.Context, name string, params any) (json.RawMessage, error)

	// Subscribe registers onEvent for row changes matching scope.
	// onEvent is called from the transport's reader goroutine.
	Subscribe(ctx context.Context, scope Scope, onEvent func(Event)) (Subscription, error)
	// OnReconnect registers fn to run after the push transport reconnects.
	// Subscriptions made before the drop are dead at that point.
	OnReconnect(fn func()) (unregister func())
}

// Subscription is a live push registration.
type Subscription interface {
	Scope() Scope
	Unsubscribe() error
}

// Session exposes the authenticated identity to the core.
type Session interface {
	// CurrentIdentity returns "" when nobody is signed in.
	CurrentIdentity() Identity
	OnChange(fn func(Identity)) (unregister func())
}
