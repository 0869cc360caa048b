package chat

import "context"

// Repository is the durable side of the chat core. Implementations live in
// internal/store. GetGroup returns ErrNotFound for unknown ids and returns
// dismissed groups with Status == GroupDismissed.
type Repository interface {
	PersistMessage(ctx context.Context, msg *Message) error
	// GetHistory returns up to limit messages, newest first.
	GetHistory(ctx context.Context, viewer Identity, target Target, limit int) ([]*Message, error)
	IdentityExists(ctx context.Context, id Identity) (bool, error)

	GetGroup(ctx context.Context, groupID string) (*Group, error)
	CreateGroup(ctx context.Context, g *Group) error
	UpdateGroup(ctx context.Context, g *Group) error
	AddMember(ctx context.Context, groupID string, id Identity) error
	RemoveMember(ctx context.Context, groupID string, id Identity) error
	DismissGroup(ctx context.Context, groupID string) error
}

// Authenticator verifies the bearer credential presented at handshake.
type Authenticator interface {
	VerifyCredential(ctx context.Context, token string) (Identity, error)
}

// Presence is told about every connection that opens or closes, so a
// counting implementation can be shared by several instances.
type Presence interface {
	Online(ctx context.Context, id Identity) error
	Offline(ctx context.Context, id Identity) error
}

// PresenceChecker is implemented by presence stores that can answer for
// connections held by other instances.
type PresenceChecker interface {
	IsOnline(ctx context.Context, id Identity) (bool, error)
}

type nopPresence struct{}

func (nopPresence) Online(context.Context, Identity) error  { return nil }
func (nopPresence) Offline(context.Context, Identity) error { return nil }
