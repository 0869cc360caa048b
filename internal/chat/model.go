package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------
// 🗄️ Domain & Storage Models
// ---------------------------------------------

// Identity is the authenticated user id carried by a bearer credential.
type Identity string

// AddMode controls how non-members get into a group.
type AddMode int8

const (
	AddModeOpen     AddMode = 0 // join_group adds the caller directly
	AddModeApproval AddMode = 1 // only the owner can add members
)

// GroupStatus mirrors the status column of the groups table.
type GroupStatus int8

const (
	GroupActive    GroupStatus = 0
	GroupDismissed GroupStatus = 2
)

type Group struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Notice    string      `json:"notice"`
	OwnerID   Identity    `json:"ownerId"`
	AddMode   AddMode     `json:"addMode"`
	Status    GroupStatus `json:"status"`
	Members   []Identity  `json:"members"`
	CreatedAt time.Time   `json:"createdAt"`
}

// GroupPatch carries the owner-editable fields; nil means unchanged.
type GroupPatch struct {
	Name    *string  `json:"name,omitempty"`
	Notice  *string  `json:"notice,omitempty"`
	AddMode *AddMode `json:"addMode,omitempty"`
}

// TargetKind says whether a message is addressed to a user or a group.
type TargetKind int8

const (
	TargetDirect TargetKind = 0
	TargetGroup  TargetKind = 1
)

type Target struct {
	Kind TargetKind
	ID   string
}

// MessageKind is the wire discriminant of a chat payload.
type MessageKind int8

const (
	KindText MessageKind = 0
	KindFile MessageKind = 1
)

// Payload is either TextPayload or FilePayload.
type Payload interface {
	Kind() MessageKind
}

type TextPayload struct {
	Content string
}

func (TextPayload) Kind() MessageKind { return KindText }

type FilePayload struct {
	URL  string
	Name string
	MIME string
	Size string
}

func (FilePayload) Kind() MessageKind { return KindFile }

// Message is immutable once built by NewMessage.
type Message struct {
	ID        string
	Sender    Identity
	Target    Target
	Payload   Payload
	CreatedAt time.Time
}

func NewMessage(sender Identity, target Target, payload Payload) *Message {
	return &Message{
		ID:        NewID(MessageIDPrefix),
		Sender:    sender,
		Target:    target,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Id prefixes. Only group ids start with GroupIDPrefix.
const (
	GroupIDPrefix      = "G"
	MessageIDPrefix    = "M"
	ConnectionIDPrefix = "C"
	UserIDPrefix       = "U"
)

// NewID returns a 20 character id: the prefix plus the head of a dashless uuid.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:20-len(prefix)]
}

// ---------------------------------------------
// ⚡ Delivery Models
// ---------------------------------------------

// DeliveryReport is what Route tells the caller. Attempted counts enqueue
// attempts, not acknowledgements.
type DeliveryReport struct {
	MessageID string `json:"messageId"`
	Persisted bool   `json:"persisted"`
	Attempted int    `json:"attempted"`
	Dropped   int    `json:"dropped"`
}
