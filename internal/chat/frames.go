package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Control actions accepted from clients.
const (
	ActionJoinGroup        = "join_group"
	ActionUnsubscribeGroup = "unsubscribe_group"
)

// System notification actions pushed to clients.
const (
	ActionGroupJoin      = "group_join"
	ActionGroupQuit      = "group_quit"
	ActionGroupDismissed = "group_dismissed"
	ActionGroupUpdated   = "group_updated"
	ActionError          = "error"
)

// Reasons carried by group_quit.
const (
	QuitLeft    = "left"
	QuitRemoved = "removed"
)

// InboundFrame is everything a client may send. A non-empty Action makes it a
// control frame, otherwise it is a chat message.
type InboundFrame struct {
	Action    string      `json:"action,omitempty"`
	GroupID   string      `json:"groupId,omitempty"`
	Type      *int        `json:"type,omitempty"`
	Content   string      `json:"content,omitempty"`
	URL       string      `json:"url,omitempty"`
	ReceiveID string      `json:"receiveId,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	FileType  string      `json:"fileType,omitempty"`
	FileSize  looseString `json:"fileSize,omitempty"`
}

// looseString accepts both "123" and 123 since clients disagree on fileSize.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

func decodeFrame(raw []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &f, nil
}

// payload turns a chat frame into its tagged payload.
func (f *InboundFrame) payload() (Payload, error) {
	if f.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	switch MessageKind(*f.Type) {
	case KindText:
		if f.Content == "" {
			return nil, fmt.Errorf("%w: empty content", ErrInvalidFrame)
		}
		return TextPayload{Content: f.Content}, nil
	case KindFile:
		url := f.URL
		if url == "" {
			url = f.Content
		}
		if url == "" {
			return nil, fmt.Errorf("%w: file message without url", ErrInvalidFrame)
		}
		return FilePayload{URL: url, Name: f.FileName, MIME: f.FileType, Size: string(f.FileSize)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %s", ErrInvalidFrame, strconv.Itoa(*f.Type))
	}
}

// ChatFrame is the outbound chat message.
type ChatFrame struct {
	UUID      string      `json:"uuid"`
	Type      MessageKind `json:"type"`
	Content   string      `json:"content"`
	URL       string      `json:"url,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	FileType  string      `json:"fileType,omitempty"`
	FileSize  string      `json:"fileSize,omitempty"`
	SendID    Identity    `json:"sendId"`
	ReceiveID string      `json:"receiveId"`
	CreatedAt int64       `json:"createdAt"`
}

// SystemFrame is a lifecycle notification.
type SystemFrame struct {
	Action      string   `json:"action"`
	GroupID     string   `json:"groupId"`
	UserID      Identity `json:"userId,omitempty"`
	MemberCount int      `json:"memberCount,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Self        bool     `json:"self,omitempty"`
	Name        string   `json:"name,omitempty"`
	Notice      string   `json:"notice,omitempty"`
	AddMode     *AddMode `json:"addMode,omitempty"`
}

// ErrorFrame reports a failed frame back to the connection that sent it.
type ErrorFrame struct {
	Action    string `json:"action"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	GroupID   string `json:"groupId,omitempty"`
	ReceiveID string `json:"receiveId,omitempty"`
}

func chatFrameOf(m *Message) ChatFrame {
	out := ChatFrame{
		UUID:      m.ID,
		Type:      m.Payload.Kind(),
		SendID:    m.Sender,
		ReceiveID: m.Target.ID,
		CreatedAt: m.CreatedAt.Unix(),
	}
	switch p := m.Payload.(type) {
	case TextPayload:
		out.Content = p.Content
	case FilePayload:
		out.Content = p.URL
		out.URL = p.URL
		out.FileName = p.Name
		out.FileType = p.MIME
		out.FileSize = p.Size
	}
	return out
}

func encodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(chatFrameOf(m))
}

func encodeError(err error, f *InboundFrame) []byte {
	out := ErrorFrame{Action: ActionError, Code: ErrorCode(err), Message: PublicMessage(err)}
	if f != nil {
		out.GroupID = f.GroupID
		out.ReceiveID = f.ReceiveID
	}
	raw, _ := json.Marshal(out)
	return raw
}
