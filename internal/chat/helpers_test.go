package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go-groupchat/internal/chat"
	"go-groupchat/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tokenAuth map[string]chat.Identity

func (a tokenAuth) VerifyCredential(_ context.Context, token string) (chat.Identity, error) {
	id, ok := a[token]
	if !ok {
		return "", chat.ErrUnauthenticated
	}
	return id, nil
}

var errDiskFull = errors.New("disk full")

// flakyStore is the memory store with switchable persistence failures.
type flakyStore struct {
	*store.Memory
	failPersist atomic.Bool
	failMembers atomic.Bool

	groupLookups atomic.Int64
}

func (f *flakyStore) GetGroup(ctx context.Context, groupID string) (*chat.Group, error) {
	f.groupLookups.Add(1)
	return f.Memory.GetGroup(ctx, groupID)
}

func (f *flakyStore) PersistMessage(ctx context.Context, msg *chat.Message) error {
	if f.failPersist.Load() {
		return errDiskFull
	}
	return f.Memory.PersistMessage(ctx, msg)
}

func (f *flakyStore) AddMember(ctx context.Context, groupID string, id chat.Identity) error {
	if f.failMembers.Load() {
		return errDiskFull
	}
	return f.Memory.AddMember(ctx, groupID, id)
}

func (f *flakyStore) DismissGroup(ctx context.Context, groupID string) error {
	if f.failMembers.Load() {
		return errDiskFull
	}
	return f.Memory.DismissGroup(ctx, groupID)
}

func newTestHub(t *testing.T, ids ...chat.Identity) (*chat.Hub, *flakyStore) {
	t.Helper()
	return newTestHubWithConfig(t, chat.DefaultConfig(), ids...)
}

func newTestHubWithConfig(t *testing.T, cfg chat.Config, ids ...chat.Identity) (*chat.Hub, *flakyStore) {
	t.Helper()
	fs := &flakyStore{Memory: store.NewMemory()}
	fs.AddIdentity(ids...)
	auth := tokenAuth{}
	for _, id := range ids {
		auth["token-"+string(id)] = id
	}
	hub := chat.NewHub(cfg, fs, auth, nil, zaptest.NewLogger(t))
	t.Cleanup(hub.Shutdown)
	return hub, fs
}

// connect attaches an in-process connection for id.
func connect(t *testing.T, hub *chat.Hub, id chat.Identity) *chat.Client {
	t.Helper()
	c := chat.NewClient(hub, nil, id)
	require.NoError(t, hub.Attach(c))
	return c
}

func sendFrame(t *testing.T, c *chat.Client, frame any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	c.HandleFrame(raw)
}

func text(receiveID, content string) map[string]any {
	return map[string]any{"type": 0, "receiveId": receiveID, "content": content}
}

func joinFrame(groupID string) map[string]any {
	return map[string]any{"action": chat.ActionJoinGroup, "groupId": groupID}
}

// next returns the next queued frame decoded into a generic map.
func next(t *testing.T, c *chat.Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(time.Second):
		t.Fatalf("connection %s: no frame queued", c.ID)
		return nil
	}
}

func expectNone(t *testing.T, c *chat.Client) {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		t.Fatalf("connection %s: unexpected frame %s", c.ID, raw)
	case <-time.After(20 * time.Millisecond):
	}
}

// drain discards everything queued so far.
func drain(c *chat.Client) {
	for {
		select {
		case <-c.Outbound():
		default:
			return
		}
	}
}

func mustCreate(t *testing.T, hub *chat.Hub, owner chat.Identity, mode chat.AddMode) string {
	t.Helper()
	g, err := hub.Lifecycle.HandleCreate(context.Background(), owner, "room", "", mode)
	require.NoError(t, err)
	return g.ID
}
