package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go-groupchat/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A new member subscribes, the existing members see group_join first, then
// the chat message.
func TestJoinThenMessageScenario(t *testing.T) {
	hub, _ := newTestHub(t, "owner", "m2", "u1")
	ctx := context.Background()
	gid := mustCreate(t, hub, "owner", chat.AddModeOpen)
	_, err := hub.Lifecycle.HandleJoin(ctx, "m2", gid, nil)
	require.NoError(t, err)

	owner := connect(t, hub, "owner")
	m2 := connect(t, hub, "m2")
	sendFrame(t, owner, joinFrame(gid))
	sendFrame(t, m2, joinFrame(gid))
	expectNone(t, owner)
	expectNone(t, m2)

	u1 := connect(t, hub, "u1")
	sendFrame(t, u1, joinFrame(gid))

	for _, c := range []*chat.Client{owner, m2} {
		f := next(t, c)
		assert.Equal(t, chat.ActionGroupJoin, f["action"])
		assert.Equal(t, gid, f["groupId"])
		assert.Equal(t, "u1", f["userId"])
		assert.Equal(t, float64(3), f["memberCount"])
	}
	drain(u1)

	sendFrame(t, m2, text(gid, "welcome"))

	f := next(t, u1)
	assert.Equal(t, gid, f["receiveId"])
	assert.Equal(t, "welcome", f["content"])
	expectNone(t, u1)

	for _, c := range []*chat.Client{owner, m2} {
		f := next(t, c)
		assert.Equal(t, "welcome", f["content"])
	}
}

func TestMemberWithoutSubscriptionGetsNoGroupMessages(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)
	_, err := hub.Lifecycle.HandleJoin(ctx, "bob", gid, nil)
	require.NoError(t, err)

	b := connect(t, hub, "bob")
	require.True(t, hub.Index.IsMember(ctx, "bob", gid))

	_, err = hub.Router.Send(ctx, "alice", gid, chat.TextPayload{Content: "anyone?"})
	require.NoError(t, err)
	expectNone(t, b)
}

func TestUnsubscribeStopsGroupMessages(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	b := connect(t, hub, "bob")
	sendFrame(t, b, joinFrame(gid))
	drain(b)
	sendFrame(t, b, map[string]any{"action": chat.ActionUnsubscribeGroup, "groupId": gid})

	_, err := hub.Router.Send(ctx, "alice", gid, chat.TextPayload{Content: "hi"})
	require.NoError(t, err)
	expectNone(t, b)
	assert.True(t, hub.Index.IsMember(ctx, "bob", gid), "unsubscribing keeps membership")
}

func TestUnsubscribeWithoutGroupIsRejected(t *testing.T) {
	hub, _ := newTestHub(t, "bob")
	b := connect(t, hub, "bob")

	sendFrame(t, b, map[string]any{"action": chat.ActionUnsubscribeGroup})
	f := next(t, b)
	assert.Equal(t, chat.ActionError, f["action"])
	assert.Equal(t, "invalid_frame", f["code"])
	assert.Equal(t, chat.StateActive, b.State())
}

func TestSendPersistFailureHidesStorageDetail(t *testing.T) {
	hub, fs := newTestHub(t, "alice", "bob")
	a := connect(t, hub, "alice")
	fs.failPersist.Store(true)

	sendFrame(t, a, text("bob", "hi"))
	f := next(t, a)
	assert.Equal(t, "persistence_error", f["code"])
	assert.Equal(t, chat.ErrPersistence.Error(), f["message"])
	assert.NotContains(t, f["message"], errDiskFull.Error())
}

func TestLeaveNotifiesLeaverAndRemainingSubscribers(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	a := connect(t, hub, "alice")
	b1 := connect(t, hub, "bob")
	b2 := connect(t, hub, "bob")
	sendFrame(t, a, joinFrame(gid))
	sendFrame(t, b1, joinFrame(gid))
	drain(a)
	drain(b1)

	n, err := hub.Lifecycle.HandleLeave(ctx, "bob", gid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, c := range []*chat.Client{b1, b2} {
		f := next(t, c)
		assert.Equal(t, chat.ActionGroupQuit, f["action"])
		assert.Equal(t, true, f["self"])
		assert.Equal(t, chat.QuitLeft, f["reason"])
		expectNone(t, c)
	}
	f := next(t, a)
	assert.Equal(t, chat.ActionGroupQuit, f["action"])
	assert.Equal(t, "bob", f["userId"])
	assert.Nil(t, f["self"])
	assert.Empty(t, b1.Subscriptions())

	// Leaving again changes nothing and broadcasts nothing.
	_, err = hub.Lifecycle.HandleLeave(ctx, "bob", gid)
	require.NoError(t, err)
	expectNone(t, a)
	expectNone(t, b1)
}

func TestRemoveMemberByOwner(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob", "carol")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	a := connect(t, hub, "alice")
	b := connect(t, hub, "bob")
	c := connect(t, hub, "carol")
	for _, conn := range []*chat.Client{a, b, c} {
		sendFrame(t, conn, joinFrame(gid))
	}
	for _, conn := range []*chat.Client{a, b, c} {
		drain(conn)
	}

	_, err := hub.Lifecycle.HandleRemove(ctx, "bob", gid, "carol")
	assert.ErrorIs(t, err, chat.ErrForbidden)
	for _, conn := range []*chat.Client{a, b, c} {
		expectNone(t, conn)
	}
	assert.True(t, hub.Index.IsMember(ctx, "carol", gid))

	_, err = hub.Lifecycle.HandleRemove(ctx, "alice", gid, "carol")
	require.NoError(t, err)

	f := next(t, c)
	assert.Equal(t, chat.QuitRemoved, f["reason"])
	assert.Equal(t, true, f["self"])
	for _, conn := range []*chat.Client{a, b} {
		f := next(t, conn)
		assert.Equal(t, "carol", f["userId"])
		assert.Equal(t, float64(2), f["memberCount"])
	}

	_, err = hub.Router.Send(ctx, "carol", gid, chat.TextPayload{Content: "still here?"})
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
}

func TestDismissNotifiesEveryConnectionOfEveryMember(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob", "carol", "dave")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)
	for _, id := range []chat.Identity{"bob", "carol"} {
		_, err := hub.Lifecycle.HandleJoin(ctx, id, gid, nil)
		require.NoError(t, err)
	}

	a := connect(t, hub, "alice")
	b := connect(t, hub, "bob")
	bOther := connect(t, hub, "bob") // never subscribed
	c := connect(t, hub, "carol")
	d := connect(t, hub, "dave")
	sendFrame(t, a, joinFrame(gid))
	sendFrame(t, b, joinFrame(gid))

	_, err := hub.Lifecycle.HandleDismiss(ctx, "bob", gid)
	assert.ErrorIs(t, err, chat.ErrForbidden)
	for _, conn := range []*chat.Client{a, b, bOther, c, d} {
		expectNone(t, conn)
	}

	members, err := hub.Lifecycle.HandleDismiss(ctx, "alice", gid)
	require.NoError(t, err)
	assert.Equal(t, []chat.Identity{"alice", "bob", "carol"}, members)

	for _, conn := range []*chat.Client{a, b, bOther, c} {
		f := next(t, conn)
		assert.Equal(t, chat.ActionGroupDismissed, f["action"])
		assert.Equal(t, gid, f["groupId"])
		expectNone(t, conn)
	}
	expectNone(t, d)

	assert.Empty(t, hub.Index.MembersOf(ctx, gid))
	assert.Empty(t, hub.Registry.Subscribers(gid))

	_, err = hub.Router.Send(ctx, "alice", gid, chat.TextPayload{Content: "hello?"})
	assert.ErrorIs(t, err, chat.ErrGroupUnavailable)

	_, err = hub.Lifecycle.HandleJoin(ctx, "dave", gid, d)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

// A send racing a dismiss either lands completely before group_dismissed on
// every subscribed connection, or fails with ErrGroupUnavailable and reaches
// nobody.
func TestDismissRacingSend(t *testing.T) {
	for i := 0; i < 50; i++ {
		hub, fs := newTestHub(t, "owner", "member")
		ctx := context.Background()
		gid := mustCreate(t, hub, "owner", chat.AddModeOpen)

		o := connect(t, hub, "owner")
		m := connect(t, hub, "member")
		sendFrame(t, o, joinFrame(gid))
		sendFrame(t, m, joinFrame(gid))
		drain(o)
		drain(m)

		var (
			wg      sync.WaitGroup
			sendErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, sendErr = hub.Router.Send(ctx, "member", gid, chat.TextPayload{Content: "last words"})
		}()
		go func() {
			defer wg.Done()
			_, err := hub.Lifecycle.HandleDismiss(ctx, "owner", gid)
			assert.NoError(t, err)
		}()
		wg.Wait()

		delivered := sendErr == nil
		if !delivered {
			require.True(t, errors.Is(sendErr, chat.ErrGroupUnavailable), "unexpected send error: %v", sendErr)
			assert.Empty(t, fs.Messages())
		} else {
			assert.Len(t, fs.Messages(), 1)
		}

		for _, c := range []*chat.Client{o, m} {
			if delivered {
				f := next(t, c)
				assert.Equal(t, "last words", f["content"])
			}
			f := next(t, c)
			assert.Equal(t, chat.ActionGroupDismissed, f["action"])
			expectNone(t, c)
		}
	}
}

func TestApprovalModeJoinAndOwnerApproval(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeApproval)

	a := connect(t, hub, "alice")
	b := connect(t, hub, "bob")
	sendFrame(t, a, joinFrame(gid))

	sendFrame(t, b, joinFrame(gid))
	f := next(t, b)
	assert.Equal(t, chat.ActionError, f["action"])
	assert.Equal(t, "forbidden", f["code"])
	assert.Equal(t, gid, f["groupId"])
	assert.Empty(t, b.Subscriptions())
	expectNone(t, a)

	n, err := hub.Lifecycle.HandleApprove(ctx, "alice", gid, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f = next(t, a)
	assert.Equal(t, chat.ActionGroupJoin, f["action"])
	assert.Equal(t, "bob", f["userId"])

	sendFrame(t, b, joinFrame(gid))
	assert.Equal(t, []string{gid}, b.Subscriptions())
	expectNone(t, a)
}

func TestUpdateBroadcastsToSubscribers(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	b := connect(t, hub, "bob")
	sendFrame(t, b, joinFrame(gid))
	drain(b)

	name := "renamed"
	_, err := hub.Lifecycle.HandleUpdate(ctx, "bob", gid, chat.GroupPatch{Name: &name})
	assert.ErrorIs(t, err, chat.ErrForbidden)
	expectNone(t, b)

	g, err := hub.Lifecycle.HandleUpdate(ctx, "alice", gid, chat.GroupPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", g.Name)

	f := next(t, b)
	assert.Equal(t, chat.ActionGroupUpdated, f["action"])
	assert.Equal(t, "renamed", f["name"])
	assert.Equal(t, float64(chat.AddModeOpen), f["addMode"])
}

func TestMutationPersistFailureBroadcastsNothing(t *testing.T) {
	hub, fs := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	a := connect(t, hub, "alice")
	sendFrame(t, a, joinFrame(gid))
	fs.failMembers.Store(true)

	_, err := hub.Lifecycle.HandleJoin(ctx, "bob", gid, nil)
	assert.ErrorIs(t, err, chat.ErrPersistence)
	assert.False(t, hub.Index.IsMember(ctx, "bob", gid))

	_, err = hub.Lifecycle.HandleDismiss(ctx, "alice", gid)
	assert.ErrorIs(t, err, chat.ErrPersistence)
	assert.True(t, hub.Index.IsMember(ctx, "alice", gid))
	expectNone(t, a)
}
