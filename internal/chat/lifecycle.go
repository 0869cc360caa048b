package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Coordinator applies membership changes and pushes the system notifications
// that go with them. Each change and its broadcast happen under the group's
// write lock, so no chat message for the group can interleave with them.
// Failed changes broadcast nothing.
type Coordinator struct {
	hub *Hub
}

func (co *Coordinator) HandleCreate(ctx context.Context, owner Identity, name, notice string, mode AddMode) (Group, error) {
	g, err := co.hub.Index.Create(ctx, owner, name, notice, mode)
	if err != nil {
		return Group{}, err
	}
	co.hub.log.Info("group created",
		zap.String("group", g.ID),
		zap.String("owner", string(owner)))
	return g, nil
}

// HandleJoin makes id a member (if it is not one already) and, when conn is
// given, subscribes that connection to the group. group_join is broadcast
// only when membership actually changed.
func (co *Coordinator) HandleJoin(ctx context.Context, id Identity, groupID string, conn *Client) (int, error) {
	if conn != nil && conn.Identity != id {
		return 0, fmt.Errorf("%w: connection belongs to %s", ErrForbidden, conn.Identity)
	}
	e, err := co.hub.Index.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	n, joined, err := co.hub.Index.joinLocked(ctx, e, id)
	if err != nil {
		return n, err
	}
	if conn != nil {
		co.hub.Registry.Subscribe(conn, groupID)
	}
	if joined {
		co.notify(co.hub.Router.subscribersOf(e), SystemFrame{
			Action:      ActionGroupJoin,
			GroupID:     groupID,
			UserID:      id,
			MemberCount: n,
		})
	}
	return n, nil
}

// HandleApprove is the owner adding target to the group.
func (co *Coordinator) HandleApprove(ctx context.Context, owner Identity, groupID string, target Identity) (int, error) {
	e, err := co.hub.Index.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	n, joined, err := co.hub.Index.approveLocked(ctx, e, owner, target)
	if err != nil {
		return n, err
	}
	if joined {
		co.notify(co.hub.Router.subscribersOf(e), SystemFrame{
			Action:      ActionGroupJoin,
			GroupID:     groupID,
			UserID:      target,
			MemberCount: n,
		})
	}
	return n, nil
}

func (co *Coordinator) HandleLeave(ctx context.Context, id Identity, groupID string) (int, error) {
	e, err := co.hub.Index.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	n, left, err := co.hub.Index.leaveLocked(ctx, e, id)
	if err != nil || !left {
		return n, err
	}
	co.quit(e, id, n, QuitLeft)
	return n, nil
}

func (co *Coordinator) HandleRemove(ctx context.Context, actor Identity, groupID string, target Identity) (int, error) {
	e, err := co.hub.Index.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	n, err := co.hub.Index.removeLocked(ctx, e, actor, target)
	if err != nil {
		return n, err
	}
	co.quit(e, target, n, QuitRemoved)
	return n, nil
}

// quit unsubscribes the departed identity's connections, confirms to them
// and tells the remaining subscribers. The caller holds e.mu.
func (co *Coordinator) quit(e *groupEntry, id Identity, n int, reason string) {
	groupID := e.group.ID
	own := co.hub.Registry.ConnectionsFor(id)
	for _, c := range own {
		co.hub.Registry.Unsubscribe(c, groupID)
	}
	co.notify(own, SystemFrame{
		Action:      ActionGroupQuit,
		GroupID:     groupID,
		UserID:      id,
		MemberCount: n,
		Reason:      reason,
		Self:        true,
	})
	co.notify(co.hub.Router.subscribersOf(e), SystemFrame{
		Action:      ActionGroupQuit,
		GroupID:     groupID,
		UserID:      id,
		MemberCount: n,
		Reason:      reason,
	})
}

// HandleDismiss ends the group and notifies every live connection of every
// identity that was a member, subscribed or not.
func (co *Coordinator) HandleDismiss(ctx context.Context, actor Identity, groupID string) ([]Identity, error) {
	e, err := co.hub.Index.lock(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	members, err := co.hub.Index.dismissLocked(ctx, e, actor)
	if err != nil {
		return nil, err
	}
	for _, c := range co.hub.Registry.Subscribers(groupID) {
		co.hub.Registry.Unsubscribe(c, groupID)
	}
	delivered := co.notify(co.hub.Router.connectionsOf(members), SystemFrame{
		Action:  ActionGroupDismissed,
		GroupID: groupID,
	})
	co.hub.log.Info("group dismissed",
		zap.String("group", groupID),
		zap.Int("members", len(members)),
		zap.Int("notified", delivered))
	return members, nil
}

func (co *Coordinator) HandleUpdate(ctx context.Context, actor Identity, groupID string, patch GroupPatch) (Group, error) {
	e, err := co.hub.Index.lock(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	defer e.mu.Unlock()

	g, err := co.hub.Index.updateLocked(ctx, e, actor, patch)
	if err != nil {
		return Group{}, err
	}
	mode := g.AddMode
	co.notify(co.hub.Router.subscribersOf(e), SystemFrame{
		Action:  ActionGroupUpdated,
		GroupID: groupID,
		Name:    g.Name,
		Notice:  g.Notice,
		AddMode: &mode,
	})
	return g, nil
}

// notify delivers a system frame and returns how many connections took it.
func (co *Coordinator) notify(clients []*Client, f SystemFrame) int {
	if len(clients) == 0 {
		return 0
	}
	raw, err := json.Marshal(f)
	if err != nil {
		co.hub.log.Error("encode system frame", zap.String("action", f.Action), zap.Error(err))
		return 0
	}
	var report DeliveryReport
	co.hub.Router.deliver(clients, raw, &report)
	co.hub.metrics.LifecycleEvents.WithLabelValues(f.Action).Inc()
	return report.Attempted - report.Dropped
}
