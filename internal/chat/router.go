package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Router persists messages and fans them out to live connections.
//
// A group message is routed while holding the group's read lock, so it is
// ordered against every membership change of that group: a concurrent
// Dismiss either happens first (the send fails with ErrGroupUnavailable) or
// after the message was enqueued to every recipient.
type Router struct {
	hub *Hub
}

// Resolve decides whether receiveID names a group or a user. Ids without
// the group prefix are direct targets and never hit the repository.
func (r *Router) Resolve(ctx context.Context, receiveID string) (Target, error) {
	if receiveID == "" {
		return Target{}, fmt.Errorf("%w: missing receiveId", ErrInvalidFrame)
	}
	if !strings.HasPrefix(receiveID, GroupIDPrefix) {
		return Target{Kind: TargetDirect, ID: receiveID}, nil
	}
	isGroup, err := r.hub.Index.IsGroup(ctx, receiveID)
	if err != nil {
		return Target{}, err
	}
	if isGroup {
		return Target{Kind: TargetGroup, ID: receiveID}, nil
	}
	return Target{Kind: TargetDirect, ID: receiveID}, nil
}

// Send builds a message from sender to receiveID and routes it.
func (r *Router) Send(ctx context.Context, sender Identity, receiveID string, payload Payload) (DeliveryReport, error) {
	if sender == "" {
		return DeliveryReport{}, ErrUnauthorized
	}
	target, err := r.Resolve(ctx, receiveID)
	if err != nil {
		return DeliveryReport{}, err
	}
	return r.Route(ctx, NewMessage(sender, target, payload))
}

// Route persists msg and then delivers it to every recipient connection.
// Nothing is delivered unless persistence succeeded; failed deliveries drop
// the affected connection and never fail the call.
func (r *Router) Route(ctx context.Context, msg *Message) (DeliveryReport, error) {
	report := DeliveryReport{MessageID: msg.ID}
	if msg.Sender == "" {
		return report, ErrUnauthorized
	}
	if msg.Payload == nil {
		return report, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}

	switch msg.Target.Kind {
	case TargetGroup:
		return r.routeGroup(ctx, msg, report)
	case TargetDirect:
		return r.routeDirect(ctx, msg, report)
	default:
		return report, fmt.Errorf("%w: unknown target kind %d", ErrInvalidFrame, msg.Target.Kind)
	}
}

func (r *Router) routeGroup(ctx context.Context, msg *Message, report DeliveryReport) (DeliveryReport, error) {
	e, err := r.hub.Index.rlock(ctx, msg.Target.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return report, fmt.Errorf("%w: %v", ErrGroupUnavailable, err)
		}
		return report, err
	}
	defer e.mu.RUnlock()

	if e.dismissed {
		return report, fmt.Errorf("%w: group %s was dismissed", ErrGroupUnavailable, msg.Target.ID)
	}
	if !e.isMember(msg.Sender) {
		return report, fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, msg.Sender, msg.Target.ID)
	}
	if err := r.persist(ctx, msg); err != nil {
		return report, err
	}
	report.Persisted = true

	frame, err := encodeMessage(msg)
	if err != nil {
		return report, err
	}
	r.deliver(r.subscribersOf(e), frame, &report)
	r.hub.metrics.MessagesRouted.WithLabelValues("group").Inc()
	return report, nil
}

func (r *Router) routeDirect(ctx context.Context, msg *Message, report DeliveryReport) (DeliveryReport, error) {
	target := Identity(msg.Target.ID)
	if target == "" {
		return report, fmt.Errorf("%w: missing receiveId", ErrInvalidFrame)
	}
	exists, err := r.hub.repo.IdentityExists(ctx, target)
	if err != nil {
		return report, fmt.Errorf("%w: lookup user: %v", ErrPersistence, err)
	}
	if !exists {
		return report, fmt.Errorf("%w: user %s", ErrNotFound, target)
	}
	if err := r.persist(ctx, msg); err != nil {
		return report, err
	}
	report.Persisted = true

	frame, err := encodeMessage(msg)
	if err != nil {
		return report, err
	}
	recipients := r.hub.Registry.ConnectionsFor(target)
	if msg.Sender != target {
		recipients = append(recipients, r.hub.Registry.ConnectionsFor(msg.Sender)...)
	}
	r.deliver(recipients, frame, &report)
	r.hub.metrics.MessagesRouted.WithLabelValues("direct").Inc()
	return report, nil
}

func (r *Router) persist(ctx context.Context, msg *Message) error {
	if err := r.hub.repo.PersistMessage(ctx, msg); err != nil {
		r.hub.metrics.PersistFailures.Inc()
		r.hub.log.Error("persist message failed",
			zap.String("message", msg.ID),
			zap.String("sender", string(msg.Sender)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// subscribersOf lists connections subscribed to the group whose identity is
// still a member. The caller holds e.mu.
func (r *Router) subscribersOf(e *groupEntry) []*Client {
	subs := r.hub.Registry.Subscribers(e.group.ID)
	out := subs[:0]
	for _, c := range subs {
		if e.isMember(c.Identity) {
			out = append(out, c)
		}
	}
	return out
}

// connectionsOf lists every live connection of the given identities.
func (r *Router) connectionsOf(ids []Identity) []*Client {
	var out []*Client
	for _, id := range ids {
		out = append(out, r.hub.Registry.ConnectionsFor(id)...)
	}
	return out
}

// deliver enqueues frame once per distinct connection.
func (r *Router) deliver(clients []*Client, frame []byte, report *DeliveryReport) {
	seen := make(map[*Client]struct{}, len(clients))
	for _, c := range clients {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if c.isClosed() {
			continue
		}
		report.Attempted++
		if err := c.enqueue(frame); err != nil {
			report.Dropped++
			r.drop(c, err)
			continue
		}
		r.hub.metrics.Deliveries.Inc()
	}
}

func (r *Router) drop(c *Client, err error) {
	r.hub.metrics.DroppedClients.Inc()
	r.hub.log.Warn("dropping connection",
		zap.String("conn", c.ID),
		zap.String("identity", string(c.Identity)),
		zap.Error(err))
	r.hub.disconnect(c, err.Error())
}

// History returns up to limit messages between viewer and targetID, oldest first.
// Group history is only visible to current members.
func (r *Router) History(ctx context.Context, viewer Identity, targetID string, limit int) ([]ChatFrame, error) {
	if viewer == "" {
		return nil, ErrUnauthorized
	}
	cfg := r.hub.cfg
	if limit <= 0 {
		limit = cfg.HistoryLimit
	}
	if cfg.MaxHistory > 0 && limit > cfg.MaxHistory {
		limit = cfg.MaxHistory
	}

	target, err := r.Resolve(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Kind == TargetGroup && !r.hub.Index.IsMember(ctx, viewer, target.ID) {
		return nil, fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, viewer, target.ID)
	}

	msgs, err := r.hub.repo.GetHistory(ctx, viewer, target, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	out := make([]ChatFrame, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, chatFrameOf(msgs[i]))
	}
	return out, nil
}
