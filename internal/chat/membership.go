package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// groupEntry is the cached state of one group. mu serializes every
// membership mutation of the group together with the broadcasts it causes,
// and is held for reading while a message to the group is routed.
type groupEntry struct {
	mu        sync.RWMutex
	group     Group
	members   map[Identity]struct{}
	dismissed bool
}

func newEntry(g *Group) *groupEntry {
	e := &groupEntry{
		group:     *g,
		members:   make(map[Identity]struct{}, len(g.Members)),
		dismissed: g.Status == GroupDismissed,
	}
	e.group.Members = nil
	if !e.dismissed {
		for _, m := range g.Members {
			e.members[m] = struct{}{}
		}
	}
	return e
}

func (e *groupEntry) isMember(id Identity) bool {
	_, ok := e.members[id]
	return ok
}

func (e *groupEntry) memberList() []Identity {
	out := make([]Identity, 0, len(e.members))
	for m := range e.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *groupEntry) snapshot() Group {
	g := e.group
	g.Members = e.memberList()
	return g
}

type identityShard struct {
	mu     sync.RWMutex
	groups map[Identity]map[string]struct{}
}

// Index is the group membership index: group -> members and identity -> groups.
// Both directions are updated under the group's lock so they never diverge.
type Index struct {
	repo Repository

	mu     sync.RWMutex
	groups map[string]*groupEntry

	byIdentity [registryShards]*identityShard
}

func NewIndex(repo Repository) *Index {
	ix := &Index{
		repo:   repo,
		groups: make(map[string]*groupEntry),
	}
	for i := range ix.byIdentity {
		ix.byIdentity[i] = &identityShard{groups: make(map[Identity]map[string]struct{})}
	}
	return ix
}

func (ix *Index) identityShard(id Identity) *identityShard {
	return ix.byIdentity[xxhash.Sum64String(string(id))%registryShards]
}

func (ix *Index) linkIdentity(id Identity, groupID string) {
	s := ix.identityShard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.groups[id]
	if !ok {
		set = make(map[string]struct{})
		s.groups[id] = set
	}
	set[groupID] = struct{}{}
}

func (ix *Index) unlinkIdentity(id Identity, groupID string) {
	s := ix.identityShard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.groups[id]; ok {
		delete(set, groupID)
		if len(set) == 0 {
			delete(s.groups, id)
		}
	}
}

// entry returns the cached group, loading it from the repository on a miss.
func (ix *Index) entry(ctx context.Context, groupID string) (*groupEntry, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: empty group id", ErrNotFound)
	}
	ix.mu.RLock()
	e := ix.groups[groupID]
	ix.mu.RUnlock()
	if e != nil {
		return e, nil
	}

	g, err := ix.repo.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		return nil, fmt.Errorf("%w: load group %s: %v", ErrPersistence, groupID, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e := ix.groups[groupID]; e != nil {
		return e, nil
	}
	e = newEntry(g)
	ix.groups[groupID] = e
	for m := range e.members {
		ix.linkIdentity(m, groupID)
	}
	return e, nil
}

// lock returns the group write-locked. The caller must unlock e.mu.
func (ix *Index) lock(ctx context.Context, groupID string) (*groupEntry, error) {
	e, err := ix.entry(ctx, groupID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	return e, nil
}

// rlock returns the group read-locked. The caller must RUnlock e.mu.
func (ix *Index) rlock(ctx context.Context, groupID string) (*groupEntry, error) {
	e, err := ix.entry(ctx, groupID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	return e, nil
}

// IsGroup reports whether groupID names a group, dismissed or not.
func (ix *Index) IsGroup(ctx context.Context, groupID string) (bool, error) {
	_, err := ix.entry(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Create stores a new group owned by owner, who becomes its first member.
func (ix *Index) Create(ctx context.Context, owner Identity, name, notice string, mode AddMode) (Group, error) {
	name = strings.TrimSpace(name)
	if owner == "" {
		return Group{}, ErrUnauthorized
	}
	if name == "" {
		return Group{}, fmt.Errorf("%w: group name is required", ErrInvalidArgument)
	}
	if mode != AddModeOpen && mode != AddModeApproval {
		return Group{}, fmt.Errorf("%w: unknown add mode %d", ErrInvalidArgument, mode)
	}
	g := &Group{
		ID:        NewID(GroupIDPrefix),
		Name:      name,
		Notice:    notice,
		OwnerID:   owner,
		AddMode:   mode,
		Status:    GroupActive,
		Members:   []Identity{owner},
		CreatedAt: time.Now(),
	}
	if err := ix.repo.CreateGroup(ctx, g); err != nil {
		return Group{}, fmt.Errorf("%w: create group: %v", ErrPersistence, err)
	}

	ix.mu.Lock()
	ix.groups[g.ID] = newEntry(g)
	ix.mu.Unlock()
	ix.linkIdentity(owner, g.ID)
	return *g, nil
}

func (ix *Index) addLocked(ctx context.Context, e *groupEntry, id Identity) (int, bool, error) {
	if e.isMember(id) {
		return len(e.members), false, nil
	}
	if err := ix.repo.AddMember(ctx, e.group.ID, id); err != nil {
		return len(e.members), false, fmt.Errorf("%w: add member: %v", ErrPersistence, err)
	}
	e.members[id] = struct{}{}
	ix.linkIdentity(id, e.group.ID)
	return len(e.members), true, nil
}

// joinLocked enforces the add mode and reports whether membership changed.
func (ix *Index) joinLocked(ctx context.Context, e *groupEntry, id Identity) (int, bool, error) {
	if e.dismissed {
		return 0, false, fmt.Errorf("%w: group %s", ErrNotFound, e.group.ID)
	}
	if id == "" {
		return 0, false, ErrUnauthorized
	}
	if !e.isMember(id) && e.group.AddMode == AddModeApproval && id != e.group.OwnerID {
		return len(e.members), false, fmt.Errorf("%w: group %s requires owner approval", ErrForbidden, e.group.ID)
	}
	return ix.addLocked(ctx, e, id)
}

func (ix *Index) approveLocked(ctx context.Context, e *groupEntry, actor, target Identity) (int, bool, error) {
	if e.dismissed {
		return 0, false, fmt.Errorf("%w: group %s", ErrNotFound, e.group.ID)
	}
	if actor != e.group.OwnerID {
		return len(e.members), false, fmt.Errorf("%w: only the owner can add members", ErrForbidden)
	}
	exists, err := ix.repo.IdentityExists(ctx, target)
	if err != nil {
		return len(e.members), false, fmt.Errorf("%w: lookup user: %v", ErrPersistence, err)
	}
	if !exists {
		return len(e.members), false, fmt.Errorf("%w: user %s", ErrNotFound, target)
	}
	return ix.addLocked(ctx, e, target)
}

func (ix *Index) dropLocked(ctx context.Context, e *groupEntry, id Identity) error {
	if err := ix.repo.RemoveMember(ctx, e.group.ID, id); err != nil {
		return fmt.Errorf("%w: remove member: %v", ErrPersistence, err)
	}
	delete(e.members, id)
	ix.unlinkIdentity(id, e.group.ID)
	return nil
}

// leaveLocked reports whether membership changed. Owners cannot leave.
func (ix *Index) leaveLocked(ctx context.Context, e *groupEntry, id Identity) (int, bool, error) {
	if e.dismissed {
		return 0, false, fmt.Errorf("%w: group %s", ErrNotFound, e.group.ID)
	}
	if !e.isMember(id) {
		return len(e.members), false, nil
	}
	if id == e.group.OwnerID {
		return len(e.members), false, fmt.Errorf("%w: the owner must dismiss the group instead of leaving", ErrForbidden)
	}
	if err := ix.dropLocked(ctx, e, id); err != nil {
		return len(e.members), false, err
	}
	return len(e.members), true, nil
}

func (ix *Index) removeLocked(ctx context.Context, e *groupEntry, actor, target Identity) (int, error) {
	if e.dismissed {
		return 0, fmt.Errorf("%w: group %s", ErrNotFound, e.group.ID)
	}
	if actor != e.group.OwnerID {
		return len(e.members), fmt.Errorf("%w: only the owner can remove members", ErrForbidden)
	}
	if !e.isMember(target) {
		return len(e.members), fmt.Errorf("%w: %s is not a member of %s", ErrNotFound, target, e.group.ID)
	}
	if target == e.group.OwnerID {
		return len(e.members), fmt.Errorf("%w: the owner cannot be removed", ErrForbidden)
	}
	if err := ix.dropLocked(ctx, e, target); err != nil {
		return len(e.members), err
	}
	return len(e.members), nil
}

// dismissLocked marks the group terminal and returns who was a member.
func (ix *Index) dismissLocked(ctx context.Context, e *groupEntry, actor Identity) ([]Identity, error) {
	if e.dismissed {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, e.group.ID)
	}
	if actor != e.group.OwnerID {
		return nil, fmt.Errorf("%w: only the owner can dismiss the group", ErrForbidden)
	}
	if err := ix.repo.DismissGroup(ctx, e.group.ID); err != nil {
		return nil, fmt.Errorf("%w: dismiss group: %v", ErrPersistence, err)
	}
	members := e.memberList()
	for _, m := range members {
		ix.unlinkIdentity(m, e.group.ID)
	}
	e.members = make(map[Identity]struct{})
	e.dismissed = true
	e.group.Status = GroupDismissed
	return members, nil
}

func (ix *Index) updateLocked(ctx context.Context, e *groupEntry, actor Identity, patch GroupPatch) (Group, error) {
	if e.dismissed {
		return Group{}, fmt.Errorf("%w: group %s", ErrNotFound, e.group.ID)
	}
	if actor != e.group.OwnerID {
		return Group{}, fmt.Errorf("%w: only the owner can edit the group", ErrForbidden)
	}
	next := e.snapshot()
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Group{}, fmt.Errorf("%w: group name is required", ErrInvalidArgument)
		}
		next.Name = name
	}
	if patch.Notice != nil {
		next.Notice = *patch.Notice
	}
	if patch.AddMode != nil {
		if *patch.AddMode != AddModeOpen && *patch.AddMode != AddModeApproval {
			return Group{}, fmt.Errorf("%w: unknown add mode %d", ErrInvalidArgument, *patch.AddMode)
		}
		next.AddMode = *patch.AddMode
	}
	if err := ix.repo.UpdateGroup(ctx, &next); err != nil {
		return Group{}, fmt.Errorf("%w: update group: %v", ErrPersistence, err)
	}
	e.group.Name, e.group.Notice, e.group.AddMode = next.Name, next.Notice, next.AddMode
	return next, nil
}

// Join adds id to the group. Joining twice is a no-op.
func (ix *Index) Join(ctx context.Context, id Identity, groupID string) (int, error) {
	e, err := ix.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	n, _, err := ix.joinLocked(ctx, e, id)
	return n, err
}

// AddMember lets the owner add target regardless of the add mode.
func (ix *Index) AddMember(ctx context.Context, actor Identity, groupID string, target Identity) (int, error) {
	e, err := ix.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	n, _, err := ix.approveLocked(ctx, e, actor, target)
	return n, err
}

// Leave removes id from the group. Leaving a group one is not in is a no-op.
func (ix *Index) Leave(ctx context.Context, id Identity, groupID string) (int, error) {
	e, err := ix.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	n, _, err := ix.leaveLocked(ctx, e, id)
	return n, err
}

func (ix *Index) RemoveMember(ctx context.Context, actor Identity, groupID string, target Identity) (int, error) {
	e, err := ix.lock(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	return ix.removeLocked(ctx, e, actor, target)
}

// Dismiss ends the group and returns the members it had.
func (ix *Index) Dismiss(ctx context.Context, actor Identity, groupID string) ([]Identity, error) {
	e, err := ix.lock(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return ix.dismissLocked(ctx, e, actor)
}

func (ix *Index) Update(ctx context.Context, actor Identity, groupID string, patch GroupPatch) (Group, error) {
	e, err := ix.lock(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	defer e.mu.Unlock()
	return ix.updateLocked(ctx, e, actor, patch)
}

// MembersOf is empty for unknown and dismissed groups.
func (ix *Index) MembersOf(ctx context.Context, groupID string) []Identity {
	e, err := ix.rlock(ctx, groupID)
	if err != nil {
		return []Identity{}
	}
	defer e.mu.RUnlock()
	return e.memberList()
}

func (ix *Index) IsMember(ctx context.Context, id Identity, groupID string) bool {
	e, err := ix.rlock(ctx, groupID)
	if err != nil {
		return false
	}
	defer e.mu.RUnlock()
	return e.isMember(id)
}

// Group returns a snapshot of the group, including dismissed ones.
func (ix *Index) Group(ctx context.Context, groupID string) (Group, error) {
	e, err := ix.rlock(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	defer e.mu.RUnlock()
	return e.snapshot(), nil
}

// GroupsOf lists the cached groups id belongs to.
func (ix *Index) GroupsOf(id Identity) []string {
	s := ix.identityShard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups[id]))
	for g := range s.groups[id] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
