package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go-groupchat/internal/chat"
	"go-groupchat/internal/user"
)

// Memory keeps everything in process. It backs single-instance deployments
// without a database and doubles as the store in tests.
type Memory struct {
	mu        sync.RWMutex
	users     map[string]*user.User // by id
	usernames map[string]string     // username -> id
	groups    map[string]*chat.Group
	members   map[string]map[chat.Identity]struct{}
	messages  []*chat.Message
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*user.User),
		usernames: make(map[string]string),
		groups:    make(map[string]*chat.Group),
		members:   make(map[string]map[chat.Identity]struct{}),
	}
}

// AddIdentity registers a bare identity so direct messages and approvals
// can address it.
func (m *Memory) AddIdentity(ids ...chat.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.users[string(id)]; !ok {
			m.users[string(id)] = &user.User{ID: string(id), Username: string(id)}
		}
	}
}

func (m *Memory) CreateUser(_ context.Context, u *user.User) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.usernames[u.Username]; taken {
		return nil, user.ErrUsernameTaken
	}
	cp := *u
	m.users[u.ID] = &cp
	m.usernames[u.Username] = u.ID
	return u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *Memory) SearchUsers(_ context.Context, query string) ([]user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	out := []user.User{}
	for name, id := range m.usernames {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, user.User{ID: id, Username: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}

func (m *Memory) PersistMessage(_ context.Context, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) GetHistory(_ context.Context, viewer chat.Identity, target chat.Target, limit int) ([]*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*chat.Message
	for i := len(m.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		msg := m.messages[i]
		if msg.Target.Kind != target.Kind {
			continue
		}
		switch target.Kind {
		case chat.TargetGroup:
			if msg.Target.ID == target.ID {
				out = append(out, msg)
			}
		case chat.TargetDirect:
			peer := chat.Identity(target.ID)
			if (msg.Sender == viewer && chat.Identity(msg.Target.ID) == peer) ||
				(msg.Sender == peer && chat.Identity(msg.Target.ID) == viewer) {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// Messages returns everything persisted so far, oldest first.
func (m *Memory) Messages() []*chat.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*chat.Message(nil), m.messages...)
}

func (m *Memory) IdentityExists(_ context.Context, id chat.Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[string(id)]
	return ok, nil
}

func (m *Memory) GetGroup(_ context.Context, groupID string) (*chat.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	cp := *g
	cp.Members = make([]chat.Identity, 0, len(m.members[groupID]))
	for id := range m.members[groupID] {
		cp.Members = append(cp.Members, id)
	}
	sort.Slice(cp.Members, func(i, j int) bool { return cp.Members[i] < cp.Members[j] })
	return &cp, nil
}

func (m *Memory) CreateGroup(_ context.Context, g *chat.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	cp.Members = nil
	m.groups[g.ID] = &cp
	set := make(map[chat.Identity]struct{}, len(g.Members))
	for _, id := range g.Members {
		set[id] = struct{}{}
	}
	m.members[g.ID] = set
	return nil
}

func (m *Memory) UpdateGroup(_ context.Context, g *chat.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.groups[g.ID]
	if !ok {
		return chat.ErrNotFound
	}
	cur.Name, cur.Notice, cur.AddMode = g.Name, g.Notice, g.AddMode
	return nil
}

func (m *Memory) AddMember(_ context.Context, groupID string, id chat.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[groupID]
	if !ok {
		return chat.ErrNotFound
	}
	set[id] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, groupID string, id chat.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.members[groupID]; ok {
		delete(set, id)
	}
	return nil
}

func (m *Memory) DismissGroup(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return chat.ErrNotFound
	}
	g.Status = chat.GroupDismissed
	m.members[groupID] = make(map[chat.Identity]struct{})
	return nil
}
