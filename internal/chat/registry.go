package chat

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 32

type clientSet map[*Client]struct{}

type registryShard struct {
	mu   sync.RWMutex
	sets map[string]clientSet
}

func newShards() [registryShards]*registryShard {
	var out [registryShards]*registryShard
	for i := range out {
		out[i] = &registryShard{sets: make(map[string]clientSet)}
	}
	return out
}

func shardFor(shards *[registryShards]*registryShard, key string) *registryShard {
	return shards[xxhash.Sum64String(key)%registryShards]
}

// add reports whether key went from empty to non-empty.
func (s *registryShard) add(key string, c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(clientSet)
		s.sets[key] = set
	}
	set[c] = struct{}{}
	return !ok
}

// remove reports whether key became empty.
func (s *registryShard) remove(key string, c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	if _, present := set[c]; !present {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.sets, key)
		return true
	}
	return false
}

func (s *registryShard) list(key string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (s *registryShard) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.sets {
		n += len(set)
	}
	return n
}

// Registry maps identities to their live connections and groups to the
// connections subscribed to them. Both indexes are sharded by key.
type Registry struct {
	byIdentity [registryShards]*registryShard
	byGroup    [registryShards]*registryShard
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: newShards(),
		byGroup:    newShards(),
	}
}

// Register adds c under its identity and reports whether it is the
// identity's first live connection.
func (r *Registry) Register(c *Client) bool {
	return shardFor(&r.byIdentity, string(c.Identity)).add(string(c.Identity), c)
}

// Unregister removes c and every subscription it holds. It reports whether
// the identity has no live connection left.
func (r *Registry) Unregister(c *Client) bool {
	for _, groupID := range c.dropSubscriptions() {
		shardFor(&r.byGroup, groupID).remove(groupID, c)
	}
	return shardFor(&r.byIdentity, string(c.Identity)).remove(string(c.Identity), c)
}

// ConnectionsFor is empty for offline identities.
func (r *Registry) ConnectionsFor(id Identity) []*Client {
	return shardFor(&r.byIdentity, string(id)).list(string(id))
}

// Subscribe binds c to groupID fan-out. Closed connections are ignored.
func (r *Registry) Subscribe(c *Client, groupID string) bool {
	if !c.addSubscription(groupID) {
		return false
	}
	shardFor(&r.byGroup, groupID).add(groupID, c)
	// Unregister may have run between addSubscription and add.
	if c.isClosed() {
		shardFor(&r.byGroup, groupID).remove(groupID, c)
		return false
	}
	return true
}

func (r *Registry) Unsubscribe(c *Client, groupID string) {
	c.removeSubscription(groupID)
	shardFor(&r.byGroup, groupID).remove(groupID, c)
}

// Subscribers lists the connections subscribed to groupID.
func (r *Registry) Subscribers(groupID string) []*Client {
	return shardFor(&r.byGroup, groupID).list(groupID)
}

// Count is the number of live connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.byIdentity {
		n += s.count()
	}
	return n
}

// All snapshots every live connection.
func (r *Registry) All() []*Client {
	var out []*Client
	for _, s := range r.byIdentity {
		s.mu.RLock()
		for _, set := range s.sets {
			for c := range set {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
