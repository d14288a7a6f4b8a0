package server

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const registryShards = 32

// Member is anything the bus can deliver to. Sessions implement it.
type Member interface {
	OnBusEvent(ev chat.Event) error
	Close()
}

type memberEntry struct {
	member Member
	seq    uint64
}

// group holds the live members of one group key. publishMu admits one
// publish at a time; pending counts publishes that still hold the group so
// it is not pruned underneath them.
type group struct {
	key       string
	members   map[string]memberEntry
	pending   int
	publishMu sync.Mutex
}

type shard struct {
	mu     sync.Mutex
	groups map[string]*group
	seq    uint64
}

// Registry maps connection IDs to groups. Groups are spread over shards by
// key so operations on different groups rarely contend; operations on the
// same group are serialized by its shard lock.
type Registry struct {
	shards [registryShards]*shard

	// index maps connection ID to group key. It is only written while the
	// shard lock of that group is held.
	index sync.Map
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[string]*group)}
	}
	return r
}

func (r *Registry) shardFor(groupKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupKey))
	return r.shards[h.Sum32()%registryShards]
}

// Register adds connID to groupKey. A connection belongs to one group at a
// time; registering it again without Deregister fails with
// chat.ErrAlreadyRegistered.
func (r *Registry) Register(connID, groupKey string, m Member) error {
	s := r.shardFor(groupKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, loaded := r.index.LoadOrStore(connID, groupKey); loaded {
		return fmt.Errorf("%w: connection %s is in %s", chat.ErrAlreadyRegistered, connID, existing)
	}

	g, ok := s.groups[groupKey]
	if !ok {
		g = &group{key: groupKey, members: make(map[string]memberEntry)}
		s.groups[groupKey] = g
	}
	s.seq++
	g.members[connID] = memberEntry{member: m, seq: s.seq}
	return nil
}

// Deregister removes connID from its group and reports whether it was
// registered. Unknown connections are a no-op.
func (r *Registry) Deregister(connID string) bool {
	v, ok := r.index.Load(connID)
	if !ok {
		return false
	}
	groupKey := v.(string)

	s := r.shardFor(groupKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent Deregister of the same connection may have won.
	if !r.index.CompareAndDelete(connID, groupKey) {
		return false
	}

	g, ok := s.groups[groupKey]
	if !ok {
		return true
	}
	delete(g.members, connID)
	s.pruneLocked(g)
	return true
}

// MembersOf returns a snapshot of the group's members in registration order.
func (r *Registry) MembersOf(groupKey string) []Member {
	s := r.shardFor(groupKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupKey]
	if !ok {
		return nil
	}
	return g.snapshotLocked()
}

// IDsOf returns the connection IDs currently in groupKey, sorted.
func (r *Registry) IDsOf(groupKey string) []string {
	s := r.shardFor(groupKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupKey]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupOf returns the group a connection is registered in.
func (r *Registry) GroupOf(connID string) (string, bool) {
	v, ok := r.index.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, g := range s.groups {
			n += len(g.members)
		}
		s.mu.Unlock()
	}
	return n
}

// GroupCount returns the number of groups currently held, including empty
// groups kept alive by an in-flight publish.
func (r *Registry) GroupCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.groups)
		s.mu.Unlock()
	}
	return n
}

// all snapshots every member across all groups.
func (r *Registry) all() []Member {
	var members []Member
	for _, s := range r.shards {
		s.mu.Lock()
		for _, g := range s.groups {
			members = append(members, g.snapshotLocked()...)
		}
		s.mu.Unlock()
	}
	return members
}

// acquire pins the group for a publish. It returns nil when the group has no
// record, which means it has no members.
func (r *Registry) acquire(groupKey string) *group {
	s := r.shardFor(groupKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupKey]
	if !ok {
		return nil
	}
	g.pending++
	return g
}

func (r *Registry) release(g *group) {
	s := r.shardFor(g.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	g.pending--
	s.pruneLocked(g)
}

// snapshot copies the members under the shard lock.
func (r *Registry) snapshot(g *group) []Member {
	s := r.shardFor(g.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return g.snapshotLocked()
}

func (s *shard) pruneLocked(g *group) {
	if len(g.members) > 0 || g.pending > 0 {
		return
	}
	if cur, ok := s.groups[g.key]; ok && cur == g {
		delete(s.groups, g.key)
	}
}

func (g *group) snapshotLocked() []Member {
	entries := make([]memberEntry, 0, len(g.members))
	for _, e := range g.members {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	members := make([]Member, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members
}
