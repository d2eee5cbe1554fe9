// Package directory maps identities to their live connection handles.
package directory

import (
	"hash/fnv"
	"sync"
)

const DefaultShards = 16

// Handle is a live connection that can receive encoded frames.
type Handle interface {
	ID() string
	Deliver(data []byte) error
}

type identityShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]Handle // identity -> handle id -> handle
}

type ownerShard struct {
	mu     sync.Mutex
	owners map[string]string // handle id -> identity
}

// Directory is safe for concurrent use. Per-handle operations hold the
// handle's owner shard lock first and identity shard locks second.
type Directory struct {
	identities []*identityShard
	owners     []*ownerShard
}

func New(shards int) *Directory {
	if shards <= 0 {
		shards = DefaultShards
	}
	d := &Directory{
		identities: make([]*identityShard, shards),
		owners:     make([]*ownerShard, shards),
	}
	for i := 0; i < shards; i++ {
		d.identities[i] = &identityShard{conns: make(map[string]map[string]Handle)}
		d.owners[i] = &ownerShard{owners: make(map[string]string)}
	}
	return d
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (d *Directory) shardFor(identity string) *identityShard {
	return d.identities[shardIndex(identity, len(d.identities))]
}

func (d *Directory) ownerFor(handleID string) *ownerShard {
	return d.owners[shardIndex(handleID, len(d.owners))]
}

// Bind records that h belongs to identity. When h was bound to another
// identity it is moved, and vacated reports whether that previous identity
// lost its last connection.
func (d *Directory) Bind(identity string, h Handle) (previous string, vacated bool) {
	own := d.ownerFor(h.ID())
	own.mu.Lock()
	defer own.mu.Unlock()

	previous, bound := own.owners[h.ID()]
	if bound && previous == identity {
		return "", false
	}
	if bound {
		vacated = d.remove(previous, h.ID())
	} else {
		previous = ""
	}

	s := d.shardFor(identity)
	s.mu.Lock()
	set, ok := s.conns[identity]
	if !ok {
		set = make(map[string]Handle)
		s.conns[identity] = set
	}
	set[h.ID()] = h
	s.mu.Unlock()

	own.owners[h.ID()] = identity
	return previous, vacated
}

// Unbind removes h from the identity it is bound to. It is a no-op for an
// unbound handle.
func (d *Directory) Unbind(h Handle) (identity string, vacated bool) {
	own := d.ownerFor(h.ID())
	own.mu.Lock()
	defer own.mu.Unlock()

	identity, ok := own.owners[h.ID()]
	if !ok {
		return "", false
	}
	delete(own.owners, h.ID())
	return identity, d.remove(identity, h.ID())
}

// remove drops the handle from the identity's set and reports whether the
// set became empty.
func (d *Directory) remove(identity, handleID string) bool {
	s := d.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[identity]
	if !ok {
		return false
	}
	delete(set, handleID)
	if len(set) == 0 {
		delete(s.conns, identity)
		return true
	}
	return false
}

// ConnectionsFor returns a copy of the handles bound to identity.
func (d *Directory) ConnectionsFor(identity string) []Handle {
	s := d.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.conns[identity]
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

// Has reports whether at least one connection is bound to identity.
func (d *Directory) Has(identity string) bool {
	s := d.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[identity]) > 0
}

// identityOf returns the identity h is bound to.
func (d *Directory) identityOf(h Handle) (string, bool) {
	own := d.ownerFor(h.ID())
	own.mu.Lock()
	defer own.mu.Unlock()
	identity, ok := own.owners[h.ID()]
	return identity, ok
}

// size returns the number of identities with at least one connection.
func (d *Directory) size() int {
	n := 0
	for _, s := range d.identities {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}
