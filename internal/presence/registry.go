// Package presence keeps the set of identities that currently have at least
// one bound connection.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
)

const DefaultShards = 16

// Referencer reports whether any live connection is bound to an identity.
type Referencer interface {
	Has(identity string) bool
}

// Observer is notified of presence changes. It is called while the
// identity's shard lock is held and must not block.
type Observer interface {
	PresenceChanged(identity string, online bool)
}

type shard struct {
	mu         sync.RWMutex
	identities map[string]struct{}
}

// Registry is a sharded set of online identities. Register and Unregister
// consult the Referencer under the shard lock, so the outcome for an
// identity always agrees with the latest directory state it observed.
type Registry struct {
	shards   []*shard
	refs     Referencer
	observer Observer
}

type Option func(*Registry)

func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates a registry. With a nil Referencer every Register adds
// and every Unregister removes.
func NewRegistry(shards int, refs Referencer, opts ...Option) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, shards),
		refs:   refs,
	}
	for i := range r.shards {
		r.shards[i] = &shard{identities: make(map[string]struct{})}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register marks identity online if a connection references it. It reports
// whether the identity was newly added.
func (r *Registry) Register(identity string) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identity]; ok {
		return false
	}
	if r.refs != nil && !r.refs.Has(identity) {
		return false
	}
	s.identities[identity] = struct{}{}
	if r.observer != nil {
		r.observer.PresenceChanged(identity, true)
	}
	return true
}

// Unregister removes identity unless a connection still references it. It
// reports whether the identity was removed.
func (r *Registry) Unregister(identity string) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identity]; !ok {
		return false
	}
	if r.refs != nil && r.refs.Has(identity) {
		return false
	}
	delete(s.identities, identity)
	if r.observer != nil {
		r.observer.PresenceChanged(identity, false)
	}
	return true
}

func (r *Registry) contains(identity string) bool {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identities[identity]
	return ok
}

// Snapshot returns the sorted online identities. All shards are read-locked
// together so the result is a single point-in-time view.
func (r *Registry) Snapshot() []string {
	for _, s := range r.shards {
		s.mu.RLock()
	}
	out := make([]string, 0)
	for _, s := range r.shards {
		for identity := range s.identities {
			out = append(out, identity)
		}
	}
	for _, s := range r.shards {
		s.mu.RUnlock()
	}

	sort.Strings(out)
	return out
}

func (r *Registry) size() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.identities)
		s.mu.RUnlock()
	}
	return n
}
