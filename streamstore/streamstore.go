// Package streamstore holds one port's ordered collection of stream
// configurations, tracking a dirty flag that the transmit engine consults
// to decide whether the send queue needs to be rebuilt. The dirty-on-write,
// clear-on-rebuild shape follows the current/previous swap idiom used
// elsewhere in this codebase's ancestry for cheap, lock-protected snapshots.
package streamstore

import (
	"sort"
	"sync"

	"github.com/ostinato-go/drone/streamconfig"
)

// Store is a per-port map of StreamId to StreamConfig plus a dirty flag.
// All mutation and the ordered-view computation happen under a single
// mutex: one exclusive lock per port.
type Store struct {
	mu      sync.Mutex
	streams map[streamconfig.StreamId]*streamconfig.StreamConfig
	dirty   bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{streams: make(map[streamconfig.StreamId]*streamconfig.StreamConfig)}
}

// Add appends a new stream. It fails silently (returns false) if the id
// already exists.
func (s *Store) Add(cfg *streamconfig.StreamConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[cfg.Id]; exists {
		return false
	}
	s.streams[cfg.Id] = cfg.Clone()
	s.dirty = true
	return true
}

// Delete removes a stream. It fails silently (returns false) if the id is
// absent.
func (s *Store) Delete(id streamconfig.StreamId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[id]; !exists {
		return false
	}
	delete(s.streams, id)
	s.dirty = true
	return true
}

// Modify deep-merges the fields selected by mask from patch into the
// existing stream with id, leaving absent fields unchanged. It returns
// false if the id is absent.
func (s *Store) Modify(id streamconfig.StreamId, patch *streamconfig.StreamConfig, mask streamconfig.FieldMask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.streams[id]
	if !ok {
		return false
	}
	s.streams[id] = existing.Merge(patch, mask)
	s.dirty = true
	return true
}

// Get returns a copy of the stream with id, or nil if absent.
func (s *Store) Get(id streamconfig.StreamId) (*streamconfig.StreamConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.streams[id]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Ids returns every configured StreamId, in no particular order.
func (s *Store) Ids() []streamconfig.StreamId {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]streamconfig.StreamId, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// Ordered returns copies of every stream sorted by ascending Ordinal,
// the order the transmit engine expands into bursts.
func (s *Store) Ordered() []*streamconfig.StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*streamconfig.StreamConfig, 0, len(s.streams))
	for _, cfg := range s.streams {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Dirty reports whether the store has been mutated since the last
// ClearDirty call.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ClearDirty clears the dirty flag. The transmit engine calls this once a
// rebuild has incorporated every current stream.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}
