// Package store keeps loaded volumes in memory under opaque keys.
//
// Every operation takes the same lock: lookups update recency in the LRU
// list, so they are mutations too. Returned volumes are immutable and can be
// shared freely once the lock is released.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/lru"
	"github.com/rs/zerolog"

	"volumeqa/internal/models"
)

// Stats summarizes store occupancy.
type Stats struct {
	Volumes  int    `json:"volumes"`
	Bytes    uint64 `json:"bytes"`
	Capacity int    `json:"capacity"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for replacement and eviction events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.log = logger.With().Str("component", "store").Logger()
	}
}

// Store maps keys to volumes.
type Store struct {
	mu       sync.Mutex
	cache    *lru.Cache
	volumes  map[string]*models.Volume
	bytes    uint64
	capacity int
	log      zerolog.Logger
}

// New returns an empty store. A capacity <= 0 never evicts; a positive
// capacity drops the least recently used volume once it is exceeded.
func New(capacity int, opts ...Option) *Store {
	if capacity < 0 {
		capacity = 0
	}

	s := &Store{
		cache:    lru.New(capacity),
		volumes:  make(map[string]*models.Volume),
		capacity: capacity,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Called with s.mu held, both for explicit removal and for eviction.
	s.cache.OnEvicted = func(key lru.Key, value interface{}) {
		id := key.(string)
		vol := value.(*models.Volume)
		delete(s.volumes, id)
		s.bytes -= vol.SizeBytes()
	}
	return s
}

// Put builds a volume from raw samples and stores it under id, replacing
// any previous volume with the same key.
func (s *Store) Put(id string, raw []float64, shape models.Shape, source string, numFiles int) (*models.Volume, error) {
	vol, err := models.NewVolume(raw, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to build volume %s: %w", id, err)
	}
	vol.Source = source
	vol.NumFiles = numFiles

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.cache.Get(id); ok {
		s.bytes -= prev.(*models.Volume).SizeBytes()
		s.log.Debug().Str("id", id).Msg("replacing volume")
	}

	before := s.cache.Len()
	_, existed := s.volumes[id]
	s.cache.Add(id, vol)
	s.volumes[id] = vol
	s.bytes += vol.SizeBytes()

	if !existed && s.cache.Len() <= before {
		s.log.Info().Int("capacity", s.capacity).Msg("evicted least recently used volume")
	}

	s.log.Info().
		Str("id", id).
		Stringer("shape", shape).
		Str("size", humanize.Bytes(vol.SizeBytes())).
		Str("total", humanize.Bytes(s.bytes)).
		Msg("volume stored")

	return vol, nil
}

// Get returns the volume stored under id.
func (s *Store) Get(id string) (*models.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: volume %q", models.ErrNotFound, id)
	}
	return v.(*models.Volume), nil
}

// Peek returns the volume stored under id without marking it as recently
// used.
func (s *Store) Peek(id string) (*models.Volume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vol, ok := s.volumes[id]
	return vol, ok
}

// Delete removes the volume stored under id and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.volumes[id]; !ok {
		return false
	}
	s.cache.Remove(id)
	return true
}

// Len returns the number of stored volumes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.volumes))
	for k := range s.volumes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns the current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Volumes: s.cache.Len(), Bytes: s.bytes, Capacity: s.capacity}
}
