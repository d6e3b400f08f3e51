package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/ports"
)

var _ ports.KeyValueStore = (*Store)(nil)

type entry struct {
	value     []byte
	metadata  map[string]string
	expiresAt time.Time
}

// Store keeps entries in process memory. Expiry is evaluated lazily against
// the injected clock.
type Store struct {
	mu      sync.Mutex
	clock   ports.Clock
	entries map[string]entry
}

func New(clock ports.Clock) *Store {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &Store{clock: clock, entries: map[string]entry{}}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, domain.ErrEntryNotFound
	}

	return append([]byte(nil), e.value...), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, opts ports.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{
		value:    append([]byte(nil), value...),
		metadata: copyMetadata(opts.Metadata),
	}
	if opts.TTL > 0 {
		e.expiresAt = s.clock.Now().Add(opts.TTL)
	}
	s.entries[key] = e

	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]ports.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.live(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]ports.Entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, ports.Entry{Key: key, Metadata: copyMetadata(s.entries[key].metadata)})
	}

	return out, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// live returns the entry when present and unexpired, evicting it otherwise.
// Callers hold s.mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
