package replay

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Store caches loaded days and collapses concurrent loads of the same
// (symbol, day, tf) into one. Loads are expensive (full-day file
// scans) so a failed load never evicts a cached good dataset.
type Store struct {
	log *slog.Logger
	src Source
	cap int

	sf singleflight.Group

	mu      sync.Mutex
	tick    uint64
	entries map[string]*storeEntry
}

type storeEntry struct {
	ds       *Dataset
	lastUsed uint64
}

func NewStore(log *slog.Logger, src Source, capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		log:     log,
		src:     src,
		cap:     capacity,
		entries: make(map[string]*storeEntry, capacity),
	}
}

func (s *Store) Get(ctx context.Context, symbol, day, tf string) (*Dataset, error) {
	key := storeKey(symbol, day, tf)

	if ds := s.lookup(key); ds != nil {
		return ds, nil
	}

	// The load outlives any single caller; detach it from the caller's
	// deadline so a cancelled request can't poison the shared result.
	loadCtx := context.WithoutCancel(ctx)
	v, err, shared := s.sf.Do(key, func() (interface{}, error) {
		if ds := s.lookup(key); ds != nil {
			return ds, nil
		}
		ds, err := s.src.LoadDay(loadCtx, symbol, day, tf)
		if err != nil {
			return nil, err
		}
		s.insert(key, ds)
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log.Debug("dataset load shared", "key", key)
	}
	return v.(*Dataset), nil
}

// Cached reports whether a day is already resident, without loading.
func (s *Store) Cached(symbol, day, tf string) bool {
	return s.lookup(storeKey(symbol, day, tf)) != nil
}

func storeKey(symbol, day, tf string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "|" + strings.TrimSpace(day) + "|" + strings.TrimSpace(tf)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) lookup(key string) *Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	s.tick++
	e.lastUsed = s.tick
	return e.ds
}

func (s *Store) insert(key string, ds *Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	s.entries[key] = &storeEntry{ds: ds, lastUsed: s.tick}

	for len(s.entries) > s.cap {
		var oldestKey string
		var oldest uint64
		first := true
		for k, e := range s.entries {
			if k == key {
				continue
			}
			if first || e.lastUsed < oldest {
				oldestKey = k
				oldest = e.lastUsed
				first = false
			}
		}
		if first {
			break
		}
		delete(s.entries, oldestKey)
		s.log.Info("dataset evicted", "key", oldestKey)
	}
}
