// Package candle maintains candle series keyed by channel key, e.g. "trade:1m:tBTCUSD".
package candle

import (
	"fmt"
	"slices"
	"sync"

	"bfxstream/pkg/core"
)

// Store holds one series per key, each sorted by descending timestamp with
// unique timestamps.
type Store struct {
	mu     sync.RWMutex
	series map[string][]core.Candle
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{series: make(map[string][]core.Candle)}
}

// Snapshot replaces the series for key. Duplicate timestamps keep the last entry.
func (s *Store) Snapshot(key string, candles []core.Candle) {
	series := make([]core.Candle, 0, len(candles))
	for _, c := range candles {
		series = upsert(series, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[key] = series
}

// Seed merges historical candles into key's series, creating it when absent.
// Existing entries win over seeded ones with the same timestamp.
func (s *Store) Seed(key string, candles []core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.series[key]
	for _, c := range candles {
		if _, found := find(series, c.MTS); found {
			continue
		}
		series = upsert(series, c)
	}
	s.series[key] = series
}

// Update upserts one candle into an existing series.
func (s *Store) Update(key string, c core.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[key]
	if !ok {
		return core.NewError(core.ErrorTypeSubscription, fmt.Sprintf("no candle series for key %s", key))
	}
	s.series[key] = upsert(series, c)
	return nil
}

// upsert replaces the entry with c's timestamp or inserts c in descending order.
// The front is checked first since updates usually touch the newest candle.
func upsert(series []core.Candle, c core.Candle) []core.Candle {
	if len(series) == 0 || c.MTS > series[0].MTS {
		return slices.Insert(series, 0, c)
	}
	if series[0].MTS == c.MTS {
		series[0] = c
		return series
	}

	idx, found := find(series, c.MTS)
	if found {
		series[idx] = c
		return series
	}
	return slices.Insert(series, idx, c)
}

// find returns the position of mts in a descending series, or where it belongs.
func find(series []core.Candle, mts int64) (int, bool) {
	return slices.BinarySearchFunc(series, mts, func(c core.Candle, target int64) int {
		switch {
		case c.MTS > target:
			return -1
		case c.MTS < target:
			return 1
		}
		return 0
	})
}

// Get returns a copy of key's series, newest first.
func (s *Store) Get(key string) ([]core.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.series[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(series), true
}

// Last returns the newest candle of key's series.
func (s *Store) Last(key string) (core.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[key]
	if len(series) == 0 {
		return core.Candle{}, false
	}
	return series[0], true
}

// Delete drops key's series.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, key)
}

// Keys returns every key with a series.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
