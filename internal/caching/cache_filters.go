// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

var (
	filterCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "filter_cache_hits_total",
			Help:      "Total number of filter cache hits",
		},
		[]string{"cache"},
	)
	filterCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "filter_cache_misses_total",
			Help:      "Total number of filter cache misses",
		},
		[]string{"cache"},
	)
)

var registerFilterCacheMetrics sync.Once

func init() {
	registerFilterCacheMetrics.Do(func() {
		prometheus.MustRegister(filterCacheHits, filterCacheMisses)
	})
}

// CompiledFilter is a validated filter together with its content hash.
type CompiledFilter struct {
	Original   synctypes.Filter
	Hash       string
	CompiledAt time.Time
}

func (CompiledFilter) CacheCost() int { return 1 }

// RoomFilterResult is the outcome of applying a filter to the current state
// and recent timeline of one room.
type RoomFilterResult struct {
	State      []types.StreamEvent
	Timeline   []types.StreamEvent
	Limited    bool
	Position   types.StreamPosition
	generation uint64
	roomID     string
	key        string
}

func (RoomFilterResult) CacheCost() int { return 1 }

// FilterCache compiles filters and remembers per-room filter results.
// A nil *Caches is a valid FilterCache that caches nothing.
type FilterCache interface {
	GetOrCompile(filter *synctypes.Filter) CompiledFilter
	RoomGeneration(roomID string) uint64
	GetFilterResult(filterHash, roomID string) (RoomFilterResult, bool)
	StoreFilterResult(filterHash, roomID string, generation uint64, result RoomFilterResult)
	InvalidateRoom(roomID string)
	Stats() FilterCacheStats
}

// FilterCacheStats describes the current cache occupancy.
type FilterCacheStats struct {
	CompiledFilters    int64
	MaxCompiledFilters int64
	CachedResults      int64
	MaxCachedResults   int64
}

// HashFilter returns the content hash of a filter. Structurally equal
// filters hash identically: struct fields encode in a fixed order, map keys
// are sorted and list order is kept.
func HashFilter(filter *synctypes.Filter) string {
	b, err := json.Marshal(filter)
	if err != nil {
		// Filters are plain data and always encode.
		panic(err)
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// Compile builds a CompiledFilter without consulting any cache.
func Compile(filter *synctypes.Filter) CompiledFilter {
	if filter == nil {
		f := synctypes.DefaultFilter()
		filter = &f
	}
	return CompiledFilter{
		Original:   *filter,
		Hash:       HashFilter(filter),
		CompiledAt: time.Now(),
	}
}

// GetOrCompile returns the compiled form of filter, reusing a previous
// compilation of an identical filter if one is cached.
func (c *Caches) GetOrCompile(filter *synctypes.Filter) CompiledFilter {
	if filter == nil {
		f := synctypes.DefaultFilter()
		filter = &f
	}
	if c == nil {
		return Compile(filter)
	}
	hash := HashFilter(filter)
	if compiled, ok := c.CompiledFilters.Get(hash); ok {
		filterCacheHits.WithLabelValues("compiled").Inc()
		return compiled
	}
	filterCacheMisses.WithLabelValues("compiled").Inc()
	compiled := Compile(filter)
	c.CompiledFilters.Set(hash, compiled)
	c.CompiledFilters.Wait()
	return compiled
}

func resultKey(filterHash, roomID string) string {
	return filterHash + "|" + roomID
}

// RoomGeneration returns a value that changes every time the room is
// invalidated. Read it before computing a result and hand it back to
// StoreFilterResult.
func (c *Caches) RoomGeneration(roomID string) uint64 {
	if c == nil {
		return 0
	}
	return c.rooms.generation(roomID)
}

// GetFilterResult returns a cached result for the filter and room.
func (c *Caches) GetFilterResult(filterHash, roomID string) (RoomFilterResult, bool) {
	if c == nil {
		return RoomFilterResult{}, false
	}
	key := resultKey(filterHash, roomID)
	result, ok := c.FilterResults.Get(key)
	if ok && result.generation == c.rooms.generation(roomID) {
		filterCacheHits.WithLabelValues("results").Inc()
		return result, true
	}
	filterCacheMisses.WithLabelValues("results").Inc()
	c.rooms.remove(roomID, key)
	if ok {
		c.FilterResults.Unset(key)
	}
	return RoomFilterResult{}, false
}

// StoreFilterResult caches a result computed while the room was at the
// given generation. Results computed before an invalidation are dropped.
func (c *Caches) StoreFilterResult(filterHash, roomID string, generation uint64, result RoomFilterResult) {
	if c == nil {
		return
	}
	key := resultKey(filterHash, roomID)
	if !c.rooms.add(roomID, key, generation) {
		return
	}
	result.generation = generation
	result.roomID = roomID
	result.key = key
	c.FilterResults.Set(key, result)
	c.FilterResults.Wait()
	// Ristretto may drop or reject the write.
	if _, ok := c.FilterResults.Get(key); !ok {
		c.rooms.remove(roomID, key)
	}
}

// evicted keeps the room index in step with ristretto evictions and expiry.
func (r *roomIndex) evicted(item *ristretto.Item) {
	if result, ok := item.Value.(RoomFilterResult); ok {
		r.remove(result.roomID, result.key)
	}
}

// InvalidateRoom drops every cached result for the room.
func (c *Caches) InvalidateRoom(roomID string) {
	if c == nil {
		return
	}
	for _, key := range c.rooms.invalidate(roomID) {
		c.FilterResults.Unset(key)
	}
}

// Stats reports cache occupancy.
func (c *Caches) Stats() FilterCacheStats {
	if c == nil {
		return FilterCacheStats{}
	}
	return FilterCacheStats{
		CompiledFilters:    c.compiledCount(),
		MaxCompiledFilters: c.options.MaxCompiledFilters,
		CachedResults:      c.rooms.size(),
		MaxCachedResults:   c.options.MaxFilterResults,
	}
}

func (c *Caches) compiledCount() int64 {
	p, ok := c.CompiledFilters.(*RistrettoCostedCachePartition[string, CompiledFilter])
	if !ok {
		return 0
	}
	m := p.cache.Metrics
	return int64(m.KeysAdded() - m.KeysEvicted())
}

// roomIndex maps rooms to the result keys cached for them. A room keeps its
// own generation only while it has cached keys; every other room reads the
// shared floor, which each invalidation advances.
type roomIndex struct {
	mu          sync.Mutex
	keys        map[string]map[string]struct{}
	generations map[string]uint64
	floor       uint64
	count       int64
}

func newRoomIndex() *roomIndex {
	return &roomIndex{
		keys:        map[string]map[string]struct{}{},
		generations: map[string]uint64{},
	}
}

func (r *roomIndex) generation(roomID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generationLocked(roomID)
}

func (r *roomIndex) generationLocked(roomID string) uint64 {
	if gen, ok := r.generations[roomID]; ok {
		return gen
	}
	return r.floor
}

// add records key under roomID unless the room has moved on from generation.
func (r *roomIndex) add(roomID, key string, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generationLocked(roomID) != generation {
		return false
	}
	keys, ok := r.keys[roomID]
	if !ok {
		keys = map[string]struct{}{}
		r.keys[roomID] = keys
		r.generations[roomID] = generation
	}
	if _, ok = keys[key]; !ok {
		keys[key] = struct{}{}
		r.count++
	}
	return true
}

func (r *roomIndex) remove(roomID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, ok := r.keys[roomID]
	if !ok {
		return
	}
	if _, ok = keys[key]; ok {
		delete(keys, key)
		r.count--
	}
	if len(keys) == 0 {
		// A pinned generation never exceeds the floor.
		delete(r.keys, roomID)
		delete(r.generations, roomID)
	}
}

// invalidate advances the floor past every generation handed out so far and
// returns the keys to evict.
func (r *roomIndex) invalidate(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.floor++
	keys := r.keys[roomID]
	delete(r.keys, roomID)
	delete(r.generations, roomID)
	r.count -= int64(len(keys))
	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	return out
}

func (r *roomIndex) size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
