// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

func list(s ...string) *[]string { return &s }

func limit(i int) *int { return &i }

func timelineFilter(types ...string) *synctypes.Filter {
	return &synctypes.Filter{
		Room: &synctypes.RoomFilter{
			Timeline: &synctypes.RoomEventFilter{
				EventFilter: synctypes.EventFilter{Types: list(types...), Limit: limit(10)},
			},
		},
	}
}

// =============================================================================
// Filter Hashing
// =============================================================================

func TestHashFilter_StructurallyEqualFiltersHashEqual(t *testing.T) {
	t.Parallel()

	a := timelineFilter("m.room.message", "m.room.member")
	b := timelineFilter("m.room.message", "m.room.member")
	reordered := timelineFilter("m.room.member", "m.room.message")

	assert.Equal(t, HashFilter(a), HashFilter(b))
	assert.NotEqual(t, HashFilter(a), HashFilter(reordered), "list order is significant")
	assert.NotEqual(t, HashFilter(a), HashFilter(&synctypes.Filter{}))
	assert.Regexp(t, "^[0-9a-f]+$", HashFilter(a))
}

// =============================================================================
// Compiled Filter Cache
// =============================================================================

func TestCaches_GetOrCompile_SecondCallIsCacheHit(t *testing.T) {
	cache := createDefaultTestCache(t)
	filter := timelineFilter("m.room.message")

	hitsBefore := testutil.ToFloat64(filterCacheHits.WithLabelValues("compiled"))
	missesBefore := testutil.ToFloat64(filterCacheMisses.WithLabelValues("compiled"))

	first := cache.GetOrCompile(filter)
	second := cache.GetOrCompile(timelineFilter("m.room.message"))

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.CompiledAt, second.CompiledAt, "second call must return the cached compilation")
	assert.Equal(t, *filter, second.Original)
	assert.Equal(t, missesBefore+1, testutil.ToFloat64(filterCacheMisses.WithLabelValues("compiled")))
	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(filterCacheHits.WithLabelValues("compiled")))
}

func TestCaches_GetOrCompile_NilFilterIsDefaultFilter(t *testing.T) {
	cache := createDefaultTestCache(t)
	def := synctypes.DefaultFilter()

	hitsBefore := testutil.ToFloat64(filterCacheHits.WithLabelValues("compiled"))

	first := cache.GetOrCompile(nil)
	assert.Equal(t, HashFilter(&def), first.Hash)
	assert.Equal(t, def, first.Original)

	second := cache.GetOrCompile(&def)
	assert.Equal(t, first.CompiledAt, second.CompiledAt, "an explicit default filter must share the cached compilation")
	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(filterCacheHits.WithLabelValues("compiled")))

	var nilCache *Caches
	assert.Equal(t, first.Hash, nilCache.GetOrCompile(nil).Hash)
}

func TestCaches_GetOrCompile_NilCacheCompiles(t *testing.T) {
	t.Parallel()

	var cache *Caches
	compiled := cache.GetOrCompile(timelineFilter("m.room.message"))
	assert.NotEmpty(t, compiled.Hash)

	compiled = cache.GetOrCompile(nil)
	assert.Equal(t, synctypes.DefaultFilter(), compiled.Original)

	_, ok := cache.GetFilterResult("h", "!r:test")
	assert.False(t, ok)
	cache.StoreFilterResult("h", "!r:test", 0, RoomFilterResult{})
	cache.InvalidateRoom("!r:test")
	assert.Equal(t, FilterCacheStats{}, cache.Stats())
}

// =============================================================================
// Filter Result Cache
// =============================================================================

func result(pos types.StreamPosition) RoomFilterResult {
	return RoomFilterResult{Position: pos, Timeline: []types.StreamEvent{{Position: pos}}}
}

func TestCaches_FilterResults_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	gen := cache.RoomGeneration("!room:test")
	cache.StoreFilterResult("hash1", "!room:test", gen, result(5))

	got, ok := cache.GetFilterResult("hash1", "!room:test")
	require.True(t, ok)
	assert.Equal(t, types.StreamPosition(5), got.Position)

	_, ok = cache.GetFilterResult("hash2", "!room:test")
	assert.False(t, ok, "different filter hash must miss")
	_, ok = cache.GetFilterResult("hash1", "!other:test")
	assert.False(t, ok, "different room must miss")
}

func TestCaches_InvalidateRoom_RemovesOnlyThatRoom(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	for _, room := range []string{"!a:test", "!b:test"} {
		for _, hash := range []string{"h1", "h2"} {
			cache.StoreFilterResult(hash, room, cache.RoomGeneration(room), result(1))
		}
	}
	assert.Equal(t, int64(4), cache.Stats().CachedResults)

	cache.InvalidateRoom("!a:test")

	for _, hash := range []string{"h1", "h2"} {
		_, ok := cache.GetFilterResult(hash, "!a:test")
		assert.False(t, ok, "%s should have been invalidated for !a:test", hash)
		_, ok = cache.GetFilterResult(hash, "!b:test")
		assert.True(t, ok, "%s should still be cached for !b:test", hash)
	}
	assert.Equal(t, int64(2), cache.Stats().CachedResults)
}

func TestCaches_StoreFilterResult_StaleGenerationDropped(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	gen := cache.RoomGeneration("!room:test")
	// The room changes while the result is being computed.
	cache.InvalidateRoom("!room:test")
	cache.StoreFilterResult("hash", "!room:test", gen, result(1))

	_, ok := cache.GetFilterResult("hash", "!room:test")
	assert.False(t, ok)
}

func TestCaches_FilterResults_ExpireAfterMaxAge(t *testing.T) {
	t.Parallel()

	opts := DefaultCacheOptions()
	opts.FilterResultMaxAge = 50 * time.Millisecond
	cache := createTestCache(t, opts)

	cache.StoreFilterResult("hash", "!room:test", 0, result(1))
	_, ok := cache.GetFilterResult("hash", "!room:test")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, found := cache.GetFilterResult("hash", "!room:test")
		return !found
	}, 500*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(0), cache.Stats().CachedResults, "expired keys leave the room index")
}

func TestCaches_FilterResults_EvictionsLeaveRoomIndex(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, CacheOptions{MaxCompiledFilters: 10, MaxFilterResults: 10})

	rooms := make([]string, 100)
	for i := range rooms {
		rooms[i] = fmt.Sprintf("!room%d:test", i)
		cache.StoreFilterResult("hash", rooms[i], cache.RoomGeneration(rooms[i]), result(types.StreamPosition(i)))
	}

	var present int64
	for _, room := range rooms {
		if _, ok := cache.FilterResults.Get(resultKey("hash", room)); ok {
			present++
		}
	}
	stats := cache.Stats()
	assert.LessOrEqual(t, stats.CachedResults, int64(10))
	assert.Equal(t, present, stats.CachedResults, "index must only count results ristretto still holds")

	cache.rooms.mu.Lock()
	pinned := len(cache.rooms.generations)
	cache.rooms.mu.Unlock()
	assert.Equal(t, int(stats.CachedResults), pinned, "rooms without cached results must not keep a generation")
}

func TestCaches_InvalidateRoom_ForgetsEmptyRooms(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	for i := 0; i < 50; i++ {
		room := fmt.Sprintf("!room%d:test", i)
		cache.StoreFilterResult("hash", room, cache.RoomGeneration(room), result(1))
		cache.InvalidateRoom(room)
	}

	cache.rooms.mu.Lock()
	pinned := len(cache.rooms.generations)
	cache.rooms.mu.Unlock()
	assert.Zero(t, pinned)
	assert.Equal(t, int64(0), cache.Stats().CachedResults)

	// A result computed before the last invalidation is still refused.
	stale := cache.RoomGeneration("!room0:test") - 1
	cache.StoreFilterResult("hash", "!room0:test", stale, result(2))
	_, ok := cache.GetFilterResult("hash", "!room0:test")
	assert.False(t, ok)

	cache.StoreFilterResult("hash", "!room0:test", cache.RoomGeneration("!room0:test"), result(3))
	got, ok := cache.GetFilterResult("hash", "!room0:test")
	require.True(t, ok)
	assert.Equal(t, types.StreamPosition(3), got.Position)
}

func TestCaches_ConcurrentInvalidation_ThreadSafe(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	const numGoroutines = 20
	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			room := fmt.Sprintf("!room%d:test", id%4)
			for j := 0; j < 20; j++ {
				hash := fmt.Sprintf("h%d", j)
				cache.StoreFilterResult(hash, room, cache.RoomGeneration(room), result(types.StreamPosition(j)))
				_, _ = cache.GetFilterResult(hash, room)
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				cache.InvalidateRoom(fmt.Sprintf("!room%d:test", id%4))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		cache.InvalidateRoom(fmt.Sprintf("!room%d:test", i))
	}
	assert.Equal(t, int64(0), cache.Stats().CachedResults)
}

// =============================================================================
// Filter ID Cache
// =============================================================================

func TestFilterIDCache_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := NewFilterIDCache(time.Minute)
	filter := timelineFilter("m.room.message")

	_, ok := cache.GetFilter("alice", "1")
	assert.False(t, ok)

	cache.StoreFilter("alice", "1", filter)
	got, ok := cache.GetFilter("alice", "1")
	require.True(t, ok)
	assert.Same(t, filter, got)

	_, ok = cache.GetFilter("bob", "1")
	assert.False(t, ok, "filters are scoped to their owner")

	var nilCache *FilterIDCache
	nilCache.StoreFilter("alice", "1", filter)
	_, ok = nilCache.GetFilter("alice", "1")
	assert.False(t, ok)
}
