// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	compiledFiltersCache byte = iota + 1
	filterResultsCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// CacheOptions sizes the caches. Capacities are entry counts.
type CacheOptions struct {
	MaxCompiledFilters int64
	MaxFilterResults   int64
	FilterResultMaxAge time.Duration
}

// DefaultCacheOptions returns the sizes used when nothing is configured.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		MaxCompiledFilters: 1000,
		MaxFilterResults:   5000,
		FilterResultMaxAge: 5 * time.Minute,
	}
}

// NewRistrettoCache creates the filter caches. Every entry costs one, so the
// capacities bound the number of entries.
func NewRistrettoCache(opts CacheOptions, enablePrometheus bool) *Caches {
	rooms := newRoomIndex()
	compiled := newRistretto(opts.MaxCompiledFilters, nil)
	results := newRistretto(opts.MaxFilterResults, rooms.evicted)
	if enablePrometheus {
		registerRistrettoMetrics("compiled_filters", compiled)
		registerRistrettoMetrics("filter_results", results)
	}
	return &Caches{
		CompiledFilters: &RistrettoCostedCachePartition[string, CompiledFilter]{
			RistrettoCachePartition: &RistrettoCachePartition[string, CompiledFilter]{ // filter hash -> compiled filter
				cache:  compiled,
				Prefix: compiledFiltersCache,
			},
		},
		FilterResults: &RistrettoCostedCachePartition[string, RoomFilterResult]{
			RistrettoCachePartition: &RistrettoCachePartition[string, RoomFilterResult]{ // filter hash + room ID -> result
				cache:  results,
				Prefix: filterResultsCache,
				MaxAge: opts.FilterResultMaxAge,
			},
		},
		options: opts,
		rooms:   rooms,
	}
}

func newRistretto(maxEntries int64, onEvict func(*ristretto.Item)) *ristretto.Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10, // 10 counters per entry, affects bloom filter size
		BufferItems: 64,              // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     maxEntries,
		Metrics:     true,
		// Costs are entry counts, so ristretto must not add its own
		// per-item overhead.
		IgnoreInternalCost: true,
		OnEvict:            onEvict,
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		panic(err)
	}
	return cache
}

func registerRistrettoMetrics(name string, cache *ristretto.Cache) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "syncengine",
			Subsystem:   "caching_ristretto",
			Name:        "ratio",
			ConstLabels: prometheus.Labels{"cache": name},
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "syncengine",
			Subsystem:   "caching_ristretto",
			Name:        "cost",
			ConstLabels: prometheus.Labels{"cache": name},
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		}),
	)
}

type keyable interface {
	// from https://github.com/dgraph-io/ristretto/blob/8e850b710d6df0383c375ec6a7beae4ce48fc8d5/z/z.go#L34
	~uint64 | ~string | []byte | byte | ~int | ~int32 | ~uint32 | ~int64
}

type costable interface {
	CacheCost() int
}

// RistrettoCostedCachePartition is a partition whose values report their
// own cost.
type RistrettoCostedCachePartition[k keyable, v costable] struct {
	*RistrettoCachePartition[k, v]
}

func (c *RistrettoCostedCachePartition[K, V]) Set(key K, value V) {
	c.setWithCost(key, value, int64(value.CacheCost()))
}

// RistrettoCachePartition is a prefixed view onto a ristretto cache.
type RistrettoCachePartition[K keyable, V any] struct {
	cache  *ristretto.Cache //nolint:all,unused
	Prefix byte
	MaxAge time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%v", c.Prefix, key)
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	c.cache.SetWithTTL(c.key(key), value, cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	c.setWithCost(key, value, 1)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	c.cache.Del(c.key(key))
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}

// Wait blocks until buffered writes have been applied.
func (c *RistrettoCachePartition[K, V]) Wait() {
	c.cache.Wait()
}

// Close stops the background goroutines of the underlying cache.
func (c *RistrettoCachePartition[K, V]) Close() {
	c.cache.Close()
}
