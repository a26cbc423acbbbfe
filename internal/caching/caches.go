// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	CompiledFilters Cache[string, CompiledFilter]   // filter hash -> compiled filter
	FilterResults   Cache[string, RoomFilterResult] // filter hash + room ID -> result
	options         CacheOptions
	rooms           *roomIndex
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
	Wait()
	Close()
}

// Close stops the background goroutines of every cache.
func (c *Caches) Close() {
	if c == nil {
		return
	}
	c.CompiledFilters.Close()
	c.FilterResults.Close()
}
