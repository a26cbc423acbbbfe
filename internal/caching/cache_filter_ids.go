// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/element-hq/syncengine/syncapi/synctypes"
)

// FilterIDCache remembers stored filters by owner and filter ID. Stored
// filters never change, so entries only leave the cache by expiring.
type FilterIDCache struct {
	cache *gocache.Cache
}

// NewFilterIDCache creates a FilterIDCache whose entries expire after maxAge.
func NewFilterIDCache(maxAge time.Duration) *FilterIDCache {
	return &FilterIDCache{
		cache: gocache.New(maxAge, maxAge*2),
	}
}

func filterIDKey(localpart, filterID string) string {
	return localpart + "\x00" + filterID
}

// GetFilter returns a previously stored filter.
func (c *FilterIDCache) GetFilter(localpart, filterID string) (*synctypes.Filter, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(filterIDKey(localpart, filterID))
	if !ok {
		filterCacheMisses.WithLabelValues("filter_ids").Inc()
		return nil, false
	}
	filterCacheHits.WithLabelValues("filter_ids").Inc()
	return v.(*synctypes.Filter), true
}

// StoreFilter remembers a filter.
func (c *FilterIDCache) StoreFilter(localpart, filterID string, filter *synctypes.Filter) {
	if c == nil {
		return
	}
	c.cache.SetDefault(filterIDKey(localpart, filterID), filter)
}
