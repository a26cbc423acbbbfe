// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/syncapi/synctypes"
)

// FilterStore looks up stored filters.
type FilterStore interface {
	GetFilter(ctx context.Context, localpart, filterID string) (*synctypes.Filter, error)
}

// FilterResolver turns the filter parameter of a sync request into a
// compiled filter.
type FilterResolver struct {
	db     FilterStore
	ids    *caching.FilterIDCache
	caches caching.FilterCache
}

// NewFilterResolver creates a FilterResolver. ids and caches may be nil.
func NewFilterResolver(db FilterStore, ids *caching.FilterIDCache, caches caching.FilterCache) *FilterResolver {
	return &FilterResolver{db: db, ids: ids, caches: caches}
}

// Resolve parses an inline filter, which starts with '{', or looks up a
// stored filter of the user. An empty parameter means no filter.
func (r *FilterResolver) Resolve(ctx context.Context, localpart, param string) (caching.CompiledFilter, error) {
	filter, err := r.filter(ctx, localpart, param)
	if err != nil {
		return caching.CompiledFilter{}, err
	}
	if r.caches == nil {
		return caching.Compile(filter), nil
	}
	return r.caches.GetOrCompile(filter), nil
}

func (r *FilterResolver) filter(ctx context.Context, localpart, param string) (*synctypes.Filter, error) {
	param = strings.TrimSpace(param)
	if param == "" {
		f := synctypes.DefaultFilter()
		return &f, nil
	}
	if strings.HasPrefix(param, "{") {
		f, err := synctypes.ParseFilter([]byte(param))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilterSyntax, err)
		}
		return f, nil
	}
	if f, ok := r.ids.GetFilter(localpart, param); ok {
		return f, nil
	}
	f, err := r.db.GetFilter(ctx, localpart, param)
	if err != nil {
		return nil, fmt.Errorf("r.db.GetFilter: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilterID, param)
	}
	r.ids.StoreFilter(localpart, param, f)
	return f, nil
}
