// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sources

import (
	"context"

	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Database is the part of the store the sources read from.
type Database interface {
	RoomEvents(ctx context.Context, roomID string, r types.Range, filter *synctypes.EventFilter, limit int) ([]types.StreamEvent, error)
	MembershipChanges(ctx context.Context, userID string, r types.Range) ([]types.MembershipChange, error)
	RoomReceiptsInRange(ctx context.Context, roomIDs []string, r types.Range) ([]types.Receipt, error)
	PresenceInRange(ctx context.Context, userID string, r types.Range) ([]types.PresenceChange, error)
	AccountDataInRange(ctx context.Context, userID string, r types.Range, filter *synctypes.EventFilter) ([]types.AccountDataChange, error)
	DeviceListChangesInRange(ctx context.Context, userID string, r types.Range) ([]types.DeviceListChange, error)
	SendToDeviceInRange(ctx context.Context, userID, deviceID string, r types.Range) ([]types.StreamEvent, error)
	UnreadCountsInRange(ctx context.Context, userID string, r types.Range) ([]types.UnreadCount, error)
}

// Set holds one source per category.
type Set map[Category]Source

// NewSet creates the sources of every category over the same store and
// notifier.
func NewSet(db Database, n *notifier.Notifier) Set {
	set := Set{}
	for _, src := range []*streamSource{
		{category: CategoryTimeline, kind: RoomScope, fetch: timelineFetcher(db)},
		{category: CategoryReceipts, kind: RoomScope, fetch: receiptFetcher(db)},
		{category: CategoryMembership, kind: UserScope, fetch: membershipFetcher(db)},
		{category: CategoryPresence, kind: UserScope, fetch: presenceFetcher(db)},
		{category: CategoryAccountData, kind: UserScope, fetch: accountDataFetcher(db)},
		{category: CategoryDeviceLists, kind: UserScope, fetch: deviceListFetcher(db)},
		{category: CategoryToDevice, kind: UserScope, fetch: toDeviceFetcher(db)},
		{category: CategoryUnreadCounts, kind: UserScope, fetch: unreadCountFetcher(db)},
	} {
		src.notifier = n
		set[src.category] = src
	}
	return set
}

// RoomCategories are the categories followed per joined room.
var RoomCategories = []Category{CategoryTimeline, CategoryReceipts}

// UserCategories are the categories followed once per session.
var UserCategories = []Category{
	CategoryMembership, CategoryPresence, CategoryAccountData,
	CategoryDeviceLists, CategoryToDevice, CategoryUnreadCounts,
}

// The timeline is read without a limit: the session decides what to keep.
func timelineFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, opts Options) (Changes, error) {
		var filter *synctypes.EventFilter
		if opts.Filter != nil {
			filter = opts.Filter.RoomTimeline().Events().WithoutLimit()
		}
		events, err := db.RoomEvents(ctx, scope.ID, r, filter, 0)
		return Changes{Events: events}, err
	}
}

func receiptFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, opts Options) (Changes, error) {
		receipts, err := db.RoomReceiptsInRange(ctx, []string{scope.ID}, r)
		if err != nil {
			return Changes{}, err
		}
		ev, ok, err := receiptEvent(scope.ID, opts.UserID, receipts)
		if err != nil || !ok {
			return Changes{}, err
		}
		return Changes{Events: []types.StreamEvent{ev}}, nil
	}
}

func membershipFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, _ Options) (Changes, error) {
		changes, err := db.MembershipChanges(ctx, scope.ID, r)
		return Changes{Memberships: changes}, err
	}
}

func presenceFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, _ Options) (Changes, error) {
		changes, err := db.PresenceInRange(ctx, scope.ID, r)
		if err != nil {
			return Changes{}, err
		}
		events, err := presenceEvents(changes)
		return Changes{Events: events}, err
	}
}

// Global and room account data are filtered separately by the session, so
// nothing is pushed down here.
func accountDataFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, _ Options) (Changes, error) {
		changes, err := db.AccountDataInRange(ctx, scope.ID, r, nil)
		return Changes{AccountData: changes}, err
	}
}

func deviceListFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, _ Options) (Changes, error) {
		changes, err := db.DeviceListChangesInRange(ctx, scope.ID, r)
		return Changes{DeviceLists: changes}, err
	}
}

func toDeviceFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, opts Options) (Changes, error) {
		if opts.DeviceID == "" {
			return Changes{}, nil
		}
		events, err := db.SendToDeviceInRange(ctx, scope.ID, opts.DeviceID, r)
		return Changes{Events: events}, err
	}
}

func unreadCountFetcher(db Database) fetchFunc {
	return func(ctx context.Context, scope Scope, r types.Range, _ Options) (Changes, error) {
		counts, err := db.UnreadCountsInRange(ctx, scope.ID, r)
		return Changes{UnreadCounts: counts}, err
	}
}
