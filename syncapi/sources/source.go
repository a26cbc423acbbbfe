// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sources turns the stored change streams into subscriptions that a
// sync session can wait on. A subscription reads its scope lazily: it waits
// for the notifier to report a change in its scope and then fetches the
// positions it has not seen yet.
package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Category names a kind of change.
type Category string

const (
	CategoryTimeline     Category = "timeline"
	CategoryReceipts     Category = "receipts"
	CategoryMembership   Category = "membership"
	CategoryPresence     Category = "presence"
	CategoryAccountData  Category = "account_data"
	CategoryDeviceLists  Category = "device_lists"
	CategoryToDevice     Category = "to_device"
	CategoryUnreadCounts Category = "unread_counts"
)

// ScopeKind says whether a scope is a room or a user.
type ScopeKind int

const (
	RoomScope ScopeKind = iota
	UserScope
)

func (k ScopeKind) String() string {
	if k == RoomScope {
		return "room"
	}
	return "user"
}

// Scope is the room or user a subscription follows.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// Room returns the scope of a room.
func Room(roomID string) Scope { return Scope{Kind: RoomScope, ID: roomID} }

// User returns the scope of a user.
func User(userID string) Scope { return Scope{Kind: UserScope, ID: userID} }

// Key is the notifier scope the subscription waits on.
func (s Scope) Key() string {
	if s.Kind == RoomScope {
		return notifier.RoomScope(s.ID)
	}
	return notifier.UserScope(s.ID)
}

func (s Scope) String() string { return s.Key() }

// Options describe the session a subscription is opened for.
type Options struct {
	UserID   string
	DeviceID string
	// Filter is pushed down to storage where the category allows it.
	Filter *synctypes.Filter
}

// Changes carries whatever a category reports. Only the field belonging to
// the category is populated.
type Changes struct {
	Events       []types.StreamEvent
	Memberships  []types.MembershipChange
	AccountData  []types.AccountDataChange
	DeviceLists  []types.DeviceListChange
	UnreadCounts []types.UnreadCount
}

// IsEmpty reports whether there are no changes.
func (c *Changes) IsEmpty() bool {
	return len(c.Events)+len(c.Memberships)+len(c.AccountData)+len(c.DeviceLists)+len(c.UnreadCounts) == 0
}

// Notification is a batch of changes in the range (From, To]. The
// subscription has read its scope completely up to To, so a notification
// without changes still moves the subscription forward.
type Notification struct {
	Category Category
	Scope    Scope
	Changes  Changes
	From     types.StreamPosition
	To       types.StreamPosition
}

// Source opens subscriptions for one category.
type Source interface {
	Category() Category
	Subscribe(ctx context.Context, scope Scope, from types.StreamPosition, opts Options) (Subscription, error)
}

// Subscription is a lazy, ordered view of a scope. It has no goroutine of
// its own: Next does the work on the caller's goroutine. Next must not be
// called concurrently with itself, Close may be called at any time.
type Subscription interface {
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

var openSubscriptions = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "syncapi",
		Name:      "open_subscriptions",
		Help:      "Number of open change source subscriptions",
	},
	[]string{"category"},
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(openSubscriptions)
	})
}

// fetchFunc reads the changes of a scope in a range.
type fetchFunc func(ctx context.Context, scope Scope, r types.Range, opts Options) (Changes, error)

// streamSource is a Source over a stored stream.
type streamSource struct {
	category Category
	kind     ScopeKind
	notifier *notifier.Notifier
	fetch    fetchFunc
}

func (s *streamSource) Category() Category { return s.category }

func (s *streamSource) Subscribe(
	ctx context.Context, scope Scope, from types.StreamPosition, opts Options,
) (Subscription, error) {
	if scope.Kind != s.kind {
		return nil, fmt.Errorf("%s source cannot follow a %s scope", s.category, scope.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	openSubscriptions.WithLabelValues(string(s.category)).Inc()
	return &subscription{
		source: s,
		scope:  scope,
		key:    scope.Key(),
		opts:   opts,
		cursor: from,
	}, nil
}

type subscription struct {
	source *streamSource
	scope  Scope
	key    string
	opts   Options
	cursor types.StreamPosition
	closed atomic.Bool
}

// Next blocks until the scope has changed after the cursor and returns the
// changes up to the current position.
func (s *subscription) Next(ctx context.Context) (Notification, error) {
	for {
		if s.closed.Load() {
			return Notification{}, ErrSubscriptionClosed
		}
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-s.source.notifier.NotifyAfter(s.key, s.cursor):
		}
		from, to := s.cursor, s.source.notifier.CurrentPosition()
		if to <= from {
			continue
		}
		changes, err := s.source.fetch(ctx, s.scope, types.Range{From: from, To: to}, s.opts)
		if err != nil {
			return Notification{}, fmt.Errorf("%s %s: %w", s.source.category, s.scope, err)
		}
		s.cursor = to
		return Notification{
			Category: s.source.category,
			Scope:    s.scope,
			Changes:  changes,
			From:     from,
			To:       to,
		}, nil
	}
}

func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		openSubscriptions.WithLabelValues(string(s.source.category)).Dec()
	}
	return nil
}
