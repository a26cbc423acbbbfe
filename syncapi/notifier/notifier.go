// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/syncapi/types"
)

var streamPositionGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "syncapi",
		Name:      "stream_position",
		Help:      "The most recently published sync stream position",
	},
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(streamPositionGauge)
	})
}

// RoomScope is the scope under which changes to a room are published.
func RoomScope(roomID string) string {
	return "room:" + roomID
}

// UserScope is the scope under which changes to a single user are published.
func UserScope(userID string) string {
	return "user:" + userID
}

// PositionLoader returns the highest stream position that has been stored.
type PositionLoader interface {
	MaxStreamPosition(ctx context.Context) (types.StreamPosition, error)
}

// Notifier tracks the global sync stream position and, for every scope, the
// last position at which that scope changed. Waiters are woken by closing a
// per-scope channel, so any number of subscriptions can wait on the same
// scope.
type Notifier struct {
	// writeMu serialises Publish so positions become visible in commit order.
	writeMu sync.Mutex
	lock    sync.RWMutex
	current types.StreamPosition
	// loaded is the position at startup. Scopes we have not seen change since
	// then are assumed to have changed at this position.
	loaded types.StreamPosition
	scopes map[string]*scopeState
}

type scopeState struct {
	latest types.StreamPosition
	signal chan struct{}
}

// NewNotifier creates a notifier positioned at zero. Call Load before
// publishing to pick up the stored position.
func NewNotifier() *Notifier {
	return &Notifier{
		scopes: make(map[string]*scopeState),
	}
}

// Load sets the current position from the database.
func (n *Notifier) Load(ctx context.Context, db PositionLoader) error {
	pos, err := db.MaxStreamPosition(ctx)
	if err != nil {
		return err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	n.current = pos
	n.loaded = pos
	streamPositionGauge.Set(float64(pos))
	log.WithField("position", pos).Debug("Loaded sync stream position")
	return nil
}

// Publish runs store, which must persist a change and return the stream
// position it was assigned, and then advances the given scopes to that
// position. Only one store runs at a time. A zero position means nothing
// was stored and nobody is woken.
func (n *Notifier) Publish(
	ctx context.Context, scopes []string,
	store func(ctx context.Context) (types.StreamPosition, error),
) (types.StreamPosition, error) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	pos, err := store(ctx)
	if err != nil {
		return 0, err
	}
	if pos > 0 {
		n.advance(pos, scopes)
	}
	return pos, nil
}

// Advance moves the given scopes to pos without storing anything.
func (n *Notifier) Advance(pos types.StreamPosition, scopes ...string) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.advance(pos, scopes)
}

func (n *Notifier) advance(pos types.StreamPosition, scopes []string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if pos > n.current {
		n.current = pos
		streamPositionGauge.Set(float64(pos))
	}
	for _, scope := range scopes {
		s := n.scope(scope)
		if pos <= s.latest {
			continue
		}
		s.latest = pos
		close(s.signal)
		s.signal = make(chan struct{})
	}
}

// scope returns the state for the scope, creating it. The caller must hold
// the write lock.
func (n *Notifier) scope(scope string) *scopeState {
	s, ok := n.scopes[scope]
	if !ok {
		s = &scopeState{
			latest: n.loaded,
			signal: make(chan struct{}),
		}
		n.scopes[scope] = s
	}
	return s
}

// CurrentPosition returns the most recently published position.
func (n *Notifier) CurrentPosition() types.StreamPosition {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.current
}

// LatestPosition returns the last position at which the scope changed.
func (n *Notifier) LatestPosition(scope string) types.StreamPosition {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.latest(scope)
}

func (n *Notifier) latest(scope string) types.StreamPosition {
	if s, ok := n.scopes[scope]; ok {
		return s.latest
	}
	return n.loaded
}

// Snapshot returns the current position and the latest position of each
// scope, all read at the same instant.
func (n *Notifier) Snapshot(scopes []string) (types.StreamPosition, map[string]types.StreamPosition) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	latest := make(map[string]types.StreamPosition, len(scopes))
	for _, scope := range scopes {
		latest[scope] = n.latest(scope)
	}
	return n.current, latest
}

// NotifyAfter returns a channel that is closed once the scope has changed at
// a position after pos. The channel is already closed if that has happened.
func (n *Notifier) NotifyAfter(scope string, pos types.StreamPosition) <-chan struct{} {
	n.lock.RLock()
	if s, ok := n.scopes[scope]; ok && s.latest <= pos {
		ch := s.signal
		n.lock.RUnlock()
		return ch
	}
	n.lock.RUnlock()

	n.lock.Lock()
	defer n.lock.Unlock()
	s := n.scope(scope)
	if s.latest > pos {
		return closedChannel
	}
	return s.signal
}

// ScopeCount returns how many scopes the notifier is tracking.
func (n *Notifier) ScopeCount() int {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return len(n.scopes)
}

var closedChannel = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
