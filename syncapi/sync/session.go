// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/syncapi/filtering"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/sources"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateInitializing State = iota
	StateSubscribed
	StateEmitting
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSubscribed:
		return "subscribed"
	case StateEmitting:
		return "emitting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config holds the session settings taken from the sync API config.
type Config struct {
	MailboxSize          int
	DefaultTimelineLimit int
}

// snapshotConcurrency bounds how many rooms are snapshotted at once.
const snapshotConcurrency = 8

// Engine creates sync sessions. It is shared by every session.
type Engine struct {
	db       Database
	notifier *notifier.Notifier
	sources  sources.Set
	caches   caching.FilterCache
	cfg      Config
}

// NewEngine creates an Engine. caches may be nil.
func NewEngine(db Database, n *notifier.Notifier, set sources.Set, caches caching.FilterCache, cfg Config) *Engine {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 32
	}
	if cfg.DefaultTimelineLimit <= 0 {
		cfg.DefaultTimelineLimit = 20
	}
	if caches == nil {
		caches = (*caching.Caches)(nil)
	}
	return &Engine{db: db, notifier: n, sources: set, caches: caches, cfg: cfg}
}

// Request describes a validated sync request.
type Request struct {
	UserID   string
	DeviceID string
	Filter   caching.CompiledFilter
	// Since is nil on an initial sync.
	Since     *types.PaginationToken
	FullState bool
	// LazyLoader remembers the members already sent to the device. A new
	// one is used when nil.
	LazyLoader *filtering.LazyLoader
}

// Session is one client's sync conversation. Start, Next and Close are
// called by the owner of the session; Close may also be called from another
// goroutine to stop a blocked Next.
type Session struct {
	id       string
	userID   string
	deviceID string
	filter   caching.CompiledFilter
	db       Database
	notifier *notifier.Notifier
	sources  sources.Set
	caches   caching.FilterCache
	cfg      Config
	lazy     *filtering.LazyLoader

	since   types.StreamPosition
	initial bool

	state atomic.Int32
	live  atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan envelope
	wg      sync.WaitGroup

	// mu guards pumps and closing. Everything else below is only used by
	// the goroutine calling Start and Next.
	mu      sync.Mutex
	pumps   map[pumpKey]*pump
	closing bool

	acc     *accumulator
	rooms   map[string]string // room ID -> the user's membership
	emitted types.StreamPosition
	logger  *logrus.Entry
}

type pumpKey struct {
	category sources.Category
	scope    string
}

// pump moves notifications from one subscription into the mailbox.
type pump struct {
	key    pumpKey
	sub    sources.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	// cursor and failed are owned by the session goroutine.
	cursor types.StreamPosition
	failed bool
}

type envelope struct {
	pump *pump
	note sources.Notification
	err  error
}

// NewSession creates a session for a validated request.
func (e *Engine) NewSession(req *Request) *Session {
	s := &Session{
		id:       uuid.NewString(),
		userID:   req.UserID,
		deviceID: req.DeviceID,
		filter:   req.Filter,
		db:       e.db,
		notifier: e.notifier,
		sources:  e.sources,
		caches:   e.caches,
		cfg:      e.cfg,
		lazy:     req.LazyLoader,
		initial:  req.Since == nil || req.FullState,
		mailbox:  make(chan envelope, e.cfg.MailboxSize),
		pumps:    map[pumpKey]*pump{},
		acc:      newAccumulator(),
		rooms:    map[string]string{},
	}
	if req.Since != nil {
		s.since = req.Since.StreamPosition()
	}
	if s.lazy == nil {
		s.lazy = filtering.NewLazyLoader()
	}
	s.logger = logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"user_id":    s.userID,
		"device_id":  s.deviceID,
	})
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// LiveSubscriptions returns how many subscriptions the session holds open.
func (s *Session) LiveSubscriptions() int { return int(s.live.Load()) }

func (s *Session) timelineLimit() int {
	return s.filter.Original.RoomTimeline().Events().LimitOr(s.cfg.DefaultTimelineLimit)
}

type subscribeSpec struct {
	category sources.Category
	scope    sources.Scope
	from     types.StreamPosition
}

// Start subscribes to every source the session needs and, for an initial
// sync, takes a snapshot of the user's rooms. If any subscription fails the
// session is closed and ErrSourceUnavailable returned.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateSubscribed)) {
		return fmt.Errorf("%w: start while %s", ErrSessionState, s.State())
	}
	trace, ctx := internal.StartRegion(ctx, "sync.Session.Start")
	defer trace.EndRegion()

	s.ctx, s.cancel = context.WithCancel(ctx)
	activeSessions.Inc()

	pos := s.notifier.CurrentPosition()
	from := s.since
	if s.initial {
		from = pos
	}
	s.emitted = from

	joined, invited, pending, err := s.startingRooms(ctx, pos)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	rooms := append(append([]string{}, joined...), invited...)
	specs := make([]subscribeSpec, 0, len(sources.UserCategories)+len(rooms)*len(sources.RoomCategories))
	for _, cat := range sources.UserCategories {
		specs = append(specs, subscribeSpec{category: cat, scope: sources.User(s.userID), from: from})
	}
	for _, roomID := range rooms {
		for _, cat := range sources.RoomCategories {
			specs = append(specs, subscribeSpec{category: cat, scope: sources.Room(roomID), from: from})
		}
	}
	if err = s.subscribeAll(ctx, specs); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	if s.initial {
		if err = s.snapshot(ctx, joined, pending, pos); err != nil {
			_ = s.Close()
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
	}

	if !s.state.CompareAndSwap(int32(StateSubscribed), int32(StateEmitting)) {
		return fmt.Errorf("%w: closed while starting", ErrSessionState)
	}
	s.logger.WithFields(logrus.Fields{
		"since":         s.since,
		"initial":       s.initial,
		"rooms":         len(joined),
		"subscriptions": s.LiveSubscriptions(),
	}).Debug("Sync session started")
	return nil
}

// startingRooms returns the joined and invited rooms to subscribe to
// straight away. On an incremental sync, rooms whose membership changed
// since the token are left to the membership stream so that they are
// handled as transitions. Rooms that are not joined are also returned in
// pending for the initial snapshot.
func (s *Session) startingRooms(ctx context.Context, pos types.StreamPosition) (joined, invited []string, pending map[string]string, err error) {
	memberships, err := s.db.RoomsForUser(ctx, s.userID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("s.db.RoomsForUser: %w", err)
	}
	changed := map[string]struct{}{}
	if !s.initial {
		changes, err := s.db.MembershipChanges(ctx, s.userID, types.Range{From: s.since, To: pos})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("s.db.MembershipChanges: %w", err)
		}
		for _, c := range changes {
			changed[c.RoomID] = struct{}{}
		}
	}
	pending = map[string]string{}
	for roomID, membership := range memberships {
		if _, ok := changed[roomID]; ok {
			continue
		}
		s.rooms[roomID] = membership
		switch membership {
		case spec.Join:
			if filtering.RoomFilterAllows(s.filter.Original.Room, roomID, membership) {
				joined = append(joined, roomID)
			}
		case spec.Invite:
			if filtering.RoomFilterAllows(s.filter.Original.Room, roomID, membership) {
				invited = append(invited, roomID)
			}
			pending[roomID] = membership
		default:
			pending[roomID] = membership
		}
	}
	sort.Strings(joined)
	sort.Strings(invited)
	return joined, invited, pending, nil
}

// subscribeAll opens the subscriptions concurrently. On failure every
// subscription already opened is closed again.
func (s *Session) subscribeAll(ctx context.Context, specs []subscribeSpec) error {
	subs := make([]sources.Subscription, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range specs {
		i, sp := i, sp
		g.Go(func() error {
			src, ok := s.sources[sp.category]
			if !ok {
				return fmt.Errorf("no %s source", sp.category)
			}
			sub, err := src.Subscribe(gctx, sp.scope, sp.from, s.subscribeOptions())
			if err != nil {
				return fmt.Errorf("subscribe %s %s: %w", sp.category, sp.scope, err)
			}
			subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sub := range subs {
			if sub != nil {
				_ = sub.Close()
			}
		}
		return err
	}
	for i, sp := range specs {
		s.live.Inc()
		s.startPump(sp, subs[i])
	}
	return nil
}

func (s *Session) subscribeOptions() sources.Options {
	f := s.filter.Original
	return sources.Options{UserID: s.userID, DeviceID: s.deviceID, Filter: &f}
}

// startPump runs a goroutine that feeds the subscription into the mailbox
// until the session or the pump is cancelled.
func (s *Session) startPump(sp subscribeSpec, sub sources.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		_ = sub.Close()
		s.live.Dec()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p := &pump{
		key:    pumpKey{category: sp.category, scope: sp.scope.Key()},
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
		cursor: sp.from,
	}
	s.pumps[p.key] = p
	s.wg.Add(1)
	go s.runPump(ctx, p)
}

func (s *Session) runPump(ctx context.Context, p *pump) {
	defer s.wg.Done()
	defer close(p.done)
	for {
		note, err := p.sub.Next(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		select {
		case s.mailbox <- envelope{pump: p, note: note, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// stopPump cancels a pump, waits for it and closes its subscription.
func (s *Session) stopPump(key pumpKey) {
	s.mu.Lock()
	p, ok := s.pumps[key]
	if ok {
		delete(s.pumps, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
	if err := p.sub.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close subscription")
	}
	s.live.Dec()
}

func (s *Session) subscribeRoom(ctx context.Context, roomID string, from types.StreamPosition) {
	for _, cat := range sources.RoomCategories {
		sp := subscribeSpec{category: cat, scope: sources.Room(roomID), from: from}
		sub, err := s.sources[cat].Subscribe(ctx, sp.scope, sp.from, s.subscribeOptions())
		if err != nil {
			s.sourceFailed(sp.category, sp.scope.Key(), err)
			continue
		}
		s.live.Inc()
		s.startPump(sp, sub)
	}
}

func (s *Session) unsubscribeRoom(roomID string) {
	for _, cat := range sources.RoomCategories {
		s.stopPump(pumpKey{category: cat, scope: sources.Room(roomID).Key()})
	}
}

func (s *Session) sourceFailed(category sources.Category, scope string, err error) {
	err = fmt.Errorf("%w: %s %s: %w", ErrSourceFailedMidStream, category, scope, err)
	sourceFailures.WithLabelValues(string(category)).Inc()
	s.logger.WithError(err).WithField("category", category).Error("Change source failed, continuing without it")
	sentry.CaptureException(err)
}

// snapshot fills the accumulator with the current view of the user's rooms
// as of pos.
func (s *Session) snapshot(ctx context.Context, joined []string, pending map[string]string, pos types.StreamPosition) error {
	trace, ctx := internal.StartRegion(ctx, "sync.Session.snapshot")
	defer trace.EndRegion()

	results := make([]caching.RoomFilterResult, len(joined))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotConcurrency)
	for i, roomID := range joined {
		i, roomID := i, roomID
		g.Go(func() error {
			res, err := s.roomSnapshot(gctx, roomID, pos)
			if err != nil {
				return fmt.Errorf("room %s: %w", roomID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, roomID := range joined {
		r := s.acc.room(roomID)
		r.timeline = append(r.timeline, results[i].Timeline...)
		r.state = results[i].State
		r.statePos = pos
		r.hasState = true
		r.limited = results[i].Limited
	}

	for roomID, membership := range pending {
		if !filtering.RoomFilterAllows(s.filter.Original.Room, roomID, membership) {
			continue
		}
		if membership != spec.Invite && membership != spec.Leave && membership != spec.Ban {
			continue
		}
		change, err := s.membershipEvent(ctx, roomID)
		if err != nil {
			return fmt.Errorf("s.membershipEvent: %w", err)
		}
		if change != nil && change.Position <= pos {
			s.acc.room(roomID).membership = change
		}
	}
	return nil
}

// Next waits for the next update. It returns as soon as there is something
// to send, or after timeout with an update that may be empty. A timeout of
// zero only collects what is already queued.
func (s *Session) Next(ctx context.Context, timeout time.Duration) (*types.LiveUpdate, error) {
	if s.State() != StateEmitting {
		return nil, fmt.Errorf("%w: next while %s", ErrSessionState, s.State())
	}
	started := time.Now()
	var firstData time.Time
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if s.drain(ctx) && firstData.IsZero() {
			firstData = time.Now()
		}
		w := s.watermark()
		s.pruneInvited(w)
		if s.acc.hasContent(w) || timeout <= 0 {
			return s.emit(ctx, w, started, firstData)
		}
		select {
		case env := <-s.mailbox:
			if firstData.IsZero() {
				firstData = time.Now()
			}
			s.handle(ctx, env)
		case <-expired:
			s.drain(ctx)
			w := s.watermark()
			s.pruneInvited(w)
			return s.emit(ctx, w, started, firstData)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
}

// drain handles whatever is already queued without waiting.
func (s *Session) drain(ctx context.Context) bool {
	handled := false
	for {
		select {
		case env := <-s.mailbox:
			s.handle(ctx, env)
			handled = true
		default:
			return handled
		}
	}
}

// watermark is the position up to which every subscription has been read
// completely. A subscription whose scope has not changed since its cursor
// is complete up to the current position, as is one that has failed.
func (s *Session) watermark() types.StreamPosition {
	s.mu.Lock()
	scopes := make([]string, 0, len(s.pumps))
	cursors := make([]*pump, 0, len(s.pumps))
	for _, p := range s.pumps {
		scopes = append(scopes, p.key.scope)
		cursors = append(cursors, p)
	}
	s.mu.Unlock()

	current, latest := s.notifier.Snapshot(scopes)
	w := current
	for _, p := range cursors {
		if p.failed || latest[p.key.scope] <= p.cursor {
			continue
		}
		if p.cursor < w {
			w = p.cursor
		}
	}
	if w < s.emitted {
		w = s.emitted
	}
	return w
}

func (s *Session) emit(ctx context.Context, w types.StreamPosition, started, firstData time.Time) (*types.LiveUpdate, error) {
	trace, ctx := internal.StartRegion(ctx, "sync.Session.emit")
	defer trace.EndRegion()

	batch := s.acc.take(w)
	update, err := s.render(ctx, batch, w)
	if err != nil {
		return nil, err
	}
	s.emitted = w
	var lag time.Duration
	if !firstData.IsZero() {
		lag = time.Since(firstData)
	}
	observeSyncMetrics(time.Since(started), lag)
	if !update.IsEmpty() {
		liveUpdatesEmitted.Inc()
	}
	return update, nil
}

// handle files a notification into the accumulator.
func (s *Session) handle(ctx context.Context, env envelope) {
	p := env.pump
	s.mu.Lock()
	current, ok := s.pumps[p.key]
	s.mu.Unlock()
	if !ok || current != p {
		// The room was unsubscribed after this was queued.
		return
	}
	if env.err != nil {
		p.failed = true
		s.sourceFailed(p.key.category, p.key.scope, env.err)
		return
	}
	note := env.note
	if note.To > p.cursor {
		p.cursor = note.To
	}
	if note.Changes.IsEmpty() {
		return
	}

	f := &s.filter.Original
	switch note.Category {
	case sources.CategoryTimeline:
		events := filtering.ApplyRoomEventFilter(note.Changes.Events, withoutLimit(f.RoomTimeline()))
		if len(events) > 0 {
			r := s.acc.room(note.Scope.ID)
			r.timeline = append(r.timeline, events...)
		}
	case sources.CategoryReceipts:
		events := filtering.ApplyRoomEventFilter(note.Changes.Events, withoutLimit(f.RoomEphemeral()))
		if len(events) > 0 {
			r := s.acc.room(note.Scope.ID)
			r.ephemeral = append(r.ephemeral, events...)
		}
	case sources.CategoryMembership:
		for _, change := range note.Changes.Memberships {
			s.applyMembership(ctx, change)
		}
	case sources.CategoryPresence:
		s.acc.presence = append(s.acc.presence, filtering.ApplyEventFilter(note.Changes.Events, f.Presence.WithoutLimit())...)
	case sources.CategoryAccountData:
		for _, change := range note.Changes.AccountData {
			s.addAccountData(change)
		}
	case sources.CategoryDeviceLists:
		s.acc.deviceLists = append(s.acc.deviceLists, note.Changes.DeviceLists...)
	case sources.CategoryToDevice:
		s.acc.toDevice = append(s.acc.toDevice, note.Changes.Events...)
	case sources.CategoryUnreadCounts:
		for i := range note.Changes.UnreadCounts {
			count := note.Changes.UnreadCounts[i]
			if !s.roomAllowed(count.RoomID) {
				continue
			}
			s.acc.room(count.RoomID).unread = &count
		}
	}
}

// pruneInvited drops room activity up to w in rooms the user is only
// invited to. The membership stream has been read completely up to w, so
// the user was not joined when any of it happened.
func (s *Session) pruneInvited(w types.StreamPosition) {
	keep := func(events []types.StreamEvent) []types.StreamEvent {
		out := events[:0]
		for _, ev := range events {
			if ev.Position > w {
				out = append(out, ev)
			}
		}
		return out
	}
	for roomID, r := range s.acc.rooms {
		if s.rooms[roomID] != spec.Invite {
			continue
		}
		r.timeline = keep(r.timeline)
		r.ephemeral = keep(r.ephemeral)
		r.accountData = keep(r.accountData)
		if r.unread != nil && r.unread.Position <= w {
			r.unread = nil
		}
		if r.empty() {
			delete(s.acc.rooms, roomID)
		}
	}
}

func (s *Session) roomAllowed(roomID string) bool {
	if s.filter.Original.Room == nil {
		return true
	}
	return filtering.RoomAllowed(s.filter.Original.Room.Rooms, s.filter.Original.Room.NotRooms, roomID)
}

func (s *Session) addAccountData(change types.AccountDataChange) {
	ev := types.StreamEvent{
		Event: synctypes.ClientEvent{
			Type:    change.Type,
			RoomID:  change.RoomID,
			Content: change.Content,
		},
		Position: change.Position,
	}
	if change.RoomID == "" {
		if filtering.Allowed(ev, s.filter.Original.AccountData) {
			s.acc.accountData = append(s.acc.accountData, ev)
		}
		return
	}
	if !s.roomAllowed(change.RoomID) {
		return
	}
	kept := filtering.ApplyRoomEventFilter([]types.StreamEvent{ev}, withoutLimit(s.filter.Original.RoomAccountData()))
	if len(kept) > 0 {
		r := s.acc.room(change.RoomID)
		r.accountData = append(r.accountData, kept...)
	}
}

// applyMembership follows the user into and out of rooms.
func (s *Session) applyMembership(ctx context.Context, change types.MembershipChange) {
	roomID := change.RoomID
	previous := s.rooms[roomID]
	s.rooms[roomID] = change.Membership
	if !s.roomAllowed(roomID) {
		return
	}
	logger := s.logger.WithFields(logrus.Fields{
		"room_id":    roomID,
		"membership": change.Membership,
		"position":   change.Position,
	})

	switch change.Membership {
	case spec.Join:
		r := s.acc.room(roomID)
		r.membership = &change
		if previous == spec.Join {
			return
		}
		state, err := s.joinedState(ctx, roomID, change.Position)
		if err != nil {
			logger.WithError(err).Error("Failed to load state of joined room")
		} else {
			r.state, r.statePos, r.hasState = state, change.Position, true
		}
		if previous != spec.Invite {
			logger.Debug("Joined room, subscribing")
			s.subscribeRoom(ctx, roomID, change.Position-1)
		}
	case spec.Invite:
		s.acc.room(roomID).membership = &change
		if previous != spec.Join && previous != spec.Invite {
			logger.Debug("Invited to room, subscribing")
			s.subscribeRoom(ctx, roomID, change.Position-1)
		}
	case spec.Leave, spec.Ban:
		if previous == spec.Join || previous == spec.Invite {
			logger.Debug("Left room, unsubscribing")
			s.unsubscribeRoom(roomID)
		}
		s.acc.room(roomID).membership = &change
	}
}

// Close cancels the session, waits for every pump to stop and closes every
// subscription. It is safe to call more than once.
func (s *Session) Close() error {
	for {
		st := s.State()
		if st == StateClosed || st == StateDraining {
			return nil
		}
		if s.state.CompareAndSwap(int32(st), int32(StateDraining)) {
			if st == StateInitializing {
				s.state.Store(int32(StateClosed))
				return nil
			}
			break
		}
	}
	s.mu.Lock()
	s.closing = true
	pumps := s.pumps
	s.pumps = map[pumpKey]*pump{}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	for _, p := range pumps {
		if err := p.sub.Close(); err != nil && !errors.Is(err, sources.ErrSubscriptionClosed) {
			errs = append(errs, err)
		}
		s.live.Dec()
	}
	activeSessions.Dec()
	s.state.Store(int32(StateClosed))
	s.logger.Debug("Sync session closed")
	return errors.Join(errs...)
}

// membershipOf returns content.membership of a member event.
func membershipOf(ev synctypes.ClientEvent) string {
	return gjson.GetBytes(ev.Content, "membership").Str
}
