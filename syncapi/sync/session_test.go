// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/sources"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	alice   = "@alice:test"
	bob     = "@bob:test"
	roomA   = "!a:test"
	roomB   = "!b:test"
	device1 = "DEVICE1"
)

type testEngine struct {
	db     storage.Database
	n      *notifier.Notifier
	set    sources.Set
	engine *Engine
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db, err := storage.NewSyncServerDatasource(&config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "syncapi.db")),
	})
	require.NoError(t, err)
	n := notifier.NewNotifier()
	require.NoError(t, n.Load(context.Background(), db))
	te := &testEngine{db: db, n: n, set: sources.NewSet(db, n)}
	te.engine = NewEngine(db, n, te.set, nil, Config{MailboxSize: 8, DefaultTimelineLimit: 10})
	return te
}

func (te *testEngine) storeEvent(t *testing.T, ev synctypes.ClientEvent, scopes ...string) types.StreamPosition {
	t.Helper()
	scopes = append(scopes, notifier.RoomScope(ev.RoomID))
	pos, err := te.n.Publish(context.Background(), scopes, func(ctx context.Context) (types.StreamPosition, error) {
		return te.db.StoreEvent(ctx, &ev, nil)
	})
	require.NoError(t, err)
	return pos
}

func (te *testEngine) member(t *testing.T, room, user, membership string) types.StreamPosition {
	t.Helper()
	return te.storeEvent(t, synctypes.ClientEvent{
		EventID:  fmt.Sprintf("$%s-%s-%d", membership, user, time.Now().UnixNano()),
		RoomID:   room,
		Sender:   user,
		Type:     spec.MRoomMember,
		StateKey: &user,
		Content:  json.RawMessage(fmt.Sprintf(`{"membership":%q}`, membership)),
	}, notifier.UserScope(user))
}

func (te *testEngine) message(t *testing.T, room, eventID, evType string) types.StreamPosition {
	t.Helper()
	return te.storeEvent(t, synctypes.ClientEvent{
		EventID: eventID,
		RoomID:  room,
		Sender:  bob,
		Type:    evType,
		Content: json.RawMessage(fmt.Sprintf(`{"body":%q}`, eventID)),
	})
}

func (te *testEngine) session(t *testing.T, filter *synctypes.Filter, since *types.PaginationToken) *Session {
	t.Helper()
	s := te.engine.NewSession(&Request{
		UserID:   alice,
		DeviceID: device1,
		Filter:   caching.Compile(filter),
		Since:    since,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nextBatch(t *testing.T, u *types.LiveUpdate) types.PaginationToken {
	t.Helper()
	tok, err := types.DecodePaginationToken(u.NextBatch)
	require.NoError(t, err)
	return tok
}

func eventIDs(events []json.RawMessage) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, gjson.GetBytes(ev, "event_id").Str)
	}
	return ids
}

func TestInitialSyncSnapshotsJoinedRooms(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	te.message(t, roomA, "$m1", "m.room.message")
	pos := te.message(t, roomA, "$m2", "m.room.message")

	s := te.session(t, nil, nil)
	assert.Equal(t, StateEmitting, s.State())
	assert.Equal(t, len(sources.UserCategories)+len(sources.RoomCategories), s.LiveSubscriptions())

	u, err := s.Next(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	jr := u.Rooms.Join[roomA]
	require.NotNil(t, jr)
	ids := eventIDs(jr.Timeline.Events)
	require.Len(t, ids, 3)
	assert.Equal(t, []string{"$m1", "$m2"}, ids[1:])
	assert.False(t, jr.Timeline.Limited)
	assert.NotEmpty(t, jr.Timeline.PrevBatch)

	tok := nextBatch(t, u)
	assert.Equal(t, pos, tok.StreamPosition())
	assert.Equal(t, alice, tok.RoomID)
}

func TestInitialSyncHonoursTimelineLimit(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	for i := 0; i < 5; i++ {
		te.message(t, roomA, fmt.Sprintf("$m%d", i), "m.room.message")
	}
	limit := 2
	s := te.session(t, &synctypes.Filter{Room: &synctypes.RoomFilter{
		Timeline: &synctypes.RoomEventFilter{EventFilter: synctypes.EventFilter{Limit: &limit}},
	}}, nil)

	u, err := s.Next(context.Background(), 0)
	require.NoError(t, err)
	jr := u.Rooms.Join[roomA]
	require.NotNil(t, jr)
	assert.Equal(t, []string{"$m3", "$m4"}, eventIDs(jr.Timeline.Events))
	assert.True(t, jr.Timeline.Limited)
	// The membership cut from the timeline comes back as state.
	require.Len(t, jr.State.Events, 1)
	assert.Equal(t, spec.MRoomMember, gjson.GetBytes(jr.State.Events[0], "type").Str)
}

func TestNextDeliversLiveEvents(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	s := te.session(t, nil, nil)
	_, err := s.Next(context.Background(), 0)
	require.NoError(t, err)

	published := make(chan types.StreamPosition, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		published <- te.message(t, roomA, "$live", "m.room.message")
	}()
	u, err := s.Next(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	jr := u.Rooms.Join[roomA]
	require.NotNil(t, jr)
	assert.Equal(t, []string{"$live"}, eventIDs(jr.Timeline.Events))
	assert.Equal(t, <-published, nextBatch(t, u).StreamPosition())
}

func TestNextTimesOutWithEmptyUpdate(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	s := te.session(t, nil, nil)
	first, err := s.Next(context.Background(), 0)
	require.NoError(t, err)

	te.message(t, roomB, "$elsewhere", "m.room.message")
	started := time.Now()
	u, err := s.Next(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	assert.True(t, u.IsEmpty())
	assert.GreaterOrEqual(t, nextBatch(t, u).Position, nextBatch(t, first).Position)
}

func TestIncrementalSyncResumesFromToken(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	since := types.NewPaginationToken(te.message(t, roomA, "$old", "m.room.message"), types.Forward, alice, "")
	te.message(t, roomA, "$new", "m.room.message")

	s := te.session(t, nil, &since)
	u, err := s.Next(context.Background(), time.Second)
	require.NoError(t, err)
	jr := u.Rooms.Join[roomA]
	require.NotNil(t, jr)
	assert.Equal(t, []string{"$new"}, eventIDs(jr.Timeline.Events))
}

func TestSessionsWithDifferentFiltersSeeDifferentViews(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	msgTypes := []string{"m.room.message"}
	onlyMessages := te.session(t, &synctypes.Filter{Room: &synctypes.RoomFilter{
		Timeline: &synctypes.RoomEventFilter{EventFilter: synctypes.EventFilter{Types: &msgTypes}},
	}}, nil)
	everything := te.session(t, nil, nil)
	for _, s := range []*Session{onlyMessages, everything} {
		_, err := s.Next(context.Background(), 0)
		require.NoError(t, err)
	}

	te.message(t, roomA, "$topic", "m.room.topic")
	te.message(t, roomA, "$msg", "m.room.message")

	collect := func(s *Session) []string {
		var ids []string
		deadline := time.Now().Add(2 * time.Second)
		for len(ids) < 2 && time.Now().Before(deadline) {
			u, err := s.Next(context.Background(), 100*time.Millisecond)
			require.NoError(t, err)
			if u.Rooms != nil && u.Rooms.Join[roomA] != nil {
				ids = append(ids, eventIDs(u.Rooms.Join[roomA].Timeline.Events)...)
			}
			if s == onlyMessages && len(ids) == 1 {
				break
			}
		}
		return ids
	}
	assert.Equal(t, []string{"$msg"}, collect(onlyMessages))
	assert.Equal(t, []string{"$topic", "$msg"}, collect(everything))
}

func TestJoinSubscribesAndLeaveUnsubscribes(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, bob, spec.Join)
	te.storeEvent(t, synctypes.ClientEvent{
		EventID: "$name", RoomID: roomA, Sender: bob, Type: "m.room.name",
		StateKey: new(string), Content: json.RawMessage(`{"name":"A"}`),
	})
	s := te.session(t, nil, nil)
	_, err := s.Next(context.Background(), 0)
	require.NoError(t, err)
	base := s.LiveSubscriptions()

	te.member(t, roomA, alice, spec.Join)
	u, err := s.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	jr := u.Rooms.Join[roomA]
	require.NotNil(t, jr)
	var stateTypes []string
	for _, ev := range jr.State.Events {
		stateTypes = append(stateTypes, gjson.GetBytes(ev, "type").Str)
	}
	assert.Contains(t, stateTypes, "m.room.name")
	assert.Equal(t, base+len(sources.RoomCategories), s.LiveSubscriptions())

	te.message(t, roomA, "$after-join", "m.room.message")
	u, err = s.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	assert.Contains(t, eventIDs(u.Rooms.Join[roomA].Timeline.Events), "$after-join")

	te.member(t, roomA, alice, spec.Leave)
	u, err = s.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	assert.NotNil(t, u.Rooms.Leave[roomA])
	assert.Equal(t, base, s.LiveSubscriptions())
}

func TestLiveLeaveIgnoresIncludeLeave(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	te.member(t, roomB, alice, spec.Join)
	te.member(t, roomB, alice, spec.Leave)

	excludeLeave := &synctypes.Filter{Room: &synctypes.RoomFilter{}}
	s := te.session(t, excludeLeave, nil)
	u, err := s.Next(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	assert.NotNil(t, u.Rooms.Join[roomA])
	assert.Nil(t, u.Rooms.Leave[roomB], "rooms left before the session need include_leave")

	te.member(t, roomA, alice, spec.Leave)
	u, err = s.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	assert.NotNil(t, u.Rooms.Leave[roomA])

	withoutRoomFilter := te.session(t, nil, nil)
	u, err = withoutRoomFilter.Next(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	assert.NotNil(t, u.Rooms.Leave[roomA])
	assert.NotNil(t, u.Rooms.Leave[roomB])
}

func TestInviteAppearsWithStrippedState(t *testing.T) {
	te := newTestEngine(t)
	s := te.session(t, nil, nil)
	_, err := s.Next(context.Background(), 0)
	require.NoError(t, err)

	target := alice
	te.storeEvent(t, synctypes.ClientEvent{
		EventID: "$invite", RoomID: roomB, Sender: bob, Type: spec.MRoomMember,
		StateKey: &target,
		Content:  json.RawMessage(`{"membership":"invite"}`),
		Unsigned: json.RawMessage(`{"invite_room_state":[{"type":"m.room.name","state_key":"","sender":"@bob:test","content":{"name":"B"}}]}`),
	}, notifier.UserScope(alice))

	u, err := s.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	ir := u.Rooms.Invite[roomB]
	require.NotNil(t, ir)
	require.Len(t, ir.InviteState.Events, 2)
	assert.Equal(t, "m.room.name", gjson.GetBytes(ir.InviteState.Events[0], "type").Str)
	assert.Equal(t, "invite", gjson.GetBytes(ir.InviteState.Events[1], "content.membership").Str)
	assert.Empty(t, u.Rooms.Join)

	// Messages in a room the user is only invited to are not delivered.
	te.message(t, roomB, "$while-invited", "m.room.message")
	u, err = s.Next(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, u.IsEmpty())
}

func TestUserCategoriesReachTheSession(t *testing.T) {
	te := newTestEngine(t)
	s := te.session(t, nil, nil)
	_, err := s.Next(context.Background(), 0)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = te.n.Publish(ctx, []string{notifier.UserScope(alice)}, func(ctx context.Context) (types.StreamPosition, error) {
		return te.db.StoreAccountData(ctx, alice, "", "m.push_rules", json.RawMessage(`{"global":{}}`))
	})
	require.NoError(t, err)
	_, err = te.n.Publish(ctx, []string{notifier.UserScope(alice)}, func(ctx context.Context) (types.StreamPosition, error) {
		return te.db.StoreSendToDevice(ctx, alice, device1, synctypes.ClientEvent{
			Sender: bob, Type: "m.room_key", Content: json.RawMessage(`{"k":1}`),
		})
	})
	require.NoError(t, err)

	var accountData, toDevice int
	deadline := time.Now().Add(2 * time.Second)
	for (accountData == 0 || toDevice == 0) && time.Now().Before(deadline) {
		u, err := s.Next(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		accountData += len(u.AccountData)
		toDevice += len(u.ToDevice)
	}
	assert.Equal(t, 1, accountData)
	assert.Equal(t, 1, toDevice)
}

type failingSource struct {
	category     sources.Category
	subscribeErr error
	nextErr      error
}

func (f *failingSource) Category() sources.Category { return f.category }

func (f *failingSource) Subscribe(ctx context.Context, scope sources.Scope, from types.StreamPosition, opts sources.Options) (sources.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return &failingSubscription{err: f.nextErr}, nil
}

type failingSubscription struct{ err error }

func (f *failingSubscription) Next(ctx context.Context) (sources.Notification, error) {
	return sources.Notification{}, f.err
}

func (f *failingSubscription) Close() error { return nil }

func TestStartFailsWhenASourceIsUnavailable(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	set := sources.Set{}
	for k, v := range te.set {
		set[k] = v
	}
	set[sources.CategoryReceipts] = &failingSource{category: sources.CategoryReceipts, subscribeErr: errors.New("receipts are down")}
	engine := NewEngine(te.db, te.n, set, nil, Config{})

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s := engine.NewSession(&Request{UserID: alice, DeviceID: device1, Filter: caching.Compile(nil)})
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.LiveSubscriptions())
}

func TestSessionSurvivesMidStreamFailure(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	set := sources.Set{}
	for k, v := range te.set {
		set[k] = v
	}
	set[sources.CategoryPresence] = &failingSource{category: sources.CategoryPresence, nextErr: errors.New("presence went away")}
	engine := NewEngine(te.db, te.n, set, nil, Config{})

	s := engine.NewSession(&Request{UserID: alice, DeviceID: device1, Filter: caching.Compile(nil)})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close() // nolint: errcheck
	_, err := s.Next(context.Background(), 0)
	require.NoError(t, err)

	te.message(t, roomA, "$still-here", "m.room.message")
	u, err := s.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, u.Rooms)
	assert.Equal(t, []string{"$still-here"}, eventIDs(u.Rooms.Join[roomA].Timeline.Events))
}

func TestCloseUnblocksNextAndStopsPumps(t *testing.T) {
	te := newTestEngine(t)
	te.member(t, roomA, alice, spec.Join)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := te.engine.NewSession(&Request{UserID: alice, DeviceID: device1, Filter: caching.Compile(nil)})
	require.NoError(t, s.Start(context.Background()))
	_, err := s.Next(context.Background(), 0)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background(), time.Minute)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.LiveSubscriptions())
	require.NoError(t, s.Close())

	_, err = s.Next(context.Background(), 0)
	assert.ErrorIs(t, err, ErrSessionState)
}

func TestCallerCancellationStopsNext(t *testing.T) {
	te := newTestEngine(t)
	s := te.session(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateEmitting, s.State())
}
