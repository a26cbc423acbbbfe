// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
	carol = "@carol:test"
	room  = "!room:test"
)

func mustCreateDatabase(t *testing.T) storage.Database {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "syncapi.db")
	db, err := storage.NewSyncServerDatasource(&config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + dbPath),
	})
	require.NoError(t, err)
	return db
}

func stateKey(s string) *string { return &s }

func memberEvent(id, roomID, userID, membership string) *synctypes.ClientEvent {
	return &synctypes.ClientEvent{
		EventID:  id,
		RoomID:   roomID,
		Sender:   userID,
		Type:     spec.MRoomMember,
		StateKey: stateKey(userID),
		Content:  json.RawMessage(fmt.Sprintf(`{"membership":%q}`, membership)),
	}
}

func messageEvent(id, sender, body string) *synctypes.ClientEvent {
	return &synctypes.ClientEvent{
		EventID: id,
		RoomID:  room,
		Sender:  sender,
		Type:    "m.room.message",
		Content: json.RawMessage(fmt.Sprintf(`{"body":%q}`, body)),
	}
}

func TestStoreEventAllocatesGlobalPositions(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	p1, err := db.StoreEvent(ctx, memberEvent("$join", room, alice, spec.Join), nil)
	require.NoError(t, err)
	p2, err := db.StorePresence(ctx, alice, "online", nil, spec.Timestamp(1000))
	require.NoError(t, err)
	p3, err := db.StoreEvent(ctx, messageEvent("$m1", alice, "hello"), &types.TransactionID{DeviceID: "D", TransactionID: "t1"})
	require.NoError(t, err)
	assert.True(t, p1 < p2 && p2 < p3, "positions must increase across categories: %d %d %d", p1, p2, p3)

	dup, err := db.StoreEvent(ctx, messageEvent("$m1", alice, "hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, p3, dup)

	maxPos, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, p3, maxPos)

	events, err := db.RoomEvents(ctx, room, types.Range{From: 0, To: maxPos}, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "$join", events[0].Event.EventID)
	assert.Equal(t, &types.TransactionID{DeviceID: "D", TransactionID: "t1"}, events[1].TransactionID)
}

func TestRoomEventsPushdownAndLimit(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	_, err := db.StoreEvent(ctx, memberEvent("$join", room, alice, spec.Join), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		sender := alice
		if i%2 == 1 {
			sender = bob
		}
		_, err = db.StoreEvent(ctx, messageEvent(fmt.Sprintf("$m%d", i), sender, "x"), nil)
		require.NoError(t, err)
	}
	maxPos, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)

	filter := &synctypes.EventFilter{
		Types:      &[]string{"m.room.*"},
		NotSenders: &[]string{bob},
	}
	events, err := db.RoomEvents(ctx, room, types.Range{From: 0, To: maxPos}, filter, 0)
	require.NoError(t, err)
	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.Event.EventID)
	}
	assert.Equal(t, []string{"$join", "$m0", "$m2", "$m4"}, ids)

	// Newest first when paginating backwards.
	events, err = db.RoomEvents(ctx, room, types.Range{From: 0, To: maxPos, Backwards: true}, nil, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "$m4", events[0].Event.EventID)
	assert.Equal(t, "$m3", events[1].Event.EventID)

	// Underscores match literally.
	events, err = db.RoomEvents(ctx, room, types.Range{From: 0, To: maxPos}, &synctypes.EventFilter{
		Types: &[]string{"m_room_message"},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRoomEventsPushdownIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	custom := messageEvent("$custom", alice, "x")
	custom.Type = "com.Example.Custom"
	_, err := db.StoreEvent(ctx, custom, nil)
	require.NoError(t, err)
	wildcard := messageEvent("$wild", alice, "x")
	wildcard.Type = "com.example.a_b%c"
	_, err = db.StoreEvent(ctx, wildcard, nil)
	require.NoError(t, err)
	maxPos, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)
	r := types.Range{From: 0, To: maxPos}

	ids := func(filter *synctypes.EventFilter) []string {
		events, err := db.RoomEvents(ctx, room, r, filter, 0)
		require.NoError(t, err)
		var got []string
		for _, ev := range events {
			got = append(got, ev.Event.EventID)
		}
		return got
	}

	assert.Equal(t, []string{"$custom", "$wild"}, ids(&synctypes.EventFilter{NotTypes: &[]string{"com.example.custom"}}))
	assert.Nil(t, ids(&synctypes.EventFilter{Types: &[]string{"com.example.custom"}}))
	assert.Equal(t, []string{"$custom"}, ids(&synctypes.EventFilter{Types: &[]string{"com.Example.*"}}))
	assert.Nil(t, ids(&synctypes.EventFilter{Types: &[]string{"com.example.a?b*"}}))
	assert.Equal(t, []string{"$wild"}, ids(&synctypes.EventFilter{Types: &[]string{"com.example.a_b%c"}}))
}

func TestCurrentStateAndMemberships(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	joinPos, err := db.StoreEvent(ctx, memberEvent("$alice", room, alice, spec.Join), nil)
	require.NoError(t, err)
	_, err = db.StoreEvent(ctx, memberEvent("$bob", room, bob, spec.Join), nil)
	require.NoError(t, err)
	_, err = db.StoreEvent(ctx, memberEvent("$carol", "!other:test", carol, spec.Join), nil)
	require.NoError(t, err)
	leavePos, err := db.StoreEvent(ctx, memberEvent("$bob2", room, bob, spec.Leave), nil)
	require.NoError(t, err)

	rooms, err := db.RoomsForUser(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{room: spec.Leave}, rooms)

	joined, err := db.JoinedUsers(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{alice}, joined)

	shared, err := db.SharedUsers(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{alice}, shared)

	state, err := db.CurrentState(ctx, room, nil)
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, joinPos, state[0].Position)
	assert.Equal(t, leavePos, state[1].Position)

	changes, err := db.MembershipChanges(ctx, bob, types.Range{From: joinPos, To: leavePos})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, spec.Leave, changes[0].Membership)
}

func TestEphemeralRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	_, err := db.StoreEvent(ctx, memberEvent("$alice", room, alice, spec.Join), nil)
	require.NoError(t, err)
	_, err = db.StoreEvent(ctx, memberEvent("$bob", room, bob, spec.Join), nil)
	require.NoError(t, err)
	base, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)

	r1, err := db.StoreReceipt(ctx, room, "m.read", bob, "$bob", 1000)
	require.NoError(t, err)
	same, err := db.StoreReceipt(ctx, room, "m.read", bob, "$bob", 2000)
	require.NoError(t, err)
	assert.Equal(t, r1, same, "a receipt for the same event keeps its position")

	status := "busy"
	_, err = db.StorePresence(ctx, bob, "unavailable", &status, 1234)
	require.NoError(t, err)
	_, err = db.StorePresence(ctx, carol, "online", nil, 1234)
	require.NoError(t, err)

	_, err = db.StoreAccountData(ctx, alice, "", "m.push_rules", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = db.StoreAccountData(ctx, alice, room, "m.tag", json.RawMessage(`{"tags":{}}`))
	require.NoError(t, err)
	_, err = db.StoreUnreadCounts(ctx, alice, room, 3, 1)
	require.NoError(t, err)
	_, err = db.StoreDeviceListUpdate(ctx, bob, "", false)
	require.NoError(t, err)
	msgPos, err := db.StoreSendToDevice(ctx, alice, "DEV", synctypes.ClientEvent{
		Type: "m.room_key", Sender: bob, Content: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	top, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)
	r := types.Range{From: base, To: top}

	receipts, err := db.RoomReceiptsInRange(ctx, []string{room}, r)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, spec.Timestamp(2000), receipts[0].Timestamp)

	presence, err := db.PresenceInRange(ctx, alice, r)
	require.NoError(t, err)
	require.Len(t, presence, 1, "carol shares no room with alice")
	assert.Equal(t, bob, presence[0].UserID)
	assert.Equal(t, &status, presence[0].StatusMsg)

	accountData, err := db.AccountDataInRange(ctx, alice, r, &synctypes.EventFilter{Types: &[]string{"m.push_rules"}})
	require.NoError(t, err)
	require.Len(t, accountData, 1)
	if diff := cmp.Diff(json.RawMessage(`{"a":1}`), accountData[0].Content); diff != "" {
		t.Fatalf("account data content mismatch (-want +got):\n%s", diff)
	}

	counts, err := db.UnreadCountsInRange(ctx, alice, r)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 3, counts[0].NotificationCount)

	deviceLists, err := db.DeviceListChangesInRange(ctx, alice, r)
	require.NoError(t, err)
	require.Len(t, deviceLists, 1)
	assert.Equal(t, bob, deviceLists[0].UserID)

	messages, err := db.SendToDeviceInRange(ctx, alice, "DEV", r)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NoError(t, db.CleanSendToDevice(ctx, alice, "DEV", msgPos))
	messages, err = db.SendToDeviceInRange(ctx, alice, "DEV", r)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDeviceListLeaveVisibleToFormerRoommates(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	_, err := db.StoreEvent(ctx, memberEvent("$alice", room, alice, spec.Join), nil)
	require.NoError(t, err)
	_, err = db.StoreEvent(ctx, memberEvent("$bob", room, bob, spec.Join), nil)
	require.NoError(t, err)
	base, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)
	_, err = db.StoreEvent(ctx, memberEvent("$bob2", room, bob, spec.Leave), nil)
	require.NoError(t, err)
	_, err = db.StoreDeviceListUpdate(ctx, bob, room, true)
	require.NoError(t, err)
	top, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)

	changes, err := db.DeviceListChangesInRange(ctx, alice, types.Range{From: base, To: top})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Left)
	assert.Equal(t, bob, changes[0].UserID)
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	limit := 5
	filter := &synctypes.Filter{Room: &synctypes.RoomFilter{
		Timeline: &synctypes.RoomEventFilter{EventFilter: synctypes.EventFilter{Limit: &limit}},
	}}
	id, err := db.PutFilter(ctx, "alice", filter)
	require.NoError(t, err)
	again, err := db.PutFilter(ctx, "alice", filter)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, err := db.GetFilter(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, filter, got)

	got, err = db.GetFilter(ctx, "bob", id)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = db.GetFilter(ctx, "alice", "not-a-number")
	require.NoError(t, err)
	assert.Nil(t, got)
}
