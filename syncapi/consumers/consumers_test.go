// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
	room  = "!room:test"
)

type testConsumers struct {
	db           storage.Database
	n            *notifier.Notifier
	roomEvents   *OutputRoomEventConsumer
	receipts     *OutputReceiptEventConsumer
	notifData    *OutputNotificationDataConsumer
	clientData   *OutputClientDataConsumer
	presence     *PresenceConsumer
	deviceLists  *DeviceListUpdateConsumer
	sendToDevice *OutputSendToDeviceEventConsumer
}

func newTestConsumers(t *testing.T) *testConsumers {
	t.Helper()
	db, err := storage.NewSyncServerDatasource(&config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "syncapi.db")),
	})
	require.NoError(t, err)
	n := notifier.NewNotifier()
	require.NoError(t, n.Load(context.Background(), db))

	cfg := &config.SyncAPI{Matrix: &config.Global{ServerName: "test"}}
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.ShutdownSyncEngine)
	var caches *caching.Caches
	return &testConsumers{
		db:           db,
		n:            n,
		roomEvents:   NewOutputRoomEventConsumer(processCtx, cfg, nil, db, n, caches),
		receipts:     NewOutputReceiptEventConsumer(processCtx, cfg, nil, db, n),
		notifData:    NewOutputNotificationDataConsumer(processCtx, cfg, nil, db, n),
		clientData:   NewOutputClientDataConsumer(processCtx, cfg, nil, db, n),
		presence:     NewPresenceConsumer(processCtx, cfg, nil, db, n),
		deviceLists:  NewDeviceListUpdateConsumer(processCtx, cfg, nil, db, n),
		sendToDevice: NewOutputSendToDeviceEventConsumer(processCtx, cfg, nil, db, n),
	}
}

func jsonMsg(t *testing.T, v any) *nats.Msg {
	t.Helper()
	msg := nats.NewMsg("test")
	data, err := json.Marshal(v)
	require.NoError(t, err)
	msg.Data = data
	return msg
}

var eventCounter int

func (tc *testConsumers) member(t *testing.T, userID, membership string) {
	t.Helper()
	eventCounter++
	ev := synctypes.ClientEvent{
		EventID:  fmt.Sprintf("$member%d", eventCounter),
		RoomID:   room,
		Sender:   userID,
		Type:     spec.MRoomMember,
		StateKey: &userID,
		Content:  json.RawMessage(fmt.Sprintf(`{"membership":%q}`, membership)),
	}
	require.True(t, tc.roomEvents.onMessage(context.Background(), []*nats.Msg{
		jsonMsg(t, types.OutputRoomEvent{Event: ev}),
	}))
}

func assertClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	default:
		t.Fatal("scope was not woken")
	}
}

func (tc *testConsumers) all(t *testing.T) types.Range {
	t.Helper()
	pos, err := tc.db.MaxStreamPosition(context.Background())
	require.NoError(t, err)
	return types.Range{From: 0, To: pos}
}

func TestMalformedMessagesAreAcknowledged(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	garbage := func() []*nats.Msg {
		msg := nats.NewMsg("test")
		msg.Data = []byte("{not json")
		return []*nats.Msg{msg}
	}
	assert.True(t, tc.roomEvents.onMessage(ctx, garbage()))
	assert.True(t, tc.receipts.onMessage(ctx, garbage()))
	assert.True(t, tc.notifData.onMessage(ctx, garbage()))
	assert.True(t, tc.clientData.onMessage(ctx, garbage()))
	assert.True(t, tc.presence.onMessage(ctx, garbage()))
	assert.True(t, tc.deviceLists.onMessage(ctx, garbage()))
	assert.True(t, tc.sendToDevice.onMessage(ctx, garbage()))
	assert.Equal(t, types.StreamPosition(0), tc.n.CurrentPosition())
}

func TestRoomEventWakesRoomAndMember(t *testing.T) {
	tc := newTestConsumers(t)
	roomWoken := tc.n.NotifyAfter(notifier.RoomScope(room), 0)
	userWoken := tc.n.NotifyAfter(notifier.UserScope(alice), 0)

	tc.member(t, alice, spec.Join)

	assertClosed(t, roomWoken)
	assertClosed(t, userWoken)
	rooms, err := tc.db.RoomsForUser(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, spec.Join, rooms[room])
}

func TestRoomEventKeepsTransactionID(t *testing.T) {
	tc := newTestConsumers(t)
	ev := synctypes.ClientEvent{
		EventID: "$txn", RoomID: room, Sender: alice, Type: "m.room.message",
		Content: json.RawMessage(`{"body":"hi"}`),
	}
	txn := &types.TransactionID{DeviceID: "DEVICE", TransactionID: "t1"}
	require.True(t, tc.roomEvents.onMessage(context.Background(), []*nats.Msg{
		jsonMsg(t, types.OutputRoomEvent{Event: ev, TransactionID: txn}),
	}))

	stored, err := tc.db.EventByID(context.Background(), "$txn")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, txn, stored.TransactionID)
}

func TestMembershipTracksDeviceLists(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	tc.member(t, alice, spec.Join)
	tc.member(t, bob, spec.Join)

	changes, err := tc.db.DeviceListChangesInRange(ctx, alice, tc.all(t))
	require.NoError(t, err)
	var changed []string
	for _, c := range changes {
		changed = append(changed, c.UserID)
	}
	assert.Contains(t, changed, bob)

	before := tc.all(t).To
	tc.member(t, bob, spec.Leave)
	changes, err = tc.db.DeviceListChangesInRange(ctx, alice, types.Range{From: before, To: tc.all(t).To})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, bob, changes[0].UserID)
	assert.True(t, changes[0].Left)
	assert.Equal(t, changes[0].Position, tc.n.LatestPosition(notifier.UserScope(alice)))
}

func TestLastLeavePurgesRoom(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	tc.member(t, alice, spec.Join)
	require.NoError(t, tc.receipts.onReceipt(ctx, types.OutputReceiptEvent{
		UserID: alice, RoomID: room, EventID: "$x", Type: "m.read", Timestamp: 1,
	}))

	tc.member(t, alice, spec.Leave)
	receipts, err := tc.db.RoomReceiptsInRange(ctx, []string{room}, tc.all(t))
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestReadReceiptClearsUnreadCounts(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	tc.member(t, alice, spec.Join)

	notif := jsonMsg(t, types.NotificationData{RoomID: room, UnreadNotificationCount: 3, UnreadHighlightCount: 1})
	notif.Header.Set(jetstream.UserID, alice)
	require.True(t, tc.notifData.onMessage(ctx, []*nats.Msg{notif}))

	receipt := nats.NewMsg("test")
	receipt.Header.Set(jetstream.UserID, alice)
	receipt.Header.Set(jetstream.RoomID, room)
	receipt.Header.Set(jetstream.EventID, "$read")
	receipt.Header.Set(jetstream.Type, "m.read")
	receipt.Header.Set("timestamp", "1234")
	require.True(t, tc.receipts.onMessage(ctx, []*nats.Msg{receipt}))

	receipts, err := tc.db.RoomReceiptsInRange(ctx, []string{room}, tc.all(t))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "$read", receipts[0].EventID)
	assert.Equal(t, spec.Timestamp(1234), receipts[0].Timestamp)

	counts, err := tc.db.UnreadCountsInRange(ctx, alice, tc.all(t))
	require.NoError(t, err)
	require.NotEmpty(t, counts)
	latest := counts[len(counts)-1]
	assert.Equal(t, room, latest.RoomID)
	assert.Zero(t, latest.NotificationCount)
	assert.Zero(t, latest.HighlightCount)
}

func TestReceiptWithoutTimestampIsDropped(t *testing.T) {
	tc := newTestConsumers(t)
	msg := nats.NewMsg("test")
	msg.Header.Set(jetstream.UserID, alice)
	msg.Header.Set(jetstream.RoomID, room)
	assert.True(t, tc.receipts.onMessage(context.Background(), []*nats.Msg{msg}))
	assert.Equal(t, types.StreamPosition(0), tc.n.CurrentPosition())
}

func TestPresenceWakesSharedUsers(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	tc.member(t, alice, spec.Join)
	tc.member(t, bob, spec.Join)

	msg := nats.NewMsg("test")
	msg.Header.Set(jetstream.UserID, alice)
	msg.Header.Set("presence", "unavailable")
	msg.Header.Set("status_msg", "lunch")
	msg.Header.Set("last_active_ts", strconv.Itoa(42))
	require.True(t, tc.presence.onMessage(ctx, []*nats.Msg{msg}))

	pos := tc.n.CurrentPosition()
	assert.Equal(t, pos, tc.n.LatestPosition(notifier.UserScope(alice)))
	assert.Equal(t, pos, tc.n.LatestPosition(notifier.UserScope(bob)))

	changes, err := tc.db.PresenceInRange(ctx, bob, tc.all(t))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, alice, changes[0].UserID)
	assert.Equal(t, "unavailable", changes[0].Presence)
	require.NotNil(t, changes[0].StatusMsg)
	assert.Equal(t, "lunch", *changes[0].StatusMsg)
}

func TestInvalidPresenceIsDropped(t *testing.T) {
	tc := newTestConsumers(t)
	msg := nats.NewMsg("test")
	msg.Header.Set(jetstream.UserID, alice)
	msg.Header.Set("presence", "dancing")
	msg.Header.Set("last_active_ts", "1")
	assert.True(t, tc.presence.onMessage(context.Background(), []*nats.Msg{msg}))
	assert.Equal(t, types.StreamPosition(0), tc.n.CurrentPosition())
}

func TestAccountDataIsStored(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	msg := jsonMsg(t, types.OutputAccountData{RoomID: room, Type: "m.tag", Content: json.RawMessage(`{"tags":{}}`)})
	msg.Header.Set(jetstream.UserID, alice)
	require.True(t, tc.clientData.onMessage(ctx, []*nats.Msg{msg}))

	changes, err := tc.db.AccountDataInRange(ctx, alice, tc.all(t), nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, room, changes[0].RoomID)
	assert.Equal(t, "m.tag", changes[0].Type)
	assert.JSONEq(t, `{"tags":{}}`, string(changes[0].Content))
	assert.Equal(t, changes[0].Position, tc.n.LatestPosition(notifier.UserScope(alice)))
}

func TestDeviceListUpdateWakesSharedUsers(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	tc.member(t, alice, spec.Join)
	tc.member(t, bob, spec.Join)
	before := tc.all(t).To

	require.True(t, tc.deviceLists.onMessage(ctx, []*nats.Msg{jsonMsg(t, types.DeviceListUpdate{UserID: bob})}))

	changes, err := tc.db.DeviceListChangesInRange(ctx, alice, types.Range{From: before, To: tc.all(t).To})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, bob, changes[0].UserID)
	assert.False(t, changes[0].Left)
	assert.Equal(t, changes[0].Position, tc.n.LatestPosition(notifier.UserScope(alice)))
}

func TestSendToDeviceIsStoredForLocalDevices(t *testing.T) {
	tc := newTestConsumers(t)
	ctx := context.Background()
	local := types.OutputSendToDeviceEvent{
		UserID: alice, DeviceID: "DEVICE", Sender: bob, Type: "m.room_key",
		Content: json.RawMessage(`{"k":1}`),
	}
	remote := local
	remote.UserID = "@carol:elsewhere"
	require.True(t, tc.sendToDevice.onMessage(ctx, []*nats.Msg{jsonMsg(t, local)}))
	require.True(t, tc.sendToDevice.onMessage(ctx, []*nats.Msg{jsonMsg(t, remote)}))

	events, err := tc.db.SendToDeviceInRange(ctx, alice, "DEVICE", tc.all(t))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bob, events[0].Event.Sender)
	assert.Equal(t, "m.room_key", events[0].Event.Type)

	events, err = tc.db.SendToDeviceInRange(ctx, "@carol:elsewhere", "DEVICE", tc.all(t))
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.True(t, tc.sendToDevice.isLocalUser("@dave:TEST"))
	assert.False(t, tc.sendToDevice.isLocalUser("dave:test"))
	assert.False(t, tc.sendToDevice.isLocalUser("@dave"))
}
