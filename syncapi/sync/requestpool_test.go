// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

type recordingPresence struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingPresence) SendPresence(userID, presence string, statusMsg *string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, userID+"="+presence)
	return nil
}

func newTestPool(t *testing.T) (*testEngine, *RequestPool, *recordingPresence) {
	t.Helper()
	te := newTestEngine(t)
	cfg := &config.SyncAPI{
		MaxTimeout:        time.Minute,
		KeepAliveInterval: 50 * time.Millisecond,
	}
	presence := &recordingPresence{}
	rp := NewRequestPool(te.db, cfg, te.engine, NewFilterResolver(te.db, nil, nil), nil, presence)
	return te, rp, presence
}

var aliceDevice = &userapi.Device{ID: device1, UserID: alice}

func syncRequestFor(query url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync?"+query.Encode(), nil)
}

func decodeResponse(t *testing.T, v any) *types.Response {
	t.Helper()
	res, ok := v.(*types.Response)
	require.True(t, ok, "got %T", v)
	return res
}

func matrixErrCode(t *testing.T, v any) spec.MatrixErrorCode {
	t.Helper()
	me, ok := v.(spec.MatrixError)
	require.True(t, ok, "got %T", v)
	return me.ErrCode
}

func TestSyncTimeoutIsClamped(t *testing.T) {
	cfg := &config.SyncAPI{DefaultTimeout: time.Second, MaxTimeout: 10 * time.Second}
	ctx := context.Background()
	assert.Equal(t, time.Second, syncTimeout(ctx, "", cfg))
	assert.Equal(t, time.Second, syncTimeout(ctx, "soon", cfg))
	assert.Equal(t, 250*time.Millisecond, syncTimeout(ctx, "250", cfg))
	assert.Equal(t, 10*time.Second, syncTimeout(ctx, "600000", cfg))
	assert.Equal(t, time.Duration(0), syncTimeout(ctx, "-5", cfg))
}

func TestInitialSyncRequestReturnsJoinedRooms(t *testing.T) {
	te, rp, _ := newTestPool(t)
	te.member(t, roomA, alice, spec.Join)
	te.message(t, roomA, "$hello", "m.room.message")

	res := rp.OnIncomingSyncRequest(syncRequestFor(url.Values{"timeout": {"30000"}}), aliceDevice)
	require.Equal(t, http.StatusOK, res.Code)
	body := decodeResponse(t, res.JSON)
	require.Contains(t, body.Rooms.Join, roomA)
	assert.Contains(t, eventIDs(body.Rooms.Join[roomA].Timeline.Events), "$hello")
	assert.NotEmpty(t, body.NextBatch)
}

func TestIncrementalSyncRequestTimesOut(t *testing.T) {
	te, rp, _ := newTestPool(t)
	te.member(t, roomA, alice, spec.Join)
	first := decodeResponse(t, rp.OnIncomingSyncRequest(syncRequestFor(nil), aliceDevice).JSON)

	start := time.Now()
	res := rp.OnIncomingSyncRequest(syncRequestFor(url.Values{
		"since":   {first.NextBatch},
		"timeout": {"100"},
	}), aliceDevice)
	require.Equal(t, http.StatusOK, res.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	body := decodeResponse(t, res.JSON)
	assert.Empty(t, body.Rooms.Join)
	assert.NotEmpty(t, body.NextBatch)
}

func TestSyncRequestValidationErrors(t *testing.T) {
	_, rp, _ := newTestPool(t)
	otherUser := types.NewPaginationToken(1, types.Forward, bob, "").String()
	expired := types.PaginationToken{Position: 1, Direction: types.Forward, RoomID: alice, CreatedAt: time.Now().Add(-25 * time.Hour).Unix()}

	tests := []struct {
		name     string
		query    url.Values
		wantCode int
		wantErr  spec.MatrixErrorCode
	}{
		{"malformed token", url.Values{"since": {"%%%"}}, http.StatusBadRequest, spec.ErrorInvalidParam},
		{"token for another user", url.Values{"since": {otherUser}}, http.StatusBadRequest, spec.ErrorInvalidParam},
		{"expired token", url.Values{"since": {expired.String()}}, http.StatusBadRequest, spec.ErrorInvalidParam},
		{"backward token", url.Values{"since": {types.NewPaginationToken(1, types.Backward, alice, "").String()}}, http.StatusBadRequest, spec.ErrorInvalidParam},
		{"bad inline filter", url.Values{"filter": {`{"room":`}}, http.StatusBadRequest, spec.ErrorBadJSON},
		{"unknown filter ID", url.Values{"filter": {"42"}}, http.StatusNotFound, spec.ErrorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := rp.OnIncomingSyncRequest(syncRequestFor(tt.query), aliceDevice)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, tt.wantErr, matrixErrCode(t, res.JSON))
		})
	}
}

func TestSyncRequestUsesStoredFilter(t *testing.T) {
	te, rp, _ := newTestPool(t)
	te.member(t, roomA, alice, spec.Join)
	te.member(t, roomB, alice, spec.Join)
	filterID, err := te.db.PutFilter(context.Background(), "alice", &synctypes.Filter{
		Room: &synctypes.RoomFilter{NotRooms: &[]string{roomB}},
	})
	require.NoError(t, err)

	res := rp.OnIncomingSyncRequest(syncRequestFor(url.Values{"filter": {filterID}}), aliceDevice)
	require.Equal(t, http.StatusOK, res.Code)
	body := decodeResponse(t, res.JSON)
	assert.Contains(t, body.Rooms.Join, roomA)
	assert.NotContains(t, body.Rooms.Join, roomB)
}

func TestSetPresenceIsForwarded(t *testing.T) {
	_, rp, presence := newTestPool(t)
	rp.OnIncomingSyncRequest(syncRequestFor(url.Values{"set_presence": {"unavailable"}}), aliceDevice)
	rp.OnIncomingSyncRequest(syncRequestFor(url.Values{"set_presence": {"dancing"}}), aliceDevice)
	assert.Equal(t, []string{alice + "=unavailable"}, presence.sent)
}

func TestIsStreamRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	assert.False(t, IsStreamRequest(req))
	req.Header.Set("Accept", "text/event-stream")
	assert.True(t, IsStreamRequest(req))

	ws := httptest.NewRequest(http.MethodGet, "/sync", nil)
	ws.Header.Set("Connection", "Upgrade")
	ws.Header.Set("Upgrade", "websocket")
	assert.True(t, IsStreamRequest(ws))
}

func streamServer(t *testing.T, rp *RequestPool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rp.OnIncomingStreamRequest(w, req, aliceDevice)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServerSentEventsStream(t *testing.T) {
	te, rp, _ := newTestPool(t)
	te.member(t, roomA, alice, spec.Join)
	srv := streamServer(t, rp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sync", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 64*1024), 1024*1024)
	readLine := func() string {
		require.True(t, lines.Scan(), "stream ended: %v", lines.Err())
		return lines.Text()
	}

	require.Equal(t, "event: sync", readLine())
	data := readLine()
	require.True(t, strings.HasPrefix(data, "data: "))
	var first types.Response
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &first))
	assert.Contains(t, first.Rooms.Join, roomA)

	sawKeepAlive, sawMessage := false, false
	te.message(t, roomA, "$streamed", "m.room.message")
	for !sawMessage {
		line := readLine()
		switch {
		case line == ": keep-alive":
			sawKeepAlive = true
		case strings.HasPrefix(line, "data: "):
			var res types.Response
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &res))
			if jr, ok := res.Rooms.Join[roomA]; ok {
				sawMessage = assert.Contains(t, eventIDs(jr.Timeline.Events), "$streamed")
			}
		}
	}
	for !sawKeepAlive {
		sawKeepAlive = readLine() == ": keep-alive"
	}
}

func TestWebSocketStream(t *testing.T) {
	te, rp, _ := newTestPool(t)
	te.member(t, roomA, alice, spec.Join)
	srv := streamServer(t, rp)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/sync", nil)
	require.NoError(t, err)
	defer conn.Close() // nolint:errcheck

	var first types.Response
	require.NoError(t, conn.ReadJSON(&first))
	assert.Contains(t, first.Rooms.Join, roomA)

	te.message(t, roomA, "$over-ws", "m.room.message")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var res types.Response
		require.NoError(t, conn.ReadJSON(&res))
		if jr, ok := res.Rooms.Join[roomA]; ok {
			assert.Contains(t, eventIDs(jr.Timeline.Events), "$over-ws")
			return
		}
	}
}
