// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/syncapi/filtering"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/sync"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

const (
	defaultMessagesLimit = 10
	maxMessagesLimit     = 1000
	// Extra rows read per page to leave room for events the in-memory
	// filter rejects.
	messagesPageSlack = 10
)

type messagesResp struct {
	Start string            `json:"start"`
	End   string            `json:"end,omitempty"`
	Chunk []json.RawMessage `json:"chunk"`
	State []json.RawMessage `json:"state,omitempty"`
}

// OnIncomingMessagesRequest implements the /messages endpoint from the
// client-server API.
// See: https://matrix.org/docs/spec/client_server/latest.html#get-matrix-client-r0-rooms-roomid-messages
func OnIncomingMessagesRequest(
	req *http.Request, db storage.Database, roomID string, device *userapi.Device,
) util.JSONResponse {
	ctx := req.Context()
	q := req.URL.Query()
	logger := util.GetLogger(ctx).WithField("room_id", roomID)

	dir := types.Direction(q.Get("dir"))
	if dir == "" {
		dir = types.Backward
	}
	if dir != types.Backward && dir != types.Forward {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Bad or missing dir query parameter (should be either 'b' or 'f')"),
		}
	}

	limit := defaultMessagesLimit
	if s := q.Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l < 0 {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("limit must be a non-negative integer"),
			}
		}
		limit = min(l, maxMessagesLimit)
	}

	var filter *synctypes.RoomEventFilter
	if s := q.Get("filter"); s != "" {
		filter = &synctypes.RoomEventFilter{}
		if err := json.Unmarshal([]byte(s), filter); err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON("unable to parse filter: " + err.Error()),
			}
		}
	}

	var from, to *types.PaginationToken
	for param, dst := range map[string]**types.PaginationToken{"from": &from, "to": &to} {
		s := q.Get(param)
		if s == "" {
			continue
		}
		tok, err := types.DecodePaginationToken(s)
		if err == nil {
			err = tok.Validate(roomID)
		}
		if err != nil {
			logger.WithError(err).Debugf("Rejecting %s token", param)
			return sync.ErrorResponse(fmt.Errorf("%s: %w", param, err))
		}
		*dst = &tok
	}

	bound, resErr := visibleUpTo(ctx, db, roomID, device.UserID)
	if resErr != nil {
		return *resErr
	}

	r := messagesRange(dir, from, to, bound)
	events, more, err := paginate(ctx, db, roomID, r, filter, limit)
	if err != nil {
		logger.WithError(err).Error("Failed to paginate room events")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	res := messagesResp{Chunk: []json.RawMessage{}}
	if from != nil {
		res.Start = q.Get("from")
	} else if dir == types.Backward {
		res.Start = types.NewPaginationToken(bound+1, types.Backward, roomID, "").String()
	} else {
		res.Start = types.NewPaginationToken(0, types.Forward, roomID, "").String()
	}
	if more && len(events) > 0 {
		last := events[len(events)-1]
		res.End = types.NewPaginationToken(last.Position, dir, roomID, last.Event.EventID).String()
	}
	if res.Chunk, err = filtering.FormatClientEvents(events, device.ID, nil); err != nil {
		logger.WithError(err).Error("Failed to format events")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if res.Chunk == nil {
		res.Chunk = []json.RawMessage{}
	}
	if filter != nil && filter.LazyLoadMembers && len(events) > 0 {
		if res.State, err = senderMembers(ctx, db, roomID, events); err != nil {
			logger.WithError(err).Error("Failed to load members of the senders")
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// visibleUpTo returns the last position the user may read in the room: the
// current position while joined, the position they left at otherwise.
func visibleUpTo(ctx context.Context, db storage.Database, roomID, userID string) (types.StreamPosition, *util.JSONResponse) {
	internalErr := &util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.InternalServerError{},
	}
	rooms, err := db.RoomsForUser(ctx, userID)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("db.RoomsForUser failed")
		return 0, internalErr
	}
	switch rooms[roomID] {
	case spec.Join:
		pos, err := db.MaxStreamPosition(ctx)
		if err != nil {
			util.GetLogger(ctx).WithError(err).Error("db.MaxStreamPosition failed")
			return 0, internalErr
		}
		return pos, nil
	case spec.Leave, spec.Ban:
		members, err := db.CurrentState(ctx, roomID, &synctypes.EventFilter{Types: &[]string{spec.MRoomMember}})
		if err != nil {
			util.GetLogger(ctx).WithError(err).Error("db.CurrentState failed")
			return 0, internalErr
		}
		for _, ev := range members {
			if ev.Event.StateKeyEquals(userID) {
				return ev.Position, nil
			}
		}
	}
	return 0, &util.JSONResponse{
		Code: http.StatusForbidden,
		JSON: spec.Forbidden("You aren't a member of the room and weren't previously a member of the room."),
	}
}

// messagesRange turns the tokens into the positions to read. A backward
// token at P sits just before P, a forward token at P just after it.
func messagesRange(dir types.Direction, from, to *types.PaginationToken, bound types.StreamPosition) types.Range {
	// after returns the last position before the gap the token points at.
	after := func(tok *types.PaginationToken) types.StreamPosition {
		if tok.Direction == types.Backward {
			return tok.StreamPosition() - 1
		}
		return tok.StreamPosition()
	}
	r := types.Range{From: 0, To: bound, Backwards: dir == types.Backward}
	if dir == types.Backward {
		if from != nil {
			r.To = min(after(from), bound)
		}
		if to != nil {
			r.From = after(to)
		}
	} else {
		if from != nil {
			r.From = after(from)
		}
		if to != nil {
			r.To = min(after(to), bound)
		}
	}
	return r
}

// paginate reads up to limit events in the direction of r. Filters are
// pushed down to the database and applied again in memory.
func paginate(
	ctx context.Context, db storage.Database, roomID string, r types.Range,
	filter *synctypes.RoomEventFilter, limit int,
) (events []types.StreamEvent, more bool, err error) {
	if limit == 0 {
		return nil, false, nil
	}
	var inMemory *synctypes.RoomEventFilter
	if filter != nil {
		f := *filter
		f.Limit = nil
		inMemory = &f
	}
	pushdown := filter.Events().WithoutLimit()
	want := limit + 1
	for !r.Empty() && len(events) < want {
		page, err := db.RoomEvents(ctx, roomID, r, pushdown, want+messagesPageSlack)
		if err != nil {
			return nil, false, fmt.Errorf("db.RoomEvents: %w", err)
		}
		if len(page) == 0 {
			break
		}
		last := page[len(page)-1].Position
		if r.Backwards {
			r.To = last - 1
		} else {
			r.From = last
		}
		for _, ev := range filtering.ApplyRoomEventFilter(page, inMemory) {
			events = append(events, ev)
			if len(events) == want {
				break
			}
		}
		if len(page) < want+messagesPageSlack {
			break
		}
	}
	if len(events) > limit {
		return events[:limit], true, nil
	}
	return events, false, nil
}

// senderMembers returns the current membership events of the senders of
// events, for lazy-loading clients.
func senderMembers(ctx context.Context, db storage.Database, roomID string, events []types.StreamEvent) ([]json.RawMessage, error) {
	senders := map[string]struct{}{}
	for _, ev := range events {
		senders[ev.Event.Sender] = struct{}{}
	}
	members, err := db.CurrentState(ctx, roomID, &synctypes.EventFilter{Types: &[]string{spec.MRoomMember}})
	if err != nil {
		return nil, fmt.Errorf("db.CurrentState: %w", err)
	}
	var wanted []types.StreamEvent
	for _, ev := range members {
		if ev.Event.StateKey == nil {
			continue
		}
		if _, ok := senders[*ev.Event.StateKey]; ok {
			wanted = append(wanted, ev)
		}
	}
	return filtering.FormatClientEvents(wanted, "", nil)
}
