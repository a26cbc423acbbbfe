// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// Presence states a client may ask to be set to while syncing.
var validPresence = map[string]struct{}{
	"online":      {},
	"offline":     {},
	"unavailable": {},
}

// syncRequest is a parsed /sync request.
type syncRequest struct {
	*Request
	timeout     time.Duration
	setPresence string
}

// newSyncRequest validates the query parameters of a /sync request. The
// token and filter are checked before any subscription work starts.
func newSyncRequest(
	ctx context.Context, req *http.Request, device *userapi.Device,
	resolver *FilterResolver, cfg *config.SyncAPI,
) (*syncRequest, error) {
	q := req.URL.Query()

	var since *types.PaginationToken
	if s := q.Get("since"); s != "" {
		tok, err := types.DecodePaginationToken(s)
		if err != nil {
			return nil, err
		}
		if tok.Direction != types.Forward {
			return nil, fmt.Errorf("%w: sync tokens page forwards", types.ErrInvalidTokenFormat)
		}
		// Sync tokens are bound to the user rather than to a room.
		if err = tok.ValidateAt(time.Now(), device.UserID); err != nil {
			return nil, err
		}
		since = &tok
	}

	localpart, err := device.Localpart()
	if err != nil {
		return nil, fmt.Errorf("device.Localpart: %w", err)
	}
	filter, err := resolver.Resolve(ctx, localpart, q.Get("filter"))
	if err != nil {
		return nil, err
	}

	setPresence := q.Get("set_presence")
	if _, ok := validPresence[setPresence]; setPresence != "" && !ok {
		util.GetLogger(ctx).WithField("set_presence", setPresence).Debug("Ignoring unknown presence state")
		setPresence = ""
	}

	return &syncRequest{
		Request: &Request{
			UserID:    device.UserID,
			DeviceID:  device.ID,
			Filter:    filter,
			Since:     since,
			FullState: strings.EqualFold(q.Get("full_state"), "true"),
		},
		timeout:     syncTimeout(ctx, q.Get("timeout"), cfg),
		setPresence: setPresence,
	}, nil
}

// syncTimeout parses the timeout in milliseconds, clamped to the
// configured maximum. A missing or malformed value uses the default.
func syncTimeout(ctx context.Context, param string, cfg *config.SyncAPI) time.Duration {
	timeout := cfg.DefaultTimeout
	if param != "" {
		ms, err := strconv.ParseInt(param, 10, 64)
		if err != nil {
			util.GetLogger(ctx).WithError(err).Debug("Failed to parse timeout, using default")
		} else {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	if cfg.MaxTimeout > 0 && timeout > cfg.MaxTimeout {
		timeout = cfg.MaxTimeout
	}
	return timeout
}
