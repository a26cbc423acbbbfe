// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"net/http"
	"time"

	"github.com/matrix-org/util"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/filtering"
	"github.com/element-hq/syncengine/syncapi/storage"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// PresencePublisher forwards set_presence to the presence subsystem.
type PresencePublisher interface {
	SendPresence(userID, presence string, statusMsg *string) error
}

// RequestPool serves sync requests.
type RequestPool struct {
	db       storage.Database
	cfg      *config.SyncAPI
	engine   *Engine
	resolver *FilterResolver
	limiter  *httputil.RateLimits
	presence PresencePublisher
	// lazyLoaders remembers, per device, which members were already sent.
	lazyLoaders *gocache.Cache
}

// NewRequestPool creates a RequestPool. limiter and presence may be nil.
func NewRequestPool(
	db storage.Database, cfg *config.SyncAPI, engine *Engine, resolver *FilterResolver,
	limiter *httputil.RateLimits, presence PresencePublisher,
) *RequestPool {
	return &RequestPool{
		db:          db,
		cfg:         cfg,
		engine:      engine,
		resolver:    resolver,
		limiter:     limiter,
		presence:    presence,
		lazyLoaders: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// lazyLoader returns the lazy loading cache of the device. An initial sync
// starts a new one since the client holds no members yet.
func (rp *RequestPool) lazyLoader(device *userapi.Device, initial bool) *filtering.LazyLoader {
	key := device.UserID + "|" + device.ID
	if !initial {
		if l, ok := rp.lazyLoaders.Get(key); ok {
			return l.(*filtering.LazyLoader)
		}
	}
	l := filtering.NewLazyLoader()
	rp.lazyLoaders.SetDefault(key, l)
	return l
}

func (rp *RequestPool) updatePresence(presence, userID string) {
	if presence == "" || rp.presence == nil {
		return
	}
	if err := rp.presence.SendPresence(userID, presence, nil); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Unable to publish presence")
	}
}

// prepare parses the request and starts a session for it. On success the
// caller owns the session and must close it.
func (rp *RequestPool) prepare(ctx context.Context, req *http.Request, device *userapi.Device) (*syncRequest, *Session, *util.JSONResponse) {
	if rp.limiter != nil {
		if resErr := rp.limiter.Limit(req, device); resErr != nil {
			return nil, nil, resErr
		}
	}
	logger := util.GetLogger(ctx)

	sr, err := newSyncRequest(ctx, req, device, rp.resolver, rp.cfg)
	if err != nil {
		logger.WithError(err).Debug("Rejecting sync request")
		res := ErrorResponse(err)
		return nil, nil, &res
	}
	sr.LazyLoader = rp.lazyLoader(device, sr.Since == nil)
	rp.updatePresence(sr.setPresence, device.UserID)

	if sr.Since != nil {
		// The client has seen everything up to its token.
		if err = rp.db.CleanSendToDevice(ctx, device.UserID, device.ID, sr.Since.StreamPosition()); err != nil {
			logger.WithError(err).Error("rp.db.CleanSendToDevice failed")
		}
	}

	session := rp.engine.NewSession(sr.Request)
	if err = session.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start sync session")
		res := ErrorResponse(err)
		return nil, nil, &res
	}
	return sr, session, nil
}

// OnIncomingSyncRequest serves a single-shot /sync, blocking until there is
// something to return or the timeout passes.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "Sync.OnIncomingSyncRequest")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)

	sr, session, resErr := rp.prepare(ctx, req, device)
	if resErr != nil {
		return *resErr
	}
	defer func() {
		if err := session.Close(); err != nil {
			util.GetLogger(ctx).WithError(err).Warn("Failed to close sync session cleanly")
		}
	}()

	timeout := sr.timeout
	if sr.Since == nil || sr.FullState {
		// Initial syncs return straight away.
		timeout = 0
	}
	update, err := session.Next(ctx, timeout)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Debug("Sync session ended without an update")
		return ErrorResponse(err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: update.Response(),
	}
}
