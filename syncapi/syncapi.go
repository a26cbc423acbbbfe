// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/consumers"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/producers"
	"github.com/element-hq/syncengine/syncapi/routing"
	"github.com/element-hq/syncengine/syncapi/sources"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/sync"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

type consumer interface {
	Start() error
}

// AddPublicRoutes sets up and registers HTTP handlers for the SyncAPI
// component.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	userAPI userapi.SyncUserAPI,
) {
	dbOptions := cfg.DatabaseOptions()
	syncDB, err := storage.NewSyncServerDatasource(&dbOptions)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to sync db")
	}

	n := notifier.NewNotifier()
	if err = n.Load(processContext.Context(), syncDB); err != nil {
		logrus.WithError(err).Panicf("failed to load notifier")
	}

	caches := caching.NewRistrettoCache(caching.CacheOptions{
		MaxCompiledFilters: cfg.Filters.MaxCompiledFilters,
		MaxFilterResults:   cfg.Filters.MaxCachedResults,
		FilterResultMaxAge: cfg.Filters.ResultMaxAge,
	}, cfg.Filters.EnablePrometheus)
	filterIDs := caching.NewFilterIDCache(cfg.Filters.FilterIDMaxAge)

	engine := sync.NewEngine(syncDB, n, sources.NewSet(syncDB, n), caches, sync.Config{
		MailboxSize:          cfg.MailboxSize,
		DefaultTimelineLimit: cfg.DefaultTimelineLimit,
	})
	resolver := sync.NewFilterResolver(syncDB, filterIDs, caches)
	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting, cfg.RealIPHeader)
	presence := &producers.PresenceProducer{
		Topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		JetStream: js,
	}
	requestPool := sync.NewRequestPool(syncDB, cfg, engine, resolver, rateLimits, presence)

	go func() {
		<-processContext.WaitForShutdown()
		rateLimits.Stop()
		caches.Close()
	}()

	for name, c := range map[string]consumer{
		"room server":    consumers.NewOutputRoomEventConsumer(processContext, cfg, js, syncDB, n, caches),
		"receipts":       consumers.NewOutputReceiptEventConsumer(processContext, cfg, js, syncDB, n),
		"notifications":  consumers.NewOutputNotificationDataConsumer(processContext, cfg, js, syncDB, n),
		"client data":    consumers.NewOutputClientDataConsumer(processContext, cfg, js, syncDB, n),
		"presence":       consumers.NewPresenceConsumer(processContext, cfg, js, syncDB, n),
		"device lists":   consumers.NewDeviceListUpdateConsumer(processContext, cfg, js, syncDB, n),
		"send-to-device": consumers.NewOutputSendToDeviceEventConsumer(processContext, cfg, js, syncDB, n),
	} {
		if err = c.Start(); err != nil {
			logrus.WithError(err).Panicf("failed to start %s consumer", name)
		}
	}

	routing.Setup(routers.Client, requestPool, syncDB, userAPI)
}
