// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

const httpServerTimeout = time.Minute * 5

var (
	configPath      = flag.String("config", "syncengine.yaml", "The path to the config file")
	httpBindAddress = flag.String("http-bind-address", ":8008", "The HTTP listening port for the server")
)

func main() {
	flag.Parse()
	internal.SetupStdLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	internal.SetupHookLogging(cfg.Logging)

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			ServerName:       string(cfg.Global.ServerName),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	processCtx := process.NewProcessContext()
	natsInstance := &jetstream.NATSInstance{}
	js, nc := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)
	userAPI := userapi.NewUserAPIClient(&cfg.Global.JetStream, nc)

	routers := httputil.NewRouters()
	syncapi.AddPublicRoutes(processCtx, routers, &cfg.SyncAPI, js, userAPI)

	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()
	externalRouter.PathPrefix(httputil.PublicClientPathPrefix).Handler(routers.Client)
	if cfg.Global.Metrics.Enabled {
		externalRouter.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth(cfg.Global.Metrics.BasicAuth)))
	}
	externalRouter.NotFoundHandler = httputil.NotFoundCORSHandler
	externalRouter.MethodNotAllowedHandler = httputil.NotAllowedHandler

	// Streaming syncs hold their connection open, so only reads are bounded.
	server := &http.Server{
		Addr:              *httpBindAddress,
		ReadHeaderTimeout: httpServerTimeout,
		Handler:           externalRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	go func() {
		processCtx.ComponentStarted()
		defer processCtx.ComponentFinished()
		logrus.Infof("Starting sync engine on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
		logrus.Info("Stopped HTTP listener")
	}()

	go func() {
		<-processCtx.WaitForShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to shut down HTTP server cleanly")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")
	processCtx.ShutdownSyncEngine()
	processCtx.WaitForComponentsToFinish()
	logrus.Warnf("Sync engine is exiting now")
}
