// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/tls"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/process"
)

// NATSInstance runs an embedded NATS server when no external addresses
// are configured.
type NATSInstance struct {
	*natsserver.Server
	nc *nats.Conn
	js nats.JetStreamContext
}

var natsLock sync.Mutex

func DeleteAllStreams(js nats.JetStreamContext, cfg *config.JetStream) {
	for _, stream := range streams {
		_ = js.DeleteStream(cfg.Prefixed(stream.Name))
	}
}

// Prepare starts the embedded server if needed and returns a connection
// with every stream set up.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn) {
	natsLock.Lock()
	defer natsLock.Unlock()
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		// reuse existing connections
		if s.nc != nil {
			return s.js, s.nc
		}
		s.js, s.nc = setupNATS(process, cfg, nil)
		return s.js, s.nc
	}
	if s.Server == nil {
		var err error
		opts := &natsserver.Options{
			ServerName:      "monolith",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
			SyncAlways:      true,
		}
		s.Server, err = natsserver.NewServer(opts)
		if err != nil {
			panic(err)
		}
		s.ConfigureLogger()
		go func() {
			process.ComponentStarted()
			s.Start()
		}()
		go func() {
			<-process.WaitForShutdown()
			s.Shutdown()
			s.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	if !s.ReadyForConnections(time.Second * 60) {
		logrus.Fatalln("NATS did not start in time")
	}
	// reuse existing connections
	if s.nc != nil {
		return s.js, s.nc
	}
	nc, err := nats.Connect("", nats.InProcessServer(s))
	if err != nil {
		logrus.Fatalln("Failed to create NATS client")
	}
	s.js, s.nc = setupNATS(process, cfg, nc)
	return s.js, s.nc
}

func setupNATS(process *process.ProcessContext, cfg *config.JetStream, nc *nats.Conn) (nats.JetStreamContext, *nats.Conn) {
	var err error
	if nc == nil {
		opts := []nats.Option{}
		if cfg.DisableTLSValidation {
			opts = append(opts, nats.Secure(&tls.Config{
				InsecureSkipVerify: true, // nolint:gosec
			}))
		}
		if string(cfg.Credentials) != "" {
			opts = append(opts, nats.UserCredentials(string(cfg.Credentials)))
		}
		nc, err = nats.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
			return nil, nil
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
		return nil, nil
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != nats.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		subjects := stream.Subjects
		if len(subjects) == 0 {
			// By default we want each stream to listen for the subjects
			// that are either an exact match for the stream name, or where
			// the first part of the subject is the stream name. ">" is a
			// wildcard in NATS for one or more subject tokens. In the case
			// that the stream is called "Foo", this will match any message
			// with the subject "Foo", "Foo.Bar" or "Foo.Bar.Baz" etc.
			subjects = []string{name, name + ".>"}
		}
		if info != nil {
			// If the stream config doesn't match what we expect, try to
			// update it. If that doesn't work then try to blow it away and
			// we'll then recreate it in the next section.
			// Each specific option that we set must be checked by hand, as
			// if you DeepEqual the whole config struct, it will always show
			// that there's a difference because the NATS Server will return
			// defaults in the stream info.
			switch {
			case !slices.Equal(info.Config.Subjects, subjects):
				fallthrough
			case info.Config.Retention != stream.Retention:
				fallthrough
			case info.Config.Storage != stream.Storage:
				fallthrough
			case info.Config.MaxAge != stream.MaxAge:
				// Try updating the stream first, as many things can be
				// updated in-place.
				update := *stream
				update.Name, update.Subjects = name, subjects
				if _, err = js.UpdateStream(&update); err != nil {
					// The update failed, so try to delete the stream first.
					logrus.WithError(err).Warnf("Unable to update stream %q, recreating...", name)
					if err = js.DeleteStream(name); err != nil {
						logrus.WithError(err).Fatalf("Unable to delete stream %q", name)
					}
					info = nil
				}
			}
		}
		if info == nil {
			// If we're trying to keep everything in memory (e.g. unit
			// tests) then overwrite the storage policy.
			if cfg.InMemory {
				stream.Storage = nats.MemoryStorage
			}

			// Namespace the streams without modifying the original streams
			// array, otherwise we end up with namespaces on namespaces.
			namespaced := *stream
			namespaced.Name = name
			namespaced.Subjects = subjects
			if _, err = js.AddStream(&namespaced); err != nil {
				logger := logrus.WithError(err).WithFields(logrus.Fields{
					"stream":   namespaced.Name,
					"subjects": namespaced.Subjects,
				})

				// If the stream was supposed to be in-memory to begin with
				// then an error here is fatal so we'll give up.
				if namespaced.Storage == nats.MemoryStorage {
					logger.WithError(err).Fatal("Unable to add in-memory stream")
				}

				// The stream was supposed to be on disk. Let's try
				// starting NATS with storage in memory instead.
				logger.WithError(err).Error("Unable to add stream")
				namespaced.Storage = nats.MemoryStorage
				if _, err = js.AddStream(&namespaced); err != nil {
					// We tried to add the stream in-memory instead but
					// something went wrong. That's an unrecoverable
					// condition so we should give up at this point.
					logger.WithError(err).Fatal("Unable to add in-memory stream")
				}

				// We managed to add the stream in memory. What's on disk
				// will be left alone, but our ability to recover from a
				// crash will be limited. Yell about it.
				sentryErr := fmt.Errorf("stream %q is running in-memory; this may be due to data corruption in the JetStream storage directory", namespaced.Name)
				process.Degraded(sentryErr)
			}
		}
	}

	return js, nc
}
