// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// OutputClientDataConsumer consumes account data changes made through the
// client API.
type OutputClientDataConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewOutputClientDataConsumer creates a new OutputClientData consumer. Call Start() to begin consuming from room servers.
func NewOutputClientDataConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputClientDataConsumer {
	return &OutputClientDataConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputClientData),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIAccountDataConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming from room servers
func (s *OutputClientDataConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called when the sync server receives a new event from the client API server output log.
func (s *OutputClientDataConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)

	var output types.OutputAccountData
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("client API server output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if userID == "" || output.Type == "" {
		log.WithField("user_id", userID).Error("client API server output log: account data without a user or type")
		return true
	}

	if err := s.onAccountData(ctx, userID, output); err != nil {
		sentry.CaptureException(err)
		log.WithFields(log.Fields{
			"type":    output.Type,
			"room_id": output.RoomID,
		}).WithError(err).Errorf("could not save account data")
		return false
	}
	return true
}

func (s *OutputClientDataConsumer) onAccountData(ctx context.Context, userID string, output types.OutputAccountData) error {
	content := output.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	pos, err := s.notifier.Publish(ctx, []string{notifier.UserScope(userID)}, func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreAccountData(ctx, userID, output.RoomID, output.Type, content)
	})
	if err != nil {
		return fmt.Errorf("s.db.StoreAccountData: %w", err)
	}
	log.WithFields(log.Fields{
		"type":       output.Type,
		"room_id":    output.RoomID,
		"stream_pos": pos,
	}).Debug("Received data from client API server")
	return nil
}
