// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// OutputReceiptEventConsumer consumes events that originated in the EDU server.
type OutputReceiptEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewOutputReceiptEventConsumer creates a new OutputReceiptEventConsumer.
// Call Start() to begin consuming from the EDU server.
func NewOutputReceiptEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputReceiptEventConsumer {
	return &OutputReceiptEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIReceiptConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming receipts events.
func (s *OutputReceiptEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputReceiptEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	output := types.OutputReceiptEvent{
		UserID:  msg.Header.Get(jetstream.UserID),
		RoomID:  msg.Header.Get(jetstream.RoomID),
		EventID: msg.Header.Get(jetstream.EventID),
		Type:    msg.Header.Get(jetstream.Type),
	}

	timestamp, err := strconv.ParseUint(msg.Header.Get("timestamp"), 10, 64)
	if err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	output.Timestamp = spec.Timestamp(timestamp)

	if err = s.onReceipt(ctx, output); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":  output.UserID,
			"room_id":  output.RoomID,
			"event_id": output.EventID,
		}).Error("SyncAPI receipt consumer: failed to store receipt")
		sentry.CaptureException(err)
		return false
	}
	return true
}

// onReceipt stores the receipt and wakes the room. A read receipt also
// clears the reader's unread counts for the room.
func (s *OutputReceiptEventConsumer) onReceipt(ctx context.Context, output types.OutputReceiptEvent) error {
	pos, err := s.notifier.Publish(ctx, []string{notifier.RoomScope(output.RoomID)}, func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreReceipt(ctx, output.RoomID, output.Type, output.UserID, output.EventID, output.Timestamp)
	})
	if err != nil {
		return fmt.Errorf("s.db.StoreReceipt: %w", err)
	}
	log.WithFields(log.Fields{
		"user_id":    output.UserID,
		"room_id":    output.RoomID,
		"event_id":   output.EventID,
		"stream_pos": pos,
	}).Debug("SyncAPI receipt consumer: stored receipt successfully")

	if output.Type != "m.read" {
		return nil
	}
	_, err = s.notifier.Publish(ctx, []string{notifier.UserScope(output.UserID)}, func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreUnreadCounts(ctx, output.UserID, output.RoomID, 0, 0)
	})
	if err != nil {
		return fmt.Errorf("s.db.StoreUnreadCounts: %w", err)
	}
	return nil
}
