// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// OutputSendToDeviceEventConsumer consumes events that originated in the EDU server.
type OutputSendToDeviceEventConsumer struct {
	ctx         context.Context
	jetstream   nats.JetStreamContext
	durable     string
	topic       string
	db          storage.Database
	notifier    *notifier.Notifier
	isLocalUser func(userID string) bool
}

// NewOutputSendToDeviceEventConsumer creates a new OutputSendToDeviceEventConsumer.
// Call Start() to begin consuming from the EDU server.
func NewOutputSendToDeviceEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputSendToDeviceEventConsumer {
	return &OutputSendToDeviceEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputSendToDeviceEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPISendToDeviceConsumer"),
		db:        store,
		notifier:  notifier,
		isLocalUser: func(userID string) bool {
			_, domain, err := gomatrixserverlib.SplitID('@', userID)
			return err == nil && cfg.Matrix.IsLocalServerName(domain)
		},
	}
}

// Start consuming send-to-device events.
func (s *OutputSendToDeviceEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputSendToDeviceEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output types.OutputSendToDeviceEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("send-to-device output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if !s.isLocalUser(output.UserID) || output.DeviceID == "" {
		log.WithFields(log.Fields{
			"user_id":   output.UserID,
			"device_id": output.DeviceID,
		}).Debug("Ignoring send-to-device message for a non-local device")
		return true
	}

	if err := s.onSendToDevice(ctx, output); err != nil {
		sentry.CaptureException(err)
		log.WithError(err).WithFields(log.Fields{
			"user_id":   output.UserID,
			"device_id": output.DeviceID,
		}).Errorf("failed to store send-to-device message")
		return false
	}
	return true
}

func (s *OutputSendToDeviceEventConsumer) onSendToDevice(ctx context.Context, output types.OutputSendToDeviceEvent) error {
	event := synctypes.ClientEvent{
		Sender:  output.Sender,
		Type:    output.Type,
		Content: output.Content,
	}
	pos, err := s.notifier.Publish(ctx, []string{notifier.UserScope(output.UserID)}, func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreSendToDevice(ctx, output.UserID, output.DeviceID, event)
	})
	if err != nil {
		return fmt.Errorf("s.db.StoreSendToDevice: %w", err)
	}
	log.WithFields(log.Fields{
		"sender":     output.Sender,
		"user_id":    output.UserID,
		"device_id":  output.DeviceID,
		"event_type": output.Type,
		"stream_pos": pos,
	}).Debug("Stored send-to-device message")
	return nil
}
