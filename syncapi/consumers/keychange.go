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
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// DeviceListUpdateConsumer consumes device list changes from the key
// server.
type DeviceListUpdateConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewDeviceListUpdateConsumer creates a new DeviceListUpdateConsumer. Call
// Start() to begin consuming.
func NewDeviceListUpdateConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *DeviceListUpdateConsumer {
	return &DeviceListUpdateConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.InputDeviceListUpdateSubject("*")),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIDeviceListUpdateConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming device list updates.
func (s *DeviceListUpdateConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *DeviceListUpdateConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var update types.DeviceListUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil || update.UserID == "" {
		log.WithError(err).Error("device list consumer: message parse failure")
		if err != nil {
			sentry.CaptureException(err)
		}
		return true
	}
	if err := s.onDeviceListUpdate(ctx, update.UserID); err != nil {
		log.WithError(err).WithField("user_id", update.UserID).Error("device list consumer: failed to store update")
		sentry.CaptureException(err)
		return false
	}
	return true
}

// onDeviceListUpdate records the change once and wakes everyone who shares
// a room with the user, the user's own other devices included.
func (s *DeviceListUpdateConsumer) onDeviceListUpdate(ctx context.Context, userID string) error {
	shared, err := s.db.SharedUsers(ctx, userID)
	if err != nil {
		return fmt.Errorf("s.db.SharedUsers: %w", err)
	}
	scopes := append(userScopes(shared), notifier.UserScope(userID))
	_, err = s.notifier.Publish(ctx, scopes, func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreDeviceListUpdate(ctx, userID, "", false)
	})
	if err != nil {
		return fmt.Errorf("s.db.StoreDeviceListUpdate: %w", err)
	}
	return nil
}
