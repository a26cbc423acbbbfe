// Copyright 2024 New Vector Ltd.
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

var validPresence = map[string]struct{}{
	"online":      {},
	"offline":     {},
	"unavailable": {},
}

// PresenceConsumer consumes presence updates, including the ones the sync
// endpoint itself produces for set_presence.
type PresenceConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewPresenceConsumer creates a new PresenceConsumer. Call Start() to
// begin consuming.
func NewPresenceConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *PresenceConsumer {
	return &PresenceConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIPresenceConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming presence events.
func (s *PresenceConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *PresenceConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)
	presence := msg.Header.Get("presence")
	if _, ok := validPresence[presence]; !ok || userID == "" {
		log.WithFields(log.Fields{
			"user_id":  userID,
			"presence": presence,
		}).Error("presence consumer: invalid presence update")
		return true
	}

	var statusMsg *string
	if _, ok := msg.Header["status_msg"]; ok {
		status := msg.Header.Get("status_msg")
		statusMsg = &status
	}
	ts, err := strconv.ParseUint(msg.Header.Get("last_active_ts"), 10, 64)
	if err != nil {
		log.WithError(err).Errorf("presence consumer: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	if err = s.onPresence(ctx, userID, presence, statusMsg, spec.Timestamp(ts)); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("presence consumer: failed to store presence")
		sentry.CaptureException(err)
		return false
	}
	return true
}

// onPresence stores the update and wakes the user and everyone who shares a
// room with them.
func (s *PresenceConsumer) onPresence(ctx context.Context, userID, presence string, statusMsg *string, lastActive spec.Timestamp) error {
	shared, err := s.db.SharedUsers(ctx, userID)
	if err != nil {
		return fmt.Errorf("s.db.SharedUsers: %w", err)
	}
	scopes := append(userScopes(shared), notifier.UserScope(userID))
	pos, err := s.notifier.Publish(ctx, scopes, func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StorePresence(ctx, userID, presence, statusMsg, lastActive)
	})
	if err != nil {
		return fmt.Errorf("s.db.StorePresence: %w", err)
	}
	log.WithFields(log.Fields{
		"user_id":    userID,
		"presence":   presence,
		"stream_pos": pos,
	}).Trace("Stored presence")
	return nil
}
