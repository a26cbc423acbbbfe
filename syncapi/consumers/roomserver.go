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
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
	caches    caching.FilterCache
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call
// Start() to begin consuming from room servers.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
	caches caching.FilterCache,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomServerConsumer"),
		db:        store,
		notifier:  notifier,
		caches:    caches,
	}
}

// Start consuming from room servers
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output types.OutputRoomEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if output.Event.EventID == "" || output.Event.RoomID == "" {
		log.Errorf("roomserver output log: event without an ID or room")
		return true
	}

	if err := s.onNewRoomEvent(ctx, output); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_id": output.Event.EventID,
			"room_id":  output.Event.RoomID,
		}).Error("roomserver output log: failed to process event")
		sentry.CaptureException(err)
		return false
	}
	return true
}

// onNewRoomEvent stores the event and wakes the room. Membership events
// also wake their target, and keep device list tracking in step with who
// shares a room with whom.
func (s *OutputRoomEventConsumer) onNewRoomEvent(ctx context.Context, output types.OutputRoomEvent) error {
	ev := output.Event
	scopes := []string{notifier.RoomScope(ev.RoomID)}
	var membership string
	if ev.Type == spec.MRoomMember && ev.StateKey != nil {
		membership = gjson.GetBytes(ev.Content, "membership").Str
		scopes = append(scopes, notifier.UserScope(*ev.StateKey))
	}

	pos, err := s.notifier.Publish(ctx, scopes, func(ctx context.Context) (types.StreamPosition, error) {
		pos, err := s.db.StoreEvent(ctx, &ev, output.TransactionID)
		if err == nil {
			s.caches.InvalidateRoom(ev.RoomID)
		}
		return pos, err
	})
	if err != nil {
		return fmt.Errorf("s.db.StoreEvent: %w", err)
	}
	log.WithFields(log.Fields{
		"event_id":   ev.EventID,
		"room_id":    ev.RoomID,
		"stream_pos": pos,
	}).Debug("Stored room event")

	switch membership {
	case spec.Join:
		return s.onJoin(ctx, *ev.StateKey)
	case spec.Leave, spec.Ban:
		return s.onLeave(ctx, *ev.StateKey, ev.RoomID)
	}
	return nil
}

// onJoin tells everyone who now shares a room with the user to fetch their
// devices.
func (s *OutputRoomEventConsumer) onJoin(ctx context.Context, userID string) error {
	shared, err := s.db.SharedUsers(ctx, userID)
	if err != nil {
		return fmt.Errorf("s.db.SharedUsers: %w", err)
	}
	_, err = s.notifier.Publish(ctx, userScopes(shared), func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreDeviceListUpdate(ctx, userID, "", false)
	})
	return err
}

// onLeave lets the remaining members of the room stop tracking the user's
// devices, and drops the ephemeral data of the room once nobody is left.
func (s *OutputRoomEventConsumer) onLeave(ctx context.Context, userID, roomID string) error {
	joined, err := s.db.JoinedUsers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("s.db.JoinedUsers: %w", err)
	}
	if len(joined) == 0 {
		if err = s.db.PurgeRoom(ctx, roomID); err != nil {
			return fmt.Errorf("s.db.PurgeRoom: %w", err)
		}
		s.caches.InvalidateRoom(roomID)
		return nil
	}
	_, err = s.notifier.Publish(ctx, userScopes(joined), func(ctx context.Context) (types.StreamPosition, error) {
		return s.db.StoreDeviceListUpdate(ctx, userID, roomID, true)
	})
	return err
}

func userScopes(userIDs []string) []string {
	scopes := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		scopes = append(scopes, notifier.UserScope(userID))
	}
	return scopes
}
