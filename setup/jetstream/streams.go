// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

// Message headers.
const (
	UserID   = "user_id"
	RoomID   = "room_id"
	EventID  = "event_id"
	DeviceID = "device_id"
	Type     = "type"
)

var (
	InputDeviceListUpdate   = "InputDeviceListUpdate"
	OutputRoomEvent         = "OutputRoomEvent"
	OutputSendToDeviceEvent = "OutputSendToDeviceEvent"
	OutputReceiptEvent      = "OutputReceiptEvent"
	OutputClientData        = "OutputClientData"
	OutputNotificationData  = "OutputNotificationData"
	OutputPresenceEvent     = "OutputPresenceEvent"
	RequestAccessToken      = "QueryAccessToken"
)

var safeCharacters = regexp.MustCompile("[^A-Za-z0-9$]+")

// Tokenise makes a string safe to use as part of a subject or durable name.
func Tokenise(str string) string {
	return safeCharacters.ReplaceAllString(str, "_")
}

// InputDeviceListUpdateSubject is the subject device list updates for a
// user are published on.
func InputDeviceListUpdateSubject(userID string) string {
	return fmt.Sprintf("%s.%s", InputDeviceListUpdate, Tokenise(userID))
}

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputSendToDeviceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputReceiptEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
	{
		Name:      InputDeviceListUpdate,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputClientData,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputNotificationData,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputPresenceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Minute * 5,
	},
}
