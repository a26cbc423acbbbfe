// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"

	"github.com/element-hq/syncengine/setup/jetstream"
)

// JetStreamPublisher is the part of nats.JetStreamContext the producer
// needs.
type JetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// PresenceProducer publishes presence set through the sync endpoint so
// that the presence consumer records it.
type PresenceProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

func (p *PresenceProducer) SendPresence(
	userID string, presence string, statusMsg *string,
) error {
	m := nats.NewMsg(p.Topic)
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set("presence", presence)
	if statusMsg != nil {
		m.Header.Set("status_msg", *statusMsg)
	}
	m.Header.Set("last_active_ts", strconv.Itoa(int(spec.AsTimestamp(time.Now()))))

	_, err := p.JetStream.PublishMsg(m, nats.MsgId(userID+presence+strconv.FormatInt(time.Now().UnixNano(), 10)))
	return err
}
