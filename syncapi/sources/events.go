// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sources

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	receiptEventType   = "m.receipt"
	presenceEventType  = "m.presence"
	privateReceiptType = "m.read.private"
)

// ReceiptTS is the timestamp of one receipt in an m.receipt event.
type ReceiptTS struct {
	TS spec.Timestamp `json:"ts"`
}

// receiptEvent folds the receipts of a room into a single m.receipt event
// placed at the position of the newest one. Private receipts are only shown
// to the user that sent them.
func receiptEvent(roomID, viewer string, receipts []types.Receipt) (types.StreamEvent, bool, error) {
	// event ID -> receipt type -> user ID
	content := map[string]map[string]map[string]ReceiptTS{}
	var pos types.StreamPosition
	for _, r := range receipts {
		if r.Type == privateReceiptType && r.UserID != viewer {
			continue
		}
		byType, ok := content[r.EventID]
		if !ok {
			byType = map[string]map[string]ReceiptTS{}
			content[r.EventID] = byType
		}
		byUser, ok := byType[r.Type]
		if !ok {
			byUser = map[string]ReceiptTS{}
			byType[r.Type] = byUser
		}
		byUser[r.UserID] = ReceiptTS{TS: r.Timestamp}
		if r.Position > pos {
			pos = r.Position
		}
	}
	if len(content) == 0 {
		return types.StreamEvent{}, false, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return types.StreamEvent{}, false, fmt.Errorf("json.Marshal: %w", err)
	}
	return types.StreamEvent{
		Event: synctypes.ClientEvent{
			Type:    receiptEventType,
			RoomID:  roomID,
			Content: b,
		},
		Position: pos,
	}, true, nil
}

type presenceContent struct {
	Presence        string  `json:"presence"`
	StatusMsg       *string `json:"status_msg,omitempty"`
	LastActiveAgo   int64   `json:"last_active_ago,omitempty"`
	CurrentlyActive bool    `json:"currently_active"`
}

// presenceEvents renders presence changes as m.presence events sent by the
// user they describe.
func presenceEvents(changes []types.PresenceChange) ([]types.StreamEvent, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	now := time.Now()
	events := make([]types.StreamEvent, 0, len(changes))
	for _, p := range changes {
		c := presenceContent{
			Presence:        p.Presence,
			StatusMsg:       p.StatusMsg,
			CurrentlyActive: p.Presence == "online",
		}
		if p.LastActiveTS > 0 {
			c.LastActiveAgo = now.Sub(p.LastActiveTS.Time()).Milliseconds()
		}
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("json.Marshal: %w", err)
		}
		events = append(events, types.StreamEvent{
			Event: synctypes.ClientEvent{
				Type:    presenceEventType,
				Sender:  p.UserID,
				Content: b,
			},
			Position: p.Position,
		})
	}
	return events, nil
}
