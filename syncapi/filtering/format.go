// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package filtering

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// FormatClientEvents renders events for the device that is syncing and
// applies the filter's event_fields. Room IDs are dropped since sync
// responses already group events by room. The transaction ID is only
// revealed to the device that sent the event.
func FormatClientEvents(events []types.StreamEvent, deviceID string, filter *synctypes.Filter) ([]json.RawMessage, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(events))
	for i := range events {
		ev := events[i].Event
		ev.RoomID = ""
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("json.Marshal: %w", err)
		}
		if txn := events[i].TransactionID; txn != nil && deviceID != "" && txn.DeviceID == deviceID {
			b, err = sjson.SetBytes(b, "unsigned.transaction_id", txn.TransactionID)
			if err != nil {
				return nil, fmt.Errorf("sjson.SetBytes: %w", err)
			}
		}
		out = append(out, b)
	}
	if filter == nil {
		return out, nil
	}
	return ProjectFields(out, filter.EventFields)
}
