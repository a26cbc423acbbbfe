// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventFormat is passed through to clients unchanged.
type EventFormat string

const (
	EventFormatClient     EventFormat = "client"
	EventFormatFederation EventFormat = "federation"
)

// ErrInvalidFilter is wrapped by every error returned from Filter.Validate.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is used by clients to specify how the server should filter responses to e.g. sync requests
// Specified by: https://spec.matrix.org/v1.6/client-server-api/#filtering
type Filter struct {
	EventFields []string     `json:"event_fields,omitempty"`
	EventFormat EventFormat  `json:"event_format,omitempty"`
	Presence    *EventFilter `json:"presence,omitempty"`
	AccountData *EventFilter `json:"account_data,omitempty"`
	Room        *RoomFilter  `json:"room,omitempty"`
}

// EventFilter is used to define filtering rules for events
type EventFilter struct {
	Limit      *int      `json:"limit,omitempty"`
	NotSenders *[]string `json:"not_senders,omitempty"`
	NotTypes   *[]string `json:"not_types,omitempty"`
	Senders    *[]string `json:"senders,omitempty"`
	Types      *[]string `json:"types,omitempty"`
}

// RoomFilter is used to define filtering rules for room-related events
type RoomFilter struct {
	NotRooms     *[]string        `json:"not_rooms,omitempty"`
	Rooms        *[]string        `json:"rooms,omitempty"`
	Ephemeral    *RoomEventFilter `json:"ephemeral,omitempty"`
	IncludeLeave bool             `json:"include_leave,omitempty"`
	State        *RoomEventFilter `json:"state,omitempty"`
	Timeline     *RoomEventFilter `json:"timeline,omitempty"`
	AccountData  *RoomEventFilter `json:"account_data,omitempty"`
}

// RoomEventFilter is used to define filtering rules for events in rooms
type RoomEventFilter struct {
	EventFilter
	LazyLoadMembers         bool      `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool      `json:"include_redundant_members,omitempty"`
	NotRooms                *[]string `json:"not_rooms,omitempty"`
	Rooms                   *[]string `json:"rooms,omitempty"`
	ContainsURL             *bool     `json:"contains_url,omitempty"`
}

// DefaultFilter returns the default filter used by the Matrix server if no filter is provided in
// the request
func DefaultFilter() Filter {
	return Filter{}
}

// ParseFilter decodes a filter body and validates it.
func ParseFilter(body []byte) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks Filter for invalid values
func (filter *Filter) Validate() error {
	switch filter.EventFormat {
	case "", EventFormatClient, EventFormatFederation:
	default:
		return fmt.Errorf("%w: event_format must be 'client' or 'federation'", ErrInvalidFilter)
	}
	for _, field := range filter.EventFields {
		if field == "" {
			return fmt.Errorf("%w: event_fields must not contain empty paths", ErrInvalidFilter)
		}
		if strings.Contains(field, "..") {
			return fmt.Errorf("%w: event_fields path %q contains an empty segment", ErrInvalidFilter, field)
		}
	}
	if err := filter.Presence.validate("presence"); err != nil {
		return err
	}
	if err := filter.AccountData.validate("account_data"); err != nil {
		return err
	}
	if filter.Room != nil {
		if err := filter.Room.Timeline.Events().validate("room.timeline"); err != nil {
			return err
		}
		if err := filter.Room.State.Events().validate("room.state"); err != nil {
			return err
		}
		if err := filter.Room.Ephemeral.Events().validate("room.ephemeral"); err != nil {
			return err
		}
		if err := filter.Room.AccountData.Events().validate("room.account_data"); err != nil {
			return err
		}
	}
	return nil
}

func (f *EventFilter) validate(name string) error {
	if f == nil || f.Limit == nil {
		return nil
	}
	if *f.Limit < 0 {
		return fmt.Errorf("%w: %s.limit must not be negative", ErrInvalidFilter, name)
	}
	return nil
}

// WithoutLimit returns a copy of the filter with no limit set.
func (f *EventFilter) WithoutLimit() *EventFilter {
	if f == nil {
		return nil
	}
	c := *f
	c.Limit = nil
	return &c
}

// LimitOr returns the filter limit, or def if none was given.
func (f *EventFilter) LimitOr(def int) int {
	if f == nil || f.Limit == nil {
		return def
	}
	return *f.Limit
}

// RoomTimeline returns the timeline filter, or nil if there is none.
func (filter *Filter) RoomTimeline() *RoomEventFilter {
	if filter == nil || filter.Room == nil {
		return nil
	}
	return filter.Room.Timeline
}

// RoomState returns the state filter, or nil if there is none.
func (filter *Filter) RoomState() *RoomEventFilter {
	if filter == nil || filter.Room == nil {
		return nil
	}
	return filter.Room.State
}

// RoomEphemeral returns the ephemeral filter, or nil if there is none.
func (filter *Filter) RoomEphemeral() *RoomEventFilter {
	if filter == nil || filter.Room == nil {
		return nil
	}
	return filter.Room.Ephemeral
}

// RoomAccountData returns the room account data filter, or nil if there is none.
func (filter *Filter) RoomAccountData() *RoomEventFilter {
	if filter == nil || filter.Room == nil {
		return nil
	}
	return filter.Room.AccountData
}

// Events returns the embedded EventFilter, tolerating a nil receiver.
func (f *RoomEventFilter) Events() *EventFilter {
	if f == nil {
		return nil
	}
	return &f.EventFilter
}
