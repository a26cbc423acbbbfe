// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestParseFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "empty filter", body: `{}`},
		{name: "full filter", body: `{"event_fields":["type","content.body"],"event_format":"client","room":{"timeline":{"limit":10,"types":["m.room.*"]},"include_leave":true},"presence":{"not_types":["*"]}}`},
		{name: "federation format", body: `{"event_format":"federation"}`},
		{name: "unknown format", body: `{"event_format":"xml"}`, wantErr: true},
		{name: "empty field path", body: `{"event_fields":[""]}`, wantErr: true},
		{name: "empty path segment", body: `{"event_fields":["content..body"]}`, wantErr: true},
		{name: "negative limit", body: `{"room":{"timeline":{"limit":-1}}}`, wantErr: true},
		{name: "negative presence limit", body: `{"presence":{"limit":-5}}`, wantErr: true},
		{name: "not json", body: `{"room":`, wantErr: true},
		{name: "wrong type", body: `{"event_fields":"type"}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := ParseFilter([]byte(tc.body))
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidFilter), "error %v should wrap ErrInvalidFilter", err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, f)
		})
	}
}

func TestFilterAccessors(t *testing.T) {
	t.Parallel()

	var nilFilter *Filter
	assert.Nil(t, nilFilter.RoomTimeline())
	assert.Nil(t, nilFilter.RoomState())

	f, err := ParseFilter([]byte(`{"room":{"timeline":{"limit":3},"state":{"lazy_load_members":true}}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, f.RoomTimeline().Events().LimitOr(20))
	assert.Equal(t, 20, f.RoomState().Events().LimitOr(20))
	assert.True(t, f.RoomState().LazyLoadMembers)
	assert.Nil(t, f.RoomEphemeral().Events())
	assert.Nil(t, f.RoomTimeline().Events().WithoutLimit().Limit)
	assert.Equal(t, 3, *f.RoomTimeline().Limit, "WithoutLimit must not modify the original")
}

// Filters built by client SDKs must decode into the same rules.
func TestFilterFromClientLibrary(t *testing.T) {
	t.Parallel()

	part := mautrix.FilterPart{
		Limit:           5,
		LazyLoadMembers: true,
		NotTypes:        []event.Type{event.StateMember},
		Senders:         []id.UserID{"@alice:test"},
	}
	body, err := json.Marshal(part)
	require.NoError(t, err)

	var f RoomEventFilter
	require.NoError(t, json.Unmarshal(body, &f))
	require.NotNil(t, f.Limit)
	assert.Equal(t, 5, *f.Limit)
	assert.True(t, f.LazyLoadMembers)
	require.NotNil(t, f.NotTypes)
	assert.Equal(t, []string{"m.room.member"}, *f.NotTypes)
	require.NotNil(t, f.Senders)
	assert.Equal(t, []string{"@alice:test"}, *f.Senders)
	assert.Nil(t, f.Types)
}
