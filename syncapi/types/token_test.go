// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/syncapi/synctypes"
)

func TestPaginationTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tokens := []PaginationToken{
		{Position: 42, Direction: Forward, RoomID: "!room:test", CreatedAt: 1700000000},
		{Position: 0, Direction: Backward, RoomID: "!room:test", CreatedAt: 1700000000, EventID: "$event:test"},
		{Position: 1 << 40, Direction: Backward, RoomID: "@alice:test", CreatedAt: time.Now().Unix()},
	}
	for _, tok := range tokens {
		encoded, err := tok.Encode()
		require.NoError(t, err)
		assert.NotContains(t, encoded, "=", "tokens must not be padded")
		assert.NotContains(t, encoded, "+")
		assert.NotContains(t, encoded, "/")

		decoded, err := DecodePaginationToken(encoded)
		require.NoError(t, err)
		assert.Equal(t, tok, decoded)
	}
}

func TestPaginationTokenWireForm(t *testing.T) {
	t.Parallel()

	tok := PaginationToken{Position: 7, Direction: Backward, RoomID: "!r:test", CreatedAt: 100}
	raw, err := base64.RawURLEncoding.DecodeString(tok.String())
	require.NoError(t, err)
	assert.JSONEq(t, `{"position":7,"direction":"b","room_id":"!r:test","created_at":100}`, string(raw))
}

func TestDecodePaginationTokenInvalid(t *testing.T) {
	t.Parallel()

	inputs := map[string]string{
		"empty":          "",
		"not base64":     "!!!not-base64!!!",
		"padded base64":  base64.URLEncoding.EncodeToString([]byte(`{"position":1}`)),
		"not json":       base64.RawURLEncoding.EncodeToString([]byte("hello")),
		"bad direction":  base64.RawURLEncoding.EncodeToString([]byte(`{"position":1,"direction":"x","room_id":"!r","created_at":1}`)),
		"no direction":   base64.RawURLEncoding.EncodeToString([]byte(`{"position":1,"room_id":"!r","created_at":1}`)),
		"wrong position": base64.RawURLEncoding.EncodeToString([]byte(`{"position":"1","direction":"f","room_id":"!r","created_at":1}`)),
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePaginationToken(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTokenFormat), "got %v", err)
		})
	}
}

func TestPaginationTokenValidate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	fresh := PaginationToken{Position: 1, Direction: Forward, RoomID: "!a:test", CreatedAt: now.Add(-time.Hour).Unix()}
	old := PaginationToken{Position: 1, Direction: Forward, RoomID: "!a:test", CreatedAt: now.Add(-25 * time.Hour).Unix()}
	edge := PaginationToken{Position: 1, Direction: Forward, RoomID: "!a:test", CreatedAt: now.Add(-TokenTTL).Unix()}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, fresh.ValidateAt(now, "!a:test"))
	})
	t.Run("exactly ttl old is still valid", func(t *testing.T) {
		assert.NoError(t, edge.ValidateAt(now, "!a:test"))
	})
	t.Run("expired", func(t *testing.T) {
		assert.ErrorIs(t, old.ValidateAt(now, "!a:test"), ErrTokenExpired)
	})
	t.Run("expired wins over room mismatch", func(t *testing.T) {
		assert.ErrorIs(t, old.ValidateAt(now, "!b:test"), ErrTokenExpired)
	})
	t.Run("room mismatch", func(t *testing.T) {
		err := fresh.ValidateAt(now, "!b:test")
		var mismatch *TokenRoomMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, "!b:test", mismatch.Expected)
		assert.Equal(t, "!a:test", mismatch.Got)
	})
	t.Run("freshly minted", func(t *testing.T) {
		tok := NewPaginationToken(5, Backward, "!a:test", "$e")
		assert.NoError(t, tok.Validate("!a:test"))
	})
}

func TestBatchTokens(t *testing.T) {
	t.Parallel()

	events := []StreamEvent{
		{Event: synctypes.ClientEvent{EventID: "$1"}, Position: 3},
		{Event: synctypes.ClientEvent{EventID: "$2"}, Position: 5},
		{Event: synctypes.ClientEvent{EventID: "$3"}, Position: 9},
	}

	start, end := TimelineTokens("!r:test", events)
	assert.Equal(t, int64(3), start.Position)
	assert.Equal(t, Backward, start.Direction)
	assert.Equal(t, "$1", start.EventID)
	assert.Equal(t, int64(9), end.Position)
	assert.Equal(t, Forward, end.Direction)

	assert.Nil(t, PrevBatchToken("!r:test", events, 10), "no prev_batch below the limit")
	prev := PrevBatchToken("!r:test", events, 3)
	require.NotNil(t, prev)
	assert.Equal(t, int64(3), prev.Position)

	assert.Nil(t, NextBatchToken("!r:test", events, 4))
	next := NextBatchToken("!r:test", events, 2)
	require.NotNil(t, next)
	assert.Equal(t, "$3", next.EventID)
	assert.NotEmpty(t, prev.String())
}
