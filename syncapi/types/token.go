// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TokenTTL is how long a pagination token stays valid after it was minted.
const TokenTTL = 24 * time.Hour

var (
	// ErrInvalidTokenFormat is returned when a token cannot be decoded.
	ErrInvalidTokenFormat = errors.New("invalid pagination token format")
	// ErrTokenExpired is returned when a token is older than TokenTTL.
	ErrTokenExpired = errors.New("pagination token expired")
)

// TokenRoomMismatchError is returned when a token is presented for a room
// other than the one it was minted for.
type TokenRoomMismatchError struct {
	Expected string
	Got      string
}

func (e *TokenRoomMismatchError) Error() string {
	return fmt.Sprintf("pagination token room mismatch: expected %q, got %q", e.Expected, e.Got)
}

// Direction is the direction a token pages in.
type Direction string

const (
	Forward  Direction = "f"
	Backward Direction = "b"
)

// UnmarshalJSON rejects anything other than "f" or "b".
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Direction(s) {
	case Forward, Backward:
		*d = Direction(s)
		return nil
	}
	return fmt.Errorf("unknown direction %q", s)
}

// PaginationToken is an opaque continuation token. On the wire it is the
// unpadded URL-safe base64 encoding of its JSON form.
type PaginationToken struct {
	Position  int64     `json:"position"`
	Direction Direction `json:"direction"`
	RoomID    string    `json:"room_id"`
	CreatedAt int64     `json:"created_at"`
	EventID   string    `json:"event_id,omitempty"`
}

// NewPaginationToken mints a token created now.
func NewPaginationToken(pos StreamPosition, dir Direction, roomID, eventID string) PaginationToken {
	return PaginationToken{
		Position:  int64(pos),
		Direction: dir,
		RoomID:    roomID,
		CreatedAt: time.Now().Unix(),
		EventID:   eventID,
	}
}

// Encode serialises the token.
func (t PaginationToken) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("json.Marshal: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// String is Encode without the error, for tokens known to be well formed.
func (t PaginationToken) String() string {
	s, _ := t.Encode()
	return s
}

// DecodePaginationToken parses a token produced by Encode.
func DecodePaginationToken(s string) (PaginationToken, error) {
	var t PaginationToken
	if s == "" {
		return t, fmt.Errorf("%w: empty token", ErrInvalidTokenFormat)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("%w: %s", ErrInvalidTokenFormat, err)
	}
	if err = json.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("%w: %s", ErrInvalidTokenFormat, err)
	}
	if t.Direction == "" {
		return t, fmt.Errorf("%w: missing direction", ErrInvalidTokenFormat)
	}
	return t, nil
}

// Validate checks the token against the current time and the room it is
// being used for.
func (t PaginationToken) Validate(expectedRoomID string) error {
	return t.ValidateAt(time.Now(), expectedRoomID)
}

// ValidateAt is Validate at a fixed point in time. Expiry is checked before
// the room binding.
func (t PaginationToken) ValidateAt(now time.Time, expectedRoomID string) error {
	if now.Sub(time.Unix(t.CreatedAt, 0)) > TokenTTL {
		return ErrTokenExpired
	}
	if t.RoomID != expectedRoomID {
		return &TokenRoomMismatchError{Expected: expectedRoomID, Got: t.RoomID}
	}
	return nil
}

// StreamPosition returns the position the token points at.
func (t PaginationToken) StreamPosition() StreamPosition {
	return StreamPosition(t.Position)
}

// TimelineTokens returns the start and end tokens for a chronologically
// ordered slice of events.
func TimelineTokens(roomID string, events []StreamEvent) (start, end PaginationToken) {
	if len(events) == 0 {
		return
	}
	first, last := events[0], events[len(events)-1]
	start = NewPaginationToken(first.Position, Backward, roomID, first.Event.EventID)
	end = NewPaginationToken(last.Position, Forward, roomID, last.Event.EventID)
	return
}

// PrevBatchToken returns a backwards token from the first event, but only if
// the slice was cut short by the limit.
func PrevBatchToken(roomID string, events []StreamEvent, limit int) *PaginationToken {
	if len(events) == 0 || len(events) < limit {
		return nil
	}
	t := NewPaginationToken(events[0].Position, Backward, roomID, events[0].Event.EventID)
	return &t
}

// NextBatchToken returns a forwards token from the last event, but only if
// the slice was cut short by the limit.
func NextBatchToken(roomID string, events []StreamEvent, limit int) *PaginationToken {
	if len(events) == 0 || len(events) < limit {
		return nil
	}
	last := events[len(events)-1]
	t := NewPaginationToken(last.Position, Forward, roomID, last.Event.EventID)
	return &t
}
