// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/syncengine/syncapi/synctypes"
)

func TestLikePatterns(t *testing.T) {
	assert.Nil(t, LikePatterns(nil))
	assert.Equal(t,
		[]string{"%", "m.room.%", "m.room.message", `m.some\_type`, `100\%`, `a*b`},
		LikePatterns([]string{"*", "m.room.*", "m.room.message", "m.some_type", "100%", "a*b"}),
	)
}

func TestGlobPatterns(t *testing.T) {
	assert.Nil(t, GlobPatterns(nil))
	assert.Equal(t,
		[]string{"*", "m.room.*", "m.room.message", "m.some_type", "100%", "a[*]b", "what[?]", "[[]x]"},
		GlobPatterns([]string{"*", "m.room.*", "m.room.message", "m.some_type", "100%", "a*b", "what?", "[x]"}),
	)
}

func TestNewFilterArgs(t *testing.T) {
	empty := []string{}
	senders := []string{"@alice:test"}
	types := []string{"m.room.*"}

	args := NewFilterArgs(&synctypes.EventFilter{
		Senders:  &senders,
		NotTypes: &empty,
		Types:    &types,
	}, LikePatterns)
	assert.Equal(t, FilterArgs{
		Senders: []string{"@alice:test"},
		Types:   []string{"m.room.%"},
	}, args)

	assert.Equal(t, FilterArgs{}, NewFilterArgs(nil, GlobPatterns))
}
