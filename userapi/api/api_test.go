// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceLocalpart(t *testing.T) {
	localpart, err := (&Device{UserID: "@Alice:test"}).Localpart()
	require.NoError(t, err)
	assert.Equal(t, "alice", localpart)

	for _, userID := range []string{"", "alice:test", "!room:test", "@alice"} {
		_, err = (&Device{UserID: userID}).Localpart()
		assert.Error(t, err, userID)
	}
}
