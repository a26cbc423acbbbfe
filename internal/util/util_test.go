// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeServerName(t *testing.T) {
	assert.Equal(t, spec.ServerName("example.org"), NormalizeServerName(" Example.ORG "))
	assert.Equal(t, spec.ServerName("localhost:8448"), NormalizeServerName("localhost:8448"))
}

func TestNormalizeLocalpart(t *testing.T) {
	assert.Equal(t, "alice", NormalizeLocalpart("Alice"))
	assert.Equal(t, "bob", NormalizeLocalpart(" bob\t"))
}
