// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ip

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// X-Forwarded-For is only trusted when RemoteAddr is loopback.
func TestRemoteAddressXForwardedFor(t *testing.T) {
	tests := []struct {
		name            string
		remoteAddr      string
		xForwardedFor   string
		expectedIP      string
		expectedTrusted bool
	}{
		{
			name:            "Direct connection without X-Forwarded-For",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "",
			expectedIP:      "203.0.113.5",
			expectedTrusted: false,
		},
		{
			name:            "Direct connection ignores X-Forwarded-For (security)",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "10.0.0.1",    // Attacker trying to spoof
			expectedIP:      "203.0.113.5", // Should use RemoteAddr
			expectedTrusted: false,
		},
		{
			name:            "Loopback connection trusts X-Forwarded-For",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.99",
			expectedIP:      "198.51.100.99",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with multiple IPs takes first valid non-loopback",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.1, 203.0.113.5, 192.0.2.1",
			expectedIP:      "198.51.100.1", // First valid IP
			expectedTrusted: true,
		},
		{
			name:            "Loopback with loopback in header skips it",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "127.0.0.1, 198.51.100.50",
			expectedIP:      "198.51.100.50", // Skip loopback, take first valid public IP
			expectedTrusted: true,
		},
		{
			name:            "IPv6 loopback connection trusts X-Forwarded-For",
			remoteAddr:      "[::1]:1234",
			xForwardedFor:   "2001:db8::1",
			expectedIP:      "2001:db8::1",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with empty X-Forwarded-For falls back to RemoteAddr",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
		{
			name:            "Loopback with whitespace-only X-Forwarded-For falls back",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "  ,  , ",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			addr, trusted := RemoteAddress(req, "")
			require.NotNil(t, addr, "IP should not be nil")
			require.Equal(t, tt.expectedIP, addr.String(), "IP mismatch")
			require.Equal(t, tt.expectedTrusted, trusted, "Trusted flag mismatch")
		})
	}
}

func TestRemoteAddressCustomHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Real-IP", "198.51.100.7")

	addr, trusted := RemoteAddress(req, "X-Real-IP")
	require.Equal(t, "198.51.100.7", addr.String())
	require.True(t, trusted)

	addr, trusted = RemoteAddress(req, "")
	require.Equal(t, "127.0.0.1", addr.String())
	require.False(t, trusted)

	req.RemoteAddr = "203.0.113.9:1234"
	addr, trusted = RemoteAddress(req, "X-Real-IP")
	require.Equal(t, "203.0.113.9", addr.String())
	require.False(t, trusted)
}
