// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ip

import (
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// RemoteAddress returns the real IP of the client. Forwarding headers are
// only trusted when the connection comes from loopback, i.e. from a local
// reverse proxy. Order:
//   - 'X-Forwarded-For' - de facto standard, which is supported by majority of reverse proxies
//   - a custom header defined in the params
//   - req.RemoteAddr
//
// The first non-loopback address in a header is used. The boolean reports
// whether the address came from a header.
func RemoteAddress(req *http.Request, customHeaderName string) (net.IP, bool) {
	if req == nil {
		return nil, false
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}

	possibleIPHeaders := []string{req.Header.Get("X-Forwarded-For")}
	if customHeaderName != "" {
		possibleIPHeaders = append(possibleIPHeaders, req.Header.Get(customHeaderName))
	}
	for _, header := range possibleIPHeaders {
		if header == "" {
			continue
		}
		if !remoteIP.IsLoopback() {
			logrus.WithFields(logrus.Fields{
				"remote_addr":  remoteIP.String(),
				"header":       header,
				"request_path": req.URL.Path,
			}).Debug("Ignoring forwarding header from non-loopback connection (potential IP spoofing or misconfigured proxy)")
			return remoteIP, false
		}
		// sometimes you get multiple addresses
		for _, part := range strings.Split(header, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
				return ip, true
			}
		}
	}

	return remoteIP, false
}
