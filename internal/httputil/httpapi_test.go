// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	userapi "github.com/element-hq/syncengine/userapi/api"
)

// tokenAPI resolves a fixed set of access tokens.
type tokenAPI struct {
	devices map[string]*userapi.Device
	err     error
}

func (a *tokenAPI) QueryAccessToken(_ context.Context, req *userapi.QueryAccessTokenRequest, res *userapi.QueryAccessTokenResponse) error {
	if a.err != nil {
		return a.err
	}
	if req.AccessToken == "locked" {
		res.Err = "Forbidden: account locked"
		return nil
	}
	res.Device = a.devices[req.AccessToken]
	return nil
}

func newTokenAPI() *tokenAPI {
	return &tokenAPI{devices: map[string]*userapi.Device{
		"alice_token": {ID: "ALICE", UserID: "@alice:test", AccountType: userapi.AccountTypeUser},
		"guest_token": {ID: "GUEST", UserID: "@guest:test", AccountType: userapi.AccountTypeGuest},
	}}
}

func whoami(req *http.Request, device *userapi.Device) util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"user_id": device.UserID, "device_id": device.ID},
	}
}

func serve(h http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMakeAuthAPI(t *testing.T) {
	users := newTokenAPI()
	handler := MakeAuthAPI("test_whoami", users, whoami)
	guestHandler := MakeAuthAPI("test_whoami_guest", users, whoami, WithAllowGuests())

	tests := []struct {
		name     string
		handler  http.Handler
		target   string
		token    string
		wantCode int
		wantErr  string
	}{
		{name: "missing token", handler: handler, target: "/sync", wantCode: http.StatusUnauthorized, wantErr: "M_MISSING_TOKEN"},
		{name: "unknown token", handler: handler, target: "/sync", token: "nope", wantCode: http.StatusUnauthorized, wantErr: "M_UNKNOWN_TOKEN"},
		{name: "forbidden account", handler: handler, target: "/sync", token: "locked", wantCode: http.StatusForbidden, wantErr: "M_FORBIDDEN"},
		{name: "mixed token sources", handler: handler, target: "/sync?access_token=alice_token", token: "alice_token", wantCode: http.StatusUnauthorized, wantErr: "M_MISSING_TOKEN"},
		{name: "guest on member-only route", handler: handler, target: "/sync", token: "guest_token", wantCode: http.StatusForbidden, wantErr: "M_GUEST_ACCESS_FORBIDDEN"},
		{name: "guest allowed", handler: guestHandler, target: "/sync", token: "guest_token", wantCode: http.StatusOK},
		{name: "header token", handler: handler, target: "/sync", token: "alice_token", wantCode: http.StatusOK},
		{name: "query token", handler: handler, target: "/sync?access_token=alice_token", wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.handler, tt.target, tt.token)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, gjson.Get(rec.Body.String(), "errcode").Str)
				return
			}
			assert.NotEmpty(t, gjson.Get(rec.Body.String(), "user_id").Str)
		})
	}
}

func TestMakeAuthAPIUserAPIFailure(t *testing.T) {
	handler := MakeAuthAPI("test_whoami_failure", &tokenAPI{err: errors.New("nats: timeout")}, whoami)
	rec := serve(handler, "/sync", "alice_token")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMakeHTTPAPIRejectsUnauthenticatedStreams(t *testing.T) {
	called := false
	handler := MakeHTTPAPI("test_stream", newTokenAPI(), false, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	rec := serve(handler, "/sync", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)

	rec = serve(handler, "/sync", "alice_token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestRequestDurationIsLabelledByHandler(t *testing.T) {
	clientAPIRequestDuration.Reset()
	users := newTokenAPI()

	serve(MakeAuthAPI("sync", users, whoami), "/sync", "alice_token")
	serve(MakeAuthAPI("sync", users, whoami), "/sync", "")
	serve(MakeAuthAPI("get_filter", users, whoami), "/filter/1", "alice_token")

	counts := map[string]uint64{}
	metrics := make(chan prometheus.Metric, 10)
	clientAPIRequestDuration.Collect(metrics)
	close(metrics)
	for metric := range metrics {
		m := &dto.Metric{}
		require.NoError(t, metric.Write(m))
		for _, label := range m.GetLabel() {
			if label.GetName() == "handler" {
				counts[label.GetValue()] = m.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, map[string]uint64{"sync": 2, "get_filter": 1}, counts)
}

func TestWrapHandlerInBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tests := []struct {
		name     string
		auth     BasicAuth
		user     string
		pass     string
		wantCode int
	}{
		{name: "unprotected without config", wantCode: http.StatusOK},
		{name: "unprotected with only a username", auth: BasicAuth{Username: "prom"}, wantCode: http.StatusOK},
		{name: "matching credentials", auth: BasicAuth{Username: "prom", Password: "secret"}, user: "prom", pass: "secret", wantCode: http.StatusOK},
		{name: "wrong password", auth: BasicAuth{Username: "prom", Password: "secret"}, user: "prom", pass: "guess", wantCode: http.StatusForbidden},
		{name: "no credentials", auth: BasicAuth{Username: "prom", Password: "secret"}, wantCode: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			WrapHandlerInBasicAuth(ok, tt.auth)(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
