// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"

	"github.com/element-hq/syncengine/internal/util"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
)

// SyncUserAPI is the part of the user API the sync engine needs.
type SyncUserAPI interface {
	QueryAccessTokenAPI
}

// QueryAccessTokenAPI resolves access tokens to devices.
type QueryAccessTokenAPI interface {
	QueryAccessToken(ctx context.Context, req *QueryAccessTokenRequest, res *QueryAccessTokenResponse) error
}

// QueryAccessTokenRequest is the request for QueryAccessToken
type QueryAccessTokenRequest struct {
	AccessToken string `json:"access_token"`
	// optional user ID, valid only if the token is an appservice.
	// https://matrix.org/docs/spec/application_service/r0.1.2#using-sync-and-events
	AppServiceUserID string `json:"app_service_user_id,omitempty"`
}

// QueryAccessTokenResponse is the response for QueryAccessToken
type QueryAccessTokenResponse struct {
	Device *Device `json:"device,omitempty"`
	Err    string  `json:"err,omitempty"` // e.g ErrorForbidden
}

// AccountType defines the type of an account.
type AccountType int

const (
	// AccountTypeUser indicates this is a user account
	AccountTypeUser AccountType = 1
	// AccountTypeGuest indicates this is a guest account
	AccountTypeGuest AccountType = 2
	// AccountTypeAdmin indicates this is an admin account
	AccountTypeAdmin AccountType = 3
	// AccountTypeAppService indicates this is an appservice account
	AccountTypeAppService AccountType = 4
)

// Device represents a client's device (mobile, web, etc)
type Device struct {
	ID     string `json:"device_id"`
	UserID string `json:"user_id"`
	// The access_token granted to this device.
	// This uniquely identifies the device from all other devices and clients.
	AccessToken string `json:"access_token"`
	// The unique ID of the session identified by the access token.
	// Can be used as a secure substitution in places where data needs to be
	// associated with access tokens.
	SessionID   int64          `json:"session_id"`
	DisplayName string         `json:"display_name"`
	LastSeenTS  spec.Timestamp `json:"last_seen_ts"`
	LastSeenIP  string         `json:"last_seen_ip"`
	UserAgent   string         `json:"user_agent"`
	// If the device is for an appservice user,
	// this is the appservice ID.
	AppserviceID string      `json:"appservice_id"`
	AccountType  AccountType `json:"account_type"`
}

// Localpart returns the localpart of the device's user, normalised so that
// per-user rows such as filters are keyed consistently.
func (d *Device) Localpart() (string, error) {
	localpart, _, err := gomatrixserverlib.SplitID('@', d.UserID)
	if err != nil {
		return "", err
	}
	return util.NormalizeLocalpart(localpart), nil
}

// UserAPIClient asks the user API over NATS request/reply.
type UserAPIClient struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewUserAPIClient creates a client for the user API reachable through nc.
func NewUserAPIClient(cfg *config.JetStream, nc *nats.Conn) *UserAPIClient {
	return &UserAPIClient{
		nc:      nc,
		subject: cfg.Prefixed(jetstream.RequestAccessToken),
		timeout: 10 * time.Second,
	}
}

func (c *UserAPIClient) QueryAccessToken(ctx context.Context, req *QueryAccessTokenRequest, res *QueryAccessTokenResponse) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	header := nats.Header{}
	header.Set("request_id", uuid.NewString())
	reply, err := jetstream.RequestReply(ctx, c.nc, c.subject, data, header, c.timeout)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(reply.Data, res); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return nil
}
