// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

var (
	// ErrInvalidFilterSyntax is returned for an inline filter that does not
	// parse or validate. It also matches synctypes.ErrInvalidFilter.
	ErrInvalidFilterSyntax = errors.New("invalid filter syntax")
	// ErrUnknownFilterID is returned when a filter ID does not resolve.
	ErrUnknownFilterID = errors.New("unknown filter ID")
	// ErrSourceUnavailable aborts a session whose sources could not all be
	// subscribed.
	ErrSourceUnavailable = errors.New("change source unavailable")
	// ErrSourceFailedMidStream is logged when a subscription fails after the
	// session started. The session carries on without it.
	ErrSourceFailedMidStream = errors.New("change source failed mid-stream")
	// ErrSessionState is returned when a session is used out of order.
	ErrSessionState = errors.New("sync session is not in the right state")
)

// ErrorResponse maps an error from the sync engine to a client response.
func ErrorResponse(err error) util.JSONResponse {
	var mismatch *types.TokenRoomMismatchError
	switch {
	case errors.Is(err, ErrInvalidFilterSyntax), errors.Is(err, synctypes.ErrInvalidFilter):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON(err.Error()),
		}
	case errors.Is(err, types.ErrInvalidTokenFormat),
		errors.Is(err, types.ErrTokenExpired),
		errors.As(err, &mismatch):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	case errors.Is(err, ErrUnknownFilterID):
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound(err.Error()),
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away, nobody reads this.
		return util.JSONResponse{
			Code: http.StatusServiceUnavailable,
			JSON: spec.Unknown(err.Error()),
		}
	default:
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
}
