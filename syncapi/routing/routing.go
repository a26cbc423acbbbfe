// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/sync"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// Setup configures the given mux with sync-server listeners
//
// Due to Setup being used to call many other functions, a gocyclo nolint is
// applied:
// nolint: gocyclo
func Setup(
	csMux *mux.Router, srp *sync.RequestPool, syncDB storage.Database,
	userAPI userapi.QueryAccessTokenAPI,
) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	syncHandler := httputil.MakeAuthAPI("sync", userAPI, srp.OnIncomingSyncRequest, httputil.WithAllowGuests())
	streamHandler := httputil.MakeHTTPAPI("sync_stream", nil, true, func(w http.ResponseWriter, req *http.Request) {
		device, resErr := httputil.VerifyUserFromRequest(req, userAPI)
		if resErr != nil {
			util.MakeJSONAPI(util.NewJSONRequestHandler(func(*http.Request) util.JSONResponse {
				return *resErr
			})).ServeHTTP(w, req)
			return
		}
		srp.OnIncomingStreamRequest(w, req, device)
	})

	// sync
	v3mux.Handle("/sync", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if sync.IsStreamRequest(req) {
			streamHandler.ServeHTTP(w, req)
			return
		}
		syncHandler.ServeHTTP(w, req)
	})).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/messages", httputil.MakeAuthAPI("room_messages", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
		vars, resErr := httputil.PathVars(req)
		if resErr != nil {
			return *resErr
		}
		return OnIncomingMessagesRequest(req, syncDB, vars["roomID"], device)
	}, httputil.WithAllowGuests())).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/user/{userId}/filter",
		httputil.MakeAuthAPI("put_filter", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars, resErr := httputil.PathVars(req)
			if resErr != nil {
				return *resErr
			}
			return PutFilter(req, device, syncDB, vars["userId"])
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/user/{userId}/filter/{filterId}",
		httputil.MakeAuthAPI("get_filter", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars, resErr := httputil.PathVars(req)
			if resErr != nil {
				return *resErr
			}
			return GetFilter(req, device, syncDB, vars["userId"], vars["filterId"])
		}),
	).Methods(http.MethodGet, http.MethodOptions)
}
