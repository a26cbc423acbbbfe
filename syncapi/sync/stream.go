// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients authenticate with an access token, not with cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// IsStreamRequest reports whether the client asked for continuous delivery
// over Server-Sent Events or a WebSocket.
func IsStreamRequest(req *http.Request) bool {
	return websocket.IsWebSocketUpgrade(req) ||
		strings.Contains(req.Header.Get("Accept"), "text/event-stream")
}

// frameWriter delivers updates to a continuous client.
type frameWriter interface {
	update(res *types.Response) error
	keepAlive() error
}

// OnIncomingStreamRequest serves /sync as a stream of updates until the
// client goes away.
func (rp *RequestPool) OnIncomingStreamRequest(w http.ResponseWriter, req *http.Request, device *userapi.Device) {
	trace, ctx := internal.StartTask(req.Context(), "Sync.OnIncomingStreamRequest")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, session, resErr := rp.prepare(ctx, req, device)
	if resErr != nil {
		writeJSONResponse(w, *resErr)
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			util.GetLogger(ctx).WithError(err).Warn("Failed to close sync session cleanly")
		}
	}()

	logger := util.GetLogger(ctx).WithField("session_id", session.ID())
	var fw frameWriter
	if websocket.IsWebSocketUpgrade(req) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			logger.WithError(err).Debug("Failed to upgrade to a WebSocket")
			return
		}
		defer conn.Close() // nolint:errcheck
		ws := &wsWriter{conn: conn}
		go ws.readLoop(cancel, rp.cfg.KeepAliveInterval)
		fw = ws
	} else {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONResponse(w, util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.Unknown("streaming is not supported"),
			})
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		fw = &sseWriter{w: w, flusher: flusher}
	}

	logger.Debug("Streaming sync started")
	if err := rp.stream(ctx, session, device, fw); err != nil {
		logger.WithError(err).Debug("Streaming sync ended")
	}
}

// stream sends every update that has content, and a keep-alive whenever
// KeepAliveInterval passes without one.
func (rp *RequestPool) stream(ctx context.Context, session *Session, device *userapi.Device, fw frameWriter) error {
	keepAlive := rp.cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	for {
		update, err := session.Next(ctx, keepAlive)
		if err != nil {
			return err
		}
		if update.IsEmpty() {
			if err = fw.keepAlive(); err != nil {
				return err
			}
			continue
		}
		if err = fw.update(update.Response()); err != nil {
			return err
		}
		if len(update.ToDevice) == 0 {
			continue
		}
		// The frame was written, so the device has its messages.
		tok, err := types.DecodePaginationToken(update.NextBatch)
		if err != nil {
			return err
		}
		if err = rp.db.CleanSendToDevice(ctx, device.UserID, device.ID, tok.StreamPosition()); err != nil {
			logrus.WithError(err).Error("rp.db.CleanSendToDevice failed")
		}
	}
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) update(res *types.Response) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	if _, err = fmt.Fprintf(s.w, "event: sync\ndata: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type wsWriter struct {
	conn *websocket.Conn
}

func (c *wsWriter) update(res *types.Response) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(res)
}

func (c *wsWriter) keepAlive() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// readLoop handles control frames and cancels the stream once the peer
// closes the connection or stops answering pings.
func (c *wsWriter) readLoop(cancel context.CancelFunc, keepAlive time.Duration) {
	defer cancel()
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	pongWait := keepAlive + wsWriteWait
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
	}
}

// writeJSONResponse writes a response on a connection that is not wrapped
// by util.MakeJSONAPI.
func writeJSONResponse(w http.ResponseWriter, res util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	if err := json.NewEncoder(w).Encode(res.JSON); err != nil {
		logrus.WithError(err).Error("Failed to write response")
	}
}
