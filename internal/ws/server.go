// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/internal/room"
	"github.com/kasagilabs/kasagiengine/setup/process"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Game clients connect from arbitrary origins; there is no cookie
	// auth to protect, so cross-origin upgrades are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts websocket connections and runs one read loop per
// session.
type Server struct {
	dispatcher *Dispatcher
	process    *process.ProcessContext
}

func NewServer(process *process.ProcessContext, registry *room.Registry) *Server {
	return &Server{
		dispatcher: NewDispatcher(registry),
		process:    process,
	}
}

// HandleWebSocket upgrades the request and serves the session until the
// socket closes or the process shuts down.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	session := newSession(c)
	log.WithField("remote_addr", r.RemoteAddr).Debug("Client connected")

	// Sessions are not tracked as process components: their sockets are
	// hijacked from net/http, so shutdown simply stops the listener and
	// lets process exit tear the connections down.
	ctx := s.process.Context()

	stopPing := make(chan struct{})
	go s.pingLoop(c, stopPing)

	defer func() {
		close(stopPing)
		session.markClosed()
		s.dispatcher.HandleDisconnect(ctx, session)
		c.Close() // nolint: errcheck
		log.WithFields(log.Fields{
			"remote_addr": r.RemoteAddr,
			"room_id":     session.Room(),
		}).Debug("Client disconnected")
	}()

	c.SetReadDeadline(time.Now().Add(readTimeout)) // nolint: errcheck
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			// Shutting down: stop reading so the deferred teardown runs.
			return
		default:
		}

		messageType, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Websocket read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			// Binary frames are server-to-client only.
			continue
		}
		s.dispatcher.HandleMessage(ctx, session, raw)
	}
}

func (s *Server) pingLoop(c *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl is safe concurrently with the session writes.
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
