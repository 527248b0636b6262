// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn is the subset of *websocket.Conn the session needs. Tests
// substitute a recorder.
type conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	Close() error
}

// Session binds one client socket to at most one room and player. The
// dispatcher owns the session's lifetime; rooms only hold it as a
// room.Sender for broadcast.
type Session struct {
	conn conn

	mu       sync.Mutex
	roomID   string
	playerID string
	closed   bool
}

func newSession(c conn) *Session {
	return &Session{conn: c}
}

// SendBinary writes one binary frame. gorilla/websocket permits a
// single concurrent writer, so all writes funnel through the session
// mutex; slow clients are bounded by the socket's send buffer only.
func (s *Session) SendBinary(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// SendJSON writes one JSON text frame.
func (s *Session) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteJSON(v)
}

// Open reports whether the socket can still be written.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Room returns the session's current room ID, empty when unjoined.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Player returns the session's player ID, empty before the first join.
func (s *Session) Player() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

func (s *Session) setMembership(roomID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.playerID = playerID
}

func (s *Session) clearRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = ""
}

// Heartbeat parameters: the server pings every pingInterval and allows
// pongGrace for the reply before the read loop gives up.
const (
	pingInterval = 30 * time.Second
	pongGrace    = 10 * time.Second
	readTimeout  = pingInterval + pongGrace
	writeTimeout = 10 * time.Second
)
