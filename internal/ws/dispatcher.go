// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kasagilabs/kasagiengine/internal/delta"
	"github.com/kasagilabs/kasagiengine/internal/room"
)

// Error codes of the client wire protocol.
const (
	CodeRoomNotFound    = "ROOM_NOT_FOUND"
	CodeRoomFull        = "ROOM_FULL"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidRoom     = "INVALID_ROOM"
	CodeWrongRoom       = "WRONG_ROOM"
	CodeInvalidType     = "INVALID_TYPE"
	CodeParseError      = "PARSE_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeConnectionError = "CONNECTION_ERROR"
)

type joinRequest struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId,omitempty"`
}

type inputRequest struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"roomId"`
	PlayerID string         `json:"playerId"`
	Payload  map[string]any `json:"payload"`
}

type joinedReply struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

type leftReply struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type errorReply struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dispatcher translates inbound client control frames and disconnects
// into room operations.
type Dispatcher struct {
	registry *room.Registry
}

func NewDispatcher(registry *room.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// HandleMessage processes one inbound JSON text frame. Validation
// problems reply with an error frame and keep the socket open.
func (d *Dispatcher) HandleMessage(ctx context.Context, session *Session, raw []byte) {
	if !gjson.ValidBytes(raw) {
		d.sendError(session, CodeParseError, "message is not valid JSON")
		return
	}
	switch gjson.GetBytes(raw, "type").String() {
	case "join":
		d.handleJoin(ctx, session, raw)
	case "input":
		d.handleInput(ctx, session, raw)
	default:
		d.sendError(session, CodeInvalidType, "unknown message type")
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, session *Session, raw []byte) {
	var req joinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.sendError(session, CodeParseError, "malformed join message")
		return
	}
	if req.RoomID == "" {
		d.sendError(session, CodeInvalidRoom, "join requires a roomId")
		return
	}
	// The coordinator channel grammar uses ":" as its separator; a room
	// ID containing one would publish to a channel no subscriber parses.
	if strings.Contains(req.RoomID, ":") {
		d.sendError(session, CodeInvalidRoom, "roomId must not contain ':'")
		return
	}

	// A session holds at most one room; switching leaves the old one.
	if prev := session.Room(); prev != "" {
		d.registry.Leave(ctx, prev, session)
		session.clearRoom()
		d.sendLeft(session, prev)
	}

	playerID := req.PlayerID
	if playerID == "" {
		playerID = uuid.NewString()
	}

	r := d.registry.Join(ctx, req.RoomID, session)
	session.setMembership(req.RoomID, playerID)

	if err := session.SendJSON(joinedReply{Type: "joined", RoomID: req.RoomID, PlayerID: playerID}); err != nil {
		log.WithError(err).WithField("room_id", req.RoomID).Warn("Failed to send joined reply")
		return
	}

	// The authoritative initial view follows immediately as a binary
	// snapshot frame.
	payload, err := delta.EncodeSnapshotMessage(r.SnapshotMessage())
	if err != nil {
		log.WithError(err).WithField("room_id", req.RoomID).Error("Failed to encode snapshot frame")
		d.sendError(session, CodeInternalError, "failed to build snapshot")
		return
	}
	if err := session.SendBinary(payload); err != nil {
		log.WithError(err).WithField("room_id", req.RoomID).Warn("Failed to send snapshot frame")
	}
}

func (d *Dispatcher) handleInput(ctx context.Context, session *Session, raw []byte) {
	var req inputRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.sendError(session, CodeParseError, "malformed input message")
		return
	}
	if req.RoomID == "" || req.PlayerID == "" || req.Payload == nil {
		d.sendError(session, CodeInvalidInput, "input requires roomId, playerId and payload")
		return
	}
	if session.Room() != req.RoomID {
		d.sendError(session, CodeWrongRoom, "session is not joined to this room")
		return
	}
	r, ok := d.registry.Get(req.RoomID)
	if !ok {
		d.sendError(session, CodeRoomNotFound, "room does not exist")
		return
	}

	_, err := r.ApplyInput(ctx, room.Input{PlayerID: req.PlayerID, Payload: req.Payload})
	if errors.Is(err, room.ErrRoomFull) {
		d.sendError(session, CodeRoomFull, "room is at its entity limit")
		return
	}
	if err != nil {
		log.WithError(err).WithField("room_id", req.RoomID).Error("Failed to apply input")
		d.sendError(session, CodeInternalError, "failed to apply input")
	}
}

// HandleDisconnect removes the departing player's entity, emitting the
// removal delta to everyone, then detaches the session. The detach
// happens last so the room's final snapshot stores the post-removal
// state before an empty room is destroyed.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, session *Session) {
	roomID := session.Room()
	if roomID == "" {
		return
	}
	if r, ok := d.registry.Get(roomID); ok {
		if playerID := session.Player(); playerID != "" {
			r.RemoveEntity(ctx, playerID)
		}
	}
	d.registry.Leave(ctx, roomID, session)
	session.clearRoom()
}

func (d *Dispatcher) sendLeft(session *Session, roomID string) {
	if err := session.SendJSON(leftReply{Type: "left", RoomID: roomID}); err != nil {
		log.WithError(err).Warn("Failed to send left reply")
	}
}

func (d *Dispatcher) sendError(session *Session, code, message string) {
	if err := session.SendJSON(errorReply{Type: "error", Code: code, Message: message}); err != nil {
		log.WithError(err).WithField("code", code).Warn("Failed to send error reply")
	}
}
