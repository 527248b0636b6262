// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kasagilabs/kasagiengine/internal/coordinator"
	"github.com/kasagilabs/kasagiengine/internal/room"
)

// recordedConn captures frames written to a session.
type recordedConn struct {
	mu     sync.Mutex
	texts  []map[string]any
	binary [][]byte
}

func (c *recordedConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.BinaryMessage {
		buf := make([]byte, len(data))
		copy(buf, data)
		c.binary = append(c.binary, buf)
	}
	return nil
}

func (c *recordedConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, decoded)
	return nil
}

func (c *recordedConn) Close() error { return nil }

func (c *recordedConn) lastText(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.texts)
	return c.texts[len(c.texts)-1]
}

func (c *recordedConn) binaryFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.binary))
	copy(out, c.binary)
	return out
}

func newTestDispatcher(fake *coordinator.Fake) *Dispatcher {
	return NewDispatcher(room.NewRegistry(room.Options{
		InstanceID:       "A",
		SnapshotInterval: 100,
		MaxEntities:      100,
		Coordinator:      fake,
	}))
}

func decodeBinary(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, msgpack.Unmarshal(payload, &decoded))
	return decoded
}

func TestJoinRepliesJoinedThenSnapshot(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1","playerId":"p1"}`))

	reply := c.lastText(t)
	assert.Equal(t, "joined", reply["type"])
	assert.Equal(t, "r1", reply["roomId"])
	assert.Equal(t, "p1", reply["playerId"])

	frames := c.binaryFrames()
	require.Len(t, frames, 1)
	snapshot := decodeBinary(t, frames[0])
	assert.Equal(t, "snapshot", snapshot["type"])
	assert.Equal(t, "r1", snapshot["roomId"])

	assert.Equal(t, "r1", session.Room())
	assert.Equal(t, "p1", session.Player())
}

func TestJoinAssignsPlayerIDWhenAbsent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1"}`))

	reply := c.lastText(t)
	assert.Equal(t, "joined", reply["type"])
	assert.NotEmpty(t, reply["playerId"])
	assert.Equal(t, reply["playerId"], session.Player())
}

func TestJoinSwitchingRoomsLeavesThePrevious(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	d := newTestDispatcher(fake)
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1","playerId":"p1"}`))
	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r2","playerId":"p1"}`))

	assert.Equal(t, "r2", session.Room())
	_, r1Alive := d.registry.Get("r1")
	assert.False(t, r1Alive, "the abandoned room is destroyed with its last session")

	var sawLeft bool
	c.mu.Lock()
	for _, msg := range c.texts {
		if msg["type"] == "left" && msg["roomId"] == "r1" {
			sawLeft = true
		}
	}
	c.mu.Unlock()
	assert.True(t, sawLeft, "switching rooms must announce the departure")
}

func TestJoinWithoutRoomID(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join"}`))

	reply := c.lastText(t)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, CodeInvalidRoom, reply["code"])
}

func TestJoinRejectsRoomIDWithSeparator(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	// Such a room would publish to a channel no subscriber can parse, so
	// instances hosting it would never see each other's deltas.
	_, routable := coordinator.ParseRoomChannel(coordinator.RoomChannel("lobby:eu"))
	require.False(t, routable)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"lobby:eu","playerId":"p1"}`))

	reply := c.lastText(t)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, CodeInvalidRoom, reply["code"])
	assert.Empty(t, session.Room())
	_, created := d.registry.Get("lobby:eu")
	assert.False(t, created, "a rejected join must not create the room")
}

func TestMalformedJSONRepliesParseError(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join",`))

	reply := c.lastText(t)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, CodeParseError, reply["code"])
}

func TestUnknownTypeRepliesInvalidType(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"teleport"}`))

	reply := c.lastText(t)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, CodeInvalidType, reply["code"])
}

func TestInputRoundTrip(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1","playerId":"p1"}`))
	d.HandleMessage(context.Background(), session, []byte(`{"type":"input","roomId":"r1","playerId":"p1","payload":{"x":10,"y":12}}`))

	frames := c.binaryFrames()
	require.Len(t, frames, 2, "snapshot then delta")
	deltaFrame := decodeBinary(t, frames[1])
	assert.Equal(t, "delta", deltaFrame["type"])
	assert.Equal(t, "r1", deltaFrame["roomId"])

	r, ok := d.registry.Get("r1")
	require.True(t, ok)
	state := r.StateView()
	assert.Equal(t, uint64(1), state.Seq)
	assert.Equal(t, float64(10), state.Entities["p1"]["x"])
}

func TestInputValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		prepare  func(d *Dispatcher, session *Session)
		message  string
		wantCode string
	}{
		{
			name:     "missing payload",
			message:  `{"type":"input","roomId":"r1","playerId":"p1"}`,
			wantCode: CodeInvalidInput,
		},
		{
			name:     "missing room id",
			message:  `{"type":"input","playerId":"p1","payload":{}}`,
			wantCode: CodeInvalidInput,
		},
		{
			name: "wrong room",
			prepare: func(d *Dispatcher, session *Session) {
				d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1","playerId":"p1"}`))
			},
			message:  `{"type":"input","roomId":"r2","playerId":"p1","payload":{"x":1}}`,
			wantCode: CodeWrongRoom,
		},
		{
			name: "room not found",
			prepare: func(d *Dispatcher, session *Session) {
				// Membership without a live room, as after a registry
				// destroy raced the input.
				session.setMembership("r9", "p1")
			},
			message:  `{"type":"input","roomId":"r9","playerId":"p1","payload":{"x":1}}`,
			wantCode: CodeRoomNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := newTestDispatcher(coordinator.NewFake())
			c := &recordedConn{}
			session := newSession(c)
			if tt.prepare != nil {
				tt.prepare(d, session)
			}

			d.HandleMessage(context.Background(), session, []byte(tt.message))

			reply := c.lastText(t)
			assert.Equal(t, "error", reply["type"])
			assert.Equal(t, tt.wantCode, reply["code"])
		})
	}
}

func TestInputRoomFull(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	d := NewDispatcher(room.NewRegistry(room.Options{
		InstanceID:       "A",
		SnapshotInterval: 100,
		MaxEntities:      1,
		Coordinator:      fake,
	}))
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1","playerId":"p1"}`))
	d.HandleMessage(context.Background(), session, []byte(`{"type":"input","roomId":"r1","playerId":"p1","payload":{"x":1}}`))
	d.HandleMessage(context.Background(), session, []byte(`{"type":"input","roomId":"r1","playerId":"p2","payload":{"x":1}}`))

	reply := c.lastText(t)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, CodeRoomFull, reply["code"])
}

func TestDisconnectRemovesEntityAndDestroysRoom(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	d := newTestDispatcher(fake)
	c := &recordedConn{}
	session := newSession(c)

	d.HandleMessage(context.Background(), session, []byte(`{"type":"join","roomId":"r1","playerId":"p1"}`))
	d.HandleMessage(context.Background(), session, []byte(`{"type":"input","roomId":"r1","playerId":"p1","payload":{"x":10}}`))

	d.HandleDisconnect(context.Background(), session)

	_, alive := d.registry.Get("r1")
	assert.False(t, alive, "sole member leaving destroys the room")

	// The removal delta was published before destruction.
	published := fake.Published()
	require.Len(t, published, 2)

	// The final snapshot stores the post-removal, empty entity map.
	hash := fake.Hash(coordinator.RoomSnapshotKey("r1"))
	require.NotNil(t, hash)
	assert.Equal(t, "2", hash["seq"])
}

func TestDisconnectWithoutRoomIsNoop(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(coordinator.NewFake())
	session := newSession(&recordedConn{})
	d.HandleDisconnect(context.Background(), session) // must not panic
}
