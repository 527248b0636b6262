// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package coordinator

import "regexp"

// RoomChannelPattern is the pattern every instance subscribes to once at
// startup so it sees every room's deltas.
const RoomChannelPattern = "room:*:channel"

var roomChannelRegex = regexp.MustCompile(`^room:([^:]+):channel$`)

// RoomChannel returns the pub/sub channel carrying a room's deltas.
func RoomChannel(roomID string) string {
	return "room:" + roomID + ":channel"
}

// RoomSnapshotKey returns the hash key holding a room's durable snapshot.
func RoomSnapshotKey(roomID string) string {
	return "room:" + roomID + ":snapshot"
}

// ParseRoomChannel extracts the room ID from a delta channel name.
// Returns false for channels that do not match the exact shape.
func ParseRoomChannel(channel string) (string, bool) {
	m := roomChannelRegex.FindStringSubmatch(channel)
	if m == nil {
		return "", false
	}
	return m[1], true
}
