// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package delta

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FullDelta is an EntityDelta with the transport metadata needed to
// route and order it across instances.
type FullDelta struct {
	RoomID     string      `msgpack:"roomId" json:"roomId"`
	Delta      EntityDelta `msgpack:"delta" json:"delta"`
	Tick       uint64      `msgpack:"tick" json:"tick"`
	Seq        uint64      `msgpack:"seq" json:"seq"`
	Timestamp  int64       `msgpack:"ts" json:"ts"`
	InstanceID string      `msgpack:"instanceId" json:"instanceId"`
}

// RoomStateView is the client-facing shape of a room's state inside a
// snapshot frame.
type RoomStateView struct {
	Entities Entities `msgpack:"entities" json:"entities"`
	Tick     uint64   `msgpack:"tick" json:"tick"`
	Seq      uint64   `msgpack:"seq" json:"seq"`
}

// SnapshotMessage is the binary frame sent to a client immediately after
// it joins, carrying the authoritative initial view.
type SnapshotMessage struct {
	Type   string        `msgpack:"type" json:"type"`
	RoomID string        `msgpack:"roomId" json:"roomId"`
	State  RoomStateView `msgpack:"state" json:"state"`
	Tick   uint64        `msgpack:"tick" json:"tick"`
	Seq    uint64        `msgpack:"seq" json:"seq"`
}

// DeltaMessage is the binary frame broadcast to clients for every
// applied delta, local or remote.
type DeltaMessage struct {
	Type      string      `msgpack:"type" json:"type"`
	RoomID    string      `msgpack:"roomId" json:"roomId"`
	Tick      uint64      `msgpack:"tick" json:"tick"`
	Seq       uint64      `msgpack:"seq" json:"seq"`
	Delta     EntityDelta `msgpack:"delta" json:"delta"`
	Timestamp int64       `msgpack:"timestamp" json:"timestamp"`
}

// Encode marshals a FullDelta to its compact binary form.
func Encode(fd *FullDelta) ([]byte, error) {
	return msgpack.Marshal(fd)
}

// Decode is the inverse of Encode.
func Decode(payload []byte) (*FullDelta, error) {
	var fd FullDelta
	if err := unmarshalLoose(payload, &fd); err != nil {
		return nil, fmt.Errorf("msgpack unmarshal: %w", err)
	}
	return &fd, nil
}

// unmarshalLoose decodes with loose interface decoding so numbers come
// back as int64/float64 regardless of how compactly they were encoded.
// This keeps decoded trees structurally comparable to the originals.
func unmarshalLoose(payload []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// EncodeForTransport wraps the binary form in base64 so it is safe as a
// pub/sub message body.
func EncodeForTransport(fd *FullDelta) (string, error) {
	payload, err := Encode(fd)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeFromTransport is the inverse of EncodeForTransport.
func DecodeFromTransport(body string) (*FullDelta, error) {
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return Decode(payload)
}

// EncodeSnapshotMessage marshals the initial-view frame for a joiner.
func EncodeSnapshotMessage(msg *SnapshotMessage) ([]byte, error) {
	msg.Type = "snapshot"
	return msgpack.Marshal(msg)
}

// EncodeDeltaMessage marshals the per-update frame broadcast to clients.
func EncodeDeltaMessage(msg *DeltaMessage) ([]byte, error) {
	msg.Type = "delta"
	return msgpack.Marshal(msg)
}

// EncodeEntities marshals an entity map for snapshot persistence; the
// hash store field is base64 wrapped like pub/sub bodies.
func EncodeEntities(entities Entities) (string, error) {
	payload, err := msgpack.Marshal(entities)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeEntities is the inverse of EncodeEntities.
func DecodeEntities(body string) (Entities, error) {
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	var entities Entities
	if err := unmarshalLoose(payload, &entities); err != nil {
		return nil, fmt.Errorf("msgpack unmarshal: %w", err)
	}
	if entities == nil {
		entities = make(Entities)
	}
	return entities, nil
}
