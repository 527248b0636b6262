// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package delta

import "reflect"

// Entity is an untyped field map. Field semantics are opaque to the
// engine; only structural equality and nil-vs-present matter.
type Entity map[string]any

// Entities maps entity IDs to entities within a single room.
type Entities map[string]Entity

// EntityDelta is an overlay describing the change between two entity
// maps. A nil Entity means "entity removed"; a nil field value inside an
// Entity means "field removed". Absent keys mean "no change".
type EntityDelta map[string]Entity

// Compute diffs prev against next and returns the minimal overlay that
// transforms prev into next.
func Compute(prev, next Entities) EntityDelta {
	delta := make(EntityDelta)
	for id, nextEntity := range next {
		prevEntity, existed := prev[id]
		if !existed {
			delta[id] = copyEntity(nextEntity)
			continue
		}
		change := diffEntity(prevEntity, nextEntity)
		if len(change) > 0 {
			delta[id] = change
		}
	}
	for id := range prev {
		if _, exists := next[id]; !exists {
			delta[id] = nil
		}
	}
	return delta
}

// Apply merges delta into entities in place. Inverse law:
// Apply(x, Compute(x, y)) leaves x structurally equal to y.
func Apply(entities Entities, delta EntityDelta) {
	for id, change := range delta {
		if change == nil {
			delete(entities, id)
			continue
		}
		entity, exists := entities[id]
		if !exists {
			entities[id] = copyEntity(change)
			continue
		}
		for field, value := range change {
			if value == nil {
				delete(entity, field)
			} else {
				entity[field] = copyValue(value)
			}
		}
	}
}

// IsEmpty reports whether the delta carries no changes at all.
func IsEmpty(delta EntityDelta) bool {
	return len(delta) == 0
}

// CopyEntities returns a deep copy, used to capture the "previous" state
// before a mutation without sharing any nested maps or slices.
func CopyEntities(entities Entities) Entities {
	out := make(Entities, len(entities))
	for id, entity := range entities {
		out[id] = copyEntity(entity)
	}
	return out
}

func diffEntity(prev, next Entity) Entity {
	change := make(Entity)
	for field, nextValue := range next {
		prevValue, existed := prev[field]
		if !existed || !valueEqual(prevValue, nextValue) {
			change[field] = copyValue(nextValue)
		}
	}
	for field := range prev {
		if _, exists := next[field]; !exists {
			change[field] = nil
		}
	}
	return change
}

// valueEqual compares JSON-representable trees structurally. Map key
// order is irrelevant by construction.
func valueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func copyEntity(entity Entity) Entity {
	out := make(Entity, len(entity))
	for field, value := range entity {
		out[field] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, nested := range v {
			out[k] = copyValue(nested)
		}
		return out
	case Entity:
		return map[string]any(copyEntity(v))
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			out[i] = copyValue(nested)
		}
		return out
	default:
		// Scalars are immutable; share them.
		return value
	}
}
