// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// CallID correlates all signaling traffic belonging to one call
// attempt. The caller generates it when the call is created; every
// other party copies it verbatim.
//
// CallID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type CallID struct {
	id string
}

// NewCallID generates a fresh random call identifier.
func NewCallID() CallID {
	return CallID{id: uuid.NewString()}
}

// ParseCallID validates and wraps a call identifier received from the
// wire. Returns an error if the string is not a UUID.
func ParseCallID(raw string) (CallID, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return CallID{}, fmt.Errorf("parse call ID %q: %w", raw, err)
	}
	return CallID{id: parsed.String()}, nil
}

// String returns the canonical UUID string.
func (c CallID) String() string { return c.id }

// IsZero reports whether the CallID is the zero value.
func (c CallID) IsZero() bool { return c.id == "" }

// Equal reports whether two call IDs are the same call.
func (c CallID) Equal(other CallID) bool { return c.id == other.id }

// MarshalText implements encoding.TextMarshaler.
func (c CallID) MarshalText() ([]byte, error) {
	if c.id == "" {
		return []byte{}, nil
	}
	return []byte(c.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CallID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = CallID{}
		return nil
	}
	parsed, err := ParseCallID(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
