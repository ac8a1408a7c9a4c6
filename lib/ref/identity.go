// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Identity is the opaque byte string under which a participant is
// known to the secure messaging layer. The engine never interprets the
// bytes; it only needs equality (registry lookup, cross-device checks)
// and a total order (offerer election).
//
// The canonical text form is unpadded base64url of the raw bytes.
//
// Identity is an immutable value type. The zero value is not valid;
// use IsZero to check.
type Identity struct {
	raw string
}

// NewIdentity wraps raw identity bytes. Returns an error if the slice
// is empty.
func NewIdentity(raw []byte) (Identity, error) {
	if len(raw) == 0 {
		return Identity{}, fmt.Errorf("identity bytes must not be empty")
	}
	return Identity{raw: string(raw)}, nil
}

// ParseIdentity decodes the canonical base64url text form.
func ParseIdentity(text string) (Identity, error) {
	if text == "" {
		return Identity{}, fmt.Errorf("identity string must not be empty")
	}
	raw, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return Identity{}, fmt.Errorf("decode identity %q: %w", text, err)
	}
	return Identity{raw: string(raw)}, nil
}

// Bytes returns a copy of the raw identity bytes.
func (i Identity) Bytes() []byte { return []byte(i.raw) }

// String returns the canonical base64url form.
func (i Identity) String() string {
	return base64.RawURLEncoding.EncodeToString([]byte(i.raw))
}

// IsZero reports whether the Identity is the zero value.
func (i Identity) IsZero() bool { return i.raw == "" }

// Equal reports whether two identities wrap the same bytes.
func (i Identity) Equal(other Identity) bool { return i.raw == other.raw }

// Compare orders identities by their raw bytes, like bytes.Compare.
func (i Identity) Compare(other Identity) int {
	return strings.Compare(i.raw, other.raw)
}

// ShouldOffer reports whether self is the canonical offerer in a
// negotiation with peer. The byte-wise smaller identity offers, so for
// any distinct pair exactly one direction is true and swapping the
// arguments flips the result. Both sides of a call evaluate this
// locally and reach the same election without coordination.
func ShouldOffer(self, peer Identity) bool {
	return self.Compare(peer) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (i Identity) MarshalText() ([]byte, error) {
	if i.raw == "" {
		return []byte{}, nil
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Identity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*i = Identity{}
		return nil
	}
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
