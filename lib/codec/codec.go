// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the wire codec for signaling and side-channel
// payloads: CBOR with Core Deterministic Encoding (RFC 8949 §4.2), so
// the same logical message always produces identical bytes. Decoding
// ignores unknown fields for forward compatibility with newer peers.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// ref.Identity and ref.CallID implement encoding.TextMarshaler;
	// serialize them as CBOR text strings rather than empty maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString

	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Mirror of TextMarshaler above, for round-trip correctness.
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// kind-specific payloads until the message kind is known. Type alias
// so consumers import only lib/codec, not fxamacker/cbor directly.
type RawMessage = cbor.RawMessage
