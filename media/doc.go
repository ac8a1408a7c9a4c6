// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package media implements the pion/webrtc-backed media link: one
// peer connection per remote participant, carrying an Opus audio
// track and the in-call data channel, reporting through the call
// package's event sink.
package media
