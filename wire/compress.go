// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// maxDescriptionSize caps a decompressed session description. Real
// SDPs are a few kilobytes; anything near this limit is hostile or
// corrupt.
const maxDescriptionSize = 1 << 20

// CompressDescription deflates a session description for transmission.
func CompressDescription(sdp string) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := writer.Write([]byte(sdp)); err != nil {
		return nil, fmt.Errorf("compress session description: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("flush session description: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressDescription inflates a received session description.
// Returns an error for malformed streams and for streams that exceed
// maxDescriptionSize; the caller treats either as an internal failure
// of the sending peer.
func DecompressDescription(compressed []byte) (string, error) {
	if len(compressed) == 0 {
		return "", fmt.Errorf("empty compressed session description")
	}
	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()

	sdp, err := io.ReadAll(io.LimitReader(reader, maxDescriptionSize+1))
	if err != nil {
		return "", fmt.Errorf("decompress session description: %w", err)
	}
	if len(sdp) > maxDescriptionSize {
		return "", fmt.Errorf("session description exceeds %d bytes", maxDescriptionSize)
	}
	return string(sdp), nil
}
