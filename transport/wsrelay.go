// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sotto-voice/sotto/lib/codec"
	"github.com/sotto-voice/sotto/lib/ref"
)

// Frame is one message on the sotto-relay websocket protocol. The
// relay reads To for routing and stamps From from the sender's
// registration; clients must not trust a From they did not verify out
// of band (the demo relay is NOT a secure messaging layer — it stands
// in for one).
type Frame struct {
	To      ref.Identity `cbor:"to"`
	From    ref.Identity `cbor:"from"`
	Payload []byte       `cbor:"payload"`
}

// EncodeFrame serializes a relay frame.
func EncodeFrame(frame Frame) ([]byte, error) {
	return codec.Marshal(frame)
}

// DecodeFrame parses a relay frame.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode relay frame: %w", err)
	}
	return frame, nil
}

// writeTimeout bounds a single websocket write to the relay.
const writeTimeout = 10 * time.Second

// Compile-time interface check.
var _ Messenger = (*RelayClient)(nil)

// RelayClient is a Messenger speaking to a sotto-relay server. It
// treats every identity as reachable while the socket is up; the relay
// returns no per-recipient acknowledgement, matching the best-effort
// contract of the Messenger interface.
type RelayClient struct {
	self   ref.Identity
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// DialRelay connects to a sotto-relay server, registers the identity,
// and starts a read loop that feeds inbound frames to handler.
func DialRelay(ctx context.Context, url string, self ref.Identity, handler Handler, logger *slog.Logger) (*RelayClient, error) {
	header := http.Header{}
	header.Set("X-Sotto-Identity", self.String())

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	if response != nil && response.Body != nil {
		response.Body.Close()
	}

	client := &RelayClient{
		self:   self,
		logger: logger,
		conn:   conn,
		closed: make(chan struct{}),
	}
	go client.readLoop(handler)
	return client, nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *RelayClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Post implements Messenger. Each recipient gets its own frame; a
// write failure is reported for that recipient and all that follow.
func (c *RelayClient) Post(_ context.Context, payload []byte, recipients []ref.Identity) map[ref.Identity]error {
	failures := make(map[ref.Identity]error)
	for _, recipient := range recipients {
		encoded, err := EncodeFrame(Frame{To: recipient, From: c.self, Payload: payload})
		if err != nil {
			failures[recipient] = err
			continue
		}
		if err := c.write(encoded); err != nil {
			failures[recipient] = err
		}
	}
	return failures
}

// ChannelEstablished implements Messenger: with a relay in the middle
// every registered identity is a candidate, so reachability reduces to
// the socket being up.
func (c *RelayClient) ChannelEstablished(ref.Identity) bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *RelayClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write to relay: %w", err)
	}
	return nil
}

func (c *RelayClient) readLoop(handler Handler) {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("relay read loop ended", "error", err)
			}
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		if frame.From.IsZero() {
			continue
		}
		handler(frame.From, frame.Payload)
	}
}
