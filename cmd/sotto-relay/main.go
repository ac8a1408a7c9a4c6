// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// sotto-relay is a development fan-out hub for sotto signaling. Each
// client connects over a websocket, registers its identity, and sends
// frames addressed by identity; the relay stamps the sender and
// forwards. It performs no authentication and stands in for a real
// secure messaging layer during development only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sotto-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen   string
		logLevel string
	)
	pflag.StringVar(&listen, "listen", ":8473", "address to listen on")
	pflag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub(logger)
	server := &http.Server{
		Addr:    listen,
		Handler: hub,
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.ListenAndServe()
	}()
	logger.Info("relay listening", "address", listen)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	case err := <-serveDone:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// hub tracks one websocket per registered identity and forwards frames
// between them.
type hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[ref.Identity]*client
}

type client struct {
	identity ref.Identity
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[ref.Identity]*client),
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := ref.ParseIdentity(r.Header.Get("X-Sotto-Identity"))
	if err != nil {
		http.Error(w, "missing or malformed X-Sotto-Identity header", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{identity: identity, conn: conn}
	if previous := h.register(c); previous != nil {
		// A reconnecting client displaces its stale registration.
		previous.conn.Close()
	}
	h.logger.Info("client registered", "identity", identity)

	h.readLoop(c)

	h.unregister(c)
	conn.Close()
	h.logger.Info("client gone", "identity", identity)
}

func (h *hub) register(c *client) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.clients[c.identity]
	h.clients[c.identity] = c
	return previous
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.identity] == c {
		delete(h.clients, c.identity)
	}
}

func (h *hub) lookup(identity ref.Identity) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[identity]
}

func (h *hub) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := transport.DecodeFrame(data)
		if err != nil {
			h.logger.Warn("dropping malformed frame", "from", c.identity, "error", err)
			continue
		}
		// The sender identity is the registration, never the frame's
		// own claim.
		frame.From = c.identity
		h.forward(c, frame)
	}
}

func (h *hub) forward(sender *client, frame transport.Frame) {
	target := h.lookup(frame.To)
	if target == nil {
		h.logger.Debug("dropping frame for unknown recipient",
			"from", sender.identity, "to", frame.To)
		return
	}
	encoded, err := transport.EncodeFrame(frame)
	if err != nil {
		h.logger.Warn("re-encoding frame failed", "error", err)
		return
	}
	target.writeMu.Lock()
	defer target.writeMu.Unlock()
	target.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := target.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		h.logger.Warn("forwarding frame failed", "to", frame.To, "error", err)
	}
}
