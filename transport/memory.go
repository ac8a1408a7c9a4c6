// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sotto-voice/sotto/lib/ref"
)

// MemoryNetwork connects in-process endpoints for tests. Delivery is
// synchronous and in posting order; tests that need reordering post
// out of order themselves. Individual channel pairs can be severed
// with SetChannel to force the engine onto the relay path.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[ref.Identity]Handler
	severed   map[channelKey]bool
}

type channelKey struct {
	a, b ref.Identity
}

// orderedKey normalizes the pair so severing (a,b) also severs (b,a).
func orderedKey(a, b ref.Identity) channelKey {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return channelKey{a: a, b: b}
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[ref.Identity]Handler),
		severed:   make(map[channelKey]bool),
	}
}

// Attach registers an identity with its inbound handler and returns
// the Messenger bound to that identity.
func (n *MemoryNetwork) Attach(identity ref.Identity, handler Handler) Messenger {
	n.mu.Lock()
	n.endpoints[identity] = handler
	n.mu.Unlock()
	return &memoryMessenger{network: n, self: identity}
}

// Detach removes an identity; posts to it fail afterwards.
func (n *MemoryNetwork) Detach(identity ref.Identity) {
	n.mu.Lock()
	delete(n.endpoints, identity)
	n.mu.Unlock()
}

// SetChannel controls whether a direct secure channel exists between
// the two identities. All channels exist by default once both ends are
// attached.
func (n *MemoryNetwork) SetChannel(a, b ref.Identity, established bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if established {
		delete(n.severed, orderedKey(a, b))
	} else {
		n.severed[orderedKey(a, b)] = true
	}
}

func (n *MemoryNetwork) channelUp(a, b ref.Identity) (Handler, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.severed[orderedKey(a, b)] {
		return nil, false
	}
	handler, ok := n.endpoints[b]
	return handler, ok
}

// Compile-time interface check.
var _ Messenger = (*memoryMessenger)(nil)

type memoryMessenger struct {
	network *MemoryNetwork
	self    ref.Identity
}

func (m *memoryMessenger) Post(_ context.Context, payload []byte, recipients []ref.Identity) map[ref.Identity]error {
	failures := make(map[ref.Identity]error)
	for _, recipient := range recipients {
		handler, ok := m.network.channelUp(m.self, recipient)
		if !ok {
			failures[recipient] = fmt.Errorf("no channel to %s", recipient)
			continue
		}
		// Copy so the receiver cannot observe later mutation.
		delivered := append([]byte(nil), payload...)
		handler(m.self, delivered)
	}
	return failures
}

func (m *memoryMessenger) ChannelEstablished(identity ref.Identity) bool {
	_, ok := m.network.channelUp(m.self, identity)
	return ok
}
