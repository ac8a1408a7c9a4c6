// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"

	"github.com/sotto-voice/sotto/lib/ref"
)

func identity(t *testing.T, name string) ref.Identity {
	t.Helper()
	id, err := ref.NewIdentity([]byte(name))
	if err != nil {
		t.Fatalf("NewIdentity(%q): %v", name, err)
	}
	return id
}

func TestMemoryNetwork_Delivers(t *testing.T) {
	network := NewMemoryNetwork()
	alice := identity(t, "alice")
	bob := identity(t, "bob")

	var gotFrom ref.Identity
	var gotPayload []byte
	network.Attach(bob, func(from ref.Identity, payload []byte) {
		gotFrom = from
		gotPayload = payload
	})
	aliceMessenger := network.Attach(alice, func(ref.Identity, []byte) {})

	failures := aliceMessenger.Post(context.Background(), []byte("hello"), []ref.Identity{bob})
	if len(failures) != 0 {
		t.Fatalf("Post failures = %v, want none", failures)
	}
	if !gotFrom.Equal(alice) {
		t.Errorf("delivered from %v, want %v", gotFrom, alice)
	}
	if string(gotPayload) != "hello" {
		t.Errorf("delivered payload %q, want %q", gotPayload, "hello")
	}
}

func TestMemoryNetwork_SeveredChannel(t *testing.T) {
	network := NewMemoryNetwork()
	alice := identity(t, "alice")
	bob := identity(t, "bob")

	network.Attach(bob, func(ref.Identity, []byte) {
		t.Error("delivery over a severed channel")
	})
	aliceMessenger := network.Attach(alice, func(ref.Identity, []byte) {})

	network.SetChannel(alice, bob, false)

	if aliceMessenger.ChannelEstablished(bob) {
		t.Error("ChannelEstablished = true over a severed channel")
	}
	failures := aliceMessenger.Post(context.Background(), []byte("x"), []ref.Identity{bob})
	if failures[bob] == nil {
		t.Error("Post over a severed channel reported success")
	}

	// Severing is symmetric and reversible.
	network.SetChannel(bob, alice, true)
	if !aliceMessenger.ChannelEstablished(bob) {
		t.Error("channel not restored after SetChannel(true)")
	}
}

func TestMemoryNetwork_UnknownRecipient(t *testing.T) {
	network := NewMemoryNetwork()
	alice := identity(t, "alice")
	ghost := identity(t, "ghost")

	aliceMessenger := network.Attach(alice, func(ref.Identity, []byte) {})
	failures := aliceMessenger.Post(context.Background(), []byte("x"), []ref.Identity{ghost})
	if failures[ghost] == nil {
		t.Error("Post to unattached identity reported success")
	}
}
