// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package link carries already-encoded packets between this connector and
// its peers. A Link is one peer's bidirectional framed channel; the Manager
// supervises all Links, redials failed ones and surfaces peer appearance
// events to the routing machinery. The link layer never interprets packet
// contents beyond framing.
package link

import (
	"context"
	"errors"
)

// ErrPeerNotConnected is returned when sending to a peer without an active
// Link.
var ErrPeerNotConnected = errors.New("peer is not connected")

// Link is a bidirectional request/response channel to one peer.
type Link interface {
	// Peer returns the remote peer's account id.
	Peer() string

	// Send transmits one encoded request packet and blocks until the
	// peer's encoded response arrives, the context ends, or the Link
	// fails. A response arriving after the context ended is discarded
	// by the Link, never delivered late.
	Send(ctx context.Context, raw []byte) ([]byte, error)

	// Close tears the Link down. Pending Sends fail.
	Close() error
}

// Receiver handles one inbound request packet from a peer and returns the
// encoded response packet.
type Receiver interface {
	ReceivePacket(ctx context.Context, peer string, raw []byte) []byte
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, peer string, raw []byte) []byte

func (f ReceiverFunc) ReceivePacket(ctx context.Context, peer string, raw []byte) []byte {
	return f(ctx, peer, raw)
}

// Events receives peer lifecycle notifications from the Manager.
type Events interface {
	PeerAppeared(peer string)
	PeerDisappeared(peer string)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) PeerAppeared(string)    {}
func (NopEvents) PeerDisappeared(string) {}
