// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package link

import (
	"context"
	"errors"
	"sync"
)

// Pipe is an in-process Link pair: what one end sends, the other end's
// Receiver answers synchronously. Used for tests and for wiring two
// connector instances inside one process.
type Pipe struct {
	peer     string
	selfID   string
	receiver Receiver

	closeOnce sync.Once
	done      chan struct{}
}

// NewPipePair connects two nodes in-process. The first Link belongs to node
// A and reaches peer B, whose inbound packets are answered by bReceiver;
// vice versa for the second.
func NewPipePair(aID, bID string, aReceiver, bReceiver Receiver) (*Pipe, *Pipe) {
	a := &Pipe{peer: bID, selfID: aID, receiver: bReceiver, done: make(chan struct{})}
	b := &Pipe{peer: aID, selfID: bID, receiver: aReceiver, done: make(chan struct{})}
	return a, b
}

func (p *Pipe) Peer() string {
	return p.peer
}

func (p *Pipe) Send(ctx context.Context, raw []byte) ([]byte, error) {
	select {
	case <-p.done:
		return nil, errors.New("pipe is closed")
	default:
	}

	type answer struct {
		raw []byte
	}
	ch := make(chan answer, 1)

	go func() {
		ch <- answer{raw: p.receiver.ReceivePacket(ctx, p.selfID, raw)}
	}()

	select {
	case <-ctx.Done():
		// the late answer stays in the buffered channel and is dropped
		return nil, ctx.Err()
	case <-p.done:
		return nil, errors.New("pipe is closed")
	case a := <-ch:
		return a.raw, nil
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *Pipe) Done() <-chan struct{} {
	return p.done
}
