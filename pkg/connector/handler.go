// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package connector contains the packet-processing pipeline and the
// forwarding core. A pipeline is an ordered chain of stages around the
// shared packet-exchange contract: every stage receives a Request and either
// answers it locally or delegates to the rest of the pipeline, post-processing
// the Fulfill or Reject flowing back.
package connector

import (
	"context"

	"github.com/ilp4/ilpd/pkg/ilp"
)

// Request is one packet exchange travelling through the pipeline: the
// Prepare to be answered plus per-call metadata. The deadline travels in the
// context, derived from the Prepare's expiry.
type Request struct {
	// From identifies the peer the Prepare arrived from.
	From Account

	// Prepare is immutable; stages derive new Prepares instead of
	// mutating it.
	Prepare *ilp.Prepare
}

// Handler answers a Request with a Fulfill or Reject packet. The error
// return is reserved for transport-level failures; protocol-level refusals
// are Reject packets, not errors.
type Handler interface {
	HandlePacket(ctx context.Context, req Request) (ilp.Packet, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (ilp.Packet, error)

func (f HandlerFunc) HandlePacket(ctx context.Context, req Request) (ilp.Packet, error) {
	return f(ctx, req)
}

// Middleware wraps a Handler, receiving the rest of the pipeline as a single
// callable value.
type Middleware func(next Handler) Handler

// Chain composes stages around a terminal Handler. The first stage is the
// outermost: it sees the Request first and the response last.
func Chain(terminal Handler, stages ...Middleware) Handler {
	h := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}
