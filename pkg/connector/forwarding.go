// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connector

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

// PeerSender delivers a Prepare to a named peer and returns its response.
// Implementations sit adjacent to the transport and MUST verify an inbound
// Fulfill's preimage against the Prepare's execution condition before
// returning it; see RawSender and NewLinkSender.
type PeerSender interface {
	SendPacket(ctx context.Context, peer string, prepare *ilp.Prepare) (ilp.Packet, error)
}

// RawSender is the byte-level contract offered by the link layer.
type RawSender interface {
	Send(ctx context.Context, peer string, raw []byte) ([]byte, error)
}

// linkSender encodes outgoing Prepares for the link layer and decodes the
// answer. As the last stage that knows the condition before the transport,
// it enforces the fulfillment digest here: a Fulfill whose preimage does not
// answer the condition never enters the pipeline as a Fulfill.
type linkSender struct {
	self  ilp.Address
	links RawSender
}

// NewLinkSender wraps the link layer's byte channel into a PeerSender.
func NewLinkSender(self ilp.Address, links RawSender) PeerSender {
	return &linkSender{self: self, links: links}
}

func (ls *linkSender) SendPacket(ctx context.Context, peer string, prepare *ilp.Prepare) (ilp.Packet, error) {
	raw, err := ilp.Encode(prepare)
	if err != nil {
		return nil, err
	}

	rawResponse, err := ls.links.Send(ctx, peer, raw)
	if err != nil {
		return nil, err
	}

	response, err := ilp.Decode(rawResponse)
	if err != nil {
		return nil, err
	}

	switch pkt := response.(type) {
	case *ilp.Fulfill:
		if !pkt.Matches(prepare.ExecutionCondition) {
			log.WithFields(log.Fields{
				"peer":        peer,
				"destination": prepare.Destination,
			}).Warn("peer answered with a wrong fulfillment preimage")

			return &ilp.Reject{
				Code:        ilp.CodeF05WrongCondition,
				TriggeredBy: ls.self,
				Message:     "fulfillment does not match the condition",
			}, nil
		}
		return pkt, nil

	case *ilp.Reject:
		return pkt, nil

	default:
		return nil, ilp.NewPacketError("peer answered a Prepare with a Prepare")
	}
}

// Connector is the forwarding core and the pipeline's terminal stage: it
// consults the routing table, rewrites amount and expiry for the next hop,
// forwards through the PeerSender and relays the answer.
type Connector struct {
	self     ilp.Address
	table    *routing.Table
	accounts Accounts
	sender   PeerSender
	policy   RatePolicy

	// hopMargin is subtracted from the inbound expiry at every hop,
	// bounding how long this node may be left waiting downstream.
	hopMargin time.Duration

	// locals maps reserved address prefixes, like the route
	// synchronization endpoints, to their in-process handlers.
	locals map[string]Handler
}

// NewConnector creates the forwarding core.
func NewConnector(self ilp.Address, table *routing.Table, accounts Accounts, sender PeerSender, policy RatePolicy, hopMargin time.Duration) *Connector {
	return &Connector{
		self:      self,
		table:     table,
		accounts:  accounts,
		sender:    sender,
		policy:    policy,
		hopMargin: hopMargin,
		locals:    make(map[string]Handler),
	}
}

// RegisterLocal attaches a Handler for destinations under the given prefix.
// Packets matching a local prefix never touch the routing table.
func (c *Connector) RegisterLocal(prefix ilp.Address, handler Handler) {
	c.locals[prefix.String()] = handler
}

func (c *Connector) reject(code, msg string) *ilp.Reject {
	return &ilp.Reject{
		Code:        code,
		TriggeredBy: c.self,
		Message:     msg,
	}
}

func (c *Connector) localHandler(destination ilp.Address) (Handler, bool) {
	for prefix, handler := range c.locals {
		if ilp.MustParseAddress(prefix).IsPrefixOf(destination) {
			return handler, true
		}
	}
	return nil, false
}

// HandlePacket forwards one inbound Prepare. Every outcome is a Fulfill or
// Reject packet; errors are reserved for broken local invariants.
func (c *Connector) HandlePacket(ctx context.Context, req Request) (ilp.Packet, error) {
	prepare := req.Prepare

	if err := prepare.CheckValid(); err != nil {
		if errors.Is(err, ilp.ErrPacketTooLarge) {
			return c.reject(ilp.CodeF08AmountTooLarge, "packet data is too large"), nil
		}
		return c.reject(ilp.CodeF01InvalidPacket, "packet is malformed"), nil
	}

	now := time.Now()
	if !prepare.ExpiresAt.After(now) {
		return c.reject(ilp.CodeF01InvalidPacket, "packet is expired"), nil
	}

	if handler, ok := c.localHandler(prepare.Destination); ok {
		return handler.HandlePacket(ctx, req)
	}

	route, err := c.table.Lookup(prepare.Destination)
	if err != nil {
		return c.reject(ilp.CodeF02Unreachable, "no route to destination"), nil
	}

	nextHop, ok := c.accounts.Account(route.NextHop)
	if !ok {
		return c.reject(ilp.CodeF02Unreachable, "next hop has no account"), nil
	}

	outAmount, err := c.policy.OutgoingAmount(prepare.Amount, req.From, nextHop)
	if err != nil {
		return c.reject(ilp.CodeF08AmountTooLarge, "amount is not representable at the next hop"), nil
	}

	outExpiry := prepare.ExpiresAt.Add(-c.hopMargin)
	if !outExpiry.After(now) {
		return c.reject(ilp.CodeR02InsufficientTime, "insufficient expiry for another hop"), nil
	}

	// a new Prepare for the next hop; the inbound one stays untouched
	outgoing := &ilp.Prepare{
		Amount:             outAmount,
		ExpiresAt:          outExpiry,
		ExecutionCondition: prepare.ExecutionCondition,
		Destination:        prepare.Destination,
		Data:               prepare.Data,
	}

	// the downstream wait is bounded by the outgoing expiry, never a
	// fixed timeout
	sendCtx, cancel := context.WithDeadline(ctx, outExpiry)
	defer cancel()

	response, err := c.sender.SendPacket(sendCtx, route.NextHop, outgoing)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.reject(ilp.CodeT00InternalError, "downstream hop timed out"), nil
		}

		log.WithFields(log.Fields{
			"peer":        route.NextHop,
			"destination": prepare.Destination,
		}).WithError(err).Info("forwarding to next hop failed")
		return c.reject(ilp.CodeT01PeerUnreachable, "next hop is unreachable"), nil
	}

	switch pkt := response.(type) {
	case *ilp.Fulfill:
		// re-checked against the original condition, not the rewritten
		// packet's copy
		if !pkt.Matches(prepare.ExecutionCondition) {
			log.WithFields(log.Fields{
				"peer":        route.NextHop,
				"destination": prepare.Destination,
			}).Warn("downstream fulfillment does not answer the original condition")
			return c.reject(ilp.CodeF05WrongCondition, "fulfillment does not match the condition"), nil
		}
		return pkt, nil

	case *ilp.Reject:
		log.WithFields(log.Fields{
			"peer":         route.NextHop,
			"destination":  prepare.Destination,
			"code":         pkt.Code,
			"triggered-by": pkt.TriggeredBy,
			"relayed-by":   c.self,
		}).Debug("relaying downstream rejection")
		return pkt, nil

	default:
		return nil, ilp.NewPacketError("downstream answered a Prepare with a Prepare")
	}
}
