// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connector

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/ilp"
)

// LinkReceiver decodes inbound raw packets from the link layer, runs them
// through the pipeline and encodes the answer. It is the inbound counterpart
// of NewLinkSender: everything entering the pipeline is a validated Prepare
// from a known account, and every outcome leaves as an encoded packet.
type LinkReceiver struct {
	self     ilp.Address
	accounts Accounts
	handler  Handler
}

// NewLinkReceiver creates the byte-level inbound entry point.
func NewLinkReceiver(self ilp.Address, accounts Accounts, handler Handler) *LinkReceiver {
	return &LinkReceiver{
		self:     self,
		accounts: accounts,
		handler:  handler,
	}
}

func (lr *LinkReceiver) encodeReject(code, msg string) []byte {
	raw, err := ilp.Encode(&ilp.Reject{
		Code:        code,
		TriggeredBy: lr.self,
		Message:     msg,
	})
	if err != nil {
		// a Reject with a short static message always encodes
		log.WithError(err).Error("encoding a static Reject failed")
		return nil
	}
	return raw
}

// ReceivePacket handles one inbound request packet from a peer.
func (lr *LinkReceiver) ReceivePacket(ctx context.Context, peer string, raw []byte) []byte {
	account, ok := lr.accounts.Account(peer)
	if !ok {
		log.WithField("peer", peer).Warn("inbound packet from a peer without an account")
		return lr.encodeReject(ilp.CodeF00BadRequest, "unknown peer")
	}

	pkt, err := ilp.Decode(raw)
	if err != nil {
		log.WithField("peer", peer).WithError(err).Info("inbound packet is malformed")
		return lr.encodeReject(ilp.CodeF01InvalidPacket, "packet is malformed")
	}

	prepare, isPrepare := pkt.(*ilp.Prepare)
	if !isPrepare {
		log.WithFields(log.Fields{
			"peer": peer,
			"type": pkt.Type(),
		}).Info("inbound packet is not a Prepare")
		return lr.encodeReject(ilp.CodeF01InvalidPacket, "expected a Prepare")
	}

	response, err := lr.handler.HandlePacket(ctx, Request{From: account, Prepare: prepare})
	if err != nil {
		log.WithFields(log.Fields{
			"peer":        peer,
			"destination": prepare.Destination,
		}).WithError(err).Error("packet handling failed")
		return lr.encodeReject(ilp.CodeT00InternalError, "internal error")
	}

	rawResponse, err := ilp.Encode(response)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":        peer,
			"destination": prepare.Destination,
		}).WithError(err).Error("encoding the response failed")
		return lr.encodeReject(ilp.CodeT00InternalError, "internal error")
	}
	return rawResponse
}
