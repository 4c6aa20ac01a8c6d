// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ildcp implements the dynamic configuration protocol: a child
// account asks its parent connector for its own ILP address and asset
// details. Like the route synchronization protocol, the exchange rides as a
// carrier Prepare to a reserved destination, answered with the well-known
// peer protocol fulfillment; the response payload is CBOR in the Fulfill's
// data field.
package ildcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/ccp"
	"github.com/ilp4/ilpd/pkg/connector"
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

// AddressConfig is the reserved destination for configuration requests.
var AddressConfig = ilp.MustParseAddress("peer.config")

// ConfigResponse tells a child account who it is: its ILP address and the
// asset its ledger with the parent is denominated in.
type ConfigResponse struct {
	ClientAddress ilp.Address
	AssetCode     string
	AssetScale    uint8
}

func (cr *ConfigResponse) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&cr.ClientAddress, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(cr.AssetCode, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(cr.AssetScale), w)
}

func (cr *ConfigResponse) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("ConfigResponse expects 3 fields, got %d", l)
	}

	if err := cboring.Unmarshal(&cr.ClientAddress, r); err != nil {
		return err
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		cr.AssetCode = s
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cr.AssetScale = uint8(n)
	}

	return nil
}

// NewRequestPrepare builds the carrier packet asking for configuration. The
// request itself carries no payload; the sender's identity comes from the
// authenticated link it arrives on.
func NewRequestPrepare(expiry time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             0,
		ExpiresAt:          time.Now().Add(expiry).Truncate(time.Millisecond),
		ExecutionCondition: ccp.PeerProtocolCondition,
		Destination:        AddressConfig,
	}
}

// ParseResponse extracts a ConfigResponse from a Fulfill's data.
func ParseResponse(data []byte) (*ConfigResponse, error) {
	response := &ConfigResponse{}
	if err := cboring.Unmarshal(response, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("unmarshalling ConfigResponse failed: %w", err)
	}
	return response, nil
}

// Server answers configuration requests from child accounts. Register it
// under AddressConfig next to the route synchronization handler.
type Server struct {
	self ilp.Address
}

func NewServer(self ilp.Address) *Server {
	return &Server{self: self}
}

func (s *Server) log() *log.Entry {
	return log.WithField("component", "ildcp")
}

func (s *Server) reject(code, msg string) *ilp.Reject {
	return &ilp.Reject{Code: code, TriggeredBy: s.self, Message: msg}
}

func (s *Server) HandlePacket(_ context.Context, req connector.Request) (ilp.Packet, error) {
	if req.Prepare.ExecutionCondition != ccp.PeerProtocolCondition {
		return s.reject(ilp.CodeF01InvalidPacket, "config request carries the wrong condition"), nil
	}
	if req.Prepare.Destination != AddressConfig {
		return s.reject(ilp.CodeF02Unreachable, "unknown peer protocol endpoint"), nil
	}
	if req.From.Relation != routing.Child {
		return s.reject(ilp.CodeF00BadRequest, "configuration is only served to child accounts"), nil
	}

	address := req.From.Address
	if address.IsZero() {
		derived, err := s.self.WithSuffix(req.From.ID)
		if err != nil {
			s.log().WithField("peer", req.From.ID).WithError(err).Warn("Cannot derive child address")
			return s.reject(ilp.CodeF00BadRequest, "account id does not form an address segment"), nil
		}
		address = derived
	}

	response := &ConfigResponse{
		ClientAddress: address,
		AssetCode:     req.From.AssetCode,
		AssetScale:    req.From.AssetScale,
	}

	var buf bytes.Buffer
	if err := cboring.Marshal(response, &buf); err != nil {
		return nil, err
	}

	s.log().WithFields(log.Fields{
		"peer":    req.From.ID,
		"address": address,
	}).Debug("Served child configuration")

	return &ilp.Fulfill{
		Fulfillment: ccp.PeerProtocolFulfillment,
		Data:        buf.Bytes(),
	}, nil
}

// FetchConfig performs the client side of the exchange: it sends one request
// to the given peer and parses the answer.
func FetchConfig(ctx context.Context, sender connector.PeerSender, peer string, expiry time.Duration) (*ConfigResponse, error) {
	response, err := sender.SendPacket(ctx, peer, NewRequestPrepare(expiry))
	if err != nil {
		return nil, err
	}

	switch pkt := response.(type) {
	case *ilp.Fulfill:
		return ParseResponse(pkt.Data)
	case *ilp.Reject:
		return nil, fmt.Errorf("config request rejected with %s: %s", pkt.Code, pkt.Message)
	default:
		return nil, fmt.Errorf("unexpected response of type %d", response.Type())
	}
}
