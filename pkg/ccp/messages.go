// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ccp implements the connector-to-connector route synchronization
// protocol. Route Updates carry incremental, epoch-indexed routing table
// deltas; Route Controls ask a peer to resend from a given epoch. Both ride
// as CBOR payloads inside Prepare packets addressed to the reserved
// peer.route.update and peer.route.control destinations, so the protocol is
// layered on the packet protocol instead of a second transport.
package ccp

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"

	"github.com/ilp4/ilpd/pkg/ilp"
)

// Reserved destinations for the sync protocol's carrier packets.
var (
	AddressUpdate  = ilp.MustParseAddress("peer.route.update")
	AddressControl = ilp.MustParseAddress("peer.route.control")

	// AddressPrefix covers both endpoints for local-handler registration.
	AddressPrefix = ilp.MustParseAddress("peer.route")
)

// PeerProtocolFulfillment is the well-known preimage answering every sync
// carrier packet; PeerProtocolCondition is its digest. Sync packets carry no
// money, so the condition only proves protocol conformance.
var (
	PeerProtocolFulfillment = [32]byte{}
	PeerProtocolCondition   = sha256.Sum256(PeerProtocolFulfillment[:])
)

// TableID identifies one incarnation of a sender's routing table. A fresh
// TableID tells receivers to discard everything learned before.
type TableID [16]byte

func (tid TableID) String() string {
	return fmt.Sprintf("%x", tid[:])
}

// Mode of a RouteControl request.
type Mode uint8

const (
	// ModeIdle asks the sender to stop sending Route Updates.
	ModeIdle Mode = iota
	// ModeSync asks for incremental updates starting at LastKnownEpoch.
	ModeSync
	// ModeSyncFull asks for the full table now.
	ModeSyncFull
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSync:
		return "sync"
	case ModeSyncFull:
		return "sync-full"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// RouteProp is one advertised route within a RouteUpdate.
type RouteProp struct {
	Prefix     ilp.Address
	PathLength uint32
	AssetCode  string
	AssetScale uint8
	Auth       []byte
}

func (rp *RouteProp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&rp.Prefix, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(rp.PathLength), w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(rp.AssetCode, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(rp.AssetScale), w); err != nil {
		return err
	}
	return cboring.WriteByteString(rp.Auth, w)
}

func (rp *RouteProp) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("RouteProp expects 5 fields, got %d", l)
	}

	if err := cboring.Unmarshal(&rp.Prefix, r); err != nil {
		return err
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		rp.PathLength = uint32(n)
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		rp.AssetCode = s
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		rp.AssetScale = uint8(n)
	}

	if b, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		rp.Auth = b
	}

	return nil
}

// RouteUpdate advertises the sender's routing table changes covering the
// epoch range [FromEpoch, ToEpoch).
type RouteUpdate struct {
	Speaker        ilp.Address
	RoutingTableID TableID
	FromEpoch      uint32
	ToEpoch        uint32
	HoldDownTime   time.Duration

	NewRoutes         []RouteProp
	WithdrawnPrefixes []ilp.Address
}

func (ru *RouteUpdate) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&ru.Speaker, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(ru.RoutingTableID[:], w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ru.FromEpoch), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ru.ToEpoch), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ru.HoldDownTime/time.Millisecond), w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(ru.NewRoutes)), w); err != nil {
		return err
	}
	for i := range ru.NewRoutes {
		if err := cboring.Marshal(&ru.NewRoutes[i], w); err != nil {
			return err
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(ru.WithdrawnPrefixes)), w); err != nil {
		return err
	}
	for i := range ru.WithdrawnPrefixes {
		if err := cboring.Marshal(&ru.WithdrawnPrefixes[i], w); err != nil {
			return err
		}
	}

	return nil
}

func (ru *RouteUpdate) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 7 {
		return fmt.Errorf("RouteUpdate expects 7 fields, got %d", l)
	}

	if err := cboring.Unmarshal(&ru.Speaker, r); err != nil {
		return err
	}

	if b, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if len(b) != len(ru.RoutingTableID) {
		return fmt.Errorf("routing table id has %d bytes", len(b))
	} else {
		copy(ru.RoutingTableID[:], b)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ru.FromEpoch = uint32(n)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ru.ToEpoch = uint32(n)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ru.HoldDownTime = time.Duration(n) * time.Millisecond
	}

	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l > 0 {
		ru.NewRoutes = make([]RouteProp, l)
		for i := uint64(0); i < l; i++ {
			if err := cboring.Unmarshal(&ru.NewRoutes[i], r); err != nil {
				return err
			}
		}
	}

	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l > 0 {
		ru.WithdrawnPrefixes = make([]ilp.Address, l)
		for i := uint64(0); i < l; i++ {
			if err := cboring.Unmarshal(&ru.WithdrawnPrefixes[i], r); err != nil {
				return err
			}
		}
	}

	return nil
}

// RouteControl asks the peer to (re)send Route Updates: incrementally from
// LastKnownEpoch, or the full table in ModeSyncFull.
type RouteControl struct {
	Mode           Mode
	LastKnownTable TableID
	LastKnownEpoch uint32
}

func (rc *RouteControl) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(rc.Mode), w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(rc.LastKnownTable[:], w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(rc.LastKnownEpoch), w)
}

func (rc *RouteControl) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("RouteControl expects 3 fields, got %d", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > uint64(ModeSyncFull) {
		return fmt.Errorf("unknown RouteControl mode %d", n)
	} else {
		rc.Mode = Mode(n)
	}

	if b, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if len(b) != len(rc.LastKnownTable) {
		return fmt.Errorf("routing table id has %d bytes", len(b))
	} else {
		copy(rc.LastKnownTable[:], b)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		rc.LastKnownEpoch = uint32(n)
	}

	return nil
}

// carrierPrepare wraps a CBOR payload into the sync protocol's Prepare.
func carrierPrepare(destination ilp.Address, payload cboring.CborMarshaler, expiry time.Duration) (*ilp.Prepare, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(payload, &buf); err != nil {
		return nil, err
	}

	return &ilp.Prepare{
		Amount:             0,
		ExpiresAt:          time.Now().Add(expiry).Truncate(time.Millisecond),
		ExecutionCondition: PeerProtocolCondition,
		Destination:        destination,
		Data:               buf.Bytes(),
	}, nil
}

// NewUpdatePrepare builds the carrier packet for a RouteUpdate.
func NewUpdatePrepare(update *RouteUpdate, expiry time.Duration) (*ilp.Prepare, error) {
	return carrierPrepare(AddressUpdate, update, expiry)
}

// NewControlPrepare builds the carrier packet for a RouteControl.
func NewControlPrepare(control *RouteControl, expiry time.Duration) (*ilp.Prepare, error) {
	return carrierPrepare(AddressControl, control, expiry)
}

// ParseUpdate extracts a RouteUpdate from a carrier packet's data.
func ParseUpdate(data []byte) (*RouteUpdate, error) {
	update := &RouteUpdate{}
	if err := cboring.Unmarshal(update, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("unmarshalling RouteUpdate failed: %w", err)
	}
	return update, nil
}

// ParseControl extracts a RouteControl from a carrier packet's data.
func ParseControl(data []byte) (*RouteControl, error) {
	control := &RouteControl{}
	if err := cboring.Unmarshal(control, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("unmarshalling RouteControl failed: %w", err)
	}
	return control, nil
}
