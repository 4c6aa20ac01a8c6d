// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ilp models the three ILP packet variants and their binary wire
// format, together with the validated ILP Address type. The wire format is
// the one compatibility surface shared with other connector implementations
// and must stay bit-exact: one type tag byte, a variable-length length
// prefix, and the variant's fields in their fixed order.
package ilp

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// PacketType is the envelope's one-byte type tag.
type PacketType uint8

const (
	TypePrepare PacketType = 12
	TypeFulfill PacketType = 13
	TypeReject  PacketType = 14
)

func (pt PacketType) String() string {
	switch pt {
	case TypePrepare:
		return "Prepare"
	case TypeFulfill:
		return "Fulfill"
	case TypeReject:
		return "Reject"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(pt))
	}
}

// MaxDataLength bounds the opaque data field of every packet variant.
// Oversized data from a peer is refused with a PacketTooLarge error before
// any allocation happens.
const MaxDataLength = 32767

// Packet is one of the three variants: *Prepare, *Fulfill or *Reject.
// Packets are value objects; a forwarding hop derives a new Prepare instead
// of mutating the inbound one.
type Packet interface {
	Type() PacketType
	CheckValid() error
}

// Prepare proposes a transfer of Amount towards Destination, conditional on
// the receiver presenting the preimage of ExecutionCondition before
// ExpiresAt.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [32]byte
	Destination        Address
	Data               []byte
}

func (p *Prepare) Type() PacketType {
	return TypePrepare
}

func (p *Prepare) CheckValid() (errs error) {
	if p.Destination.IsZero() {
		errs = multierror.Append(errs, NewPacketError("Prepare has no destination"))
	}
	if p.ExpiresAt.IsZero() {
		errs = multierror.Append(errs, NewPacketError("Prepare has no expiry"))
	}
	if len(p.Data) > MaxDataLength {
		errs = multierror.Append(errs, newTooLargeError("Prepare data exceeds maximum"))
	}
	return
}

// Fulfill proves that the condition of the Prepare it answers was met.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

func (f *Fulfill) Type() PacketType {
	return TypeFulfill
}

func (f *Fulfill) CheckValid() (errs error) {
	if len(f.Data) > MaxDataLength {
		errs = multierror.Append(errs, newTooLargeError("Fulfill data exceeds maximum"))
	}
	return
}

// Matches reports whether this Fulfill's preimage answers the given
// execution condition. Relaying a Fulfill without this check is a protocol
// violation.
func (f *Fulfill) Matches(condition [32]byte) bool {
	return sha256.Sum256(f.Fulfillment[:]) == condition
}

// Reject aborts a transfer. TriggeredBy names the node that originated the
// rejection; intermediate hops relay the Reject unchanged.
type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (r *Reject) Type() PacketType {
	return TypeReject
}

func (r *Reject) CheckValid() (errs error) {
	if !validErrorCode(r.Code) {
		errs = multierror.Append(errs, NewPacketError(fmt.Sprintf("Reject code %q is malformed", r.Code)))
	}
	if len(r.Data) > MaxDataLength {
		errs = multierror.Append(errs, newTooLargeError("Reject data exceeds maximum"))
	}
	return
}

// Condition computes the execution condition committing to the given
// fulfillment preimage.
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// Equal compares two packets field by field.
func Equal(a, b Packet) bool {
	if a.Type() != b.Type() {
		return false
	}

	switch x := a.(type) {
	case *Prepare:
		y := b.(*Prepare)
		return x.Amount == y.Amount &&
			x.ExpiresAt.Equal(y.ExpiresAt) &&
			x.ExecutionCondition == y.ExecutionCondition &&
			x.Destination == y.Destination &&
			bytes.Equal(x.Data, y.Data)
	case *Fulfill:
		y := b.(*Fulfill)
		return x.Fulfillment == y.Fulfillment && bytes.Equal(x.Data, y.Data)
	case *Reject:
		y := b.(*Reject)
		return x.Code == y.Code &&
			x.TriggeredBy == y.TriggeredBy &&
			x.Message == y.Message &&
			bytes.Equal(x.Data, y.Data)
	default:
		return false
	}
}
