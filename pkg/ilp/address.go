// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ilp

import (
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
)

const (
	// addressMaxLength bounds a whole Address, separators included.
	addressMaxLength = 1023

	// segmentMaxLength bounds a single dot-separated segment.
	segmentMaxLength = 63
)

// Address is a validated ILP address: dot-separated segments of characters
// from [A-Za-z0-9_~-], each segment between 1 and 63 characters, the whole
// address no longer than 1023 characters. An Address is immutable; the zero
// value is invalid and only ParseAddress (or WithSuffix) produces valid ones.
//
// Addresses are hierarchical. "g.acme" is a prefix of "g.acme.alice" and of
// itself, but not of "g.acmeish".
type Address struct {
	addr string
}

func validSegmentByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '~' || c == '-':
		return true
	default:
		return false
	}
}

func checkSegment(segment string) error {
	if len(segment) == 0 {
		return NewAddressError("empty segment")
	}
	if len(segment) > segmentMaxLength {
		return NewAddressError(fmt.Sprintf("segment exceeds %d characters", segmentMaxLength))
	}
	for i := 0; i < len(segment); i++ {
		if !validSegmentByte(segment[i]) {
			return NewAddressError(fmt.Sprintf("illegal character %q", segment[i]))
		}
	}
	return nil
}

// ParseAddress creates an Address from its string form, or returns an
// InvalidAddress error if the grammar is violated.
func ParseAddress(s string) (Address, error) {
	if len(s) == 0 {
		return Address{}, NewAddressError("empty address")
	}
	if len(s) > addressMaxLength {
		return Address{}, NewAddressError(fmt.Sprintf("address exceeds %d characters", addressMaxLength))
	}

	for _, segment := range strings.Split(s, ".") {
		if err := checkSegment(segment); err != nil {
			return Address{}, err
		}
	}

	return Address{addr: s}, nil
}

// MustParseAddress returns a new Address like ParseAddress, but panics in
// case of an error. Intended for constants and tests.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// IsZero reports whether this Address is the invalid zero value.
func (a Address) IsZero() bool {
	return a.addr == ""
}

func (a Address) String() string {
	return a.addr
}

// IsPrefixOf reports whether other equals this Address or starts with this
// Address followed by a dot.
func (a Address) IsPrefixOf(other Address) bool {
	if a.addr == other.addr {
		return true
	}
	return len(other.addr) > len(a.addr) &&
		strings.HasPrefix(other.addr, a.addr) &&
		other.addr[len(a.addr)] == '.'
}

// WithSuffix derives a longer Address by appending one segment. It fails if
// the segment or the resulting Address violates the grammar.
func (a Address) WithSuffix(segment string) (Address, error) {
	if a.IsZero() {
		return Address{}, NewAddressError("suffix on zero Address")
	}
	if err := checkSegment(segment); err != nil {
		return Address{}, err
	}
	if len(a.addr)+1+len(segment) > addressMaxLength {
		return Address{}, NewAddressError(fmt.Sprintf("address exceeds %d characters", addressMaxLength))
	}
	return Address{addr: a.addr + "." + segment}, nil
}

// Segments returns the dot-separated parts of this Address.
func (a Address) Segments() []string {
	return strings.Split(a.addr, ".")
}

// MarshalCbor writes this Address as a CBOR text string.
func (a *Address) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(a.addr, w)
}

// UnmarshalCbor reads and re-validates an Address from a CBOR text string.
func (a *Address) UnmarshalCbor(r io.Reader) error {
	s, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}

	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}

	*a = addr
	return nil
}
