// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ilp

// ilpError is a simple error-struct, tagging the failure kind for the
// boundary checks in errors.Is-style comparisons.
type ilpError struct {
	kind string
	msg  string
}

func (e *ilpError) Error() string {
	return e.kind + ": " + e.msg
}

func (e *ilpError) Is(target error) bool {
	t, ok := target.(*ilpError)
	return ok && t.kind == e.kind && (t.msg == "" || t.msg == e.msg)
}

// Sentinel errors for the codec and Address boundaries. Compare with
// errors.Is; the concrete errors carry a message besides the kind.
var (
	ErrMalformedPacket = &ilpError{kind: "MalformedPacket"}
	ErrPacketTooLarge  = &ilpError{kind: "PacketTooLarge"}
	ErrInvalidAddress  = &ilpError{kind: "InvalidAddress"}
)

// NewPacketError creates a MalformedPacket error with the given message.
func NewPacketError(msg string) error {
	return &ilpError{kind: "MalformedPacket", msg: msg}
}

// NewAddressError creates an InvalidAddress error with the given message.
func NewAddressError(msg string) error {
	return &ilpError{kind: "InvalidAddress", msg: msg}
}

func newTooLargeError(msg string) error {
	return &ilpError{kind: "PacketTooLarge", msg: msg}
}

// ILP protocol error codes, as carried in a Reject. The leading letter is
// the class: F for final, T for temporary, R for relative errors.
const (
	CodeF00BadRequest        = "F00"
	CodeF01InvalidPacket     = "F01"
	CodeF02Unreachable       = "F02"
	CodeF03InvalidAmount     = "F03"
	CodeF04InsufficientDst   = "F04"
	CodeF05WrongCondition    = "F05"
	CodeF06UnexpectedPayment = "F06"
	CodeF07CannotReceive     = "F07"
	CodeF08AmountTooLarge    = "F08"
	CodeT00InternalError     = "T00"
	CodeT01PeerUnreachable   = "T01"
	CodeT02PeerBusy          = "T02"
	CodeT03ConnectorBusy     = "T03"
	CodeT04InsufficientLiq   = "T04"
	CodeT05RateLimited       = "T05"
	CodeR00TransferTimedOut  = "R00"
	CodeR01InsufficientSrc   = "R01"
	CodeR02InsufficientTime  = "R02"
)

// validErrorCode checks the three-byte class + number shape of a Reject code.
func validErrorCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	switch code[0] {
	case 'F', 'T', 'R':
	default:
		return false
	}
	return code[1] >= '0' && code[1] <= '9' && code[2] >= '0' && code[2] <= '9'
}

// ErrorClass returns the class letter of a Reject code: "F", "T" or "R",
// or an empty string for a malformed code.
func ErrorClass(code string) string {
	if !validErrorCode(code) {
		return ""
	}
	return code[:1]
}
