// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ilp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"
)

// maxContentsLength caps the envelope's declared contents length. The sum of
// all maximum field sizes stays well below this; anything larger is either
// garbage or a resource-exhaustion attempt.
const maxContentsLength = 1 << 16

// timestampLength is the length of the fixed ASCII form "YYYYMMDDHHMMSSmmm"
// carried in a Prepare, always UTC with millisecond precision.
const timestampLength = 17

func formatTimestamp(t time.Time) []byte {
	t = t.UTC()
	ts := t.Format("20060102150405")
	return []byte(fmt.Sprintf("%s%03d", ts, t.Nanosecond()/int(time.Millisecond)))
}

func parseTimestamp(raw []byte) (time.Time, error) {
	if len(raw) != timestampLength {
		return time.Time{}, NewPacketError("timestamp field is truncated")
	}

	t, err := time.Parse("20060102150405", string(raw[:14]))
	if err != nil {
		return time.Time{}, NewPacketError("timestamp is not a valid date")
	}

	millis, err := strconv.Atoi(string(raw[14:]))
	if err != nil {
		return time.Time{}, NewPacketError("timestamp milliseconds are not numeric")
	}

	return t.Add(time.Duration(millis) * time.Millisecond), nil
}

// writeVarLen writes an OER variable-length determinant: one byte for values
// below 128, otherwise 0x80|n followed by n big-endian length bytes.
func writeVarLen(length int, w io.Writer) error {
	if length < 0x80 {
		_, err := w.Write([]byte{byte(length)})
		return err
	}

	var lenBytes []byte
	for v := length; v > 0; v >>= 8 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
	}

	if _, err := w.Write([]byte{0x80 | byte(len(lenBytes))}); err != nil {
		return err
	}
	_, err := w.Write(lenBytes)
	return err
}

func readVarLen(r io.Reader) (int, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, NewPacketError("length prefix is truncated")
	}

	if first[0] < 0x80 {
		return int(first[0]), nil
	}

	n := int(first[0] & 0x7f)
	if n == 0 || n > 4 {
		return 0, NewPacketError("length-of-length is out of range")
	}

	lenBytes := make([]byte, n)
	if _, err := io.ReadFull(r, lenBytes); err != nil {
		return 0, NewPacketError("length prefix is truncated")
	}

	// bounded per byte, so the accumulator can never overflow int,
	// not even on 32 bit platforms
	length := 0
	for _, b := range lenBytes {
		length = length<<8 | int(b)
		if length > maxContentsLength {
			return 0, NewPacketError("declared length is implausibly large")
		}
	}
	return length, nil
}

// fieldReader walks a packet's contents slice, turning every short read into
// a MalformedPacket error instead of a panic.
type fieldReader struct {
	buf []byte
}

func (fr *fieldReader) take(n int, what string) ([]byte, error) {
	if n < 0 || n > len(fr.buf) {
		return nil, NewPacketError(fmt.Sprintf("%s field exceeds remaining input", what))
	}
	b := fr.buf[:n]
	fr.buf = fr.buf[n:]
	return b, nil
}

func (fr *fieldReader) varOctets(what string) ([]byte, error) {
	r := bytes.NewReader(fr.buf)
	length, err := readVarLen(r)
	if err != nil {
		return nil, err
	}
	fr.buf = fr.buf[len(fr.buf)-r.Len():]
	return fr.take(length, what)
}

func (fr *fieldReader) data() ([]byte, error) {
	r := bytes.NewReader(fr.buf)
	length, err := readVarLen(r)
	if err != nil {
		return nil, err
	}
	if length > MaxDataLength {
		return nil, newTooLargeError(fmt.Sprintf("data field of %d bytes exceeds maximum", length))
	}
	fr.buf = fr.buf[len(fr.buf)-r.Len():]
	raw, err := fr.take(length, "data")
	if err != nil {
		return nil, err
	}
	// copy, the input slice belongs to the caller
	return append([]byte(nil), raw...), nil
}

func (fr *fieldReader) done() error {
	if len(fr.buf) != 0 {
		return NewPacketError(fmt.Sprintf("%d trailing bytes after packet contents", len(fr.buf)))
	}
	return nil
}

func writeVarOctets(raw []byte, w io.Writer) error {
	if err := writeVarLen(len(raw), w); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

func encodeContents(p Packet) ([]byte, error) {
	var buf bytes.Buffer

	switch pkt := p.(type) {
	case *Prepare:
		var amount [8]byte
		binary.BigEndian.PutUint64(amount[:], pkt.Amount)
		buf.Write(amount[:])
		buf.Write(formatTimestamp(pkt.ExpiresAt))
		buf.Write(pkt.ExecutionCondition[:])
		if err := writeVarOctets([]byte(pkt.Destination.String()), &buf); err != nil {
			return nil, err
		}
		if err := writeVarOctets(pkt.Data, &buf); err != nil {
			return nil, err
		}

	case *Fulfill:
		buf.Write(pkt.Fulfillment[:])
		if err := writeVarOctets(pkt.Data, &buf); err != nil {
			return nil, err
		}

	case *Reject:
		buf.WriteString(pkt.Code)
		if err := writeVarOctets([]byte(pkt.TriggeredBy.String()), &buf); err != nil {
			return nil, err
		}
		if err := writeVarOctets([]byte(pkt.Message), &buf); err != nil {
			return nil, err
		}
		if err := writeVarOctets(pkt.Data, &buf); err != nil {
			return nil, err
		}

	default:
		return nil, NewPacketError("unknown packet variant")
	}

	return buf.Bytes(), nil
}

func decodePrepare(fr *fieldReader) (*Prepare, error) {
	rawAmount, err := fr.take(8, "amount")
	if err != nil {
		return nil, err
	}
	amount := binary.BigEndian.Uint64(rawAmount)

	rawExpiry, err := fr.take(timestampLength, "expiry")
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseTimestamp(rawExpiry)
	if err != nil {
		return nil, err
	}

	rawCondition, err := fr.take(32, "execution condition")
	if err != nil {
		return nil, err
	}
	var condition [32]byte
	copy(condition[:], rawCondition)

	rawDestination, err := fr.varOctets("destination")
	if err != nil {
		return nil, err
	}
	destination, err := ParseAddress(string(rawDestination))
	if err != nil {
		return nil, err
	}

	data, err := fr.data()
	if err != nil {
		return nil, err
	}

	if err := fr.done(); err != nil {
		return nil, err
	}

	return &Prepare{
		Amount:             amount,
		ExpiresAt:          expiresAt,
		ExecutionCondition: condition,
		Destination:        destination,
		Data:               data,
	}, nil
}

func decodeFulfill(fr *fieldReader) (*Fulfill, error) {
	rawFulfillment, err := fr.take(32, "fulfillment")
	if err != nil {
		return nil, err
	}
	var fulfillment [32]byte
	copy(fulfillment[:], rawFulfillment)

	data, err := fr.data()
	if err != nil {
		return nil, err
	}

	if err := fr.done(); err != nil {
		return nil, err
	}

	return &Fulfill{Fulfillment: fulfillment, Data: data}, nil
}

func decodeReject(fr *fieldReader) (*Reject, error) {
	rawCode, err := fr.take(3, "code")
	if err != nil {
		return nil, err
	}
	code := string(rawCode)
	if !validErrorCode(code) {
		return nil, NewPacketError(fmt.Sprintf("Reject code %q is malformed", code))
	}

	rawTriggeredBy, err := fr.varOctets("triggeredBy")
	if err != nil {
		return nil, err
	}
	var triggeredBy Address
	if len(rawTriggeredBy) > 0 {
		if triggeredBy, err = ParseAddress(string(rawTriggeredBy)); err != nil {
			return nil, err
		}
	}

	rawMessage, err := fr.varOctets("message")
	if err != nil {
		return nil, err
	}

	data, err := fr.data()
	if err != nil {
		return nil, err
	}

	if err := fr.done(); err != nil {
		return nil, err
	}

	return &Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     string(rawMessage),
		Data:        data,
	}, nil
}

// Encode serializes a Packet into its binary envelope.
func Encode(p Packet) ([]byte, error) {
	if err := p.CheckValid(); err != nil {
		return nil, err
	}

	contents, err := encodeContents(p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(p.Type()))
	if err := writeVarLen(len(contents), &buf); err != nil {
		return nil, err
	}
	buf.Write(contents)

	return buf.Bytes(), nil
}

// Decode parses a binary envelope into a Packet. Every failure on malformed
// input is reported as a MalformedPacket or PacketTooLarge error; Decode
// never panics on attacker-controlled bytes.
func Decode(raw []byte) (Packet, error) {
	r := bytes.NewReader(raw)
	p, err := ReadPacket(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, NewPacketError(fmt.Sprintf("%d trailing bytes after envelope", r.Len()))
	}
	return p, nil
}

// ReadPacket reads one binary-encoded Packet from a Reader.
func ReadPacket(r io.Reader) (Packet, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, NewPacketError("missing type tag")
	}

	length, err := readVarLen(r)
	if err != nil {
		return nil, err
	}
	if length > maxContentsLength {
		return nil, newTooLargeError(fmt.Sprintf("declared contents of %d bytes exceed maximum", length))
	}

	contents := make([]byte, length)
	if _, err := io.ReadFull(r, contents); err != nil {
		return nil, NewPacketError("contents are truncated")
	}

	fr := &fieldReader{buf: contents}
	switch PacketType(tag[0]) {
	case TypePrepare:
		return decodePrepare(fr)
	case TypeFulfill:
		return decodeFulfill(fr)
	case TypeReject:
		return decodeReject(fr)
	default:
		return nil, NewPacketError(fmt.Sprintf("unknown type tag %d", tag[0]))
	}
}

// WritePacket writes a Packet's binary envelope into a Writer.
func WritePacket(p Packet, w io.Writer) error {
	raw, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
