// Package wire defines the Instruction record carried inside each sealed
// roamshell datagram, and its length-delimited encoding. Both peers must
// agree on the framing; beyond that the record is a fixed big-endian
// layout, so protobuf would buy nothing for a single seven-field message.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is embedded in every Instruction. Peers with mismatched
// versions must refuse to apply diffs.
const ProtocolVersion uint32 = 1

// minEncodedLen is the size of an encoding with empty diff and chaff. Each
// field is a fixed-width integer except diff and chaff, which are
// length-prefixed byte strings.
const (
	minEncodedLen = 4 + 8 + 8 + 8 + 8 + 4 + 4 // version, old, new, ack, throwaway, len(diff), len(chaff)
)

// ErrInvalidInstruction is returned when decoding encounters a truncated
// or otherwise malformed buffer.
var ErrInvalidInstruction = errors.New("wire: invalid instruction encoding")

// Instruction is the wire record carrying one state update.
type Instruction struct {
	ProtocolVersion uint32
	OldNum          uint64 // baseline state number the sender assumed
	NewNum          uint64 // resulting state number
	AckNum          uint64 // highest state number the sender has confirmed from the peer
	ThrowawayNum    uint64 // peer may discard states numbered below this
	Diff            []byte
	Chaff           []byte // traffic-analysis padding, opaque to the transport
}

// IsHeartbeat reports whether this Instruction carries no state advance:
// old_num == new_num and an empty diff.
func (in *Instruction) IsHeartbeat() bool {
	return in.OldNum == in.NewNum && len(in.Diff) == 0
}

// Encode serializes the Instruction to its canonical byte form:
//
//	version(4) old_num(8) new_num(8) ack_num(8) throwaway_num(8)
//	len(diff)(4) diff len(chaff)(4) chaff
func (in *Instruction) Encode() []byte {
	buf := make([]byte, minEncodedLen+len(in.Diff)+len(in.Chaff))
	off := 0

	binary.BigEndian.PutUint32(buf[off:], in.ProtocolVersion)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], in.OldNum)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], in.NewNum)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], in.AckNum)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], in.ThrowawayNum)
	off += 8

	binary.BigEndian.PutUint32(buf[off:], uint32(len(in.Diff)))
	off += 4
	off += copy(buf[off:], in.Diff)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(in.Chaff)))
	off += 4
	off += copy(buf[off:], in.Chaff)

	return buf[:off]
}

// Decode deserializes an Instruction from bytes produced by Encode.
func Decode(buf []byte) (*Instruction, error) {
	if len(buf) < minEncodedLen {
		return nil, fmt.Errorf("%w: buffer too short (%d bytes)", ErrInvalidInstruction, len(buf))
	}

	in := &Instruction{}
	off := 0

	in.ProtocolVersion = binary.BigEndian.Uint32(buf[off:])
	off += 4
	in.OldNum = binary.BigEndian.Uint64(buf[off:])
	off += 8
	in.NewNum = binary.BigEndian.Uint64(buf[off:])
	off += 8
	in.AckNum = binary.BigEndian.Uint64(buf[off:])
	off += 8
	in.ThrowawayNum = binary.BigEndian.Uint64(buf[off:])
	off += 8

	diffLen, err := readLength(buf, &off)
	if err != nil {
		return nil, err
	}
	if off+diffLen > len(buf) {
		return nil, fmt.Errorf("%w: diff truncated", ErrInvalidInstruction)
	}
	in.Diff = append([]byte(nil), buf[off:off+diffLen]...)
	off += diffLen

	chaffLen, err := readLength(buf, &off)
	if err != nil {
		return nil, err
	}
	if off+chaffLen > len(buf) {
		return nil, fmt.Errorf("%w: chaff truncated", ErrInvalidInstruction)
	}
	in.Chaff = append([]byte(nil), buf[off:off+chaffLen]...)
	off += chaffLen

	return in, nil
}

func readLength(buf []byte, off *int) (int, error) {
	if *off+4 > len(buf) {
		return 0, fmt.Errorf("%w: length prefix truncated", ErrInvalidInstruction)
	}
	n := binary.BigEndian.Uint32(buf[*off:])
	*off += 4
	return int(n), nil
}

// String returns a debug representation.
func (in *Instruction) String() string {
	return fmt.Sprintf("Instruction{old=%d new=%d ack=%d throwaway=%d diffLen=%d chaffLen=%d}",
		in.OldNum, in.NewNum, in.AckNum, in.ThrowawayNum, len(in.Diff), len(in.Chaff))
}
