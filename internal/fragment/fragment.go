// Package fragment implements the fragmenter and reassembler that split an
// encoded Instruction into MTU-sized pieces and rebuild it on receipt.
// The instruction body is optionally zlib-compressed before splitting,
// signalled by a leading marker byte.
package fragment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/postalsys/roamshell/internal/wire"
)

const (
	// HeaderLen accounts for IP/UDP/crypto overhead not carried in the
	// fragment payload itself.
	HeaderLen = 66

	// FragHeaderLen is the size of a fragment's wire header: 8-byte id
	// plus 2-byte fragment_num/final field.
	FragHeaderLen = 10

	// CompressionNone and CompressionZlib are the two reserved values for
	// the leading compression-marker byte.
	CompressionNone byte = 0x00
	CompressionZlib byte = 0x01
)

var (
	// ErrMalformedFragment is returned for a fragment whose wire encoding
	// is too short to contain a header, for an uninitialized fragment, and
	// for a reassembled body that is empty or fails zlib decompression.
	ErrMalformedFragment = errors.New("fragment: malformed fragment")

	// ErrUnknownCompressionMarker is returned when the leading byte of a
	// reassembled instruction body is neither CompressionNone nor
	// CompressionZlib.
	ErrUnknownCompressionMarker = errors.New("fragment: unknown compression marker")

	// ErrNotComplete is returned by Reassemble before all fragments of the
	// current instruction have arrived.
	ErrNotComplete = errors.New("fragment: assembly not complete")
)

// Fragment is one MTU-sized piece of an encoded Instruction.
type Fragment struct {
	ID          uint64
	FragmentNum uint16
	Final       bool
	Initialized bool
	Contents    []byte
}

// Encode serializes a Fragment to its wire form: 8-byte id, big-endian,
// followed by 2-byte (fragment_num<<1 | final), big-endian, followed by
// the fragment's contents.
func (f *Fragment) Encode() []byte {
	buf := make([]byte, FragHeaderLen+len(f.Contents))
	binary.BigEndian.PutUint64(buf[0:8], f.ID)

	numField := f.FragmentNum << 1
	if f.Final {
		numField |= 1
	}
	binary.BigEndian.PutUint16(buf[8:10], numField)

	copy(buf[FragHeaderLen:], f.Contents)
	return buf
}

// DecodeFragment deserializes a Fragment from its wire form.
func DecodeFragment(buf []byte) (*Fragment, error) {
	if len(buf) < FragHeaderLen {
		return nil, fmt.Errorf("%w: header too short", ErrMalformedFragment)
	}

	f := &Fragment{
		ID:          binary.BigEndian.Uint64(buf[0:8]),
		Initialized: true,
	}
	numField := binary.BigEndian.Uint16(buf[8:10])
	f.Final = numField&1 == 1
	f.FragmentNum = numField >> 1
	f.Contents = append([]byte(nil), buf[FragHeaderLen:]...)
	return f, nil
}

// PayloadLimit returns the maximum number of content bytes a single
// fragment may carry for the given path MTU.
func PayloadLimit(mtu int) int {
	limit := mtu - HeaderLen - FragHeaderLen
	if limit < 1 {
		return 0
	}
	return limit
}

// MakeFragments encodes instr, optionally compresses the result, and
// splits it into Fragments no larger than PayloadLimit(mtu) each. All
// fragments share id == instr.NewNum and are numbered sequentially from 0,
// with Final set only on the last.
func MakeFragments(instr *wire.Instruction, mtu int) ([]*Fragment, error) {
	limit := PayloadLimit(mtu)
	if limit < 1 {
		return nil, fmt.Errorf("fragment: MTU %d leaves no room for payload", mtu)
	}

	encoded := instr.Encode()
	marker, body := compressIfSmaller(encoded)

	full := make([]byte, 0, len(body)+1)
	full = append(full, marker)
	full = append(full, body...)

	var fragments []*Fragment
	for off := 0; off < len(full) || len(fragments) == 0; {
		end := off + limit
		if end > len(full) {
			end = len(full)
		}
		fragments = append(fragments, &Fragment{
			ID:          instr.NewNum,
			FragmentNum: uint16(len(fragments)),
			Initialized: true,
			Contents:    append([]byte(nil), full[off:end]...),
		})
		off = end
		if off >= len(full) {
			break
		}
	}
	fragments[len(fragments)-1].Final = true

	return fragments, nil
}

// compressIfSmaller returns the compression marker and body that should be
// transmitted: the zlib-compressed form when it is smaller than the raw
// form, otherwise the raw form unmodified.
func compressIfSmaller(raw []byte) (marker byte, body []byte) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return CompressionNone, raw
	}
	if err := w.Close(); err != nil {
		return CompressionNone, raw
	}
	if buf.Len() < len(raw) {
		return CompressionZlib, buf.Bytes()
	}
	return CompressionNone, raw
}

// decompress reverses compressIfSmaller given the marker byte observed as
// the first byte of a reassembled instruction body.
func decompress(marker byte, body []byte) ([]byte, error) {
	switch marker {
	case CompressionNone:
		return body, nil
	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib init: %v", ErrMalformedFragment, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib read: %v", ErrMalformedFragment, err)
		}
		return out, nil
	default:
		return nil, ErrUnknownCompressionMarker
	}
}

// Assembly reassembles Fragments belonging to a single in-flight
// Instruction id at a time, abandoning any earlier partial instruction
// when a fragment with a higher id arrives.
type Assembly struct {
	began      bool
	currentID  uint64
	total      int // -1 until the final fragment has been seen
	arrived    int
	slots      [][]byte
	haveSlot   []bool
	done       bool // Reassemble has already been called for currentID
}

// NewAssembly creates an empty FragmentAssembly.
func NewAssembly() *Assembly {
	return &Assembly{total: -1}
}

// AddFragment inserts a fragment into the assembly. It reports whether the
// instruction identified by fragment.ID is now complete and ready for
// Reassemble.
//
// A fragment with id < current_id is dropped. A fragment with id >
// current_id resets the assembly, abandoning any partial instruction. Once
// an id's instruction has been reassembled, further fragments for that
// same id are accepted but have no effect.
func (a *Assembly) AddFragment(f *Fragment) (complete bool, err error) {
	if f == nil || !f.Initialized {
		return false, fmt.Errorf("%w: uninitialized fragment", ErrMalformedFragment)
	}

	switch {
	case !a.began:
		a.reset(f.ID)
	case f.ID < a.currentID:
		return false, nil
	case f.ID > a.currentID:
		a.reset(f.ID)
	}

	if a.done {
		return false, nil
	}

	idx := int(f.FragmentNum)
	for len(a.slots) <= idx {
		a.slots = append(a.slots, nil)
		a.haveSlot = append(a.haveSlot, false)
	}

	if !a.haveSlot[idx] {
		a.haveSlot[idx] = true
		a.slots[idx] = f.Contents
		a.arrived++
	}

	if f.Final {
		a.total = idx + 1
	}

	return a.isComplete(), nil
}

func (a *Assembly) reset(id uint64) {
	a.began = true
	a.currentID = id
	a.total = -1
	a.arrived = 0
	a.slots = nil
	a.haveSlot = nil
	a.done = false
}

func (a *Assembly) isComplete() bool {
	if a.total < 0 || len(a.slots) < a.total {
		return false
	}
	for i := 0; i < a.total; i++ {
		if !a.haveSlot[i] {
			return false
		}
	}
	return true
}

// Reassemble concatenates the completed assembly's contents, reverses any
// compression, and decodes the resulting Instruction. It fails if the
// assembly is not yet complete. After a successful call, further
// AddFragment calls for the same id are no-ops.
func (a *Assembly) Reassemble() (*wire.Instruction, error) {
	if !a.isComplete() {
		return nil, ErrNotComplete
	}

	var full bytes.Buffer
	for i := 0; i < a.total; i++ {
		full.Write(a.slots[i])
	}

	raw := full.Bytes()
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty instruction body", ErrMalformedFragment)
	}

	body, err := decompress(raw[0], raw[1:])
	if err != nil {
		return nil, err
	}

	instr, err := wire.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("fragment: decode instruction: %w", err)
	}

	a.done = true
	return instr, nil
}

// CurrentID returns the id the assembly is currently tracking.
func (a *Assembly) CurrentID() uint64 {
	return a.currentID
}
