package state

import (
	"bytes"
	"fmt"
)

// diff tags for ByteState.DiffFrom's leading byte.
const (
	byteTagSuffix  byte = 0x00 // existing is a prefix of the target: payload is the missing suffix
	byteTagReplace byte = 0x01 // payload is the complete replacement content
)

// ByteState is an append-only keystroke buffer: the user-typed byte
// stream one direction replicates verbatim.
type ByteState struct {
	content []byte
}

// NewByteState creates a ByteState with the given initial content.
func NewByteState(initial []byte) *ByteState {
	return &ByteState{content: append([]byte(nil), initial...)}
}

// Bytes returns the state's current content. The returned slice must not
// be modified by the caller.
func (b *ByteState) Bytes() []byte {
	return b.content
}

// Append grows the buffer by s, as typed by the user.
func (b *ByteState) Append(s []byte) {
	b.content = append(b.content, s...)
}

// DiffFrom implements State. When existing's content is a prefix of b's,
// the diff is just the missing suffix (the common case for an append-only
// stream); otherwise the diff carries the full replacement content so the
// round-trip law holds for any pair of ByteStates, not just ancestors.
func (b *ByteState) DiffFrom(existing State, lengthLimit int) []byte {
	var prefix []byte
	if es, ok := existing.(*ByteState); ok {
		prefix = es.content
	}

	var out []byte
	if bytes.HasPrefix(b.content, prefix) {
		out = append([]byte{byteTagSuffix}, b.content[len(prefix):]...)
	} else {
		out = append([]byte{byteTagReplace}, b.content...)
	}

	if lengthLimit >= 0 && len(out) > lengthLimit {
		if lengthLimit < 1 {
			return nil
		}
		out = out[:lengthLimit]
	}
	return out
}

// InitDiff implements State.
func (b *ByteState) InitDiff() []byte {
	return b.DiffFrom(NewByteState(nil), -1)
}

// ApplyString implements State.
func (b *ByteState) ApplyString(diff []byte) error {
	if len(diff) == 0 {
		return nil
	}
	switch diff[0] {
	case byteTagSuffix:
		b.content = append(b.content, diff[1:]...)
	case byteTagReplace:
		b.content = append([]byte(nil), diff[1:]...)
	default:
		return fmt.Errorf("%w: unknown byte-state diff tag 0x%02x", ErrLengthMismatch, diff[0])
	}
	return nil
}

// Equal implements State.
func (b *ByteState) Equal(other State) bool {
	ob, ok := other.(*ByteState)
	if !ok {
		return false
	}
	return bytes.Equal(b.content, ob.content)
}

// Subtract removes prefix's content from the front of b, when it is in
// fact a prefix of b's content. Used to drop keystroke bytes the receiver
// has confirmed.
func (b *ByteState) Subtract(prefix State) {
	p, ok := prefix.(*ByteState)
	if !ok {
		return
	}
	if bytes.HasPrefix(b.content, p.content) {
		b.content = append([]byte(nil), b.content[len(p.content):]...)
	}
}

// Clone implements State.
func (b *ByteState) Clone() State {
	return NewByteState(b.content)
}
