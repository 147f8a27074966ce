// Package state defines the replicated state contract that the transport
// layer synchronizes between client and server, and provides two concrete
// implementations: a byte-buffer keystroke state and a terminal framebuffer
// state. Diffs are opaque byte strings to every caller outside this
// package; the transport never inspects their structure.
package state

import "errors"

// ErrLengthMismatch is returned by ApplyString when a diff was produced by
// an incompatible implementation or is otherwise unparseable.
var ErrLengthMismatch = errors.New("state: malformed diff")

// State is the contract any replicated value must satisfy to be carried by
// the synchronized-state transport. Implementations are not required to be
// safe for concurrent use; callers serialize access to a given State
// through the transport sender/receiver, which never mutate one
// concurrently with a read of it.
type State interface {
	// DiffFrom produces an encoded delta such that applying it to existing
	// yields the receiver's current content. When lengthLimit is
	// non-negative, the result is truncated to at most that many bytes; a
	// truncated diff is still a valid, self-contained diff that a future
	// call can supersede once more of the history is available.
	DiffFrom(existing State, lengthLimit int) []byte

	// InitDiff is the delta from the type's canonical empty state.
	InitDiff() []byte

	// ApplyString mutates the receiver in place by applying a diff
	// produced by DiffFrom or InitDiff from a peer running the same
	// protocol version.
	ApplyString(diff []byte) error

	// Equal reports structural equality with another State of the same
	// concrete type.
	Equal(other State) bool

	// Subtract removes a known common prefix, identified by another State
	// of the same concrete type. Implementations for which a leading
	// prefix is not a meaningful concept may treat this as a no-op.
	Subtract(prefix State)

	// Clone returns an independent deep copy.
	Clone() State
}
