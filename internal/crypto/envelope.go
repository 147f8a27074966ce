// Package crypto implements the AEAD envelope that seals every datagram
// exchanged between a roamshell client and server.
//
// Mosh specifies OCB-AES-128 under a strictly monotonic 64-bit nonce whose
// top bit discriminates direction. No maintained Go implementation of
// OCB exists in the ecosystem, so the envelope uses
// ChaCha20-Poly1305 instead, keeping the same nonce layout and the same
// single pre-shared key. The key handed to the envelope is the raw 16-byte
// MOSH_KEY; it is expanded to a 32-byte cipher key with HKDF-SHA256.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// PresharedKeySize is the size in bytes of MOSH_KEY.
	PresharedKeySize = 16

	// NonceSize is the size of the envelope nonce.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the size of the Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead

	// Overhead is the total bytes a sealed datagram adds over the plaintext:
	// the 12-byte nonce prefix plus the 16-byte tag suffix.
	Overhead = NonceSize + TagSize

	// replayWindowSize is how many sequence numbers behind the highest
	// accepted sequence are still eligible for out-of-order acceptance.
	replayWindowSize = 64

	hkdfInfo = "roamshell-aead-v1"

	// directionBit marks bit 63 of the 64-bit nonce counter.
	directionBit = uint64(1) << 63

	// maxSequence is the largest sequence value the 63 remaining bits hold.
	maxSequence = directionBit - 1
)

// Errors returned by Envelope. Authentication failures and replay are
// silent-drop conditions at the datagram layer; NonceOverflow is fatal and
// must terminate the session.
var (
	ErrAuthenticationFailure = errors.New("crypto: authentication failure")
	ErrReplay                = errors.New("crypto: nonce replayed or too old")
	ErrWrongDirection        = errors.New("crypto: nonce direction bit does not match expected peer role")
	ErrNonceOverflow         = errors.New("crypto: nonce sequence overflow")
	ErrShortDatagram         = errors.New("crypto: datagram shorter than envelope overhead")
)

// Direction identifies which role's nonce space a datagram's counter
// occupies. The client always sends with the bit set; the server always
// sends with it clear.
type Direction bool

const (
	ClientToServer Direction = true
	ServerToClient Direction = false
)

// String returns the direction's label form, used in metrics and logs.
func (d Direction) String() string {
	if d == ClientToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

// DeriveKey expands a 16-byte pre-shared MOSH_KEY into a 32-byte
// ChaCha20-Poly1305 key via HKDF-SHA256.
func DeriveKey(presharedKey [PresharedKeySize]byte) ([chacha20poly1305.KeySize]byte, error) {
	var key [chacha20poly1305.KeySize]byte
	reader := hkdf.New(sha256.New, presharedKey[:], nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Envelope seals and opens datagrams for one session. An Envelope is owned
// by exactly one role (client or server) and is only ever touched from the
// orchestrator's single event-loop goroutine, so it carries no internal
// locking.
type Envelope struct {
	aead cipher
	self Direction // the direction this role sends under

	sendSeq uint64

	recvHighest uint64 // highest sequence accepted so far
	recvSeen    bool   // whether any datagram has been accepted yet
	recvWindow  uint64 // bitmap of accepted sequences below recvHighest
}

// cipher is the minimal AEAD surface Envelope depends on, kept as an
// interface so tests can substitute a deterministic stub.
type cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewEnvelope builds an Envelope for the given role from a raw pre-shared
// key.
func NewEnvelope(presharedKey [PresharedKeySize]byte, self Direction) (*Envelope, error) {
	key, err := DeriveKey(presharedKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Envelope{aead: aead, self: self}, nil
}

// buildNonce encodes a 64-bit counter (direction bit | sequence) into the
// 12-byte wire nonce: 4 zero bytes followed by the big-endian counter.
func buildNonce(dir Direction, seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	counter := seq
	if dir {
		counter |= directionBit
	}
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// parseNonce recovers the direction and sequence from a wire nonce.
func parseNonce(nonce []byte) (dir Direction, seq uint64) {
	counter := binary.BigEndian.Uint64(nonce[4:12])
	dir = Direction(counter&directionBit != 0)
	seq = counter &^ directionBit
	return dir, seq
}

// Seal encrypts plaintext under the next nonce in this role's sequence and
// returns a complete wire datagram: nonce || ciphertext || tag. It fails
// only when the 63-bit sequence space is exhausted, which aborts the
// session.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	if e.sendSeq > maxSequence {
		return nil, ErrNonceOverflow
	}
	nonce := buildNonce(e.self, e.sendSeq)
	e.sendSeq++

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	out = e.aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Open authenticates and decrypts a wire datagram produced by the peer's
// Envelope. It rejects datagrams whose embedded sequence has already been
// accepted (replay) or that arrive from the wrong direction, and silently
// rejects anything that fails authentication.
func (e *Envelope) Open(datagram []byte) ([]byte, error) {
	if len(datagram) < Overhead {
		return nil, ErrShortDatagram
	}
	nonce := datagram[:NonceSize]
	ciphertext := datagram[NonceSize:]

	dir, seq := parseNonce(nonce)
	if dir == e.self {
		return nil, ErrWrongDirection
	}
	if e.recvSeen && !e.replayAcceptable(seq) {
		return nil, ErrReplay
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	e.markAccepted(seq)
	return plaintext, nil
}

// replayAcceptable reports whether seq may still be accepted. Bit i of
// recvWindow (i in [0, replayWindowSize)) means "recvHighest-(i+1) has
// already been accepted". seq == recvHighest is always a duplicate: it was
// the most recent acceptance.
func (e *Envelope) replayAcceptable(seq uint64) bool {
	if seq > e.recvHighest {
		return true
	}
	if seq == e.recvHighest {
		return false
	}
	age := e.recvHighest - seq
	if age > replayWindowSize {
		return false
	}
	return e.recvWindow&(uint64(1)<<(age-1)) == 0
}

// markAccepted records seq as accepted, sliding the window forward when
// seq advances the high-water mark.
func (e *Envelope) markAccepted(seq uint64) {
	if !e.recvSeen {
		e.recvHighest = seq
		e.recvWindow = 0
		e.recvSeen = true
		return
	}
	switch {
	case seq > e.recvHighest:
		shift := seq - e.recvHighest
		if shift > replayWindowSize {
			e.recvWindow = 0
		} else {
			e.recvWindow <<= shift
			e.recvWindow |= uint64(1) << (shift - 1)
		}
		e.recvHighest = seq
	case seq < e.recvHighest:
		age := e.recvHighest - seq
		if age > 0 && age <= replayWindowSize {
			e.recvWindow |= uint64(1) << (age - 1)
		}
	}
}

// SendSequence returns the next sequence number that will be used to seal
// a datagram (for diagnostics/metrics only).
func (e *Envelope) SendSequence() uint64 {
	return e.sendSeq
}

// Direction returns the nonce direction this envelope seals with.
func (e *Envelope) Direction() Direction {
	return e.self
}
