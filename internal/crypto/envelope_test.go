package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() [PresharedKeySize]byte {
	var k [PresharedKeySize]byte
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey()
	client, err := NewEnvelope(key, ClientToServer)
	if err != nil {
		t.Fatalf("new client envelope: %v", err)
	}
	server, err := NewEnvelope(key, ServerToClient)
	if err != nil {
		t.Fatalf("new server envelope: %v", err)
	}

	plaintext := []byte("ls -la\n")
	datagram, err := client.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := server.Open(datagram)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsBitFlips(t *testing.T) {
	key := testKey()
	client, _ := NewEnvelope(key, ClientToServer)
	datagram, err := client.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	cases := []struct {
		name string
		idx  int
	}{
		{"nonce bit flip", 0},
		{"ciphertext bit flip", NonceSize + 1},
		{"tag bit flip", len(datagram) - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _ := NewEnvelope(key, ServerToClient)
			corrupt := append([]byte(nil), datagram...)
			corrupt[tc.idx] ^= 0x01
			if _, err := server.Open(corrupt); err == nil {
				t.Fatal("expected decryption failure, got nil error")
			}
		})
	}
}

func TestOpenRejectsWrongDirection(t *testing.T) {
	key := testKey()
	client, _ := NewEnvelope(key, ClientToServer)
	datagram, _ := client.Seal([]byte("hi"))

	// A second "client" envelope should refuse to open a client-directed
	// datagram: it expects the opposite direction bit.
	otherClient, _ := NewEnvelope(key, ClientToServer)
	if _, err := otherClient.Open(datagram); !errors.Is(err, ErrWrongDirection) {
		t.Fatalf("expected ErrWrongDirection, got %v", err)
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	key := testKey()
	client, _ := NewEnvelope(key, ClientToServer)
	server, _ := NewEnvelope(key, ServerToClient)

	datagram, _ := client.Seal([]byte("one"))
	if _, err := server.Open(datagram); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := server.Open(datagram); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay on resend, got %v", err)
	}
}

func TestOpenAcceptsOutOfOrderWithinWindow(t *testing.T) {
	key := testKey()
	client, _ := NewEnvelope(key, ClientToServer)
	server, _ := NewEnvelope(key, ServerToClient)

	var datagrams [][]byte
	for i := 0; i < 5; i++ {
		d, err := client.Seal([]byte{byte(i)})
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		datagrams = append(datagrams, d)
	}

	order := []int{0, 2, 1, 4, 3}
	for _, idx := range order {
		if _, err := server.Open(datagrams[idx]); err != nil {
			t.Fatalf("open reordered datagram %d: %v", idx, err)
		}
	}

	// Replaying any of them now must fail.
	for _, idx := range order {
		if _, err := server.Open(datagrams[idx]); !errors.Is(err, ErrReplay) {
			t.Fatalf("expected ErrReplay for datagram %d, got %v", idx, err)
		}
	}
}

func TestOpenRejectsDatagramTooShort(t *testing.T) {
	key := testKey()
	server, _ := NewEnvelope(key, ServerToClient)
	if _, err := server.Open(make([]byte, Overhead-1)); !errors.Is(err, ErrShortDatagram) {
		t.Fatalf("expected ErrShortDatagram, got %v", err)
	}
}

func TestSealNonceOverflow(t *testing.T) {
	key := testKey()
	client, _ := NewEnvelope(key, ClientToServer)
	client.sendSeq = maxSequence + 1

	if _, err := client.Seal([]byte("x")); !errors.Is(err, ErrNonceOverflow) {
		t.Fatalf("expected ErrNonceOverflow, got %v", err)
	}
}

func TestNonceMonotonicPerDirection(t *testing.T) {
	key := testKey()
	client, _ := NewEnvelope(key, ClientToServer)

	var last uint64
	for i := 0; i < 8; i++ {
		before := client.SendSequence()
		if _, err := client.Seal([]byte("x")); err != nil {
			t.Fatalf("seal: %v", err)
		}
		if i > 0 && before <= last {
			t.Fatalf("nonce sequence did not increase: before=%d last=%d", before, last)
		}
		last = before
	}
}
