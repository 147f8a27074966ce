package connection

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Timestamp: 1234, TimestampReply: NoTimestamp}
	encoded := h.Encode()

	got, rest, ok := DecodeHeader(append(encoded, []byte("fragment-bytes")...))
	if !ok {
		t.Fatal("DecodeHeader failed")
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	if string(rest) != "fragment-bytes" {
		t.Fatalf("remaining payload = %q, want %q", rest, "fragment-bytes")
	}
}

func TestDecodeHeaderRejectsShortPayload(t *testing.T) {
	if _, _, ok := DecodeHeader([]byte{1, 2, 3}); ok {
		t.Fatal("expected DecodeHeader to fail on a too-short payload")
	}
}
