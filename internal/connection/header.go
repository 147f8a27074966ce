package connection

import "encoding/binary"

// NoTimestamp is the sentinel value for "no timestamp_reply available
// yet".
const NoTimestamp uint16 = 0xFFFF

// HeaderLen is the size of the plaintext datagram header carrying the two
// 16-bit timestamps.
const HeaderLen = 4

// Header is the unencrypted-but-authenticated prefix of every datagram
// payload, carried inside the AEAD envelope: the sender's current
// timestamp and its echo of the peer's most recently observed timestamp.
type Header struct {
	Timestamp      uint16
	TimestampReply uint16
}

// Encode serializes the header to its 4-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.Timestamp)
	binary.BigEndian.PutUint16(buf[2:4], h.TimestampReply)
	return buf
}

// DecodeHeader parses a Header from the front of a decrypted datagram
// payload, returning the remaining bytes (the fragment).
func DecodeHeader(payload []byte) (Header, []byte, bool) {
	if len(payload) < HeaderLen {
		return Header{}, nil, false
	}
	h := Header{
		Timestamp:      binary.BigEndian.Uint16(payload[0:2]),
		TimestampReply: binary.BigEndian.Uint16(payload[2:4]),
	}
	return h, payload[HeaderLen:], true
}
