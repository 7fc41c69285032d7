package wire

import (
	"bytes"
	"testing"
)

func TestRequestRoundTripExactBytes(t *testing.T) {
	req := Request{Index: 1, Begin: 2, Length: 3}
	got := Encode(req)
	want := []byte{0x00, 0x00, 0x00, 0x0D, 0x06, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x03}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = % x, want % x", got, want)
	}

	decoded, err := Decode(got[4:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != Message(req) {
		t.Fatalf("Decode() = %#v, want %#v", decoded, req)
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	got := Encode(KeepAlive{})
	want := []byte{0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(KeepAlive{}) = % x, want % x", got, want)
	}
	decoded, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if _, ok := decoded.(KeepAlive); !ok {
		t.Fatalf("Decode(nil) = %#v, want KeepAlive", decoded)
	}
}

func TestRoundTripEveryVariant(t *testing.T) {
	cases := []Message{
		Choke{},
		Unchoke{},
		Interested{},
		NotInterested{},
		Have{Index: 42},
		Bitfield{Data: []byte{0xff, 0x00, 0xAB}},
		Bitfield{Data: []byte{}},
		Request{Index: 1, Begin: 2, Length: 3},
		Piece{Index: 1, Begin: 2, Data: []byte("hello world")},
		Piece{Index: 1, Begin: 2, Data: []byte{}},
		Cancel{Index: 1, Begin: 2, Length: 3},
		Port{Port: 6881},
	}
	for _, m := range cases {
		frame := Encode(m)
		body := frame[4:]
		got, err := Decode(body)
		if err != nil {
			t.Fatalf("Decode(%#v): %v", m, err)
		}
		// Bitfield/Piece contain slices, compare structurally.
		switch want := m.(type) {
		case Bitfield:
			gb, ok := got.(Bitfield)
			if !ok || !bytes.Equal(gb.Data, want.Data) {
				t.Fatalf("Decode(%#v) = %#v", m, got)
			}
		case Piece:
			gp, ok := got.(Piece)
			if !ok || gp.Index != want.Index || gp.Begin != want.Begin || !bytes.Equal(gp.Data, want.Data) {
				t.Fatalf("Decode(%#v) = %#v", m, got)
			}
		default:
			if got != m {
				t.Fatalf("Decode(%#v) = %#v, want %#v", m, got, m)
			}
		}
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	_, err := Decode([]byte{200})
	if err != ErrUnknownMessage {
		t.Fatalf("Decode() error = %v, want ErrUnknownMessage", err)
	}
}

func TestDecodeOversizedRequest(t *testing.T) {
	body := make([]byte, 1+13) // id + 13-byte payload, one more than allowed
	body[0] = byte(IDRequest)
	_, err := Decode(body)
	if err != ErrOversizedMessage {
		t.Fatalf("Decode() error = %v, want ErrOversizedMessage", err)
	}
}

func TestDecodeOversizedPiece(t *testing.T) {
	body := make([]byte, 1+8+16*1024+1) // one byte over the 16 KiB block cap
	body[0] = byte(IDPiece)
	_, err := Decode(body)
	if err != ErrOversizedMessage {
		t.Fatalf("Decode() error = %v, want ErrOversizedMessage", err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	peerID := [20]byte{9, 9, 9}
	h := NewHandshake(infoHash, peerID)
	encoded := h.Encode()
	if len(encoded) != handshakeLen {
		t.Fatalf("len(encoded) = %d, want %d", len(encoded), handshakeLen)
	}

	got, err := ReadHandshake(bytes.NewReader(encoded), infoHash)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("ReadHandshake() = %#v", got)
	}
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	h := NewHandshake([20]byte{1}, [20]byte{2})
	encoded := h.Encode()
	_, err := ReadHandshake(bytes.NewReader(encoded), [20]byte{0xff})
	if err != ErrProtocolMismatch {
		t.Fatalf("ReadHandshake() error = %v, want ErrProtocolMismatch", err)
	}
}
