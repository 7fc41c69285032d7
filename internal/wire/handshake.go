package wire

import (
	"fmt"
	"io"
)

const (
	protocolID     = "BitTorrent protocol"
	handshakeLen   = 1 + len(protocolID) + 8 + 20 + 20
	reservedLength = 8
)

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved [reservedLength]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake for the given torrent/peer identity. The
// reserved bytes are always zero: this client advertises no extensions.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Encode serializes the handshake to its 68-byte wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolID)))
	buf = append(buf, protocolID...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a handshake from r, failing with
// ErrProtocolMismatch if infoHash does not match localInfoHash.
func ReadHandshake(r io.Reader, localInfoHash [20]byte) (Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return Handshake{}, err
	}
	if int(pstrlen[0]) != len(protocolID) {
		return Handshake{}, fmt.Errorf("wire: unexpected pstrlen %d: %w", pstrlen[0], ErrMalformedFrame)
	}
	rest := make([]byte, int(pstrlen[0])+reservedLength+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	if string(rest[:pstrlen[0]]) != protocolID {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string: %w", ErrMalformedFrame)
	}
	rest = rest[pstrlen[0]:]

	var h Handshake
	copy(h.Reserved[:], rest[:reservedLength])
	rest = rest[reservedLength:]
	copy(h.InfoHash[:], rest[:20])
	copy(h.PeerID[:], rest[20:40])

	if h.InfoHash != localInfoHash {
		return h, ErrProtocolMismatch
	}
	return h, nil
}
