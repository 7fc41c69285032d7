// Package wire implements the BitTorrent peer wire protocol: the handshake
// and the length-prefixed message frames, byte-for-byte compatible with the
// original BitTorrent TCP peer protocol.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ID identifies a message's wire tag. KeepAlive has no tag of its own: it is
// the zero-length frame.
type ID byte

const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8
	IDPort          ID = 9
)

const (
	maxRequestPayload = 12 // piece + offset + length, 3*4B
	maxPiecePayload   = 8 + 16*1024
)

// Message is any decoded protocol message.
type Message interface {
	ID() ID
	payload() []byte
}

// KeepAlive is the zero-length frame. It has no wire tag of its own; Encode
// special-cases it to the four-zero-byte frame before ID()/payload() would
// ever be consulted.
type KeepAlive struct{}

func (KeepAlive) ID() ID          { return 0 }
func (KeepAlive) payload() []byte { return nil }

type Choke struct{}

func (Choke) ID() ID          { return IDChoke }
func (Choke) payload() []byte { return nil }

type Unchoke struct{}

func (Unchoke) ID() ID          { return IDUnchoke }
func (Unchoke) payload() []byte { return nil }

type Interested struct{}

func (Interested) ID() ID          { return IDInterested }
func (Interested) payload() []byte { return nil }

type NotInterested struct{}

func (NotInterested) ID() ID          { return IDNotInterested }
func (NotInterested) payload() []byte { return nil }

// Have announces that the sender now has a complete piece.
type Have struct {
	Index uint32
}

func (Have) ID() ID { return IDHave }
func (m Have) payload() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, m.Index)
	return buf
}

// Bitfield carries the sender's raw packed bitfield bytes.
type Bitfield struct {
	Data []byte
}

func (Bitfield) ID() ID            { return IDBitfield }
func (m Bitfield) payload() []byte { return m.Data }

// Request asks the peer for a block.
type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (Request) ID() ID { return IDRequest }
func (m Request) payload() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], m.Index)
	binary.BigEndian.PutUint32(buf[4:8], m.Begin)
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	return buf
}

// Piece delivers a block's bytes.
type Piece struct {
	Index uint32
	Begin uint32
	Data  []byte
}

func (Piece) ID() ID { return IDPiece }
func (m Piece) payload() []byte {
	buf := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint32(buf[0:4], m.Index)
	binary.BigEndian.PutUint32(buf[4:8], m.Begin)
	copy(buf[8:], m.Data)
	return buf
}

// Cancel withdraws a previously-sent Request.
type Cancel struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (Cancel) ID() ID { return IDCancel }
func (m Cancel) payload() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], m.Index)
	binary.BigEndian.PutUint32(buf[4:8], m.Begin)
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	return buf
}

// Port is informational: the sender's DHT listen port. This client never
// acts on it but still decodes it so an unexpected Port message from a peer
// does not terminate the session.
type Port struct {
	Port uint16
}

func (Port) ID() ID { return IDPort }
func (m Port) payload() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, m.Port)
	return buf
}

// Encode produces the length-prefixed frame for m. KeepAlive encodes to
// exactly four zero bytes.
func Encode(m Message) []byte {
	if _, ok := m.(KeepAlive); ok {
		return make([]byte, 4)
	}
	p := m.payload()
	length := uint32(1 + len(p))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID())
	copy(buf[5:], p)
	return buf
}

// Decode interprets a frame body (the bytes following the 4-byte length
// prefix; an empty body represents KeepAlive) and returns the tagged
// variant.
func Decode(body []byte) (Message, error) {
	if len(body) == 0 {
		return KeepAlive{}, nil
	}
	id := ID(body[0])
	payload := body[1:]

	switch id {
	case IDChoke:
		return Choke{}, nil
	case IDUnchoke:
		return Unchoke{}, nil
	case IDInterested:
		return Interested{}, nil
	case IDNotInterested:
		return NotInterested{}, nil
	case IDHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("wire: have payload length %d: %w", len(payload), ErrMalformedFrame)
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case IDBitfield:
		data := make([]byte, len(payload))
		copy(data, payload)
		return Bitfield{Data: data}, nil
	case IDRequest:
		if len(payload) > maxRequestPayload {
			return nil, ErrOversizedMessage
		}
		if len(payload) != 12 {
			return nil, fmt.Errorf("wire: request payload length %d: %w", len(payload), ErrMalformedFrame)
		}
		return Request{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case IDPiece:
		if len(payload) > maxPiecePayload {
			return nil, ErrOversizedMessage
		}
		if len(payload) < 8 {
			return nil, fmt.Errorf("wire: piece payload length %d: %w", len(payload), ErrMalformedFrame)
		}
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return Piece{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  data,
		}, nil
	case IDCancel:
		if len(payload) > maxRequestPayload {
			return nil, ErrOversizedMessage
		}
		if len(payload) != 12 {
			return nil, fmt.Errorf("wire: cancel payload length %d: %w", len(payload), ErrMalformedFrame)
		}
		return Cancel{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case IDPort:
		if len(payload) != 2 {
			return nil, fmt.Errorf("wire: port payload length %d: %w", len(payload), ErrMalformedFrame)
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	default:
		return nil, ErrUnknownMessage
	}
}
