// Package torrentfile parses the bencoded metadata descriptor: announce
// URL plus an info dictionary naming the piece length, the concatenated
// piece hashes, the output name, and the total length.
package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/bencode"

	"github.com/nullgrain/peersweep/internal/layout"
)

const hashLen = 20

// Info is the parsed "info" dictionary of a single-file torrent.
type Info struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
}

// MetaInfo is the top-level bencoded document.
type MetaInfo struct {
	Info     *Info              `bencode:"-"`
	RawInfo  bencode.RawMessage `bencode:"info"`
	Announce string             `bencode:"announce"`

	// InfoHash is the SHA-1 of the info dictionary exactly as it appeared
	// in the bencoded stream.
	InfoHash [20]byte `bencode:"-"`
}

// Parse reads a bencoded metadata descriptor from r.
func Parse(r io.Reader) (*MetaInfo, error) {
	var m MetaInfo
	if err := bencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("torrentfile: decode: %w", err)
	}
	if len(m.RawInfo) == 0 {
		return nil, errors.New("torrentfile: no info dict in metadata descriptor")
	}

	var info Info
	if err := bencode.NewDecoder(bytes.NewReader(m.RawInfo)).Decode(&info); err != nil {
		return nil, fmt.Errorf("torrentfile: decode info dict: %w", err)
	}
	m.Info = &info
	m.InfoHash = sha1.Sum(m.RawInfo)

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *MetaInfo) validate() error {
	if m.Info.PieceLength <= 0 {
		return errors.New("torrentfile: piece length must be positive")
	}
	if m.Info.Length <= 0 {
		return errors.New("torrentfile: length must be positive")
	}
	if len(m.Info.Pieces)%hashLen != 0 {
		return fmt.Errorf("torrentfile: pieces field length %d not a multiple of %d", len(m.Info.Pieces), hashLen)
	}
	return nil
}

// PieceHashes splits the packed pieces string into individual 20-byte
// SHA-1 digests.
func (m *MetaInfo) PieceHashes() [][20]byte {
	n := len(m.Info.Pieces) / hashLen
	out := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], m.Info.Pieces[i*hashLen:(i+1)*hashLen])
	}
	return out
}

// Layout builds the immutable torrent geometry described by this
// descriptor.
func (m *MetaInfo) Layout() (*layout.Torrent, error) {
	return layout.New(m.Info.Length, m.Info.PieceLength, m.PieceHashes())
}
