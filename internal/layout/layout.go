// Package layout describes the immutable geometry of a single-file torrent:
// piece and block sizes, and the Block Locator / Data Block primitives used
// throughout the transfer engine.
package layout

import "fmt"

// BlockSize is the fixed wire-level request unit, 16 KiB.
const BlockSize = 16 * 1024

// Torrent describes the immutable geometry derived from a metadata
// descriptor: total length, piece length, and piece count.
type Torrent struct {
	// Length is the total size of the file in bytes.
	Length int64
	// PieceLength is the common piece length L.
	PieceLength int64
	// PieceHashes holds the expected SHA-1 digest for every piece, indexed
	// by piece index.
	PieceHashes [][20]byte
}

// New validates and returns a Torrent layout.
func New(length, pieceLength int64, hashes [][20]byte) (*Torrent, error) {
	if length <= 0 {
		return nil, fmt.Errorf("layout: length must be positive, got %d", length)
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("layout: piece length must be positive, got %d", pieceLength)
	}
	expected := (length + pieceLength - 1) / pieceLength
	if int64(len(hashes)) != expected {
		return nil, fmt.Errorf("layout: expected %d piece hashes, got %d", expected, len(hashes))
	}
	return &Torrent{Length: length, PieceLength: pieceLength, PieceHashes: hashes}, nil
}

// NumPieces returns the total piece count P.
func (t *Torrent) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceLen returns the length of piece i, accounting for the shorter final
// piece.
func (t *Torrent) PieceLen(i int) int64 {
	if i == t.NumPieces()-1 {
		rem := t.Length % t.PieceLength
		if rem != 0 {
			return rem
		}
	}
	return t.PieceLength
}

// BlocksInPiece returns the number of blocks piece i is divided into.
func (t *Torrent) BlocksInPiece(i int) int {
	pl := t.PieceLen(i)
	n := pl / BlockSize
	if pl%BlockSize != 0 {
		n++
	}
	return int(n)
}

// BlockLength returns the length of block j within piece i, accounting for
// the shorter final block of a piece.
func (t *Torrent) BlockLength(i, j int) int64 {
	pl := t.PieceLen(i)
	begin := int64(j) * BlockSize
	if begin+BlockSize > pl {
		return pl - begin
	}
	return BlockSize
}

// Offset returns the absolute byte offset of (piece, offsetInPiece) within
// the output file.
func (t *Torrent) Offset(pieceIndex int, offsetInPiece int64) int64 {
	return int64(pieceIndex)*t.PieceLength + offsetInPiece
}

// Locator is the (piece index, byte offset within piece, byte length)
// triple identifying a block. Two locators are equal iff all three
// components are equal.
type Locator struct {
	Piece  int
	Offset int64
	Length int64
}

// Block is a Locator plus its payload. len(Data) must equal Length.
type Block struct {
	Locator
	Data []byte
}

// BlocksOf returns every block Locator belonging to piece i, in order.
func (t *Torrent) BlocksOf(i int) []Locator {
	n := t.BlocksInPiece(i)
	out := make([]Locator, n)
	for j := 0; j < n; j++ {
		out[j] = Locator{
			Piece:  i,
			Offset: int64(j) * BlockSize,
			Length: t.BlockLength(i, j),
		}
	}
	return out
}
