// Package filestore provides positioned, concurrent-safe reads and writes
// over the single output file of a torrent. Readers and the writer are
// distinct *os.File handles on the same path; none of them ever moves a
// shared cursor since every operation uses ReadAt/WriteAt.
package filestore

import (
	"fmt"
	"os"

	"github.com/nullgrain/peersweep/internal/layout"
)

// Store owns the output file's path and pre-allocates it to full length at
// creation time.
type Store struct {
	path string
	tor  *layout.Torrent
}

// Create pre-sizes (or truncates) the file at path to the torrent's total
// length and returns a Store for opening reader/writer handles onto it.
func Create(path string, tor *layout.Torrent) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(tor.Length); err != nil {
		return nil, fmt.Errorf("filestore: truncate %s to %d: %w", path, tor.Length, err)
	}
	return &Store{path: path, tor: tor}, nil
}

// Writer opens the single writable handle, owned exclusively by the Data
// Collector.
func (s *Store) Writer() (*Writer, error) {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open writer %s: %w", s.path, err)
	}
	return &Writer{f: f, tor: s.tor}, nil
}

// Reader opens a read-only handle, one per Peer Session.
func (s *Store) Reader() (*Reader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("filestore: open reader %s: %w", s.path, err)
	}
	return &Reader{f: f, tor: s.tor}, nil
}

// Writer is the Data Collector's exclusive handle.
type Writer struct {
	f   *os.File
	tor *layout.Torrent
}

// Write stores bytes at the absolute offset piece_idx*L + offsetInPiece.
func (w *Writer) Write(pieceIdx int, offsetInPiece int64, data []byte) error {
	off := w.tor.Offset(pieceIdx, offsetInPiece)
	if _, err := w.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("filestore: write piece %d @%d: %w", pieceIdx, offsetInPiece, err)
	}
	return nil
}

// ReadPiece reads the complete piece for hash verification, using the
// writer's own handle so the Data Collector does not depend on any reader
// having observed the write yet.
func (w *Writer) ReadPiece(pieceIdx int) ([]byte, error) {
	length := w.tor.PieceLen(pieceIdx)
	buf := make([]byte, length)
	off := w.tor.Offset(pieceIdx, 0)
	if _, err := w.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("filestore: read piece %d: %w", pieceIdx, err)
	}
	return buf, nil
}

// Close releases the writer's handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader is a read-only handle owned by one Peer Session.
type Reader struct {
	f   *os.File
	tor *layout.Torrent
}

// ReadBlock reads exactly loc.Length bytes from the absolute offset
// identified by loc.
func (r *Reader) ReadBlock(loc layout.Locator) ([]byte, error) {
	buf := make([]byte, loc.Length)
	off := r.tor.Offset(loc.Piece, loc.Offset)
	if _, err := r.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("filestore: read block %+v: %w", loc, err)
	}
	return buf, nil
}

// Close releases the reader's handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
