package collector

import (
	"bytes"
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/nullgrain/peersweep/internal/events"
	"github.com/nullgrain/peersweep/internal/filestore"
	"github.com/nullgrain/peersweep/internal/layout"
	"github.com/nullgrain/peersweep/internal/picker"
)

// twoPieceTorrent builds a two-piece layout: piece 0 of 5 blocks, piece 1 of 3.
func twoPieceTorrent(t *testing.T) (*layout.Torrent, []byte, []byte) {
	t.Helper()
	piece0 := bytes.Repeat([]byte{0xAA}, 5*layout.BlockSize)
	piece1 := bytes.Repeat([]byte{0xBB}, 3*layout.BlockSize)
	h0 := sha1.Sum(piece0)
	h1 := sha1.Sum(piece1)
	tor, err := layout.New(int64(len(piece0)+len(piece1)), int64(len(piece0)), [][20]byte{h0, h1})
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	return tor, piece0, piece1
}

func newTestCollector(t *testing.T, tor *layout.Torrent) (*Collector, *[]any) {
	t.Helper()
	dir := t.TempDir()
	store, err := filestore.Create(filepath.Join(dir, "out.bin"), tor)
	if err != nil {
		t.Fatalf("filestore.Create: %v", err)
	}
	w, err := store.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	var published []any
	pk := picker.New(tor)
	c := New(tor, w, pk, func(e any) { published = append(published, e) })
	return c, &published
}

func deliverPiece(t *testing.T, c *Collector, piece int, data []byte) {
	t.Helper()
	for j := 0; j*layout.BlockSize < len(data); j++ {
		begin := j * layout.BlockSize
		end := begin + layout.BlockSize
		if end > len(data) {
			end = len(data)
		}
		loc := layout.Locator{Piece: piece, Offset: int64(begin), Length: int64(end - begin)}
		if err := c.Deliver(loc, data[begin:end]); err != nil {
			t.Fatalf("Deliver(%+v): %v", loc, err)
		}
	}
}

func TestTwoPieceDownloadEmitsOrderedEvents(t *testing.T) {
	tor, piece0, piece1 := twoPieceTorrent(t)
	c, published := newTestCollector(t, tor)

	deliverPiece(t, c, 0, piece0)
	deliverPiece(t, c, 1, piece1)

	var gotBlockStored, gotPieceStored int
	var sawDownloadComplete bool
	var pieceStoredOrder []int
	for _, e := range *published {
		switch v := e.(type) {
		case events.BlockStored:
			gotBlockStored++
		case events.PieceStored:
			gotPieceStored++
			pieceStoredOrder = append(pieceStoredOrder, v.Piece)
		case events.DownloadComplete:
			sawDownloadComplete = true
		}
	}
	if gotBlockStored != 8 {
		t.Fatalf("BlockStored count = %d, want 8", gotBlockStored)
	}
	if gotPieceStored != 2 || pieceStoredOrder[0] != 0 || pieceStoredOrder[1] != 1 {
		t.Fatalf("PieceStored order = %v, want [0 1]", pieceStoredOrder)
	}
	if !sawDownloadComplete {
		t.Fatal("expected DownloadComplete")
	}
	if !c.Done() {
		t.Fatal("collector should report Done after both pieces verified")
	}
}

func TestCorruptedPieceReinsertsThenAcceptsCorrectData(t *testing.T) {
	tor, piece0, piece1 := twoPieceTorrent(t)
	c, published := newTestCollector(t, tor)

	deliverPiece(t, c, 0, piece0)

	// Fill piece 1's region with piece 0's bytes: wrong hash.
	deliverPiece(t, c, 1, piece0[:len(piece1)])

	var pieceStoredBeforeFix int
	for _, e := range *published {
		if _, ok := e.(events.PieceStored); ok {
			pieceStoredBeforeFix++
		}
	}
	if pieceStoredBeforeFix != 1 {
		t.Fatalf("PieceStored count before fix = %d, want 1 (piece 0 only)", pieceStoredBeforeFix)
	}

	deliverPiece(t, c, 1, piece1)

	var gotPieceStored int
	var sawDownloadComplete bool
	for _, e := range *published {
		switch e.(type) {
		case events.PieceStored:
			gotPieceStored++
		case events.DownloadComplete:
			sawDownloadComplete = true
		}
	}
	if gotPieceStored != 2 {
		t.Fatalf("PieceStored count = %d, want 2", gotPieceStored)
	}
	if !sawDownloadComplete {
		t.Fatal("expected DownloadComplete once piece 1 verifies")
	}
	if !c.Done() {
		t.Fatal("collector should report Done after both pieces verified")
	}

	got, err := c.writer.ReadPiece(0)
	if err != nil {
		t.Fatalf("ReadPiece(0): %v", err)
	}
	if !bytes.Equal(got, piece0) {
		t.Fatal("piece 0 on disk does not match source bytes")
	}
	got, err = c.writer.ReadPiece(1)
	if err != nil {
		t.Fatalf("ReadPiece(1): %v", err)
	}
	if !bytes.Equal(got, piece1) {
		t.Fatal("piece 1 on disk does not match source bytes after reinsert+refill")
	}
}

func TestDeliverIsIdempotentForSameBlock(t *testing.T) {
	tor, piece0, _ := twoPieceTorrent(t)
	c, published := newTestCollector(t, tor)

	loc := layout.Locator{Piece: 0, Offset: 0, Length: layout.BlockSize}
	if err := c.Deliver(loc, piece0[:layout.BlockSize]); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	firstCount := len(*published)
	if err := c.Deliver(loc, piece0[:layout.BlockSize]); err != nil {
		t.Fatalf("Deliver (duplicate): %v", err)
	}
	if len(*published) != firstCount {
		t.Fatalf("duplicate Deliver published %d more events, want 0", len(*published)-firstCount)
	}
}

func TestDeliverRejectsWrongLength(t *testing.T) {
	tor, piece0, _ := twoPieceTorrent(t)
	c, _ := newTestCollector(t, tor)

	loc := layout.Locator{Piece: 0, Offset: 0, Length: layout.BlockSize}
	if err := c.Deliver(loc, piece0[:layout.BlockSize-1]); err == nil {
		t.Fatal("expected error for mismatched block length")
	}
}
