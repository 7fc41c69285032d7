// Package collector implements the data collector: the sole writer of the
// output file, responsible for per-piece dedup, write-through, SHA-1
// verification from disk, and progress accounting.
package collector

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/nullgrain/peersweep/internal/events"
	"github.com/nullgrain/peersweep/internal/filestore"
	"github.com/nullgrain/peersweep/internal/layout"
	"github.com/nullgrain/peersweep/internal/picker"
)

// Collector owns the writer handle and per-piece received-block bookkeeping
// for one torrent. It is driven exclusively from its own delivery task, so
// it needs no internal locking. Client progress is published via PieceStored
// events; the bus maintains the progress bitfield from those.
type Collector struct {
	tor    *layout.Torrent
	writer *filestore.Writer
	picker *picker.Picker

	received []map[layout.Locator]struct{}
	acquired int

	publish func(any)
}

// New builds a Collector.
func New(tor *layout.Torrent, writer *filestore.Writer, pk *picker.Picker, publish func(any)) *Collector {
	received := make([]map[layout.Locator]struct{}, tor.NumPieces())
	for i := range received {
		received[i] = make(map[layout.Locator]struct{})
	}
	return &Collector{
		tor:      tor,
		writer:   writer,
		picker:   pk,
		received: received,
		publish:  publish,
	}
}

// Done reports whether every piece has been acquired.
func (c *Collector) Done() bool {
	return c.acquired == c.tor.NumPieces()
}

// Deliver processes one incoming (block locator, bytes) pair. Delivering
// the same block twice has the same effect as delivering it once.
func (c *Collector) Deliver(loc layout.Locator, data []byte) error {
	if loc.Piece < 0 || loc.Piece >= c.tor.NumPieces() {
		return fmt.Errorf("collector: block for unknown piece %d", loc.Piece)
	}
	if int64(len(data)) != loc.Length {
		return fmt.Errorf("collector: block %+v has %d bytes, want %d", loc, len(data), loc.Length)
	}

	set := c.received[loc.Piece]
	if _, dup := set[loc]; dup {
		return nil
	}

	if err := c.writer.Write(loc.Piece, loc.Offset, data); err != nil {
		return err
	}
	c.picker.RemoveBlock(loc)
	c.publish(events.BlockStored{Locator: loc})
	set[loc] = struct{}{}

	if len(set) < c.tor.BlocksInPiece(loc.Piece) {
		return nil
	}
	return c.verifyPiece(loc.Piece)
}

func (c *Collector) verifyPiece(piece int) error {
	data, err := c.writer.ReadPiece(piece)
	if err != nil {
		return err
	}
	sum := sha1.Sum(data)
	if !bytes.Equal(sum[:], c.tor.PieceHashes[piece][:]) {
		c.picker.ReinsertPiece(piece)
		c.received[piece] = make(map[layout.Locator]struct{})
		return nil
	}

	c.acquired++
	c.publish(events.PieceStored{Piece: piece})

	if c.acquired == c.tor.NumPieces() {
		c.publish(events.DownloadComplete{})
	}
	return nil
}

// RunDeliveries drives the collector as its own task with its own inbound
// channel, so a slow disk write never blocks the rest of the bus's event
// loop. onError, if non-nil, observes delivery errors; these are invariant
// violations, not expected at runtime, so they are merely reported here.
func (c *Collector) RunDeliveries(inbox <-chan events.BlockDownloaded, stopC <-chan struct{}, onError func(error)) {
	for {
		select {
		case <-stopC:
			return
		case e := <-inbox:
			if err := c.Deliver(e.Locator, e.Data); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
