package peerconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/nullgrain/peersweep/internal/wire"
)

// maxFrameLength bounds the announced frame length before the body is
// allocated. The largest legal frame is a Bitfield for a very large
// torrent; 1 MiB covers over 8 million pieces while keeping a hostile
// length prefix from forcing a giant allocation.
const maxFrameLength = 1 << 20

// receiver owns the read half of a peer connection: it repeatedly reads a
// 4-byte length prefix then that many bytes and decodes the frame,
// publishing messages on out. It never holds state shared with the sender.
type receiver struct {
	conn net.Conn
	out  chan<- wire.Message
	err  error
}

func newReceiver(conn net.Conn, out chan<- wire.Message) *receiver {
	return &receiver{conn: conn, out: out}
}

// run reads frames until the connection closes or stopC is closed.
// An EOF that lands mid-frame (after at least the length prefix) is
// reported as ErrSocketClosed.
func (r *receiver) run(stopC <-chan struct{}) {
	for {
		var lenBuf [4]byte
		if err := r.readFull(lenBuf[:]); err != nil {
			r.err = classifyReadErr(err)
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > maxFrameLength {
			r.err = fmt.Errorf("frame length %d: %w", length, wire.ErrOversizedMessage)
			return
		}
		if length == 0 {
			select {
			case r.out <- wire.KeepAlive{}:
			case <-stopC:
				return
			}
			continue
		}
		body := make([]byte, length)
		if err := r.readFull(body); err != nil {
			r.err = classifyReadErr(err)
			return
		}
		msg, err := wire.Decode(body)
		if err != nil {
			r.err = err
			return
		}
		select {
		case r.out <- msg:
		case <-stopC:
			return
		}
	}
}

func (r *receiver) readFull(buf []byte) error {
	_, err := io.ReadFull(r.conn, buf)
	return err
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
