package peerconn

import (
	"fmt"
	"net"

	"github.com/nullgrain/peersweep/internal/wire"
)

// sender owns the write half of a peer connection: it writes whole frames
// atomically from a queue. Keeping it separate from receiver means a slow
// or stalled peer write never blocks our ability to read (and vice versa).
type sender struct {
	conn net.Conn
	in   <-chan wire.Message
	err  error
}

func newSender(conn net.Conn, in <-chan wire.Message) *sender {
	return &sender{conn: conn, in: in}
}

func (s *sender) run(stopC <-chan struct{}) {
	for {
		select {
		case m, ok := <-s.in:
			if !ok {
				return
			}
			if _, err := s.conn.Write(wire.Encode(m)); err != nil {
				s.err = fmt.Errorf("%w: %v", ErrSendFailed, err)
				return
			}
		case <-stopC:
			return
		}
	}
}
