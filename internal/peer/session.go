// Package peer implements the per-peer session state machine: one
// cooperative task per remote peer driving the choke/interest/request loop.
package peer

import (
	"time"

	"github.com/nullgrain/peersweep/internal/bitfield"
	"github.com/nullgrain/peersweep/internal/events"
	"github.com/nullgrain/peersweep/internal/filestore"
	"github.com/nullgrain/peersweep/internal/layout"
	"github.com/nullgrain/peersweep/internal/peerconn"
	"github.com/nullgrain/peersweep/internal/picker"
	"github.com/nullgrain/peersweep/internal/wire"
)

// MaxOutstanding bounds how many unanswered Requests a session keeps open
// toward its peer.
const MaxOutstanding = 10

// KeepAliveInterval is how often a session sends itself a reminder to emit
// a protocol KeepAlive.
const KeepAliveInterval = 50 * time.Second

const maxServableRequestLength = 16 * 1024

// Session drives one remote peer connection end to end.
type Session struct {
	TransferIdx int

	conn    *peerconn.Conn
	reader  *filestore.Reader
	picker  *picker.Picker
	tor     *layout.Torrent
	inbox   chan any
	publish func(any)

	ownBitfield  *bitfield.Bitfield
	peerBitfield *bitfield.Bitfield

	clientChoked, peerChoked         bool
	clientInterested, peerInterested bool

	outstanding map[layout.Locator]struct{}

	terminated bool
	done       chan struct{}
}

// New constructs a Session in its post-handshake initial state: both sides
// choked, neither interested, peer bitfield all-zero.
func New(transferIdx int, conn *peerconn.Conn, reader *filestore.Reader, pk *picker.Picker, tor *layout.Torrent, ownBitfield *bitfield.Bitfield, publish func(any)) *Session {
	return &Session{
		TransferIdx:      transferIdx,
		conn:             conn,
		reader:           reader,
		picker:           pk,
		tor:              tor,
		inbox:            make(chan any, 8192),
		publish:          publish,
		ownBitfield:      ownBitfield.Clone(),
		peerBitfield:     bitfield.New(tor.NumPieces()),
		clientChoked:     true,
		peerChoked:       true,
		clientInterested: false,
		peerInterested:   false,
		outstanding:      make(map[layout.Locator]struct{}),
		done:             make(chan struct{}),
	}
}

// Inbox is where the bus delivers internal events targeted at this session.
func (s *Session) Inbox() chan any {
	return s.inbox
}

// Done is closed once the session has terminated and will no longer drain
// its inbox. Senders select on it so a send to a torn-down session is
// dropped rather than suspended forever.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until the connection or the bus tears it down.
// It publishes P2PTransferTerminated exactly once before returning.
func (s *Session) Run() {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.conn.Done():
			s.terminate()
			return
		case msg, ok := <-s.conn.Messages():
			if !ok {
				s.terminate()
				return
			}
			s.handleMessage(msg)
		case ev := <-s.inbox:
			s.handleEvent(ev)
		case <-ticker.C:
			// Publish to our own inbox rather than writing directly, so the
			// keep-alive goes through the same funnel as every other
			// stimulus. A full inbox means traffic is flowing anyway.
			select {
			case s.inbox <- events.SendKeepAlive{TransferIdx: s.TransferIdx}:
			default:
			}
		}
	}
}

func (s *Session) terminate() {
	if s.terminated {
		return
	}
	s.terminated = true
	close(s.done)
	s.conn.Close()
	s.publish(events.P2PTransferTerminated{TransferIdx: s.TransferIdx})
}

// handleMessage applies one decoded protocol message to the session's
// state. Protocol- and connection-level failures terminate
// the session before a message ever reaches here (via conn.Done()/the
// Messages() channel closing), so there is no failure mode at this layer
// for handleMessage itself to report.
func (s *Session) handleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case wire.Choke:
		s.clientChoked = true
	case wire.Unchoke:
		s.clientChoked = false
		s.pickBlocks()
	case wire.Interested:
		s.peerInterested = true
		s.publish(events.PeerInterestedInClient{TransferIdx: s.TransferIdx, Interested: true})
	case wire.NotInterested:
		s.peerInterested = false
		s.publish(events.PeerInterestedInClient{TransferIdx: s.TransferIdx, Interested: false})
	case wire.Have:
		piece := int(m.Index)
		s.picker.IncreaseAvailability(piece)
		s.peerBitfield.Set(piece)
		s.recomputeClientInterest()
		s.pickBlocks()
	case wire.Bitfield:
		s.peerBitfield = bitfield.NewFromBytes(m.Data, s.tor.NumPieces())
		s.picker.IncreaseAvailabilityMany(s.peerBitfield.SetBits())
		s.recomputeClientInterest()
		s.pickBlocks()
	case wire.Request:
		s.serveRequest(m)
	case wire.Piece:
		s.handlePiece(m)
	case wire.Cancel, wire.Port, wire.KeepAlive:
		// no-op: we serve Requests synchronously so there is nothing to
		// cancel, and Port/KeepAlive carry no actionable state here.
	}
}

func (s *Session) serveRequest(m wire.Request) {
	loc := layout.Locator{Piece: int(m.Index), Offset: int64(m.Begin), Length: int64(m.Length)}
	if m.Length > maxServableRequestLength || s.peerChoked || !s.peerInterested || !s.ownBitfield.Test(int(m.Index)) {
		return
	}
	data, err := s.reader.ReadBlock(loc)
	if err != nil {
		return
	}
	s.publish(events.BlockUploaded{TransferIdx: s.TransferIdx, Size: len(data)})
	s.conn.Send(wire.Piece{Index: m.Index, Begin: m.Begin, Data: data})
}

func (s *Session) handlePiece(m wire.Piece) {
	loc := layout.Locator{Piece: int(m.Index), Offset: int64(m.Begin), Length: int64(len(m.Data))}
	delete(s.outstanding, loc)
	s.publish(events.BlockDownloaded{TransferIdx: s.TransferIdx, Locator: loc, Data: m.Data})
	s.publish(events.BlockDownloadedFromPeer{TransferIdx: s.TransferIdx})
	s.recomputeClientInterest()
	s.pickBlocks()
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case events.BlockStored:
		if _, ok := s.outstanding[e.Locator]; ok {
			delete(s.outstanding, e.Locator)
			s.conn.Send(wire.Cancel{Index: uint32(e.Locator.Piece), Begin: uint32(e.Locator.Offset), Length: uint32(e.Locator.Length)})
		}
	case events.PieceStored:
		s.ownBitfield.Set(e.Piece)
		s.recomputeClientInterest()
		s.conn.Send(wire.Have{Index: uint32(e.Piece)})
	case events.SendKeepAlive:
		s.conn.Send(wire.KeepAlive{})
	case events.ChokePeer:
		s.peerChoked = true
		s.conn.Send(wire.Choke{})
	case events.UnchokePeer:
		s.peerChoked = false
		s.conn.Send(wire.Unchoke{})
	}
}

func (s *Session) recomputeClientInterest() {
	interesting := s.peerBitfield.HasAnyMissingFrom(s.ownBitfield)
	if interesting == s.clientInterested {
		return
	}
	s.clientInterested = interesting
	s.publish(events.ClientInterestedInPeer{TransferIdx: s.TransferIdx, Interested: interesting})
	if interesting {
		s.conn.Send(wire.Interested{})
	} else {
		s.conn.Send(wire.NotInterested{})
	}
}

func (s *Session) pickBlocks() {
	if s.clientChoked || !s.clientInterested || len(s.outstanding) >= MaxOutstanding {
		return
	}
	need := MaxOutstanding - len(s.outstanding)
	locs := s.picker.Pick(s.peerBitfield, need)
	for _, loc := range locs {
		s.outstanding[loc] = struct{}{}
		s.conn.Send(wire.Request{Index: uint32(loc.Piece), Begin: uint32(loc.Offset), Length: uint32(loc.Length)})
	}
}
