// Package events defines the internal event vocabulary fanned out by the
// coordinator between the data collector, peer sessions, choke controller
// and tracker reporter.
package events

import "github.com/nullgrain/peersweep/internal/layout"

// BlockStored is emitted by the Data Collector once a block's write has
// returned success.
type BlockStored struct {
	Locator layout.Locator
}

// PieceStored is emitted by the Data Collector once a piece has passed
// SHA-1 verification.
type PieceStored struct {
	Piece int
}

// DownloadComplete is emitted exactly once, when acquired_pieces reaches P.
type DownloadComplete struct{}

// BlockUploaded is published by a Peer Session after serving a Request.
type BlockUploaded struct {
	TransferIdx int
	Size        int
}

// BlockDownloadedFromPeer is published by a Peer Session on every received
// Piece message, feeding the Choke Controller's rotation ranking.
type BlockDownloadedFromPeer struct {
	TransferIdx int
}

// BlockDownloaded carries a fully received block from a Peer Session to
// the Data Collector, fanned out by the bus.
type BlockDownloaded struct {
	TransferIdx int
	Locator     layout.Locator
	Data        []byte
}

// PeerInterestedInClient tracks a remote peer's Interested/NotInterested
// state as observed by its session.
type PeerInterestedInClient struct {
	TransferIdx int
	Interested  bool
}

// ClientInterestedInPeer tracks the local client's own interest in a peer,
// recomputed from bitfield deltas.
type ClientInterestedInPeer struct {
	TransferIdx int
	Interested  bool
}

// P2PTransferTerminated is published by a Peer Session exactly once, on
// any terminal condition.
type P2PTransferTerminated struct {
	TransferIdx int
}

// UnregisterPeer tells the Choke Controller to drop its per-peer counters
// for a terminated session.
type UnregisterPeer struct {
	TransferIdx int
}

// ChokePeer instructs a Peer Session to choke the remote peer.
type ChokePeer struct {
	TransferIdx int
}

// UnchokePeer instructs a Peer Session to unchoke the remote peer.
type UnchokePeer struct {
	TransferIdx int
}

// SendKeepAlive reminds a session to emit a protocol KeepAlive.
type SendKeepAlive struct {
	TransferIdx int
}
