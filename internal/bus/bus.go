// Package bus implements the coordinator for one torrent: it spawns the
// data collector, choke controller and tracker reporter, dials peers
// returned by announces, and runs the central event loop that fans
// internal events out between them.
package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/nullgrain/peersweep/internal/bitfield"
	"github.com/nullgrain/peersweep/internal/choke"
	"github.com/nullgrain/peersweep/internal/collector"
	"github.com/nullgrain/peersweep/internal/events"
	"github.com/nullgrain/peersweep/internal/filestore"
	"github.com/nullgrain/peersweep/internal/layout"
	"github.com/nullgrain/peersweep/internal/peer"
	"github.com/nullgrain/peersweep/internal/peerconn"
	"github.com/nullgrain/peersweep/internal/picker"
	"github.com/nullgrain/peersweep/internal/progress"
	"github.com/nullgrain/peersweep/internal/tracker"
	"github.com/nullgrain/peersweep/internal/wire"
)

// inboxCapacity bounds the coordinator's inbound queue and the equivalent
// per-component queues; a full queue suspends the sender.
const inboxCapacity = 1024

// Coordinator owns every component of one torrent's transfer engine and
// the single event loop that fans events between them.
type Coordinator struct {
	tor        *layout.Torrent
	infoHash   [20]byte
	peerID     [20]byte
	listenPort uint16

	store       *filestore.Store
	picker      *picker.Picker
	ownBitfield *bitfield.Bitfield

	collector      *collector.Collector
	collectorInbox chan events.BlockDownloaded

	choke      *choke.Controller
	chokeInbox chan any

	reporter      *tracker.Reporter
	reporterInbox chan any
	reporterDone  chan struct{}

	progressBar *progress.Bar

	inbox chan any

	// mu guards sessions, dialed, nextIdx and ownBitfield: the progress
	// bitfield is set on PieceStored dispatch and cloned for every newly
	// spawned session, and both must observe a consistent snapshot.
	mu       sync.Mutex
	sessions map[int]*peer.Session
	dialed   map[string]bool
	nextIdx  int

	// downloadRate and uploadRate track throughput as decaying averages so
	// progress reporting has a rate, not just a running total.
	downloadRate metrics.EWMA
	uploadRate   metrics.EWMA

	stopC chan struct{}
	log   zerolog.Logger
}

// New builds a Coordinator for one torrent. outputPath is the pre-sized
// destination file; trackerClient is the tracker collaborator from §6.
func New(tor *layout.Torrent, outputPath string, infoHash, peerID [20]byte, listenPort uint16, trackerClient tracker.Client, progressBar *progress.Bar, log zerolog.Logger) (*Coordinator, error) {
	store, err := filestore.Create(outputPath, tor)
	if err != nil {
		return nil, fmt.Errorf("bus: create output file: %w", err)
	}
	writer, err := store.Writer()
	if err != nil {
		return nil, fmt.Errorf("bus: open writer: %w", err)
	}

	c := &Coordinator{
		tor:          tor,
		infoHash:     infoHash,
		peerID:       peerID,
		listenPort:   listenPort,
		store:        store,
		picker:       picker.New(tor),
		ownBitfield:  bitfield.New(tor.NumPieces()),
		inbox:        make(chan any, inboxCapacity),
		sessions:     make(map[int]*peer.Session),
		dialed:       make(map[string]bool),
		stopC:        make(chan struct{}),
		progressBar:  progressBar,
		downloadRate: metrics.NewEWMA1(),
		uploadRate:   metrics.NewEWMA1(),
		log:          log,
	}

	c.collector = collector.New(tor, writer, c.picker, func(e any) { c.inbox <- e })
	c.collectorInbox = make(chan events.BlockDownloaded, inboxCapacity)

	c.choke = choke.New(func(e any) { c.inbox <- e })
	c.chokeInbox = make(chan any, inboxCapacity)

	c.reporter = tracker.NewReporter(trackerClient, infoHash, peerID, listenPort, tor.Length, c.onTrackerPeers, c.onTrackerError)
	c.reporterInbox = make(chan any, inboxCapacity)
	c.reporterDone = make(chan struct{})

	return c, nil
}

// Run performs the tracker's Started announce synchronously, then spawns
// the Data Collector, Choke Controller and Tracker Reporter tasks and
// drives the central event loop until DownloadComplete is observed or ctx
// is cancelled. A failed Started announce is an initialization failure and
// is returned directly, before anything else is spawned.
func (c *Coordinator) Run(ctx context.Context) error {
	resp, err := c.reporter.Start(ctx)
	if err != nil {
		return fmt.Errorf("bus: initial tracker announce: %w", err)
	}

	go c.collector.RunDeliveries(c.collectorInbox, c.stopC, c.logDeliveryError)
	go c.choke.Run(c.chokeInbox, c.stopC)
	go func() {
		defer close(c.reporterDone)
		c.reporter.RunLoop(ctx, time.Duration(resp.IntervalSeconds)*time.Second, c.reporterInbox, c.stopC)
	}()

	// Inbound side of the swarm: peers that dial us get the same session
	// treatment as the ones we dial. A busy port is not an initialization
	// failure; the download proceeds outbound-only.
	if ln, lerr := net.Listen("tcp", fmt.Sprintf(":%d", c.listenPort)); lerr != nil {
		c.log.Warn().Err(lerr).Uint16("port", c.listenPort).Msg("cannot listen for inbound peers")
	} else {
		defer ln.Close()
		go c.acceptLoop(ln)
	}

	speedTicker := time.NewTicker(5 * time.Second)
	defer speedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(c.stopC)
			return ctx.Err()
		case <-speedTicker.C:
			c.downloadRate.Tick()
			c.uploadRate.Tick()
		case ev := <-c.inbox:
			if c.dispatch(ev) {
				// Let the reporter finish its Completed announce before the
				// stop signal can race it out of its loop.
				<-c.reporterDone
				close(c.stopC)
				return nil
			}
		}
	}
}

func (c *Coordinator) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := c.AcceptPeer(nc); err != nil {
				c.log.Debug().Err(err).Str("peer", nc.RemoteAddr().String()).Msg("inbound handshake failed")
			}
		}()
	}
}

// Stats reports the current decaying-average download/upload rates in
// bytes/sec.
func (c *Coordinator) Stats() (downloadBps, uploadBps int64) {
	return int64(c.downloadRate.Rate()), int64(c.uploadRate.Rate())
}

func (c *Coordinator) dispatch(ev any) (complete bool) {
	switch e := ev.(type) {
	case events.BlockDownloaded:
		c.collectorInbox <- e
	case events.BlockDownloadedFromPeer, events.ClientInterestedInPeer, events.PeerInterestedInClient:
		c.chokeInbox <- e
	case events.BlockUploaded:
		c.reporter.RecordUploaded(int64(e.Size))
		c.uploadRate.Update(int64(e.Size))
	case events.BlockStored:
		c.reporter.RecordDownloaded(e.Locator.Length)
		c.downloadRate.Update(e.Locator.Length)
		c.broadcast(e)
	case events.PieceStored:
		c.mu.Lock()
		c.ownBitfield.Set(e.Piece)
		c.mu.Unlock()
		c.broadcast(e)
		if c.progressBar != nil {
			c.progressBar.Handle(e)
		}
	case events.DownloadComplete:
		c.reporterInbox <- e
		if c.progressBar != nil {
			c.progressBar.Handle(e)
		}
		return true
	case events.P2PTransferTerminated:
		c.unregisterSession(e.TransferIdx)
		c.chokeInbox <- events.UnregisterPeer{TransferIdx: e.TransferIdx}
	case events.ChokePeer:
		c.sendToSession(e.TransferIdx, e)
	case events.UnchokePeer:
		c.sendToSession(e.TransferIdx, e)
	}
	return false
}

// broadcast delivers an event (BlockStored or PieceStored) to every live
// session, since any of them may have the locator outstanding or need its
// own-bitfield/Have updated.
func (c *Coordinator) broadcast(e any) {
	c.mu.Lock()
	targets := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		targets = append(targets, s)
	}
	c.mu.Unlock()

	for _, s := range targets {
		c.deliver(s, e)
	}
}

func (c *Coordinator) sendToSession(idx int, e any) {
	c.mu.Lock()
	s, ok := c.sessions[idx]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.deliver(s, e)
}

// deliver sends e to a session's inbox, dropping it if the session has
// already terminated. P2PTransferTerminated is the authoritative teardown
// signal; peer-directed sends racing it are best-effort.
func (c *Coordinator) deliver(s *peer.Session, e any) {
	select {
	case s.Inbox() <- e:
	case <-s.Done():
	}
}

func (c *Coordinator) unregisterSession(idx int) {
	c.mu.Lock()
	delete(c.sessions, idx)
	c.mu.Unlock()
}

func (c *Coordinator) logDeliveryError(err error) {
	c.log.Warn().Err(err).Msg("block delivery rejected")
}

// onTrackerPeers is the Tracker Reporter's peer-discovery callback: dial
// every newly seen address. Peers already dialed (by IP) are skipped.
func (c *Coordinator) onTrackerPeers(peers []tracker.PeerAddr) {
	for _, p := range peers {
		if p.IP == nil {
			continue
		}
		key := p.IP.String()
		c.mu.Lock()
		already := c.dialed[key]
		if !already {
			c.dialed[key] = true
		}
		c.mu.Unlock()
		if already {
			continue
		}
		addr := &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
		go func() {
			if err := c.AddPeer(context.Background(), addr); err != nil {
				c.log.Debug().Err(err).Str("peer", addr.String()).Msg("dial failed")
			}
		}()
	}
}

func (c *Coordinator) onTrackerError(err error) {
	c.log.Warn().Err(err).Msg("tracker announce failed")
}

// AddPeer dials addr, performs the handshake, and spawns a Peer Session
// with a dense transfer_idx.
func (c *Coordinator) AddPeer(ctx context.Context, addr *net.TCPAddr) error {
	conn, err := peerconn.Dial(ctx, addr, c.infoHash, c.peerID)
	if err != nil {
		return err
	}
	reader, err := c.store.Reader()
	if err != nil {
		conn.Close()
		return err
	}

	c.spawnSession(conn, reader)
	return nil
}

// AcceptPeer completes the inbound side of a handshake on an already
// connected socket and spawns its Peer Session, mirroring AddPeer.
func (c *Coordinator) AcceptPeer(nc net.Conn) error {
	conn, err := peerconn.Accept(nc, c.infoHash, c.peerID)
	if err != nil {
		return err
	}
	reader, err := c.store.Reader()
	if err != nil {
		conn.Close()
		return err
	}

	c.spawnSession(conn, reader)
	return nil
}

// spawnSession registers a session under a dense transfer_idx and starts
// it. The progress-bitfield clone handed to the session and the opening
// Bitfield message are taken under the same lock that PieceStored updates
// hold, so a session never starts with a stale view it will not be told
// about.
func (c *Coordinator) spawnSession(conn *peerconn.Conn, reader *filestore.Reader) {
	c.mu.Lock()
	idx := c.nextIdx
	c.nextIdx++
	sess := peer.New(idx, conn, reader, c.picker, c.tor, c.ownBitfield, func(e any) { c.inbox <- e })
	c.sessions[idx] = sess
	if c.ownBitfield.Count() > 0 {
		conn.Send(wire.Bitfield{Data: c.ownBitfield.Bytes()})
	}
	c.mu.Unlock()

	go sess.Run()
}
