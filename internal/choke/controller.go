// Package choke implements the choke controller: periodic re-ranking of
// peers by download rate and a random optimistic unchoke.
package choke

import (
	"math/rand"
	"sort"
	"time"

	"github.com/nullgrain/peersweep/internal/events"
)

// MaxUnchokedPeers is K in the top-K unchoke ranking.
const MaxUnchokedPeers = 4

// UnchokeInterval and OptimisticUnchokeInterval are the two timer periods
// driving rotation.
const (
	UnchokeInterval           = 10 * time.Second
	OptimisticUnchokeInterval = 30 * time.Second
)

type peerState struct {
	clientInterested  bool
	peerInterested    bool
	blocksDownloaded  int
	currentlyUnchoked bool
}

// Controller tracks per-peer counters and emits ChokePeer/UnchokePeer
// commands, which the bus routes to the targeted Peer Session.
type Controller struct {
	peers map[int]*peerState
	order []int

	publish func(any)
	rng     *rand.Rand
}

// New builds an empty Controller.
func New(publish func(any)) *Controller {
	return &Controller{
		peers:   make(map[int]*peerState),
		publish: publish,
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (c *Controller) ensure(idx int) *peerState {
	p, ok := c.peers[idx]
	if !ok {
		p = &peerState{}
		c.peers[idx] = p
		c.order = append(c.order, idx)
	}
	return p
}

// HandleEvent applies one inbound bus event to the controller's state.
func (c *Controller) HandleEvent(ev any) {
	switch e := ev.(type) {
	case events.BlockDownloadedFromPeer:
		c.ensure(e.TransferIdx).blocksDownloaded++
	case events.ClientInterestedInPeer:
		c.ensure(e.TransferIdx).clientInterested = e.Interested
	case events.PeerInterestedInClient:
		c.ensure(e.TransferIdx).peerInterested = e.Interested
	case events.UnregisterPeer:
		c.unregister(e.TransferIdx)
	}
}

func (c *Controller) unregister(idx int) {
	delete(c.peers, idx)
	for i, o := range c.order {
		if o == idx {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// UnchokeTick ranks every client-interested peer by descending
// blocks_downloaded_since_last_rotation (ties broken by insertion order),
// emits Choke/Unchoke transitions for the new top-K set, and resets every
// counter to 0.
func (c *Controller) UnchokeTick() {
	candidates := make([]int, 0, len(c.order))
	for _, idx := range c.order {
		if c.peers[idx].clientInterested {
			candidates = append(candidates, idx)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return c.peers[candidates[i]].blocksDownloaded > c.peers[candidates[j]].blocksDownloaded
	})
	if len(candidates) > MaxUnchokedPeers {
		candidates = candidates[:MaxUnchokedPeers]
	}
	newSet := make(map[int]struct{}, len(candidates))
	for _, idx := range candidates {
		newSet[idx] = struct{}{}
	}

	for _, idx := range c.order {
		p := c.peers[idx]
		_, inNewSet := newSet[idx]
		if p.currentlyUnchoked && !inNewSet {
			p.currentlyUnchoked = false
			c.publish(events.ChokePeer{TransferIdx: idx})
		} else if !p.currentlyUnchoked && inNewSet {
			p.currentlyUnchoked = true
			c.publish(events.UnchokePeer{TransferIdx: idx})
		}
	}

	for _, p := range c.peers {
		p.blocksDownloaded = 0
	}
}

// OptimisticTick picks one peer uniformly at random among those choked by
// the client but interested-in-client and client-interested-in-peer, and
// unchokes it.
func (c *Controller) OptimisticTick() {
	candidates := make([]int, 0)
	for _, idx := range c.order {
		p := c.peers[idx]
		if !p.currentlyUnchoked && p.peerInterested && p.clientInterested {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return
	}
	idx := candidates[c.rng.Intn(len(candidates))]
	c.peers[idx].currentlyUnchoked = true
	c.publish(events.UnchokePeer{TransferIdx: idx})
}

// Run drives the controller's two timers and inbound event channel until
// stopC is closed.
func (c *Controller) Run(inbox <-chan any, stopC <-chan struct{}) {
	unchokeT := time.NewTicker(UnchokeInterval)
	defer unchokeT.Stop()
	optimisticT := time.NewTicker(OptimisticUnchokeInterval)
	defer optimisticT.Stop()

	for {
		select {
		case <-stopC:
			return
		case ev := <-inbox:
			c.HandleEvent(ev)
		case <-unchokeT.C:
			c.UnchokeTick()
		case <-optimisticT.C:
			c.OptimisticTick()
		}
	}
}
