// Package picker implements the shared, rarest-first piece picker with
// completion bias and end-game fallback. It is shared across every peer
// session and the data collector under a single short-critical-section
// mutex; the lock is always released before any I/O, since this package
// performs none.
package picker

import (
	"math/rand"
	"sync"

	"github.com/nullgrain/peersweep/internal/bitfield"
	"github.com/nullgrain/peersweep/internal/layout"
)

// Sticky score penalties. Only the relative ordering matters: each tier
// dwarfs any realistic availability delta.
const (
	allInTransferPenalty int64 = 1_000_000
	allRemovedPenalty    int64 = 1_000_000_000
)

type pieceEntry struct {
	index int
	score int64

	unrequested []layout.Locator
	inTransfer  map[layout.Locator]struct{}

	// stickyPenalty is the sum of whichever of the two sticky penalties are
	// currently folded into score, so ReinsertPiece can undo both in one
	// combined update.
	stickyPenalty int64
}

func (e *pieceEntry) hasUnrequested() bool { return len(e.unrequested) > 0 }
func (e *pieceEntry) hasOutstanding() bool { return len(e.unrequested) > 0 || len(e.inTransfer) > 0 }

// Picker is the shared block-selection planner for one torrent.
type Picker struct {
	mu sync.Mutex

	tor *layout.Torrent

	// table is kept sorted ascending by score; index[i] gives the position
	// of piece i's entry within table.
	table []*pieceEntry
	index []int

	rng *rand.Rand
}

// New builds a Picker with every piece initially at score 0, fully
// unrequested.
func New(tor *layout.Torrent) *Picker {
	n := tor.NumPieces()
	p := &Picker{
		tor:   tor,
		table: make([]*pieceEntry, n),
		index: make([]int, n),
		rng:   rand.New(rand.NewSource(1)),
	}
	for i := 0; i < n; i++ {
		e := &pieceEntry{
			index:       i,
			unrequested: tor.BlocksOf(i),
			inTransfer:  make(map[layout.Locator]struct{}),
		}
		p.table[i] = e
		p.index[i] = i
	}
	return p
}

// Pick returns up to n block locators suitable to request from a peer whose
// advertised bitfield is peerBitfield. Blocks come from the single
// highest-priority piece the peer has; once that piece's unrequested set is
// exhausted the pick duplicates one of its in-transfer blocks (end-game).
func (p *Picker) Pick(peerBitfield *bitfield.Bitfield, n int) []layout.Locator {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 {
		return nil
	}

	pos := p.firstPickablePosition(peerBitfield)
	if pos < 0 {
		return nil
	}
	e := p.table[pos]

	hadUnrequested := e.hasUnrequested()
	locs := p.drawBlocks(e, n)

	if len(locs) == 0 {
		if len(e.inTransfer) == 0 {
			// Nothing left to duplicate either; nothing to return.
			return nil
		}
		return []layout.Locator{p.randomInTransfer(e)}
	}

	if hadUnrequested && !e.hasUnrequested() {
		p.applyAllInTransferPenalty(pos)
	}
	return locs
}

// firstPickablePosition scans the table in ascending-score order for the
// first piece below allRemovedPenalty that peerBitfield has.
func (p *Picker) firstPickablePosition(peerBitfield *bitfield.Bitfield) int {
	for pos, e := range p.table {
		if e.score >= allRemovedPenalty {
			continue
		}
		if peerBitfield != nil && peerBitfield.Test(e.index) {
			return pos
		}
	}
	return -1
}

func (p *Picker) drawBlocks(e *pieceEntry, n int) []layout.Locator {
	if n > len(e.unrequested) {
		n = len(e.unrequested)
	}
	if n == 0 {
		return nil
	}
	out := make([]layout.Locator, n)
	copy(out, e.unrequested[:n])
	e.unrequested = e.unrequested[n:]
	for _, loc := range out {
		e.inTransfer[loc] = struct{}{}
	}
	return out
}

func (p *Picker) randomInTransfer(e *pieceEntry) layout.Locator {
	idx := p.rng.Intn(len(e.inTransfer))
	i := 0
	for loc := range e.inTransfer {
		if i == idx {
			return loc
		}
		i++
	}
	panic("unreachable")
}

// IncreaseAvailability records that one more peer advertises pieceIdx.
func (p *Picker) IncreaseAvailability(pieceIdx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adjustScore(pieceIdx, 1)
}

// IncreaseAvailabilityMany applies IncreaseAvailability to every index.
func (p *Picker) IncreaseAvailabilityMany(indices []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, i := range indices {
		p.adjustScore(i, 1)
	}
}

// DecreaseAvailabilityMany applies a -1 availability delta to every index.
func (p *Picker) DecreaseAvailabilityMany(indices []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, i := range indices {
		p.adjustScore(i, -1)
	}
}

// RemoveBlock is called once a block has been durably written. It is
// idempotent: removing the same locator twice has the same effect as
// removing it once.
func (p *Picker) RemoveBlock(loc layout.Locator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positionOf(loc.Piece)
	if !ok {
		return
	}
	e := p.table[pos]
	if _, present := e.inTransfer[loc]; !present {
		return
	}
	delete(e.inTransfer, loc)

	if !e.hasOutstanding() {
		p.applyAllRemovedPenalty(pos)
	}
}

// ReinsertPiece restores pieceIdx to a pristine unrequested state and
// undoes both sticky penalties in one combined update.
func (p *Picker) ReinsertPiece(pieceIdx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positionOf(pieceIdx)
	if !ok {
		return
	}
	e := p.table[pos]
	e.unrequested = p.tor.BlocksOf(pieceIdx)
	e.inTransfer = make(map[layout.Locator]struct{})

	if e.stickyPenalty != 0 {
		p.setScore(pos, e.score-e.stickyPenalty)
		e.stickyPenalty = 0
	}
}

func (p *Picker) positionOf(pieceIdx int) (int, bool) {
	if pieceIdx < 0 || pieceIdx >= len(p.index) {
		return 0, false
	}
	return p.index[pieceIdx], true
}

func (p *Picker) adjustScore(pieceIdx int, delta int64) {
	pos, ok := p.positionOf(pieceIdx)
	if !ok {
		return
	}
	p.setScore(pos, p.table[pos].score+delta)
}

func (p *Picker) applyAllInTransferPenalty(pos int) {
	e := p.table[pos]
	e.stickyPenalty += allInTransferPenalty
	p.setScore(pos, e.score+allInTransferPenalty)
}

func (p *Picker) applyAllRemovedPenalty(pos int) {
	e := p.table[pos]
	e.stickyPenalty += allRemovedPenalty
	p.setScore(pos, e.score+allRemovedPenalty)
}

// setScore updates the entry at pos then bubbles it toward its correct
// position with pairwise swaps, updating the index table after each swap.
// Ties are broken by current position (stable): a swap only happens on a
// strict score inversion.
func (p *Picker) setScore(pos int, newScore int64) {
	e := p.table[pos]
	e.score = newScore

	for pos > 0 && p.table[pos-1].score > e.score {
		p.swap(pos-1, pos)
		pos--
	}
	for pos < len(p.table)-1 && p.table[pos+1].score < e.score {
		p.swap(pos, pos+1)
		pos++
	}
}

func (p *Picker) swap(a, b int) {
	p.table[a], p.table[b] = p.table[b], p.table[a]
	p.index[p.table[a].index] = a
	p.index[p.table[b].index] = b
}
