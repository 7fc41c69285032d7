package tracker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nullgrain/peersweep/internal/events"
)

// defaultInterval is used until the first successful announce reports one.
const defaultInterval = 30 * time.Second

// Reporter is the bus component owning the announce cadence: once on
// Started, periodically at the tracker's interval thereafter, and once on
// Completed.
type Reporter struct {
	client   Client
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	total    int64

	downloaded int64
	uploaded   int64

	onPeers func([]PeerAddr)
	onError func(error)
}

// NewReporter builds a Reporter. onPeers is called with every peer list
// returned by a successful announce; onError, if non-nil, observes
// transient (post-Started) announce failures, which are otherwise absorbed
// here.
func NewReporter(client Client, infoHash, peerID [20]byte, port uint16, totalLength int64, onPeers func([]PeerAddr), onError func(error)) *Reporter {
	return &Reporter{
		client:   client,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		total:    totalLength,
		onPeers:  onPeers,
		onError:  onError,
	}
}

// RecordDownloaded accumulates bytes written by the Data Collector, for
// the next announce's "downloaded"/"left" fields.
func (r *Reporter) RecordDownloaded(n int64) {
	atomic.AddInt64(&r.downloaded, n)
}

// RecordUploaded accumulates bytes served to peers.
func (r *Reporter) RecordUploaded(n int64) {
	atomic.AddInt64(&r.uploaded, n)
}

func (r *Reporter) left() int64 {
	left := r.total - atomic.LoadInt64(&r.downloaded)
	if left < 0 {
		left = 0
	}
	return left
}

func (r *Reporter) announce(ctx context.Context, ev Event) (Response, error) {
	return r.client.Announce(ctx, AnnounceRequest{
		InfoHash:   r.infoHash,
		PeerID:     r.peerID,
		Port:       r.port,
		Uploaded:   atomic.LoadInt64(&r.uploaded),
		Downloaded: atomic.LoadInt64(&r.downloaded),
		Left:       r.left(),
		Event:      ev,
	})
}

// Start performs the Started announce synchronously, invokes onPeers on
// success, and returns the response. A tracker unreachable on this first
// call is an initialization failure, so unlike every later announce this
// one is not absorbed here: the caller is expected to treat a non-nil
// error as fatal and never call RunLoop.
func (r *Reporter) Start(ctx context.Context) (Response, error) {
	resp, err := r.announce(ctx, EventStarted)
	if err != nil {
		return Response{}, err
	}
	r.onPeers(resp.Peers)
	return resp, nil
}

// RunLoop alternates between the interval timer and the inbox until a
// DownloadComplete event arrives (at which point it makes the Completed
// announce and returns) or stopC closes. initialInterval is the interval
// reported by the Start announce, or 0 to use defaultInterval.
func (r *Reporter) RunLoop(ctx context.Context, initialInterval time.Duration, inbox <-chan any, stopC <-chan struct{}) {
	interval := initialInterval
	if interval <= 0 {
		interval = defaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopC:
			return
		case ev := <-inbox:
			if _, ok := ev.(events.DownloadComplete); ok {
				if _, err := r.announce(ctx, EventCompleted); err != nil && r.onError != nil {
					r.onError(err)
				}
				return
			}
		case <-ticker.C:
			resp, err := r.announce(ctx, EventRegular)
			if err != nil {
				if r.onError != nil {
					r.onError(err)
				}
				continue
			}
			if resp.IntervalSeconds > 0 {
				newInterval := time.Duration(resp.IntervalSeconds) * time.Second
				if newInterval != interval {
					interval = newInterval
					ticker.Reset(interval)
				}
			}
			r.onPeers(resp.Peers)
		}
	}
}
