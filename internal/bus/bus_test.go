package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nullgrain/peersweep/internal/events"
	"github.com/nullgrain/peersweep/internal/layout"
	"github.com/nullgrain/peersweep/internal/peer"
	"github.com/nullgrain/peersweep/internal/peerconn"
	"github.com/nullgrain/peersweep/internal/tracker"
)

type noopClient struct{}

func (noopClient) Announce(context.Context, tracker.AnnounceRequest) (tracker.Response, error) {
	return tracker.Response{IntervalSeconds: 3600}, nil
}

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	tor, err := layout.New(layout.BlockSize, layout.BlockSize, [][20]byte{{}})
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	c, err := New(tor, t.TempDir()+"/out.bin", [20]byte{1}, [20]byte{2}, 6882, noopClient{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func connPair(t *testing.T) (local, remote *peerconn.Conn) {
	t.Helper()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	infoHash := [20]byte{1}
	remoteC := make(chan *peerconn.Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		c, err := peerconn.Accept(nc, infoHash, [20]byte{9})
		if err == nil {
			remoteC <- c
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	local, err = peerconn.Dial(context.Background(), addr, infoHash, [20]byte{8})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case remote = <-remoteC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remote accept")
	}
	t.Cleanup(func() { local.Close(); remote.Close() })
	return local, remote
}

func (c *Coordinator) registerTestSession(idx int, s *peer.Session) {
	c.mu.Lock()
	c.sessions[idx] = s
	c.mu.Unlock()
}

func TestBlockStoredBroadcastsToEverySession(t *testing.T) {
	c := testCoordinator(t)
	local, _ := connPair(t)
	sess := peer.New(0, local, nil, c.picker, c.tor, c.ownBitfield, func(any) {})
	c.registerTestSession(0, sess)

	loc := layout.Locator{Piece: 0, Offset: 0, Length: layout.BlockSize}
	c.dispatch(events.BlockStored{Locator: loc})

	select {
	case e := <-sess.Inbox():
		if bs, ok := e.(events.BlockStored); !ok || bs.Locator != loc {
			t.Fatalf("got %#v, want BlockStored(%+v)", e, loc)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not receive broadcast BlockStored")
	}
}

func TestChokePeerRoutesOnlyToTargetedSession(t *testing.T) {
	c := testCoordinator(t)
	local0, _ := connPair(t)
	local1, _ := connPair(t)
	sess0 := peer.New(0, local0, nil, c.picker, c.tor, c.ownBitfield, func(any) {})
	sess1 := peer.New(1, local1, nil, c.picker, c.tor, c.ownBitfield, func(any) {})
	c.registerTestSession(0, sess0)
	c.registerTestSession(1, sess1)

	c.dispatch(events.ChokePeer{TransferIdx: 1})

	select {
	case e := <-sess1.Inbox():
		if _, ok := e.(events.ChokePeer); !ok {
			t.Fatalf("got %#v, want ChokePeer", e)
		}
	case <-time.After(time.Second):
		t.Fatal("targeted session did not receive ChokePeer")
	}

	select {
	case e := <-sess0.Inbox():
		t.Fatalf("untargeted session unexpectedly received %#v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDownloadCompleteEndsDispatchLoopAndNotifiesReporter(t *testing.T) {
	c := testCoordinator(t)
	if complete := c.dispatch(events.DownloadComplete{}); !complete {
		t.Fatal("dispatch(DownloadComplete) should report completion")
	}
	select {
	case ev := <-c.reporterInbox:
		if _, ok := ev.(events.DownloadComplete); !ok {
			t.Fatalf("reporter inbox got %#v, want DownloadComplete", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("reporter inbox did not receive DownloadComplete")
	}
}

func TestOnTrackerPeersDedupsByIP(t *testing.T) {
	c := testCoordinator(t)
	c.mu.Lock()
	c.dialed["127.0.0.1"] = true
	c.mu.Unlock()

	// A peer whose IP was already dialed must not be re-marked or re-dialed;
	// the dial itself is best-effort/async so we only assert the dedup set
	// is unaffected by a duplicate sighting.
	c.onTrackerPeers([]tracker.PeerAddr{{IP: net.ParseIP("127.0.0.1"), Port: 6882}})

	c.mu.Lock()
	n := len(c.dialed)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("dialed set size = %d, want 1 (no duplicate entries)", n)
	}
}
