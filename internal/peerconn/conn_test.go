package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nullgrain/peersweep/internal/wire"
)

func listenLocal(t *testing.T) *net.TCPListener {
	t.Helper()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	return l
}

func TestDialAcceptHandshakeAndMessages(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	serverID := [20]byte{7, 7, 7}
	clientID := [20]byte{9, 9, 9}

	l := listenLocal(t)
	defer l.Close()

	serverConnC := make(chan *Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		sc, err := Accept(nc, infoHash, serverID)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		serverConnC <- sc
	}()

	addr := l.Addr().(*net.TCPAddr)
	clientConn, err := Dial(context.Background(), addr, infoHash, clientID)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side accept")
	}
	defer serverConn.Close()

	if clientConn.PeerID != serverID {
		t.Fatalf("clientConn.PeerID = %x, want %x", clientConn.PeerID, serverID)
	}
	if serverConn.PeerID != clientID {
		t.Fatalf("serverConn.PeerID = %x, want %x", serverConn.PeerID, clientID)
	}

	clientConn.Send(wire.Interested{})
	select {
	case msg := <-serverConn.Messages():
		if _, ok := msg.(wire.Interested); !ok {
			t.Fatalf("got %#v, want Interested", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestDialInfoHashMismatch(t *testing.T) {
	l := listenLocal(t)
	defer l.Close()

	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		// server expects a different info hash
		Accept(nc, [20]byte{0xff}, [20]byte{1})
	}()

	addr := l.Addr().(*net.TCPAddr)
	_, err := Dial(context.Background(), addr, [20]byte{0xaa}, [20]byte{2})
	if err == nil {
		t.Fatal("expected handshake failure on info hash mismatch")
	}
}

func TestConnCloseIsIdempotentAndUnblocksMessages(t *testing.T) {
	infoHash := [20]byte{1}
	l := listenLocal(t)
	defer l.Close()

	serverConnC := make(chan *Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		sc, err := Accept(nc, infoHash, [20]byte{2})
		if err == nil {
			serverConnC <- sc
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	clientConn, err := Dial(context.Background(), addr, infoHash, [20]byte{3})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverConn := <-serverConnC

	serverConn.Close()
	select {
	case <-clientConn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected client connection to observe server close")
	}
	select {
	case _, ok := <-clientConn.Messages():
		if ok {
			t.Fatal("expected Messages() to be closed after teardown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Messages() still blocks after teardown")
	}

	clientConn.Close()
	clientConn.Close() // idempotent
}
