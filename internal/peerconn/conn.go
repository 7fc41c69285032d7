// Package peerconn owns the TCP byte stream to a single remote peer: the
// handshake exchange and a receive/send half split into independent
// goroutines.
package peerconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nullgrain/peersweep/internal/wire"
)

// HandshakeTimeout bounds how long a connection attempt may take to
// complete its handshake.
const HandshakeTimeout = 10 * time.Second

// Conn is an established, handshake-complete peer connection.
type Conn struct {
	conn     net.Conn
	PeerID   [20]byte
	messages chan wire.Message
	sendC    chan wire.Message

	closeC  chan struct{}
	closedC chan struct{}

	recv *receiver
	send *sender
}

// Dial opens a TCP connection to addr and performs the outgoing handshake.
// The whole operation (TCP connect + handshake) must finish within
// HandshakeTimeout or it fails with ErrTCPFailed.
func Dial(ctx context.Context, addr *net.TCPAddr, infoHash, peerID [20]byte) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	var d net.Dialer
	tcpConn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTCPFailed, err)
	}

	deadline, _ := ctx.Deadline()
	_ = tcpConn.SetDeadline(deadline)

	var hs wire.Handshake
	_, err = tcpConn.Write(wire.NewHandshake(infoHash, peerID).Encode())
	if err == nil {
		hs, err = wire.ReadHandshake(tcpConn, infoHash)
	}
	if err != nil {
		tcpConn.Close()
		kind := ErrHandshakeFailed
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = ErrTCPFailed
		}
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	_ = tcpConn.SetDeadline(time.Time{})

	return newConn(tcpConn, hs.PeerID), nil
}

// Accept performs the incoming side of the handshake over an already
// connected net.Conn (e.g. from net.Listener.Accept).
func Accept(conn net.Conn, infoHash, peerID [20]byte) (*Conn, error) {
	_ = conn.SetDeadline(time.Now().Add(HandshakeTimeout))

	hs, err := wire.ReadHandshake(conn, infoHash)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if _, err := conn.Write(wire.NewHandshake(infoHash, peerID).Encode()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newConn(conn, hs.PeerID), nil
}

func newConn(nc net.Conn, remoteID [20]byte) *Conn {
	c := &Conn{
		conn:     nc,
		PeerID:   remoteID,
		messages: make(chan wire.Message, 256),
		sendC:    make(chan wire.Message, 256),
		closeC:   make(chan struct{}),
		closedC:  make(chan struct{}),
	}
	c.recv = newReceiver(nc, c.messages)
	c.send = newSender(nc, c.sendC)
	go c.run()
	return c
}

// run drives the receive and send halves until either exits or Close is
// called; whichever happens first tears the socket down and the other half
// follows.
func (c *Conn) run() {
	defer close(c.closedC)

	// stopC releases whichever half is still running once the other has
	// exited or Close has been called.
	stopC := make(chan struct{})

	readerDone := make(chan struct{})
	go func() {
		c.recv.run(stopC)
		close(c.messages)
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		c.send.run(stopC)
		close(writerDone)
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	close(stopC)
	c.conn.Close()
	<-readerDone
	<-writerDone
}

// Messages returns the channel of decoded inbound messages. It is closed
// (by range exhaustion) only once the connection itself has been torn down;
// callers should instead watch Done() for early termination detection.
func (c *Conn) Messages() <-chan wire.Message {
	return c.messages
}

// Err returns the error that caused the connection to end, if any. Only
// meaningful after Done() is closed.
func (c *Conn) Err() error {
	if c.recv.err != nil {
		return c.recv.err
	}
	return c.send.err
}

// Done returns a channel closed once the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closedC
}

// Send queues a message for the write half. It never blocks the caller for
// longer than the send buffer allows; a full buffer indicates the peer is
// not draining fast enough and the caller should treat the connection as
// unhealthy via Done()/Err() on eventual timeout elsewhere.
func (c *Conn) Send(m wire.Message) {
	select {
	case c.sendC <- m:
	case <-c.closeC:
	}
}

// Close tears down the connection and waits for both halves to exit.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// IP returns the remote IPv4 address as a string.
func (c *Conn) IP() string {
	if tcpAddr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return c.conn.RemoteAddr().String()
}

// Addr returns the remote address.
func (c *Conn) Addr() net.Addr {
	return c.conn.RemoteAddr()
}
