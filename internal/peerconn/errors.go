package peerconn

import "errors"

// Error classification for connection-level failures.
var (
	ErrTCPFailed       = errors.New("peerconn: tcp connect failed")
	ErrHandshakeFailed = errors.New("peerconn: handshake failed")
	ErrSocketClosed    = errors.New("peerconn: socket closed")
	ErrIO              = errors.New("peerconn: io error")
	ErrSendFailed      = errors.New("peerconn: send failed")
)
