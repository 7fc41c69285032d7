// Package tracker implements the tracker collaborator (a synchronous
// announce → {interval, peers} abstraction), an HTTP implementation of it,
// and the Reporter component owning the announce cadence.
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/go-resty/resty/v2"
	"github.com/zeebo/bencode"
)

// Event identifies which announce is being made.
type Event int

const (
	EventStarted Event = iota
	EventRegular
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest is everything a Client needs to make one announce call.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// PeerAddr is one swarm member returned by the tracker.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

// Response is the tracker's reply to an announce.
type Response struct {
	IntervalSeconds int
	Peers           []PeerAddr
}

// Client is the synchronous tracker collaborator.
type Client interface {
	Announce(ctx context.Context, req AnnounceRequest) (Response, error)
}

// HTTPClient implements Client against a single HTTP(S) announce URL.
type HTTPClient struct {
	announceURL string
	http        *resty.Client
}

// NewHTTPClient builds an HTTPClient for a single announce URL.
func NewHTTPClient(announceURL string) *HTTPClient {
	return &HTTPClient{announceURL: announceURL, http: resty.New()}
}

type trackerResponse struct {
	FailureReason string             `bencode:"failure reason"`
	Interval      int64              `bencode:"interval"`
	Peers         bencode.RawMessage `bencode:"peers"`
}

type peerDict struct {
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
}

// Announce performs one HTTP GET against the announce URL and decodes the
// bencoded tracker response.
func (c *HTTPClient) Announce(ctx context.Context, req AnnounceRequest) (Response, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("info_hash", string(req.InfoHash[:])).
		SetQueryParam("peer_id", string(req.PeerID[:])).
		SetQueryParam("port", fmt.Sprintf("%d", req.Port)).
		SetQueryParam("uploaded", fmt.Sprintf("%d", req.Uploaded)).
		SetQueryParam("downloaded", fmt.Sprintf("%d", req.Downloaded)).
		SetQueryParam("left", fmt.Sprintf("%d", req.Left)).
		SetQueryParam("compact", "1").
		SetQueryParam("event", req.Event.String()).
		Get(c.announceURL)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: announce request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return Response{}, fmt.Errorf("tracker: announce status %d", resp.StatusCode())
	}

	var tr trackerResponse
	if err := bencode.NewDecoder(bytes.NewReader(resp.Body())).Decode(&tr); err != nil {
		return Response{}, fmt.Errorf("tracker: decode response: %w", err)
	}
	if tr.FailureReason != "" {
		return Response{}, fmt.Errorf("tracker: %s", tr.FailureReason)
	}

	peers, err := decodePeers(tr.Peers)
	if err != nil {
		return Response{}, err
	}
	return Response{IntervalSeconds: int(tr.Interval), Peers: peers}, nil
}

// decodePeers handles both the compact (packed 6-byte-per-peer string) and
// the non-compact (list of {ip, port} dicts) tracker reply formats.
func decodePeers(raw bencode.RawMessage) ([]PeerAddr, error) {
	var compact string
	if err := bencode.NewDecoder(bytes.NewReader(raw)).Decode(&compact); err == nil {
		return decodeCompactPeers(compact)
	}

	var dicts []peerDict
	if err := bencode.NewDecoder(bytes.NewReader(raw)).Decode(&dicts); err != nil {
		return nil, fmt.Errorf("tracker: decode peers: %w", err)
	}
	out := make([]PeerAddr, 0, len(dicts))
	for _, d := range dicts {
		out = append(out, PeerAddr{IP: net.ParseIP(d.IP), Port: uint16(d.Port)})
	}
	return out, nil
}

func decodeCompactPeers(s string) ([]PeerAddr, error) {
	if len(s)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(s))
	}
	out := make([]PeerAddr, 0, len(s)/6)
	for i := 0; i+6 <= len(s); i += 6 {
		ip := net.IPv4(s[i], s[i+1], s[i+2], s[i+3])
		port := uint16(s[i+4])<<8 | uint16(s[i+5])
		out = append(out, PeerAddr{IP: ip, Port: port})
	}
	return out, nil
}
