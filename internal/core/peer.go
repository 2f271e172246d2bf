package core

import (
	"io"
	"sync"

	"github.com/vforte/gruppo/internal/proto"
)

// Peer is the owned write side of one client connection. Direct
// responses come from the connection's own worker while fan-out writes
// arrive from other workers, so every write is serialized here.
type Peer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPeer wraps the write side of a connection.
func NewPeer(w io.Writer) *Peer {
	return &Peer{w: w}
}

// Send encodes the response and writes it as one wire line. Concurrent
// senders never interleave partial lines.
func (p *Peer) Send(resp *proto.Response) error {
	line, err := proto.EncodeResponse(resp)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(line)
	return err
}
