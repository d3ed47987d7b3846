package quic

import (
	"net"

	quicgo "github.com/quic-go/quic-go"
)

// streamModeGossip is the first byte of every stream. Peers reject streams
// starting with anything else.
const streamModeGossip byte = 0x01

// streamWrapper turns a QUIC stream into the net.Conn memberlist expects.
// quic-go serialises Read, Write and Close on a stream internally.
type streamWrapper struct {
	quicgo.Stream
	local, remote net.Addr
}

// wrapStream binds stream to its connection and closes it when pc drains.
func wrapStream(pc peerConn, stream quicgo.Stream) *streamWrapper {
	sw := &streamWrapper{
		Stream: stream,
		local:  pc.LocalAddr(),
		remote: pc.RemoteAddr(),
	}
	go func() {
		select {
		case <-stream.Context().Done():
		case <-pc.drain:
			stream.Close()
		}
	}()
	return sw
}

func (sw *streamWrapper) LocalAddr() net.Addr  { return sw.local }
func (sw *streamWrapper) RemoteAddr() net.Addr { return sw.remote }
