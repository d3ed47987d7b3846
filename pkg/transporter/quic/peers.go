package quic

import (
	"log/slog"
	"unique"

	quicgo "github.com/quic-go/quic-go"
)

// peerConn is one live QUIC connection to a peer. A peer may briefly hold
// several when both sides dial at the same time.
type peerConn struct {
	quicgo.Connection

	// drain is closed to ask the streams of the connection to close.
	drain chan struct{}
}

func (pc peerConn) alive() bool {
	return pc.Context().Err() == nil
}

// peerBook indexes peers by the address they dial from and by the name their
// certificate resolves to. Callers hold the Transport's `lk`.
type peerBook struct {
	byAddr map[string]unique.Handle[Hostname]
	hosts  map[unique.Handle[Hostname]]Host
	conns  map[unique.Handle[Hostname]][]peerConn
}

func newPeerBook() peerBook {
	return peerBook{
		byAddr: make(map[string]unique.Handle[Hostname]),
		hosts:  make(map[unique.Handle[Hostname]]Host),
		conns:  make(map[unique.Handle[Hostname]][]peerConn),
	}
}

// live returns the first usable connection to name.
func (pb *peerBook) live(name unique.Handle[Hostname]) (peerConn, bool) {
	for _, pc := range pb.conns[name] {
		if pc.alive() {
			return pc, true
		}
	}
	return peerConn{}, false
}

// prune drops the closed connections of name and returns the others.
func (pb *peerBook) prune(name unique.Handle[Hostname]) []peerConn {
	var kept []peerConn
	for _, pc := range pb.conns[name] {
		if pc.alive() {
			kept = append(kept, pc)
		}
	}
	if len(kept) == 0 {
		delete(pb.conns, name)
		return nil
	}
	pb.conns[name] = kept
	return kept
}

// bookResult tells the Transport what happened while recording a peer.
type bookResult struct {
	renamedFrom string
	conflicts   []peerConn
	discovered  bool
}

// record adds pc, reached at host, to the book.
func (pb *peerBook) record(peer string, host Host, pc peerConn) bookResult {
	var res bookResult

	if prev, known := pb.byAddr[peer]; !known {
		res.discovered = true
	} else if prev != host.Name {
		res.renamedFrom = string(prev.Value())
		if moved, ok := pb.conns[prev]; ok {
			delete(pb.conns, prev)
			pb.conns[host.Name] = moved
		}
	}
	pb.byAddr[peer] = host.Name

	// The same name from another endpoint means the node moved, unless its
	// old connections are still up, in which case two nodes share a name.
	if old, ok := pb.hosts[host.Name]; ok && (old.Addr != host.Addr || old.Port != host.Port) {
		if still := pb.prune(host.Name); len(still) > 0 {
			res.conflicts = still
			delete(pb.conns, host.Name)
		}
	}
	pb.hosts[host.Name] = host

	pb.conns[host.Name] = append(pb.prune(host.Name), pc)
	return res
}

func (pb *peerBook) each(fn func(peerConn)) {
	for _, conns := range pb.conns {
		for _, pc := range conns {
			fn(pc)
		}
	}
}

func (pb *peerBook) snapshot() map[Hostname]Host {
	out := make(map[Hostname]Host, len(pb.hosts))
	for name, host := range pb.hosts {
		out[name.Value()] = host
	}
	return out
}

func logPeer(logger *slog.Logger, host Host) *slog.Logger {
	return logger.With(slog.Any("peer", host))
}
