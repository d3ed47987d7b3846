package gossip

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
)

// events turns memberlist membership changes into logs and OnPeerLeft
// notifications. A graceful leaver sent its DISCONNECT before leaving, so by
// the time the notification is dispatched the node is already offline and
// the notification is a no-op.
type events struct {
	t      *Transporter
	logger *slog.Logger
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.String("peer_name", node.Name),
		slog.String("peer_addr", node.Address()),
	)
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer joined cluster")
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer left cluster")
	name := node.Name
	e.t.inbox.Push(func() { e.t.peerLeft(name) })
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	withLogNode(e.logger, node).Debug("peer updated")
}
