package quic

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
)

// readDatagrams forwards the gossip packets of pc to memberlist until the
// connection or the transport closes.
func (t *Transport) readDatagrams(pc peerConn, logger *slog.Logger) {
	defer t.wg.Done()
	ctx := pc.Context()
	from := pc.RemoteAddr()
	peer := LabelPeerAddr.M(from.String())

	for {
		buf, err := pc.ReceiveDatagram(ctx)
		received := time.Now()
		if t.closing.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("error reading datagram", LabelError.L(err))
			t.count(MetricDatagramInErrorCount, 1, "unknown", peer)
			continue
		}
		if len(buf) == 0 {
			t.count(MetricDatagramInErrorCount, 1, "too_small", peer)
			continue
		}

		t.count(MetricDatagramInBytes, float32(len(buf)), "", peer)
		select {
		case t.packets <- &memberlist.Packet{Buf: buf, From: from, Timestamp: received}:
		case <-t.done:
			return
		}
	}
}

// acceptStreams hands the streams opened by the peer to memberlist once they
// passed the mode handshake.
func (t *Transport) acceptStreams(pc peerConn, logger *slog.Logger) {
	defer t.wg.Done()
	ctx := pc.Context()
	peer := LabelPeerAddr.M(pc.RemoteAddr().String())

	for {
		stream, err := pc.AcceptStream(ctx)
		if t.closing.Load() {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			t.count(MetricStreamEstInErrorCount, 1, "unknown", peer)
			continue
		}

		conn := wrapStream(pc, stream)
		t.wg.Add(1)
		go t.handshake(conn, logger.With(LabelStreamID.L(int64(stream.StreamID()))))
	}
}

func (t *Transport) handshake(conn *streamWrapper, logger *slog.Logger) {
	defer t.wg.Done()
	label := LabelPeerAddr.M(conn.RemoteAddr().String())

	reject := func(reason string, attrs ...any) {
		logger.Warn("rejecting stream", append(attrs, slog.String("reason", reason))...)
		conn.CancelRead(QErrStreamProtocolViolation)
		conn.CancelWrite(QErrStreamProtocolViolation)
		t.count(MetricStreamEstInErrorCount, 1, reason, label)
	}

	conn.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	var mode [1]byte
	_, err := io.ReadFull(conn, mode[:])
	if t.closing.Load() {
		return
	}
	if err != nil {
		reject("no_init_frame", LabelError.L(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if mode[0] != streamModeGossip {
		reject("protocol_violation", slog.Int("mode", int(mode[0])))
		return
	}

	t.count(MetricStreamEstInCount, 1, "", label)
	select {
	case t.streams <- conn:
	case <-t.done:
		conn.Close()
	}
}
