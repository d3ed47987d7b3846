package quic

import (
	"errors"
	"fmt"

	quicgo "github.com/quic-go/quic-go"
)

var (
	ErrBufferSize        = errors.New("quic: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("quic: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("quic: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("quic: UDP listener not available")
	ErrAdvertiseAddr     = errors.New("quic: no usable advertise address")
	ErrShutdown          = errors.New("quic: shutting down")
	ErrStreamWrite       = errors.New("quic: error writing to a stream")
	ErrProtocolViolation = errors.New("quic: protocol violation")
	ErrNoTLSConfig       = errors.New("quic: TLSConfig is required")
)

var (
	QErrStreamProtocolViolation = quicgo.StreamErrorCode(0xFF)
)

var (
	QErrInternal = ApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = ApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = ApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = ApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

// ApplicationError is a QUIC connection close reason understood by peers.
type ApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr ApplicationError) Close(conn quicgo.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quicgo.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
