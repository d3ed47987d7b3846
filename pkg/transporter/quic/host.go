package quic

import (
	"crypto/x509"
	"log/slog"
	"unique"
)

type Hostname string

type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

// HostnameResolver resolves the hostname of a peer from the certificates it
// presented. The hostname is expected to match the peer's node ID.
//
// Implementations MUST NOT block, they run on the connection establishment
// critical path. The message of a returned error is sent back to the peer so
// it can debug the rejection.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error)

// CommonNameResolver is the default resolver: the hostname is the x509
// Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve
	}

	return Hostname(certs[0].Subject.CommonName), nil
}

func (host Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}
