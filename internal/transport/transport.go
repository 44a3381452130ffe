// Package transport implements the byte-level I/O layer: TCP or Unix-domain
// connect, in-place plain→TLS upgrade after the SSLRequest probe, and
// tls-server-end-point channel-binding material.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"
)

// Transport is the byte-level I/O surface a Connection drives. A single
// connection owns exactly one Transport at a time (spec §5 ownership rules).
type Transport interface {
	net.Conn
	// UpgradeToTLS performs the TLS handshake with SNI set to hostname,
	// returning a new Transport. Only valid on a plain TCP transport;
	// attempting this on TLS or Unix transports returns a plain error that
	// carries no fraisewire error kind (Conn reports any upgrade failure as
	// an IO error).
	UpgradeToTLS(cfg *tls.Config, hostname string) (Transport, error)
	// ChannelBindingData returns SHA-256(DER(server leaf cert)) on TLS
	// transports, or nil otherwise (spec §4.1, §4.3).
	ChannelBindingData() []byte
}

// ConnectTCP dials a plain TCP connection with the given timeout.
func ConnectTCP(ctx context.Context, host string, port int, timeout time.Duration) (Transport, error) {
	if err := ValidateHostname(host); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}
	return &tcpTransport{Conn: conn}, nil
}

// ConnectUnix dials a Unix-domain socket.
func ConnectUnix(ctx context.Context, path string, timeout time.Duration) (Transport, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to unix socket %s: %w", path, err)
	}
	return &unixTransport{Conn: conn}, nil
}

// tcpTransport wraps a plain net.Conn dialed over TCP.
type tcpTransport struct {
	net.Conn
}

func (t *tcpTransport) UpgradeToTLS(cfg *tls.Config, hostname string) (Transport, error) {
	c := cfg.Clone()
	if c.ServerName == "" {
		c.ServerName = hostname
	}
	tlsConn := tls.Client(t.Conn, c)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return &tlsTransport{Conn: tlsConn, inner: tlsConn}, nil
}

func (t *tcpTransport) ChannelBindingData() []byte { return nil }

// unixTransport wraps a Unix-domain socket connection. Upgrading it to TLS
// always fails with a plain error; Unix transports never carry channel
// binding.
type unixTransport struct {
	net.Conn
}

func (t *unixTransport) UpgradeToTLS(*tls.Config, string) (Transport, error) {
	return nil, fmt.Errorf("fraisewire: cannot upgrade a unix-domain transport to TLS")
}

func (t *unixTransport) ChannelBindingData() []byte { return nil }

// tlsTransport wraps an established TLS connection.
type tlsTransport struct {
	net.Conn
	inner *tls.Conn

	bindingOnce []byte
}

func (t *tlsTransport) UpgradeToTLS(*tls.Config, string) (Transport, error) {
	return nil, fmt.Errorf("fraisewire: transport is already TLS")
}

// ChannelBindingData returns SHA-256 of the server leaf certificate's DER
// encoding, the tls-server-end-point binding data RFC 5929/5802 describe.
func (t *tlsTransport) ChannelBindingData() []byte {
	if t.bindingOnce != nil {
		return t.bindingOnce
	}
	state := t.inner.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	leaf := state.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)
	t.bindingOnce = sum[:]
	return t.bindingOnce
}

// ValidateHostname rejects empty, overlong, or malformed hostnames and
// strips a single trailing dot. See spec §4.1.
func ValidateHostname(host string) error {
	if host == "" {
		return fmt.Errorf("fraisewire: empty hostname")
	}
	h := strings.TrimSuffix(host, ".")
	if len(h) > 253 {
		return fmt.Errorf("fraisewire: hostname exceeds 253 characters")
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '.':
		default:
			return fmt.Errorf("fraisewire: hostname contains invalid character %q", r)
		}
	}
	return nil
}

// NewTrustedCertPool is a small helper so callers building a *tls.Config
// don't need to import crypto/x509 themselves just to get the system roots.
func NewTrustedCertPool() (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	return pool, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
