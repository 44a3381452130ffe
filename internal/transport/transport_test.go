package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateHostnameAcceptsOrdinaryNames(t *testing.T) {
	for _, host := range []string{"localhost", "db.internal.example.com", "db-1", "10.0.0.5", "a.b.c."} {
		require.NoError(t, ValidateHostname(host), "ValidateHostname(%q)", host)
	}
}

func TestValidateHostnameRejectsEmpty(t *testing.T) {
	require.Error(t, ValidateHostname(""), "expected error for empty hostname")
}

func TestValidateHostnameRejectsOverlong(t *testing.T) {
	long := strings.Repeat("a", 254)
	require.Error(t, ValidateHostname(long), "expected error for hostname over 253 characters")
}

func TestValidateHostnameRejectsInvalidCharacters(t *testing.T) {
	for _, host := range []string{"db/host", "db host", "db;DROP TABLE", "db\x00name"} {
		require.Error(t, ValidateHostname(host), "ValidateHostname(%q)", host)
	}
}

func TestConnectTCPRejectsBadHostnameBeforeDialing(t *testing.T) {
	_, err := ConnectTCP(context.Background(), "bad host", 5432, time.Second)
	require.Error(t, err, "expected error for invalid hostname")
}

func TestUnixTransportUpgradeToTLSFails(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	ut := &unixTransport{Conn: client}
	_, err := ut.UpgradeToTLS(&tls.Config{}, "irrelevant")
	require.Error(t, err, "expected UpgradeToTLS on a unix transport to fail")
	require.Nil(t, ut.ChannelBindingData(), "expected unix transport to report no channel binding data")
}

func TestTLSTransportUpgradeToTLSFails(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	tt := &tlsTransport{Conn: client}
	_, err := tt.UpgradeToTLS(&tls.Config{}, "irrelevant")
	require.Error(t, err, "expected UpgradeToTLS on an already-TLS transport to fail")
}

func TestTCPTransportChannelBindingDataIsNil(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	tr := &tcpTransport{Conn: client}
	require.Nil(t, tr.ChannelBindingData(), "expected plain TCP transport to report no channel binding data")
}

func TestNewTrustedCertPoolNeverReturnsNilPool(t *testing.T) {
	pool, err := NewTrustedCertPool()
	require.NoError(t, err)
	require.NotNil(t, pool, "expected a non-nil cert pool even when the system pool is unavailable")
}

func TestConnectUnixFailsOnNonexistentSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ConnectUnix(ctx, "/nonexistent/path/to/socket", 50*time.Millisecond)
	require.Error(t, err, "expected error connecting to a nonexistent unix socket")
}
