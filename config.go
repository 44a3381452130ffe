package fraisewire

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"time"
)

// SslMode selects how a connection negotiates TLS. See spec §3.
type SslMode int

const (
	// SslDisable forbids TLS negotiation entirely.
	SslDisable SslMode = iota
	// SslRequire requires TLS but performs no certificate validation.
	SslRequire
	// SslVerifyCa requires TLS and validates the server certificate against a CA.
	SslVerifyCa
	// SslVerifyFull requires TLS, CA validation, and a hostname match.
	SslVerifyFull
)

func (m SslMode) String() string {
	switch m {
	case SslDisable:
		return "disable"
	case SslRequire:
		return "require"
	case SslVerifyCa:
		return "verify-ca"
	case SslVerifyFull:
		return "verify-full"
	default:
		return "unknown"
	}
}

// TlsConfig is a compiled, immutable trust configuration shareable across
// connections. Build one with NewTlsConfig.
type TlsConfig struct {
	rootCAs            *x509.CertPool
	verifyHostname      bool
	clientCert           *tls.Certificate
	preferChannelBinding bool

	// InsecureSkipVerifyDanger disables all certificate validation. Test use only.
	InsecureSkipVerifyDanger bool
	// InsecureAcceptInvalidCertsForTestingDanger accepts expired or otherwise
	// invalid certificates while still requiring the handshake to complete.
	// Test use only.
	InsecureAcceptInvalidCertsForTestingDanger bool
}

// TlsOption configures a TlsConfig built by NewTlsConfig.
type TlsOption func(*TlsConfig)

// WithCARootsPEM loads a custom CA bundle instead of the system trust store.
func WithCARootsPEM(pem []byte) TlsOption {
	return func(c *TlsConfig) {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(pem) {
			c.rootCAs = pool
		}
	}
}

// WithHostnameVerification enables (verify-full) or disables hostname matching.
func WithHostnameVerification(enabled bool) TlsOption {
	return func(c *TlsConfig) { c.verifyHostname = enabled }
}

// WithClientCertificate configures mTLS using a client cert/key pair.
func WithClientCertificate(cert tls.Certificate) TlsOption {
	return func(c *TlsConfig) { c.clientCert = &cert }
}

// WithTlsPreferChannelBinding selects SCRAM-SHA-256-PLUS over SCRAM-SHA-256
// when the server offers both and the transport is TLS. See spec §9.
func WithTlsPreferChannelBinding(enabled bool) TlsOption {
	return func(c *TlsConfig) { c.preferChannelBinding = enabled }
}

// NewTlsConfig builds a TlsConfig from the system CA roots by default.
func NewTlsConfig(opts ...TlsOption) (*TlsConfig, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	c := &TlsConfig{rootCAs: pool, verifyHostname: true}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Clone returns a shallow copy safe to hand to a second connection; the
// underlying cert pool and client cert are shared (both are read-only after
// construction).
func (c *TlsConfig) Clone() *TlsConfig {
	cp := *c
	return &cp
}

func (c *TlsConfig) stdTLSConfig(hostname string, mode SslMode) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    c.rootCAs,
		ServerName: hostname,
	}
	if c.clientCert != nil {
		cfg.Certificates = []tls.Certificate{*c.clientCert}
	}
	if c.InsecureSkipVerifyDanger || mode == SslRequire {
		cfg.InsecureSkipVerify = true
	}
	if c.InsecureAcceptInvalidCertsForTestingDanger {
		cfg.InsecureSkipVerify = true
	}
	if !c.verifyHostname && !cfg.InsecureSkipVerify && (mode == SslVerifyCa || mode == SslVerifyFull) {
		// Skip crypto/tls's built-in check (which always includes the
		// hostname) and verify the chain against the trust store only.
		roots := c.rootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return newErr(KindConfig, "server presented no certificate")
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, ic := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(ic)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}
	return cfg
}

// ConnectionConfig describes how to establish and authenticate a connection.
// Immutable after NewConnectionConfig returns.
type ConnectionConfig struct {
	Database string
	User     string
	Password string

	ExtraParams [][2]string

	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	KeepAlive        time.Duration

	ApplicationName   string
	ExtraFloatDigits  *int
	SslMode           SslMode

	PreferChannelBindingAuth bool

	// Logger receives lifecycle events (connect, TLS negotiation, auth,
	// stream start/finish). Defaults to slog.Default() when nil; library
	// code never calls log.Fatal or otherwise controls process lifetime.
	Logger *slog.Logger
}

// ConfigOption configures a ConnectionConfig built by NewConnectionConfig.
type ConfigOption func(*ConnectionConfig)

// WithPassword sets the password used for cleartext/SCRAM authentication.
func WithPassword(password string) ConfigOption {
	return func(c *ConnectionConfig) { c.Password = password }
}

// WithExtraParam adds an additional startup parameter, sent after the fixed
// parameters in the order added.
func WithExtraParam(key, value string) ConfigOption {
	return func(c *ConnectionConfig) { c.ExtraParams = append(c.ExtraParams, [2]string{key, value}) }
}

// WithConnectTimeout bounds the initial TCP connect.
func WithConnectTimeout(d time.Duration) ConfigOption {
	return func(c *ConnectionConfig) { c.ConnectTimeout = d }
}

// WithStatementTimeout forwards statement_timeout (milliseconds) as a startup parameter.
func WithStatementTimeout(d time.Duration) ConfigOption {
	return func(c *ConnectionConfig) { c.StatementTimeout = d }
}

// WithKeepAlive records a TCP keepalive interval in the config. Connect does
// not apply it to the socket; the dialer's default keepalive is used.
func WithKeepAlive(d time.Duration) ConfigOption {
	return func(c *ConnectionConfig) { c.KeepAlive = d }
}

// WithApplicationName sets application_name.
func WithApplicationName(name string) ConfigOption {
	return func(c *ConnectionConfig) { c.ApplicationName = name }
}

// WithExtraFloatDigits sets extra_float_digits.
func WithExtraFloatDigits(n int) ConfigOption {
	return func(c *ConnectionConfig) { c.ExtraFloatDigits = &n }
}

// WithSslMode sets the requested TLS negotiation mode.
func WithSslMode(mode SslMode) ConfigOption {
	return func(c *ConnectionConfig) { c.SslMode = mode }
}

// WithPreferChannelBindingAuth selects SCRAM-SHA-256-PLUS over plain
// SCRAM-SHA-256 when available. See spec §9.
func WithPreferChannelBindingAuth(enabled bool) ConfigOption {
	return func(c *ConnectionConfig) { c.PreferChannelBindingAuth = enabled }
}

// WithLogger sets the logger used for connection/stream lifecycle events.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *ConnectionConfig) { c.Logger = logger }
}

// NewConnectionConfig builds an immutable ConnectionConfig. User defaults to
// the OS login name if empty, matching the connection-string grammar default
// (spec §6).
func NewConnectionConfig(database, user string, opts ...ConfigOption) *ConnectionConfig {
	if user == "" {
		user = osLoginName()
	}
	c := &ConnectionConfig{
		Database: database,
		User:     user,
		SslMode:  SslDisable,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func osLoginName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// startupParams builds the ordered key/value pairs sent in the Startup
// message: fixed parameters first, then user-supplied ones (spec §4.4).
func (c *ConnectionConfig) startupParams() [][2]string {
	params := [][2]string{
		{"user", c.User},
		{"database", c.Database},
	}
	if c.ApplicationName != "" {
		params = append(params, [2]string{"application_name", c.ApplicationName})
	}
	if c.StatementTimeout > 0 {
		params = append(params, [2]string{"statement_timeout", itoa(int(c.StatementTimeout.Milliseconds()))})
	}
	if c.ExtraFloatDigits != nil {
		params = append(params, [2]string{"extra_float_digits", itoa(*c.ExtraFloatDigits)})
	}
	params = append(params, c.ExtraParams...)
	return params
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
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

// StreamingOptions configures a StreamQuery call. See spec §3.
type StreamingOptions struct {
	ChunkSize int

	MaxMemory *int64

	SoftLimitWarnThreshold *float64
	SoftLimitFailThreshold *float64

	EnableAdaptiveChunking bool
	AdaptiveMinSize        int
	AdaptiveMaxSize        int

	PauseTimeout *time.Duration
}

// DefaultStreamingOptions returns the default chunking/memory configuration:
// chunk size 256, adaptive chunking enabled with bounds [16, 1024], no
// memory limit.
func DefaultStreamingOptions() StreamingOptions {
	return StreamingOptions{
		ChunkSize:              256,
		EnableAdaptiveChunking: true,
		AdaptiveMinSize:        defaultMinChunkSize,
		AdaptiveMaxSize:        defaultMaxChunkSize,
	}
}
