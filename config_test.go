package fraisewire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConnectionConfigDefaults(t *testing.T) {
	cfg := NewConnectionConfig("mydb", "alice")
	require.Equal(t, "mydb", cfg.Database)
	require.Equal(t, "alice", cfg.User)
	require.Equal(t, SslDisable, cfg.SslMode)
}

func TestNewConnectionConfigDefaultsUserToLoginName(t *testing.T) {
	cfg := NewConnectionConfig("mydb", "")
	require.NotEmpty(t, cfg.User)
}

func TestConfigOptionsApply(t *testing.T) {
	cfg := NewConnectionConfig("mydb", "alice",
		WithPassword("secret"),
		WithApplicationName("myapp"),
		WithSslMode(SslVerifyFull),
		WithExtraParam("timezone", "UTC"),
	)
	require.Equal(t, "secret", cfg.Password)
	require.Equal(t, "myapp", cfg.ApplicationName)
	require.Equal(t, SslVerifyFull, cfg.SslMode)
	require.Contains(t, cfg.ExtraParams, [2]string{"timezone", "UTC"})
}

func TestStartupParamsOrdering(t *testing.T) {
	cfg := NewConnectionConfig("mydb", "alice", WithApplicationName("myapp"))
	params := cfg.startupParams()
	require.Equal(t, "user", params[0][0])
	require.Equal(t, "database", params[1][0])
}

func TestNewTlsConfigDefaults(t *testing.T) {
	tlsCfg, err := NewTlsConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
}

func TestTlsConfigCloneIsIndependent(t *testing.T) {
	orig, err := NewTlsConfig()
	require.NoError(t, err)
	clone := orig.Clone()
	clone.InsecureSkipVerifyDanger = true
	require.False(t, orig.InsecureSkipVerifyDanger, "expected Clone to not mutate the original")
}

func TestStdTLSConfigRequireModeSkipsVerification(t *testing.T) {
	tlsCfg, err := NewTlsConfig()
	require.NoError(t, err)
	std := tlsCfg.stdTLSConfig("example.com", SslRequire)
	require.True(t, std.InsecureSkipVerify, "expected sslmode=require to skip certificate verification")
}

func TestStdTLSConfigVerifyFullKeepsVerification(t *testing.T) {
	tlsCfg, err := NewTlsConfig()
	require.NoError(t, err)
	std := tlsCfg.stdTLSConfig("example.com", SslVerifyFull)
	require.False(t, std.InsecureSkipVerify, "expected sslmode=verify-full to keep certificate verification enabled")
	require.Equal(t, "example.com", std.ServerName)
}

func TestDefaultStreamingOptions(t *testing.T) {
	opts := DefaultStreamingOptions()
	require.Equal(t, 256, opts.ChunkSize)
	require.True(t, opts.EnableAdaptiveChunking)
	require.Equal(t, 16, opts.AdaptiveMinSize)
	require.Equal(t, 1024, opts.AdaptiveMaxSize)
}
