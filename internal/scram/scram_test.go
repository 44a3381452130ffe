package scram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// serverFixture is a minimal, deterministic SCRAM-SHA-256 server used to
// drive the client through a full exchange without a real backend.
type serverFixture struct {
	password   string
	salt       []byte
	iterations int
	nonceExtra string // server-contributed nonce suffix

	clientNonce string
	serverFirst string
}

func newServerFixture(password string) *serverFixture {
	return &serverFixture{
		password:   password,
		salt:       []byte("fixedsaltforsituationsrequiring"),
		iterations: 4096,
		nonceExtra: "serverextra1234",
	}
}

func (s *serverFixture) handleClientFirst(clientFirstWithoutHeader string) []byte {
	for _, part := range strings.Split(clientFirstWithoutHeader, ",") {
		if strings.HasPrefix(part, "r=") {
			s.clientNonce = part[2:]
		}
	}
	combined := s.clientNonce + s.nonceExtra
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", combined, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return []byte(s.serverFirst)
}

func (s *serverFixture) handleClientFinal(clientFirstBare string, clientFinal []byte) ([]byte, error) {
	parts := strings.Split(string(clientFinal), ",")
	var cBinding, rNonce, pProof string
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "c="):
			cBinding = p[2:]
		case strings.HasPrefix(p, "r="):
			rNonce = p[2:]
		case strings.HasPrefix(p, "p="):
			pProof = p[2:]
		}
	}
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", cBinding, rNonce)

	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, 32, sha256.New)
	clientKey := hmacFn(saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	authMessage := clientFirstBare + "," + s.serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacFn(storedKey[:], authMessage)

	gotProof, err := base64.StdEncoding.DecodeString(pProof)
	if err != nil {
		return nil, fmt.Errorf("bad proof encoding: %w", err)
	}
	expectedClientKey := xorFn(gotProof, clientSignature)
	gotStoredKey := sha256.Sum256(expectedClientKey)
	if !hmac.Equal(gotStoredKey[:], storedKey[:]) {
		return nil, fmt.Errorf("client proof verification failed")
	}

	serverKey := hmacFn(saltedPassword, "Server Key")
	serverSignature := hmacFn(serverKey, authMessage)
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func hmacFn(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func xorFn(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func TestClientFullExchangeSucceeds(t *testing.T) {
	srv := newServerFixture("correct horse battery staple")
	client, err := NewClient("alice", "correct horse battery staple", BindingNone, nil)
	require.NoError(t, err)

	clientFirst := client.ClientFirstMessage()
	require.True(t, strings.HasPrefix(string(clientFirst), "n,,n=alice,r="), "unexpected client-first message: %s", clientFirst)
	clientFirstBare := strings.TrimPrefix(string(clientFirst), "n,,")

	serverFirst := srv.handleClientFirst(clientFirstBare)

	clientFinal, err := client.ClientFinalMessage(serverFirst)
	require.NoError(t, err)

	serverFinal, err := srv.handleClientFinal(clientFirstBare, clientFinal)
	require.NoError(t, err, "server rejected client proof")

	require.NoError(t, client.VerifyServerFinal(serverFinal))
}

func TestClientFinalMessageRejectsWrongPassword(t *testing.T) {
	srv := newServerFixture("correct horse battery staple")
	client, _ := NewClient("alice", "wrong password", BindingNone, nil)

	clientFirst := client.ClientFirstMessage()
	clientFirstBare := strings.TrimPrefix(string(clientFirst), "n,,")
	serverFirst := srv.handleClientFirst(clientFirstBare)

	clientFinal, err := client.ClientFinalMessage(serverFirst)
	require.NoError(t, err)

	_, err = srv.handleClientFinal(clientFirstBare, clientFinal)
	require.Error(t, err, "expected server to reject a client proof derived from the wrong password")
}

func TestClientFinalMessageRejectsForgedServerNonce(t *testing.T) {
	client, _ := NewClient("alice", "pw", BindingNone, nil)
	client.ClientFirstMessage()

	forged := "r=doesnotstartwithclientnonce,s=" + base64.StdEncoding.EncodeToString([]byte("salt1234567890ab")) + ",i=4096"
	_, err := client.ClientFinalMessage([]byte(forged))
	require.Error(t, err, "expected rejection of a server-first message whose nonce doesn't extend the client nonce")
}

func TestVerifyServerFinalRejectsForgedSignature(t *testing.T) {
	srv := newServerFixture("correct horse battery staple")
	client, _ := NewClient("alice", "correct horse battery staple", BindingNone, nil)

	clientFirst := client.ClientFirstMessage()
	clientFirstBare := strings.TrimPrefix(string(clientFirst), "n,,")
	serverFirst := srv.handleClientFirst(clientFirstBare)
	_, err := client.ClientFinalMessage(serverFirst)
	require.NoError(t, err)

	forged := "v=" + base64.StdEncoding.EncodeToString([]byte("not the real signature bytes!!"))
	require.Error(t, client.VerifyServerFinal([]byte(forged)), "expected VerifyServerFinal to reject a forged server signature")
}

func TestChannelBindingTLSServerEndpointChangesGS2Header(t *testing.T) {
	cbData := []byte("fake-cert-hash-32-bytes-long!!!!")
	client, err := NewClient("alice", "pw", BindingTLSServerEndpoint, cbData)
	require.NoError(t, err)
	first := client.ClientFirstMessage()
	require.True(t, strings.HasPrefix(string(first), "p=tls-server-end-point,,"), "expected p=tls-server-end-point,, gs2 header, got %s", first)
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte("abcdef")
	b := []byte("abcdef")
	c := []byte("abcxyz")
	require.True(t, ConstantTimeEqual(a, b), "expected equal byte slices to compare equal")
	require.False(t, ConstantTimeEqual(a, c), "expected differing byte slices to compare unequal")
	require.False(t, ConstantTimeEqual(a, []byte("short")), "expected differing-length slices to compare unequal")
}

// TestClientFixedVectorMatchesIndependentlyComputedReference pins the
// client's nonce to a fixed SCRAM-SHA-256 test vector (username "alice",
// password "pencil", salt base64 "QSXCR+Q6sek8bf92", 4096 iterations,
// client nonce "fyko+d2lbbFgONRv9qkxdawL") and checks its output against
// AuthMessage/ClientProof/ServerSignature bytes computed independently
// (outside this package, via a separate PBKDF2/HMAC-SHA256 implementation)
// from the same inputs. A self-consistent client-vs-mock-server test can't
// catch a derivation bug the two sides share; this pins against an
// externally derived answer instead.
func TestClientFixedVectorMatchesIndependentlyComputedReference(t *testing.T) {
	const (
		serverFirst = "r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"

		wantClientFinal = "c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j," +
			"p=FQhDwOiiHiyDP/vgt/RpO32WqOo+6pvr5kfS37jravQ="
		wantServerFinal = "v=rJppkP6fpgJL4i2eR9gr6WGbfXtQ6Sg9EBQTLE+C+j0="
	)

	client, err := NewClient("alice", "pencil", BindingNone, nil)
	require.NoError(t, err)
	client.nonce = "fyko+d2lbbFgONRv9qkxdawL"

	first := client.ClientFirstMessage()
	require.Equal(t, "n,,n=alice,r=fyko+d2lbbFgONRv9qkxdawL", string(first))

	clientFinal, err := client.ClientFinalMessage([]byte(serverFirst))
	require.NoError(t, err)
	require.Equal(t, wantClientFinal, string(clientFinal))

	require.NoError(t, client.VerifyServerFinal([]byte(wantServerFinal)))
}

func TestEscapeUsernameEscapesReservedCharacters(t *testing.T) {
	client, err := NewClient("a=b,c", "pw", BindingNone, nil)
	require.NoError(t, err)
	first := string(client.ClientFirstMessage())
	require.Contains(t, first, "n=a=3Db=2Cc,r=", "expected escaped username in client-first message")
}
