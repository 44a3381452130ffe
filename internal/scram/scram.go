// Package scram implements the SCRAM-SHA-256 client side of RFC 5802,
// including optional tls-server-end-point channel binding.
//
// SASLprep normalization of the password is deliberately not implemented —
// the client feeds raw UTF-8 bytes into PBKDF2.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Binding selects the channel-binding variant used in the GS2 header.
type Binding int

const (
	// BindingNone sends gs2-header "n,," — no channel binding attempted.
	BindingNone Binding = iota
	// BindingSupportedButUnused sends gs2-header "y,," — the client supports
	// channel binding but the server doesn't advertise the -PLUS mechanism,
	// or the caller chose not to use it over TLS.
	BindingSupportedButUnused
	// BindingTLSServerEndpoint sends gs2-header "p=tls-server-end-point,,"
	// and includes the binding data in the client-final message's c= field.
	BindingTLSServerEndpoint
)

// Error classifies a SCRAM failure. See spec §4.3.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return "scram: " + string(e.Kind) + ": " + e.Msg }

type ErrorKind string

const (
	ErrInvalidServerMessage ErrorKind = "InvalidServerMessage"
	ErrInvalidServerProof   ErrorKind = "InvalidServerProof"
	ErrUtf8                 ErrorKind = "Utf8"
	ErrBase64               ErrorKind = "Base64"
)

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Client drives one SCRAM-SHA-256 exchange for one authentication attempt.
// Not reusable across attempts.
type Client struct {
	username string
	password []byte
	nonce    string
	binding  Binding
	cbData   []byte // tls-server-end-point bytes, only used when binding == BindingTLSServerEndpoint

	clientFirstBare         string
	serverFirst             string
	clientFinalWithoutProof string
	saltedPassword          []byte
}

// NewClient creates a SCRAM client with a fresh random nonce.
func NewClient(username, password string, binding Binding, channelBindingData []byte) (*Client, error) {
	nonceBytes := make([]byte, 24)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("scram: generating nonce: %w", err)
	}
	return &Client{
		username: escapeUsername(username),
		password: []byte(password),
		nonce:    base64.StdEncoding.EncodeToString(nonceBytes),
		binding:  binding,
		cbData:   channelBindingData,
	}, nil
}

func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func (c *Client) gs2Header() string {
	switch c.binding {
	case BindingSupportedButUnused:
		return "y,,"
	case BindingTLSServerEndpoint:
		return "p=tls-server-end-point,,"
	default:
		return "n,,"
	}
}

// ClientFirstMessage returns the client-first message to send as the SASL
// initial response payload.
func (c *Client) ClientFirstMessage() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", c.username, c.nonce)
	return []byte(c.gs2Header() + c.clientFirstBare)
}

// ClientFinalMessage parses the server-first message, verifies the server
// nonce prefix, derives the SCRAM keys, and returns the client-final message
// to send as the SASL response payload.
func (c *Client) ClientFinalMessage(serverFirst []byte) ([]byte, error) {
	c.serverFirst = string(serverFirst)

	serverNonce, salt, iterations, err := parseServerFirst(c.serverFirst)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(serverNonce, c.nonce) {
		return nil, newErr(ErrInvalidServerMessage, "server nonce does not start with client nonce")
	}

	c.saltedPassword = pbkdf2.Key(c.password, salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	cBinding := base64.StdEncoding.EncodeToString(c.channelBindingBytes())
	c.clientFinalWithoutProof = fmt.Sprintf("c=%s,r=%s", cBinding, serverNonce)

	authMessage := c.clientFirstBare + "," + c.serverFirst + "," + c.clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := fmt.Sprintf("%s,p=%s", c.clientFinalWithoutProof, base64.StdEncoding.EncodeToString(clientProof))
	return []byte(clientFinal), nil
}

func (c *Client) channelBindingBytes() []byte {
	header := []byte(c.gs2Header())
	if c.binding == BindingTLSServerEndpoint {
		return append(header, c.cbData...)
	}
	return header
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>", tolerating
// extra fields and duplicate keys (first occurrence wins). See spec §4.3.
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r=") && nonce == "":
			nonce = part[2:]
		case strings.HasPrefix(part, "s=") && salt == nil:
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, newErr(ErrBase64, "decoding salt: %v", err)
			}
		case strings.HasPrefix(part, "i=") && iterations == 0:
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, newErr(ErrInvalidServerMessage, "invalid iteration count: %v", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, newErr(ErrInvalidServerMessage, "incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// VerifyServerFinal checks the server-final message's signature in constant
// time. Returns nil on success.
func (c *Client) VerifyServerFinal(serverFinal []byte) error {
	s := string(serverFinal)
	if !strings.HasPrefix(s, "v=") {
		return newErr(ErrInvalidServerMessage, "server-final-message missing v= prefix")
	}
	got, err := base64.StdEncoding.DecodeString(s[2:])
	if err != nil {
		return newErr(ErrBase64, "decoding server signature: %v", err)
	}

	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	authMessage := c.clientFirstBare + "," + c.serverFirst + "," + c.clientFinalWithoutProof
	expected := hmacSHA256(serverKey, []byte(authMessage))

	if !ConstantTimeEqual(got, expected) {
		return newErr(ErrInvalidServerProof, "server signature mismatch")
	}
	return nil
}

// ConstantTimeEqual reports whether a and b are equal without leaking timing
// information proportional to the position of the first differing byte.
// Unequal lengths return false immediately (length itself isn't secret).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
