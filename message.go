package fraisewire

// Protocol-level constants. See spec §4.2 and §6.
const (
	protocolVersion = 0x00030000
	sslRequestCode  = 0x04D2162F

	// maxFrameLen bounds a declared frame length: Postgres's own 1 GiB limit.
	maxFrameLen = 1 << 30
)

// Backend message tags (spec §3, §4.2).
const (
	tagAuthentication  = 'R'
	tagBackendKeyData  = 'K'
	tagCommandComplete = 'C'
	tagDataRow         = 'D'
	tagErrorResponse   = 'E'
	tagNoticeResponse  = 'N'
	tagParameterStatus = 'S'
	tagReadyForQuery   = 'Z'
	tagRowDescription  = 'T'
)

// Frontend message tags. Startup and SslRequest carry no tag byte.
const (
	tagPassword = 'p'
	tagQuery    = 'Q'
	tagTerminate = 'X'
)

// Authentication sub-types carried in the first int32 of an Authentication message.
const (
	authOK                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// FrontendMessage is implemented by every message the client can send.
type FrontendMessage interface {
	isFrontendMessage()
}

// Startup is the first message sent on a new connection (after any TLS
// upgrade). Params is encoded in insertion order: callers are expected to
// supply "user" and "database" first.
type Startup struct {
	Version int32
	Params  [][2]string
}

// Password carries a cleartext or MD5-hashed password response.
type Password struct {
	Password string
}

// Query requests execution of a single SQL simple-query string.
type Query struct {
	SQL string
}

// Terminate politely closes the connection.
type Terminate struct{}

// SaslInitialResponse carries the chosen SASL mechanism and the client-first message.
type SaslInitialResponse struct {
	Mechanism string
	Data      []byte
}

// SaslResponse carries a subsequent SASL message (the client-final message).
type SaslResponse struct {
	Data []byte
}

// SslRequest is the 8-byte, tagless, in-band TLS upgrade probe.
type SslRequest struct{}

func (Startup) isFrontendMessage()             {}
func (Password) isFrontendMessage()            {}
func (Query) isFrontendMessage()               {}
func (Terminate) isFrontendMessage()           {}
func (SaslInitialResponse) isFrontendMessage() {}
func (SaslResponse) isFrontendMessage()        {}
func (SslRequest) isFrontendMessage()          {}

// BackendMessage is implemented by every message the server can send.
type BackendMessage interface {
	isBackendMessage()
}

// AuthenticationOk indicates the authentication exchange succeeded.
type AuthenticationOk struct{}

// AuthenticationCleartextPassword requests a cleartext Password response.
type AuthenticationCleartextPassword struct{}

// AuthenticationMD5Password requests an MD5-hashed Password response (unsupported, see spec §4.4).
type AuthenticationMD5Password struct {
	Salt [4]byte
}

// AuthenticationSASL lists the SASL mechanisms the server offers.
type AuthenticationSASL struct {
	Mechanisms []string
}

// AuthenticationSASLContinue carries the server-first SCRAM challenge.
type AuthenticationSASLContinue struct {
	Data []byte
}

// AuthenticationSASLFinal carries the server-final SCRAM verification message.
type AuthenticationSASLFinal struct {
	Data []byte
}

// BackendKeyData carries the process ID and secret key used for cancellation.
// Conn reads and discards it — see spec §9 open questions.
type BackendKeyData struct {
	PID    int32
	Secret int32
}

// CommandComplete reports the tag of a completed command (e.g. "SELECT 3").
type CommandComplete struct {
	Tag string
}

// DataRow carries one row's columns. Each column is either present (a byte
// slice aliasing the connection's read buffer) or absent (NULL, nil slice
// with Present=false).
type DataRow struct {
	Columns []DataRowColumn
}

// DataRowColumn is one column of a DataRow. Data aliases the connection's
// internal read buffer; it must not be retained past the point the producer
// parses it into a JSON value (see buffer.go's compaction discipline).
type DataRowColumn struct {
	Data    []byte
	Present bool
}

// ErrorFields is the parsed field set of an ErrorResponse or NoticeResponse.
// Every tag's value, known or not, is kept in Raw; the named ones are also
// promoted to fields for convenient access.
type ErrorFields struct {
	Severity string
	Code     string // SQLSTATE
	Message  string
	Detail   string
	Hint     string
	Position string
	Raw      map[byte]string
}

// ErrorResponse is a fatal error reported by the backend.
type ErrorResponse struct {
	Fields ErrorFields
}

// NoticeResponse is a non-fatal, informational message from the backend.
type NoticeResponse struct {
	Fields ErrorFields
}

// ParameterStatus reports a change to a runtime session parameter.
type ParameterStatus struct {
	Name  string
	Value string
}

// ReadyForQuery indicates the backend is idle and ready for the next command.
type ReadyForQuery struct {
	TxStatus byte
}

// FieldDescription describes one column of a result set.
type FieldDescription struct {
	Name         string
	TableOID     int32
	ColumnAttr   int16
	TypeOID      int32
	TypeSize     int16
	TypeModifier int32
	FormatCode   int16
}

// RowDescription describes the shape of the rows that follow. The streaming
// engine requires exactly one field in text format (spec §4.3 data model).
type RowDescription struct {
	Fields []FieldDescription
}

func (AuthenticationOk) isBackendMessage()                {}
func (AuthenticationCleartextPassword) isBackendMessage() {}
func (AuthenticationMD5Password) isBackendMessage()        {}
func (AuthenticationSASL) isBackendMessage()                {}
func (AuthenticationSASLContinue) isBackendMessage()        {}
func (AuthenticationSASLFinal) isBackendMessage()           {}
func (BackendKeyData) isBackendMessage()                   {}
func (CommandComplete) isBackendMessage()                  {}
func (DataRow) isBackendMessage()                          {}
func (ErrorResponse) isBackendMessage()                    {}
func (NoticeResponse) isBackendMessage()                   {}
func (ParameterStatus) isBackendMessage()                  {}
func (ReadyForQuery) isBackendMessage()                    {}
func (RowDescription) isBackendMessage()                   {}

// Error implements the error interface so an ErrorResponse can be used
// directly as a Go error when convenient (e.g. inside the Sql Error.Cause).
func (e ErrorFields) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}
