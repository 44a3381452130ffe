package fraisewire

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/fraiseql/fraiseql-wire/internal/scram"
	"github.com/fraiseql/fraiseql-wire/internal/transport"
)

// batchSize is the run length in which parseAndSendBatch walks a flushed
// chunk. Each value in a run is still validated, parsed and sent to the
// channel on its own; runs are not sent as one channel item, and pause
// state is not re-checked between runs.
const batchSize = 8

// Conn is one client connection to a single-database backend. A Conn is not
// safe for concurrent use by multiple goroutines: StreamQuery transfers
// ownership of the Conn to its producer goroutine for the query's duration,
// matching the original source's single-task-owns-the-socket model (spec §5).
type Conn struct {
	transport transport.Transport
	buf       *readBuffer
	recorder  Recorder
	logger    *slog.Logger

	mu    sync.Mutex
	state ConnectionState
	busy  bool
}

// Connect dials host:port, negotiates TLS if cfg.SslMode requires it,
// authenticates, and waits for the backend to report ready. tlsCfg may be
// nil when cfg.SslMode is SslDisable. recorder may be nil (defaults to a
// no-op sink).
func Connect(ctx context.Context, host string, port int, cfg *ConnectionConfig, tlsCfg *TlsConfig, recorder Recorder) (*Conn, error) {
	t, err := transport.ConnectTCP(ctx, host, port, cfg.ConnectTimeout)
	if err != nil {
		return nil, wrapErr(KindIO, "connecting", err)
	}
	return newConn(ctx, t, host, cfg, tlsCfg, recorder)
}

// ConnectUnix dials a Unix-domain socket. TLS is never negotiated over a
// Unix transport (spec §4.1).
func ConnectUnix(ctx context.Context, socketPath string, cfg *ConnectionConfig, recorder Recorder) (*Conn, error) {
	if cfg.SslMode != SslDisable {
		unixCfg := *cfg
		unixCfg.SslMode = SslDisable
		cfg = &unixCfg
	}
	t, err := transport.ConnectUnix(ctx, socketPath, cfg.ConnectTimeout)
	if err != nil {
		return nil, wrapErr(KindIO, "connecting", err)
	}
	return newConn(ctx, t, "", cfg, nil, recorder)
}

func newConn(ctx context.Context, t transport.Transport, hostname string, cfg *ConnectionConfig, tlsCfg *TlsConfig, recorder Recorder) (*Conn, error) {
	if recorder == nil {
		recorder = NoopRecorder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		transport: t,
		buf:       newReadBuffer(8192),
		recorder:  recorder,
		logger:    logger,
		state:     StateInitial,
	}

	err := withCancellation(ctx, c.transport, func() error {
		if cfg.SslMode != SslDisable {
			if err := c.negotiateTLS(hostname, cfg, tlsCfg); err != nil {
				return err
			}
		} else if err := transition(&c.state, StateAwaitingAuth); err != nil {
			return err
		}
		authCfg := cfg
		if tlsCfg != nil && tlsCfg.preferChannelBinding && !cfg.PreferChannelBindingAuth {
			cp := *cfg
			cp.PreferChannelBindingAuth = true
			authCfg = &cp
		}
		return c.authenticate(authCfg)
	})
	if err != nil {
		logger.Warn("connection setup failed", "host", hostname, "database", cfg.Database, "err", err)
		c.transport.Close()
		return nil, err
	}
	logger.Info("connection established", "host", hostname, "database", cfg.Database, "user", cfg.User, "ssl_mode", cfg.SslMode)
	return c, nil
}

// log returns the connection's logger, falling back to slog.Default() for a
// Conn built without going through newConn (as tests do).
func (c *Conn) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

func (c *Conn) negotiateTLS(hostname string, cfg *ConnectionConfig, tlsCfg *TlsConfig) error {
	if err := transition(&c.state, StateNegotiatingTls); err != nil {
		return err
	}
	if err := c.writeMessage(SslRequest{}); err != nil {
		return wrapErr(KindIO, "sending SslRequest", err)
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(c.transport, resp); err != nil {
		return wrapErr(KindIO, "reading SslRequest response", err)
	}
	switch resp[0] {
	case 'S':
		if tlsCfg == nil {
			var err error
			tlsCfg, err = NewTlsConfig()
			if err != nil {
				return wrapErr(KindConfig, "building default TLS config", err)
			}
		}
		upgraded, err := c.transport.UpgradeToTLS(tlsCfg.stdTLSConfig(hostname, cfg.SslMode), hostname)
		if err != nil {
			return wrapErr(KindIO, "TLS handshake", err)
		}
		c.transport = upgraded
		c.log().Debug("TLS negotiated", "ssl_mode", cfg.SslMode)
	case 'N':
		if cfg.SslMode != SslRequire && cfg.SslMode != SslVerifyCa && cfg.SslMode != SslVerifyFull {
			return transition(&c.state, StateAwaitingAuth)
		}
		return newErr(KindConfig, "server refused TLS but SslMode requires it")
	default:
		return newErr(KindProtocol, "unexpected SslRequest response byte")
	}
	return transition(&c.state, StateAwaitingAuth)
}

func (c *Conn) authenticate(cfg *ConnectionConfig) error {
	params := cfg.startupParams()
	if err := c.writeMessage(Startup{Version: protocolVersion, Params: params}); err != nil {
		return wrapErr(KindIO, "sending Startup", err)
	}
	if err := transition(&c.state, StateAuthenticating); err != nil {
		return err
	}

	for {
		msg, err := c.readMessageLocked()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case AuthenticationOk:
			return c.awaitReadyForQuery()
		case AuthenticationCleartextPassword:
			if cfg.Password == "" {
				return newErr(KindAuthentication, "server requested a cleartext password but none was configured")
			}
			if err := c.writeMessage(Password{Password: cfg.Password}); err != nil {
				return wrapErr(KindIO, "sending Password", err)
			}
		case AuthenticationMD5Password:
			return newErr(KindAuthentication, "MD5 authentication is not supported")
		case AuthenticationSASL:
			if err := c.performSCRAM(cfg, m.Mechanisms); err != nil {
				return err
			}
		case ErrorResponse:
			return wrapErr(KindAuthentication, "authentication failed", m.Fields)
		default:
			// ParameterStatus/NoticeResponse may precede AuthenticationOk; ignore.
		}
	}
}

func (c *Conn) performSCRAM(cfg *ConnectionConfig, mechanisms []string) error {
	hasPlus := containsString(mechanisms, "SCRAM-SHA-256-PLUS")
	hasPlain := containsString(mechanisms, "SCRAM-SHA-256")
	if !hasPlain && !hasPlus {
		return newErr(KindAuthentication, "server offered no supported SASL mechanism")
	}

	mechanism := "SCRAM-SHA-256"
	binding := scram.BindingNone
	var cbData []byte
	if hasPlus && cfg.PreferChannelBindingAuth {
		if cbData = c.transport.ChannelBindingData(); cbData != nil {
			mechanism = "SCRAM-SHA-256-PLUS"
			binding = scram.BindingTLSServerEndpoint
		}
	}
	if mechanism == "SCRAM-SHA-256" && hasPlus {
		// The server supports channel binding but we're not using it: signal
		// that per RFC 5802 so a downgrade attack is detectable server-side.
		binding = scram.BindingSupportedButUnused
	}

	client, err := scram.NewClient(cfg.User, cfg.Password, binding, cbData)
	if err != nil {
		return wrapErr(KindScram, "creating SCRAM client", err)
	}
	c.log().Debug("starting SCRAM exchange", "mechanism", mechanism, "channel_binding", binding != scram.BindingNone)

	if err := c.writeMessage(SaslInitialResponse{Mechanism: mechanism, Data: client.ClientFirstMessage()}); err != nil {
		return wrapErr(KindIO, "sending SASL initial response", err)
	}

	msg, err := c.readMessageLocked()
	if err != nil {
		return err
	}
	cont, ok := msg.(AuthenticationSASLContinue)
	if !ok {
		if er, ok := msg.(ErrorResponse); ok {
			return wrapErr(KindAuthentication, "SASL rejected", er.Fields)
		}
		return newErr(KindProtocol, "expected AuthenticationSASLContinue")
	}

	clientFinal, err := client.ClientFinalMessage(cont.Data)
	if err != nil {
		return wrapErr(KindScram, "computing client-final message", err)
	}
	if err := c.writeMessage(SaslResponse{Data: clientFinal}); err != nil {
		return wrapErr(KindIO, "sending SASL response", err)
	}

	msg, err = c.readMessageLocked()
	if err != nil {
		return err
	}
	final, ok := msg.(AuthenticationSASLFinal)
	if !ok {
		if er, ok := msg.(ErrorResponse); ok {
			return wrapErr(KindAuthentication, "SASL rejected", er.Fields)
		}
		return newErr(KindProtocol, "expected AuthenticationSASLFinal")
	}
	if err := client.VerifyServerFinal(final.Data); err != nil {
		return wrapErr(KindScram, "verifying server signature", err)
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (c *Conn) awaitReadyForQuery() error {
	for {
		msg, err := c.readMessageLocked()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case ReadyForQuery:
			return transition(&c.state, StateIdle)
		case ErrorResponse:
			return wrapErr(KindAuthentication, "backend reported an error before ready", msg.(ErrorResponse).Fields)
		default:
			// ParameterStatus / BackendKeyData — session setup, ignored.
		}
	}
}

// SimpleQueryResult collects every row returned by a non-streaming query.
// Intended for small administrative queries, not result sets of unbounded
// size — see StreamQuery for the bounded-memory path.
type SimpleQueryResult struct {
	Fields     []FieldDescription
	Rows       []DataRow
	CommandTag string
}

// SimpleQuery executes sql and buffers every resulting row in memory. The
// Conn must be Idle.
func (c *Conn) SimpleQuery(ctx context.Context, sql string) (*SimpleQueryResult, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, newErr(KindConnectionBusy, "connection is already executing a query")
	}
	if err := transition(&c.state, StateQueryInProgress); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.busy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	var result SimpleQueryResult
	err := withCancellation(ctx, c.transport, func() error {
		if err := c.writeMessage(Query{SQL: sql}); err != nil {
			return wrapErr(KindIO, "sending Query", err)
		}
		if err := transition(&c.state, StateReadingResults); err != nil {
			return err
		}
		for {
			msg, err := c.readMessageLocked()
			if err != nil {
				return err
			}
			switch m := msg.(type) {
			case RowDescription:
				result.Fields = m.Fields
			case DataRow:
				result.Rows = append(result.Rows, copyDataRow(m))
			case CommandComplete:
				result.CommandTag = m.Tag
			case ErrorResponse:
				return wrapErr(KindSQL, "query failed", m.Fields)
			case NoticeResponse:
				// informational only
			case ReadyForQuery:
				return transition(&c.state, StateIdle)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func copyDataRow(m DataRow) DataRow {
	cols := make([]DataRowColumn, len(m.Columns))
	for i, c := range m.Columns {
		if !c.Present {
			cols[i] = DataRowColumn{Present: false}
			continue
		}
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		cols[i] = DataRowColumn{Data: data, Present: true}
	}
	return DataRow{Columns: cols}
}

// StreamQuery executes sql, which must select exactly one JSON/JSONB column,
// and streams the parsed values of that column through the returned Stream.
// The Conn must be Idle; it is transferred to an internal producer goroutine
// for the duration of the stream and must not be used for anything else.
// The producer closes the connection when the stream ends, so the Conn
// cannot be used again afterwards (spec §5).
func (c *Conn) StreamQuery(ctx context.Context, sql string, opts StreamingOptions) (*Stream, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, newErr(KindConnectionBusy, "connection is already executing a query")
	}
	if err := transition(&c.state, StateQueryInProgress); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.busy = true
	c.mu.Unlock()

	capacity := opts.ChunkSize
	if capacity <= 0 {
		capacity = defaultChunkSize
	}
	stream := newStream(capacity, opts, c.recorder)

	var chunker *adaptiveChunker
	if opts.EnableAdaptiveChunking {
		chunker = newAdaptiveChunker(opts.ChunkSize, opts.AdaptiveMinSize, opts.AdaptiveMaxSize, c.recorder)
	} else {
		chunker = newAdaptiveChunker(opts.ChunkSize, opts.ChunkSize, opts.ChunkSize, c.recorder)
	}

	c.log().Debug("stream query started", "chunk_size", capacity, "adaptive", opts.EnableAdaptiveChunking)
	go c.streamProducer(ctx, sql, stream, chunker)
	return stream, nil
}

// streamProducer owns the Conn for the lifetime of a streaming query. On
// every exit path — clean completion, query error, or cancellation — it
// drops the connection: the backend socket is always closed here, since
// StreamQuery's caller has handed ownership of the Conn to this goroutine
// and has no other way to reclaim or close it.
func (c *Conn) streamProducer(ctx context.Context, sql string, stream *Stream, chunker *adaptiveChunker) {
	err := withCancellation(ctx, c.transport, func() error {
		return c.runStreamingQuery(ctx, sql, stream, chunker)
	})

	c.mu.Lock()
	c.state = StateClosed
	c.busy = false
	closeErr := c.transport.Close()
	c.mu.Unlock()

	if closeErr != nil {
		c.log().Warn("error closing connection after stream", "err", closeErr)
	}

	switch {
	case stream.cancelRequested():
		c.log().Info("stream cancelled")
	case err != nil:
		c.log().Warn("stream ended with error", "err", err)
	default:
		c.log().Debug("stream completed")
	}

	stream.finish(err)
}

func (c *Conn) runStreamingQuery(ctx context.Context, sql string, stream *Stream, chunker *adaptiveChunker) error {
	if err := c.writeMessage(Query{SQL: sql}); err != nil {
		return wrapErr(KindIO, "sending Query", err)
	}
	if err := transition(&c.state, StateReadingResults); err != nil {
		return err
	}

	if err := c.expectRowDescription(); err != nil {
		return err
	}

	pending := make([][]byte, 0, chunker.CurrentSize())
	rowsStreamed := 0
	chunkStart := time.Now()

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := c.parseAndSendBatch(ctx, stream, pending); err != nil {
			return err
		}
		rowsStreamed += len(pending)
		pending = pending[:0]
		c.buf.Compact()

		newSize, changed := chunker.Observe(stream.queuedItems(), stream.capacity())
		if changed {
			c.recorder.SetGauge(MetricChunkSize, float64(newSize))
			c.log().Debug("chunk size adjusted", "new_size", newSize, "rows_streamed", rowsStreamed)
		}
		if globalSampleCounter.shouldSample() {
			c.recorder.ObserveHistogram(MetricChunkDuration, time.Since(chunkStart).Seconds())
		}
		chunkStart = time.Now()
		return nil
	}

	for {
		if stream.cancelRequested() {
			return nil
		}
		stream.waitWhilePaused()
		if stream.cancelRequested() {
			return nil
		}

		msg, err := c.readMessageLocked()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case DataRow:
			col, err := singleJSONColumn(m)
			if err != nil {
				return err
			}
			pending = append(pending, col)
			if len(pending) >= chunker.CurrentSize() {
				if err := flush(); err != nil {
					return err
				}
			}
		case CommandComplete:
			if err := flush(); err != nil {
				return err
			}
		case ErrorResponse:
			return wrapErr(KindSQL, "query failed", m.Fields)
		case NoticeResponse:
			// skipped during streaming — see spec open questions
			c.log().Debug("notice skipped during stream", "message", m.Fields.Message)
		case ReadyForQuery:
			return transition(&c.state, StateIdle)
		default:
			return newErr(KindProtocol, "unexpected message while streaming results")
		}
	}
}

func (c *Conn) expectRowDescription() error {
	for {
		msg, err := c.readMessageLocked()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case RowDescription:
			if len(m.Fields) != 1 {
				return newErr(KindProtocol, "streaming queries must select exactly one column")
			}
			if m.Fields[0].FormatCode != 0 {
				return newErr(KindProtocol, "streaming queries must return the column in text format")
			}
			return nil
		case ErrorResponse:
			return wrapErr(KindSQL, "query failed", m.Fields)
		case ParameterStatus, NoticeResponse, BackendKeyData:
			// tolerated prefix messages
		default:
			return newErr(KindProtocol, "unexpected message before RowDescription")
		}
	}
}

func singleJSONColumn(row DataRow) ([]byte, error) {
	if len(row.Columns) != 1 {
		return nil, newErr(KindProtocol, "expected exactly one column per row")
	}
	col := row.Columns[0]
	if !col.Present {
		return []byte("null"), nil
	}
	cp := make([]byte, len(col.Data))
	copy(cp, col.Data)
	return cp, nil
}

func (c *Conn) parseAndSendBatch(ctx context.Context, stream *Stream, rows [][]byte) error {
	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		for _, raw := range rows[i:end] {
			if err := validateJSONColumn(raw); err != nil {
				c.recorder.IncCounter(MetricJSONParseErrors)
				return err
			}
			if stream.accountBytes(int64(len(raw))) {
				return newErr(KindResourceExhausted, "stream exceeded its configured memory limit")
			}
			value, err := parseJSONValue(raw)
			if err != nil {
				c.recorder.IncCounter(MetricJSONParseErrors)
				return err
			}
			if err := stream.sendValue(ctx, value, int64(len(raw))); err != nil {
				return err
			}
			c.recorder.IncCounter(MetricRowsStreamed)
		}
	}
	return nil
}

// validateJSONColumn performs a zero-allocation structural check that raw is
// well-formed JSON before it is queued, without paying for a full decode
// (spec §1's "zero-copy JSON extraction"). A NULL column reaches here as
// the literal "null" that singleJSONColumn substitutes for it.
func validateJSONColumn(raw []byte) error {
	if _, _, _, err := jsonparser.Get(raw); err != nil {
		return wrapErr(KindJSON, "column value is not valid JSON", err)
	}
	return nil
}

// parseJSONValue decodes a column's raw bytes into the value handed to the
// stream's consumer. "null" decodes to a nil any, matching a NULL column.
func parseJSONValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, wrapErr(KindJSON, "decoding JSON column", err)
	}
	return v, nil
}

// Close terminates the connection, sending Terminate when the connection is
// idle and simply closing the transport otherwise.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		_ = c.writeMessage(Terminate{})
	}
	c.state = StateClosed
	c.log().Debug("connection closed")
	return c.transport.Close()
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) writeMessage(msg FrontendMessage) error {
	_, err := c.transport.Write(Encode(msg))
	return err
}

// readMessageLocked decodes the next backend message, reading more bytes off
// the transport as needed. Despite the name it takes no lock itself — it
// relies on the Conn's single-owner-at-a-time discipline (spec §5) rather
// than a mutex.
func (c *Conn) readMessageLocked() (BackendMessage, error) {
	for {
		msg, consumed, err := Decode(c.buf.Unread())
		if err == nil {
			c.buf.Consume(consumed)
			return msg, nil
		}
		if !NeedMore(err) {
			return nil, wrapErr(KindProtocol, "decoding backend message", err)
		}
		if err := c.fillBuffer(); err != nil {
			return nil, err
		}
	}
}

func (c *Conn) fillBuffer() error {
	slot := c.buf.WriteSlot(8192)
	n, err := c.transport.Read(slot)
	if err == io.EOF && n == 0 {
		return wrapErr(KindConnectionClosed, "connection closed by peer", io.EOF)
	}
	if err != nil {
		return wrapErr(KindIO, "reading from connection", err)
	}
	if n == 0 {
		return wrapErr(KindConnectionClosed, "connection closed by peer", io.EOF)
	}
	c.buf.Advance(n)
	return nil
}

// withCancellation runs fn, unblocking any in-flight transport read/write by
// forcing an I/O deadline if ctx is cancelled first. This is the
// cancellation bridge between context.Context and the blocking net.Conn
// reads the rest of this file performs.
func withCancellation(ctx context.Context, t transport.Transport, fn func() error) error {
	if ctx.Done() == nil {
		return fn()
	}
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.SetDeadline(time.Now())
		case <-watcherDone:
		}
	}()

	err := fn()
	close(watcherDone)
	_ = t.SetDeadline(time.Time{})

	if err != nil && ctx.Err() != nil {
		return wrapErr(KindIO, "operation cancelled", ctx.Err())
	}
	return err
}
