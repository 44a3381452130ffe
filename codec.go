package fraisewire

import (
	"encoding/binary"
)

// Encode serializes a frontend message to the bytes that go on the wire.
// Startup and SslRequest carry no tag byte; every other frontend message is
// tag + 4-byte big-endian length (inclusive of itself, exclusive of the tag)
// + body.
func Encode(msg FrontendMessage) []byte {
	switch m := msg.(type) {
	case Startup:
		return encodeStartup(m)
	case SslRequest:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], 8)
		binary.BigEndian.PutUint32(buf[4:8], uint32(sslRequestCode))
		return buf
	case Password:
		return encodeTagged(tagPassword, append([]byte(m.Password), 0))
	case Query:
		return encodeTagged(tagQuery, append([]byte(m.SQL), 0))
	case Terminate:
		return encodeTagged(tagTerminate, nil)
	case SaslInitialResponse:
		body := make([]byte, 0, len(m.Mechanism)+1+4+len(m.Data))
		body = append(body, m.Mechanism...)
		body = append(body, 0)
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(m.Data)))
		body = append(body, lenBuf...)
		body = append(body, m.Data...)
		return encodeTagged(tagPassword, body)
	case SaslResponse:
		return encodeTagged(tagPassword, m.Data)
	default:
		panic("fraisewire: unknown frontend message type")
	}
}

func encodeTagged(tag byte, body []byte) []byte {
	buf := make([]byte, 1+4+len(body))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(body)))
	copy(buf[5:], body)
	return buf
}

func encodeStartup(m Startup) []byte {
	var body []byte
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, uint32(m.Version))
	body = append(body, verBuf...)
	for _, kv := range m.Params {
		body = append(body, kv[0]...)
		body = append(body, 0)
		body = append(body, kv[1]...)
		body = append(body, 0)
	}
	body = append(body, 0)

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(body)))
	copy(buf[4:], body)
	return buf
}

// decodeResult is what Decode returns for a successful parse: the message and
// the number of bytes consumed from the front of buf.
type decodeResult struct {
	Message  BackendMessage
	Consumed int
}

// errNeedMore is returned (as the error) when buf does not yet contain a
// complete frame. It carries no state; callers just read more and retry.
var errNeedMore = newErr(KindProtocol, "need more data")

// NeedMore reports whether err indicates Decode needs more bytes before it
// can make progress (as opposed to a genuine protocol violation).
func NeedMore(err error) bool {
	return err == errNeedMore
}

// Decode attempts to parse one backend message from the front of buf. It
// returns (message, bytesConsumed, nil) on success, (nil, 0, errNeedMore) if
// buf doesn't yet hold a complete frame, or (nil, 0, err) for a malformed
// frame. Decode never copies bytes out of buf except where the message type
// requires ownership (ErrorFields/NoticeResponse strings, tag strings);
// DataRow column byte slices alias buf directly.
func Decode(buf []byte) (BackendMessage, int, error) {
	if len(buf) < 5 {
		return nil, 0, errNeedMore
	}
	tag := buf[0]
	length := int32(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return nil, 0, newErr(KindProtocol, "frame length shorter than its own header")
	}
	if int64(length) > maxFrameLen {
		return nil, 0, newErr(KindProtocol, "frame length exceeds maximum (1 GiB)")
	}
	total := 1 + int(length)
	if len(buf) < total {
		return nil, 0, errNeedMore
	}
	body := buf[5:total]

	msg, err := decodeBody(tag, body)
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

func decodeBody(tag byte, body []byte) (BackendMessage, error) {
	switch tag {
	case tagAuthentication:
		return decodeAuthentication(body)
	case tagBackendKeyData:
		if len(body) < 8 {
			return nil, newErr(KindProtocol, "BackendKeyData too short")
		}
		return BackendKeyData{
			PID:    int32(binary.BigEndian.Uint32(body[0:4])),
			Secret: int32(binary.BigEndian.Uint32(body[4:8])),
		}, nil
	case tagCommandComplete:
		s, err := cString(body)
		if err != nil {
			return nil, err
		}
		return CommandComplete{Tag: s}, nil
	case tagDataRow:
		return decodeDataRow(body)
	case tagErrorResponse:
		f, err := decodeFields(body)
		if err != nil {
			return nil, err
		}
		return ErrorResponse{Fields: f}, nil
	case tagNoticeResponse:
		f, err := decodeFields(body)
		if err != nil {
			return nil, err
		}
		return NoticeResponse{Fields: f}, nil
	case tagParameterStatus:
		name, rest, err := cStringPrefix(body)
		if err != nil {
			return nil, err
		}
		value, err := cString(rest)
		if err != nil {
			return nil, err
		}
		return ParameterStatus{Name: name, Value: value}, nil
	case tagReadyForQuery:
		if len(body) < 1 {
			return nil, newErr(KindProtocol, "ReadyForQuery missing transaction status")
		}
		return ReadyForQuery{TxStatus: body[0]}, nil
	case tagRowDescription:
		return decodeRowDescription(body)
	default:
		return nil, newErr(KindProtocol, "unknown backend message tag")
	}
}

func decodeAuthentication(body []byte) (BackendMessage, error) {
	if len(body) < 4 {
		return nil, newErr(KindProtocol, "Authentication message too short")
	}
	authType := int32(binary.BigEndian.Uint32(body[0:4]))
	rest := body[4:]
	switch authType {
	case authOK:
		return AuthenticationOk{}, nil
	case authCleartextPassword:
		return AuthenticationCleartextPassword{}, nil
	case authMD5Password:
		if len(rest) < 4 {
			return nil, newErr(KindProtocol, "AuthenticationMD5Password missing salt")
		}
		var salt [4]byte
		copy(salt[:], rest[:4])
		return AuthenticationMD5Password{Salt: salt}, nil
	case authSASL:
		mechs, err := decodeSASLMechanisms(rest)
		if err != nil {
			return nil, err
		}
		return AuthenticationSASL{Mechanisms: mechs}, nil
	case authSASLContinue:
		data := make([]byte, len(rest))
		copy(data, rest)
		return AuthenticationSASLContinue{Data: data}, nil
	case authSASLFinal:
		data := make([]byte, len(rest))
		copy(data, rest)
		return AuthenticationSASLFinal{Data: data}, nil
	default:
		return nil, newErr(KindProtocol, "unknown authentication sub-type")
	}
}

func decodeSASLMechanisms(data []byte) ([]string, error) {
	var mechs []string
	for len(data) > 0 {
		if data[0] == 0 {
			// final empty-string terminator
			return mechs, nil
		}
		idx := indexByte(data, 0)
		if idx < 0 {
			return nil, newErr(KindProtocol, "SASL mechanism list missing terminator")
		}
		mechs = append(mechs, string(data[:idx]))
		data = data[idx+1:]
	}
	return mechs, newErr(KindProtocol, "SASL mechanism list missing final terminator")
}

func decodeDataRow(body []byte) (BackendMessage, error) {
	if len(body) < 2 {
		return nil, newErr(KindProtocol, "DataRow missing field count")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	cols := make([]DataRowColumn, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil, newErr(KindProtocol, "DataRow truncated column length")
		}
		n := int32(binary.BigEndian.Uint32(body[0:4]))
		body = body[4:]
		if n < 0 {
			cols = append(cols, DataRowColumn{Present: false})
			continue
		}
		if int64(len(body)) < int64(n) {
			return nil, newErr(KindProtocol, "DataRow truncated column data")
		}
		cols = append(cols, DataRowColumn{Data: body[:n], Present: true})
		body = body[n:]
	}
	return DataRow{Columns: cols}, nil
}

func decodeFields(body []byte) (ErrorFields, error) {
	f := ErrorFields{Raw: make(map[byte]string)}
	for len(body) > 0 {
		tag := body[0]
		if tag == 0 {
			return f, nil
		}
		body = body[1:]
		s, err := cString(body)
		if err != nil {
			return ErrorFields{}, err
		}
		body = body[len(s)+1:]
		f.Raw[tag] = s
		switch tag {
		case 'S':
			f.Severity = s
		case 'C':
			f.Code = s
		case 'M':
			f.Message = s
		case 'D':
			f.Detail = s
		case 'H':
			f.Hint = s
		case 'P':
			f.Position = s
		}
	}
	return ErrorFields{}, newErr(KindProtocol, "ErrorResponse/NoticeResponse missing terminator")
}

func decodeRowDescription(body []byte) (BackendMessage, error) {
	if len(body) < 2 {
		return nil, newErr(KindProtocol, "RowDescription missing field count")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	fields := make([]FieldDescription, 0, count)
	for i := 0; i < count; i++ {
		name, rest, err := cStringPrefix(body)
		if err != nil {
			return nil, err
		}
		body = rest
		if len(body) < 18 {
			return nil, newErr(KindProtocol, "RowDescription field truncated")
		}
		fd := FieldDescription{
			Name:         name,
			TableOID:     int32(binary.BigEndian.Uint32(body[0:4])),
			ColumnAttr:   int16(binary.BigEndian.Uint16(body[4:6])),
			TypeOID:      int32(binary.BigEndian.Uint32(body[6:10])),
			TypeSize:     int16(binary.BigEndian.Uint16(body[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(body[12:16])),
			FormatCode:   int16(binary.BigEndian.Uint16(body[16:18])),
		}
		body = body[18:]
		fields = append(fields, fd)
	}
	return RowDescription{Fields: fields}, nil
}

// cString reads a NUL-terminated string from the front of data, copying it
// out (the string escapes the read buffer's lifetime).
func cString(data []byte) (string, error) {
	idx := indexByte(data, 0)
	if idx < 0 {
		return "", newErr(KindProtocol, "missing NUL terminator")
	}
	return string(data[:idx]), nil
}

// cStringPrefix reads a NUL-terminated string and returns the remaining bytes.
func cStringPrefix(data []byte) (string, []byte, error) {
	idx := indexByte(data, 0)
	if idx < 0 {
		return "", nil, newErr(KindProtocol, "missing NUL terminator")
	}
	return string(data[:idx]), data[idx+1:], nil
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}
