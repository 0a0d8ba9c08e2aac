package amazonq

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Message is one decoded event-stream frame.
type Message struct {
	Headers map[string]string
	Payload []byte
}

// EventType returns the :event-type header.
func (m *Message) EventType() string { return m.Headers[":event-type"] }

// MessageType returns the :message-type header.
func (m *Message) MessageType() string { return m.Headers[":message-type"] }

// Decoder reads AWS event-stream frames: a 12-byte prelude
// {total_len, headers_len, prelude_crc}, the headers block, the payload, and
// a trailing 4-byte message CRC.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps the upstream body.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

// Next decodes one frame, returning io.EOF at a clean end of stream.
func (d *Decoder) Next() (*Message, error) {
	var prelude [12]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	// Zero CRCs appear in tooling-generated frames; enforce only real ones.
	if preludeCRC != 0 {
		if got := crc32.ChecksumIEEE(prelude[0:8]); got != preludeCRC {
			return nil, fmt.Errorf("prelude crc mismatch: got %08x want %08x", got, preludeCRC)
		}
	}
	if totalLen < 16 || headersLen > totalLen-16 {
		return nil, fmt.Errorf("malformed prelude: total=%d headers=%d", totalLen, headersLen)
	}

	rest := make([]byte, totalLen-12)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, fmt.Errorf("truncated frame: %w", err)
	}

	headerBytes := rest[:headersLen]
	payload := rest[headersLen : len(rest)-4]
	messageCRC := binary.BigEndian.Uint32(rest[len(rest)-4:])
	if messageCRC != 0 {
		crc := crc32.ChecksumIEEE(prelude[:])
		crc = crc32.Update(crc, crc32.IEEETable, rest[:len(rest)-4])
		if crc != messageCRC {
			return nil, fmt.Errorf("message crc mismatch: got %08x want %08x", crc, messageCRC)
		}
	}

	headers, err := parseHeaders(headerBytes)
	if err != nil {
		return nil, err
	}

	return &Message{Headers: headers, Payload: payload}, nil
}

// parseHeaders walks the headers block: name_len u8, name, value_type u8,
// then a type-dependent value. Only string values (type 7) carry routing
// information; other types are skipped by length.
func parseHeaders(b []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(b) > 0 {
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen+1 {
			return nil, fmt.Errorf("truncated header name")
		}
		name := string(b[:nameLen])
		valueType := b[nameLen]
		b = b[nameLen+1:]

		switch valueType {
		case 0, 1: // bool true / false, no payload
			headers[name] = fmt.Sprintf("%t", valueType == 0)
		case 2: // byte
			if len(b) < 1 {
				return nil, fmt.Errorf("truncated byte header")
			}
			b = b[1:]
		case 3: // int16
			if len(b) < 2 {
				return nil, fmt.Errorf("truncated int16 header")
			}
			b = b[2:]
		case 4: // int32
			if len(b) < 4 {
				return nil, fmt.Errorf("truncated int32 header")
			}
			b = b[4:]
		case 5, 8: // int64 / timestamp
			if len(b) < 8 {
				return nil, fmt.Errorf("truncated int64 header")
			}
			b = b[8:]
		case 6, 7: // byte array / string, u16 length prefix
			if len(b) < 2 {
				return nil, fmt.Errorf("truncated length prefix")
			}
			valueLen := int(binary.BigEndian.Uint16(b))
			b = b[2:]
			if len(b) < valueLen {
				return nil, fmt.Errorf("truncated header value")
			}
			if valueType == 7 {
				headers[name] = string(b[:valueLen])
			}
			b = b[valueLen:]
		case 9: // uuid
			if len(b) < 16 {
				return nil, fmt.Errorf("truncated uuid header")
			}
			b = b[16:]
		default:
			return nil, fmt.Errorf("unknown header value type %d", valueType)
		}
	}
	return headers, nil
}
