package fcgi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen  = 8
	Version1   = 1
	MaxContent = 0xffff
	MaxPadding = 0xff
)

// RecordType is the FastCGI record type byte.
type RecordType uint8

const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
	TypeUnknownType     RecordType = 11
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("TYPE_%d", uint8(t))
	}
}

var (
	ErrFraming         = errors.New("fcgi: framing error")
	ErrContentTooLarge = errors.New("fcgi: content exceeds record limit")
)

// Header is the fixed 8-byte record header.
type Header struct {
	Version       uint8
	Type          RecordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Record is one decoded record. Raw holds header, content and padding exactly
// as read: len(Raw) == HeaderLen + ContentLength + PaddingLength.
type Record struct {
	Header
	Content []byte
	Raw     []byte
}

// IsEndOfParams reports the empty PARAMS record that closes a parameter stream.
func (r Record) IsEndOfParams() bool {
	return r.Type == TypeParams && r.ContentLength == 0
}

// ReadRecord reads exactly one record from r.
func ReadRecord(r io.Reader) (Record, error) {
	raw := make([]byte, HeaderLen, HeaderLen+512)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Record{}, fmt.Errorf("%w: header: %w", ErrFraming, err)
	}
	h := DecodeHeader(raw)

	body := int(h.ContentLength) + int(h.PaddingLength)
	if body > 0 {
		raw = append(raw, make([]byte, body)...)
		if _, err := io.ReadFull(r, raw[HeaderLen:]); err != nil {
			return Record{}, fmt.Errorf("%w: body type=%s len=%d: %w", ErrFraming, h.Type, body, err)
		}
	}

	return Record{
		Header:  h,
		Content: raw[HeaderLen : HeaderLen+int(h.ContentLength)],
		Raw:     raw,
	}, nil
}

// WriteRaw writes the record's original bytes.
func WriteRaw(w io.Writer, r Record) error {
	_, err := w.Write(r.Raw)
	return err
}

// EncodeRecord builds a complete record. Padding aligns the record to 8 bytes.
func EncodeRecord(t RecordType, requestID uint16, content []byte) ([]byte, error) {
	if len(content) > MaxContent {
		return nil, ErrContentTooLarge
	}
	padding := (8 - len(content)%8) % 8
	buf := make([]byte, HeaderLen+len(content)+padding)
	EncodeHeader(buf, Header{
		Version:       Version1,
		Type:          t,
		RequestID:     requestID,
		ContentLength: uint16(len(content)),
		PaddingLength: uint8(padding),
	})
	copy(buf[HeaderLen:], content)
	return buf, nil
}

// WriteRecord encodes one record and writes it to w.
func WriteRecord(w io.Writer, t RecordType, requestID uint16, content []byte) error {
	buf, err := EncodeRecord(t, requestID, content)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// WriteStream writes content as a sequence of records of type t followed by
// the empty record that terminates the stream.
func WriteStream(w io.Writer, t RecordType, requestID uint16, content []byte) error {
	for len(content) > 0 {
		n := len(content)
		if n > MaxContent {
			n = MaxContent
		}
		if err := WriteRecord(w, t, requestID, content[:n]); err != nil {
			return err
		}
		content = content[n:]
	}
	return WriteRecord(w, t, requestID, nil)
}

func EncodeHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], h.ContentLength)
	buf[6] = h.PaddingLength
	buf[7] = h.Reserved
}

func DecodeHeader(b []byte) Header {
	return Header{
		Version:       b[0],
		Type:          RecordType(b[1]),
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
		Reserved:      b[7],
	}
}
