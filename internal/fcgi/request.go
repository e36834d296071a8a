package fcgi

import (
	"encoding/binary"
	"errors"
	"io"
)

// Roles carried by BEGIN_REQUEST.
const (
	RoleResponder  uint16 = 1
	RoleAuthorizer uint16 = 2
	RoleFilter     uint16 = 3
)

const FlagKeepConn uint8 = 1

// Protocol status values carried by END_REQUEST.
const (
	StatusRequestComplete uint8 = 0
	StatusCantMultiplex   uint8 = 1
	StatusOverloaded      uint8 = 2
	StatusUnknownRole     uint8 = 3
)

var ErrShortBody = errors.New("fcgi: short request body")

// BeginRequest is the decoded BEGIN_REQUEST body.
type BeginRequest struct {
	Role  uint16
	Flags uint8
}

func BeginRequestBody(role uint16, flags uint8) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], role)
	b[2] = flags
	return b
}

func DecodeBeginRequest(content []byte) (BeginRequest, error) {
	if len(content) < 8 {
		return BeginRequest{}, ErrShortBody
	}
	return BeginRequest{Role: binary.BigEndian.Uint16(content[0:2]), Flags: content[2]}, nil
}

// EndRequest is the decoded END_REQUEST body.
type EndRequest struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

func EndRequestBody(appStatus uint32, protocolStatus uint8) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], appStatus)
	b[4] = protocolStatus
	return b
}

func DecodeEndRequest(content []byte) (EndRequest, error) {
	if len(content) < 8 {
		return EndRequest{}, ErrShortBody
	}
	return EndRequest{AppStatus: binary.BigEndian.Uint32(content[0:4]), ProtocolStatus: content[4]}, nil
}

// WriteRequest writes a complete responder request: BEGIN_REQUEST, the PARAMS
// stream and the STDIN stream.
func WriteRequest(w io.Writer, requestID uint16, params Params, stdin []byte) error {
	if err := WriteRecord(w, TypeBeginRequest, requestID, BeginRequestBody(RoleResponder, 0)); err != nil {
		return err
	}
	content, err := EncodeParams(params)
	if err != nil {
		return err
	}
	if err := WriteStream(w, TypeParams, requestID, content); err != nil {
		return err
	}
	return WriteStream(w, TypeStdin, requestID, stdin)
}

// Response collects the records a responder sent for one request.
type Response struct {
	Stdout []byte
	Stderr []byte
	End    EndRequest
}

// ReadResponse reads records until END_REQUEST for requestID.
func ReadResponse(r io.Reader, requestID uint16) (Response, error) {
	var resp Response
	for {
		rec, err := ReadRecord(r)
		if err != nil {
			return resp, err
		}
		if rec.RequestID != requestID {
			continue
		}
		switch rec.Type {
		case TypeStdout:
			resp.Stdout = append(resp.Stdout, rec.Content...)
		case TypeStderr:
			resp.Stderr = append(resp.Stderr, rec.Content...)
		case TypeEndRequest:
			end, err := DecodeEndRequest(rec.Content)
			if err != nil {
				return resp, err
			}
			resp.End = end
			return resp, nil
		}
	}
}
