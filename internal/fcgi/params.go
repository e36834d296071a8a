package fcgi

import (
	"encoding/binary"
	"errors"
)

const maxShortLength = 127

var (
	ErrTruncatedParams = errors.New("fcgi: truncated name/value pair")
	ErrParamTooLong    = errors.New("fcgi: name/value length exceeds 31 bits")
)

// Param is one name/value pair from a PARAMS stream.
type Param struct {
	Name  []byte
	Value []byte
}

// Params is an ordered parameter list.
type Params []Param

// Lookup returns the value of the first pair named name.
func (p Params) Lookup(name string) (string, bool) {
	for _, kv := range p {
		if string(kv.Name) == name {
			return string(kv.Value), true
		}
	}
	return "", false
}

// Map flattens the list; later duplicates are ignored.
func (p Params) Map() map[string]string {
	out := make(map[string]string, len(p))
	for _, kv := range p {
		name := string(kv.Name)
		if _, ok := out[name]; !ok {
			out[name] = string(kv.Value)
		}
	}
	return out
}

// DecodeParams decodes a complete PARAMS content stream. On truncated input the
// pairs decoded so far are returned together with ErrTruncatedParams.
func DecodeParams(content []byte) (Params, error) {
	out := make(Params, 0, 16)
	i := 0
	for i < len(content) {
		nameLen, n, ok := readParamLength(content[i:])
		if !ok {
			return out, ErrTruncatedParams
		}
		i += n
		valueLen, n, ok := readParamLength(content[i:])
		if !ok {
			return out, ErrTruncatedParams
		}
		i += n
		if uint64(len(content)-i) < uint64(nameLen)+uint64(valueLen) {
			return out, ErrTruncatedParams
		}
		name := content[i : i+int(nameLen)]
		i += int(nameLen)
		value := content[i : i+int(valueLen)]
		i += int(valueLen)
		out = append(out, Param{Name: name, Value: value})
	}
	return out, nil
}

func readParamLength(b []byte) (uint32, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0]&0x80 == 0 {
		return uint32(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(b[:4]) &^ (1 << 31), 4, true
}

// AppendParamLength appends the variable-length encoding of n.
func AppendParamLength(dst []byte, n int) []byte {
	if n <= maxShortLength {
		return append(dst, byte(n))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|1<<31)
	return append(dst, b[:]...)
}

// EncodeParams encodes pairs as PARAMS content, in order.
func EncodeParams(params Params) ([]byte, error) {
	out := make([]byte, 0, 256)
	for _, kv := range params {
		if len(kv.Name) > 1<<31-1 || len(kv.Value) > 1<<31-1 {
			return nil, ErrParamTooLong
		}
		out = AppendParamLength(out, len(kv.Name))
		out = AppendParamLength(out, len(kv.Value))
		out = append(out, kv.Name...)
		out = append(out, kv.Value...)
	}
	return out, nil
}

// StringParams builds a Params list from alternating name, value strings.
func StringParams(pairs ...string) Params {
	out := make(Params, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Param{Name: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return out
}
