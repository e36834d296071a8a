package fcgi

import (
	"bytes"
	"errors"
	"testing"
)

func TestParamsRoundTripAcrossLengthCutover(t *testing.T) {
	var params Params
	for _, n := range []int{0, 1, 126, 127, 128, 129, 300} {
		params = append(params,
			Param{Name: bytes.Repeat([]byte("N"), max(n, 1)), Value: bytes.Repeat([]byte("v"), n)},
			Param{Name: bytes.Repeat([]byte("k"), n+1), Value: []byte("a=b;c\x00d")},
		)
	}
	params = append(params, Param{Name: []byte("EMPTY"), Value: nil})

	content, err := EncodeParams(params)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeParams(content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(params) {
		t.Fatalf("pair count: got=%d want=%d", len(got), len(params))
	}
	for i := range params {
		if !bytes.Equal(got[i].Name, params[i].Name) || !bytes.Equal(got[i].Value, params[i].Value) {
			t.Fatalf("pair %d mismatch: name=%d/%d value=%d/%d", i,
				len(got[i].Name), len(params[i].Name), len(got[i].Value), len(params[i].Value))
		}
	}
}

func TestAppendParamLengthBoundary(t *testing.T) {
	if b := AppendParamLength(nil, 127); len(b) != 1 || b[0] != 127 {
		t.Fatalf("127 must encode as one byte, got %x", b)
	}
	if b := AppendParamLength(nil, 128); len(b) != 4 || !bytes.Equal(b, []byte{0x80, 0, 0, 128}) {
		t.Fatalf("128 must encode as four bytes, got %x", b)
	}
	if b := AppendParamLength(nil, 129); !bytes.Equal(b, []byte{0x80, 0, 0, 129}) {
		t.Fatalf("unexpected encoding for 129: %x", b)
	}
	if b := AppendParamLength(nil, 1<<20); !bytes.Equal(b, []byte{0x80, 0x10, 0, 0}) {
		t.Fatalf("unexpected encoding for 1<<20: %x", b)
	}
}

func TestDecodeParamsLongFormStripsTopBit(t *testing.T) {
	name := []byte("QUERY_STRING")
	value := bytes.Repeat([]byte("x"), 200)
	content := []byte{byte(len(name)), 0x80, 0x00, 0x00, 200}
	content = append(content, name...)
	content = append(content, value...)

	got, err := DecodeParams(content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := got.Lookup("QUERY_STRING"); !ok || len(v) != 200 {
		t.Fatalf("unexpected lookup: ok=%v len=%d", ok, len(v))
	}
}

func TestDecodeParamsTruncated(t *testing.T) {
	content, _ := EncodeParams(StringParams("A", "1", "LONG", string(bytes.Repeat([]byte("y"), 130))))
	cases := map[string][]byte{
		"missing value length": content[:4+1],
		"short long-form":      content[:4+2],
		"short value":          content[:len(content)-1],
	}
	for name, in := range cases {
		got, err := DecodeParams(in)
		if !errors.Is(err, ErrTruncatedParams) {
			t.Fatalf("%s: expected ErrTruncatedParams, got %v", name, err)
		}
		if len(got) != 1 || string(got[0].Name) != "A" {
			t.Fatalf("%s: expected the complete leading pair, got %+v", name, got)
		}
	}
}

func TestParamsLookupAndMapKeepFirst(t *testing.T) {
	p := StringParams("SCRIPT_NAME", "/app", "SCRIPT_NAME", "/other", "HTTP_COOKIE", "")
	if v, _ := p.Lookup("SCRIPT_NAME"); v != "/app" {
		t.Fatalf("lookup: %q", v)
	}
	if v, ok := p.Lookup("HTTP_COOKIE"); !ok || v != "" {
		t.Fatalf("empty value should be found")
	}
	if _, ok := p.Lookup("MISSING"); ok {
		t.Fatalf("unexpected hit")
	}
	if m := p.Map(); m["SCRIPT_NAME"] != "/app" || len(m) != 2 {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestBeginEndRequestBodies(t *testing.T) {
	br, err := DecodeBeginRequest(BeginRequestBody(RoleFilter, FlagKeepConn))
	if err != nil || br.Role != RoleFilter || br.Flags != FlagKeepConn {
		t.Fatalf("begin request: %+v %v", br, err)
	}
	er, err := DecodeEndRequest(EndRequestBody(0xdeadbeef, StatusUnknownRole))
	if err != nil || er.AppStatus != 0xdeadbeef || er.ProtocolStatus != StatusUnknownRole {
		t.Fatalf("end request: %+v %v", er, err)
	}
	if _, err := DecodeEndRequest([]byte{1, 2}); !errors.Is(err, ErrShortBody) {
		t.Fatalf("expected ErrShortBody, got %v", err)
	}
}
