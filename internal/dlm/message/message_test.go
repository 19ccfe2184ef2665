package message

import (
	"bytes"
	"testing"

	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
)

func TestFrameRoundTrip(t *testing.T) {
	body := RequestBody{Resource: "some-resource", LKBID: lkb.NewID(1, 42), Mode: modes.EX, Offset: 0, Length: 0, Flags: FlagsToByte(lkb.Flags{NoQueue: true})}
	encoded := body.Encode()

	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{Command: CmdRequest, Lockspace: 7, Epoch: 3}, encoded); err != nil {
		t.Fatal(err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Header.Command != CmdRequest || frame.Header.Lockspace != 7 || frame.Header.Epoch != 3 {
		t.Fatalf("header mismatch: %+v", frame.Header)
	}

	decoded, err := DecodeRequestBody(frame.Body)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Resource != "some-resource" || decoded.Mode != modes.EX || decoded.LKBID != lkb.NewID(1, 42) {
		t.Fatalf("body mismatch: %+v", decoded)
	}
	if !ByteToFlags(decoded.Flags).NoQueue {
		t.Fatal("expected NoQueue flag to round-trip")
	}
}

func TestDecodeHeaderRejectsOversizedBody(t *testing.T) {
	h := Header{Command: CmdRequest, BodyLen: maxBodyLen + 1}
	if _, err := DecodeHeader(h.Encode()); err == nil {
		t.Fatal("expected error for oversized body length")
	}
}

func TestLookupReplyRoundTrip(t *testing.T) {
	b := LookupReplyBody{Resource: "r", Master: 9, Found: true}
	decoded, err := DecodeLookupReplyBody(b.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != b {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, b)
	}
}
