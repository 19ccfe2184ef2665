// Package message implements the cluster wire format: a fixed-size,
// byte-order-normalized header followed by a command body, over a
// length-framed stream transport. The command set is closed
// (REQUEST/CONVERT/UNLOCK/CANCEL and their replies, GRANT, BAST, LOOKUP,
// LOOKUP_REPLY, REMOVE, plus the recovery commands STATUS/NAMES/LOCKS).
//
// Grounded on internal/protocol/nlm/types/constants.go's procedure/status
// enum-plus-stringer style, and on the record-marking idiom in
// internal/protocol/nlm/callback/client.go (a length header precedes the
// body) — adapted from RPC/XDR framing to a flat little-endian struct
// since this header is not an XDR/RPC message.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies the kind of message carried in a frame's body.
type Command uint8

const (
	CmdRequest Command = iota + 1
	CmdConvert
	CmdUnlock
	CmdCancel
	CmdReply
	CmdGrant
	CmdBast
	CmdLookup
	CmdLookupReply
	CmdRemove
	CmdRecoverStatus
	CmdRecoverNames
	CmdRecoverLocks
	CmdRecoverDone
)

func (c Command) String() string {
	switch c {
	case CmdRequest:
		return "REQUEST"
	case CmdConvert:
		return "CONVERT"
	case CmdUnlock:
		return "UNLOCK"
	case CmdCancel:
		return "CANCEL"
	case CmdReply:
		return "REPLY"
	case CmdGrant:
		return "GRANT"
	case CmdBast:
		return "BAST"
	case CmdLookup:
		return "LOOKUP"
	case CmdLookupReply:
		return "LOOKUP_REPLY"
	case CmdRemove:
		return "REMOVE"
	case CmdRecoverStatus:
		return "RECOVER_STATUS"
	case CmdRecoverNames:
		return "RECOVER_NAMES"
	case CmdRecoverLocks:
		return "RECOVER_LOCKS"
	case CmdRecoverDone:
		return "RECOVER_DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

// headerSize is the wire size, in bytes, of a Header: Command(1) +
// pad(3) + Lockspace(4) + SourceNode(4) + Epoch(4) + BodyLen(4) = 20 bytes.
const headerSize = 20

// maxBodyLen bounds a single frame's body to guard against a corrupt or
// hostile length field causing an unbounded allocation.
const maxBodyLen = 16 << 20 // 16 MiB

// Header precedes every message body on the wire. Lockspace identifies
// which lockspace the message belongs to (a process may host several);
// SourceNode is the sending node's id, carried in-band since a shared
// accept-side connection cannot otherwise be attributed to a peer.
// Epoch is the membership epoch the sender believed was current when it
// sent the message, letting a receiver reject stale messages from a
// pre-recovery epoch without needing a separate directory-sequence byte.
type Header struct {
	Command    Command
	Lockspace  uint32
	SourceNode uint32
	Epoch      uint32
	BodyLen    uint32
}

// Encode writes h in wire byte order (little-endian).
func (h Header) Encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = byte(h.Command)
	binary.LittleEndian.PutUint32(buf[4:8], h.Lockspace)
	binary.LittleEndian.PutUint32(buf[8:12], h.SourceNode)
	binary.LittleEndian.PutUint32(buf[12:16], h.Epoch)
	binary.LittleEndian.PutUint32(buf[16:20], h.BodyLen)
	return buf
}

// DecodeHeader parses a headerSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("message: short header (%d bytes)", len(buf))
	}
	h := Header{
		Command:    Command(buf[0]),
		Lockspace:  binary.LittleEndian.Uint32(buf[4:8]),
		SourceNode: binary.LittleEndian.Uint32(buf[8:12]),
		Epoch:      binary.LittleEndian.Uint32(buf[12:16]),
		BodyLen:    binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.BodyLen > maxBodyLen {
		return Header{}, fmt.Errorf("message: body length %d exceeds maximum %d", h.BodyLen, maxBodyLen)
	}
	return h, nil
}

// Frame is a decoded header plus its body bytes.
type Frame struct {
	Header Header
	Body   []byte
}

// WriteFrame writes a header followed by body to w, setting BodyLen from
// len(body).
func WriteFrame(w io.Writer, h Header, body []byte) error {
	h.BodyLen = uint32(len(body))
	if _, err := w.Write(h.Encode()); err != nil {
		return fmt.Errorf("message: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("message: write body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one header+body frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(hdr)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, fmt.Errorf("message: read body: %w", err)
		}
	}
	return Frame{Header: h, Body: body}, nil
}
