package message

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
)

// Every body that names a resource starts with a 2-byte resource-name
// length then the name itself, followed by command-specific fixed fields;
// the receiver reads the length prefix first to find where the fixed tail
// begins. Reply and recovery bodies carry no leading name.

func putResource(buf []byte, resource string) []byte {
	nameLen := uint16(len(resource))
	head := make([]byte, 2)
	binary.LittleEndian.PutUint16(head, nameLen)
	buf = append(buf, head...)
	buf = append(buf, resource...)
	return buf
}

func getResource(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("message: truncated resource length")
	}
	n := binary.LittleEndian.Uint16(buf[:2])
	buf = buf[2:]
	if len(buf) < int(n) {
		return "", nil, fmt.Errorf("message: truncated resource name")
	}
	return string(buf[:n]), buf[n:], nil
}

// putBytes/getBytes use the same uint16-length-prefix convention as
// putResource/getResource, for the variable-length LVB field carried on
// REQUEST/CONVERT and their replies.
func putBytes(buf []byte, b []byte) []byte {
	head := make([]byte, 2)
	binary.LittleEndian.PutUint16(head, uint16(len(b)))
	buf = append(buf, head...)
	buf = append(buf, b...)
	return buf
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("message: truncated byte-field length")
	}
	n := binary.LittleEndian.Uint16(buf[:2])
	buf = buf[2:]
	if len(buf) < int(n) {
		return nil, nil, fmt.Errorf("message: truncated byte field")
	}
	if n == 0 {
		return nil, buf, nil
	}
	return buf[:n], buf[n:], nil
}

// RequestBody is the REQUEST/CONVERT command body. Owner is only
// meaningful on a REQUEST (a fresh lock has no owner until one is minted);
// CONVERT ignores it since the lock already carries an owner.
type RequestBody struct {
	Resource string
	Owner    string
	LKBID    lkb.ID
	Mode     modes.Mode
	Offset   uint64
	Length   uint64
	Flags    uint16
	LVB      []byte
}

// FlagsToByte packs an lkb.Flags into the 13 bits the wire format uses. The
// name predates the widening from uint8 to uint16 and is kept so call sites
// (and the companion ByteToFlags) didn't need renaming.
func FlagsToByte(f lkb.Flags) uint16 {
	var b uint16
	if f.NoQueue {
		b |= 1 << 0
	}
	if f.Convert {
		b |= 1 << 1
	}
	if f.Quecvt {
		b |= 1 << 2
	}
	if f.Valblk {
		b |= 1 << 3
	}
	if f.Persist {
		b |= 1 << 4
	}
	if f.CancelOK {
		b |= 1 << 5
	}
	if f.Expedite {
		b |= 1 << 6
	}
	if f.NoQueueBast {
		b |= 1 << 7
	}
	if f.NoDlckWt {
		b |= 1 << 8
	}
	if f.ConvDeadlk {
		b |= 1 << 9
	}
	if f.IvValBlk {
		b |= 1 << 10
	}
	if f.AltPR {
		b |= 1 << 11
	}
	if f.AltCW {
		b |= 1 << 12
	}
	return b
}

func ByteToFlags(b uint16) lkb.Flags {
	return lkb.Flags{
		NoQueue:     b&(1<<0) != 0,
		Convert:     b&(1<<1) != 0,
		Quecvt:      b&(1<<2) != 0,
		Valblk:      b&(1<<3) != 0,
		Persist:     b&(1<<4) != 0,
		CancelOK:    b&(1<<5) != 0,
		Expedite:    b&(1<<6) != 0,
		NoQueueBast: b&(1<<7) != 0,
		NoDlckWt:    b&(1<<8) != 0,
		ConvDeadlk:  b&(1<<9) != 0,
		IvValBlk:    b&(1<<10) != 0,
		AltPR:       b&(1<<11) != 0,
		AltCW:       b&(1<<12) != 0,
	}
}

// Encode serializes a RequestBody: name, owner, then 8 bytes LKBID, 1 byte
// mode, 8 bytes offset, 8 bytes length, 2 bytes flags, then the LVB field.
func (b RequestBody) Encode() []byte {
	buf := putResource(nil, b.Resource)
	buf = putResource(buf, b.Owner)
	tail := make([]byte, 8+1+8+8+2)
	binary.LittleEndian.PutUint64(tail[0:8], uint64(b.LKBID))
	tail[8] = byte(b.Mode)
	binary.LittleEndian.PutUint64(tail[9:17], b.Offset)
	binary.LittleEndian.PutUint64(tail[17:25], b.Length)
	binary.LittleEndian.PutUint16(tail[25:27], b.Flags)
	buf = append(buf, tail...)
	return putBytes(buf, b.LVB)
}

func DecodeRequestBody(buf []byte) (RequestBody, error) {
	resource, rest, err := getResource(buf)
	if err != nil {
		return RequestBody{}, err
	}
	owner, rest, err := getResource(rest)
	if err != nil {
		return RequestBody{}, err
	}
	if len(rest) < 27 {
		return RequestBody{}, fmt.Errorf("message: truncated request body")
	}
	out := RequestBody{
		Resource: resource,
		Owner:    owner,
		LKBID:    lkb.ID(binary.LittleEndian.Uint64(rest[0:8])),
		Mode:     modes.Mode(rest[8]),
		Offset:   binary.LittleEndian.Uint64(rest[9:17]),
		Length:   binary.LittleEndian.Uint64(rest[17:25]),
		Flags:    binary.LittleEndian.Uint16(rest[25:27]),
	}
	lvb, _, err := getBytes(rest[27:])
	if err != nil {
		return RequestBody{}, err
	}
	out.LVB = lvb
	return out, nil
}

// ReplyBody carries the outcome of a REQUEST/CONVERT/UNLOCK/CANCEL: a
// status byte (0 = success) and, on failure, a short message. Correlation
// echoes back whatever token the requester placed in RequestBody.LKBID (for
// a brand new REQUEST this is the requester's own correlation token, not a
// real lock id, since the real id is only minted by the master); LKBID
// carries the real, master-assigned lock id once one exists.
type ReplyBody struct {
	Correlation lkb.ID
	LKBID       lkb.ID
	Status      uint8
	Message     string
	SBFlags     uint8
	LVB         []byte
}

// SBFlags bits, mirroring the kernel DLM's sb_flags carried on a grant/AST.
const (
	SBDemoted     uint8 = 1 << 0
	SBValNotValid uint8 = 1 << 1
	SBAltMode     uint8 = 1 << 2
)

func (b ReplyBody) Encode() []byte {
	buf := make([]byte, 8+8+1+1+2)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(b.Correlation))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(b.LKBID))
	buf[16] = b.Status
	buf[17] = b.SBFlags
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(b.Message)))
	buf = append(buf, b.Message...)
	return putBytes(buf, b.LVB)
}

func DecodeReplyBody(buf []byte) (ReplyBody, error) {
	if len(buf) < 20 {
		return ReplyBody{}, fmt.Errorf("message: truncated reply body")
	}
	n := binary.LittleEndian.Uint16(buf[18:20])
	if len(buf) < 20+int(n) {
		return ReplyBody{}, fmt.Errorf("message: truncated reply message")
	}
	out := ReplyBody{
		Correlation: lkb.ID(binary.LittleEndian.Uint64(buf[0:8])),
		LKBID:       lkb.ID(binary.LittleEndian.Uint64(buf[8:16])),
		Status:      buf[16],
		SBFlags:     buf[17],
		Message:     string(buf[20 : 20+n]),
	}
	lvb, _, err := getBytes(buf[20+n:])
	if err != nil {
		return ReplyBody{}, err
	}
	out.LVB = lvb
	return out, nil
}

// UnlockBody is the UNLOCK/CANCEL command body: just enough to identify
// the lock on the master.
type UnlockBody struct {
	Resource string
	LKBID    lkb.ID
}

func (b UnlockBody) Encode() []byte {
	buf := putResource(nil, b.Resource)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint64(tail, uint64(b.LKBID))
	return append(buf, tail...)
}

func DecodeUnlockBody(buf []byte) (UnlockBody, error) {
	resource, rest, err := getResource(buf)
	if err != nil {
		return UnlockBody{}, err
	}
	if len(rest) < 8 {
		return UnlockBody{}, fmt.Errorf("message: truncated unlock body")
	}
	return UnlockBody{Resource: resource, LKBID: lkb.ID(binary.LittleEndian.Uint64(rest[0:8]))}, nil
}

// LookupBody is a directory LOOKUP request for a resource name.
type LookupBody struct {
	Resource string
}

func (b LookupBody) Encode() []byte { return putResource(nil, b.Resource) }

func DecodeLookupBody(buf []byte) (LookupBody, error) {
	resource, _, err := getResource(buf)
	if err != nil {
		return LookupBody{}, err
	}
	return LookupBody{Resource: resource}, nil
}

// LookupReplyBody answers a LOOKUP with the resource's master node, or a
// NotFound flag if the directory has never heard of it.
type LookupReplyBody struct {
	Resource string
	Master   uint16
	Found    bool
}

func (b LookupReplyBody) Encode() []byte {
	buf := putResource(nil, b.Resource)
	tail := make([]byte, 3)
	binary.LittleEndian.PutUint16(tail[0:2], b.Master)
	if b.Found {
		tail[2] = 1
	}
	return append(buf, tail...)
}

func DecodeLookupReplyBody(buf []byte) (LookupReplyBody, error) {
	resource, rest, err := getResource(buf)
	if err != nil {
		return LookupReplyBody{}, err
	}
	if len(rest) < 3 {
		return LookupReplyBody{}, fmt.Errorf("message: truncated lookup reply")
	}
	return LookupReplyBody{
		Resource: resource,
		Master:   binary.LittleEndian.Uint16(rest[0:2]),
		Found:    rest[2] != 0,
	}, nil
}

// RemoveBody is the unsolicited REMOVE notification a master sends to the
// directory-owning node when its last lock on a resource is released and
// its RSB is freed, so the directory can drop the now-stale entry instead
// of waiting for the next full rebuild.
type RemoveBody struct {
	Resource string
	Master   uint16
}

func (b RemoveBody) Encode() []byte {
	buf := putResource(nil, b.Resource)
	tail := make([]byte, 2)
	binary.LittleEndian.PutUint16(tail, b.Master)
	return append(buf, tail...)
}

func DecodeRemoveBody(buf []byte) (RemoveBody, error) {
	resource, rest, err := getResource(buf)
	if err != nil {
		return RemoveBody{}, err
	}
	if len(rest) < 2 {
		return RemoveBody{}, fmt.Errorf("message: truncated remove body")
	}
	return RemoveBody{Resource: resource, Master: binary.LittleEndian.Uint16(rest[0:2])}, nil
}

// StatusBody is the NODES_VALID round's RECOVER_STATUS message: a node
// announces it has entered recovery for eventID and is waiting for every
// other member to do the same before the directory rebuild begins.
type StatusBody struct {
	EventID uint64
}

func (b StatusBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.EventID)
	return buf
}

func DecodeStatusBody(buf []byte) (StatusBody, error) {
	if len(buf) < 8 {
		return StatusBody{}, fmt.Errorf("message: truncated status body")
	}
	return StatusBody{EventID: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

// NamesBody carries one node's RECOVER_NAMES announcement: every resource
// name it currently masters, sent to every peer so each directory shard
// owner can rebuild its entries from whichever names fall in its shard.
type NamesBody struct {
	EventID uint64
	Names   []string
}

func (b NamesBody) Encode() []byte {
	buf := make([]byte, 8+2)
	binary.LittleEndian.PutUint64(buf[0:8], b.EventID)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(b.Names)))
	for _, n := range b.Names {
		buf = putResource(buf, n)
	}
	return buf
}

func DecodeNamesBody(buf []byte) (NamesBody, error) {
	if len(buf) < 10 {
		return NamesBody{}, fmt.Errorf("message: truncated names body")
	}
	out := NamesBody{EventID: binary.LittleEndian.Uint64(buf[0:8])}
	count := binary.LittleEndian.Uint16(buf[8:10])
	rest := buf[10:]
	for i := uint16(0); i < count; i++ {
		var name string
		var err error
		name, rest, err = getResource(rest)
		if err != nil {
			return NamesBody{}, err
		}
		out.Names = append(out.Names, name)
	}
	return out, nil
}

// NamesDoneBody acknowledges a RECOVER_NAMES announcement once the
// receiver's directory shard has absorbed whichever names it owns.
type NamesDoneBody struct {
	EventID uint64
}

func (b NamesDoneBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.EventID)
	return buf
}

func DecodeNamesDoneBody(buf []byte) (NamesDoneBody, error) {
	if len(buf) < 8 {
		return NamesDoneBody{}, fmt.Errorf("message: truncated names-done body")
	}
	return NamesDoneBody{EventID: binary.LittleEndian.Uint64(buf[0:8])}, nil
}
