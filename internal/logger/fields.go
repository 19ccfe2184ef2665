package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the lock engine,
// directory, recovery coordinator, and transport. Use these keys
// consistently across all log statements so log aggregation and querying
// work the same way regardless of which subsystem emitted the line.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry-style trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry-style span ID for operation tracking

	// ========================================================================
	// Cluster & Lockspace
	// ========================================================================
	KeyLockspace = "lockspace" // lockspace name
	KeyNodeID    = "node_id"   // local or remote node id
	KeyEventID   = "event_id"  // membership/recovery event id
	KeyEpoch     = "epoch"     // membership epoch
	KeyRunID     = "run_id"    // process run id, stable for one daemon lifetime

	// ========================================================================
	// Resource & Lock Identity
	// ========================================================================
	KeyResource = "resource" // resource (RSB) name
	KeyLKBID    = "lkb_id"   // lock block id
	KeyOwner    = "owner"    // caller-supplied lock owner identifier

	// ========================================================================
	// Lock Mode & Range
	// ========================================================================
	KeyMode      = "mode"      // requested or granted lock mode
	KeyPrevMode  = "prev_mode" // mode held before a conversion
	KeyOffset    = "offset"    // lock range offset
	KeyLength    = "length"    // lock range length
	KeyFlags     = "flags"     // request flag bits

	// ========================================================================
	// Message Layer
	// ========================================================================
	KeyCommand = "command" // wire command name
	KeyBodyLen = "body_len"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyErrorCode  = "error_code"  // numeric/named error code
	KeyPhase      = "phase"       // recovery coordinator phase
)

// TraceID builds a trace_id attribute.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID builds a span_id attribute.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// Lockspace builds a lockspace name attribute.
func Lockspace(name string) slog.Attr { return slog.String(KeyLockspace, name) }

// NodeID builds a node id attribute.
func NodeID(id uint16) slog.Attr { return slog.Int(KeyNodeID, int(id)) }

// EventID builds a recovery/membership event id attribute.
func EventID(id uint64) slog.Attr { return slog.Uint64(KeyEventID, id) }

// Epoch builds a membership epoch attribute.
func Epoch(e uint32) slog.Attr { return slog.Int(KeyEpoch, int(e)) }

// RunID builds a process run id attribute; dlmd logs it on its startup
// line so aggregated logs from separate runs of a node can be told apart.
func RunID(id string) slog.Attr { return slog.String(KeyRunID, id) }

// Resource builds a resource name attribute.
func Resource(name string) slog.Attr { return slog.String(KeyResource, name) }

// LKBID builds a lock block id attribute.
func LKBID(id string) slog.Attr { return slog.String(KeyLKBID, id) }

// Owner builds a lock owner attribute.
func Owner(owner string) slog.Attr { return slog.String(KeyOwner, owner) }

// Mode builds a lock mode attribute.
func Mode(m string) slog.Attr { return slog.String(KeyMode, m) }

// PrevMode builds a prior-mode attribute, used when logging conversions.
func PrevMode(m string) slog.Attr { return slog.String(KeyPrevMode, m) }

// Offset builds a lock range offset attribute.
func Offset(off uint64) slog.Attr { return slog.Uint64(KeyOffset, off) }

// Length builds a lock range length attribute.
func Length(length uint64) slog.Attr { return slog.Uint64(KeyLength, length) }

// Command builds a wire command name attribute.
func Command(name string) slog.Attr { return slog.String(KeyCommand, name) }

// BodyLen builds a message body length attribute.
func BodyLen(n int) slog.Attr { return slog.Int(KeyBodyLen, n) }

// DurationMs builds a duration-in-milliseconds attribute.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err builds an error attribute from a Go error, or a no-op attribute if
// err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode builds a named error code attribute.
func ErrorCode(code string) slog.Attr { return slog.String(KeyErrorCode, code) }

// Phase builds a recovery coordinator phase attribute.
func Phase(phase string) slog.Attr { return slog.String(KeyPhase, phase) }
